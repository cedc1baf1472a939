package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tactics-sync/combat-sync/internal/engine"
	"github.com/tactics-sync/combat-sync/pkg/types"
)

func intp(v int) *int { return &v }

func TestToAction(t *testing.T) {
	tests := []struct {
		name    string
		payload types.ActionPayload
		want    engine.Action
		wantErr bool
	}{
		{
			name:    "move",
			payload: types.ActionPayload{Type: "move", UnitID: "u1", Target: &types.Target{X: intp(2), Y: intp(0)}},
			want:    engine.Move{Unit: "u1", To: engine.Position{X: 2, Y: 0}},
		},
		{
			name:    "attack",
			payload: types.ActionPayload{Type: "attack", UnitID: "u1", Target: &types.Target{UnitID: "u2"}},
			want:    engine.Attack{Unit: "u1", Target: "u2"},
		},
		{
			name:    "ability with target list",
			payload: types.ActionPayload{Type: "use_ability", UnitID: "u1", Ability: "cleave", Targets: []string{"u2", "u3"}},
			want:    engine.UseAbility{Unit: "u1", Ability: "cleave", Targets: []engine.UnitID{"u2", "u3"}},
		},
		{
			name:    "ability with single target",
			payload: types.ActionPayload{Type: "use_ability", UnitID: "u1", Ability: "mend", Target: &types.Target{UnitID: "u1"}},
			want:    engine.UseAbility{Unit: "u1", Ability: "mend", Targets: []engine.UnitID{"u1"}},
		},
		{
			name:    "end turn",
			payload: types.ActionPayload{Type: "end_turn", UnitID: "u1"},
			want:    engine.EndTurn{Unit: "u1"},
		},
		{name: "missing unit", payload: types.ActionPayload{Type: "end_turn"}, wantErr: true},
		{name: "move without y", payload: types.ActionPayload{Type: "move", UnitID: "u1", Target: &types.Target{X: intp(1)}}, wantErr: true},
		{name: "attack without target", payload: types.ActionPayload{Type: "attack", UnitID: "u1"}, wantErr: true},
		{name: "ability without id", payload: types.ActionPayload{Type: "use_ability", UnitID: "u1"}, wantErr: true},
		{name: "auto pass from client", payload: types.ActionPayload{Type: "auto_pass", UnitID: "u1"}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ToAction(tc.payload)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCodecs_DecodeClientMessages(t *testing.T) {
	msg := types.ClientMessage{
		Type:      types.TypePlayerAction,
		SessionID: "s1",
		Action:    &types.ActionPayload{Type: "attack", UnitID: "u1", Target: &types.Target{UnitID: "u2"}},
	}

	jsonFrame := []byte(`{"type":"player_action","sessionId":"s1","action":{"type":"attack","unitId":"u1","target":{"unitId":"u2"}}}`)
	got, err := JSON().Decode(jsonFrame)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	cborFrame, err := cborEnc.Marshal(msg)
	require.NoError(t, err)
	got, err = CBOR().Decode(cborFrame)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestCodecs_RejectMalformed(t *testing.T) {
	frames := map[string]string{
		"not json":        `{"type":`,
		"missing type":    `{"sessionId":"s1"}`,
		"unknown type":    `{"type":"teleport"}`,
		"action w/o body": `{"type":"player_action"}`,
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			_, err := JSON().Decode([]byte(frame))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestForSubprotocol(t *testing.T) {
	c, ok := ForSubprotocol("")
	require.True(t, ok)
	assert.False(t, c.Binary())

	c, ok = ForSubprotocol(SubprotocolCBOR)
	require.True(t, ok)
	assert.True(t, c.Binary())

	_, ok = ForSubprotocol("tactics.v0")
	assert.False(t, ok)
}

func duelState(t *testing.T) engine.State {
	t.Helper()
	rules := engine.DefaultRules()
	s := engine.NewState(rules)
	a, err := engine.NewUnit(rules, "p1#1", "p1", "fighter")
	require.NoError(t, err)
	a.Position = engine.Position{X: 0, Y: 0}
	b, err := engine.NewUnit(rules, "p2#1", "p2", "fighter")
	require.NoError(t, err)
	b.Position = engine.Position{X: 1, Y: 0}
	require.NoError(t, s.AddUnit(a))
	require.NoError(t, s.AddUnit(b))
	_, s, err = engine.Start(s)
	require.NoError(t, err)
	return s
}

func TestDeltaView_ListsOnlyChangedUnits(t *testing.T) {
	prev := duelState(t)
	head, _ := prev.Queue.Current()
	require.Equal(t, engine.UnitID("p1#1"), head, "equal initiative falls back to unit id")

	events, next, err := engine.Apply(prev, engine.Attack{Unit: head, Target: "p2#1"})
	require.NoError(t, err)

	d := DeltaView(prev, next, events)
	require.Len(t, d.Units, 2, "attacker spent an action, target lost hp")
	assert.Equal(t, "active", d.Phase)
	assert.Equal(t, string(engine.EvtUnitDamaged), d.Events[0].Type)

	_, idle, err := engine.Apply(next, engine.Move{Unit: head, To: engine.Position{X: 0, Y: 1}})
	require.NoError(t, err)
	d = DeltaView(next, idle, nil)
	require.Len(t, d.Units, 1)
	assert.Equal(t, string(head), d.Units[0].ID)
	assert.NotNil(t, d.Events)
}

func TestDigest_StableAcrossRenders(t *testing.T) {
	s := duelState(t)
	participants := []types.ParticipantView{{ID: "p1", Role: "host", Present: true}, {ID: "p2", Role: "member"}}

	d1, err := Digest(StateView(s, participants))
	require.NoError(t, err)
	d2, err := Digest(StateView(s.Clone(), participants))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64)

	head, _ := s.Queue.Current()
	_, next, err := engine.Apply(s, engine.EndTurn{Unit: head})
	require.NoError(t, err)
	d3, err := Digest(StateView(next, participants))
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestNewFullSnapshot_CarriesDigest(t *testing.T) {
	view := StateView(duelState(t), nil)
	snap, err := NewFullSnapshot("s1", 4, view, time.UnixMilli(1000))
	require.NoError(t, err)

	want, err := Digest(view)
	require.NoError(t, err)
	assert.Equal(t, want, snap.Digest)
	assert.Equal(t, types.TypeFullSnapshot, snap.Type)
	assert.Equal(t, int64(1000), snap.Timestamp)
	assert.Equal(t, []types.ParticipantView{}, snap.State.Participants)
}

func TestErrorFor(t *testing.T) {
	assert.Equal(t, "NotYourTurn", ErrorFor(engine.ErrNotYourTurn).Code)
	assert.Equal(t, CodeMalformed, ErrorFor(ErrMalformed).Code)
	assert.Equal(t, "Internal", ErrorFor(errors.New("boom")).Code)
}
