package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tactics-sync/combat-sync/internal/auth"
	"github.com/tactics-sync/combat-sync/internal/engine"
	"github.com/tactics-sync/combat-sync/internal/hub"
	"github.com/tactics-sync/combat-sync/internal/protocol"
	"github.com/tactics-sync/combat-sync/internal/registry"
	"github.com/tactics-sync/combat-sync/internal/session"
	"github.com/tactics-sync/combat-sync/pkg/types"
)

type envelope struct {
	Type    string `json:"type"`
	Version uint64 `json:"version"`
	Code    string `json:"code"`
	Reason  string `json:"reason"`
}

type wsFixture struct {
	srv   *httptest.Server
	hub   *hub.Hub
	host  string
	guest string
	id    string
}

func testRules() engine.Rules {
	rules := engine.DefaultRules()
	rules.DefaultTemplate = "vanguard"
	rules.Templates = map[string]engine.UnitTemplate{
		"vanguard":   {Name: "Vanguard", HP: 30, Energy: 2, Attack: 8, Defense: 3, MoveRange: 4, AttackRange: 1, Initiative: 10},
		"skirmisher": {Name: "Skirmisher", HP: 30, Energy: 2, Attack: 8, Defense: 3, MoveRange: 4, AttackRange: 1, Initiative: 5},
	}
	return rules
}

// newWSFixture serves a session where p1 (unit p1#1, moves first) and p2
// (unit p2#1) are seated but not connected.
func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	tokens, err := auth.NewJoinTokens([]byte("ws-test-secret-0123456789"), time.Hour, nil)
	require.NoError(t, err)
	reg := registry.New(zap.NewNop(), 0)
	h := hub.NewHub(context.Background(), session.Config{Rules: testRules()}, hub.Deps{
		Registry: reg,
		Tokens:   tokens,
		Logger:   zap.NewNop(),
	})
	reg.OnDisconnect(h.Disconnect)
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })

	ctx := context.Background()
	created, err := h.Create(ctx, session.JoinRequest{
		Participant: "p1",
		Units:       []session.UnitSpec{{Template: "vanguard", Position: &engine.Position{X: 0, Y: 0}}},
	}, hub.Options{})
	require.NoError(t, err)
	guest, _, err := h.Join(ctx, created.SessionID, session.JoinRequest{
		Participant: "p2",
		Units:       []session.UnitSpec{{Template: "skirmisher", Position: &engine.Position{X: 2, Y: 0}}},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(Handler(h, reg, Options{OutboxSize: 32}, zap.NewNop()))
	t.Cleanup(srv.Close)
	return &wsFixture{srv: srv, hub: h, host: created.JoinToken, guest: guest, id: created.SessionID}
}

type wsClient struct {
	t      *testing.T
	conn   *websocket.Conn
	binary bool
}

func (f *wsFixture) dial(t *testing.T, token, subprotocol string) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: []string{subprotocol}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return &wsClient{t: t, conn: conn, binary: subprotocol == protocol.SubprotocolCBOR}
}

func (c *wsClient) send(msg types.ClientMessage) {
	c.t.Helper()
	var (
		data []byte
		err  error
		typ  = websocket.MessageText
	)
	if c.binary {
		data, err = cbor.Marshal(msg)
		typ = websocket.MessageBinary
	} else {
		data, err = json.Marshal(msg)
	}
	require.NoError(c.t, err)
	c.sendRaw(typ, data)
}

func (c *wsClient) sendRaw(typ websocket.MessageType, data []byte) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, typ, data))
}

func (c *wsClient) next() envelope {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := c.conn.Read(ctx)
	require.NoError(c.t, err)

	var env envelope
	if c.binary {
		require.Equal(c.t, websocket.MessageBinary, typ)
		require.NoError(c.t, cbor.Unmarshal(data, &env))
	} else {
		require.Equal(c.t, websocket.MessageText, typ)
		require.NoError(c.t, json.Unmarshal(data, &env))
	}
	return env
}

func endTurn(unit string) types.ClientMessage {
	return types.ClientMessage{Type: types.TypePlayerAction, Action: &types.ActionPayload{Type: types.ActionEndTurn, UnitID: unit}}
}

func TestHandler_RejectsBadToken(t *testing.T) {
	f := newWSFixture(t)

	resp, err := http.Get(f.srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/ws?token=forged")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_CombatOverBothCodecs(t *testing.T) {
	f := newWSFixture(t)

	p1 := f.dial(t, f.host, protocol.SubprotocolJSON)
	assert.Equal(t, envelope{Type: types.TypeFullSnapshot}, p1.next())
	p2 := f.dial(t, f.guest, protocol.SubprotocolCBOR)
	assert.Equal(t, types.TypeFullSnapshot, p2.next().Type)

	p1.send(types.ClientMessage{Type: types.TypeStart})
	assert.Equal(t, types.TypeFullSnapshot, p1.next().Type)
	assert.Equal(t, types.TypeFullSnapshot, p2.next().Type)

	p1.send(endTurn("p1#1"))
	assert.Equal(t, envelope{Type: types.TypeStateUpdate, Version: 1}, p1.next())
	assert.Equal(t, envelope{Type: types.TypeStateUpdate, Version: 1}, p2.next())

	p1.send(endTurn("p1#1"))
	got := p1.next()
	assert.Equal(t, types.TypeError, got.Type)
	assert.Equal(t, string(engine.CodeNotYourTurn), got.Code)

	p2.send(endTurn("p2#1"))
	assert.Equal(t, uint64(2), p1.next().Version)
	assert.Equal(t, uint64(2), p2.next().Version)

	p2.send(types.ClientMessage{Type: types.TypeResync})
	snap := p2.next()
	assert.Equal(t, envelope{Type: types.TypeFullSnapshot, Version: 2}, snap)
}

func TestHandler_MalformedFrames(t *testing.T) {
	f := newWSFixture(t)
	p1 := f.dial(t, f.host, protocol.SubprotocolJSON)
	p1.next()

	p1.sendRaw(websocket.MessageText, []byte(`{not json`))
	assert.Equal(t, protocol.CodeMalformed, p1.next().Code)

	p1.send(types.ClientMessage{Type: types.TypePlayerAction, Action: &types.ActionPayload{Type: "dance", UnitID: "p1#1"}})
	assert.Equal(t, protocol.CodeMalformed, p1.next().Code)

	p1.send(types.ClientMessage{Type: types.TypeStart})
	assert.Equal(t, types.TypeFullSnapshot, p1.next().Type)

	p1.send(endTurn("p2#1"))
	assert.Equal(t, string(engine.CodeNotOwner), p1.next().Code)
}

func TestHandler_RejectsActionForOtherSession(t *testing.T) {
	f := newWSFixture(t)
	p1 := f.dial(t, f.host, protocol.SubprotocolJSON)
	p1.next()
	p1.send(types.ClientMessage{Type: types.TypeStart})
	p1.next()

	stray := endTurn("p1#1")
	stray.SessionID = "some-other-session"
	p1.send(stray)
	got := p1.next()
	assert.Equal(t, types.TypeError, got.Type)
	assert.Equal(t, string(engine.CodeInvalidAction), got.Code)

	addressed := endTurn("p1#1")
	addressed.SessionID = f.id
	p1.send(addressed)
	assert.Equal(t, envelope{Type: types.TypeStateUpdate, Version: 1}, p1.next(), "the rejected frame changed nothing")
}

func TestHandler_GuestCannotStart(t *testing.T) {
	f := newWSFixture(t)
	p2 := f.dial(t, f.guest, protocol.SubprotocolJSON)
	p2.next()

	p2.send(types.ClientMessage{Type: types.TypeStart})
	assert.Equal(t, CodeForbidden, p2.next().Code)
}

func TestHandler_SecondConnectionRefused(t *testing.T) {
	f := newWSFixture(t)
	first := f.dial(t, f.host, protocol.SubprotocolJSON)
	first.next()

	second := f.dial(t, f.host, protocol.SubprotocolJSON)
	assert.Equal(t, envelope{Type: types.TypeError, Code: CodeConflict}, second.next())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := second.conn.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestHandler_LeaveAndSessionEnd(t *testing.T) {
	f := newWSFixture(t)
	p1 := f.dial(t, f.host, protocol.SubprotocolJSON)
	p1.next()
	p2 := f.dial(t, f.guest, protocol.SubprotocolJSON)
	p2.next()

	p2.send(types.ClientMessage{Type: types.TypeLeave})
	assert.Equal(t, types.TypeFullSnapshot, p1.next().Type, "roster change")

	ctrl, err := f.hub.Get(context.Background(), f.id)
	require.NoError(t, err)
	require.NoError(t, ctrl.End(context.Background(), "p1"))

	ended := p1.next()
	assert.Equal(t, types.TypeSessionEnded, ended.Type)
	assert.Equal(t, string(session.ReasonEndedByHost), ended.Reason)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err = p1.conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}
