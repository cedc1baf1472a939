package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tactics-sync/combat-sync/internal/auth"
	"github.com/tactics-sync/combat-sync/internal/clock"
	"github.com/tactics-sync/combat-sync/internal/engine"
	"github.com/tactics-sync/combat-sync/internal/persistence"
	"github.com/tactics-sync/combat-sync/internal/registry"
	"github.com/tactics-sync/combat-sync/internal/session"
)

type chanRecorder chan persistence.SessionRecord

func (c chanRecorder) Record(_ context.Context, rec persistence.SessionRecord) error {
	c <- rec
	return nil
}

type fixture struct {
	hub     *Hub
	reg     *registry.Registry
	tokens  *auth.JoinTokens
	records chanRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tokens, err := auth.NewJoinTokens([]byte("hub-test-secret-0123456789"), time.Hour, nil)
	require.NoError(t, err)

	f := &fixture{
		reg:     registry.New(zap.NewNop(), 0),
		tokens:  tokens,
		records: make(chanRecorder, 8),
	}
	f.hub = NewHub(context.Background(), session.Config{}, Deps{
		Registry: f.reg,
		Tokens:   tokens,
		Recorder: f.records,
		Clock:    clock.NewFake(time.Unix(1_700_000_000, 0)),
		Logger:   zap.NewNop(),
	})
	f.reg.OnDisconnect(f.hub.Disconnect)
	t.Cleanup(func() { _ = f.hub.Shutdown(context.Background()) })
	return f
}

func host(pid string) session.JoinRequest {
	return session.JoinRequest{Participant: engine.ParticipantID(pid), DisplayName: pid}
}

func (f *fixture) record(t *testing.T) persistence.SessionRecord {
	t.Helper()
	select {
	case rec := <-f.records:
		return rec
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for session record")
		return persistence.SessionRecord{}
	}
}

func TestHub_Create_Get_SamePointer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.hub.Create(ctx, host("p1"), Options{})
	require.NoError(t, err)
	require.NotEmpty(t, created.SessionID)

	c1, err := f.hub.Get(ctx, created.SessionID)
	require.NoError(t, err)
	c2, err := f.hub.Get(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	claims, err := f.tokens.Verify(created.JoinToken)
	require.NoError(t, err)
	assert.Equal(t, created.SessionID, claims.SessionID)
	assert.Equal(t, "p1", claims.ParticipantID)

	ids, err := f.hub.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{created.SessionID}, ids)
}

type brokenSigner struct{ *auth.JoinTokens }

func (brokenSigner) Issue(string, string, string) (string, error) {
	return "", errors.New("signer unavailable")
}

func TestHub_CreateDropsSessionWhenTokenFails(t *testing.T) {
	f := newFixture(t)
	records := make(chanRecorder, 1)
	h := NewHub(context.Background(), session.Config{}, Deps{
		Registry: f.reg,
		Tokens:   brokenSigner{f.tokens},
		Recorder: records,
		Logger:   zap.NewNop(),
	})
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })
	ctx := context.Background()

	_, err := h.Create(ctx, host("p1"), Options{})
	require.Error(t, err)

	select {
	case rec := <-records:
		assert.Equal(t, string(session.ReasonShutdown), rec.Reason)
	case <-time.After(time.Second):
		t.Fatal("session was not ended")
	}
	ids, err := h.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestHub_GetUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.hub.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestHub_JoinIssuesToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.hub.Create(ctx, host("p1"), Options{MaxParticipants: 2})
	require.NoError(t, err)

	token, p, err := f.hub.Join(ctx, created.SessionID, host("p2"))
	require.NoError(t, err)
	assert.Equal(t, session.RoleMember, p.Role)

	claims, ctrl, err := f.hub.Authorize(ctx, token, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "p2", claims.ParticipantID)
	assert.Equal(t, created.SessionID, ctrl.ID())

	_, _, err = f.hub.Join(ctx, created.SessionID, host("p3"))
	assert.ErrorIs(t, err, session.ErrSessionFull)
}

func TestHub_AuthorizeRejectsOtherSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.hub.Create(ctx, host("p1"), Options{})
	require.NoError(t, err)
	b, err := f.hub.Create(ctx, host("p9"), Options{})
	require.NoError(t, err)

	_, _, err = f.hub.Authorize(ctx, a.JoinToken, b.SessionID)
	assert.ErrorIs(t, err, ErrWrongSession)

	_, _, err = f.hub.Authorize(ctx, "garbage", "")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestHub_EndRemovesAndRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.hub.Create(ctx, host("p1"), Options{})
	require.NoError(t, err)

	ctrl, err := f.hub.Get(ctx, created.SessionID)
	require.NoError(t, err)
	require.NoError(t, ctrl.End(ctx, "p1"))

	rec := f.record(t)
	assert.Equal(t, created.SessionID, rec.SessionID)
	assert.Equal(t, string(session.ReasonEndedByHost), rec.Reason)

	require.Eventually(t, func() bool {
		_, err := f.hub.Get(ctx, created.SessionID)
		return errors.Is(err, ErrSessionNotFound)
	}, time.Second, time.Millisecond)

	_, _, err = f.hub.Authorize(ctx, created.JoinToken, "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestHub_DisconnectHookClearsPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.hub.Create(ctx, host("p1"), Options{})
	require.NoError(t, err)
	ctrl, err := f.hub.Get(ctx, created.SessionID)
	require.NoError(t, err)

	ob := registry.NewOutbox("c1", 16)
	require.NoError(t, ctrl.HandleReconnect(ctx, "p1", ob))
	snap, err := ctrl.Resync(ctx)
	require.NoError(t, err)
	require.True(t, snap.State.Participants[0].Present)

	f.reg.Unregister(ob)

	snap, err = ctrl.Resync(ctx)
	require.NoError(t, err)
	assert.False(t, snap.State.Participants[0].Present)
}

func TestHub_ShutdownEndsSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, pid := range []string{"p1", "p2"} {
		_, err := f.hub.Create(ctx, host(pid), Options{})
		require.NoError(t, err)
	}

	require.NoError(t, f.hub.Shutdown(ctx))
	for range 2 {
		assert.Equal(t, string(session.ReasonShutdown), f.record(t).Reason)
	}

	_, err := f.hub.Create(ctx, host("p3"), Options{})
	assert.ErrorIs(t, err, ErrHubClosed)
	assert.NoError(t, f.hub.Shutdown(ctx), "second shutdown is a no-op")
}
