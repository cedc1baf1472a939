// Package hub owns the set of live sessions. A single goroutine holds the
// id -> controller map; controllers themselves are only ever called from
// the requesting goroutine so the hub loop never waits on a session.
package hub

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tactics-sync/combat-sync/internal/auth"
	"github.com/tactics-sync/combat-sync/internal/clock"
	"github.com/tactics-sync/combat-sync/internal/engine"
	"github.com/tactics-sync/combat-sync/internal/persistence"
	"github.com/tactics-sync/combat-sync/internal/registry"
	"github.com/tactics-sync/combat-sync/internal/session"
	"github.com/tactics-sync/combat-sync/pkg/types"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrHubClosed       = errors.New("hub is shut down")
	ErrWrongSession    = errors.New("join token is for another session")
)

type hubMsg interface{ isHubMsg() }

type addSession struct {
	ctrl  *session.Controller
	reply chan error
}

type getSession struct {
	id    string
	reply chan *session.Controller
}

type removeSession struct {
	id string
}

type listSessions struct {
	reply chan []string
}

type shutdownHub struct {
	reply chan []*session.Controller
}

func (addSession) isHubMsg()    {}
func (getSession) isHubMsg()    {}
func (removeSession) isHubMsg() {}
func (listSessions) isHubMsg()  {}
func (shutdownHub) isHubMsg()   {}

// Tokens issues and checks the join tokens that bind a participant to a
// session. *auth.JoinTokens is the implementation.
type Tokens interface {
	Issue(sessionID, participantID, displayName string) (string, error)
	Verify(token string) (auth.JoinClaims, error)
}

type Deps struct {
	Registry session.Registry
	Tokens   Tokens
	Recorder persistence.Recorder
	Clock    clock.Clock
	Logger   *zap.Logger
	Tracer   trace.Tracer
}

// Options are the per-session settings a host may choose. Zero values keep
// the hub defaults.
type Options struct {
	MaxParticipants int  `json:"maxParticipants,omitempty"`
	AllowLateJoin   bool `json:"allowLateJoin,omitempty"`
}

type Created struct {
	SessionID string
	JoinToken string
}

type Hub struct {
	cfg  session.Config
	deps Deps
	log  *zap.Logger

	inbox  chan hubMsg
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// owned by loop
	sessions map[string]*session.Controller
	closing  bool
}

func NewHub(parent context.Context, cfg session.Config, deps Deps) *Hub {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Recorder == nil {
		deps.Recorder = persistence.Discard{}
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger.Named("hub"),
		inbox:    make(chan hubMsg, 64),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		sessions: make(map[string]*session.Controller),
	}
	go h.loop()
	return h
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case addSession:
				if h.closing {
					msg.reply <- ErrHubClosed
					break
				}
				select {
				case <-msg.ctrl.Done():
					msg.reply <- session.ErrSessionEnded
					continue
				default:
				}
				h.sessions[msg.ctrl.ID()] = msg.ctrl
				msg.reply <- nil

			case getSession:
				msg.reply <- h.sessions[msg.id] // may be nil

			case removeSession:
				delete(h.sessions, msg.id)

			case listSessions:
				ids := make([]string, 0, len(h.sessions))
				for id := range h.sessions {
					ids = append(ids, id)
				}
				msg.reply <- ids

			case shutdownHub:
				h.closing = true
				ctrls := make([]*session.Controller, 0, len(h.sessions))
				for _, c := range h.sessions {
					ctrls = append(ctrls, c)
				}
				msg.reply <- ctrls
			}
		}
	}
}

func (h *Hub) request(ctx context.Context, m hubMsg) error {
	select {
	case h.inbox <- m:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func recv[T any](ctx context.Context, done <-chan struct{}, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-done:
		return zero, ErrHubClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Create starts a forming session hosted by the requester and returns a
// join token for them.
func (h *Hub) Create(ctx context.Context, host session.JoinRequest, opts Options) (Created, error) {
	cfg := h.cfg
	if opts.MaxParticipants > 0 {
		cfg.MaxParticipants = opts.MaxParticipants
	}
	cfg.AllowLateJoin = cfg.AllowLateJoin || opts.AllowLateJoin

	id := uuid.NewString()
	ctrl, err := session.New(h.ctx, id, host, cfg, session.Deps{
		Registry: h.deps.Registry,
		Clock:    h.deps.Clock,
		Logger:   h.deps.Logger,
		Tracer:   h.deps.Tracer,
		OnEnd:    h.ended,
	})
	if err != nil {
		return Created{}, err
	}

	reply := make(chan error, 1)
	if err := h.request(ctx, addSession{ctrl: ctrl, reply: reply}); err != nil {
		_ = ctrl.Shutdown(context.Background())
		return Created{}, err
	}
	if err, rerr := recv(ctx, h.done, reply); rerr != nil || err != nil {
		_ = ctrl.Shutdown(context.Background())
		return Created{}, multierr.Combine(err, rerr)
	}

	token, err := h.deps.Tokens.Issue(id, string(host.Participant), host.DisplayName)
	if err != nil {
		_ = ctrl.Shutdown(context.Background())
		return Created{}, err
	}
	h.log.Info("session created",
		zap.String("session_id", id),
		zap.String("host", string(host.Participant)))
	return Created{SessionID: id, JoinToken: token}, nil
}

func (h *Hub) Get(ctx context.Context, id string) (*session.Controller, error) {
	reply := make(chan *session.Controller, 1)
	if err := h.request(ctx, getSession{id: id, reply: reply}); err != nil {
		return nil, err
	}
	ctrl, err := recv(ctx, h.done, reply)
	if err != nil {
		return nil, err
	}
	if ctrl == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return ctrl, nil
}

// List returns the ids of every live session.
func (h *Hub) List(ctx context.Context) ([]string, error) {
	reply := make(chan []string, 1)
	if err := h.request(ctx, listSessions{reply: reply}); err != nil {
		return nil, err
	}
	return recv(ctx, h.done, reply)
}

// Join adds a participant to a session, or returns the seat they already
// hold, and issues a fresh join token.
func (h *Hub) Join(ctx context.Context, id string, req session.JoinRequest) (string, session.Participant, error) {
	ctrl, err := h.Get(ctx, id)
	if err != nil {
		return "", session.Participant{}, err
	}
	p, err := ctrl.Join(ctx, req)
	if err != nil {
		return "", session.Participant{}, err
	}
	token, err := h.deps.Tokens.Issue(id, string(p.ID), p.DisplayName)
	if err != nil {
		return "", session.Participant{}, err
	}
	return token, p, nil
}

// Authorize checks a join token and resolves the session it names. When
// sessionID is not empty the token must be for that session.
func (h *Hub) Authorize(ctx context.Context, token, sessionID string) (auth.JoinClaims, *session.Controller, error) {
	claims, err := h.deps.Tokens.Verify(token)
	if err != nil {
		return auth.JoinClaims{}, nil, err
	}
	if sessionID != "" && claims.SessionID != sessionID {
		return auth.JoinClaims{}, nil, ErrWrongSession
	}
	ctrl, err := h.Get(ctx, claims.SessionID)
	if err != nil {
		return auth.JoinClaims{}, nil, err
	}
	return claims, ctrl, nil
}

func (h *Hub) Snapshot(ctx context.Context, id string) (types.FullSnapshot, error) {
	ctrl, err := h.Get(ctx, id)
	if err != nil {
		return types.FullSnapshot{}, err
	}
	return ctrl.Resync(ctx)
}

// Disconnect is the registry's disconnect hook.
func (h *Hub) Disconnect(b registry.Binding) {
	ctrl, err := h.Get(h.ctx, b.SessionID)
	if err != nil {
		return
	}
	ctrl.HandleDisconnect(engine.ParticipantID(b.ParticipantID), b.ConnID)
}

// Shutdown ends every live session and stops the hub. Sessions get the
// chance to notify their participants and hand in their reports.
func (h *Hub) Shutdown(ctx context.Context) error {
	reply := make(chan []*session.Controller, 1)
	err := h.request(ctx, shutdownHub{reply: reply})
	var ctrls []*session.Controller
	if err == nil {
		ctrls, err = recv(ctx, h.done, reply)
	}
	if errors.Is(err, ErrHubClosed) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, c := range ctrls {
		if serr := c.Shutdown(ctx); serr != nil && !errors.Is(serr, session.ErrSessionEnded) {
			err = multierr.Append(err, fmt.Errorf("session %s: %w", c.ID(), serr))
		}
	}
	h.log.Info("hub stopped", zap.Int("sessions", len(ctrls)))
	h.cancel()
	<-h.done
	return err
}

// ended runs on the session goroutine once a session stops.
func (h *Hub) ended(r session.Report) {
	select {
	case h.inbox <- removeSession{id: r.SessionID}:
	case <-h.done:
	}

	if r.Err != nil {
		h.log.Error("session torn down after fatal error",
			zap.String("session_id", r.SessionID),
			zap.Uint64("version", r.Version),
			zap.Error(r.Err))
	}

	rec, err := persistence.FromReport(r)
	if err != nil {
		h.log.Error("session record not built", zap.String("session_id", r.SessionID), zap.Error(err))
		return
	}
	if err := h.deps.Recorder.Record(context.WithoutCancel(h.ctx), rec); err != nil {
		h.log.Warn("session record not queued", zap.String("session_id", r.SessionID), zap.Error(err))
	}
}
