// Package registry tracks which live connection belongs to which session
// participant and fans session messages out to them.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tactics-sync/combat-sync/pkg/types"
)

var (
	ErrSessionFull      = errors.New("session has no free connection slots")
	ErrAlreadyConnected = errors.New("participant already connected")
)

// Conn is one live client connection.
type Conn interface {
	ID() string
	Send(msg types.ServerMessage) error
	Close()
}

// Binding names the session seat a connection occupies.
type Binding struct {
	SessionID     string
	ParticipantID string
	ConnID        string
}

type entry struct {
	conn    Conn
	binding Binding
}

type Registry struct {
	log   *zap.Logger
	limit int

	mu       sync.RWMutex
	conns    map[string]entry
	sessions map[string]map[string]entry

	onDisconnect func(Binding)
}

// New returns an empty registry. limit caps live connections per session;
// zero means unlimited.
func New(log *zap.Logger, limit int) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:      log.Named("registry"),
		limit:    limit,
		conns:    make(map[string]entry),
		sessions: make(map[string]map[string]entry),
	}
}

// OnDisconnect sets the hook run whenever a connection leaves the registry,
// either explicitly or because a delivery to it failed. Set it before the
// registry is shared.
func (r *Registry) OnDisconnect(fn func(Binding)) { r.onDisconnect = fn }

func (r *Registry) Register(conn Conn, sessionID, participantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn.ID()]; ok {
		return fmt.Errorf("%w: connection %s", ErrAlreadyConnected, conn.ID())
	}
	peers := r.sessions[sessionID]
	for _, e := range peers {
		if e.binding.ParticipantID == participantID {
			return fmt.Errorf("%w: %s in %s", ErrAlreadyConnected, participantID, sessionID)
		}
	}
	if r.limit > 0 && len(peers) >= r.limit {
		return fmt.Errorf("%w: %s", ErrSessionFull, sessionID)
	}

	e := entry{conn: conn, binding: Binding{SessionID: sessionID, ParticipantID: participantID, ConnID: conn.ID()}}
	if peers == nil {
		peers = make(map[string]entry)
		r.sessions[sessionID] = peers
	}
	peers[conn.ID()] = e
	r.conns[conn.ID()] = e
	return nil
}

// Unregister drops conn and runs the disconnect hook. Unknown connections
// are ignored.
func (r *Registry) Unregister(conn Conn) {
	b, ok := r.remove(conn.ID())
	if !ok {
		return
	}
	conn.Close()
	if r.onDisconnect != nil {
		r.onDisconnect(b)
	}
}

// Broadcast delivers msg to every connection of the session. A failed
// delivery disconnects only that connection.
func (r *Registry) Broadcast(sessionID string, msg types.ServerMessage) {
	r.mu.RLock()
	targets := make([]entry, 0, len(r.sessions[sessionID]))
	for _, e := range r.sessions[sessionID] {
		targets = append(targets, e)
	}
	r.mu.RUnlock()

	for _, e := range targets {
		if err := e.conn.Send(msg); err != nil {
			r.log.Warn("delivery failed, dropping connection",
				zap.String("session_id", sessionID),
				zap.String("participant_id", e.binding.ParticipantID),
				zap.String("conn_id", e.binding.ConnID),
				zap.String("message", msg.MessageType()),
				zap.Error(err))
			r.drop(e)
		}
	}
}

// CloseSession closes and forgets every connection of the session without
// running the disconnect hook.
func (r *Registry) CloseSession(sessionID string) {
	r.mu.Lock()
	peers := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	for id := range peers {
		delete(r.conns, id)
	}
	r.mu.Unlock()

	for _, e := range peers {
		e.conn.Close()
	}
}

// Lookup returns the binding of a live connection.
func (r *Registry) Lookup(connID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	return e.binding, ok
}

// Count returns the number of live connections in a session.
func (r *Registry) Count(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

// drop is Unregister for the broadcast path. The hook runs on its own
// goroutine because Broadcast is usually called from the session loop the
// hook reports back to.
func (r *Registry) drop(e entry) {
	b, ok := r.remove(e.binding.ConnID)
	if !ok {
		return
	}
	e.conn.Close()
	if r.onDisconnect != nil {
		go r.onDisconnect(b)
	}
}

func (r *Registry) remove(connID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return Binding{}, false
	}
	delete(r.conns, connID)
	if peers := r.sessions[e.binding.SessionID]; peers != nil {
		delete(peers, connID)
		if len(peers) == 0 {
			delete(r.sessions, e.binding.SessionID)
		}
	}
	return e.binding, true
}
