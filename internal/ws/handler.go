// Package ws is the websocket transport. Each connection gets a reader loop
// on the request goroutine and a writer goroutine draining its outbox.
package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tactics-sync/combat-sync/internal/auth"
	"github.com/tactics-sync/combat-sync/internal/engine"
	"github.com/tactics-sync/combat-sync/internal/hub"
	"github.com/tactics-sync/combat-sync/internal/protocol"
	"github.com/tactics-sync/combat-sync/internal/registry"
	"github.com/tactics-sync/combat-sync/internal/session"
	"github.com/tactics-sync/combat-sync/pkg/types"
)

type Options struct {
	OutboxSize     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	OriginPatterns []string
}

func (o Options) withDefaults() Options {
	if o.OutboxSize <= 0 {
		o.OutboxSize = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	return o
}

// Unregisterer is the registry side the transport needs once a connection
// goes away.
type Unregisterer interface {
	Unregister(conn registry.Conn)
}

// Handler upgrades GET /ws?token=<join token>. The token decides session
// and participant; reconnecting with the same token resumes the seat.
func Handler(h *hub.Hub, reg Unregisterer, opts Options, log *zap.Logger) http.HandlerFunc {
	opts = opts.withDefaults()
	log = log.Named("ws")

	return func(w http.ResponseWriter, r *http.Request) {
		claims, ctrl, err := h.Authorize(r.Context(), r.URL.Query().Get("token"), "")
		if err != nil {
			http.Error(w, err.Error(), authStatus(err))
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   protocol.Subprotocols(),
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			return
		}
		defer conn.CloseNow()

		codec, ok := protocol.ForSubprotocol(conn.Subprotocol())
		if !ok {
			codec = protocol.JSON()
		}

		pid := engine.ParticipantID(claims.ParticipantID)
		ob := registry.NewOutbox(uuid.NewString(), opts.OutboxSize)
		clog := log.With(
			zap.String("session_id", claims.SessionID),
			zap.String("participant_id", claims.ParticipantID),
			zap.String("conn_id", ob.ID()),
			zap.String("codec", codec.Name()))

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			defer cancel()
			writeLoop(ctx, conn, codec, ob, opts, clog)
		}()
		defer func() { <-writerDone }()
		defer ob.Close()

		if err := ctrl.HandleReconnect(ctx, pid, ob); err != nil {
			clog.Info("connection refused", zap.Error(err))
			writeNow(ctx, conn, codec, errorFor(err), opts.WriteTimeout)
			conn.Close(websocket.StatusPolicyViolation, closeReason(err))
			return
		}
		defer reg.Unregister(ob)

		go pingLoop(ctx, conn, opts.PingInterval)

		c := client{ctrl: ctrl, sessionID: claims.SessionID, pid: pid, out: ob, log: clog}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					clog.Debug("client closed connection")
				default:
					if ctx.Err() == nil {
						clog.Debug("read failed", zap.Error(err))
					}
				}
				return
			}

			msg, err := codec.Decode(data)
			if err != nil {
				if c.reply(protocol.ErrorFor(err)) != nil {
					return
				}
				continue
			}
			if !c.handle(ctx, msg) {
				return
			}
		}
	}
}

type client struct {
	ctrl      *session.Controller
	sessionID string
	pid       engine.ParticipantID
	out       *registry.Outbox
	log       *zap.Logger
}

// handle runs one inbound message. It returns false when the connection
// should close.
func (c client) handle(ctx context.Context, msg types.ClientMessage) bool {
	var err error
	switch msg.Type {
	case types.TypePlayerAction:
		if msg.SessionID != "" && msg.SessionID != c.sessionID {
			err = &engine.ActionError{Code: engine.CodeInvalidAction, Message: "action addressed to session " + msg.SessionID}
			break
		}
		var a engine.Action
		if a, err = protocol.ToAction(*msg.Action); err == nil {
			_, err = c.ctrl.Submit(ctx, c.pid, a)
		}
	case types.TypeResync:
		err = c.ctrl.SendSnapshot(ctx, c.pid)
	case types.TypeAck:
		c.ctrl.Ack(c.pid, msg.Version)
	case types.TypeStart:
		err = c.ctrl.Start(ctx, c.pid)
	case types.TypeLeave:
		if err := c.ctrl.Leave(ctx, c.pid); err != nil && !errors.Is(err, session.ErrSessionEnded) {
			c.log.Warn("leave failed", zap.Error(err))
		}
		return false
	}

	if err == nil {
		return true
	}
	if errors.Is(err, session.ErrSessionEnded) || errors.Is(err, context.Canceled) {
		return false
	}
	if _, ok := engine.CodeOf(err); !ok && !errors.Is(err, protocol.ErrMalformed) {
		c.log.Warn("request failed", zap.String("type", msg.Type), zap.Error(err))
	}
	return c.reply(errorFor(err)) == nil
}

func (c client) reply(msg types.ServerMessage) error {
	return c.out.Send(msg)
}

func writeLoop(ctx context.Context, conn *websocket.Conn, codec protocol.Codec, ob *registry.Outbox, opts Options, log *zap.Logger) {
	for msg := range ob.Messages() {
		if err := write(ctx, conn, codec, msg, opts.WriteTimeout); err != nil {
			if ctx.Err() == nil {
				log.Debug("write failed", zap.String("message", msg.MessageType()), zap.Error(err))
			}
			return
		}
	}
	switch err := ob.Err(); {
	case errors.Is(err, registry.ErrOverflow):
		log.Warn("client too slow, closing connection")
		conn.Close(websocket.StatusPolicyViolation, "too slow")
	default:
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func write(ctx context.Context, conn *websocket.Conn, codec protocol.Codec, msg types.ServerMessage, timeout time.Duration) error {
	payload, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	typ := websocket.MessageText
	if codec.Binary() {
		typ = websocket.MessageBinary
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.Write(wctx, typ, payload)
}

// writeNow is for the handshake failure path, before the writer owns the
// connection's outbox.
func writeNow(ctx context.Context, conn *websocket.Conn, codec protocol.Codec, msg types.ServerMessage, timeout time.Duration) {
	_ = write(ctx, conn, codec, msg, timeout)
}

func pingLoop(ctx context.Context, conn *websocket.Conn, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, every)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				conn.CloseNow()
				return
			}
		}
	}
}

// Wire codes for session-level refusals. Rule rejections keep the engine's
// codes.
const (
	CodeForbidden = "Forbidden"
	CodeConflict  = "Conflict"
)

func errorFor(err error) types.ErrorMessage {
	switch {
	case errors.Is(err, session.ErrSessionEnded):
		return protocol.NewError(string(engine.CodeSessionNotActive), err.Error())
	case errors.Is(err, session.ErrNotHost), errors.Is(err, session.ErrNotParticipant):
		return protocol.NewError(CodeForbidden, err.Error())
	case errors.Is(err, session.ErrAlreadyStarted),
		errors.Is(err, registry.ErrAlreadyConnected),
		errors.Is(err, registry.ErrSessionFull),
		errors.Is(err, engine.ErrNotEnoughSides):
		return protocol.NewError(CodeConflict, err.Error())
	}
	return protocol.ErrorFor(err)
}

func closeReason(err error) string {
	switch {
	case errors.Is(err, registry.ErrAlreadyConnected):
		return "already connected"
	case errors.Is(err, registry.ErrSessionFull):
		return "session full"
	case errors.Is(err, session.ErrNotParticipant):
		return "not a participant"
	}
	return "refused"
}

func authStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized
	case errors.Is(err, hub.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, hub.ErrHubClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
