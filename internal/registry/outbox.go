package registry

import (
	"errors"
	"sync"

	"github.com/tactics-sync/combat-sync/pkg/types"
)

var (
	ErrOverflow = errors.New("outbox overflow")
	ErrClosed   = errors.New("outbox closed")
)

// Outbox is the bounded per-connection send buffer. A connection that
// cannot keep up is cut off instead of slowing down its session.
type Outbox struct {
	id string
	ch chan types.ServerMessage

	mu     sync.Mutex
	closed bool
	reason error
}

func NewOutbox(id string, size int) *Outbox {
	if size <= 0 {
		size = 1
	}
	return &Outbox{id: id, ch: make(chan types.ServerMessage, size)}
}

func (o *Outbox) ID() string { return o.id }

// Send queues msg without blocking. A full buffer closes the outbox.
func (o *Outbox) Send(msg types.ServerMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	select {
	case o.ch <- msg:
		return nil
	default:
		o.closeLocked(ErrOverflow)
		return ErrOverflow
	}
}

// Messages is drained by the connection's writer. It is closed once the
// outbox is, after the buffered messages.
func (o *Outbox) Messages() <-chan types.ServerMessage { return o.ch }

func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked(ErrClosed)
}

// Err reports why the outbox was closed, or nil while it is open.
func (o *Outbox) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}

func (o *Outbox) closeLocked(reason error) {
	if o.closed {
		return
	}
	o.closed = true
	o.reason = reason
	close(o.ch)
}
