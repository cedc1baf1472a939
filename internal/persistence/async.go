package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("persistence queue full")
	ErrClosed    = errors.New("persistence queue closed")
)

// Async queues records for a background worker. Record never blocks; when
// the queue is full the record is dropped and logged.
type Async struct {
	next    Recorder
	log     *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan SessionRecord
	done   chan struct{}
}

func NewAsync(next Recorder, size int, timeout time.Duration, log *zap.Logger) *Async {
	if size <= 0 {
		size = 64
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &Async{
		next:    next,
		log:     log.Named("persistence"),
		timeout: timeout,
		queue:   make(chan SessionRecord, size),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Record(_ context.Context, rec SessionRecord) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.log.Warn("session record after close", zap.String("session_id", rec.SessionID))
		return ErrClosed
	}
	select {
	case a.queue <- rec:
		return nil
	default:
		a.log.Warn("dropping session record", zap.String("session_id", rec.SessionID))
		return ErrQueueFull
	}
}

// Close stops accepting records and waits for the queued ones to be
// written, or for ctx to expire.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.done)
	for rec := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.next.Record(ctx, rec)
		cancel()
		if err != nil {
			a.log.Error("session record not stored",
				zap.String("session_id", rec.SessionID),
				zap.Error(err))
			continue
		}
		a.log.Debug("session recorded",
			zap.String("session_id", rec.SessionID),
			zap.Int("actions", len(rec.Actions)))
	}
}

// Multi writes every record to all recorders and reports every failure.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, rec SessionRecord) error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.Record(ctx, rec))
	}
	return err
}

// Discard is used when no storage is configured.
type Discard struct{}

func (Discard) Record(context.Context, SessionRecord) error { return nil }
