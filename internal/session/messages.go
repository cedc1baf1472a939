package session

import (
	"context"

	"github.com/tactics-sync/combat-sync/internal/engine"
	"github.com/tactics-sync/combat-sync/internal/registry"
	"github.com/tactics-sync/combat-sync/pkg/types"
)

// message is everything the controller loop accepts. Requests carrying a
// reply channel get exactly one answer; the channels are buffered so the
// loop never blocks on a caller that gave up.
type message interface{ isSessionMsg() }

type submit struct {
	ctx         context.Context
	participant engine.ParticipantID
	action      engine.Action
	reply       chan result[Applied]
}

type resync struct {
	reply chan result[types.FullSnapshot]
}

// push sends the current snapshot to a participant's own connection.
type push struct {
	participant engine.ParticipantID
	reply       chan result[struct{}]
}

type join struct {
	req   JoinRequest
	reply chan result[Participant]
}

type leave struct {
	participant engine.ParticipantID
	reply       chan result[struct{}]
}

type attach struct {
	participant engine.ParticipantID
	conn        registry.Conn
	reply       chan result[struct{}]
}

type detach struct {
	participant engine.ParticipantID
	connID      string
}

type ack struct {
	participant engine.ParticipantID
	version     uint64
}

type start struct {
	participant engine.ParticipantID
	reply       chan result[struct{}]
}

type end struct {
	participant engine.ParticipantID
	reason      EndReason
	// force skips the host check; used for server shutdown.
	force bool
	reply chan result[struct{}]
}

type autoPass struct{ gen uint64 }

type idle struct{ gen uint64 }

// loopFunc is a message that works on the loop state directly. Only the
// package tests send one.
type loopFunc interface {
	message
	runOn(c *Controller)
}

func (submit) isSessionMsg()   {}
func (resync) isSessionMsg()   {}
func (push) isSessionMsg()     {}
func (join) isSessionMsg()     {}
func (leave) isSessionMsg()    {}
func (attach) isSessionMsg()   {}
func (detach) isSessionMsg()   {}
func (ack) isSessionMsg()      {}
func (start) isSessionMsg()    {}
func (end) isSessionMsg()      {}
func (autoPass) isSessionMsg() {}
func (idle) isSessionMsg()     {}

type result[T any] struct {
	val T
	err error
}

func newReply[T any]() chan result[T] { return make(chan result[T], 1) }
