package session

import (
	"time"

	"github.com/tactics-sync/combat-sync/internal/engine"
)

type EndReason string

const (
	ReasonCompleted   EndReason = "completed"
	ReasonEndedByHost EndReason = "ended_by_host"
	ReasonIdle        EndReason = "idle"
	ReasonEmpty       EndReason = "empty"
	ReasonFatal       EndReason = "fatal"
	ReasonShutdown    EndReason = "shutdown"
)

// LogEntry is one committed action. Participant is empty for actions the
// session issued itself.
type LogEntry struct {
	Version     uint64
	Participant engine.ParticipantID
	Action      engine.Action
	At          time.Time
}

// Report is handed to OnEnd once a session stops. Replaying the actions of
// Log from Initial reproduces Final.
type Report struct {
	SessionID    string
	Reason       EndReason
	Err          error
	Winner       engine.ParticipantID
	Version      uint64
	Participants []Participant
	Initial      engine.State
	Final        engine.State
	Log          []LogEntry
	CreatedAt    time.Time
	StartedAt    time.Time
	LastActivity time.Time
	EndedAt      time.Time
}

func (r Report) Actions() []engine.Action {
	out := make([]engine.Action, len(r.Log))
	for i, e := range r.Log {
		out[i] = e.Action
	}
	return out
}
