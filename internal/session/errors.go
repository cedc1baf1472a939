package session

import "errors"

var (
	ErrSessionEnded         = errors.New("session has ended")
	ErrNotParticipant       = errors.New("not a participant of this session")
	ErrNotHost              = errors.New("only the host may do this")
	ErrSessionFull          = errors.New("session is full")
	ErrSessionAlreadyActive = errors.New("session is already active")
	ErrTooManyUnits         = errors.New("too many units requested")
	ErrNoSpawnRoom          = errors.New("no free cell to deploy unit")
	ErrAlreadyStarted       = errors.New("session already started")
)
