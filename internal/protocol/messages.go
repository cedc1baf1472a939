package protocol

import (
	"errors"
	"time"

	"github.com/tactics-sync/combat-sync/internal/engine"
	"github.com/tactics-sync/combat-sync/pkg/types"
)

func NewStateUpdate(sessionID string, version uint64, delta types.Delta, at time.Time) types.StateUpdate {
	return types.StateUpdate{
		Type:      types.TypeStateUpdate,
		SessionID: sessionID,
		Version:   version,
		State:     delta,
		Timestamp: at.UnixMilli(),
	}
}

func NewFullSnapshot(sessionID string, version uint64, state types.SessionState, at time.Time) (types.FullSnapshot, error) {
	digest, err := Digest(state)
	if err != nil {
		return types.FullSnapshot{}, err
	}
	return types.FullSnapshot{
		Type:      types.TypeFullSnapshot,
		SessionID: sessionID,
		Version:   version,
		State:     state,
		Digest:    digest,
		Timestamp: at.UnixMilli(),
	}, nil
}

func NewSessionEnded(sessionID string, version uint64, reason, winner string, at time.Time) types.SessionEnded {
	return types.SessionEnded{
		Type:      types.TypeSessionEnded,
		SessionID: sessionID,
		Version:   version,
		Reason:    reason,
		Winner:    winner,
		Timestamp: at.UnixMilli(),
	}
}

func NewError(code, message string) types.ErrorMessage {
	return types.ErrorMessage{Type: types.TypeError, Code: code, Message: message}
}

// CodeMalformed is reported for frames that could not be decoded.
const CodeMalformed = "Malformed"

// ErrorFor maps err onto a wire error. Rule rejections keep their code;
// anything else is reported as generic.
func ErrorFor(err error) types.ErrorMessage {
	if errors.Is(err, ErrMalformed) {
		return NewError(CodeMalformed, err.Error())
	}
	if code, ok := engine.CodeOf(err); ok {
		return NewError(string(code), err.Error())
	}
	return NewError("Internal", err.Error())
}
