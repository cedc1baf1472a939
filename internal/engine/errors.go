package engine

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeSessionNotActive      ErrorCode = "SessionNotActive"
	CodeNotPresent            ErrorCode = "NotPresent"
	CodeNotOwner              ErrorCode = "NotOwner"
	CodeNotYourTurn           ErrorCode = "NotYourTurn"
	CodeInvalidTarget         ErrorCode = "InvalidTarget"
	CodeInsufficientResources ErrorCode = "InsufficientResources"
	CodeInvalidAction         ErrorCode = "InvalidAction"
)

// ActionError is a recoverable rejection of a proposed action. Two
// ActionErrors match under errors.Is when their codes are equal.
type ActionError struct {
	Code    ErrorCode
	Message string
}

func (e *ActionError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *ActionError) Is(target error) bool {
	t, ok := target.(*ActionError)
	return ok && t.Code == e.Code
}

var (
	ErrSessionNotActive      = &ActionError{Code: CodeSessionNotActive}
	ErrNotPresent            = &ActionError{Code: CodeNotPresent}
	ErrNotOwner              = &ActionError{Code: CodeNotOwner}
	ErrNotYourTurn           = &ActionError{Code: CodeNotYourTurn}
	ErrInvalidTarget         = &ActionError{Code: CodeInvalidTarget}
	ErrInsufficientResources = &ActionError{Code: CodeInsufficientResources}
	ErrInvalidAction         = &ActionError{Code: CodeInvalidAction}
)

// ErrCorruptState marks an internal invariant violation. It is never a
// participant's fault and ends the session.
var ErrCorruptState = errors.New("corrupt combat state")

var ErrNotForming = errors.New("session is not forming")
var ErrNotEnoughSides = errors.New("combat needs at least two participants with units")
var ErrCellOccupied = errors.New("cell occupied")
var ErrOutOfBoard = errors.New("position outside the board")
var ErrDuplicateUnit = errors.New("duplicate unit id")

func reject(code ErrorCode, format string, args ...any) error {
	return &ActionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the validation code carried by err, if any.
func CodeOf(err error) (ErrorCode, bool) {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Code, true
	}
	return "", false
}
