// Package types is the public wire schema shared with clients. Field names
// follow the JSON encoding; the CBOR codec reuses the same tags.
package types

// Client -> Server
const (
	TypePlayerAction = "player_action"
	TypeResync       = "resync"
	TypeAck          = "ack"
	TypeStart        = "start"
	TypeLeave        = "leave"
)

// Server -> Client
const (
	TypeStateUpdate  = "state_update"
	TypeError        = "error"
	TypeFullSnapshot = "full_snapshot"
	TypeSessionEnded = "session_ended"
)

// Action types carried in ActionPayload.Type.
const (
	ActionMove       = "move"
	ActionAttack     = "attack"
	ActionUseAbility = "use_ability"
	ActionEndTurn    = "end_turn"
)

type ClientMessage struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	Action    *ActionPayload `json:"action,omitempty"`
	// Version is the last state version the client applied (ack) or holds
	// (resync).
	Version uint64 `json:"version,omitempty"`
}

type ActionPayload struct {
	Type    string   `json:"type"`
	UnitID  string   `json:"unitId"`
	Target  *Target  `json:"target,omitempty"`
	Ability string   `json:"ability,omitempty"`
	Targets []string `json:"targets,omitempty"`
}

// Target is a unit for attacks or a cell for moves.
type Target struct {
	UnitID string `json:"unitId,omitempty"`
	X      *int   `json:"x,omitempty"`
	Y      *int   `json:"y,omitempty"`
}

// ServerMessage is implemented by every outbound envelope.
type ServerMessage interface {
	MessageType() string
}

type StateUpdate struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Version   uint64 `json:"version"`
	State     Delta  `json:"state"`
	Timestamp int64  `json:"timestamp"`
}

type FullSnapshot struct {
	Type      string       `json:"type"`
	SessionID string       `json:"sessionId"`
	Version   uint64       `json:"version"`
	State     SessionState `json:"state"`
	// Digest is the hex BLAKE3 hash of the deterministic CBOR encoding of
	// State.
	Digest    string `json:"digest"`
	Timestamp int64  `json:"timestamp"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SessionEnded struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Version   uint64 `json:"version"`
	Reason    string `json:"reason"`
	Winner    string `json:"winner,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (StateUpdate) MessageType() string  { return TypeStateUpdate }
func (FullSnapshot) MessageType() string { return TypeFullSnapshot }
func (ErrorMessage) MessageType() string { return TypeError }
func (SessionEnded) MessageType() string { return TypeSessionEnded }
