package types

type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type SessionState struct {
	Phase        string            `json:"phase"` // "forming" | "active" | "ended"
	Round        int               `json:"round"`
	Participants []ParticipantView `json:"participants"`
	Units        []UnitView        `json:"units"`
	Queue        []string          `json:"queue"`
	Upcoming     []string          `json:"upcoming,omitempty"`
	Winner       string            `json:"winner,omitempty"`
}

type ParticipantView struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"` // "host" | "member"
	Present     bool   `json:"present"`
	LastAck     uint64 `json:"lastAck"`
}

type UnitView struct {
	ID          string       `json:"id"`
	Owner       string       `json:"owner"`
	Name        string       `json:"name"`
	Position    Position     `json:"position"`
	HP          int          `json:"hp"`
	MaxHP       int          `json:"maxHp"`
	Energy      int          `json:"energy"`
	MaxEnergy   int          `json:"maxEnergy"`
	Attack      int          `json:"attack"`
	Defense     int          `json:"defense"`
	MoveRange   int          `json:"moveRange"`
	AttackRange int          `json:"attackRange"`
	Initiative  int          `json:"initiative"`
	Abilities   []string     `json:"abilities,omitempty"`
	Status      []StatusView `json:"status,omitempty"`
	MovesLeft   int          `json:"movesLeft"`
	ActionsLeft int          `json:"actionsLeft"`
	Alive       bool         `json:"alive"`
}

type StatusView struct {
	Kind      string `json:"kind"`
	Remaining int    `json:"remaining"`
	Power     int    `json:"power"`
}

// Delta carries what one applied action changed. Units lists only units
// whose record differs from the previous version.
type Delta struct {
	Phase  string      `json:"phase"`
	Round  int         `json:"round"`
	Queue  []string    `json:"queue"`
	Units  []UnitView  `json:"units,omitempty"`
	Events []EventView `json:"events"`
	Winner string      `json:"winner,omitempty"`
}

type EventView struct {
	Type   string    `json:"type"`
	Unit   string    `json:"unit,omitempty"`
	Target string    `json:"target,omitempty"`
	Amount int       `json:"amount,omitempty"`
	Status string    `json:"status,omitempty"`
	From   *Position `json:"from,omitempty"`
	To     *Position `json:"to,omitempty"`
	Round  int       `json:"round,omitempty"`
	Owner  string    `json:"owner,omitempty"`
	Winner string    `json:"winner,omitempty"`
}
