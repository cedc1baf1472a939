package engine

import (
	"fmt"
	"maps"
	"slices"
)

func NewState(rules Rules) State {
	return State{
		Phase: LifecycleForming,
		Units: map[UnitID]Unit{},
		Rules: rules,
	}
}

// NewUnit builds a unit from a rules template. An unknown template name
// falls back to the rules' default template.
func NewUnit(rules Rules, id UnitID, owner ParticipantID, template string) (Unit, error) {
	tpl, ok := rules.Templates[template]
	if !ok {
		tpl, ok = rules.Templates[rules.DefaultTemplate]
	}
	if !ok {
		return Unit{}, fmt.Errorf("unknown unit template %q", template)
	}
	name := tpl.Name
	if name == "" {
		name = template
	}
	return Unit{
		ID:          id,
		Owner:       owner,
		Name:        name,
		HP:          tpl.HP,
		MaxHP:       tpl.HP,
		Energy:      tpl.Energy,
		MaxEnergy:   tpl.Energy,
		Attack:      tpl.Attack,
		Defense:     tpl.Defense,
		MoveRange:   tpl.MoveRange,
		AttackRange: tpl.AttackRange,
		Initiative:  tpl.Initiative,
		Abilities:   slices.Clone(tpl.Abilities),
		Status:      map[StatusKind]StatusEffect{},
	}, nil
}

// AddUnit places u on the board while the session is forming.
func (s *State) AddUnit(u Unit) error {
	if s.Phase != LifecycleForming {
		return ErrNotForming
	}
	if err := s.CheckPlacement(u); err != nil {
		return err
	}
	if u.Status == nil {
		u.Status = map[StatusKind]StatusEffect{}
	}
	s.Units[u.ID] = u
	return nil
}

// CheckPlacement reports whether u could be put on the board as it stands.
func (s State) CheckPlacement(u Unit) error {
	if _, dup := s.Units[u.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateUnit, u.ID)
	}
	if !s.Rules.InBounds(u.Position) {
		return fmt.Errorf("%w: (%d,%d)", ErrOutOfBoard, u.Position.X, u.Position.Y)
	}
	if occupant, ok := s.occupant(u.Position); ok {
		return fmt.Errorf("%w: (%d,%d) by %s", ErrCellOccupied, u.Position.X, u.Position.Y, occupant)
	}
	return nil
}

// SpawnPosition picks the first free cell for a participant's units. Even
// seats deploy from the left edge, odd seats from the right.
func (s State) SpawnPosition(seat int) (Position, bool) {
	w, h := s.Rules.BoardWidth, s.Rules.BoardHeight
	for col := range w / 2 {
		x := seat/2 + col
		if seat%2 == 1 {
			x = w - 1 - x
		}
		if x < 0 || x >= w {
			continue
		}
		for y := range h {
			p := Position{X: x, Y: y}
			if _, taken := s.occupant(p); !taken {
				return p, true
			}
		}
	}
	return Position{}, false
}

// RemoveOwner drops every unit owned by pid. Only valid before combat.
func (s *State) RemoveOwner(pid ParticipantID) {
	maps.DeleteFunc(s.Units, func(_ UnitID, u Unit) bool { return u.Owner == pid })
}

// Upcoming returns the next n actors: the rest of this round followed by
// later rounds in initiative order, assuming nobody is eliminated.
func Upcoming(s State, n int) []UnitID {
	out := s.Queue.Units()
	order := s.initiativeOrder()
	for len(out) < n && len(order) > 0 {
		out = append(out, order...)
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Replay applies an ordered action log to the state combat started from.
func Replay(initial State, log []Action) (State, error) {
	s := initial.Clone()
	for i, a := range log {
		_, next, err := Apply(s, a)
		if err != nil {
			return s, fmt.Errorf("replay step %d (%s): %w", i, a.Kind(), err)
		}
		s = next
	}
	return s, nil
}

func ContainsEvent(events []Event, eventType EventType) bool {
	return slices.ContainsFunc(events, func(e Event) bool { return e.Type == eventType })
}
