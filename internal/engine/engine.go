package engine

import (
	"fmt"
	"maps"
	"slices"
)

type ParticipantID string
type UnitID string

type Lifecycle string

const (
	LifecycleForming Lifecycle = "forming"
	LifecycleActive  Lifecycle = "active"
	LifecycleEnded   Lifecycle = "ended"
)

type Position struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// Distance is the Manhattan distance between two cells.
func (p Position) Distance(q Position) int {
	return abs(p.X-q.X) + abs(p.Y-q.Y)
}

type StatusKind string

const (
	StatusPoison StatusKind = "poison"
	StatusRegen  StatusKind = "regen"
	StatusShield StatusKind = "shield"
)

type StatusEffect struct {
	Kind      StatusKind
	Remaining int
	Power     int
}

// Budget is what a unit may still spend during its current turn.
type Budget struct {
	Moves   int
	Actions int
}

type Unit struct {
	ID          UnitID
	Owner       ParticipantID
	Name        string
	Position    Position
	HP          int
	MaxHP       int
	Energy      int
	MaxEnergy   int
	Attack      int
	Defense     int
	MoveRange   int
	AttackRange int
	Initiative  int
	// Rank is the unit's place in initiative order, fixed when combat starts.
	Rank      int
	Abilities []string
	Status    map[StatusKind]StatusEffect
	Budget    Budget
}

func (u Unit) Alive() bool { return u.HP > 0 }

func (u Unit) HasAbility(id string) bool { return slices.Contains(u.Abilities, id) }

func (u Unit) clone() Unit {
	u.Abilities = slices.Clone(u.Abilities)
	u.Status = maps.Clone(u.Status)
	if u.Status == nil {
		u.Status = map[StatusKind]StatusEffect{}
	}
	return u
}

type State struct {
	Phase  Lifecycle
	Round  int
	Units  map[UnitID]Unit
	Queue  TurnQueue
	Rules  Rules
	Winner ParticipantID
}

// Clone returns a deep copy. Rules are shared because nothing mutates them
// after a session is created.
func (s State) Clone() State {
	out := s
	out.Units = make(map[UnitID]Unit, len(s.Units))
	for id, u := range s.Units {
		out.Units[id] = u.clone()
	}
	out.Queue = s.Queue.Clone()
	return out
}

type EventType string

const (
	EvtUnitMoved      EventType = "unit_moved"
	EvtUnitDamaged    EventType = "unit_damaged"
	EvtUnitHealed     EventType = "unit_healed"
	EvtEnergySpent    EventType = "energy_spent"
	EvtStatusApplied  EventType = "status_applied"
	EvtStatusExpired  EventType = "status_expired"
	EvtUnitEliminated EventType = "unit_eliminated"
	EvtTurnEnded      EventType = "turn_ended"
	EvtAutoPassed     EventType = "auto_passed"
	EvtTurnStarted    EventType = "turn_started"
	EvtRoundStarted   EventType = "round_started"
	EvtCombatStarted  EventType = "combat_started"
	EvtCombatEnded    EventType = "combat_ended"
	EvtUnitJoined     EventType = "unit_joined"
	EvtForfeited      EventType = "forfeited"
)

type Event struct {
	Type   EventType
	Unit   UnitID
	Target UnitID
	Amount int
	Status StatusKind
	From   Position
	To     Position
	Round  int
	Owner  ParticipantID
	Winner ParticipantID
}

// Start moves a forming session into combat. Initiative ranks are fixed
// here and never recomputed: higher initiative first, ties by unit id.
func Start(s State) ([]Event, State, error) {
	if s.Phase != LifecycleForming {
		return nil, s, ErrNotForming
	}
	if len(s.sides()) < 2 {
		return nil, s, ErrNotEnoughSides
	}

	next := s.Clone()
	ids := slices.Collect(maps.Keys(next.Units))
	slices.SortFunc(ids, func(a, b UnitID) int {
		ua, ub := next.Units[a], next.Units[b]
		if ua.Initiative != ub.Initiative {
			return ub.Initiative - ua.Initiative
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})
	for rank, id := range ids {
		u := next.Units[id]
		u.Rank = rank
		next.Units[id] = u
	}

	next.Phase = LifecycleActive
	events := []Event{{Type: EvtCombatStarted}}
	events = append(events, next.beginRound()...)
	return events, next, nil
}

// Apply executes an action that has already passed Validate. Errors
// returned here are invariant violations, not rule rejections.
func Apply(s State, a Action) ([]Event, State, error) {
	if s.Phase != LifecycleActive {
		return nil, s, ErrSessionNotActive
	}
	if a == nil {
		return nil, s, fmt.Errorf("%w: nil action", ErrCorruptState)
	}

	next := s.Clone()
	var events []Event

	switch act := a.(type) {
	case Reinforce:
		evs, err := next.reinforce(act.Units)
		if err != nil {
			return nil, s, err
		}
		return evs, next, nil
	case Forfeit:
		events = next.forfeit(act.Participant)
		return next.settle(events), next, nil
	}

	unit, ok := next.Units[a.Actor()]
	if !ok {
		return nil, s, fmt.Errorf("%w: unknown unit %q", ErrCorruptState, a.Actor())
	}
	if head, _ := next.Queue.Current(); head != unit.ID {
		return nil, s, fmt.Errorf("%w: unit %q acted out of turn (head %q)", ErrCorruptState, unit.ID, head)
	}

	switch act := a.(type) {
	case Move:
		dist := unit.Position.Distance(act.To)
		events = append(events, Event{Type: EvtUnitMoved, Unit: unit.ID, From: unit.Position, To: act.To, Amount: dist})
		unit.Position = act.To
		unit.Budget.Moves -= dist
		next.Units[unit.ID] = unit

	case Attack:
		target, ok := next.Units[act.Target]
		if !ok {
			return nil, s, fmt.Errorf("%w: unknown target %q", ErrCorruptState, act.Target)
		}
		unit.Budget.Actions--
		next.Units[unit.ID] = unit
		events = append(events, next.hit(unit, target.ID, 0)...)

	case UseAbility:
		ab, ok := next.Rules.Abilities[act.Ability]
		if !ok {
			return nil, s, fmt.Errorf("%w: unknown ability %q", ErrCorruptState, act.Ability)
		}
		unit.Budget.Actions--
		unit.Energy -= ab.Cost
		next.Units[unit.ID] = unit
		events = append(events, Event{Type: EvtEnergySpent, Unit: unit.ID, Amount: ab.Cost})
		for _, tid := range act.Targets {
			if _, ok := next.Units[tid]; !ok {
				return nil, s, fmt.Errorf("%w: unknown target %q", ErrCorruptState, tid)
			}
			events = append(events, next.resolveAbility(unit, ab, tid)...)
		}

	case EndTurn:
		events = append(events, Event{Type: EvtTurnEnded, Unit: unit.ID, Round: next.Round})
		events = append(events, next.advanceTurn()...)

	case AutoPass:
		events = append(events, Event{Type: EvtAutoPassed, Unit: unit.ID, Round: next.Round})
		events = append(events, next.advanceTurn()...)

	default:
		return nil, s, fmt.Errorf("%w: unsupported action %T", ErrCorruptState, a)
	}

	return next.settle(events), next, nil
}

// settle ends combat once at most one side is left standing.
func (s *State) settle(events []Event) []Event {
	if winner, done := s.decided(); done {
		s.Phase = LifecycleEnded
		s.Winner = winner
		events = append(events, Event{Type: EvtCombatEnded, Winner: winner})
	}
	return events
}

func (s *State) reinforce(units []Unit) ([]Event, error) {
	rank := -1
	for _, u := range s.Units {
		rank = max(rank, u.Rank)
	}
	var events []Event
	for _, u := range units {
		if _, dup := s.Units[u.ID]; dup {
			return nil, fmt.Errorf("%w: reinforcement %s already present", ErrCorruptState, u.ID)
		}
		if !s.Rules.InBounds(u.Position) {
			return nil, fmt.Errorf("%w: reinforcement %s off the board", ErrCorruptState, u.ID)
		}
		if occupant, ok := s.occupant(u.Position); ok {
			return nil, fmt.Errorf("%w: reinforcement %s placed on %s", ErrCorruptState, u.ID, occupant)
		}
		rank++
		u = u.clone()
		u.Rank = rank
		s.Units[u.ID] = u
		events = append(events, Event{Type: EvtUnitJoined, Unit: u.ID, Owner: u.Owner, To: u.Position})
	}
	return events, nil
}

func (s *State) forfeit(pid ParticipantID) []Event {
	head, _ := s.Queue.Current()
	headLost := false
	events := []Event{{Type: EvtForfeited, Owner: pid}}

	ids := slices.Sorted(maps.Keys(s.Units))
	for _, id := range ids {
		u := s.Units[id]
		if u.Owner != pid || !u.Alive() {
			continue
		}
		u.HP = 0
		s.Units[id] = u
		if id == head {
			headLost = true
		}
		events = append(events, s.eliminate(id)...)
	}
	if headLost {
		events = append(events, s.startNextTurn()...)
	}
	return events
}

func (s *State) hit(attacker Unit, targetID UnitID, power int) []Event {
	target := s.Units[targetID]
	raw := max(1, attacker.Attack+power-target.Defense)
	dmg := max(0, raw-target.Status[StatusShield].Power)
	dmg = min(dmg, target.HP)
	target.HP -= dmg
	s.Units[targetID] = target

	events := []Event{{Type: EvtUnitDamaged, Unit: attacker.ID, Target: targetID, Amount: dmg}}
	if !target.Alive() {
		events = append(events, s.eliminate(targetID)...)
	}
	return events
}

func (s *State) resolveAbility(caster Unit, ab Ability, targetID UnitID) []Event {
	switch ab.Effect {
	case EffectDamage:
		events := s.hit(caster, targetID, ab.Power)
		if ab.Status != "" && s.Units[targetID].Alive() {
			events = append(events, s.applyStatus(targetID, ab)...)
		}
		return events
	case EffectHeal:
		target := s.Units[targetID]
		amount := min(ab.Power, target.MaxHP-target.HP)
		target.HP += amount
		s.Units[targetID] = target
		events := []Event{{Type: EvtUnitHealed, Unit: caster.ID, Target: targetID, Amount: amount}}
		if ab.Status != "" {
			events = append(events, s.applyStatus(targetID, ab)...)
		}
		return events
	case EffectStatus:
		return s.applyStatus(targetID, ab)
	}
	return nil
}

// applyStatus sets (or refreshes) a status on the target. A unit carries at
// most one effect per kind.
func (s *State) applyStatus(targetID UnitID, ab Ability) []Event {
	target := s.Units[targetID]
	if target.Status == nil {
		target.Status = map[StatusKind]StatusEffect{}
	}
	target.Status[ab.Status] = StatusEffect{Kind: ab.Status, Remaining: ab.Duration, Power: ab.StatusPower}
	s.Units[targetID] = target
	return []Event{{Type: EvtStatusApplied, Target: targetID, Status: ab.Status, Amount: ab.Duration}}
}

func (s *State) eliminate(id UnitID) []Event {
	s.Queue.Remove(id)
	return []Event{{Type: EvtUnitEliminated, Unit: id}}
}

// advanceTurn pops the current actor and starts the next living unit's
// turn, opening a new round when the queue runs dry.
func (s *State) advanceTurn() []Event {
	s.Queue.Pop()
	return s.startNextTurn()
}

func (s *State) beginRound() []Event {
	s.Round++
	s.Queue.Refill(s.initiativeOrder())
	return append([]Event{{Type: EvtRoundStarted, Round: s.Round}}, s.startNextTurn()...)
}

func (s *State) startNextTurn() []Event {
	var events []Event
	for {
		if s.Queue.Empty() {
			order := s.initiativeOrder()
			if len(order) == 0 {
				return events
			}
			s.Round++
			s.Queue.Refill(order)
			events = append(events, Event{Type: EvtRoundStarted, Round: s.Round})
		}
		head, _ := s.Queue.Current()
		evs, alive := s.startTurn(head)
		events = append(events, evs...)
		if alive {
			return append(events, Event{Type: EvtTurnStarted, Unit: head, Round: s.Round})
		}
		if _, done := s.decided(); done {
			return events
		}
	}
}

// startTurn resets the unit's budget and ticks its status effects. It
// reports whether the unit survived the ticks.
func (s *State) startTurn(id UnitID) ([]Event, bool) {
	u := s.Units[id]
	u.Budget = Budget{Moves: u.MoveRange, Actions: 1}
	u.Energy = min(u.MaxEnergy, u.Energy+s.Rules.EnergyRegen)

	var events []Event
	kinds := slices.Sorted(maps.Keys(u.Status))
	for _, kind := range kinds {
		eff := u.Status[kind]
		switch kind {
		case StatusPoison:
			dmg := min(eff.Power, u.HP)
			u.HP -= dmg
			events = append(events, Event{Type: EvtUnitDamaged, Target: id, Amount: dmg, Status: kind})
		case StatusRegen:
			heal := min(eff.Power, u.MaxHP-u.HP)
			u.HP += heal
			events = append(events, Event{Type: EvtUnitHealed, Target: id, Amount: heal, Status: kind})
		}
		eff.Remaining--
		if eff.Remaining <= 0 {
			delete(u.Status, kind)
			events = append(events, Event{Type: EvtStatusExpired, Target: id, Status: kind})
		} else {
			u.Status[kind] = eff
		}
	}
	s.Units[id] = u

	if !u.Alive() {
		return append(events, s.eliminate(id)...), false
	}
	return events, true
}

// initiativeOrder lists living units by initiative, highest first. Ties
// fall back to the rank fixed at start or on arrival.
func (s *State) initiativeOrder() []UnitID {
	var ids []UnitID
	for id, u := range s.Units {
		if u.Alive() {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b UnitID) int {
		ua, ub := s.Units[a], s.Units[b]
		if ua.Initiative != ub.Initiative {
			return ub.Initiative - ua.Initiative
		}
		return ua.Rank - ub.Rank
	})
	return ids
}

// sides returns the participants that still field at least one living unit.
func (s State) sides() map[ParticipantID]bool {
	out := map[ParticipantID]bool{}
	for _, u := range s.Units {
		if u.Alive() {
			out[u.Owner] = true
		}
	}
	return out
}

func (s State) decided() (ParticipantID, bool) {
	sides := s.sides()
	switch len(sides) {
	case 0:
		return "", true
	case 1:
		for p := range sides {
			return p, true
		}
	}
	return "", false
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
