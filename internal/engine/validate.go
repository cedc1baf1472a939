package engine

// Presence answers whether a participant currently holds mutation rights,
// i.e. has a live connection to the session.
type Presence interface {
	Present(ParticipantID) bool
}

type PresenceFunc func(ParticipantID) bool

func (f PresenceFunc) Present(p ParticipantID) bool { return f(p) }

// Validate checks a proposed action against the state without touching it.
// Checks run in a fixed order and the first failure wins: lifecycle,
// presence, ownership, turn, then action parameters.
func Validate(s State, presence Presence, pid ParticipantID, a Action) error {
	if s.Phase != LifecycleActive {
		return reject(CodeSessionNotActive, "session is %s", s.Phase)
	}
	if presence == nil || !presence.Present(pid) {
		return reject(CodeNotPresent, "participant %s is not connected", pid)
	}
	if a == nil {
		return reject(CodeInvalidAction, "missing action")
	}
	if System(a) {
		return reject(CodeInvalidAction, "%s is issued by the server", a.Kind())
	}

	unit, ok := s.Units[a.Actor()]
	if !ok {
		return reject(CodeInvalidAction, "unknown unit %q", a.Actor())
	}
	if unit.Owner != pid {
		return reject(CodeNotOwner, "unit %s belongs to %s", unit.ID, unit.Owner)
	}
	if head, ok := s.Queue.Current(); !ok || head != unit.ID {
		return reject(CodeNotYourTurn, "it is %s's turn", head)
	}

	switch act := a.(type) {
	case Move:
		return validateMove(s, unit, act)
	case Attack:
		return validateAttack(s, unit, act)
	case UseAbility:
		return validateAbility(s, unit, act)
	case EndTurn:
		return nil
	default:
		return reject(CodeInvalidAction, "unsupported action %T", a)
	}
}

func validateMove(s State, u Unit, m Move) error {
	if !s.Rules.InBounds(m.To) {
		return reject(CodeInvalidTarget, "cell (%d,%d) is off the board", m.To.X, m.To.Y)
	}
	if m.To == u.Position {
		return reject(CodeInvalidTarget, "unit is already at (%d,%d)", m.To.X, m.To.Y)
	}
	if occupant, ok := s.occupant(m.To); ok {
		return reject(CodeInvalidTarget, "cell (%d,%d) is occupied by %s", m.To.X, m.To.Y, occupant)
	}
	if dist := u.Position.Distance(m.To); dist > u.Budget.Moves {
		return reject(CodeInsufficientResources, "move needs %d movement, %d left", dist, u.Budget.Moves)
	}
	return nil
}

func validateAttack(s State, u Unit, a Attack) error {
	if u.Budget.Actions < 1 {
		return reject(CodeInsufficientResources, "no actions left this turn")
	}
	target, ok := s.Units[a.Target]
	if !ok || !target.Alive() {
		return reject(CodeInvalidTarget, "target %q does not exist or is down", a.Target)
	}
	if target.Owner == u.Owner {
		return reject(CodeInvalidTarget, "cannot attack own unit %s", target.ID)
	}
	if d := u.Position.Distance(target.Position); d > u.AttackRange {
		return reject(CodeInvalidTarget, "target %s is %d away, range %d", target.ID, d, u.AttackRange)
	}
	return nil
}

func validateAbility(s State, u Unit, a UseAbility) error {
	ab, ok := s.Rules.Abilities[a.Ability]
	if !ok || !u.HasAbility(a.Ability) {
		return reject(CodeInvalidAction, "unit %s has no ability %q", u.ID, a.Ability)
	}
	if u.Budget.Actions < 1 {
		return reject(CodeInsufficientResources, "no actions left this turn")
	}
	if u.Energy < ab.Cost {
		return reject(CodeInsufficientResources, "%s costs %d energy, %d available", ab.ID, ab.Cost, u.Energy)
	}
	if len(a.Targets) == 0 || len(a.Targets) > ab.targetLimit() {
		return reject(CodeInvalidTarget, "%s takes 1 to %d targets", ab.ID, ab.targetLimit())
	}

	seen := make(map[UnitID]bool, len(a.Targets))
	for _, tid := range a.Targets {
		if seen[tid] {
			return reject(CodeInvalidTarget, "target %s listed twice", tid)
		}
		seen[tid] = true

		target, ok := s.Units[tid]
		if !ok || !target.Alive() {
			return reject(CodeInvalidTarget, "target %q does not exist or is down", tid)
		}
		if ab.Hostile() == (target.Owner == u.Owner) {
			return reject(CodeInvalidTarget, "%s cannot target %s", ab.ID, tid)
		}
		if d := u.Position.Distance(target.Position); d > ab.Range {
			return reject(CodeInvalidTarget, "target %s is %d away, range %d", tid, d, ab.Range)
		}
	}
	return nil
}

func (s State) occupant(p Position) (UnitID, bool) {
	for id, u := range s.Units {
		if u.Alive() && u.Position == p {
			return id, true
		}
	}
	return "", false
}
