package engine

type ActionKind string

const (
	ActionMove       ActionKind = "move"
	ActionAttack     ActionKind = "attack"
	ActionUseAbility ActionKind = "use_ability"
	ActionEndTurn    ActionKind = "end_turn"
	ActionAutoPass   ActionKind = "auto_pass"
	ActionReinforce  ActionKind = "reinforce"
	ActionForfeit    ActionKind = "forfeit"
)

// Action is a closed set of combat commands. Only the types in this file
// implement it.
type Action interface {
	Kind() ActionKind
	Actor() UnitID
	isAction()
}

type Move struct {
	Unit UnitID
	To   Position
}

type Attack struct {
	Unit   UnitID
	Target UnitID
}

type UseAbility struct {
	Unit    UnitID
	Ability string
	Targets []UnitID
}

type EndTurn struct {
	Unit UnitID
}

// AutoPass is issued by the session itself when the owner of the current
// unit stays disconnected past the auto-pass timeout. Participants cannot
// submit it.
type AutoPass struct {
	Unit UnitID
}

// Reinforce brings a late joiner's units into a running combat. They act
// from the next round on.
type Reinforce struct {
	Units []Unit
}

// Forfeit eliminates every unit of a participant who left mid-combat.
type Forfeit struct {
	Participant ParticipantID
}

// System reports whether only the session itself may issue a.
func System(a Action) bool {
	switch a.(type) {
	case AutoPass, Reinforce, Forfeit:
		return true
	}
	return false
}

func (Move) Kind() ActionKind       { return ActionMove }
func (Attack) Kind() ActionKind     { return ActionAttack }
func (UseAbility) Kind() ActionKind { return ActionUseAbility }
func (EndTurn) Kind() ActionKind    { return ActionEndTurn }
func (AutoPass) Kind() ActionKind   { return ActionAutoPass }
func (Reinforce) Kind() ActionKind  { return ActionReinforce }
func (Forfeit) Kind() ActionKind    { return ActionForfeit }

func (a Move) Actor() UnitID       { return a.Unit }
func (a Attack) Actor() UnitID     { return a.Unit }
func (a UseAbility) Actor() UnitID { return a.Unit }
func (a EndTurn) Actor() UnitID    { return a.Unit }
func (a AutoPass) Actor() UnitID   { return a.Unit }
func (Reinforce) Actor() UnitID    { return "" }
func (Forfeit) Actor() UnitID      { return "" }

func (Move) isAction()       {}
func (Attack) isAction()     {}
func (UseAbility) isAction() {}
func (EndTurn) isAction()    {}
func (AutoPass) isAction()   {}
func (Reinforce) isAction()  {}
func (Forfeit) isAction()    {}
