package protocol

import (
	"fmt"
	"maps"
	"reflect"
	"slices"

	"github.com/tactics-sync/combat-sync/internal/engine"
	"github.com/tactics-sync/combat-sync/pkg/types"
)

// upcomingDepth is how many future turns a snapshot previews.
const upcomingDepth = 8

// ToAction maps a wire payload onto an engine action. Only shape is checked
// here; rule checks belong to engine.Validate.
func ToAction(p types.ActionPayload) (engine.Action, error) {
	if p.UnitID == "" {
		return nil, fmt.Errorf("%w: action without unitId", ErrMalformed)
	}
	unit := engine.UnitID(p.UnitID)

	switch p.Type {
	case types.ActionMove:
		if p.Target == nil || p.Target.X == nil || p.Target.Y == nil {
			return nil, fmt.Errorf("%w: move needs target x and y", ErrMalformed)
		}
		return engine.Move{Unit: unit, To: engine.Position{X: *p.Target.X, Y: *p.Target.Y}}, nil

	case types.ActionAttack:
		if p.Target == nil || p.Target.UnitID == "" {
			return nil, fmt.Errorf("%w: attack needs target unitId", ErrMalformed)
		}
		return engine.Attack{Unit: unit, Target: engine.UnitID(p.Target.UnitID)}, nil

	case types.ActionUseAbility:
		if p.Ability == "" {
			return nil, fmt.Errorf("%w: use_ability needs ability", ErrMalformed)
		}
		targets := make([]engine.UnitID, 0, len(p.Targets)+1)
		for _, t := range p.Targets {
			targets = append(targets, engine.UnitID(t))
		}
		if len(targets) == 0 && p.Target != nil && p.Target.UnitID != "" {
			targets = append(targets, engine.UnitID(p.Target.UnitID))
		}
		return engine.UseAbility{Unit: unit, Ability: p.Ability, Targets: targets}, nil

	case types.ActionEndTurn:
		return engine.EndTurn{Unit: unit}, nil
	}
	return nil, fmt.Errorf("%w: unknown action type %q", ErrMalformed, p.Type)
}

func UnitView(u engine.Unit) types.UnitView {
	v := types.UnitView{
		ID:          string(u.ID),
		Owner:       string(u.Owner),
		Name:        u.Name,
		Position:    types.Position{X: u.Position.X, Y: u.Position.Y},
		HP:          u.HP,
		MaxHP:       u.MaxHP,
		Energy:      u.Energy,
		MaxEnergy:   u.MaxEnergy,
		Attack:      u.Attack,
		Defense:     u.Defense,
		MoveRange:   u.MoveRange,
		AttackRange: u.AttackRange,
		Initiative:  u.Initiative,
		Abilities:   slices.Clone(u.Abilities),
		MovesLeft:   u.Budget.Moves,
		ActionsLeft: u.Budget.Actions,
		Alive:       u.Alive(),
	}
	for _, kind := range slices.Sorted(maps.Keys(u.Status)) {
		eff := u.Status[kind]
		v.Status = append(v.Status, types.StatusView{Kind: string(kind), Remaining: eff.Remaining, Power: eff.Power})
	}
	return v
}

// StateView renders the full authoritative state. Units are ordered by id
// so equal states render identically.
func StateView(s engine.State, participants []types.ParticipantView) types.SessionState {
	out := types.SessionState{
		Phase:        string(s.Phase),
		Round:        s.Round,
		Participants: participants,
		Units:        make([]types.UnitView, 0, len(s.Units)),
		Queue:        unitStrings(s.Queue.Units()),
		Winner:       string(s.Winner),
	}
	if out.Participants == nil {
		out.Participants = []types.ParticipantView{}
	}
	for _, id := range slices.Sorted(maps.Keys(s.Units)) {
		out.Units = append(out.Units, UnitView(s.Units[id]))
	}
	if s.Phase == engine.LifecycleActive {
		out.Upcoming = unitStrings(engine.Upcoming(s, upcomingDepth))
	}
	return out
}

// DeltaView describes the step from prev to next: the events produced and
// every unit whose record changed.
func DeltaView(prev, next engine.State, events []engine.Event) types.Delta {
	d := types.Delta{
		Phase:  string(next.Phase),
		Round:  next.Round,
		Queue:  unitStrings(next.Queue.Units()),
		Events: make([]types.EventView, 0, len(events)),
		Winner: string(next.Winner),
	}
	for _, id := range slices.Sorted(maps.Keys(next.Units)) {
		u := next.Units[id]
		if old, ok := prev.Units[id]; ok && reflect.DeepEqual(UnitView(old), UnitView(u)) {
			continue
		}
		d.Units = append(d.Units, UnitView(u))
	}
	for _, e := range events {
		d.Events = append(d.Events, EventView(e))
	}
	return d
}

func EventView(e engine.Event) types.EventView {
	v := types.EventView{
		Type:   string(e.Type),
		Unit:   string(e.Unit),
		Target: string(e.Target),
		Amount: e.Amount,
		Status: string(e.Status),
		Round:  e.Round,
		Owner:  string(e.Owner),
		Winner: string(e.Winner),
	}
	switch e.Type {
	case engine.EvtUnitMoved:
		v.From = &types.Position{X: e.From.X, Y: e.From.Y}
		v.To = &types.Position{X: e.To.X, Y: e.To.Y}
	case engine.EvtUnitJoined:
		v.To = &types.Position{X: e.To.X, Y: e.To.Y}
	}
	return v
}

func unitStrings(ids []engine.UnitID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
