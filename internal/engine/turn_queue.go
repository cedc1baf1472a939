package engine

import "slices"

// TurnQueue holds the units that still have to act in the current round.
// The head is the unit whose turn it is.
type TurnQueue struct {
	order []UnitID
}

func NewTurnQueue(ids ...UnitID) TurnQueue {
	return TurnQueue{order: slices.Clone(ids)}
}

func (q TurnQueue) Current() (UnitID, bool) {
	if len(q.order) == 0 {
		return "", false
	}
	return q.order[0], true
}

func (q TurnQueue) Len() int { return len(q.order) }

func (q TurnQueue) Empty() bool { return len(q.order) == 0 }

func (q TurnQueue) Contains(id UnitID) bool { return slices.Contains(q.order, id) }

// Units returns a copy of the remaining order, head first.
func (q TurnQueue) Units() []UnitID { return slices.Clone(q.order) }

func (q TurnQueue) Clone() TurnQueue { return TurnQueue{order: slices.Clone(q.order)} }

// Pop removes the head.
func (q *TurnQueue) Pop() (UnitID, bool) {
	if len(q.order) == 0 {
		return "", false
	}
	head := q.order[0]
	q.order = q.order[1:]
	return head, true
}

// Remove drops id wherever it sits in the queue. It reports whether id was
// the head.
func (q *TurnQueue) Remove(id UnitID) (wasHead bool) {
	i := slices.Index(q.order, id)
	if i < 0 {
		return false
	}
	q.order = slices.Delete(slices.Clone(q.order), i, i+1)
	return i == 0
}

// Refill starts a new round with ids in the given order.
func (q *TurnQueue) Refill(ids []UnitID) {
	q.order = slices.Clone(ids)
}
