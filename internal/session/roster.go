package session

import (
	"slices"
	"time"

	"github.com/tactics-sync/combat-sync/internal/engine"
	"github.com/tactics-sync/combat-sync/internal/registry"
	"github.com/tactics-sync/combat-sync/pkg/types"
)

type Role string

const (
	RoleHost   Role = "host"
	RoleMember Role = "member"
)

// Participant is one seat in a session. Conn is nil while the participant
// is disconnected, and only a connected participant may act.
type Participant struct {
	ID          engine.ParticipantID
	DisplayName string
	Role        Role
	Seat        int
	Conn        registry.Conn
	LastAck     uint64
	JoinedAt    time.Time
}

func (p *Participant) Present() bool { return p.Conn != nil }

func (p *Participant) view() types.ParticipantView {
	return types.ParticipantView{
		ID:          string(p.ID),
		DisplayName: p.DisplayName,
		Role:        string(p.Role),
		Present:     p.Present(),
		LastAck:     p.LastAck,
	}
}

// roster keeps participants in join order.
type roster struct {
	members  []*Participant
	nextSeat int
}

func (r *roster) get(id engine.ParticipantID) *Participant {
	for _, p := range r.members {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (r *roster) add(p *Participant) {
	p.Seat = r.nextSeat
	r.nextSeat++
	r.members = append(r.members, p)
}

// remove drops a participant and hands the host role to the longest
// standing member if the host left.
func (r *roster) remove(id engine.ParticipantID) (*Participant, bool) {
	i := slices.IndexFunc(r.members, func(p *Participant) bool { return p.ID == id })
	if i < 0 {
		return nil, false
	}
	p := r.members[i]
	r.members = slices.Delete(r.members, i, i+1)
	if p.Role == RoleHost && len(r.members) > 0 {
		r.members[0].Role = RoleHost
	}
	return p, true
}

func (r *roster) Present(id engine.ParticipantID) bool {
	p := r.get(id)
	return p != nil && p.Present()
}

func (r *roster) anyPresent() bool {
	return slices.ContainsFunc(r.members, (*Participant).Present)
}

func (r *roster) len() int { return len(r.members) }

func (r *roster) views() []types.ParticipantView {
	out := make([]types.ParticipantView, 0, len(r.members))
	for _, p := range r.members {
		out = append(out, p.view())
	}
	return out
}

// snapshot copies the roster without connection references.
func (r *roster) snapshot() []Participant {
	out := make([]Participant, 0, len(r.members))
	for _, p := range r.members {
		cp := *p
		cp.Conn = nil
		out = append(out, cp)
	}
	return out
}
