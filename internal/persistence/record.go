// Package persistence hands finished sessions to external storage. Every
// recorder is best effort: gameplay never waits on it.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tactics-sync/combat-sync/internal/protocol"
	"github.com/tactics-sync/combat-sync/internal/session"
	"github.com/tactics-sync/combat-sync/pkg/types"
)

type Recorder interface {
	Record(ctx context.Context, rec SessionRecord) error
}

type SessionRecord struct {
	SessionID    string              `json:"sessionId"`
	Reason       string              `json:"reason"`
	Error        string              `json:"error,omitempty"`
	Winner       string              `json:"winner,omitempty"`
	FinalVersion uint64              `json:"finalVersion"`
	Participants []ParticipantRecord `json:"participants"`
	Actions      []ActionRecord      `json:"actions"`
	FinalState   types.SessionState  `json:"finalState"`
	CreatedAt    time.Time           `json:"createdAt"`
	StartedAt    *time.Time          `json:"startedAt,omitempty"`
	EndedAt      time.Time           `json:"endedAt"`
}

type ParticipantRecord struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	Seat        int    `json:"seat"`
}

type ActionRecord struct {
	Version     uint64          `json:"version"`
	Participant string          `json:"participant,omitempty"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	At          time.Time       `json:"at"`
}

// FromReport flattens a session report into its storage form.
func FromReport(r session.Report) (SessionRecord, error) {
	rec := SessionRecord{
		SessionID:    r.SessionID,
		Reason:       string(r.Reason),
		Winner:       string(r.Winner),
		FinalVersion: r.Version,
		Participants: make([]ParticipantRecord, 0, len(r.Participants)),
		Actions:      make([]ActionRecord, 0, len(r.Log)),
		CreatedAt:    r.CreatedAt,
		EndedAt:      r.EndedAt,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	if !r.StartedAt.IsZero() {
		started := r.StartedAt
		rec.StartedAt = &started
	}

	views := make([]types.ParticipantView, 0, len(r.Participants))
	for _, p := range r.Participants {
		rec.Participants = append(rec.Participants, ParticipantRecord{
			ID:          string(p.ID),
			DisplayName: p.DisplayName,
			Role:        string(p.Role),
			Seat:        p.Seat,
		})
		views = append(views, types.ParticipantView{ID: string(p.ID), DisplayName: p.DisplayName, Role: string(p.Role), LastAck: p.LastAck})
	}
	rec.FinalState = protocol.StateView(r.Final, views)

	for _, e := range r.Log {
		payload, err := json.Marshal(e.Action)
		if err != nil {
			return SessionRecord{}, fmt.Errorf("encode action %d: %w", e.Version, err)
		}
		rec.Actions = append(rec.Actions, ActionRecord{
			Version:     e.Version,
			Participant: string(e.Participant),
			Kind:        string(e.Action.Kind()),
			Payload:     payload,
			At:          e.At,
		})
	}
	return rec, nil
}
