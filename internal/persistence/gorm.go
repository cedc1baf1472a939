package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type SessionRow struct {
	ID           string `gorm:"primaryKey"`
	Reason       string
	Error        string
	Winner       string
	FinalVersion uint64
	Participants []byte `gorm:"type:jsonb"`
	FinalState   []byte `gorm:"type:jsonb"`
	CreatedAt    time.Time
	StartedAt    *time.Time
	EndedAt      time.Time
	Actions      []ActionRow `gorm:"foreignKey:SessionID"`
}

func (SessionRow) TableName() string { return "combat_sessions" }

type ActionRow struct {
	SessionID   string `gorm:"primaryKey"`
	Version     uint64 `gorm:"primaryKey"`
	Participant string
	Kind        string
	Payload     []byte `gorm:"type:jsonb"`
	At          time.Time
}

func (ActionRow) TableName() string { return "combat_actions" }

// GormRecorder stores records in Postgres through gorm.
type GormRecorder struct {
	db *gorm.DB
}

func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

func NewGormRecorder(db *gorm.DB) *GormRecorder {
	return &GormRecorder{db: db}
}

func (r *GormRecorder) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&SessionRow{}, &ActionRow{})
}

func (r *GormRecorder) Record(ctx context.Context, rec SessionRecord) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		actions := row.Actions
		row.Actions = nil
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert session %s: %w", row.ID, err)
		}
		if len(actions) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(actions, 200).Error; err != nil {
			return fmt.Errorf("insert actions of %s: %w", row.ID, err)
		}
		return nil
	})
}

func toRow(rec SessionRecord) (SessionRow, error) {
	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return SessionRow{}, fmt.Errorf("encode participants: %w", err)
	}
	final, err := json.Marshal(rec.FinalState)
	if err != nil {
		return SessionRow{}, fmt.Errorf("encode final state: %w", err)
	}
	row := SessionRow{
		ID:           rec.SessionID,
		Reason:       rec.Reason,
		Error:        rec.Error,
		Winner:       rec.Winner,
		FinalVersion: rec.FinalVersion,
		Participants: participants,
		FinalState:   final,
		CreatedAt:    rec.CreatedAt,
		StartedAt:    rec.StartedAt,
		EndedAt:      rec.EndedAt,
		Actions:      make([]ActionRow, 0, len(rec.Actions)),
	}
	for _, a := range rec.Actions {
		row.Actions = append(row.Actions, ActionRow{
			SessionID:   rec.SessionID,
			Version:     a.Version,
			Participant: a.Participant,
			Kind:        a.Kind,
			Payload:     a.Payload,
			At:          a.At,
		})
	}
	return row, nil
}
