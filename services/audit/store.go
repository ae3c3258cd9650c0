package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type eventModel struct {
	Seq       int64             `gorm:"type:bigserial;primaryKey"`
	EventType string            `gorm:"type:text;not null;uniqueIndex:idx_audit_update_event,priority:2"`
	UpdateID  uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:idx_audit_update_event,priority:1"`
	Fields    datatypes.JSONMap `gorm:"type:jsonb"`
	PrevHash  string            `gorm:"type:text;not null"`
	Hash      string            `gorm:"type:text;not null"`
	At        time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (eventModel) TableName() string { return "audit_events" }

func (m eventModel) toEntry() Entry {
	return Entry{
		Seq:       m.Seq,
		EventType: m.EventType,
		UpdateID:  m.UpdateID,
		Fields:    map[string]any(m.Fields),
		PrevHash:  m.PrevHash,
		Hash:      m.Hash,
		At:        m.At,
	}
}

// Store is the durable, hash-chained audit log backed by postgres.
type Store struct {
	orm *gorm.DB
}

// NewStore creates a Store bound to the provided gorm handle.
func NewStore(orm *gorm.DB) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Store{orm: orm}, nil
}

// chainLockKey scopes the advisory lock serialising chain extension.
const chainLockKey = 0x75706468 // "updh"

// Append records an event and returns its sequence number. Replaying the same
// (update_id, event_type) returns the previously assigned sequence number.
// Chain extension is serialised with a transaction-scoped advisory lock: a
// row lock on the tail is not enough, since a waiter re-reads the same tuple
// after the holder commits and would chain onto a stale tail.
func (s *Store) Append(ctx context.Context, eventType string, updateID uuid.UUID, fields map[string]any) (int64, error) {
	if s == nil {
		return 0, errors.New("nil audit store")
	}
	if eventType == "" {
		return 0, errors.New("event type is required")
	}
	if updateID == uuid.Nil {
		return 0, errors.New("update id is required")
	}

	var seq int64
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", chainLockKey).Error; err != nil {
			return err
		}

		var existing eventModel
		err := tx.Where("update_id = ? AND event_type = ?", updateID, eventType).
			First(&existing).Error
		switch {
		case err == nil:
			seq = existing.Seq
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		prevHash := chainGenesis
		var tail eventModel
		err = tx.Order("seq DESC").First(&tail).Error
		switch {
		case err == nil:
			prevHash = tail.Hash
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		hash, err := chainHash(eventType, updateID, fields, prevHash)
		if err != nil {
			return err
		}

		model := eventModel{
			EventType: eventType,
			UpdateID:  updateID,
			Fields:    datatypes.JSONMap(fields),
			PrevHash:  prevHash,
			Hash:      hash,
		}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		seq = model.Seq
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Export returns all events in sequence order for external verification.
func (s *Store) Export(ctx context.Context) ([]Entry, error) {
	if s == nil {
		return nil, errors.New("nil audit store")
	}

	var models []eventModel
	if err := s.orm.WithContext(ctx).Order("seq ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(models))
	for _, m := range models {
		entries = append(entries, m.toEntry())
	}
	return entries, nil
}
