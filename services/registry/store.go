package registry

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"updatehub/pkg/db"
	"updatehub/services/update"
)

// Store is the postgres-backed registry.
type Store struct {
	orm  *gorm.DB
	pool *pgxpool.Pool
}

// NewStore creates a Store bound to the provided gorm handle and pgx pool.
// The pool is used for aggregate queries; it may be nil, in which case Stats
// falls back to scanning through gorm.
func NewStore(orm *gorm.DB, pool *pgxpool.Pool) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Store{orm: orm, pool: pool}, nil
}

// Put inserts a new record or commits a stage transition on an existing one.
// Terminal records are immutable; status history may only grow.
func (s *Store) Put(ctx context.Context, rec *update.Record) error {
	if s == nil {
		return errors.New("nil registry store")
	}
	if rec == nil || rec.ID == uuid.Nil {
		return errors.New("record with assigned update id is required")
	}

	model, err := toModel(rec)
	if err != nil {
		return err
	}

	return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing recordModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&existing, "id = ?", rec.ID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if rec.Status != update.StatusSubmitted {
				return &ErrConflict{ID: rec.ID, Reason: "new records must be SUBMITTED"}
			}
			return tx.Create(model).Error
		case err != nil:
			return err
		}

		prev, err := existing.toRecord()
		if err != nil {
			return err
		}
		if prev.Status.Terminal() {
			return &ErrConflict{ID: rec.ID, Reason: "record is terminal"}
		}
		if !historyIsPrefix(prev.StatusHistory, rec.StatusHistory) {
			return &ErrConflict{ID: rec.ID, Reason: "status history rewritten"}
		}
		return tx.Model(&recordModel{}).Where("id = ?", rec.ID).
			Select("*").Omit("id", "created_at").Updates(model).Error
	})
}

// Get returns the record for the given update id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*update.Record, error) {
	if s == nil {
		return nil, errors.New("nil registry store")
	}

	var model recordModel
	err := s.orm.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &ErrNotFound{ID: id}
	}
	if err != nil {
		return nil, err
	}
	return model.toRecord()
}

// List returns records matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter Filter, page Page) ([]*update.Record, error) {
	if s == nil {
		return nil, errors.New("nil registry store")
	}

	q := s.orm.WithContext(ctx).Model(&recordModel{})
	if filter.Kind != "" {
		q = q.Where("kind = ?", string(filter.Kind))
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		q = q.Where("created_at <= ?", filter.Until)
	}

	var models []recordModel
	if err := q.Order("created_at DESC").
		Offset(page.Offset).
		Limit(page.limit()).
		Find(&models).Error; err != nil {
		return nil, err
	}

	records := make([]*update.Record, 0, len(models))
	for i := range models {
		rec, err := models[i].toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

type statsRow struct {
	Kind   string `db:"kind"`
	Status string `db:"status"`
	Count  int64  `db:"count"`
}

// Stats aggregates counts by kind and status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if s == nil {
		return Stats{}, errors.New("nil registry store")
	}

	var rows []statsRow
	if s.pool != nil {
		err := db.Select(ctx, s.pool, &rows,
			`SELECT kind, status, count(*) AS count FROM update_records GROUP BY kind, status`)
		if err != nil {
			return Stats{}, err
		}
	} else {
		err := s.orm.WithContext(ctx).Model(&recordModel{}).
			Select("kind, status, count(*) as count").
			Group("kind, status").
			Scan(&rows).Error
		if err != nil {
			return Stats{}, err
		}
	}

	stats := Stats{
		ByKind:   make(map[update.Kind]int64),
		ByStatus: make(map[update.Status]int64),
	}
	for _, row := range rows {
		stats.Total += row.Count
		stats.ByKind[update.Kind(row.Kind)] += row.Count
		stats.ByStatus[update.Status(row.Status)] += row.Count
	}
	stats.SuccessRate = successRate(stats.ByStatus)
	return stats, nil
}
