package registry

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"updatehub/services/update"
)

// Memory is an in-process registry with the same guarantees as Store, used in
// tests and single-node deployments. Records are deep-copied on both write
// and read so callers never alias stored state.
type Memory struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*update.Record
}

// NewMemory returns an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{records: make(map[uuid.UUID]*update.Record)}
}

// Put inserts a new record or commits a stage transition on an existing one.
func (m *Memory) Put(_ context.Context, rec *update.Record) error {
	if rec == nil || rec.ID == uuid.Nil {
		return errors.New("record with assigned update id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[rec.ID]
	if !ok {
		if rec.Status != update.StatusSubmitted {
			return &ErrConflict{ID: rec.ID, Reason: "new records must be SUBMITTED"}
		}
		m.records[rec.ID] = rec.Clone()
		return nil
	}
	if existing.Status.Terminal() {
		return &ErrConflict{ID: rec.ID, Reason: "record is terminal"}
	}
	if !historyIsPrefix(existing.StatusHistory, rec.StatusHistory) {
		return &ErrConflict{ID: rec.ID, Reason: "status history rewritten"}
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

// Get returns a copy of the record for the given update id.
func (m *Memory) Get(_ context.Context, id uuid.UUID) (*update.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	return rec.Clone(), nil
}

// List returns copies of records matching the filter, newest first.
func (m *Memory) List(_ context.Context, filter Filter, page Page) ([]*update.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*update.Record
	for _, rec := range m.records {
		if filter.matches(rec) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() > matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	start := page.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + page.limit()
	if end > len(matched) {
		end = len(matched)
	}

	out := make([]*update.Record, 0, end-start)
	for _, rec := range matched[start:end] {
		out = append(out, rec.Clone())
	}
	return out, nil
}

// Stats aggregates counts by kind and status.
func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		ByKind:   make(map[update.Kind]int64),
		ByStatus: make(map[update.Status]int64),
	}
	for _, rec := range m.records {
		stats.Total++
		stats.ByKind[rec.Descriptor.Kind]++
		stats.ByStatus[rec.Status]++
	}
	stats.SuccessRate = successRate(stats.ByStatus)
	return stats, nil
}
