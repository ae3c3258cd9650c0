package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process audit log with the same chaining and de-duplication
// semantics as Store, used in tests and single-node deployments.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	failN   int
}

// NewMemory returns an empty in-memory audit log.
func NewMemory() *Memory {
	return &Memory{}
}

// FailNext makes the next n Append calls fail, for exercising the pipeline's
// infrastructure retry path.
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failN = n
}

// Append records an event, de-duplicating by (update_id, event_type).
func (m *Memory) Append(_ context.Context, eventType string, updateID uuid.UUID, fields map[string]any) (int64, error) {
	if eventType == "" {
		return 0, errors.New("event type is required")
	}
	if updateID == uuid.Nil {
		return 0, errors.New("update id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failN > 0 {
		m.failN--
		return 0, errors.New("audit log unavailable")
	}

	for _, e := range m.entries {
		if e.UpdateID == updateID && e.EventType == eventType {
			return e.Seq, nil
		}
	}

	prevHash := chainGenesis
	if n := len(m.entries); n > 0 {
		prevHash = m.entries[n-1].Hash
	}
	hash, err := chainHash(eventType, updateID, fields, prevHash)
	if err != nil {
		return 0, err
	}

	entry := Entry{
		Seq:       int64(len(m.entries) + 1),
		EventType: eventType,
		UpdateID:  updateID,
		Fields:    fields,
		PrevHash:  prevHash,
		Hash:      hash,
		At:        time.Now().UTC(),
	}
	m.entries = append(m.entries, entry)
	return entry.Seq, nil
}

// Export returns a copy of all events in sequence order.
func (m *Memory) Export(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...), nil
}

// Events returns events recorded for one update, in sequence order.
func (m *Memory) Events(updateID uuid.UUID) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.UpdateID == updateID {
			out = append(out, e)
		}
	}
	return out
}
