// Package watchdog adapts the external anomaly watchdog. The pipeline
// registers each distributed update together with its targets and baseline
// metrics; the watchdog calls back asynchronously when a regression is
// attributed to one of them.
package watchdog

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Registration is the unit handed to the watchdog at stage 8.
type Registration struct {
	UpdateID        uuid.UUID      `json:"update_id"`
	Targets         []string       `json:"targets"`
	BaselineMetrics map[string]any `json:"baseline_metrics,omitempty"`
}

// Watchdog is the registration contract. Register is fire-and-forget from the
// pipeline's perspective; anomalies arrive through the AnomalyHandler.
type Watchdog interface {
	Register(ctx context.Context, reg Registration) error
}

// AnomalyHandler is the inbound callback the pipeline exposes. Evidence is
// the watchdog's regression attribution, attached to the rollback request.
// An error means the anomaly was not consumed and should be redelivered;
// handlers absorb anomalies they can never act on.
type AnomalyHandler func(ctx context.Context, updateID uuid.UUID, evidence map[string]any) error

// Memory records registrations in process, used in tests and single-node
// deployments.
type Memory struct {
	mu            sync.Mutex
	registrations []Registration
}

// NewMemory returns an empty in-memory watchdog.
func NewMemory() *Memory {
	return &Memory{}
}

// Register records the registration.
func (m *Memory) Register(_ context.Context, reg Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registrations = append(m.registrations, reg)
	return nil
}

// Registrations returns a copy of everything registered so far.
func (m *Memory) Registrations() []Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Registration(nil), m.registrations...)
}

// Registered reports whether the update id has been registered.
func (m *Memory) Registered(updateID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, reg := range m.registrations {
		if reg.UpdateID == updateID {
			return true
		}
	}
	return false
}
