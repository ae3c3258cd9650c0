// Package registry is the durable table of update records, the only shared
// mutable store in the pipeline. All mutation goes through Put, which commits
// a whole stage transition atomically; reads never observe a partial one.
package registry

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"updatehub/services/update"
)

// Filter narrows List results. Zero values mean no constraint.
type Filter struct {
	Kind   update.Kind
	Status update.Status
	Since  time.Time
	Until  time.Time
}

// Page controls List pagination.
type Page struct {
	Offset int
	Limit  int
}

const defaultPageLimit = 50

func (p Page) limit() int {
	if p.Limit <= 0 || p.Limit > 500 {
		return defaultPageLimit
	}
	return p.Limit
}

// Stats summarises the registry by kind and status.
type Stats struct {
	Total       int64                   `json:"total"`
	ByKind      map[update.Kind]int64   `json:"by_kind"`
	ByStatus    map[update.Status]int64 `json:"by_status"`
	SuccessRate float64                 `json:"success_rate"`
}

// successRate computes distributed-or-later outcomes over all settled
// updates. In-flight records do not count against either side.
func successRate(byStatus map[update.Status]int64) float64 {
	succeeded := byStatus[update.StatusDistributed] +
		byStatus[update.StatusLoggedComplete] +
		byStatus[update.StatusWatched] +
		byStatus[update.StatusRolledBack]
	failed := byStatus[update.StatusRejected] + byStatus[update.StatusFailedInfrastructure]
	settled := succeeded + failed
	if settled == 0 {
		return 0
	}
	return float64(succeeded) / float64(settled)
}

// matches reports whether a record satisfies the filter.
func (f Filter) matches(rec *update.Record) bool {
	if f.Kind != "" && rec.Descriptor.Kind != f.Kind {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && rec.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

// historyIsPrefix reports whether prev is a prefix of next, the append-only
// guard Put enforces on status history.
func historyIsPrefix(prev, next []update.StatusChange) bool {
	if len(next) < len(prev) {
		return false
	}
	for i := range prev {
		if prev[i].Status != next[i].Status {
			return false
		}
	}
	return true
}

// ErrNotFound is returned by Get for unknown update ids.
type ErrNotFound struct {
	ID uuid.UUID
}

func (e *ErrNotFound) Error() string {
	return "registry: update " + e.ID.String() + " not found"
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// ErrConflict is returned by Put when a write would violate the registry's
// guarantees: duplicate insert, mutation of a terminal record, or a rewritten
// status history.
type ErrConflict struct {
	ID     uuid.UUID
	Reason string
}

func (e *ErrConflict) Error() string {
	return "registry: conflict on update " + e.ID.String() + ": " + e.Reason
}
