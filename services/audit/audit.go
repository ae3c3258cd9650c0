// Package audit adapts the external append-only audit log. Every stage
// transition the pipeline logs lands here; the returned sequence numbers give
// a global total order over all logged events system-wide.
//
// Events are hash-chained: each event's hash covers its own canonical content
// plus the previous event's hash, so an auditor can detect truncation or
// tampering without trusting the orchestrator.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"updatehub/pkg/canonical"
)

// Event types appended by the pipeline. Each occurs at most once per
// update_id; the stores de-duplicate on (update_id, event_type) so stage
// retries are idempotent.
const (
	EventProposed          = "update_proposed"
	EventDistributed       = "update_distributed"
	EventRejected          = "update_rejected"
	EventFailed            = "update_failed_infrastructure"
	EventRollbackRequested = "update_rollback_requested"
	EventRolledBack        = "update_rolled_back"
	EventWatchElapsed      = "update_watch_elapsed"
)

// Log is the append-only audit log contract. Append returns the monotonic
// sequence number assigned to the event; replaying the same
// (update_id, event_type) returns the original sequence number.
type Log interface {
	Append(ctx context.Context, eventType string, updateID uuid.UUID, fields map[string]any) (int64, error)
}

// Entry is a stored audit event, exposed for export and verification.
type Entry struct {
	Seq       int64          `json:"seq"`
	EventType string         `json:"event_type"`
	UpdateID  uuid.UUID      `json:"update_id"`
	Fields    map[string]any `json:"fields,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
	At        time.Time      `json:"at"`
}

// chainGenesis anchors the first event in an empty log.
const chainGenesis = "genesis"

// chainHash derives the hash for an entry from its content and predecessor.
func chainHash(eventType string, updateID uuid.UUID, fields map[string]any, prevHash string) (string, error) {
	return canonical.Hash(map[string]any{
		"event_type": eventType,
		"update_id":  updateID.String(),
		"fields":     fields,
		"prev_hash":  prevHash,
	})
}

// VerifyChain walks entries in sequence order and reports the first break in
// the hash chain, if any.
func VerifyChain(entries []Entry) error {
	prev := chainGenesis
	for _, e := range entries {
		want, err := chainHash(e.EventType, e.UpdateID, e.Fields, prev)
		if err != nil {
			return err
		}
		if e.PrevHash != prev || e.Hash != want {
			return &ChainError{Seq: e.Seq}
		}
		prev = e.Hash
	}
	return nil
}

// ChainError reports the sequence number at which the hash chain breaks.
type ChainError struct {
	Seq int64
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit: hash chain broken at seq %d", e.Seq)
}
