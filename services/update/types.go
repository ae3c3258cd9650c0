// Package update defines the data model shared by every stage of the
// unified update pipeline: descriptors submitted by callers, the lifecycle
// record the orchestrator owns, and the packaged artifact distributed to
// consumers.
package update

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the categories of change that flow through the pipeline.
type Kind string

const (
	KindSchema           Kind = "SCHEMA"
	KindCodeModule       Kind = "CODE_MODULE"
	KindPlaybook         Kind = "PLAYBOOK"
	KindConfig           Kind = "CONFIG"
	KindMetricDefinition Kind = "METRIC_DEFINITION"
)

// Kinds lists every valid kind, used for exhaustive validator registration.
var Kinds = []Kind{KindSchema, KindCodeModule, KindPlaybook, KindConfig, KindMetricDefinition}

// ParseKind normalises and validates a kind string.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown update kind %q", s)
}

// Topic returns the distribution bus topic for this kind.
func (k Kind) Topic() string {
	return "update." + strings.ToLower(string(k))
}

// RiskLevel scales governance and validation depth.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// ParseRiskLevel normalises and validates a risk level string.
func ParseRiskLevel(s string) (RiskLevel, error) {
	r := RiskLevel(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return r, nil
	}
	return "", fmt.Errorf("unknown risk level %q", s)
}

// Status is the orchestrator state machine value for an update record.
type Status string

const (
	StatusSubmitted            Status = "SUBMITTED"
	StatusGovernanceChecked    Status = "GOVERNANCE_CHECKED"
	StatusSigned               Status = "SIGNED"
	StatusLoggedProposed       Status = "LOGGED_PROPOSED"
	StatusValidated            Status = "VALIDATED"
	StatusPackaged             Status = "PACKAGED"
	StatusDistributed          Status = "DISTRIBUTED"
	StatusLoggedComplete       Status = "LOGGED_COMPLETE"
	StatusWatched              Status = "WATCHED"
	StatusRejected             Status = "REJECTED"
	StatusRolledBack           Status = "ROLLED_BACK"
	StatusFailedInfrastructure Status = "FAILED_INFRASTRUCTURE"
)

// StageOrder is the canonical forward sequence of the pipeline.
var StageOrder = []Status{
	StatusSubmitted,
	StatusGovernanceChecked,
	StatusSigned,
	StatusLoggedProposed,
	StatusValidated,
	StatusPackaged,
	StatusDistributed,
	StatusLoggedComplete,
	StatusWatched,
}

// stageIndex maps forward statuses to their position in StageOrder.
var stageIndex = func() map[Status]int {
	m := make(map[Status]int, len(StageOrder))
	for i, s := range StageOrder {
		m[s] = i
	}
	return m
}()

// Terminal reports whether the status permits no further transitions.
// WATCHED records may still transition to ROLLED_BACK, so WATCHED is not
// terminal.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusRolledBack, StatusFailedInfrastructure:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next respects the state
// machine: one forward step at a time, rejection reachable only from the two
// gate stages, rollback reachable only from WATCHED, and infrastructure
// failure reachable from any non-terminal state.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusRejected:
		// Governance denial lands while still SUBMITTED; validation failure
		// lands from LOGGED_PROPOSED. An abandoned approval wait rejects from
		// GOVERNANCE_CHECKED.
		return s == StatusSubmitted || s == StatusGovernanceChecked || s == StatusLoggedProposed
	case StatusRolledBack:
		return s == StatusWatched
	case StatusFailedInfrastructure:
		return true
	}
	from, ok := stageIndex[s]
	if !ok {
		return false
	}
	to, ok := stageIndex[next]
	if !ok {
		return false
	}
	return to == from+1
}

// Decision is the governance oracle's verdict.
type Decision string

const (
	DecisionApprove                       Decision = "APPROVE"
	DecisionDeny                          Decision = "DENY"
	DecisionApproveWithConditions         Decision = "APPROVE_WITH_CONDITIONS"
	DecisionApproveWithConditionsResolved Decision = "APPROVE_WITH_CONDITIONS_RESOLVED"
)

// Approved reports whether the decision permits the update to proceed to
// signing. A conditional approval counts only once resolved.
func (d Decision) Approved() bool {
	return d == DecisionApprove || d == DecisionApproveWithConditionsResolved
}

// Descriptor is the immutable input describing a proposed change.
type Descriptor struct {
	Kind             Kind           `json:"kind"`
	Payload          map[string]any `json:"payload"`
	ComponentTargets []string       `json:"component_targets"`
	CreatedBy        string         `json:"created_by"`
	RiskLevel        RiskLevel      `json:"risk_level"`
	RequestedAt      time.Time      `json:"requested_at"`
}

// Validate checks the descriptor is well formed before an update_id is ever
// assigned.
func (d Descriptor) Validate() error {
	if _, err := ParseKind(string(d.Kind)); err != nil {
		return err
	}
	if _, err := ParseRiskLevel(string(d.RiskLevel)); err != nil {
		return err
	}
	if len(d.Payload) == 0 {
		return errors.New("payload is required")
	}
	if len(d.ComponentTargets) == 0 {
		return errors.New("at least one component target is required")
	}
	if strings.TrimSpace(d.CreatedBy) == "" {
		return errors.New("created_by is required")
	}
	return nil
}

// GovernanceDecision records the oracle's verdict and, for conditional
// approvals, the human approval reference it is contingent on.
type GovernanceDecision struct {
	Decision    Decision   `json:"decision"`
	Reason      string     `json:"reason,omitempty"`
	ApprovalRef string     `json:"approval_ref,omitempty"`
	DecidedAt   time.Time  `json:"decided_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Signature covers the canonical serialization of (descriptor, governance
// decision).
type Signature struct {
	Value    string    `json:"value"`
	Identity string    `json:"identity"`
	SignedAt time.Time `json:"signed_at"`
}

// ValidationResult holds the validator verdict plus diagnostics, retained for
// audit whether or not the update passed.
type ValidationResult struct {
	Pass        bool     `json:"pass"`
	Validator   string   `json:"validator"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// RollbackAction distinguishes restoring a prior value from removing a value
// that had no predecessor.
type RollbackAction string

const (
	RollbackRestore RollbackAction = "restore"
	RollbackRemove  RollbackAction = "remove"
)

// RollbackInstructions carry data sufficient to reconstruct the pre-update
// state of the target, computed deterministically at packaging time.
type RollbackInstructions struct {
	Action RollbackAction `json:"action"`
	Prior  map[string]any `json:"prior,omitempty"`
}

// Package is the deterministic, checksummed, rollback-capable artifact
// derived from a validated update. Immutable once constructed; a function
// purely of the descriptor payload, so re-packaging is byte-identical.
type Package struct {
	Checksum string               `json:"checksum"`
	Rollback RollbackInstructions `json:"rollback"`
}

// StatusChange is one entry in the append-only status history.
type StatusChange struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

// Record is the lifecycle object the orchestrator owns, one per update_id.
type Record struct {
	ID                  uuid.UUID           `json:"update_id"`
	Descriptor          Descriptor          `json:"descriptor"`
	Status              Status              `json:"status"`
	Governance          *GovernanceDecision `json:"governance_decision,omitempty"`
	Signature           *Signature          `json:"signature,omitempty"`
	Validation          *ValidationResult   `json:"validation_result,omitempty"`
	Package             *Package            `json:"package,omitempty"`
	DistributionEventID string              `json:"distribution_event_id,omitempty"`
	AuditSequences      []int64             `json:"audit_sequence_numbers,omitempty"`
	StatusHistory       []StatusChange      `json:"status_history"`
	RollbackOf          *uuid.UUID          `json:"rollback_of,omitempty"`
	RejectionReason     string              `json:"rejection_reason,omitempty"`
	PendingApprovalRef  string              `json:"pending_approval_ref,omitempty"`
	RetryCount          int                 `json:"retry_count,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// NewRecord assigns an update_id and the initial SUBMITTED status. The id is
// assigned exactly once, here, before any stage runs.
func NewRecord(desc Descriptor, now time.Time) *Record {
	return &Record{
		ID:            uuid.New(),
		Descriptor:    desc,
		Status:        StatusSubmitted,
		StatusHistory: []StatusChange{{Status: StatusSubmitted, At: now}},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Advance appends the next status to the history after checking the
// transition is legal.
func (r *Record) Advance(next Status, now time.Time) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("illegal transition %s -> %s for update %s", r.Status, next, r.ID)
	}
	r.Status = next
	r.StatusHistory = append(r.StatusHistory, StatusChange{Status: next, At: now})
	r.UpdatedAt = now
	return nil
}

// Clone returns a deep copy so registry reads never alias orchestrator-owned
// state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Descriptor.Payload = CloneMap(r.Descriptor.Payload)
	out.Descriptor.ComponentTargets = append([]string(nil), r.Descriptor.ComponentTargets...)
	if r.Governance != nil {
		g := *r.Governance
		out.Governance = &g
	}
	if r.Signature != nil {
		s := *r.Signature
		out.Signature = &s
	}
	if r.Validation != nil {
		v := *r.Validation
		v.Diagnostics = append([]string(nil), r.Validation.Diagnostics...)
		out.Validation = &v
	}
	if r.Package != nil {
		p := *r.Package
		p.Rollback.Prior = CloneMap(r.Package.Rollback.Prior)
		out.Package = &p
	}
	out.AuditSequences = append([]int64(nil), r.AuditSequences...)
	out.StatusHistory = append([]StatusChange(nil), r.StatusHistory...)
	if r.RollbackOf != nil {
		id := *r.RollbackOf
		out.RollbackOf = &id
	}
	return &out
}

// CloneMap deep-copies a JSON-shaped payload map one level of nesting at a
// time. Slice elements that are themselves maps stay shared.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = CloneMap(vv)
		case []any:
			out[k] = append([]any(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}
