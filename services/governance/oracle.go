// Package governance adapts the external governance policy engine. The
// pipeline treats it as a yes/no/escalate oracle; the policy language itself
// lives outside this repo.
package governance

import (
	"context"
	"sort"

	"updatehub/pkg/canonical"
	"updatehub/services/update"
)

// CheckRequest is what the oracle sees: never the raw payload, only a
// summary, so policy evaluation cannot depend on unvetted content.
type CheckRequest struct {
	Kind           update.Kind      `json:"kind"`
	PayloadSummary PayloadSummary   `json:"payload_summary"`
	RiskLevel      update.RiskLevel `json:"risk_level"`
	CreatedBy      string           `json:"created_by"`
}

// Result is the oracle's verdict. ApprovalRef is set only for
// APPROVE_WITH_CONDITIONS and names the human approval the update is
// contingent on.
type Result struct {
	Decision    update.Decision `json:"decision"`
	Reason      string          `json:"reason,omitempty"`
	ApprovalRef string          `json:"approval_ref,omitempty"`
}

// Oracle is the governance check contract.
type Oracle interface {
	Check(ctx context.Context, req CheckRequest) (Result, error)
}

// PayloadSummary is the digest of a payload handed to the oracle.
type PayloadSummary struct {
	Keys     []string `json:"keys"`
	Checksum string   `json:"checksum"`
}

// Summarize produces the payload summary for a descriptor.
func Summarize(payload map[string]any) (PayloadSummary, error) {
	checksum, err := canonical.Hash(payload)
	if err != nil {
		return PayloadSummary{}, err
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return PayloadSummary{Keys: keys, Checksum: checksum}, nil
}
