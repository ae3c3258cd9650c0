package governance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"updatehub/services/update"
)

// Policy configures the built-in risk-scaled oracle.
type Policy struct {
	// AutoApproveMax is the highest risk level approved without conditions.
	AutoApproveMax update.RiskLevel
	// DenyKinds lists kinds that are always denied.
	DenyKinds []update.Kind
	// DenyPrincipals lists created_by values that are always denied.
	DenyPrincipals []string
}

// RiskOracle implements Oracle with a static risk policy: updates at or below
// AutoApproveMax are approved outright, anything above is approved with
// conditions naming a fresh human approval reference, and deny lists short
// circuit both.
type RiskOracle struct {
	policy Policy
}

var riskRank = map[update.RiskLevel]int{
	update.RiskLow:    0,
	update.RiskMedium: 1,
	update.RiskHigh:   2,
}

// NewRiskOracle creates a RiskOracle for the provided policy.
func NewRiskOracle(policy Policy) (*RiskOracle, error) {
	if policy.AutoApproveMax == "" {
		policy.AutoApproveMax = update.RiskMedium
	}
	if _, ok := riskRank[policy.AutoApproveMax]; !ok {
		return nil, fmt.Errorf("unknown auto-approve risk level %q", policy.AutoApproveMax)
	}
	return &RiskOracle{policy: policy}, nil
}

// Check evaluates the request against the static policy.
func (o *RiskOracle) Check(ctx context.Context, req CheckRequest) (Result, error) {
	if o == nil {
		return Result{}, errors.New("nil oracle")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	for _, kind := range o.policy.DenyKinds {
		if req.Kind == kind {
			return Result{
				Decision: update.DecisionDeny,
				Reason:   fmt.Sprintf("updates of kind %s are not permitted", kind),
			}, nil
		}
	}
	for _, principal := range o.policy.DenyPrincipals {
		if strings.EqualFold(req.CreatedBy, principal) {
			return Result{
				Decision: update.DecisionDeny,
				Reason:   fmt.Sprintf("principal %s is not permitted to submit updates", req.CreatedBy),
			}, nil
		}
	}

	rank, ok := riskRank[req.RiskLevel]
	if !ok {
		return Result{}, fmt.Errorf("unknown risk level %q", req.RiskLevel)
	}
	if rank <= riskRank[o.policy.AutoApproveMax] {
		return Result{
			Decision: update.DecisionApprove,
			Reason:   fmt.Sprintf("auto-approved at risk level %s", req.RiskLevel),
		}, nil
	}

	return Result{
		Decision:    update.DecisionApproveWithConditions,
		Reason:      fmt.Sprintf("risk level %s requires human approval", req.RiskLevel),
		ApprovalRef: "appr-" + uuid.New().String(),
	}, nil
}
