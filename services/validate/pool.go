// Package validate hosts the per-kind validator pool. Depth is risk-scaled:
// LOW risk gets structural checks, MEDIUM adds diff and compile checks, HIGH
// adds a sandboxed execution run with a hard timeout. A timeout is a
// validation failure, not an infrastructure failure, because unbounded
// execution is itself a risk signal.
package validate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"updatehub/services/update"
)

// Result is a validator verdict plus diagnostics.
type Result struct {
	Pass        bool
	Diagnostics []string
}

func fail(format string, args ...any) Result {
	return Result{Diagnostics: []string{fmt.Sprintf(format, args...)}}
}

func pass(diagnostics ...string) Result {
	return Result{Pass: true, Diagnostics: diagnostics}
}

// Validator checks one kind of payload at the requested depth.
type Validator interface {
	Validate(ctx context.Context, payload map[string]any, risk update.RiskLevel) (Result, error)
}

const defaultTimeout = 2 * time.Minute

// Pool dispatches validation by update kind through a registration table.
type Pool struct {
	validators map[update.Kind]Validator
	timeout    time.Duration
}

// NewPool builds a pool with every kind registered. The sandbox runs
// CODE_MODULE payloads at HIGH risk; it may be nil, in which case HIGH-risk
// code updates fail validation with an explicit diagnostic.
func NewPool(sandbox Sandbox, timeout time.Duration) *Pool {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	p := &Pool{
		validators: make(map[update.Kind]Validator, len(update.Kinds)),
		timeout:    timeout,
	}
	p.Register(update.KindSchema, &schemaValidator{})
	p.Register(update.KindCodeModule, &codeValidator{sandbox: sandbox})
	p.Register(update.KindPlaybook, &playbookValidator{})
	p.Register(update.KindConfig, &configValidator{})
	p.Register(update.KindMetricDefinition, &metricValidator{})
	return p
}

// Register installs or replaces the validator for a kind.
func (p *Pool) Register(kind update.Kind, v Validator) {
	p.validators[kind] = v
}

// Validate dispatches to the registered validator under the pool's hard
// timeout. An exceeded deadline is reported as FAIL; only genuine validator
// errors surface as errors.
func (p *Pool) Validate(ctx context.Context, kind update.Kind, payload map[string]any, risk update.RiskLevel) (update.ValidationResult, error) {
	if p == nil {
		return update.ValidationResult{}, errors.New("nil validator pool")
	}
	v, ok := p.validators[kind]
	if !ok {
		return update.ValidationResult{}, fmt.Errorf("no validator registered for kind %s", kind)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result, err := v.Validate(ctx, payload, risk)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return update.ValidationResult{
			Pass:        false,
			Validator:   validatorName(kind),
			Diagnostics: []string{fmt.Sprintf("validation exceeded %s timeout", p.timeout)},
		}, nil
	}
	if err != nil {
		return update.ValidationResult{}, err
	}

	return update.ValidationResult{
		Pass:        result.Pass,
		Validator:   validatorName(kind),
		Diagnostics: result.Diagnostics,
	}, nil
}

func validatorName(kind update.Kind) string {
	switch kind {
	case update.KindSchema:
		return "schema-diff"
	case update.KindCodeModule:
		return "sandboxed-code"
	case update.KindPlaybook:
		return "playbook-structure"
	case update.KindConfig:
		return "config-diff"
	case update.KindMetricDefinition:
		return "metric-definition"
	}
	return string(kind)
}

// atLeast reports whether risk meets or exceeds the threshold.
func atLeast(risk, threshold update.RiskLevel) bool {
	rank := map[update.RiskLevel]int{update.RiskLow: 0, update.RiskMedium: 1, update.RiskHigh: 2}
	return rank[risk] >= rank[threshold]
}

// isRemoval reports whether the payload encodes a remove-on-rollback action,
// produced when the original update was the first-ever registration of its
// target.
func isRemoval(payload map[string]any) bool {
	action, _ := payload["action"].(string)
	return action == string(update.RollbackRemove)
}
