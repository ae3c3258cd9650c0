package validate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"updatehub/services/update"
)

func TestSchemaValidator(t *testing.T) {
	pool := NewPool(nil, 0)
	ctx := context.Background()

	tests := []struct {
		name    string
		payload map[string]any
		risk    update.RiskLevel
		pass    bool
	}{
		{
			name: "valid proposed schema",
			payload: map[string]any{
				"proposed": map[string]any{"type": "object", "properties": map[string]any{"id": map[string]any{"type": "string"}}},
			},
			risk: update.RiskMedium,
			pass: true,
		},
		{
			name:    "missing proposed",
			payload: map[string]any{"current": map[string]any{"type": "object"}},
			risk:    update.RiskLow,
			pass:    false,
		},
		{
			name: "identical schemas rejected at medium",
			payload: map[string]any{
				"current":  map[string]any{"type": "object"},
				"proposed": map[string]any{"type": "object"},
			},
			risk: update.RiskMedium,
			pass: false,
		},
		{
			name: "non-compiling schema",
			payload: map[string]any{
				"proposed": map[string]any{"type": 12345},
			},
			risk: update.RiskMedium,
			pass: false,
		},
		{
			name: "low risk skips compile",
			payload: map[string]any{
				"proposed": map[string]any{"type": 12345},
			},
			risk: update.RiskLow,
			pass: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := pool.Validate(ctx, update.KindSchema, tt.payload, tt.risk)
			require.NoError(t, err)
			assert.Equal(t, tt.pass, result.Pass, "diagnostics: %v", result.Diagnostics)
			if !tt.pass {
				assert.NotEmpty(t, result.Diagnostics)
			}
		})
	}
}

func TestCodeValidatorUsesSandboxAtHighRisk(t *testing.T) {
	ctx := context.Background()
	payload := map[string]any{
		"modules": map[string]any{"handlers/main.py": "def handle():\n    return 1\n"},
	}

	passing := NewPool(&StaticSandbox{Result: pass("tests green")}, 0)
	result, err := passing.Validate(ctx, update.KindCodeModule, payload, update.RiskHigh)
	require.NoError(t, err)
	assert.True(t, result.Pass)

	failing := NewPool(&StaticSandbox{Result: fail("unit test failed: test_handle")}, 0)
	result, err = failing.Validate(ctx, update.KindCodeModule, payload, update.RiskHigh)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.NotEmpty(t, result.Diagnostics)

	// MEDIUM risk never reaches the sandbox.
	result, err = failing.Validate(ctx, update.KindCodeModule, payload, update.RiskMedium)
	require.NoError(t, err)
	assert.True(t, result.Pass)
}

func TestCodeValidatorWithoutSandboxFailsHighRisk(t *testing.T) {
	pool := NewPool(nil, 0)
	result, err := pool.Validate(context.Background(), update.KindCodeModule, map[string]any{
		"modules": map[string]any{"m.py": "x = 1"},
	}, update.RiskHigh)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Diagnostics[0], "sandbox")
}

func TestSandboxTimeoutIsValidationFailure(t *testing.T) {
	pool := NewPool(&StaticSandbox{Result: pass(), Delay: time.Second}, 20*time.Millisecond)
	result, err := pool.Validate(context.Background(), update.KindCodeModule, map[string]any{
		"modules": map[string]any{"m.py": "x = 1"},
	}, update.RiskHigh)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Diagnostics[0], "timeout")
}

func TestConfigValidator(t *testing.T) {
	pool := NewPool(nil, 0)
	ctx := context.Background()

	result, err := pool.Validate(ctx, update.KindConfig, map[string]any{"max_connections": 50}, update.RiskLow)
	require.NoError(t, err)
	assert.True(t, result.Pass)

	result, err = pool.Validate(ctx, update.KindConfig, map[string]any{
		"key": "max_connections", "current": float64(25), "proposed": "fifty",
	}, update.RiskMedium)
	require.NoError(t, err)
	assert.False(t, result.Pass)

	result, err = pool.Validate(ctx, update.KindConfig, map[string]any{
		"key": "max_connections", "action": "remove",
	}, update.RiskMedium)
	require.NoError(t, err)
	assert.True(t, result.Pass)
}

func TestPlaybookValidator(t *testing.T) {
	pool := NewPool(nil, 0)
	ctx := context.Background()

	result, err := pool.Validate(ctx, update.KindPlaybook, map[string]any{
		"name": "restart-degraded",
		"body": map[string]any{"steps": []any{map[string]any{"action": "restart", "target": "svc-a"}}},
	}, update.RiskLow)
	require.NoError(t, err)
	assert.True(t, result.Pass)

	result, err = pool.Validate(ctx, update.KindPlaybook, map[string]any{
		"name": "broken",
		"body": map[string]any{"steps": []any{map[string]any{"target": "svc-a"}}},
	}, update.RiskLow)
	require.NoError(t, err)
	assert.False(t, result.Pass)
}

func TestMetricValidator(t *testing.T) {
	pool := NewPool(nil, 0)
	ctx := context.Background()

	result, err := pool.Validate(ctx, update.KindMetricDefinition, map[string]any{
		"name":       "pipeline_error_rate",
		"definition": map[string]any{"query": "rate(errors_total[5m])", "unit": "ratio"},
	}, update.RiskLow)
	require.NoError(t, err)
	assert.True(t, result.Pass)

	result, err = pool.Validate(ctx, update.KindMetricDefinition, map[string]any{
		"name":       "bad name!",
		"definition": map[string]any{"query": "up"},
	}, update.RiskLow)
	require.NoError(t, err)
	assert.False(t, result.Pass)
}

func TestUnknownKind(t *testing.T) {
	pool := NewPool(nil, 0)
	_, err := pool.Validate(context.Background(), update.Kind("BOGUS"), map[string]any{}, update.RiskLow)
	assert.Error(t, err)
}
