package update

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("  config ")
	require.NoError(t, err)
	assert.Equal(t, KindConfig, kind)
	assert.Equal(t, "update.config", kind.Topic())

	_, err = ParseKind("FIRMWARE")
	assert.Error(t, err)
}

func TestStageOrderTransitions(t *testing.T) {
	for i := 0; i < len(StageOrder)-1; i++ {
		assert.True(t, StageOrder[i].CanTransition(StageOrder[i+1]),
			"%s -> %s", StageOrder[i], StageOrder[i+1])
	}
	// No skipping and no going backwards.
	assert.False(t, StatusSubmitted.CanTransition(StatusSigned))
	assert.False(t, StatusSigned.CanTransition(StatusGovernanceChecked))
	assert.False(t, StatusWatched.CanTransition(StatusSubmitted))
}

func TestAbsorbingTransitions(t *testing.T) {
	assert.True(t, StatusSubmitted.CanTransition(StatusRejected))
	assert.True(t, StatusGovernanceChecked.CanTransition(StatusRejected))
	assert.True(t, StatusLoggedProposed.CanTransition(StatusRejected))
	assert.False(t, StatusValidated.CanTransition(StatusRejected))

	assert.True(t, StatusWatched.CanTransition(StatusRolledBack))
	assert.False(t, StatusDistributed.CanTransition(StatusRolledBack))

	for _, s := range StageOrder {
		if s == StatusWatched {
			continue
		}
		assert.True(t, s.CanTransition(StatusFailedInfrastructure), "%s", s)
	}

	for _, terminal := range []Status{StatusRejected, StatusRolledBack, StatusFailedInfrastructure} {
		require.True(t, terminal.Terminal())
		for _, next := range StageOrder {
			assert.False(t, terminal.CanTransition(next), "%s -> %s", terminal, next)
		}
	}
	assert.False(t, StatusWatched.Terminal())
}

func TestDescriptorValidate(t *testing.T) {
	valid := Descriptor{
		Kind:             KindConfig,
		Payload:          map[string]any{"key": "timeout", "proposed": 5},
		ComponentTargets: []string{"scheduler"},
		CreatedBy:        "release-bot",
		RiskLevel:        RiskLow,
		RequestedAt:      time.Now().UTC(),
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Descriptor)
	}{
		{"unknown kind", func(d *Descriptor) { d.Kind = "FIRMWARE" }},
		{"unknown risk", func(d *Descriptor) { d.RiskLevel = "EXTREME" }},
		{"empty payload", func(d *Descriptor) { d.Payload = nil }},
		{"no targets", func(d *Descriptor) { d.ComponentTargets = nil }},
		{"no creator", func(d *Descriptor) { d.CreatedBy = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mutate(&d)
			assert.Error(t, d.Validate())
		})
	}
}

func TestRecordAdvance(t *testing.T) {
	now := time.Now().UTC()
	rec := NewRecord(Descriptor{
		Kind:             KindConfig,
		Payload:          map[string]any{"key": "timeout", "proposed": 5},
		ComponentTargets: []string{"scheduler"},
		CreatedBy:        "release-bot",
		RiskLevel:        RiskLow,
		RequestedAt:      now,
	}, now)

	require.Len(t, rec.StatusHistory, 1)
	assert.Equal(t, StatusSubmitted, rec.StatusHistory[0].Status)

	require.NoError(t, rec.Advance(StatusGovernanceChecked, now))
	assert.Equal(t, StatusGovernanceChecked, rec.Status)
	assert.Len(t, rec.StatusHistory, 2)

	err := rec.Advance(StatusPackaged, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal transition")
	assert.Len(t, rec.StatusHistory, 2)
}

func TestCloneDoesNotAlias(t *testing.T) {
	now := time.Now().UTC()
	rec := NewRecord(Descriptor{
		Kind:             KindConfig,
		Payload:          map[string]any{"key": "timeout", "nested": map[string]any{"a": 1}},
		ComponentTargets: []string{"scheduler"},
		CreatedBy:        "release-bot",
		RiskLevel:        RiskLow,
		RequestedAt:      now,
	}, now)
	rec.AuditSequences = []int64{1, 2}

	clone := rec.Clone()
	clone.Descriptor.Payload["key"] = "changed"
	clone.Descriptor.Payload["nested"].(map[string]any)["a"] = 2
	clone.Descriptor.ComponentTargets[0] = "other"
	clone.AuditSequences[0] = 99
	require.NoError(t, clone.Advance(StatusGovernanceChecked, now))

	assert.Equal(t, "timeout", rec.Descriptor.Payload["key"])
	assert.Equal(t, 1, rec.Descriptor.Payload["nested"].(map[string]any)["a"])
	assert.Equal(t, []string{"scheduler"}, rec.Descriptor.ComponentTargets)
	assert.Equal(t, int64(1), rec.AuditSequences[0])
	assert.Equal(t, StatusSubmitted, rec.Status)
	assert.Len(t, rec.StatusHistory, 1)
}
