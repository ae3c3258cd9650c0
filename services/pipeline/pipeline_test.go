package pipeline

import (
	"context"
	"crypto/rand"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"updatehub/pkg/canonical"
	"updatehub/services/audit"
	"updatehub/services/distribution"
	"updatehub/services/governance"
	"updatehub/services/registry"
	"updatehub/services/signing"
	"updatehub/services/update"
	"updatehub/services/validate"
	"updatehub/services/watchdog"
)

type testEnv struct {
	orch     *Orchestrator
	registry *registry.Memory
	audit    *audit.Memory
	pub      *distribution.Memory
	dog      *watchdog.Memory
	cancel   context.CancelFunc
}

func newTestEnv(t *testing.T, mutate func(*Deps, *Config)) *testEnv {
	t.Helper()

	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)

	oracle, err := governance.NewRiskOracle(governance.Policy{})
	require.NoError(t, err)

	env := &testEnv{
		registry: registry.NewMemory(),
		audit:    audit.NewMemory(),
		pub:      distribution.NewMemory(),
		dog:      watchdog.NewMemory(),
	}

	deps := Deps{
		Registry:   env.registry,
		AuditLog:   env.audit,
		Oracle:     oracle,
		Signer:     signing.NewSignerFromSeed(seed),
		Validators: validate.NewPool(nil, 5*time.Second),
		Publisher:  env.pub,
		Watchdog:   env.dog,
		Logger:     log.New(io.Discard, "", 0),
	}
	cfg := Config{
		RetryBudget:          3,
		RetryInitialInterval: time.Millisecond,
		ObservationWindow:    time.Hour,
	}
	if mutate != nil {
		mutate(&deps, &cfg)
	}

	orch, err := New(deps, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, orch.Start(ctx))
	env.orch = orch
	env.cancel = cancel
	t.Cleanup(func() {
		cancel()
		orch.Close()
	})
	return env
}

func (e *testEnv) waitStatus(t *testing.T, id uuid.UUID, want update.Status) *update.Record {
	t.Helper()
	var rec *update.Record
	require.Eventually(t, func() bool {
		got, err := e.registry.Get(context.Background(), id)
		if err != nil {
			return false
		}
		rec = got
		return got.Status == want
	}, 5*time.Second, 5*time.Millisecond, "update %s never reached %s", id, want)
	return rec
}

func configDescriptor(risk update.RiskLevel) update.Descriptor {
	return update.Descriptor{
		Kind: update.KindConfig,
		Payload: map[string]any{
			"key":      "scheduler.max_batch",
			"current":  "32",
			"proposed": "64",
		},
		ComponentTargets: []string{"scheduler"},
		CreatedBy:        "ops@example.com",
		RiskLevel:        risk,
	}
}

func TestPipelineHappyPath(t *testing.T) {
	env := newTestEnv(t, nil)
	desc := configDescriptor(update.RiskLow)

	id, err := env.orch.Submit(context.Background(), desc)
	require.NoError(t, err)

	rec := env.waitStatus(t, id, update.StatusWatched)

	wantOrder := []update.Status{
		update.StatusSubmitted,
		update.StatusGovernanceChecked,
		update.StatusSigned,
		update.StatusLoggedProposed,
		update.StatusValidated,
		update.StatusPackaged,
		update.StatusDistributed,
		update.StatusLoggedComplete,
		update.StatusWatched,
	}
	var seen []update.Status
	for _, change := range rec.StatusHistory {
		seen = append(seen, change.Status)
	}
	require.Equal(t, wantOrder, seen)

	require.NotNil(t, rec.Governance)
	require.True(t, rec.Governance.Decision.Approved())
	require.NotNil(t, rec.Signature)
	require.NotEmpty(t, rec.Signature.Value)
	require.NotNil(t, rec.Validation)
	require.True(t, rec.Validation.Pass)

	require.NotNil(t, rec.Package)
	checksum, err := canonical.Hash(desc.Payload)
	require.NoError(t, err)
	require.Equal(t, checksum, rec.Package.Checksum)
	require.Equal(t, update.RollbackRestore, rec.Package.Rollback.Action)

	events := env.pub.Events()
	require.Len(t, events, 1)
	require.Equal(t, "update.config", events[0].Topic)
	require.Equal(t, id.String(), events[0].Payload["update_id"])
	require.Equal(t, rec.DistributionEventID, events[0].ID)

	require.True(t, env.dog.Registered(id))

	auditEvents := env.audit.Events(id)
	var types []string
	for _, e := range auditEvents {
		types = append(types, e.EventType)
	}
	require.Contains(t, types, audit.EventProposed)
	require.Contains(t, types, audit.EventDistributed)
	require.Len(t, rec.AuditSequences, 2)
}

func TestSignatureImpliesApproval(t *testing.T) {
	env := newTestEnv(t, nil)

	id, err := env.orch.Submit(context.Background(), configDescriptor(update.RiskLow))
	require.NoError(t, err)

	rec := env.waitStatus(t, id, update.StatusWatched)

	payload, err := SigningBytes(rec.Descriptor, *rec.Governance)
	require.NoError(t, err)
	require.NoError(t, signing.Verify(payload, rec.Signature.Value, rec.Signature.Identity))
}

func TestGovernanceDenyRejects(t *testing.T) {
	env := newTestEnv(t, func(deps *Deps, _ *Config) {
		oracle, err := governance.NewRiskOracle(governance.Policy{
			DenyPrincipals: []string{"ops@example.com"},
		})
		require.NoError(t, err)
		deps.Oracle = oracle
	})

	id, err := env.orch.Submit(context.Background(), configDescriptor(update.RiskLow))
	require.NoError(t, err)

	rec := env.waitStatus(t, id, update.StatusRejected)
	require.NotEmpty(t, rec.RejectionReason)
	require.Nil(t, rec.Signature)
	require.Empty(t, env.pub.Events())

	var types []string
	for _, e := range env.audit.Events(id) {
		types = append(types, e.EventType)
	}
	require.Contains(t, types, audit.EventRejected)
}

func TestValidationFailureRejects(t *testing.T) {
	env := newTestEnv(t, nil)

	// HIGH-risk code modules require a sandbox run; none is configured.
	id, err := env.orch.Submit(context.Background(), update.Descriptor{
		Kind: update.KindCodeModule,
		Payload: map[string]any{
			"modules": map[string]any{"router": "package router"},
		},
		ComponentTargets: []string{"router"},
		CreatedBy:        "dev@example.com",
		RiskLevel:        update.RiskHigh,
	})
	require.NoError(t, err)

	// Resolve the HIGH-risk conditional approval so validation is reached.
	require.Eventually(t, func() bool {
		rec, err := env.registry.Get(context.Background(), id)
		if err != nil || rec.PendingApprovalRef == "" {
			return false
		}
		return env.orch.ResolveApproval(id, rec.PendingApprovalRef) == nil
	}, 5*time.Second, 5*time.Millisecond)

	rec := env.waitStatus(t, id, update.StatusRejected)
	require.NotNil(t, rec.Validation)
	require.False(t, rec.Validation.Pass)
	require.NotEmpty(t, rec.Validation.Diagnostics)
	require.Empty(t, env.pub.Events())
}

func TestApprovalAbortRejects(t *testing.T) {
	env := newTestEnv(t, nil)

	id, err := env.orch.Submit(context.Background(), configDescriptor(update.RiskHigh))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.orch.AbortApproval(id, "no longer needed") == nil
	}, 5*time.Second, 5*time.Millisecond)

	rec := env.waitStatus(t, id, update.StatusRejected)
	require.Contains(t, rec.RejectionReason, "aborted")
}

func TestApprovalAbandonedRejects(t *testing.T) {
	env := newTestEnv(t, func(_ *Deps, cfg *Config) {
		cfg.ApprovalAbandonAfter = 30 * time.Millisecond
	})

	id, err := env.orch.Submit(context.Background(), configDescriptor(update.RiskHigh))
	require.NoError(t, err)

	rec := env.waitStatus(t, id, update.StatusRejected)
	require.Contains(t, rec.RejectionReason, "abandoned")
}

func TestApprovalResolvedProceeds(t *testing.T) {
	env := newTestEnv(t, nil)

	id, err := env.orch.Submit(context.Background(), configDescriptor(update.RiskHigh))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := env.registry.Get(context.Background(), id)
		if err != nil || rec.PendingApprovalRef == "" {
			return false
		}
		return env.orch.ResolveApproval(id, rec.PendingApprovalRef) == nil
	}, 5*time.Second, 5*time.Millisecond)

	rec := env.waitStatus(t, id, update.StatusWatched)
	require.Equal(t, update.DecisionApproveWithConditionsResolved, rec.Governance.Decision)
	require.NotNil(t, rec.Governance.ResolvedAt)
	require.Empty(t, rec.PendingApprovalRef)
}

func TestInfrastructureFailureAfterRetries(t *testing.T) {
	env := newTestEnv(t, nil)
	env.pub.FailNext(10)

	id, err := env.orch.Submit(context.Background(), configDescriptor(update.RiskLow))
	require.NoError(t, err)

	rec := env.waitStatus(t, id, update.StatusFailedInfrastructure)
	require.GreaterOrEqual(t, rec.RetryCount, 3)

	var types []string
	for _, e := range env.audit.Events(id) {
		types = append(types, e.EventType)
	}
	require.Contains(t, types, audit.EventFailed)
	require.NotContains(t, types, audit.EventRejected)
}

func TestRollbackRunsFullPipeline(t *testing.T) {
	env := newTestEnv(t, nil)

	original := update.Descriptor{
		Kind: update.KindSchema,
		Payload: map[string]any{
			"current":  map[string]any{"version": float64(3)},
			"proposed": map[string]any{"version": float64(4)},
		},
		ComponentTargets: []string{"registry"},
		CreatedBy:        "dev@example.com",
		RiskLevel:        update.RiskLow,
	}
	id, err := env.orch.Submit(context.Background(), original)
	require.NoError(t, err)
	env.waitStatus(t, id, update.StatusWatched)

	rbID, err := env.orch.RequestRollback(context.Background(), id, "oncall@example.com", "latency regression")
	require.NoError(t, err)
	require.NotEqual(t, id, rbID)

	rb := env.waitStatus(t, rbID, update.StatusWatched)
	require.NotNil(t, rb.RollbackOf)
	require.Equal(t, id, *rb.RollbackOf)
	require.Equal(t, original.Payload["current"], rb.Descriptor.Payload["proposed"])

	orig := env.waitStatus(t, id, update.StatusRolledBack)
	require.Equal(t, update.StatusRolledBack, orig.Status)

	var types []string
	for _, e := range env.audit.Events(id) {
		types = append(types, e.EventType)
	}
	require.Contains(t, types, audit.EventRolledBack)

	// The request event is keyed by the rollback record and names the
	// original it reverts.
	var requested []audit.Entry
	for _, e := range env.audit.Events(rbID) {
		if e.EventType == audit.EventRollbackRequested {
			requested = append(requested, e)
		}
	}
	require.Len(t, requested, 1)
	require.Equal(t, id.String(), requested[0].Fields["rollback_of"])

	// Both distributions happened, newest last.
	events := env.pub.Events()
	require.Len(t, events, 2)
	require.Equal(t, rbID.String(), events[1].Payload["update_id"])
	require.Equal(t, id.String(), events[1].Payload["rollback_of"])
}

func TestAnomalyTriggersRollback(t *testing.T) {
	env := newTestEnv(t, nil)

	id, err := env.orch.Submit(context.Background(), configDescriptor(update.RiskLow))
	require.NoError(t, err)
	env.waitStatus(t, id, update.StatusWatched)

	require.NoError(t, env.orch.HandleAnomaly(context.Background(), id, map[string]any{
		"metric": "error_rate",
		"value":  0.42,
	}))

	env.waitStatus(t, id, update.StatusRolledBack)
}

func TestRollbackRequiresWatched(t *testing.T) {
	env := newTestEnv(t, nil)
	env.pub.FailNext(10)

	id, err := env.orch.Submit(context.Background(), configDescriptor(update.RiskLow))
	require.NoError(t, err)
	env.waitStatus(t, id, update.StatusFailedInfrastructure)

	_, err = env.orch.RequestRollback(context.Background(), id, "oncall@example.com", "nope")
	require.Error(t, err)
	require.Contains(t, err.Error(), "WATCHED")

	var refused *RollbackRefusedError
	require.ErrorAs(t, err, &refused)
	require.Equal(t, id, refused.ID)
}

func TestStaleAnomalyIsConsumed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.pub.FailNext(3)

	id, err := env.orch.Submit(context.Background(), configDescriptor(update.RiskLow))
	require.NoError(t, err)
	env.waitStatus(t, id, update.StatusFailedInfrastructure)

	// A failed update cannot be rolled back, and an unknown one does not
	// exist; neither anomaly should error, or the bus would redeliver it
	// forever.
	require.NoError(t, env.orch.HandleAnomaly(context.Background(), id, nil))
	require.NoError(t, env.orch.HandleAnomaly(context.Background(), uuid.New(), nil))
}

func TestConcurrentRollbackTriggersYieldOneRecord(t *testing.T) {
	env := newTestEnv(t, nil)

	id, err := env.orch.Submit(context.Background(), configDescriptor(update.RiskLow))
	require.NoError(t, err)
	env.waitStatus(t, id, update.StatusWatched)

	const triggers = 16
	results := make(chan error, triggers)
	var wg sync.WaitGroup
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.orch.RequestRollback(context.Background(), id, "oncall@example.com", "regression")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var accepted int
	for err := range results {
		if err == nil {
			accepted++
			continue
		}
		var refused *RollbackRefusedError
		require.ErrorAs(t, err, &refused)
	}
	require.Equal(t, 1, accepted)

	env.waitStatus(t, id, update.StatusRolledBack)
	recs, err := env.registry.List(context.Background(), registry.Filter{}, registry.Page{Limit: 100})
	require.NoError(t, err)
	var rollbacks int
	for _, rec := range recs {
		if rec.RollbackOf != nil {
			rollbacks++
		}
	}
	require.Equal(t, 1, rollbacks)
}

func TestRerequestedRollbackKeepsBothAuditEvents(t *testing.T) {
	env := newTestEnv(t, nil)

	id, err := env.orch.Submit(context.Background(), configDescriptor(update.RiskLow))
	require.NoError(t, err)
	env.waitStatus(t, id, update.StatusWatched)

	// First attempt dies distributing its rollback record; the original
	// stays WATCHED.
	env.pub.FailNext(3)
	firstID, err := env.orch.RequestRollback(context.Background(), id, "oncall@example.com", "first try")
	require.NoError(t, err)
	env.waitStatus(t, firstID, update.StatusFailedInfrastructure)
	require.Equal(t, update.StatusWatched, env.waitStatus(t, id, update.StatusWatched).Status)

	secondID, err := env.orch.RequestRollback(context.Background(), id, "oncall@example.com", "second try")
	require.NoError(t, err)
	env.waitStatus(t, id, update.StatusRolledBack)

	first := env.audit.Events(firstID)
	second := env.audit.Events(secondID)
	require.NotEmpty(t, first)
	require.NotEmpty(t, second)
	require.Equal(t, audit.EventRollbackRequested, first[0].EventType)
	require.Equal(t, audit.EventRollbackRequested, second[0].EventType)
	require.NotEqual(t, first[0].Seq, second[0].Seq)
	require.Equal(t, "second try", second[0].Fields["reason"])
}

func TestCloseReturnsOnceContextCancelled(t *testing.T) {
	env := newTestEnv(t, nil)

	// Park a worker in the approval wait and an observation timer behind a
	// watched update, then cancel and make sure Close does not hang.
	watchedID, err := env.orch.Submit(context.Background(), configDescriptor(update.RiskLow))
	require.NoError(t, err)
	env.waitStatus(t, watchedID, update.StatusWatched)

	parkedID, err := env.orch.Submit(context.Background(), update.Descriptor{
		Kind: update.KindCodeModule,
		Payload: map[string]any{
			"modules": map[string]any{"router": "package router"},
		},
		ComponentTargets: []string{"router"},
		CreatedBy:        "dev@example.com",
		RiskLevel:        update.RiskHigh,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, err := env.registry.Get(context.Background(), parkedID)
		return err == nil && rec.PendingApprovalRef != ""
	}, 5*time.Second, 5*time.Millisecond)

	env.cancel()
	done := make(chan struct{})
	go func() {
		env.orch.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator close hung after context cancellation")
	}
}

func TestPackagingIsDeterministic(t *testing.T) {
	desc := configDescriptor(update.RiskLow)

	first, err := BuildPackage(desc)
	require.NoError(t, err)
	second, err := BuildPackage(desc)
	require.NoError(t, err)
	require.Equal(t, first, second)

	// The rollback payload is itself a valid descriptor payload.
	rb := update.Descriptor{
		Kind:             desc.Kind,
		Payload:          first.Rollback.Prior,
		ComponentTargets: desc.ComponentTargets,
		CreatedBy:        "oncall@example.com",
		RiskLevel:        desc.RiskLevel,
	}
	require.NoError(t, rb.Validate())
	require.Equal(t, desc.Payload["proposed"], rb.Payload["current"])
	require.Equal(t, desc.Payload["current"], rb.Payload["proposed"])
}

func TestResumeRestartsInFlight(t *testing.T) {
	env := newTestEnv(t, nil)

	// Seed a record parked mid-pipeline, as if the process died after signing.
	desc := configDescriptor(update.RiskLow)
	rec := update.NewRecord(desc, time.Now().UTC())
	require.NoError(t, env.registry.Put(context.Background(), rec))
	require.NoError(t, rec.Advance(update.StatusGovernanceChecked, time.Now().UTC()))
	rec.Governance = &update.GovernanceDecision{
		Decision:  update.DecisionApprove,
		Reason:    "auto-approved",
		DecidedAt: time.Now().UTC(),
	}
	require.NoError(t, env.registry.Put(context.Background(), rec))

	orch, err := New(Deps{
		Registry:   env.registry,
		AuditLog:   env.audit,
		Oracle:     mustOracle(t),
		Signer:     signing.NewSignerFromSeed(make([]byte, 32)),
		Validators: validate.NewPool(nil, 5*time.Second),
		Publisher:  env.pub,
		Watchdog:   env.dog,
		Logger:     log.New(io.Discard, "", 0),
	}, Config{RetryInitialInterval: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, orch.Start(ctx))
	defer orch.Close()
	defer cancel()

	require.Eventually(t, func() bool {
		got, err := env.registry.Get(context.Background(), rec.ID)
		return err == nil && got.Status == update.StatusWatched
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSubmitValidatesDescriptor(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.orch.Submit(context.Background(), update.Descriptor{
		Kind:      update.KindConfig,
		CreatedBy: "ops@example.com",
		RiskLevel: update.RiskLow,
	})
	require.Error(t, err)
}

func mustOracle(t *testing.T) governance.Oracle {
	t.Helper()
	oracle, err := governance.NewRiskOracle(governance.Policy{})
	require.NoError(t, err)
	return oracle
}
