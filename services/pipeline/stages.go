package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"updatehub/services/audit"
	"updatehub/services/governance"
	"updatehub/services/update"
	"updatehub/services/watchdog"
)

// rejection is a policy verdict, never retried. It is a distinct type from
// infrastructure errors so the two failure modes cannot be confused.
type rejection struct {
	reason      string
	diagnostics []string
}

func (r *rejection) Error() string { return "rejected: " + r.reason }

// run advances one update through its remaining stages. The worker goroutine
// calling run is the update's only owner; nothing else mutates the record.
func (o *Orchestrator) run(ctx context.Context, w *worker) {
	rec := w.rec
	for {
		if ctx.Err() != nil {
			return
		}

		var err error
		stage := rec.Status
		started := time.Now()
		ctx, span := otel.Tracer("updatehub/pipeline").Start(ctx, "pipeline."+string(stage),
			trace.WithAttributes(
				attribute.String("update.id", rec.ID.String()),
				attribute.String("update.kind", string(rec.Descriptor.Kind)),
			))

		switch rec.Status {
		case update.StatusSubmitted:
			err = o.stageGovernance(ctx, rec)
		case update.StatusGovernanceChecked:
			if rec.Governance == nil || !rec.Governance.Decision.Approved() {
				err = o.waitForApproval(ctx, w)
			} else {
				err = o.stageSign(ctx, rec)
			}
		case update.StatusSigned:
			err = o.stageLogProposed(ctx, rec)
		case update.StatusLoggedProposed:
			err = o.stageValidate(ctx, rec)
		case update.StatusValidated:
			err = o.stagePackage(ctx, rec)
		case update.StatusPackaged:
			err = o.stageDistribute(ctx, rec)
		case update.StatusDistributed:
			err = o.stageLogComplete(ctx, rec)
		case update.StatusLoggedComplete:
			err = o.stageWatch(ctx, rec)
		case update.StatusWatched:
			o.afterWatched(ctx, rec)
			span.End()
			return
		default:
			span.End()
			return
		}

		o.metrics.stageDuration.WithLabelValues(string(stage)).Observe(time.Since(started).Seconds())
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		switch {
		case err == nil:
			continue
		case ctx.Err() != nil:
			// Shutdown: leave the record where it is; resume picks it up.
			return
		default:
			var rej *rejection
			if errors.As(err, &rej) {
				o.reject(ctx, rec, rej)
			} else {
				o.failInfrastructure(ctx, rec, stage, err)
			}
			return
		}
	}
}

// stageGovernance asks the oracle for a verdict and stores it. DENY halts
// the pipeline; a conditional approval on a HIGH-risk update parks the
// record in GOVERNANCE_CHECKED with a pending-approval marker.
func (o *Orchestrator) stageGovernance(ctx context.Context, rec *update.Record) error {
	summary, err := governance.Summarize(rec.Descriptor.Payload)
	if err != nil {
		return &rejection{reason: fmt.Sprintf("payload cannot be summarised: %v", err)}
	}

	result, err := retryStage(ctx, o, rec, "governance", func() (governance.Result, error) {
		return o.oracle.Check(ctx, governance.CheckRequest{
			Kind:           rec.Descriptor.Kind,
			PayloadSummary: summary,
			RiskLevel:      rec.Descriptor.RiskLevel,
			CreatedBy:      rec.Descriptor.CreatedBy,
		})
	})
	if err != nil {
		return err
	}

	if result.Decision == update.DecisionDeny {
		return &rejection{reason: result.Reason}
	}

	now := time.Now().UTC()
	decision := &update.GovernanceDecision{
		Decision:    result.Decision,
		Reason:      result.Reason,
		ApprovalRef: result.ApprovalRef,
		DecidedAt:   now,
	}
	if result.Decision == update.DecisionApproveWithConditions {
		if rec.Descriptor.RiskLevel == update.RiskHigh {
			rec.PendingApprovalRef = result.ApprovalRef
		} else {
			// Only HIGH-risk updates block on the named approval; lower risk
			// conditional approvals proceed with the condition on record.
			decision.Decision = update.DecisionApproveWithConditionsResolved
			decision.ResolvedAt = &now
		}
	}
	rec.Governance = decision

	if err := rec.Advance(update.StatusGovernanceChecked, now); err != nil {
		return err
	}
	return o.persist(ctx, rec)
}

// waitForApproval suspends the worker until the named human approval is
// resolved, the wait is aborted, or the abandonment window elapses. This is
// the only stage permitted to suspend on an external human signal.
func (o *Orchestrator) waitForApproval(ctx context.Context, w *worker) error {
	rec := w.rec
	o.logger.Printf("INFO update %s awaiting approval %s", rec.ID, rec.PendingApprovalRef)

	deadline := rec.Governance.DecidedAt.Add(o.cfg.ApprovalAbandonAfter)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case ref := <-w.approvalCh:
			if ref != rec.PendingApprovalRef {
				o.logger.Printf("WARN update %s ignoring mismatched approval ref %s", rec.ID, ref)
				continue
			}
			now := time.Now().UTC()
			rec.Governance.Decision = update.DecisionApproveWithConditionsResolved
			rec.Governance.ResolvedAt = &now
			rec.PendingApprovalRef = ""
			return o.persist(ctx, rec)
		case reason := <-w.abortCh:
			return &rejection{reason: fmt.Sprintf("approval wait aborted: %s", reason)}
		case <-timer.C:
			return &rejection{reason: fmt.Sprintf("approval %s abandoned after %s", rec.PendingApprovalRef, o.cfg.ApprovalAbandonAfter)}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stageSign canonically serialises (descriptor, governance_decision) and has
// the signer cover it. A signature can therefore never exist for an update
// whose governance stage has not completed.
func (o *Orchestrator) stageSign(ctx context.Context, rec *update.Record) error {
	payload, err := SigningBytes(rec.Descriptor, *rec.Governance)
	if err != nil {
		return fmt.Errorf("canonicalise signing payload: %w", err)
	}

	type signed struct {
		sig      string
		identity string
	}
	result, err := retryStage(ctx, o, rec, "signing", func() (signed, error) {
		sig, identity, err := o.signer.Sign(payload)
		return signed{sig: sig, identity: identity}, err
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec.Signature = &update.Signature{
		Value:    result.sig,
		Identity: result.identity,
		SignedAt: now,
	}
	if err := rec.Advance(update.StatusSigned, now); err != nil {
		return err
	}
	return o.persist(ctx, rec)
}

// stageLogProposed appends the update_proposed event. The audit log
// de-duplicates by (update_id, event_type), so replays after a partial
// failure land on the original sequence number.
func (o *Orchestrator) stageLogProposed(ctx context.Context, rec *update.Record) error {
	seq, err := retryStage(ctx, o, rec, "audit-proposed", func() (int64, error) {
		return o.auditLog.Append(ctx, audit.EventProposed, rec.ID, map[string]any{
			"kind":                string(rec.Descriptor.Kind),
			"risk_level":          string(rec.Descriptor.RiskLevel),
			"governance_decision": rec.Governance,
			"signature":           rec.Signature.Value,
			"signer_identity":     rec.Signature.Identity,
		})
	})
	if err != nil {
		return err
	}

	rec.AuditSequences = append(rec.AuditSequences, seq)
	if err := rec.Advance(update.StatusLoggedProposed, time.Now().UTC()); err != nil {
		return err
	}
	return o.persist(ctx, rec)
}

// stageValidate dispatches to the validator pool. FAIL is terminal;
// diagnostics are retained for audit either way.
func (o *Orchestrator) stageValidate(ctx context.Context, rec *update.Record) error {
	result, err := o.validators.Validate(ctx, rec.Descriptor.Kind, rec.Descriptor.Payload, rec.Descriptor.RiskLevel)
	if err != nil {
		return fmt.Errorf("validator pool: %w", err)
	}

	rec.Validation = &result
	if !result.Pass {
		return &rejection{reason: "validation failed", diagnostics: result.Diagnostics}
	}

	if err := rec.Advance(update.StatusValidated, time.Now().UTC()); err != nil {
		return err
	}
	return o.persist(ctx, rec)
}

// stagePackage builds the deterministic package from the descriptor payload.
func (o *Orchestrator) stagePackage(ctx context.Context, rec *update.Record) error {
	pkg, err := BuildPackage(rec.Descriptor)
	if err != nil {
		return fmt.Errorf("build package: %w", err)
	}

	rec.Package = &pkg
	if err := rec.Advance(update.StatusPackaged, time.Now().UTC()); err != nil {
		return err
	}
	return o.persist(ctx, rec)
}

// stageDistribute publishes the packaged update on its kind's topic.
// Completing a rollback's distribution also flips the original record to
// ROLLED_BACK.
func (o *Orchestrator) stageDistribute(ctx context.Context, rec *update.Record) error {
	event := map[string]any{
		"update_id":         rec.ID.String(),
		"kind":              string(rec.Descriptor.Kind),
		"checksum":          rec.Package.Checksum,
		"signature":         rec.Signature.Value,
		"signer_identity":   rec.Signature.Identity,
		"package":           rec.Package,
		"payload":           rec.Descriptor.Payload,
		"component_targets": rec.Descriptor.ComponentTargets,
	}
	if rec.RollbackOf != nil {
		event["rollback_of"] = rec.RollbackOf.String()
	}

	eventID, err := retryStage(ctx, o, rec, "distribution", func() (string, error) {
		return o.publisher.Publish(ctx, rec.Descriptor.Kind.Topic(), event)
	})
	if err != nil {
		return err
	}

	rec.DistributionEventID = eventID
	if err := rec.Advance(update.StatusDistributed, time.Now().UTC()); err != nil {
		return err
	}
	if err := o.persist(ctx, rec); err != nil {
		return err
	}

	o.metrics.distributed.WithLabelValues(string(rec.Descriptor.Kind)).Inc()

	if rec.RollbackOf != nil {
		o.completeRollback(ctx, *rec.RollbackOf, rec.ID)
	}
	return nil
}

// stageLogComplete appends the update_distributed event referencing the
// distribution event id.
func (o *Orchestrator) stageLogComplete(ctx context.Context, rec *update.Record) error {
	seq, err := retryStage(ctx, o, rec, "audit-distributed", func() (int64, error) {
		return o.auditLog.Append(ctx, audit.EventDistributed, rec.ID, map[string]any{
			"distribution_event_id": rec.DistributionEventID,
			"checksum":              rec.Package.Checksum,
		})
	})
	if err != nil {
		return err
	}

	rec.AuditSequences = append(rec.AuditSequences, seq)
	if err := rec.Advance(update.StatusLoggedComplete, time.Now().UTC()); err != nil {
		return err
	}
	return o.persist(ctx, rec)
}

// stageWatch registers the update with the anomaly watchdog. Registration is
// fire-and-forget: the update is already live, so a watchdog outage is
// logged rather than failing a distributed update.
func (o *Orchestrator) stageWatch(ctx context.Context, rec *update.Record) error {
	_, err := retryStage(ctx, o, rec, "watchdog", func() (struct{}, error) {
		return struct{}{}, o.watchdog.Register(ctx, watchdog.Registration{
			UpdateID:        rec.ID,
			Targets:         rec.Descriptor.ComponentTargets,
			BaselineMetrics: baselineMetrics(rec),
		})
	})
	if err != nil {
		o.logger.Printf("ERROR watchdog registration for %s: %v", rec.ID, err)
	}

	if err := rec.Advance(update.StatusWatched, time.Now().UTC()); err != nil {
		return err
	}
	return o.persist(ctx, rec)
}

// afterWatched finishes the worker's ownership: the record stays WATCHED
// until the observation window elapses cleanly or an anomaly triggers
// rollback.
func (o *Orchestrator) afterWatched(ctx context.Context, rec *update.Record) {
	if rec.RollbackOf != nil {
		return
	}

	window := o.cfg.ObservationWindow
	id := rec.ID
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		timer := time.NewTimer(window)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}

		current, err := o.registry.Get(ctx, id)
		if err != nil || current.Status != update.StatusWatched {
			return
		}
		if _, err := o.auditLog.Append(ctx, audit.EventWatchElapsed, id, map[string]any{
			"window": window.String(),
		}); err != nil {
			o.logger.Printf("WARN audit watch elapsed for %s: %v", id, err)
		}
	}()
}

// completeRollback flips the original update to ROLLED_BACK once its
// rollback has been distributed.
func (o *Orchestrator) completeRollback(ctx context.Context, originalID, rollbackID uuid.UUID) {
	original, err := o.registry.Get(ctx, originalID)
	if err != nil {
		o.logger.Printf("ERROR load original %s for rollback completion: %v", originalID, err)
		return
	}
	if original.Status != update.StatusWatched {
		o.logger.Printf("WARN original %s is %s, not flipping to ROLLED_BACK", originalID, original.Status)
		return
	}

	if err := original.Advance(update.StatusRolledBack, time.Now().UTC()); err != nil {
		o.logger.Printf("ERROR advance original %s: %v", originalID, err)
		return
	}
	if seq, err := o.auditLog.Append(ctx, audit.EventRolledBack, originalID, map[string]any{
		"rollback_update_id": rollbackID.String(),
	}); err != nil {
		o.logger.Printf("WARN audit rollback completion for %s: %v", originalID, err)
	} else {
		original.AuditSequences = append(original.AuditSequences, seq)
	}
	if err := o.persist(ctx, original); err != nil {
		o.logger.Printf("ERROR persist original %s as ROLLED_BACK: %v", originalID, err)
	}
}

// reject records a terminal policy rejection with its diagnostics.
func (o *Orchestrator) reject(ctx context.Context, rec *update.Record, rej *rejection) {
	rec.RejectionReason = rej.reason
	rec.PendingApprovalRef = ""
	if err := rec.Advance(update.StatusRejected, time.Now().UTC()); err != nil {
		o.logger.Printf("ERROR transition %s to REJECTED: %v", rec.ID, err)
		return
	}
	if seq, err := o.auditLog.Append(ctx, audit.EventRejected, rec.ID, map[string]any{
		"reason":      rej.reason,
		"diagnostics": rej.diagnostics,
	}); err != nil {
		o.logger.Printf("WARN audit rejection for %s: %v", rec.ID, err)
	} else {
		rec.AuditSequences = append(rec.AuditSequences, seq)
	}
	if err := o.persist(ctx, rec); err != nil {
		o.logger.Printf("ERROR persist rejection for %s: %v", rec.ID, err)
	}
	o.metrics.rejected.WithLabelValues(string(rec.Descriptor.Kind)).Inc()
	o.logger.Printf("INFO update %s rejected: %s", rec.ID, rej.reason)
}

// failInfrastructure marks an update whose retry budget is exhausted. This
// reflects pipeline health, not a policy judgment, and is reported
// distinctly from REJECTED.
func (o *Orchestrator) failInfrastructure(ctx context.Context, rec *update.Record, stage update.Status, cause error) {
	if err := rec.Advance(update.StatusFailedInfrastructure, time.Now().UTC()); err != nil {
		o.logger.Printf("ERROR transition %s to FAILED_INFRASTRUCTURE: %v", rec.ID, err)
		return
	}
	if seq, err := o.auditLog.Append(ctx, audit.EventFailed, rec.ID, map[string]any{
		"stage":       string(stage),
		"error":       cause.Error(),
		"retry_count": rec.RetryCount,
	}); err != nil {
		o.logger.Printf("WARN audit infrastructure failure for %s: %v", rec.ID, err)
	} else {
		rec.AuditSequences = append(rec.AuditSequences, seq)
	}
	if err := o.persist(ctx, rec); err != nil {
		o.logger.Printf("ERROR persist infrastructure failure for %s: %v", rec.ID, err)
	}
	o.metrics.failed.WithLabelValues(string(rec.Descriptor.Kind)).Inc()
	o.logger.Printf("ERROR update %s failed at %s: %v", rec.ID, stage, cause)
}

// persist commits the record's current state as one atomic transition.
func (o *Orchestrator) persist(ctx context.Context, rec *update.Record) error {
	if err := o.registry.Put(ctx, rec); err != nil {
		return fmt.Errorf("persist update %s: %w", rec.ID, err)
	}
	return nil
}

// retryStage runs an infrastructure-facing call under the configured backoff
// budget, counting attempts against the worker's record.
func retryStage[T any](ctx context.Context, o *Orchestrator, rec *update.Record, stage string, op func() (T, error)) (T, error) {
	wrapped := func() (T, error) {
		v, err := op()
		if err != nil {
			rec.RetryCount++
			o.metrics.retries.WithLabelValues(stage).Inc()
			o.logger.Printf("WARN %s for %s: %v", stage, rec.ID, err)
		}
		return v, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryInitialInterval

	v, err := backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.cfg.RetryBudget)))
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s exhausted retries: %w", stage, err)
	}
	return v, nil
}

// baselineMetrics captures what the watchdog compares post-distribution
// behaviour against.
func baselineMetrics(rec *update.Record) map[string]any {
	return map[string]any{
		"distributed_at": rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"checksum":       rec.Package.Checksum,
	}
}
