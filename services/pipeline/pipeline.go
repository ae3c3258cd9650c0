// Package pipeline drives every system-altering change through the eight
// ordered stages of the unified update pipeline. The orchestrator owns each
// update's lifecycle record: one worker goroutine per update_id holds
// exclusive ownership for the whole run, so two stage advances for the same
// update can never interleave, while unrelated updates proceed in parallel.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"updatehub/services/audit"
	"updatehub/services/distribution"
	"updatehub/services/governance"
	"updatehub/services/registry"
	"updatehub/services/signing"
	"updatehub/services/update"
	"updatehub/services/validate"
	"updatehub/services/watchdog"
)

// Registry is the slice of the update registry the orchestrator mutates.
type Registry interface {
	Put(ctx context.Context, rec *update.Record) error
	Get(ctx context.Context, id uuid.UUID) (*update.Record, error)
	List(ctx context.Context, filter registry.Filter, page registry.Page) ([]*update.Record, error)
}

// Config controls retry budgets, approval abandonment, and the
// post-distribution observation window.
type Config struct {
	// RetryBudget is the number of attempts per infrastructure-facing stage
	// call before the update is marked FAILED_INFRASTRUCTURE.
	RetryBudget int
	// RetryInitialInterval seeds the exponential backoff between attempts.
	RetryInitialInterval time.Duration
	// ApprovalAbandonAfter bounds the HIGH-risk conditional approval wait.
	// An unresolved approval is rejected when it elapses.
	ApprovalAbandonAfter time.Duration
	// ObservationWindow is how long a WATCHED update is observed before its
	// watch is recorded as cleanly elapsed.
	ObservationWindow time.Duration
	// Registerer receives the pipeline's metrics; nil isolates them.
	Registerer prometheus.Registerer
}

func (c Config) withDefaults() Config {
	if c.RetryBudget <= 0 {
		c.RetryBudget = 5
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 200 * time.Millisecond
	}
	if c.ApprovalAbandonAfter <= 0 {
		c.ApprovalAbandonAfter = 72 * time.Hour
	}
	if c.ObservationWindow <= 0 {
		c.ObservationWindow = 30 * time.Minute
	}
	return c
}

// Orchestrator is the single mandatory path for updates. All collaborators
// are injected; there are no process-wide singletons.
type Orchestrator struct {
	cfg        Config
	registry   Registry
	auditLog   audit.Log
	oracle     governance.Oracle
	signer     signing.Signer
	validators *validate.Pool
	publisher  distribution.Publisher
	watchdog   watchdog.Watchdog
	logger     *log.Logger
	metrics    *metrics

	mu      sync.Mutex
	workers map[uuid.UUID]*worker
	baseCtx context.Context
	started bool
	wg      sync.WaitGroup
}

// worker is the single owner of one in-flight update.
type worker struct {
	rec        *update.Record
	approvalCh chan string
	abortCh    chan string
}

// Deps bundles the orchestrator's injected collaborators.
type Deps struct {
	Registry   Registry
	AuditLog   audit.Log
	Oracle     governance.Oracle
	Signer     signing.Signer
	Validators *validate.Pool
	Publisher  distribution.Publisher
	Watchdog   watchdog.Watchdog
	Logger     *log.Logger
}

// New creates an orchestrator bound to the provided dependencies.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if deps.AuditLog == nil {
		return nil, errors.New("audit log is required")
	}
	if deps.Oracle == nil {
		return nil, errors.New("governance oracle is required")
	}
	if deps.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if deps.Validators == nil {
		return nil, errors.New("validator pool is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("distribution publisher is required")
	}
	if deps.Watchdog == nil {
		return nil, errors.New("watchdog is required")
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}

	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		registry:   deps.Registry,
		auditLog:   deps.AuditLog,
		oracle:     deps.Oracle,
		signer:     deps.Signer,
		validators: deps.Validators,
		publisher:  deps.Publisher,
		watchdog:   deps.Watchdog,
		logger:     deps.Logger,
		metrics:    newMetrics(cfg.Registerer),
		workers:    make(map[uuid.UUID]*worker),
	}, nil
}

// Start makes the orchestrator accept submissions and resumes any update
// left in flight by a previous run. Workers run until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o == nil {
		return errors.New("nil orchestrator")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	o.baseCtx = ctx
	o.started = true
	o.mu.Unlock()

	return o.resume(ctx)
}

// resume relaunches workers for records that are neither terminal nor done
// watching.
func (o *Orchestrator) resume(ctx context.Context) error {
	for offset := 0; ; offset += 200 {
		records, err := o.registry.List(ctx, registry.Filter{}, registry.Page{Offset: offset, Limit: 200})
		if err != nil {
			return fmt.Errorf("resume: list records: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		for _, rec := range records {
			if rec.Status.Terminal() || rec.Status == update.StatusWatched {
				continue
			}
			o.logger.Printf("INFO resuming update %s at %s", rec.ID, rec.Status)
			o.spawn(rec)
		}
	}
}

// Close waits for in-flight workers to park or finish.
func (o *Orchestrator) Close() {
	if o == nil {
		return
	}
	o.wg.Wait()
}

// Submit accepts a descriptor, assigns an update_id, and processes the
// update asynchronously. The descriptor is immutable once accepted.
func (o *Orchestrator) Submit(ctx context.Context, desc update.Descriptor) (uuid.UUID, error) {
	if o == nil {
		return uuid.Nil, errors.New("nil orchestrator")
	}
	if err := desc.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("invalid descriptor: %w", err)
	}
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if !started {
		return uuid.Nil, errors.New("orchestrator not started")
	}

	if desc.RequestedAt.IsZero() {
		desc.RequestedAt = time.Now().UTC()
	}

	rec := update.NewRecord(desc, time.Now().UTC())
	if err := o.registry.Put(ctx, rec); err != nil {
		return uuid.Nil, fmt.Errorf("persist submission: %w", err)
	}

	o.metrics.submitted.WithLabelValues(string(desc.Kind)).Inc()
	o.spawn(rec)
	return rec.ID, nil
}

// spawn registers a worker as the update's single owner and runs the
// pipeline for it.
func (o *Orchestrator) spawn(rec *update.Record) {
	o.mu.Lock()
	w, ok := o.reserveLocked(rec)
	o.mu.Unlock()
	if !ok {
		return
	}
	o.start(w)
}

// reserveLocked registers a worker slot for the record without running it.
// It reports false when the update already has a worker. Callers hold o.mu.
func (o *Orchestrator) reserveLocked(rec *update.Record) (*worker, bool) {
	if _, exists := o.workers[rec.ID]; exists {
		return nil, false
	}
	w := &worker{
		rec:        rec,
		approvalCh: make(chan string, 1),
		abortCh:    make(chan string, 1),
	}
	o.workers[rec.ID] = w
	return w, true
}

func (o *Orchestrator) unreserve(id uuid.UUID) {
	o.mu.Lock()
	delete(o.workers, id)
	o.mu.Unlock()
}

// start runs a reserved worker until its update parks or settles.
func (o *Orchestrator) start(w *worker) {
	o.mu.Lock()
	ctx := o.baseCtx
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.unreserve(w.rec.ID)
		o.run(ctx, w)
	}()
}

// ResolveApproval unblocks a HIGH-risk update suspended on the named
// conditional approval reference.
func (o *Orchestrator) ResolveApproval(updateID uuid.UUID, approvalRef string) error {
	if o == nil {
		return errors.New("nil orchestrator")
	}

	o.mu.Lock()
	w, ok := o.workers[updateID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("update %s has no pending approval", updateID)
	}

	select {
	case w.approvalCh <- approvalRef:
		return nil
	default:
		return fmt.Errorf("update %s has no pending approval", updateID)
	}
}

// AbortApproval cancels a suspended approval wait, rejecting the update.
// This is the only cancellable suspension point in the pipeline.
func (o *Orchestrator) AbortApproval(updateID uuid.UUID, reason string) error {
	if o == nil {
		return errors.New("nil orchestrator")
	}

	o.mu.Lock()
	w, ok := o.workers[updateID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("update %s has no pending approval", updateID)
	}

	select {
	case w.abortCh <- reason:
		return nil
	default:
		return fmt.Errorf("update %s has no pending approval", updateID)
	}
}

// RollbackRefusedError reports a rollback request that can never succeed:
// the update is not WATCHED, carries no package, or a rollback is already in
// flight. Retrying the same request will not change the outcome.
type RollbackRefusedError struct {
	ID     uuid.UUID
	Reason string
}

func (e *RollbackRefusedError) Error() string {
	return fmt.Sprintf("update %s: %s", e.ID, e.Reason)
}

// RequestRollback creates a new update whose payload is the stored rollback
// instructions of the given update, and runs it through the entire pipeline.
// The original flips to ROLLED_BACK only once the new record is distributed.
func (o *Orchestrator) RequestRollback(ctx context.Context, updateID uuid.UUID, requestedBy, reason string) (uuid.UUID, error) {
	return o.rollback(ctx, updateID, requestedBy, reason, nil)
}

// HandleAnomaly is the inbound watchdog callback: evidence of a regression
// attributed to a distributed update triggers its rollback. A stale anomaly,
// one whose update is gone, no longer WATCHED, or already being rolled back,
// is consumed without error so the bus does not redeliver it forever.
func (o *Orchestrator) HandleAnomaly(ctx context.Context, updateID uuid.UUID, evidence map[string]any) error {
	_, err := o.rollback(ctx, updateID, "anomaly-watchdog", "anomaly detected", evidence)
	var refused *RollbackRefusedError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &refused), registry.IsNotFound(err):
		o.logger.Printf("WARN anomaly for %s dropped: %v", updateID, err)
		return nil
	default:
		return err
	}
}

func (o *Orchestrator) rollback(ctx context.Context, updateID uuid.UUID, requestedBy, reason string, evidence map[string]any) (uuid.UUID, error) {
	if o == nil {
		return uuid.Nil, errors.New("nil orchestrator")
	}

	original, err := o.registry.Get(ctx, updateID)
	if err != nil {
		return uuid.Nil, err
	}
	if original.Status != update.StatusWatched {
		return uuid.Nil, &RollbackRefusedError{ID: updateID,
			Reason: fmt.Sprintf("status is %s, only WATCHED updates can be rolled back", original.Status)}
	}
	if original.Package == nil {
		return uuid.Nil, &RollbackRefusedError{ID: updateID, Reason: "no package to roll back"}
	}

	desc := rollbackDescriptor(original, requestedBy)
	rec := update.NewRecord(desc, time.Now().UTC())
	rec.RollbackOf = &original.ID

	// The in-flight scan and the reservation share one critical section so
	// two concurrent triggers cannot both pass the scan.
	o.mu.Lock()
	for _, w := range o.workers {
		if w.rec.RollbackOf != nil && *w.rec.RollbackOf == updateID {
			o.mu.Unlock()
			return uuid.Nil, &RollbackRefusedError{ID: updateID, Reason: "rollback already in flight"}
		}
	}
	w, ok := o.reserveLocked(rec)
	o.mu.Unlock()
	if !ok {
		return uuid.Nil, &RollbackRefusedError{ID: updateID, Reason: "rollback already in flight"}
	}

	// Re-check after reserving: the scan cannot see a rollback whose worker
	// already finished, but a finished rollback has flipped the original off
	// WATCHED before its worker went away.
	fresh, err := o.registry.Get(ctx, updateID)
	if err != nil {
		o.unreserve(rec.ID)
		return uuid.Nil, err
	}
	if fresh.Status != update.StatusWatched {
		o.unreserve(rec.ID)
		return uuid.Nil, &RollbackRefusedError{ID: updateID,
			Reason: fmt.Sprintf("status is %s, only WATCHED updates can be rolled back", fresh.Status)}
	}

	// Keyed by the rollback record so every distinct request leaves its own
	// audit event; the worker has not started, so rec is still ours.
	fields := map[string]any{
		"rollback_of":  original.ID.String(),
		"requested_by": requestedBy,
		"reason":       reason,
	}
	if len(evidence) > 0 {
		fields["evidence"] = evidence
	}
	if seq, err := o.auditLog.Append(ctx, audit.EventRollbackRequested, rec.ID, fields); err != nil {
		o.logger.Printf("WARN audit rollback request for %s: %v", original.ID, err)
	} else {
		rec.AuditSequences = append(rec.AuditSequences, seq)
	}

	if err := o.registry.Put(ctx, rec); err != nil {
		o.unreserve(rec.ID)
		return uuid.Nil, fmt.Errorf("persist rollback submission: %w", err)
	}

	o.metrics.rollbacks.WithLabelValues(string(desc.Kind)).Inc()
	o.start(w)
	return rec.ID, nil
}
