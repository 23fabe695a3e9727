package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

const (
	outcomeSucceeded = "succeeded"
	outcomeRetry     = "retry"
	outcomeTerminal  = "terminal"
	outcomeDiscarded = "discarded"

	reasonCancelled = "version cancelled"
	reasonDeleted   = "version deleted"
	reasonFailed    = "version failed"
)

type OrchestratorOptions struct {
	WorkerID               string
	LeaseTTL               time.Duration
	StageTimeout           time.Duration
	Retry                  domain.RetryPolicy
	LowConfidenceThreshold float64
	SweepBatch             int
	Logger                 *slog.Logger
	Observer               ports.PipelineObserver
	Now                    func() time.Time
}

// Orchestrator drives the per-(version, stage) state machine. All progress is
// persisted in the ProcessingStore; the queue only wakes workers up.
type Orchestrator struct {
	docs       ports.DocumentStore
	stages     ports.ProcessingStore
	versions   *VersionManager
	extractor  ports.TextExtractor
	classifier ports.Classifier
	indexer    ports.SearchIndexer
	queue      ports.WorkQueue
	events     ports.EventPublisher
	audit      auditTrail
	observer   ports.PipelineObserver
	logger     *slog.Logger
	opts       OrchestratorOptions
	now        func() time.Time
}

func NewOrchestrator(
	docs ports.DocumentStore,
	stages ports.ProcessingStore,
	versions *VersionManager,
	extractor ports.TextExtractor,
	classifier ports.Classifier,
	indexer ports.SearchIndexer,
	queue ports.WorkQueue,
	events ports.EventPublisher,
	auditLog ports.AuditLog,
	opts OrchestratorOptions,
) *Orchestrator {
	if opts.WorkerID == "" {
		opts.WorkerID = "worker-" + newID()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 60 * time.Second
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 2 * time.Minute
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 100
	}
	opts.Retry = opts.Retry.Normalize()
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	observer := opts.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	logger := loggerOrDefault(opts.Logger).With(
		slog.String("component", "orchestrator"),
		slog.String("worker_id", opts.WorkerID),
	)
	return &Orchestrator{
		docs:       docs,
		stages:     stages,
		versions:   versions,
		extractor:  extractor,
		classifier: classifier,
		indexer:    indexer,
		queue:      queue,
		events:     events,
		audit:      auditTrail{log: auditLog, logger: logger, actor: opts.WorkerID},
		observer:   observer,
		logger:     logger,
		opts:       opts,
		now:        now,
	}
}

// OnVersionCreated schedules the first stage of a new version.
func (o *Orchestrator) OnVersionCreated(ctx context.Context, v *domain.Version) error {
	return o.enqueue(ctx, domain.WorkItem{VersionID: v.ID, Stage: domain.PipelineStages[0]})
}

// Handle runs one delivery of a work item. Stale, duplicate and premature
// deliveries are dropped without error; the sweeper re-delivers anything that
// is due later. Stage failures are recorded in the state row and never
// returned.
func (o *Orchestrator) Handle(ctx context.Context, item domain.WorkItem) error {
	v, err := o.docs.GetVersion(ctx, item.VersionID)
	if err != nil {
		if domain.IsKind(err, domain.ErrVersionNotFound) {
			o.logger.Warn("work_item_dropped", slog.String("version_id", item.VersionID), slog.String("reason", "unknown version"))
			return nil
		}
		return fmt.Errorf("load version: %w", err)
	}

	states, err := o.stages.ListStages(ctx, v.ID)
	if err != nil {
		return fmt.Errorf("list stages: %w", err)
	}
	st, ok := findStage(states, item.Stage)
	if !ok {
		return domain.WrapError(domain.ErrInvalidInput, "handle work item", fmt.Errorf("no state for %s", item))
	}

	if v.Status != domain.VersionPending {
		return o.settleInactiveVersion(ctx, v, o.opts.WorkerID)
	}

	switch st.Status {
	case domain.StageSucceeded:
		return o.advance(ctx, v, item.Stage)
	case domain.StageFailedTerminal:
		return o.failVersion(ctx, v, st, o.opts.WorkerID)
	}

	if prev, hasPrev := item.Stage.Previous(); hasPrev {
		if ps, _ := findStage(states, prev); ps.Status != domain.StageSucceeded {
			return nil
		}
	}
	if !st.Due(o.now()) {
		return nil
	}

	return o.run(ctx, v, st)
}

// Sweep enqueues every stage that needs a worker. It is the recovery path
// for lost queue messages, expired leases and elapsed backoffs.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	due, err := o.stages.ListDue(ctx, o.now(), o.opts.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list due stages: %w", err)
	}
	enqueued := 0
	for _, item := range due {
		if err := o.enqueue(ctx, item); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	if enqueued > 0 {
		o.logger.Debug("sweep_enqueued", slog.Int("count", enqueued))
	}
	return enqueued, nil
}

// WorkerID names this process in logs and audit entries. Each run leases
// its stage under a token derived from it.
func (o *Orchestrator) WorkerID() string {
	return o.opts.WorkerID
}

// leaseToken is unique per run so that two goroutines of one process never
// pass each other's lease checks.
func (o *Orchestrator) leaseToken() string {
	return o.opts.WorkerID + "/" + newID()
}

func (o *Orchestrator) run(ctx context.Context, v *domain.Version, before domain.ProcessingState) error {
	key := before.Key()
	owner := o.leaseToken()
	now := o.now()
	st, reclaimed, err := o.stages.AcquireLease(ctx, key, owner, o.opts.Retry, now, now.Add(o.opts.LeaseTTL))
	if err != nil {
		if domain.IsKind(err, domain.ErrLeaseHeld) || domain.IsKind(err, domain.ErrStageNotRunnable) {
			return nil
		}
		return fmt.Errorf("acquire lease: %w", err)
	}

	if st.Status == domain.StageFailedTerminal {
		o.observer.LeaseReclaimed(key.Stage)
		o.observer.StageFinished(key.Stage, outcomeTerminal, 0)
		o.audit.stage(ctx, v.DocumentID, before, st, domain.ActionStageFailed, o.opts.WorkerID, st.LastError)
		o.logger.Error("stage_failed_terminal",
			slog.String("version_id", key.VersionID),
			slog.String("stage", string(key.Stage)),
			slog.Int("attempt", st.AttemptCount),
			slog.String("previous_owner", before.LeaseOwner),
			slog.String("error", st.LastError),
		)
		return o.failVersion(ctx, v, st, owner)
	}

	action := domain.ActionStageStarted
	if reclaimed {
		action = domain.ActionStageReclaimed
		o.observer.LeaseReclaimed(key.Stage)
		o.logger.Warn("lease_reclaimed",
			slog.String("version_id", key.VersionID),
			slog.String("stage", string(key.Stage)),
			slog.String("previous_owner", before.LeaseOwner),
		)
	}
	o.audit.stage(ctx, v.DocumentID, before, st, action, o.opts.WorkerID, fmt.Sprintf("attempt=%d", st.AttemptCount))
	o.logger.Info("stage_started",
		slog.String("version_id", key.VersionID),
		slog.String("stage", string(key.Stage)),
		slog.Int("attempt", st.AttemptCount),
	)
	o.observer.StageStarted(key.Stage)

	started := time.Now()
	runErr, leaseLost := o.runWithHeartbeat(ctx, v, key, owner)
	elapsed := time.Since(started)

	if leaseLost {
		o.observer.StageFinished(key.Stage, outcomeDiscarded, elapsed)
		o.logger.Warn("stage_result_discarded",
			slog.String("version_id", key.VersionID),
			slog.String("stage", string(key.Stage)),
			slog.String("reason", "lease lost"),
		)
		return nil
	}

	if stopped, err := o.stoppedMidRun(ctx, v, key, owner); err != nil || stopped {
		if stopped {
			o.observer.StageFinished(key.Stage, outcomeDiscarded, elapsed)
		}
		return err
	}

	if runErr != nil {
		return o.recordFailure(ctx, v, st, owner, runErr, elapsed)
	}

	done, err := o.stages.CompleteStage(ctx, key, owner, o.now())
	if err != nil {
		if domain.IsKind(err, domain.ErrLeaseExpired) {
			o.observer.StageFinished(key.Stage, outcomeDiscarded, elapsed)
			o.logger.Warn("stage_result_discarded",
				slog.String("version_id", key.VersionID),
				slog.String("stage", string(key.Stage)),
				slog.String("reason", "lease expired before completion"),
			)
			return nil
		}
		return fmt.Errorf("complete stage: %w", err)
	}
	o.observer.StageFinished(key.Stage, outcomeSucceeded, elapsed)
	o.audit.stage(ctx, v.DocumentID, st, done, domain.ActionStageSucceeded, o.opts.WorkerID, "")
	o.logger.Info("stage_succeeded",
		slog.String("version_id", key.VersionID),
		slog.String("stage", string(key.Stage)),
		slog.Duration("elapsed", elapsed),
	)
	return o.advance(ctx, v, key.Stage)
}

// runWithHeartbeat executes the stage while renewing the lease. leaseLost is
// true when a renewal found the lease taken; the stage context is cancelled
// at that point.
func (o *Orchestrator) runWithHeartbeat(ctx context.Context, v *domain.Version, key domain.StageKey, owner string) (runErr error, leaseLost bool) {
	stageCtx, cancel := context.WithTimeout(ctx, o.opts.StageTimeout)
	defer cancel()

	var (
		mu   sync.Mutex
		lost bool
		wg   sync.WaitGroup
	)
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(o.heartbeatInterval())
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-stageCtx.Done():
				return
			case <-ticker.C:
				now := o.now()
				_, err := o.stages.RenewLease(ctx, key, owner, now, now.Add(o.opts.LeaseTTL))
				if err == nil {
					continue
				}
				if domain.IsKind(err, domain.ErrLeaseExpired) {
					mu.Lock()
					lost = true
					mu.Unlock()
					cancel()
					return
				}
				o.logger.Warn("lease_renew_failed",
					slog.String("version_id", key.VersionID),
					slog.String("stage", string(key.Stage)),
					slog.String("error", err.Error()),
				)
			}
		}
	}()

	runErr = o.runStage(stageCtx, v, key.Stage)
	if runErr != nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		runErr = domain.WrapError(domain.ErrTemporary, "run stage", fmt.Errorf("%s timed out after %s: %w", key.Stage, o.opts.StageTimeout, runErr))
	}
	close(stop)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return runErr, lost
}

func (o *Orchestrator) heartbeatInterval() time.Duration {
	d := o.opts.LeaseTTL / 3
	if d <= 0 {
		d = time.Second
	}
	return d
}

func (o *Orchestrator) runStage(ctx context.Context, v *domain.Version, stage domain.Stage) error {
	switch stage {
	case domain.StageExtraction:
		return o.extract(ctx, v)
	case domain.StageClassification:
		return o.classify(ctx, v)
	case domain.StageIndexing:
		return o.index(ctx, v)
	default:
		return domain.WrapError(domain.ErrInvalidInput, "run stage", fmt.Errorf("unknown stage %q", stage))
	}
}

func (o *Orchestrator) extract(ctx context.Context, v *domain.Version) error {
	ex, err := o.extractor.Extract(ctx, v.BlobHash, v.MimeType)
	if err != nil {
		return ensureKind(err, domain.ErrExtraction, "extract")
	}
	ex.VersionID = v.ID
	if ex.Text == "" {
		ex.Confidence = 0
	}
	ex.LowConfidence = ex.Text == "" || ex.Confidence < o.opts.LowConfidenceThreshold
	if ex.ExtractedAt.IsZero() {
		ex.ExtractedAt = o.now()
	}
	if ex.LowConfidence {
		o.logger.Info("extraction_low_confidence",
			slog.String("version_id", v.ID),
			slog.Float64("confidence", ex.Confidence),
		)
	}
	if err := o.stages.SaveExtraction(ctx, ex); err != nil {
		return ensureKind(err, domain.ErrStorageUnavailable, "save extraction")
	}
	return nil
}

func (o *Orchestrator) classify(ctx context.Context, v *domain.Version) error {
	ex, err := o.stages.GetExtraction(ctx, v.ID)
	if err != nil {
		return ensureKind(err, domain.ErrStorageUnavailable, "load extraction")
	}
	cls, err := o.classifier.Classify(ctx, ex.Text)
	if err != nil {
		return ensureKind(err, domain.ErrClassification, "classify")
	}
	cls.VersionID = v.ID
	if cls.ClassifiedAt.IsZero() {
		cls.ClassifiedAt = o.now()
	}
	if err := o.stages.SaveClassification(ctx, cls); err != nil {
		return ensureKind(err, domain.ErrStorageUnavailable, "save classification")
	}
	return nil
}

func (o *Orchestrator) index(ctx context.Context, v *domain.Version) error {
	ex, err := o.stages.GetExtraction(ctx, v.ID)
	if err != nil {
		return ensureKind(err, domain.ErrStorageUnavailable, "load extraction")
	}
	cls, err := o.stages.GetClassification(ctx, v.ID)
	if err != nil {
		return ensureKind(err, domain.ErrStorageUnavailable, "load classification")
	}
	entry := BuildIndexEntry(v, *ex, *cls, o.now())
	if err := o.indexer.Upsert(ctx, entry); err != nil {
		return ensureKind(err, domain.ErrIndexing, "upsert index entry")
	}
	return nil
}

// stoppedMidRun discards the result of a run whose version was cancelled or
// deleted while the stage was in flight.
func (o *Orchestrator) stoppedMidRun(ctx context.Context, v *domain.Version, key domain.StageKey, owner string) (bool, error) {
	current, err := o.docs.GetVersion(ctx, v.ID)
	if err != nil {
		return false, fmt.Errorf("reload version: %w", err)
	}
	if current.Status == domain.VersionPending {
		return false, nil
	}
	o.logger.Info("stage_result_discarded",
		slog.String("version_id", key.VersionID),
		slog.String("stage", string(key.Stage)),
		slog.String("reason", string(current.Status)),
	)
	return true, o.settleInactiveVersion(ctx, current, owner)
}

// settleInactiveVersion closes out the pipeline of a version that left
// PENDING: open stages are abandoned and, for cancelled or deleted versions,
// any entry an in-flight indexing run may have written is retracted. owner
// is the lease token of the calling run, if any.
func (o *Orchestrator) settleInactiveVersion(ctx context.Context, v *domain.Version, owner string) error {
	var reason string
	switch v.Status {
	case domain.VersionCancelled:
		reason = reasonCancelled
	case domain.VersionDeleted:
		reason = reasonDeleted
	case domain.VersionFailed:
		return o.abandonOpenStages(ctx, v, owner, reasonFailed)
	default:
		return nil
	}
	if err := o.abandonOpenStages(ctx, v, owner, reason); err != nil {
		return err
	}
	if err := o.indexer.Retract(ctx, v.ID); err != nil {
		return fmt.Errorf("retract index entry: %w", err)
	}
	return nil
}

func (o *Orchestrator) abandonOpenStages(ctx context.Context, v *domain.Version, owner, reason string) error {
	abandoned, err := o.stages.AbandonStages(ctx, v.ID, owner, reason, o.now())
	if err != nil {
		return fmt.Errorf("abandon stages: %w", err)
	}
	for _, st := range abandoned {
		o.audit.stage(ctx, v.DocumentID, domain.ProcessingState{}, st, domain.ActionStageAbandoned, o.opts.WorkerID, reason)
	}
	return nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, v *domain.Version, st domain.ProcessingState, owner string, cause error, elapsed time.Duration) error {
	key := st.Key()
	failed, err := o.stages.FailStage(ctx, key, owner, cause, o.opts.Retry, o.now())
	if err != nil {
		if domain.IsKind(err, domain.ErrLeaseExpired) {
			o.observer.StageFinished(key.Stage, outcomeDiscarded, elapsed)
			return nil
		}
		return fmt.Errorf("record stage failure: %w", err)
	}
	o.audit.stage(ctx, v.DocumentID, st, failed, domain.ActionStageFailed, o.opts.WorkerID, failed.LastError)

	if failed.Status == domain.StageFailedTerminal {
		o.observer.StageFinished(key.Stage, outcomeTerminal, elapsed)
		o.logger.Error("stage_failed_terminal",
			slog.String("version_id", key.VersionID),
			slog.String("stage", string(key.Stage)),
			slog.Int("attempt", failed.AttemptCount),
			slog.String("error", failed.LastError),
		)
		return o.failVersion(ctx, v, failed, owner)
	}

	o.observer.StageFinished(key.Stage, outcomeRetry, elapsed)
	o.logger.Warn("retry_scheduled",
		slog.String("version_id", key.VersionID),
		slog.String("stage", string(key.Stage)),
		slog.Int("attempt", failed.AttemptCount),
		slog.Time("next_attempt_at", *failed.NextAttemptAt),
		slog.String("error", failed.LastError),
	)
	return nil
}

func (o *Orchestrator) failVersion(ctx context.Context, v *domain.Version, st domain.ProcessingState, owner string) error {
	reason := fmt.Sprintf("%s: %s", st.Stage, st.LastError)
	changed, err := o.docs.MarkVersionFailed(ctx, v.ID, reason, o.now())
	if err != nil {
		return fmt.Errorf("mark version failed: %w", err)
	}
	if !changed {
		return nil
	}
	if err := o.abandonOpenStages(ctx, v, owner, reasonFailed); err != nil {
		return err
	}
	now := o.now()
	o.audit.version(ctx, v, domain.ActionVersionFailed, domain.VersionPending, domain.VersionFailed, reason, now)
	o.observer.VersionFailed()
	o.publish(ctx, domain.VersionFailedEvent(v, reason, now))
	return nil
}

// advance schedules the next stage or, after indexing, finalizes the version.
func (o *Orchestrator) advance(ctx context.Context, v *domain.Version, stage domain.Stage) error {
	if next, ok := stage.Next(); ok {
		return o.enqueue(ctx, domain.WorkItem{VersionID: v.ID, Stage: next})
	}
	return o.finalize(ctx, v)
}

// finalize runs strictly after the indexing stage has committed SUCCEEDED,
// so the current pointer never reaches a version without an index entry.
func (o *Orchestrator) finalize(ctx context.Context, v *domain.Version) error {
	p, err := o.versions.PromoteToCurrent(ctx, v.ID)
	if err != nil {
		if domain.IsKind(err, domain.ErrVersionTerminal) {
			current, getErr := o.docs.GetVersion(ctx, v.ID)
			if getErr != nil {
				return fmt.Errorf("reload version: %w", getErr)
			}
			return o.settleInactiveVersion(ctx, current, o.opts.WorkerID)
		}
		return err
	}
	if !p.Finalized {
		return nil
	}
	o.observer.VersionFinalized(p.Promoted)
	o.logger.Info("version_ready",
		slog.String("document_id", p.DocumentID),
		slog.String("version_id", p.VersionID),
		slog.Bool("promoted", p.Promoted),
	)
	o.publish(ctx, domain.VersionReadyEvent(v, o.now()))
	return nil
}

func (o *Orchestrator) enqueue(ctx context.Context, item domain.WorkItem) error {
	if err := o.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("enqueue %s: %w", item, err)
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, event domain.VersionEvent) {
	if o.events == nil {
		return
	}
	if err := o.events.PublishVersionEvent(ctx, event); err != nil {
		o.logger.Warn("event_publish_failed",
			slog.String("type", event.Type),
			slog.String("version_id", event.VersionID),
			slog.String("error", err.Error()),
		)
	}
}

func findStage(states []domain.ProcessingState, stage domain.Stage) (domain.ProcessingState, bool) {
	for _, st := range states {
		if st.Stage == stage {
			return st, true
		}
	}
	return domain.ProcessingState{}, false
}

// ensureKind keeps an adapter's own classification and tags anything
// unclassified with the stage's failure kind.
func ensureKind(err error, kind error, op string) error {
	for _, known := range []error{
		domain.ErrInvalidInput,
		domain.ErrBlobNotFound,
		domain.ErrStorageUnavailable,
		domain.ErrExtraction,
		domain.ErrClassification,
		domain.ErrIndexing,
		domain.ErrTemporary,
	} {
		if domain.IsKind(err, known) {
			return err
		}
	}
	return domain.WrapError(kind, op, err)
}

type noopObserver struct{}

func (noopObserver) StageStarted(domain.Stage)                         {}
func (noopObserver) StageFinished(domain.Stage, string, time.Duration) {}
func (noopObserver) LeaseReclaimed(domain.Stage)                       {}
func (noopObserver) VersionFinalized(bool)                             {}
func (noopObserver) VersionFailed()                                    {}
