package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/embedd/internal/configstore"
	"github.com/fyrsmithlabs/embedd/internal/embedding"
	"github.com/fyrsmithlabs/embedd/internal/events"
	"github.com/fyrsmithlabs/embedd/internal/lifecycle"
	"github.com/fyrsmithlabs/embedd/internal/recovery"
	"github.com/fyrsmithlabs/embedd/internal/vectorstore"
)

var (
	// ErrJobNotFound is returned when no job matches the given ID.
	ErrJobNotFound = errors.New("migration job not found")

	// ErrJobTerminal is returned when an action targets a finished job.
	ErrJobTerminal = errors.New("migration job already terminal")

	// ErrNoMigrationNeeded is returned when the target configuration
	// matches the active one.
	ErrNoMigrationNeeded = errors.New("no migration needed")
)

// Provisioner is the slice of the lifecycle manager the orchestrator
// uses: resolving the active collection and building target collections.
type Provisioner interface {
	ActiveCollection(ctx context.Context, tenantID string) (*configstore.CollectionRecord, error)
	ProvisionCollection(ctx context.Context, tenantID, collectionID string, cfg embedding.Config, status configstore.CollectionStatus) error
}

// ProviderFactory builds an embedding provider for a configuration.
type ProviderFactory func(cfg embedding.Config) (embedding.Provider, error)

// Config controls migration execution.
type Config struct {
	// BatchSize is the number of points copied per batch.
	BatchSize int `koanf:"batch_size"`

	// FailureRateThreshold is the fraction of failed items, relative to
	// the total, that aborts the job and triggers rollback.
	FailureRateThreshold float64 `koanf:"failure_rate_threshold"`

	// MaxConcurrentJobs caps jobs running at once across all tenants.
	// Excess requests queue rather than fail.
	MaxConcurrentJobs int `koanf:"max_concurrent_jobs"`

	// CheckpointEvery writes a durable checkpoint every N batches.
	CheckpointEvery int `koanf:"checkpoint_every"`

	// VerifySpotCheck enables sampled retrieval checks during the
	// verifying phase, in addition to the point count comparison.
	VerifySpotCheck bool `koanf:"verify_spot_check"`

	// SpotCheckSamples is the number of points sampled per spot check.
	SpotCheckSamples int `koanf:"spot_check_samples"`
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 50
	}
	if c.FailureRateThreshold == 0 {
		c.FailureRateThreshold = 0.10
	}
	if c.MaxConcurrentJobs == 0 {
		c.MaxConcurrentJobs = 3
	}
	if c.CheckpointEvery == 0 {
		c.CheckpointEvery = 1
	}
	if c.SpotCheckSamples == 0 {
		c.SpotCheckSamples = 5
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", c.BatchSize)
	}
	if c.FailureRateThreshold < 0 || c.FailureRateThreshold > 1 {
		return fmt.Errorf("failure_rate_threshold must be in [0, 1], got %g", c.FailureRateThreshold)
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max_concurrent_jobs must be at least 1, got %d", c.MaxConcurrentJobs)
	}
	return nil
}

// Orchestrator plans and executes migrations. One goroutine owns each
// running job; all external calls go through the recovery coordinator.
type Orchestrator struct {
	config      Config
	vs          vectorstore.Store
	records     configstore.Store
	provisioner Provisioner
	coordinator *recovery.Coordinator
	newProvider ProviderFactory
	publisher   events.Publisher
	clock       recovery.Clock
	logger      *zap.Logger
	tracer      trace.Tracer

	sem chan struct{}

	mu       sync.Mutex
	jobs     map[string]*Job
	byTenant map[string]chan struct{}
	avgBatch time.Duration

	wg sync.WaitGroup
}

// NewOrchestrator creates a migration orchestrator.
func NewOrchestrator(config Config, vs vectorstore.Store, records configstore.Store, provisioner Provisioner, coordinator *recovery.Coordinator, newProvider ProviderFactory, publisher events.Publisher, clock recovery.Clock, logger *zap.Logger) *Orchestrator {
	config.ApplyDefaults()
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if clock == nil {
		clock = recovery.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		config:      config,
		vs:          vs,
		records:     records,
		provisioner: provisioner,
		coordinator: coordinator,
		newProvider: newProvider,
		publisher:   publisher,
		clock:       clock,
		logger:      logger,
		tracer:      otel.Tracer("embedd.migration"),
		sem:         make(chan struct{}, config.MaxConcurrentJobs),
		jobs:        make(map[string]*Job),
		byTenant:    make(map[string]chan struct{}),
	}
}

// CreatePlan validates the target configuration against the tenant's
// active one and estimates the work. No state is mutated; a dry run stops
// here.
func (o *Orchestrator) CreatePlan(ctx context.Context, tenantID string, target embedding.Config) (*Plan, error) {
	rec, err := o.provisioner.ActiveCollection(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolving active collection for %s: %w", tenantID, err)
	}

	compat, err := ValidateCompatibility(rec.Configuration, target)
	if err != nil {
		return nil, err
	}
	if compat.Unchanged {
		return nil, fmt.Errorf("%w: tenant %s already at %s", ErrNoMigrationNeeded, tenantID, target.String())
	}

	itemCount := rec.PointCount
	if stats, err := o.vs.Stats(ctx, rec.CollectionID); err == nil {
		itemCount = stats.PointCount
	}

	o.mu.Lock()
	avgBatch := o.avgBatch
	o.mu.Unlock()

	targetCollection := lifecycle.CollectionName(tenantID, target)
	return buildPlan(tenantID, rec.CollectionID, targetCollection, rec.Configuration, target, compat, itemCount, o.config.BatchSize, avgBatch), nil
}

// RequestMigration creates a job toward the target configuration and
// starts it asynchronously, respecting the per-tenant and global
// concurrency limits. The job ID is returned immediately.
func (o *Orchestrator) RequestMigration(ctx context.Context, tenantID string, target embedding.Config) (string, error) {
	plan, err := o.CreatePlan(ctx, tenantID, target)
	if err != nil {
		return "", err
	}
	return o.start(plan, "", "")
}

// start registers a job for the plan and launches its goroutine. jobID
// and resumeCursor are set when resuming a persisted job.
func (o *Orchestrator) start(plan *Plan, jobID, ownerToken string) (string, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	if ownerToken == "" {
		ownerToken = uuid.NewString()
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	now := o.clock.Now()
	job := &Job{
		ID:               jobID,
		TenantID:         plan.TenantID,
		SourceConfig:     plan.Source,
		TargetConfig:     plan.Target,
		SourceCollection: plan.SourceCollection,
		TargetCollection: plan.TargetCollection,
		OwnerToken:       ownerToken,
		cancel:           cancel,
		phase:            PhaseValidating,
		progress:         Progress{TotalItems: plan.EstimatedItems, BatchCount: plan.EstimatedBatches},
		startedAt:        now,
		updatedAt:        now,
	}

	o.mu.Lock()
	o.jobs[jobID] = job
	tenantSlot, ok := o.byTenant[plan.TenantID]
	if !ok {
		tenantSlot = make(chan struct{}, 1)
		o.byTenant[plan.TenantID] = tenantSlot
	}
	o.mu.Unlock()

	if err := o.persistJob(context.Background(), job); err != nil {
		return "", fmt.Errorf("persisting job %s: %w", jobID, err)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()

		// One active job per tenant, then the global cap. Queued jobs
		// wait here rather than being rejected.
		select {
		case tenantSlot <- struct{}{}:
		case <-jobCtx.Done():
			o.abort(job, jobCtx.Err())
			return
		}
		defer func() { <-tenantSlot }()

		select {
		case o.sem <- struct{}{}:
		case <-jobCtx.Done():
			o.abort(job, jobCtx.Err())
			return
		}
		defer func() { <-o.sem }()

		o.run(jobCtx, job)
	}()

	return jobID, nil
}

// Status returns a snapshot of a job, consulting durable records for
// jobs no longer held in memory.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*Status, error) {
	o.mu.Lock()
	job, ok := o.jobs[jobID]
	o.mu.Unlock()
	if ok {
		s := job.Snapshot()
		return &s, nil
	}

	rec, err := o.records.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, configstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, err
	}

	s := &Status{
		JobID:    rec.ID,
		TenantID: rec.TenantID,
		Phase:    Phase(rec.Phase),
		Progress: Progress{
			TotalItems:  rec.TotalPoints,
			Processed:   rec.CopiedPoints,
			FailedItems: rec.FailedItems,
		},
		Error:     rec.Error,
		StartedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	s.PercentComplete = s.Progress.Percent()
	return s, nil
}

// Cancel requests cooperative cancellation of a running job. The current
// batch finishes, then the job rolls back.
func (o *Orchestrator) Cancel(jobID string) error {
	o.mu.Lock()
	job, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Phase().Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobTerminal, jobID, job.Phase())
	}
	job.Cancel()
	return nil
}

// Rollback forces a running job back to its prior configuration. Valid
// from any non-terminal phase.
func (o *Orchestrator) Rollback(ctx context.Context, jobID string) error {
	o.mu.Lock()
	job, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Phase().Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobTerminal, jobID, job.Phase())
	}
	job.Cancel()
	return nil
}

// ResumePending restarts jobs that were interrupted by a crash: every
// durable job record in a non-terminal phase is re-executed, resuming
// the copy from its checkpoint.
func (o *Orchestrator) ResumePending(ctx context.Context) error {
	recs, err := o.records.ListJobs(ctx, "")
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}

	for _, rec := range recs {
		if Phase(rec.Phase).Terminal() {
			continue
		}
		o.mu.Lock()
		_, running := o.jobs[rec.ID]
		o.mu.Unlock()
		if running {
			continue
		}

		compat, err := ValidateCompatibility(rec.SourceConfig, rec.TargetConfig)
		if err != nil {
			o.logger.Error("skipping unresumable job",
				zap.String("job_id", rec.ID), zap.Error(err))
			continue
		}
		plan := buildPlan(rec.TenantID, rec.SourceCollection, rec.TargetCollection,
			rec.SourceConfig, rec.TargetConfig, compat, rec.TotalPoints, o.config.BatchSize, 0)

		if _, err := o.start(plan, rec.ID, rec.OwnerToken); err != nil {
			return err
		}
		o.logger.Info("resuming interrupted migration",
			zap.String("job_id", rec.ID),
			zap.String("tenant_id", rec.TenantID),
			zap.String("phase", rec.Phase))
	}
	return nil
}

// Wait blocks until all running jobs finish. Used on shutdown and by
// tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// run drives a job through its phases. It is the only goroutine that
// mutates the job.
func (o *Orchestrator) run(ctx context.Context, job *Job) {
	_, span := o.tracer.Start(ctx, "migration.run",
		trace.WithAttributes(
			attribute.String("job_id", job.ID),
			attribute.String("tenant_id", job.TenantID),
		))
	defer span.End()

	steps := []struct {
		phase Phase
		fn    func(ctx context.Context, job *Job) error
	}{
		{PhaseValidating, o.validate},
		{PhaseBackingUp, o.backup},
		{PhaseCreatingTarget, o.createTarget},
		{PhaseCopying, o.copy},
		{PhaseVerifying, o.verify},
		{PhaseFinalizing, o.finalize},
		{PhaseCleaningUp, o.cleanup},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			o.rollbackJob(job, err)
			return
		}

		o.transition(ctx, job, step.phase)
		if err := step.fn(ctx, job); err != nil {
			if errors.Is(err, context.Canceled) || job.rollbackNeeded(step.phase) {
				o.rollbackJob(job, err)
			} else {
				o.abort(job, err)
			}
			return
		}
	}

	o.transition(context.Background(), job, PhaseCompleted)
	if err := o.records.DeleteCheckpoint(context.Background(), job.ID); err != nil && !errors.Is(err, configstore.ErrNotFound) {
		o.logger.Warn("removing checkpoint", zap.String("job_id", job.ID), zap.Error(err))
	}
	o.retire(job)
	o.logger.Info("migration completed",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.Int("points", job.snapshotProgress().Processed))
}

// rollbackNeeded reports whether failing in this phase leaves state that
// must be undone. Before the target exists there is nothing to roll back.
func (j *Job) rollbackNeeded(phase Phase) bool {
	switch phase {
	case PhaseValidating, PhaseBackingUp, PhaseCreatingTarget:
		return false
	default:
		return true
	}
}

// transition advances the job phase, persists it, and emits an event.
func (o *Orchestrator) transition(ctx context.Context, job *Job, phase Phase) {
	now := o.clock.Now()
	job.setPhase(phase, now)
	if err := o.persistJob(ctx, job); err != nil {
		o.logger.Warn("persisting job phase",
			zap.String("job_id", job.ID),
			zap.String("phase", string(phase)),
			zap.Error(err))
	}

	progress := job.snapshotProgress()
	snapshot := job.Snapshot()
	o.publisher.PublishMigration(ctx, events.MigrationEvent{
		JobID:     job.ID,
		TenantID:  job.TenantID,
		Phase:     string(phase),
		Processed: progress.Processed,
		Total:     progress.TotalItems,
		Error:     snapshot.Error,
		Timestamp: now,
	})
}

func (o *Orchestrator) persistJob(ctx context.Context, job *Job) error {
	s := job.Snapshot()
	rec := configstore.JobRecord{
		ID:               job.ID,
		TenantID:         job.TenantID,
		Phase:            string(s.Phase),
		SourceCollection: job.SourceCollection,
		TargetCollection: job.TargetCollection,
		SourceConfig:     job.SourceConfig,
		TargetConfig:     job.TargetConfig,
		OwnerToken:       job.OwnerToken,
		TotalPoints:      s.Progress.TotalItems,
		CopiedPoints:     s.Progress.Processed,
		FailedItems:      s.Progress.FailedItems,
		Error:            s.Error,
		CreatedAt:        s.StartedAt,
		UpdatedAt:        s.UpdatedAt,
	}
	if s.Phase.Terminal() {
		rec.CompletedAt = s.UpdatedAt
	}
	return o.records.PutJob(ctx, rec)
}

// retire drops a terminal job from the in-memory table; its durable
// record remains for status queries.
func (o *Orchestrator) retire(job *Job) {
	o.mu.Lock()
	delete(o.jobs, job.ID)
	o.mu.Unlock()
}

// abort marks a job failed without rollback.
func (o *Orchestrator) abort(job *Job, err error) {
	job.setError(err, o.clock.Now())
	o.transition(context.Background(), job, PhaseFailed)
	o.retire(job)
	o.logger.Error("migration failed",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.Error(err))
}

func (o *Orchestrator) validate(ctx context.Context, job *Job) error {
	compat, err := ValidateCompatibility(job.SourceConfig, job.TargetConfig)
	if err != nil {
		return err
	}
	if compat.Unchanged {
		return ErrNoMigrationNeeded
	}

	var stats *vectorstore.Stats
	outcome := o.coordinator.Execute(ctx, recovery.Operation{
		Name:       "validate_source",
		Dependency: "vectorstore",
		Kind:       recovery.OpCollection,
		Critical:   true,
		Do: func(ctx context.Context) error {
			var err error
			stats, err = o.vs.Stats(ctx, job.SourceCollection)
			return err
		},
	})
	if outcome.Failed() {
		return fmt.Errorf("source collection %s unhealthy: %w", job.SourceCollection, outcome.Err)
	}
	if stats.IndexStatus == vectorstore.IndexStatusRed {
		return fmt.Errorf("source collection %s has red index status", job.SourceCollection)
	}

	progress := job.snapshotProgress()
	progress.TotalItems = stats.PointCount
	if o.config.BatchSize > 0 {
		progress.BatchCount = (stats.PointCount + o.config.BatchSize - 1) / o.config.BatchSize
	}
	job.setProgress(progress, 0, o.clock.Now())
	return nil
}

// backup records rollback information and takes ownership of the
// tenant's active pointer. No data is copied yet, so failure here aborts
// cleanly.
func (o *Orchestrator) backup(ctx context.Context, job *Job) error {
	ptr, err := o.records.GetActivePointer(ctx, job.TenantID)
	if err != nil {
		return fmt.Errorf("reading active pointer for %s: %w", job.TenantID, err)
	}

	job.mu.Lock()
	job.rollback = RollbackInfo{
		PriorCollectionID:  ptr.CollectionID,
		PriorConfiguration: job.SourceConfig,
		PriorToken:         ptr.OwnerToken,
	}
	job.mu.Unlock()

	if ptr.OwnerToken == job.OwnerToken {
		// Resumed job already owns the pointer.
		job.mu.Lock()
		job.rollback.OwnsPointer = true
		job.mu.Unlock()
		return nil
	}

	claimed := configstore.ActivePointer{
		TenantID:     job.TenantID,
		CollectionID: ptr.CollectionID,
		OwnerToken:   job.OwnerToken,
		UpdatedAt:    o.clock.Now(),
	}
	if err := o.records.SetActivePointer(ctx, claimed, ptr.OwnerToken); err != nil {
		return fmt.Errorf("claiming pointer ownership for %s: %w", job.TenantID, err)
	}
	job.mu.Lock()
	job.rollback.OwnsPointer = true
	job.mu.Unlock()
	return nil
}

func (o *Orchestrator) createTarget(ctx context.Context, job *Job) error {
	exists, err := o.vs.CollectionExists(ctx, job.TargetCollection)
	if err != nil {
		return fmt.Errorf("checking target collection %s: %w", job.TargetCollection, err)
	}
	if exists {
		// A resumed job finds its own half-built target; anything else is
		// a conflict.
		if rec, err := o.records.GetCollection(ctx, job.TargetCollection); err == nil &&
			rec.Status == configstore.StatusMigrating && rec.TenantID == job.TenantID {
			return nil
		}
		return fmt.Errorf("%w: target %s already exists", vectorstore.ErrCollectionExists, job.TargetCollection)
	}
	return o.provisioner.ProvisionCollection(ctx, job.TenantID, job.TargetCollection, job.TargetConfig, configstore.StatusMigrating)
}

// copy moves points from source to target in fixed-size batches,
// re-embedding when the target model differs. Batches that exhaust their
// retry budget are recorded as failed items and skipped unless the
// cumulative failure rate crosses the abort threshold. A checkpoint is
// written as batches complete so a crash resumes instead of restarting.
func (o *Orchestrator) copy(ctx context.Context, job *Job) error {
	reembed := job.SourceConfig.Provider != job.TargetConfig.Provider ||
		job.SourceConfig.Model != job.TargetConfig.Model ||
		job.SourceConfig.Dimension != job.TargetConfig.Dimension

	var provider embedding.Provider
	if reembed {
		var err error
		provider, err = o.newProvider(job.TargetConfig)
		if err != nil {
			return fmt.Errorf("building target provider: %w", err)
		}
		defer provider.Close()
	}

	progress := job.snapshotProgress()
	cursor := ""

	// Resume from the checkpoint when one exists.
	if cp, err := o.records.GetCheckpoint(ctx, job.ID); err == nil {
		cursor = cp.Cursor
		progress.Processed = cp.CopiedPoints
		progress.BatchIndex = cp.BatchIndex
	}

	var batchTotal time.Duration
	var batchCount int

	for {
		// Cancellation is cooperative: checked between batches only.
		if err := ctx.Err(); err != nil {
			return err
		}

		batchStart := o.clock.Now()
		points, next, err := o.vs.Scroll(ctx, job.SourceCollection, cursor, o.config.BatchSize)
		if err != nil {
			return fmt.Errorf("scrolling %s at %q: %w", job.SourceCollection, cursor, err)
		}
		if len(points) == 0 {
			break
		}

		progress.BatchIndex++
		if err := o.copyBatch(ctx, job, provider, points, &progress); err != nil {
			return err
		}

		batchCount++
		batchTotal += o.clock.Now().Sub(batchStart)
		avg := batchTotal / time.Duration(batchCount)
		job.setProgress(progress, avg, o.clock.Now())

		cursor = next
		if progress.BatchIndex%o.config.CheckpointEvery == 0 {
			cp := configstore.Checkpoint{
				JobID:        job.ID,
				Phase:        string(PhaseCopying),
				Cursor:       cursor,
				CopiedPoints: progress.Processed,
				BatchIndex:   progress.BatchIndex,
				UpdatedAt:    o.clock.Now(),
			}
			if err := o.records.PutCheckpoint(ctx, cp); err != nil {
				o.logger.Warn("writing checkpoint", zap.String("job_id", job.ID), zap.Error(err))
			}
			if err := o.persistJob(ctx, job); err != nil {
				o.logger.Warn("persisting job progress", zap.String("job_id", job.ID), zap.Error(err))
			}
		}

		if next == "" {
			break
		}
	}

	if batchCount > 0 {
		o.mu.Lock()
		o.avgBatch = batchTotal / time.Duration(batchCount)
		o.mu.Unlock()
	}
	return nil
}

// copyBatch transforms and upserts one batch. A failed batch is recorded
// in failed items; only crossing the failure-rate threshold returns an
// error.
func (o *Orchestrator) copyBatch(ctx context.Context, job *Job, provider embedding.Provider, points []vectorstore.Point, progress *Progress) error {
	out, err := o.transformBatch(ctx, job, provider, points)
	if err == nil && len(out) > 0 {
		outcome := o.coordinator.Execute(ctx, recovery.Operation{
			Name:       "upsert_batch",
			Dependency: "vectorstore",
			Kind:       recovery.OpCollection,
			Do: func(ctx context.Context) error {
				return o.vs.Upsert(ctx, job.TargetCollection, out)
			},
		})
		if !outcome.Ok() {
			err = outcome.Err
		}
	}

	if err != nil {
		for _, p := range points {
			progress.FailedItems = append(progress.FailedItems, p.ID)
		}
		o.logger.Warn("batch failed, isolating",
			zap.String("job_id", job.ID),
			zap.Int("batch_index", progress.BatchIndex),
			zap.Int("batch_size", len(points)),
			zap.Error(err))

		if rate := progress.FailureRate(); rate > o.config.FailureRateThreshold {
			return fmt.Errorf("failure rate %.0f%% exceeds threshold %.0f%%: %w",
				rate*100, o.config.FailureRateThreshold*100, err)
		}
		return nil
	}

	progress.Processed += len(out)
	return nil
}

// transformBatch produces target-collection points, re-embedding source
// content when the provider returned vectors would not match.
func (o *Orchestrator) transformBatch(ctx context.Context, job *Job, provider embedding.Provider, points []vectorstore.Point) ([]vectorstore.Point, error) {
	if provider == nil {
		return points, nil
	}

	texts := make([]string, len(points))
	for i, p := range points {
		content, _ := p.Payload["content"].(string)
		if content == "" {
			return nil, fmt.Errorf("point %s has no source content to re-embed", p.ID)
		}
		texts[i] = content
	}

	var vectors [][]float32
	outcome := o.coordinator.Execute(ctx, recovery.Operation{
		Name:       "reembed_batch",
		Dependency: job.TargetConfig.DependencyKey(),
		Kind:       recovery.OpEmbed,
		Do: func(ctx context.Context) error {
			var err error
			vectors, err = provider.EmbedDocuments(ctx, texts)
			return err
		},
	})
	if !outcome.Ok() {
		return nil, fmt.Errorf("re-embedding batch: %w", outcome.Err)
	}
	if len(vectors) != len(points) {
		return nil, fmt.Errorf("provider returned %d vectors for %d texts", len(vectors), len(points))
	}

	out := make([]vectorstore.Point, len(points))
	for i, p := range points {
		out[i] = vectorstore.Point{ID: p.ID, Vector: vectors[i], Payload: p.Payload}
	}
	return out, nil
}

// verify compares migrated point counts. Any discrepancy beyond the
// recorded failed items forces rollback.
func (o *Orchestrator) verify(ctx context.Context, job *Job) error {
	sourceStats, err := o.vs.Stats(ctx, job.SourceCollection)
	if err != nil {
		return fmt.Errorf("reading source stats: %w", err)
	}
	targetStats, err := o.vs.Stats(ctx, job.TargetCollection)
	if err != nil {
		return fmt.Errorf("reading target stats: %w", err)
	}

	progress := job.snapshotProgress()
	expected := sourceStats.PointCount - len(progress.FailedItems)
	if targetStats.PointCount != expected {
		return fmt.Errorf("verification failed: target has %d points, expected %d (source %d, failed %d)",
			targetStats.PointCount, expected, sourceStats.PointCount, len(progress.FailedItems))
	}

	if o.config.VerifySpotCheck {
		if err := o.spotCheck(ctx, job); err != nil {
			return fmt.Errorf("spot check failed: %w", err)
		}
	}
	return nil
}

// spotCheck samples migrated points and confirms each is retrievable
// from the target collection by its own vector.
func (o *Orchestrator) spotCheck(ctx context.Context, job *Job) error {
	points, _, err := o.vs.Scroll(ctx, job.TargetCollection, "", o.config.SpotCheckSamples)
	if err != nil {
		return err
	}

	for _, p := range points {
		results, err := o.vs.Search(ctx, job.TargetCollection, p.Vector, 1, nil)
		if err != nil {
			return err
		}
		if len(results) == 0 || results[0].ID != p.ID {
			return fmt.Errorf("point %s not retrievable from target", p.ID)
		}
	}
	return nil
}

// finalize atomically flips the tenant's active pointer to the target
// collection and marks the source stale.
func (o *Orchestrator) finalize(ctx context.Context, job *Job) error {
	now := o.clock.Now()
	newPtr := configstore.ActivePointer{
		TenantID:     job.TenantID,
		CollectionID: job.TargetCollection,
		OwnerToken:   uuid.NewString(),
		UpdatedAt:    now,
	}
	if err := o.records.SetActivePointer(ctx, newPtr, job.OwnerToken); err != nil {
		return fmt.Errorf("flipping active pointer for %s: %w", job.TenantID, err)
	}

	job.mu.Lock()
	job.rollback.OwnsPointer = false
	job.mu.Unlock()

	if rec, err := o.records.GetCollection(ctx, job.TargetCollection); err == nil {
		rec.Status = configstore.StatusActive
		rec.PointCount = job.snapshotProgress().Processed
		rec.UpdatedAt = now
		if err := o.records.PutCollection(ctx, *rec); err != nil {
			o.logger.Warn("marking target active", zap.Error(err))
		}
	}
	if rec, err := o.records.GetCollection(ctx, job.SourceCollection); err == nil {
		rec.Status = configstore.StatusStale
		rec.UpdatedAt = now
		if err := o.records.PutCollection(ctx, *rec); err != nil {
			o.logger.Warn("marking source stale", zap.Error(err))
		}
	}
	return nil
}

// cleanup leaves the stale source collection for the maintenance
// scheduler, which deletes it after the retention grace period.
func (o *Orchestrator) cleanup(ctx context.Context, job *Job) error {
	o.logger.Info("source collection retired, pending cleanup after grace period",
		zap.String("job_id", job.ID),
		zap.String("collection", job.SourceCollection))
	return nil
}

// rollbackJob restores the prior active configuration and removes the
// partially built target. Rollback is retried with backoff; if it cannot
// complete, the job is marked failed for manual intervention and the
// prior pointer is left untouched.
func (o *Orchestrator) rollbackJob(job *Job, cause error) {
	ctx := context.Background()
	job.setError(cause, o.clock.Now())

	job.mu.RLock()
	rb := job.rollback
	job.mu.RUnlock()

	// Restore the pointer first so the tenant is never left pointing at
	// a half-built collection.
	if rb.OwnsPointer {
		outcome := o.coordinator.Execute(ctx, recovery.Operation{
			Name:       "rollback_pointer",
			Dependency: "configstore",
			Kind:       recovery.OpCollection,
			Critical:   true,
			Do: func(ctx context.Context) error {
				return o.records.SetActivePointer(ctx, configstore.ActivePointer{
					TenantID:     job.TenantID,
					CollectionID: rb.PriorCollectionID,
					OwnerToken:   uuid.NewString(),
					UpdatedAt:    o.clock.Now(),
				}, job.OwnerToken)
			},
		})
		if outcome.Failed() {
			o.abort(job, fmt.Errorf("rollback could not restore pointer, manual intervention required: %w", outcome.Err))
			return
		}
	}

	// Remove the partially built target.
	exists, err := o.vs.CollectionExists(ctx, job.TargetCollection)
	if err == nil && exists {
		outcome := o.coordinator.Execute(ctx, recovery.Operation{
			Name:       "rollback_delete_target",
			Dependency: "vectorstore",
			Kind:       recovery.OpCollection,
			Do: func(ctx context.Context) error {
				return o.vs.DeleteCollection(ctx, job.TargetCollection)
			},
		})
		if !outcome.Ok() {
			o.abort(job, fmt.Errorf("rollback could not delete target %s, manual intervention required: %w",
				job.TargetCollection, outcome.Err))
			return
		}
		if err := o.records.DeleteCollection(ctx, job.TargetCollection); err != nil && !errors.Is(err, configstore.ErrNotFound) {
			o.logger.Warn("removing target record", zap.Error(err))
		}
	}

	if err := o.records.DeleteCheckpoint(ctx, job.ID); err != nil && !errors.Is(err, configstore.ErrNotFound) {
		o.logger.Warn("removing checkpoint", zap.String("job_id", job.ID), zap.Error(err))
	}

	o.transition(ctx, job, PhaseRolledBack)
	o.retire(job)
	o.logger.Info("migration rolled back",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.NamedError("cause", cause))
}
