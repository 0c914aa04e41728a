package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/embedd/internal/configstore"
	"github.com/fyrsmithlabs/embedd/internal/embedding"
	"github.com/fyrsmithlabs/embedd/internal/lifecycle"
	"github.com/fyrsmithlabs/embedd/internal/recovery"
	"github.com/fyrsmithlabs/embedd/internal/vectorstore"
)

// fakeVectorStore is an in-memory vector store with failure injection
// for exercising batch isolation and rollback.
type fakeVectorStore struct {
	mu          sync.Mutex
	dims        map[string]int
	points      map[string]map[string]vectorstore.Point
	failUpserts map[string]int // first point ID of batch -> remaining transient failures
	denyUpserts map[string]bool
	scrollCount int
	onScroll    func(count int)
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{
		dims:        make(map[string]int),
		points:      make(map[string]map[string]vectorstore.Point),
		failUpserts: make(map[string]int),
		denyUpserts: make(map[string]bool),
	}
}

func (f *fakeVectorStore) CreateCollection(ctx context.Context, name string, dimension int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.dims[name]; ok {
		return fmt.Errorf("%w: %s", vectorstore.ErrCollectionExists, name)
	}
	f.dims[name] = dimension
	f.points[name] = make(map[string]vectorstore.Point)
	return nil
}

func (f *fakeVectorStore) DeleteCollection(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.dims, name)
	delete(f.points, name)
	return nil
}

func (f *fakeVectorStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.dims[name]
	return ok, nil
}

func (f *fakeVectorStore) Upsert(ctx context.Context, collection string, points []vectorstore.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.points[collection]
	if !ok {
		return fmt.Errorf("%w: %s", vectorstore.ErrCollectionNotFound, collection)
	}
	if len(points) > 0 {
		first := points[0].ID
		if f.denyUpserts[first] {
			return errors.New("upsert rejected")
		}
		if remaining := f.failUpserts[first]; remaining > 0 {
			f.failUpserts[first] = remaining - 1
			return fmt.Errorf("upsert: %w", vectorstore.ErrConnectionFailed)
		}
	}
	for _, p := range points {
		m[p.ID] = p
	}
	return nil
}

func (f *fakeVectorStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]interface{}) ([]vectorstore.ScoredPoint, error) {
	return nil, nil
}

func (f *fakeVectorStore) Scroll(ctx context.Context, collection string, offset string, limit int) ([]vectorstore.Point, string, error) {
	f.mu.Lock()
	f.scrollCount++
	count := f.scrollCount
	hook := f.onScroll
	m, ok := f.points[collection]
	if !ok {
		f.mu.Unlock()
		return nil, "", fmt.Errorf("%w: %s", vectorstore.ErrCollectionNotFound, collection)
	}
	var ids []string
	for id := range m {
		if offset == "" || id > offset {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]vectorstore.Point, len(ids))
	for i, id := range ids {
		out[i] = m[id]
	}
	next := ""
	if len(ids) == limit {
		next = ids[len(ids)-1]
	}
	f.mu.Unlock()

	if hook != nil {
		hook(count)
	}
	return out, next, nil
}

func (f *fakeVectorStore) Stats(ctx context.Context, collection string) (*vectorstore.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.points[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", vectorstore.ErrCollectionNotFound, collection)
	}
	return &vectorstore.Stats{
		PointCount:  len(m),
		Dimension:   f.dims[collection],
		IndexStatus: vectorstore.IndexStatusGreen,
	}, nil
}

func (f *fakeVectorStore) Close() error { return nil }

// fakeProvider returns zero vectors of its configured dimension.
type fakeProvider struct {
	cfg   embedding.Config
	mu    sync.Mutex
	calls int
}

func (p *fakeProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, p.cfg.Dimension)
	}
	return out, nil
}

func (p *fakeProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, p.cfg.Dimension), nil
}

func (p *fakeProvider) Config() embedding.Config { return p.cfg }
func (p *fakeProvider) Close() error             { return nil }

type harness struct {
	vs      *fakeVectorStore
	records *configstore.MemoryStore
	clock   *recovery.FakeClock
	manager *lifecycle.Manager
	orch    *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	vs := newFakeVectorStore()
	records := configstore.NewMemoryStore()
	clock := recovery.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	coordinator := recovery.NewCoordinator(recovery.CoordinatorConfig{}, clock, nil)
	manager := lifecycle.NewManager(vs, records, coordinator, nil, clock, nil)
	factory := func(cfg embedding.Config) (embedding.Provider, error) {
		return &fakeProvider{cfg: cfg}, nil
	}
	orch := NewOrchestrator(Config{BatchSize: 5}, vs, records, manager, coordinator, factory, nil, clock, nil)
	return &harness{vs: vs, records: records, clock: clock, manager: manager, orch: orch}
}

func sourceConfig() embedding.Config {
	return embedding.Config{Provider: embedding.ProviderOpenAI, Model: "text-embedding-3-small", Dimension: 4}
}

func targetConfig() embedding.Config {
	return embedding.Config{Provider: embedding.ProviderOpenAI, Model: "text-embedding-3-large", Dimension: 8}
}

// seed creates the tenant's active collection with n points carrying
// source content.
func (h *harness) seed(t *testing.T, tenantID string, n int) string {
	t.Helper()
	ctx := context.Background()
	id, err := h.manager.EnsureExists(ctx, tenantID, sourceConfig())
	require.NoError(t, err)

	points := make([]vectorstore.Point, n)
	for i := range points {
		points[i] = vectorstore.Point{
			ID:     fmt.Sprintf("p%03d", i),
			Vector: make([]float32, sourceConfig().Dimension),
			Payload: map[string]interface{}{
				"content": fmt.Sprintf("chunk %d", i),
			},
		}
	}
	require.NoError(t, h.vs.Upsert(ctx, id, points))
	return id
}

func TestMigrationCompletesWithTransientBatchFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	source := h.seed(t, "tenant_a", 100)

	// Batch 13 covers p060..p064; its upsert fails twice, then succeeds
	// on the third attempt.
	h.vs.failUpserts["p060"] = 2

	jobID, err := h.orch.RequestMigration(ctx, "tenant_a", targetConfig())
	require.NoError(t, err)
	h.orch.Wait()

	status, err := h.orch.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, status.Phase)
	assert.Equal(t, 100, status.Progress.Processed)
	assert.Empty(t, status.Progress.FailedItems)

	target := lifecycle.CollectionName("tenant_a", targetConfig())
	stats, err := h.vs.Stats(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, 100, stats.PointCount)
	assert.Equal(t, 8, stats.Dimension)

	ptr, err := h.records.GetActivePointer(ctx, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, target, ptr.CollectionID)

	rec, err := h.records.GetCollection(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, configstore.StatusActive, rec.Status)
	assert.Equal(t, targetConfig(), rec.Configuration)

	srcRec, err := h.records.GetCollection(ctx, source)
	require.NoError(t, err)
	assert.Equal(t, configstore.StatusStale, srcRec.Status)
}

func TestMigrationCancelRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	source := h.seed(t, "tenant_a", 100)

	jobIDCh := make(chan string, 1)
	h.vs.onScroll = func(count int) {
		if count == 6 {
			id := <-jobIDCh
			_ = h.orch.Cancel(id)
		}
	}

	jobID, err := h.orch.RequestMigration(ctx, "tenant_a", targetConfig())
	require.NoError(t, err)
	jobIDCh <- jobID
	h.orch.Wait()

	status, err := h.orch.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, PhaseRolledBack, status.Phase)

	// The original configuration is restored.
	ptr, err := h.records.GetActivePointer(ctx, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, source, ptr.CollectionID)

	rec, err := h.records.GetCollection(ctx, source)
	require.NoError(t, err)
	assert.Equal(t, sourceConfig(), rec.Configuration)

	// The partially built target no longer exists.
	target := lifecycle.CollectionName("tenant_a", targetConfig())
	exists, err := h.vs.CollectionExists(ctx, target)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMigrationAbortsWhenFailureRateExceedsThreshold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	source := h.seed(t, "tenant_a", 100)

	// Three permanently failing batches: 15 of 100 items, crossing the
	// 10% threshold on the third failure.
	h.vs.denyUpserts["p000"] = true
	h.vs.denyUpserts["p005"] = true
	h.vs.denyUpserts["p010"] = true

	jobID, err := h.orch.RequestMigration(ctx, "tenant_a", targetConfig())
	require.NoError(t, err)
	h.orch.Wait()

	status, err := h.orch.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, PhaseRolledBack, status.Phase)
	assert.Contains(t, status.Error, "failure rate")

	ptr, err := h.records.GetActivePointer(ctx, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, source, ptr.CollectionID)

	target := lifecycle.CollectionName("tenant_a", targetConfig())
	exists, err := h.vs.CollectionExists(ctx, target)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMigrationIsolatesFailedBatchesBelowThreshold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "tenant_a", 100)

	// Two failing batches: 10% exactly, which does not exceed the
	// threshold, so the job completes with failed items recorded.
	h.vs.denyUpserts["p020"] = true
	h.vs.denyUpserts["p045"] = true

	jobID, err := h.orch.RequestMigration(ctx, "tenant_a", targetConfig())
	require.NoError(t, err)
	h.orch.Wait()

	status, err := h.orch.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, status.Phase)
	assert.Equal(t, 90, status.Progress.Processed)
	assert.Len(t, status.Progress.FailedItems, 10)
}

func TestMigrationNoOpTarget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "tenant_a", 10)

	_, err := h.orch.RequestMigration(ctx, "tenant_a", sourceConfig())
	assert.ErrorIs(t, err, ErrNoMigrationNeeded)
}

func TestCreatePlanEstimates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	source := h.seed(t, "tenant_a", 100)

	plan, err := h.orch.CreatePlan(ctx, "tenant_a", targetConfig())
	require.NoError(t, err)

	assert.Equal(t, source, plan.SourceCollection)
	assert.Equal(t, 100, plan.EstimatedItems)
	assert.Equal(t, 5, plan.BatchSize)
	assert.Equal(t, 20, plan.EstimatedBatches)
	assert.True(t, plan.Compatibility.MigrationRequired)
	assert.NotEmpty(t, plan.Steps)
	assert.NotEmpty(t, plan.RollbackSteps)
	assert.Greater(t, plan.EstimatedDuration, time.Duration(0))
}

func TestMigrationWritesCheckpoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "tenant_a", 20)

	jobIDCh := make(chan string, 1)
	var checkpointed configstore.Checkpoint
	h.vs.onScroll = func(count int) {
		if count == 3 {
			id := <-jobIDCh
			if cp, err := h.records.GetCheckpoint(ctx, id); err == nil {
				checkpointed = *cp
			}
		}
	}

	jobID, err := h.orch.RequestMigration(ctx, "tenant_a", targetConfig())
	require.NoError(t, err)
	jobIDCh <- jobID
	h.orch.Wait()

	assert.Equal(t, jobID, checkpointed.JobID)
	assert.Equal(t, 2, checkpointed.BatchIndex)
	assert.Equal(t, 10, checkpointed.CopiedPoints)

	// The checkpoint is removed once the job completes.
	_, err = h.records.GetCheckpoint(ctx, jobID)
	assert.ErrorIs(t, err, configstore.ErrNotFound)
}

func TestResumePendingContinuesFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	source := h.seed(t, "tenant_a", 20)
	target := lifecycle.CollectionName("tenant_a", targetConfig())

	// Simulate a crash mid-copy: the job record, its half-built target,
	// claimed pointer, and checkpoint all survive in durable state.
	ownerToken := "job-owner-token"
	require.NoError(t, h.manager.ProvisionCollection(ctx, "tenant_a", target, targetConfig(), configstore.StatusMigrating))

	copied := make([]vectorstore.Point, 10)
	for i := range copied {
		copied[i] = vectorstore.Point{
			ID:      fmt.Sprintf("p%03d", i),
			Vector:  make([]float32, targetConfig().Dimension),
			Payload: map[string]interface{}{"content": fmt.Sprintf("chunk %d", i)},
		}
	}
	require.NoError(t, h.vs.Upsert(ctx, target, copied))

	ptr, err := h.records.GetActivePointer(ctx, "tenant_a")
	require.NoError(t, err)
	require.NoError(t, h.records.SetActivePointer(ctx, configstore.ActivePointer{
		TenantID: "tenant_a", CollectionID: source, OwnerToken: ownerToken,
	}, ptr.OwnerToken))

	require.NoError(t, h.records.PutJob(ctx, configstore.JobRecord{
		ID:               "job-crashed",
		TenantID:         "tenant_a",
		Phase:            string(PhaseCopying),
		SourceCollection: source,
		TargetCollection: target,
		SourceConfig:     sourceConfig(),
		TargetConfig:     targetConfig(),
		OwnerToken:       ownerToken,
		TotalPoints:      20,
		CopiedPoints:     10,
	}))
	require.NoError(t, h.records.PutCheckpoint(ctx, configstore.Checkpoint{
		JobID:        "job-crashed",
		Phase:        string(PhaseCopying),
		Cursor:       "p009",
		CopiedPoints: 10,
		BatchIndex:   2,
	}))

	require.NoError(t, h.orch.ResumePending(ctx))
	h.orch.Wait()

	status, err := h.orch.Status(ctx, "job-crashed")
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, status.Phase)

	stats, err := h.vs.Stats(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, 20, stats.PointCount)

	ptr, err = h.records.GetActivePointer(ctx, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, target, ptr.CollectionID)
}
