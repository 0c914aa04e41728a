package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/embedd/internal/configstore"
	"github.com/fyrsmithlabs/embedd/internal/embedding"
	"github.com/fyrsmithlabs/embedd/internal/lifecycle"
	"github.com/fyrsmithlabs/embedd/internal/migration"
	"github.com/fyrsmithlabs/embedd/internal/recovery"
	"github.com/fyrsmithlabs/embedd/internal/vectorstore"
)

// flakyStore wraps a real store with injectable search failures.
type flakyStore struct {
	vectorstore.Store
	mu        sync.Mutex
	searchErr error
}

func (s *flakyStore) failSearches(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchErr = err
}

func (s *flakyStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]interface{}) ([]vectorstore.ScoredPoint, error) {
	s.mu.Lock()
	err := s.searchErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Store.Search(ctx, collection, vector, topK, filter)
}

// stubProvider returns deterministic unit vectors.
type stubProvider struct {
	cfg embedding.Config
	err error
}

func (p *stubProvider) vector(text string) []float32 {
	v := make([]float32, p.cfg.Dimension)
	v[len(text)%p.cfg.Dimension] = 1
	return v
}

func (p *stubProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if p.err != nil {
		return nil, p.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

func (p *stubProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.vector(text), nil
}

func (p *stubProvider) Config() embedding.Config { return p.cfg }
func (p *stubProvider) Close() error             { return nil }

type env struct {
	store     *flakyStore
	records   *configstore.MemoryStore
	pipeline  *Pipeline
	manager   *lifecycle.Manager
	providers map[string]*stubProvider
}

func primaryConfig() embedding.Config {
	return embedding.Config{Provider: embedding.ProviderTEI, Model: "bge-small-en-v1.5", Dimension: 4}
}

func fallbackConfig() embedding.Config {
	return embedding.Config{Provider: embedding.ProviderOpenAI, Model: "text-embedding-3-small", Dimension: 4}
}

func newEnv(t *testing.T) *env {
	t.Helper()

	inner, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, nil)
	require.NoError(t, err)
	store := &flakyStore{Store: inner}

	records := configstore.NewMemoryStore()
	clock := recovery.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	coordinator := recovery.NewCoordinator(recovery.CoordinatorConfig{}, clock, nil)
	manager := lifecycle.NewManager(store, records, coordinator, nil, clock, nil)

	providers := make(map[string]*stubProvider)
	factory := func(cfg embedding.Config) (embedding.Provider, error) {
		if p, ok := providers[cfg.String()]; ok {
			return p, nil
		}
		p := &stubProvider{cfg: cfg}
		providers[cfg.String()] = p
		return p, nil
	}

	orch := migration.NewOrchestrator(migration.Config{BatchSize: 5}, store, records, manager, coordinator, factory, nil, clock, nil)
	manager.SetRequester(orch)

	p := New(Config{Fallback: fallbackConfig()}, store, records, manager, orch, coordinator, factory, nil)
	t.Cleanup(p.Close)

	e := &env{store: store, records: records, pipeline: p, manager: manager, providers: providers}

	_, err = manager.EnsureExists(context.Background(), "tenant_a", primaryConfig())
	require.NoError(t, err)
	return e
}

func TestProcessEmbeddingStoresContent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	result, err := e.pipeline.ProcessEmbedding(ctx, "tenant_a", "hello world")
	require.NoError(t, err)

	assert.NotEmpty(t, result.PointID)
	assert.False(t, result.Degraded)

	rec, err := e.manager.ActiveCollection(ctx, "tenant_a")
	require.NoError(t, err)
	stats, err := e.store.Stats(ctx, rec.CollectionID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PointCount)
}

func TestProcessEmbeddingRejectsEmptyContent(t *testing.T) {
	e := newEnv(t)

	_, err := e.pipeline.ProcessEmbedding(context.Background(), "tenant_a", "")
	assert.ErrorIs(t, err, embedding.ErrInvalidInput)
}

func TestProcessEmbeddingFallsBackToAlternateProvider(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Prime both providers, then break the primary.
	_, err := e.pipeline.ProcessEmbedding(ctx, "tenant_a", "warmup")
	require.NoError(t, err)
	e.providers[primaryConfig().String()].err = fmt.Errorf("%w: model overloaded", embedding.ErrInvalidInput)

	result, err := e.pipeline.ProcessEmbedding(ctx, "tenant_a", "needs fallback")
	require.NoError(t, err)
	assert.True(t, result.Degraded, "fallback-provider vectors must be flagged")
}

func TestProcessRetrievalReturnsHits(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.pipeline.ProcessEmbedding(ctx, "tenant_a", "alpha")
	require.NoError(t, err)

	query := e.providers[primaryConfig().String()].vector("alpha")
	result, err := e.pipeline.ProcessRetrieval(ctx, "tenant_a", query, 3)
	require.NoError(t, err)

	assert.False(t, result.Degraded)
	require.NotEmpty(t, result.Points)
	assert.Equal(t, "alpha", result.Points[0].Payload["content"])
}

func TestProcessRetrievalUsesCacheWhenSearchFails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.pipeline.ProcessEmbedding(ctx, "tenant_a", "alpha")
	require.NoError(t, err)

	query := e.providers[primaryConfig().String()].vector("alpha")
	first, err := e.pipeline.ProcessRetrieval(ctx, "tenant_a", query, 3)
	require.NoError(t, err)
	require.NotEmpty(t, first.Points)

	e.store.failSearches(fmt.Errorf("index corrupted"))

	second, err := e.pipeline.ProcessRetrieval(ctx, "tenant_a", query, 3)
	require.NoError(t, err)
	assert.True(t, second.Degraded, "cached results must be flagged degraded")
	assert.Equal(t, first.Points, second.Points)
}

func TestProcessRetrievalDegradedWithoutCache(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.pipeline.ProcessEmbedding(ctx, "tenant_a", "alpha")
	require.NoError(t, err)
	e.store.failSearches(fmt.Errorf("index corrupted"))

	query := e.providers[primaryConfig().String()].vector("alpha")
	result, err := e.pipeline.ProcessRetrieval(ctx, "tenant_a", query, 3)
	require.NoError(t, err)

	assert.True(t, result.Degraded)
	assert.Empty(t, result.Points, "degraded result without cache is explicitly empty, never silent")
}

func TestProcessRetrievalRejectsWrongDimension(t *testing.T) {
	e := newEnv(t)

	_, err := e.pipeline.ProcessRetrieval(context.Background(), "tenant_a", make([]float32, 7), 3)
	assert.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)
}

func TestValidateConfigurationChange(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	same, err := e.pipeline.ValidateConfigurationChange(ctx, "tenant_a", primaryConfig())
	require.NoError(t, err)
	assert.True(t, same.Unchanged)

	bigger := primaryConfig()
	bigger.Dimension = 8
	changed, err := e.pipeline.ValidateConfigurationChange(ctx, "tenant_a", bigger)
	require.NoError(t, err)
	assert.True(t, changed.MigrationRequired)
}

func TestStartMigrationEndToEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := e.pipeline.ProcessEmbedding(ctx, "tenant_a", fmt.Sprintf("chunk number %d", i))
		require.NoError(t, err)
	}

	target := primaryConfig()
	target.Dimension = 8

	jobID, err := e.pipeline.StartMigration(ctx, "tenant_a", target)
	require.NoError(t, err)

	// Wait for the asynchronous job to reach a terminal phase.
	deadline := time.After(5 * time.Second)
	for {
		status, err := e.pipeline.GetMigrationStatus(ctx, jobID)
		require.NoError(t, err)
		if status.Phase.Terminal() {
			assert.Equal(t, migration.PhaseCompleted, status.Phase)
			break
		}
		select {
		case <-deadline:
			t.Fatalf("migration did not finish, phase %s", status.Phase)
		case <-time.After(10 * time.Millisecond):
		}
	}

	rec, err := e.manager.ActiveCollection(ctx, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, target, rec.Configuration)

	stats, err := e.store.Stats(ctx, rec.CollectionID)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.PointCount)

	desired, err := e.records.GetDesiredConfig(ctx, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, target, *desired)
}

func TestGetHealthSummary(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.pipeline.ProcessEmbedding(ctx, "tenant_a", "alpha")
	require.NoError(t, err)

	summary, err := e.pipeline.GetHealthSummary(ctx, "tenant_a")
	require.NoError(t, err)

	assert.Equal(t, lifecycle.HealthHealthy, summary.Status)
	assert.Equal(t, 1, summary.PointCount)
	assert.NotEmpty(t, summary.Circuits)
	assert.Equal(t, recovery.StateClosed, summary.Circuits["vectorstore"])
}

func TestCancelMigrationUnknownJob(t *testing.T) {
	e := newEnv(t)
	err := e.pipeline.CancelMigration("no-such-job")
	assert.ErrorIs(t, err, migration.ErrJobNotFound)
}
