package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/embedd/internal/configstore"
	"github.com/fyrsmithlabs/embedd/internal/embedding"
	"github.com/fyrsmithlabs/embedd/internal/recovery"
	"github.com/fyrsmithlabs/embedd/internal/vectorstore"
)

// fakeStore is an in-memory vector store for tests.
type fakeStore struct {
	mu          sync.Mutex
	dims        map[string]int
	points      map[string]map[string]vectorstore.Point
	statsErr    error
	indexStatus vectorstore.IndexStatus
	createCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		dims:        make(map[string]int),
		points:      make(map[string]map[string]vectorstore.Point),
		indexStatus: vectorstore.IndexStatusGreen,
	}
}

func (f *fakeStore) CreateCollection(ctx context.Context, name string, dimension int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.dims[name]; ok {
		return fmt.Errorf("%w: %s", vectorstore.ErrCollectionExists, name)
	}
	f.dims[name] = dimension
	f.points[name] = make(map[string]vectorstore.Point)
	f.createCalls++
	return nil
}

func (f *fakeStore) DeleteCollection(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.dims, name)
	delete(f.points, name)
	return nil
}

func (f *fakeStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.dims[name]
	return ok, nil
}

func (f *fakeStore) Upsert(ctx context.Context, collection string, points []vectorstore.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.points[collection]
	if !ok {
		return fmt.Errorf("%w: %s", vectorstore.ErrCollectionNotFound, collection)
	}
	for _, p := range points {
		m[p.ID] = p
	}
	return nil
}

func (f *fakeStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]interface{}) ([]vectorstore.ScoredPoint, error) {
	return nil, nil
}

func (f *fakeStore) Scroll(ctx context.Context, collection string, offset string, limit int) ([]vectorstore.Point, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.points[collection]
	if !ok {
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
	return out, next, nil
}

func (f *fakeStore) Stats(ctx context.Context, collection string) (*vectorstore.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	m, ok := f.points[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", vectorstore.ErrCollectionNotFound, collection)
	}
	return &vectorstore.Stats{
		PointCount:  len(m),
		Dimension:   f.dims[collection],
		IndexStatus: f.indexStatus,
	}, nil
}

func (f *fakeStore) Close() error { return nil }

type fakeRequester struct {
	mu       sync.Mutex
	requests []embedding.Config
}

func (f *fakeRequester) RequestMigration(ctx context.Context, tenantID string, target embedding.Config) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, target)
	return fmt.Sprintf("job-%d", len(f.requests)), nil
}

func newTestManager(t *testing.T) (*Manager, *fakeStore, *configstore.MemoryStore, *fakeRequester) {
	t.Helper()
	vs := newFakeStore()
	records := configstore.NewMemoryStore()
	requester := &fakeRequester{}
	clock := recovery.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	coordinator := recovery.NewCoordinator(recovery.CoordinatorConfig{}, clock, nil)
	m := NewManager(vs, records, coordinator, requester, clock, nil)
	return m, vs, records, requester
}

func teiConfig() embedding.Config {
	return embedding.Config{Provider: embedding.ProviderTEI, Model: "bge-small-en-v1.5", Dimension: 384}
}

func TestEnsureExistsIsIdempotent(t *testing.T) {
	m, vs, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.EnsureExists(ctx, "tenant_a", teiConfig())
	require.NoError(t, err)

	second, err := m.EnsureExists(ctx, "tenant_a", teiConfig())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, vs.createCalls, "exactly one collection must be created")
}

func TestEnsureExistsRejectsInvalidConfig(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	_, err := m.EnsureExists(context.Background(), "tenant_a", embedding.Config{Provider: "nope"})
	assert.ErrorIs(t, err, embedding.ErrInvalidConfig)
}

func TestCollectionNameIsSanitized(t *testing.T) {
	name := CollectionName("tenant_a", embedding.Config{
		Provider: embedding.ProviderTEI, Model: "BGE-Small.EN/v1.5", Dimension: 384,
	})
	assert.Regexp(t, `^[a-z0-9_]{1,64}$`, name)
}

func TestDetectConfigurationChangePriorities(t *testing.T) {
	tests := []struct {
		name     string
		desired  embedding.Config
		priority ChangePriority
		enqueued bool
	}{
		{
			"provider change is high",
			embedding.Config{Provider: embedding.ProviderOpenAI, Model: "text-embedding-3-small", Dimension: 384},
			PriorityHigh, true,
		},
		{
			"dimension change is high",
			embedding.Config{Provider: embedding.ProviderTEI, Model: "bge-small-en-v1.5", Dimension: 768},
			PriorityHigh, true,
		},
		{
			"model change at same dimension is medium",
			embedding.Config{Provider: embedding.ProviderTEI, Model: "all-minilm-l6-v2", Dimension: 384},
			PriorityMedium, true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, records, requester := newTestManager(t)
			ctx := context.Background()

			_, err := m.EnsureExists(ctx, "tenant_a", teiConfig())
			require.NoError(t, err)
			require.NoError(t, records.PutDesiredConfig(ctx, "tenant_a", tt.desired))

			report, err := m.DetectConfigurationChange(ctx, "tenant_a")
			require.NoError(t, err)

			assert.True(t, report.Changed)
			assert.Equal(t, tt.priority, report.Priority)
			assert.Equal(t, tt.enqueued, report.Enqueued)
			if tt.enqueued {
				assert.NotEmpty(t, report.JobID)
				assert.Len(t, requester.requests, 1)
			}
		})
	}
}

func TestDetectConfigurationChangeNoDrift(t *testing.T) {
	m, _, records, requester := newTestManager(t)
	ctx := context.Background()

	_, err := m.EnsureExists(ctx, "tenant_a", teiConfig())
	require.NoError(t, err)
	require.NoError(t, records.PutDesiredConfig(ctx, "tenant_a", teiConfig()))

	report, err := m.DetectConfigurationChange(ctx, "tenant_a")
	require.NoError(t, err)

	assert.False(t, report.Changed)
	assert.Empty(t, requester.requests)
}

func TestHealthCheckHealthy(t *testing.T) {
	m, vs, _, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.EnsureExists(ctx, "tenant_a", teiConfig())
	require.NoError(t, err)
	require.NoError(t, vs.Upsert(ctx, id, []vectorstore.Point{
		{ID: "p1", Vector: make([]float32, 384)},
		{ID: "p2", Vector: make([]float32, 384)},
	}))

	report, err := m.HealthCheck(ctx, "tenant_a")
	require.NoError(t, err)

	assert.Equal(t, HealthHealthy, report.Status)
	assert.Equal(t, 2, report.PointCount)

	rec, err := m.ActiveCollection(ctx, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.PointCount)
	assert.False(t, rec.LastHealthCheckAt.IsZero())
}

func TestHealthCheckDegradedOnYellowIndex(t *testing.T) {
	m, vs, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.EnsureExists(ctx, "tenant_a", teiConfig())
	require.NoError(t, err)
	vs.indexStatus = vectorstore.IndexStatusYellow

	report, err := m.HealthCheck(ctx, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, HealthDegraded, report.Status)

	rec, err := m.ActiveCollection(ctx, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, configstore.StatusDegraded, rec.Status)
}

func TestHealthCheckUnhealthyWhenUnreachable(t *testing.T) {
	m, vs, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.EnsureExists(ctx, "tenant_a", teiConfig())
	require.NoError(t, err)
	vs.statsErr = vectorstore.ErrConnectionFailed

	report, err := m.HealthCheck(ctx, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, HealthUnhealthy, report.Status)

	rec, err := m.ActiveCollection(ctx, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, configstore.StatusError, rec.Status)
}
