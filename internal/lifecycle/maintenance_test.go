package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/embedd/internal/configstore"
	"github.com/fyrsmithlabs/embedd/internal/vectorstore"
)

func newTestScheduler(t *testing.T, m *Manager) *Scheduler {
	t.Helper()
	s, err := NewScheduler(m, MaintenanceConfig{Workers: 2, MaxAttempts: 3, CleanupGracePeriod: time.Hour}, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSchedulerOrdersByPriority(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	s := newTestScheduler(t, m)

	s.Schedule(Task{Type: TaskOptimize, TenantID: "t1"})
	s.Schedule(Task{Type: TaskRepair, TenantID: "t2"})
	s.Schedule(Task{Type: TaskHealthCheck, TenantID: "t3"})

	first, ok := s.next()
	require.True(t, ok)
	assert.Equal(t, TaskRepair, first.Type)

	second, ok := s.next()
	require.True(t, ok)
	assert.Equal(t, TaskHealthCheck, second.Type)

	third, ok := s.next()
	require.True(t, ok)
	assert.Equal(t, TaskOptimize, third.Type)
}

func TestSchedulerRetriesUpToCap(t *testing.T) {
	m, vs, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.EnsureExists(ctx, "tenant_a", teiConfig())
	require.NoError(t, err)
	vs.statsErr = vectorstore.ErrConnectionFailed

	s := newTestScheduler(t, m)
	s.Schedule(Task{Type: TaskOptimize, TenantID: "tenant_a"})

	// Each ExecuteNext consumes one attempt and requeues on failure.
	assert.True(t, s.ExecuteNext(ctx))
	assert.Equal(t, 1, s.Pending())
	assert.True(t, s.ExecuteNext(ctx))
	assert.Equal(t, 1, s.Pending())

	// Third failure hits the cap; the task is dropped.
	assert.True(t, s.ExecuteNext(ctx))
	assert.Equal(t, 0, s.Pending())
	assert.False(t, s.ExecuteNext(ctx))
}

func TestCleanupDeletesStaleCollectionsAfterGrace(t *testing.T) {
	m, vs, records, _ := newTestManager(t)
	ctx := context.Background()

	active, err := m.EnsureExists(ctx, "tenant_a", teiConfig())
	require.NoError(t, err)

	// A superseded collection, last touched beyond the grace period.
	require.NoError(t, vs.CreateCollection(ctx, "tenant_a_old", 256))
	require.NoError(t, records.PutCollection(ctx, configstore.CollectionRecord{
		CollectionID: "tenant_a_old",
		TenantID:     "tenant_a",
		Status:       configstore.StatusStale,
		UpdatedAt:    m.clock.Now().Add(-2 * time.Hour),
	}))

	s := newTestScheduler(t, m)
	s.Schedule(Task{Type: TaskCleanup, TenantID: "tenant_a"})
	require.True(t, s.ExecuteNext(ctx))

	exists, err := vs.CollectionExists(ctx, "tenant_a_old")
	require.NoError(t, err)
	assert.False(t, exists, "stale collection should be deleted")

	_, err = records.GetCollection(ctx, "tenant_a_old")
	assert.ErrorIs(t, err, configstore.ErrNotFound)

	exists, err = vs.CollectionExists(ctx, active)
	require.NoError(t, err)
	assert.True(t, exists, "active collection must survive cleanup")
}

func TestCleanupRespectsGracePeriod(t *testing.T) {
	m, vs, records, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, vs.CreateCollection(ctx, "tenant_a_recent", 256))
	require.NoError(t, records.PutCollection(ctx, configstore.CollectionRecord{
		CollectionID: "tenant_a_recent",
		TenantID:     "tenant_a",
		Status:       configstore.StatusStale,
		UpdatedAt:    m.clock.Now().Add(-time.Minute),
	}))

	s := newTestScheduler(t, m)
	s.Schedule(Task{Type: TaskCleanup, TenantID: "tenant_a"})
	require.True(t, s.ExecuteNext(ctx))

	exists, err := vs.CollectionExists(ctx, "tenant_a_recent")
	require.NoError(t, err)
	assert.True(t, exists, "collection inside the grace period must be retained")
}
