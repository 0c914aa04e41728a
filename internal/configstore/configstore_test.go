package configstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/embedd/internal/embedding"
)

// stores returns both implementations so every test runs against each.
func stores(t *testing.T) map[string]Store {
	t.Helper()

	badgerStore, err := NewBadgerStore(BadgerConfig{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = badgerStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
	}
}

func testConfig() embedding.Config {
	return embedding.Config{Provider: embedding.ProviderTEI, Model: "bge-small-en-v1.5", Dimension: 384}
}

func TestCollectionRecordRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := CollectionRecord{
				CollectionID:  "tenant_a_docs_v1",
				TenantID:      "tenant_a",
				Configuration: testConfig(),
				Status:        StatusActive,
				PointCount:    42,
				CreatedAt:     time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
			}

			require.NoError(t, store.PutCollection(ctx, rec))

			got, err := store.GetCollection(ctx, "tenant_a_docs_v1")
			require.NoError(t, err)
			assert.Equal(t, rec.TenantID, got.TenantID)
			assert.Equal(t, rec.Configuration, got.Configuration)
			assert.Equal(t, StatusActive, got.Status)
			assert.Equal(t, 42, got.PointCount)

			_, err = store.GetCollection(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListCollectionsFiltersByTenant(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.PutCollection(ctx, CollectionRecord{CollectionID: "a_v1", TenantID: "tenant_a"}))
			require.NoError(t, store.PutCollection(ctx, CollectionRecord{CollectionID: "a_v2", TenantID: "tenant_a"}))
			require.NoError(t, store.PutCollection(ctx, CollectionRecord{CollectionID: "b_v1", TenantID: "tenant_b"}))

			all, err := store.ListCollections(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			forA, err := store.ListCollections(ctx, "tenant_a")
			require.NoError(t, err)
			assert.Len(t, forA, 2)
		})
	}
}

func TestActivePointerOwnership(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// First write requires no token.
			first := ActivePointer{TenantID: "tenant_a", CollectionID: "a_v1", OwnerToken: "tok-1"}
			require.NoError(t, store.SetActivePointer(ctx, first, ""))

			got, err := store.GetActivePointer(ctx, "tenant_a")
			require.NoError(t, err)
			assert.Equal(t, "a_v1", got.CollectionID)

			// Moving the pointer with the wrong token fails.
			second := ActivePointer{TenantID: "tenant_a", CollectionID: "a_v2", OwnerToken: "tok-2"}
			err = store.SetActivePointer(ctx, second, "stale")
			assert.ErrorIs(t, err, ErrOwnershipConflict)

			// And with the right token succeeds.
			require.NoError(t, store.SetActivePointer(ctx, second, "tok-1"))
			got, err = store.GetActivePointer(ctx, "tenant_a")
			require.NoError(t, err)
			assert.Equal(t, "a_v2", got.CollectionID)

			// A first write with a non-empty expected token is rejected.
			err = store.SetActivePointer(ctx, ActivePointer{TenantID: "tenant_new", CollectionID: "x"}, "tok-1")
			assert.ErrorIs(t, err, ErrOwnershipConflict)
		})
	}
}

func TestDesiredConfigRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.GetDesiredConfig(ctx, "tenant_a")
			assert.ErrorIs(t, err, ErrNotFound)

			want := testConfig()
			require.NoError(t, store.PutDesiredConfig(ctx, "tenant_a", want))

			got, err := store.GetDesiredConfig(ctx, "tenant_a")
			require.NoError(t, err)
			assert.Equal(t, want, *got)
		})
	}
}

func TestJobAndCheckpointRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := JobRecord{
				ID:               "job-1",
				TenantID:         "tenant_a",
				Phase:            "copying",
				SourceCollection: "a_v1",
				TargetCollection: "a_v2",
				TotalPoints:      100,
				CopiedPoints:     50,
			}
			require.NoError(t, store.PutJob(ctx, job))

			got, err := store.GetJob(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, 50, got.CopiedPoints)

			jobs, err := store.ListJobs(ctx, "tenant_a")
			require.NoError(t, err)
			assert.Len(t, jobs, 1)

			cp := Checkpoint{JobID: "job-1", Phase: "copying", Cursor: "point-50", CopiedPoints: 50, BatchIndex: 1}
			require.NoError(t, store.PutCheckpoint(ctx, cp))

			gotCP, err := store.GetCheckpoint(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, "point-50", gotCP.Cursor)

			require.NoError(t, store.DeleteCheckpoint(ctx, "job-1"))
			_, err = store.GetCheckpoint(ctx, "job-1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
