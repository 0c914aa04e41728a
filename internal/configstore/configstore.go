// Package configstore persists the control-plane state of the embedding
// subsystem: collection records, per-tenant active pointers, desired
// embedding configurations, migration job records, and copy checkpoints.
//
// The data plane (vectors themselves) lives in the vector store; this
// package only tracks what exists and what should exist.
package configstore

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/embedd/internal/embedding"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrOwnershipConflict is returned when a writer presents a stale
	// ownership token for a tenant's active pointer.
	ErrOwnershipConflict = errors.New("ownership token conflict")
)

// CollectionStatus describes the lifecycle state of a physical collection.
type CollectionStatus string

const (
	// StatusActive means the collection serves reads and writes.
	StatusActive CollectionStatus = "active"

	// StatusMigrating means the collection is the target of an in-flight
	// migration and must not serve traffic yet.
	StatusMigrating CollectionStatus = "migrating"

	// StatusStale means the collection was superseded by a migration and
	// awaits cleanup.
	StatusStale CollectionStatus = "stale"

	// StatusDegraded means the collection serves traffic but failed its
	// last health check in a recoverable way.
	StatusDegraded CollectionStatus = "degraded"

	// StatusError means the collection is unusable.
	StatusError CollectionStatus = "error"
)

// CollectionRecord tracks one physical collection in the vector store.
type CollectionRecord struct {
	CollectionID      string           `json:"collection_id"`
	TenantID          string           `json:"tenant_id"`
	Configuration     embedding.Config `json:"configuration"`
	Status            CollectionStatus `json:"status"`
	PointCount        int              `json:"point_count"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	LastHealthCheckAt time.Time        `json:"last_health_check_at,omitempty"`
}

// ActivePointer names the collection currently serving a tenant. Exactly
// one writer may move the pointer at a time; the ownership token enforces
// this with compare-and-swap semantics.
type ActivePointer struct {
	TenantID     string    `json:"tenant_id"`
	CollectionID string    `json:"collection_id"`
	OwnerToken   string    `json:"owner_token"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// JobRecord is the durable state of a migration job.
type JobRecord struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	Phase            string           `json:"phase"`
	SourceCollection string           `json:"source_collection"`
	TargetCollection string           `json:"target_collection"`
	SourceConfig     embedding.Config `json:"source_config"`
	TargetConfig     embedding.Config `json:"target_config"`
	OwnerToken       string           `json:"owner_token,omitempty"`
	TotalPoints      int              `json:"total_points"`
	CopiedPoints     int              `json:"copied_points"`
	FailedItems      []string         `json:"failed_items,omitempty"`
	Error            string           `json:"error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	CompletedAt      time.Time        `json:"completed_at,omitempty"`
}

// Checkpoint records resumable copy progress for a migration job. One
// checkpoint exists per job and is overwritten after every batch.
type Checkpoint struct {
	JobID        string    `json:"job_id"`
	Phase        string    `json:"phase"`
	Cursor       string    `json:"cursor"`
	CopiedPoints int       `json:"copied_points"`
	BatchIndex   int       `json:"batch_index"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store is the durable control-plane store.
type Store interface {
	// PutCollection creates or replaces a collection record.
	PutCollection(ctx context.Context, rec CollectionRecord) error

	// GetCollection fetches a collection record by ID.
	GetCollection(ctx context.Context, collectionID string) (*CollectionRecord, error)

	// ListCollections returns all collection records, optionally filtered
	// by tenant. An empty tenantID matches everything.
	ListCollections(ctx context.Context, tenantID string) ([]CollectionRecord, error)

	// DeleteCollection removes a collection record.
	DeleteCollection(ctx context.Context, collectionID string) error

	// GetActivePointer returns the tenant's active pointer.
	GetActivePointer(ctx context.Context, tenantID string) (*ActivePointer, error)

	// SetActivePointer moves the tenant's active pointer. expectedToken
	// must match the stored owner token; ErrOwnershipConflict is returned
	// otherwise. An empty expectedToken is only valid when no pointer
	// exists yet.
	SetActivePointer(ctx context.Context, ptr ActivePointer, expectedToken string) error

	// PutDesiredConfig records the embedding configuration a tenant
	// should converge to.
	PutDesiredConfig(ctx context.Context, tenantID string, cfg embedding.Config) error

	// GetDesiredConfig returns the tenant's desired configuration.
	GetDesiredConfig(ctx context.Context, tenantID string) (*embedding.Config, error)

	// PutJob creates or replaces a migration job record.
	PutJob(ctx context.Context, job JobRecord) error

	// GetJob fetches a job record by ID.
	GetJob(ctx context.Context, jobID string) (*JobRecord, error)

	// ListJobs returns all job records, optionally filtered by tenant.
	ListJobs(ctx context.Context, tenantID string) ([]JobRecord, error)

	// PutCheckpoint records copy progress for a job.
	PutCheckpoint(ctx context.Context, cp Checkpoint) error

	// GetCheckpoint returns the job's checkpoint.
	GetCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error)

	// DeleteCheckpoint removes the job's checkpoint after completion.
	DeleteCheckpoint(ctx context.Context, jobID string) error

	Close() error
}
