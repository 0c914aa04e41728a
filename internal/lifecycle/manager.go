// Package lifecycle manages the existence, health, and configuration
// drift of tenant collections, and schedules background maintenance.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/embedd/internal/configstore"
	"github.com/fyrsmithlabs/embedd/internal/embedding"
	"github.com/fyrsmithlabs/embedd/internal/recovery"
	"github.com/fyrsmithlabs/embedd/internal/vectorstore"
)

// HealthStatus summarizes a tenant collection's health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthReport is the result of a tenant health check.
type HealthReport struct {
	TenantID     string       `json:"tenant_id"`
	CollectionID string       `json:"collection_id"`
	Status       HealthStatus `json:"status"`
	PointCount   int          `json:"point_count"`
	LastChecked  time.Time    `json:"last_checked"`
	Reason       string       `json:"reason,omitempty"`
}

// ChangePriority classifies how urgently a configuration drift needs
// action.
type ChangePriority string

const (
	PriorityHigh   ChangePriority = "high"
	PriorityMedium ChangePriority = "medium"
	PriorityLow    ChangePriority = "low"
)

// ChangeReport describes detected configuration drift for a tenant.
type ChangeReport struct {
	TenantID   string           `json:"tenant_id"`
	Current    embedding.Config `json:"current"`
	Desired    embedding.Config `json:"desired"`
	Changed    bool             `json:"changed"`
	Priority   ChangePriority   `json:"priority,omitempty"`
	JobID      string           `json:"job_id,omitempty"`
	Enqueued   bool             `json:"enqueued"`
	DetectedAt time.Time        `json:"detected_at"`
}

// MigrationRequester enqueues a migration toward the desired
// configuration. Implemented by the migration orchestrator.
type MigrationRequester interface {
	RequestMigration(ctx context.Context, tenantID string, target embedding.Config) (string, error)
}

// Manager owns collection lifecycle state for all tenants.
type Manager struct {
	vs          vectorstore.Store
	records     configstore.Store
	coordinator *recovery.Coordinator
	requester   MigrationRequester
	clock       recovery.Clock
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewManager creates a lifecycle manager. requester may be nil, in which
// case detected drift is reported but not enqueued.
func NewManager(vs vectorstore.Store, records configstore.Store, coordinator *recovery.Coordinator, requester MigrationRequester, clock recovery.Clock, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = recovery.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		vs:          vs,
		records:     records,
		coordinator: coordinator,
		requester:   requester,
		clock:       clock,
		logger:      logger,
		tracer:      otel.Tracer("embedd.lifecycle"),
	}
}

// SetRequester wires the migration requester after construction. The
// orchestrator depends on the manager for provisioning, so the two are
// connected in this order at startup.
func (m *Manager) SetRequester(requester MigrationRequester) {
	m.requester = requester
}

// CollectionName derives the physical collection name for a tenant and
// configuration. The name is deterministic so repeated ensure calls with
// the same configuration converge on one collection.
func CollectionName(tenantID string, cfg embedding.Config) string {
	name := fmt.Sprintf("%s_%s_%s_%d", tenantID, cfg.Provider, cfg.Model, cfg.Dimension)
	name = strings.ToLower(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

// EnsureExists makes sure a collection matching cfg exists and is the
// tenant's active collection. Idempotent: if the active record already
// matches the configuration and the collection is reachable, nothing
// changes and the existing collection ID is returned.
func (m *Manager) EnsureExists(ctx context.Context, tenantID string, cfg embedding.Config) (string, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.ensure_exists",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", embedding.ErrInvalidConfig, err)
	}

	ptr, err := m.records.GetActivePointer(ctx, tenantID)
	if err != nil && !errors.Is(err, configstore.ErrNotFound) {
		return "", fmt.Errorf("reading active pointer for %s: %w", tenantID, err)
	}

	if ptr != nil {
		rec, err := m.records.GetCollection(ctx, ptr.CollectionID)
		if err != nil && !errors.Is(err, configstore.ErrNotFound) {
			return "", fmt.Errorf("reading collection record %s: %w", ptr.CollectionID, err)
		}
		if rec != nil && rec.Configuration.Equal(cfg) {
			exists, err := m.vs.CollectionExists(ctx, rec.CollectionID)
			if err != nil {
				return "", fmt.Errorf("checking collection %s: %w", rec.CollectionID, err)
			}
			if exists {
				return rec.CollectionID, nil
			}
			// Record exists but the collection vanished; recreate below.
			m.logger.Warn("active collection missing from vector store, recreating",
				zap.String("tenant_id", tenantID),
				zap.String("collection", rec.CollectionID))
		}
	}

	collectionID := CollectionName(tenantID, cfg)
	outcome := m.coordinator.Execute(ctx, recovery.Operation{
		Name:       "ensure_collection",
		Dependency: "vectorstore",
		Kind:       recovery.OpCollection,
		Critical:   true,
		Do: func(ctx context.Context) error {
			exists, err := m.vs.CollectionExists(ctx, collectionID)
			if err != nil {
				return err
			}
			if exists {
				return nil
			}
			return m.vs.CreateCollection(ctx, collectionID, cfg.Dimension)
		},
	})
	if outcome.Failed() {
		return "", fmt.Errorf("creating collection %s: %w", collectionID, outcome.Err)
	}

	now := m.clock.Now()
	rec := configstore.CollectionRecord{
		CollectionID:  collectionID,
		TenantID:      tenantID,
		Configuration: cfg,
		Status:        configstore.StatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.records.PutCollection(ctx, rec); err != nil {
		return "", fmt.Errorf("recording collection %s: %w", collectionID, err)
	}

	expectedToken := ""
	if ptr != nil {
		expectedToken = ptr.OwnerToken
	}
	newPtr := configstore.ActivePointer{
		TenantID:     tenantID,
		CollectionID: collectionID,
		OwnerToken:   uuid.NewString(),
		UpdatedAt:    now,
	}
	if err := m.records.SetActivePointer(ctx, newPtr, expectedToken); err != nil {
		return "", fmt.Errorf("activating collection %s: %w", collectionID, err)
	}

	m.logger.Info("collection ensured",
		zap.String("tenant_id", tenantID),
		zap.String("collection", collectionID),
		zap.String("config", cfg.String()))
	return collectionID, nil
}

// ProvisionCollection creates a collection and its record without
// touching the tenant's active pointer. Used by migrations to build a
// target collection that must not serve traffic yet.
func (m *Manager) ProvisionCollection(ctx context.Context, tenantID, collectionID string, cfg embedding.Config, status configstore.CollectionStatus) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", embedding.ErrInvalidConfig, err)
	}

	outcome := m.coordinator.Execute(ctx, recovery.Operation{
		Name:       "provision_collection",
		Dependency: "vectorstore",
		Kind:       recovery.OpCollection,
		Critical:   true,
		Do: func(ctx context.Context) error {
			return m.vs.CreateCollection(ctx, collectionID, cfg.Dimension)
		},
	})
	if outcome.Failed() {
		return fmt.Errorf("provisioning collection %s: %w", collectionID, outcome.Err)
	}

	now := m.clock.Now()
	return m.records.PutCollection(ctx, configstore.CollectionRecord{
		CollectionID:  collectionID,
		TenantID:      tenantID,
		Configuration: cfg,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

// ActiveCollection resolves the tenant's active collection record.
func (m *Manager) ActiveCollection(ctx context.Context, tenantID string) (*configstore.CollectionRecord, error) {
	ptr, err := m.records.GetActivePointer(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return m.records.GetCollection(ctx, ptr.CollectionID)
}

// DetectConfigurationChange compares the tenant's desired configuration
// against its active collection. High and medium priority drift enqueues
// a migration; the manager never mutates the active pointer itself.
func (m *Manager) DetectConfigurationChange(ctx context.Context, tenantID string) (*ChangeReport, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.detect_change",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	desired, err := m.records.GetDesiredConfig(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("reading desired config for %s: %w", tenantID, err)
	}
	rec, err := m.ActiveCollection(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("reading active collection for %s: %w", tenantID, err)
	}

	report := &ChangeReport{
		TenantID:   tenantID,
		Current:    rec.Configuration,
		Desired:    *desired,
		DetectedAt: m.clock.Now(),
	}

	if rec.Configuration.Equal(*desired) {
		report.Priority = PriorityLow
		return report, nil
	}

	report.Changed = true
	report.Priority = classifyChange(rec.Configuration, *desired)

	if report.Priority == PriorityLow || m.requester == nil {
		return report, nil
	}

	jobID, err := m.requester.RequestMigration(ctx, tenantID, *desired)
	if err != nil {
		return report, fmt.Errorf("enqueueing migration for %s: %w", tenantID, err)
	}
	report.JobID = jobID
	report.Enqueued = true

	m.logger.Info("configuration drift detected",
		zap.String("tenant_id", tenantID),
		zap.String("priority", string(report.Priority)),
		zap.String("job_id", jobID))
	return report, nil
}

// classifyChange ranks drift urgency. Provider and dimension changes are
// high, a model change at the same dimension is medium.
func classifyChange(current, desired embedding.Config) ChangePriority {
	if current.Provider != desired.Provider || current.Dimension != desired.Dimension {
		return PriorityHigh
	}
	if current.Model != desired.Model {
		return PriorityMedium
	}
	return PriorityLow
}

// HealthCheck probes the tenant's active collection and updates its
// record. Reachability failures are degraded rather than fatal when the
// store cannot be reached transiently.
func (m *Manager) HealthCheck(ctx context.Context, tenantID string) (*HealthReport, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.health_check",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	rec, err := m.ActiveCollection(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("reading active collection for %s: %w", tenantID, err)
	}

	report := &HealthReport{
		TenantID:     tenantID,
		CollectionID: rec.CollectionID,
		LastChecked:  m.clock.Now(),
	}

	var stats *vectorstore.Stats
	outcome := m.coordinator.Execute(ctx, recovery.Operation{
		Name:       "collection_stats",
		Dependency: "vectorstore",
		Kind:       recovery.OpMaintenance,
		Degradable: true,
		Do: func(ctx context.Context) error {
			var err error
			stats, err = m.vs.Stats(ctx, rec.CollectionID)
			return err
		},
	})

	switch {
	case outcome.Failed() || stats == nil:
		report.Status = HealthUnhealthy
		report.Reason = "collection unreachable"
	case stats.PointCount < 0:
		report.Status = HealthUnhealthy
		report.Reason = "negative point count"
	case rec.PointCount > 0 && stats.PointCount < rec.PointCount/2:
		// A large unexplained drop suggests data loss.
		report.Status = HealthDegraded
		report.PointCount = stats.PointCount
		report.Reason = fmt.Sprintf("point count dropped from %d to %d", rec.PointCount, stats.PointCount)
	case stats.IndexStatus == vectorstore.IndexStatusRed:
		report.Status = HealthUnhealthy
		report.PointCount = stats.PointCount
		report.Reason = "index status red"
	case stats.IndexStatus == vectorstore.IndexStatusYellow:
		report.Status = HealthDegraded
		report.PointCount = stats.PointCount
		report.Reason = "index status yellow"
	case outcome.Degraded():
		report.Status = HealthDegraded
		report.PointCount = stats.PointCount
		report.Reason = "stats read degraded"
	default:
		report.Status = HealthHealthy
		report.PointCount = stats.PointCount
	}

	rec.LastHealthCheckAt = report.LastChecked
	rec.UpdatedAt = report.LastChecked
	if report.Status == HealthHealthy || report.Status == HealthDegraded {
		rec.PointCount = report.PointCount
	}
	switch report.Status {
	case HealthHealthy:
		rec.Status = configstore.StatusActive
	case HealthDegraded:
		rec.Status = configstore.StatusDegraded
	case HealthUnhealthy:
		rec.Status = configstore.StatusError
	}
	if err := m.records.PutCollection(ctx, *rec); err != nil {
		return nil, fmt.Errorf("updating collection record %s: %w", rec.CollectionID, err)
	}
	return report, nil
}
