// Package pipeline is the top-level facade of the embedding subsystem.
// Chat and document collaborators call it for embed/search traffic and
// migration control; every external call is routed through the recovery
// coordinator, and degraded results carry an explicit flag rather than
// coming back silently empty.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/embedd/internal/configstore"
	"github.com/fyrsmithlabs/embedd/internal/embedding"
	"github.com/fyrsmithlabs/embedd/internal/lifecycle"
	"github.com/fyrsmithlabs/embedd/internal/migration"
	"github.com/fyrsmithlabs/embedd/internal/recovery"
	"github.com/fyrsmithlabs/embedd/internal/vectorstore"
)

// EmbedResult is the outcome of storing one piece of content.
type EmbedResult struct {
	PointID  string `json:"point_id"`
	Degraded bool   `json:"degraded"`
}

// RetrievalResult carries search hits plus an explicit degradation flag.
// When Degraded is true the hits may be stale (cache fallback) or empty,
// and the caller decides whether to proceed without context.
type RetrievalResult struct {
	Points   []vectorstore.ScoredPoint `json:"points"`
	Degraded bool                      `json:"degraded"`
}

// HealthSummary aggregates tenant health with dependency circuit states.
type HealthSummary struct {
	TenantID    string                    `json:"tenant_id"`
	Status      lifecycle.HealthStatus    `json:"status"`
	PointCount  int                       `json:"point_count"`
	LastChecked string                    `json:"last_checked"`
	Circuits    map[string]recovery.State `json:"circuits"`
	Recent      []recovery.ErrorEvent     `json:"recent_errors,omitempty"`
}

// Config controls the pipeline facade.
type Config struct {
	// Fallback is an optional alternate embedding configuration used
	// when the primary provider fails to generate embeddings. Zero value
	// disables the fallback.
	Fallback embedding.Config `koanf:"fallback"`

	// CacheSize bounds the per-tenant last-known-good retrieval cache.
	CacheSize int `koanf:"cache_size"`
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.CacheSize == 0 {
		c.CacheSize = 256
	}
}

// Pipeline composes the lifecycle manager, migration orchestrator, and
// recovery coordinator behind a single surface.
type Pipeline struct {
	config      Config
	vs          vectorstore.Store
	records     configstore.Store
	lifecycle   *lifecycle.Manager
	orch        *migration.Orchestrator
	coordinator *recovery.Coordinator
	newProvider migration.ProviderFactory
	logger      *zap.Logger
	tracer      trace.Tracer

	provMu    sync.Mutex
	providers map[string]embedding.Provider

	cacheMu sync.RWMutex
	cache   map[string][]vectorstore.ScoredPoint
}

// New creates the pipeline facade.
func New(config Config, vs vectorstore.Store, records configstore.Store, lm *lifecycle.Manager, orch *migration.Orchestrator, coordinator *recovery.Coordinator, newProvider migration.ProviderFactory, logger *zap.Logger) *Pipeline {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		config:      config,
		vs:          vs,
		records:     records,
		lifecycle:   lm,
		orch:        orch,
		coordinator: coordinator,
		newProvider: newProvider,
		logger:      logger,
		tracer:      otel.Tracer("embedd.pipeline"),
		providers:   make(map[string]embedding.Provider),
		cache:       make(map[string][]vectorstore.ScoredPoint),
	}
}

// provider returns a cached provider for cfg, building it on first use.
func (p *Pipeline) provider(cfg embedding.Config) (embedding.Provider, error) {
	key := cfg.String()
	p.provMu.Lock()
	defer p.provMu.Unlock()
	if prov, ok := p.providers[key]; ok {
		return prov, nil
	}
	prov, err := p.newProvider(cfg)
	if err != nil {
		return nil, err
	}
	p.providers[key] = prov
	return prov, nil
}

// ProcessEmbedding embeds content and stores it in the tenant's active
// collection. When the primary provider cannot embed and a fallback
// configuration with the same dimension exists, the fallback is used and
// the result is flagged degraded.
func (p *Pipeline) ProcessEmbedding(ctx context.Context, tenantID, content string) (*EmbedResult, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.process_embedding",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	if content == "" {
		return nil, fmt.Errorf("%w: empty content", embedding.ErrInvalidInput)
	}

	rec, err := p.lifecycle.ActiveCollection(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolving active collection for %s: %w", tenantID, err)
	}

	primary, err := p.provider(rec.Configuration)
	if err != nil {
		return nil, fmt.Errorf("building provider: %w", err)
	}

	var vector []float32
	op := recovery.Operation{
		Name:       "process_embedding",
		Dependency: rec.Configuration.DependencyKey(),
		Kind:       recovery.OpEmbed,
		Do: func(ctx context.Context) error {
			var err error
			vector, err = primary.EmbedQuery(ctx, content)
			return err
		},
	}

	// A fallback provider is only usable when it produces vectors of the
	// same dimension as the active collection.
	if p.config.Fallback.Dimension == rec.Configuration.Dimension && p.config.Fallback.Validate() == nil {
		fallbackCfg := p.config.Fallback
		op.Fallback = func(ctx context.Context) error {
			fallback, err := p.provider(fallbackCfg)
			if err != nil {
				return err
			}
			vector, err = fallback.EmbedQuery(ctx, content)
			return err
		}
	}

	outcome := p.coordinator.Execute(ctx, op)
	if !outcome.Ok() && !(outcome.Degraded() && vector != nil) {
		return nil, fmt.Errorf("embedding content for %s: %w", tenantID, outcome.Err)
	}

	pointID := uuid.NewString()
	upsert := p.coordinator.Execute(ctx, recovery.Operation{
		Name:       "store_embedding",
		Dependency: "vectorstore",
		Kind:       recovery.OpCollection,
		Critical:   true,
		Do: func(ctx context.Context) error {
			return p.vs.Upsert(ctx, rec.CollectionID, []vectorstore.Point{{
				ID:     pointID,
				Vector: vector,
				Payload: map[string]interface{}{
					"content":   content,
					"tenant_id": tenantID,
				},
			}})
		},
	})
	if !upsert.Ok() {
		return nil, fmt.Errorf("storing embedding for %s: %w", tenantID, upsert.Err)
	}

	// Vectors from the fallback provider live in a different embedding
	// space, so even a successful fallback is surfaced as degraded.
	degraded := outcome.Degraded() || outcome.Strategy == recovery.StrategyFallbackProvider
	return &EmbedResult{PointID: pointID, Degraded: degraded}, nil
}

// ProcessRetrieval searches the tenant's active collection. On search
// failure the last known good result for the tenant is returned with the
// degraded flag set; with no cached result, an empty degraded result is
// returned rather than an error for degradable failures.
func (p *Pipeline) ProcessRetrieval(ctx context.Context, tenantID string, queryVector []float32, topK int) (*RetrievalResult, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.process_retrieval",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.Int("top_k", topK),
		))
	defer span.End()

	rec, err := p.lifecycle.ActiveCollection(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolving active collection for %s: %w", tenantID, err)
	}
	if len(queryVector) != rec.Configuration.Dimension {
		return nil, fmt.Errorf("%w: query has dimension %d, collection expects %d",
			vectorstore.ErrDimensionMismatch, len(queryVector), rec.Configuration.Dimension)
	}

	var hits []vectorstore.ScoredPoint
	fromCache := false
	outcome := p.coordinator.Execute(ctx, recovery.Operation{
		Name:       "process_retrieval",
		Dependency: "vectorstore",
		Kind:       recovery.OpSearch,
		Degradable: true,
		Do: func(ctx context.Context) error {
			var err error
			hits, err = p.vs.Search(ctx, rec.CollectionID, queryVector, topK, nil)
			return err
		},
		Fallback: func(ctx context.Context) error {
			cached, ok := p.lastKnownGood(tenantID)
			if !ok {
				return fmt.Errorf("no cached result for tenant %s", tenantID)
			}
			hits = cached
			fromCache = true
			return nil
		},
	})

	switch {
	case outcome.Ok():
		p.remember(tenantID, hits)
		return &RetrievalResult{Points: hits, Degraded: false}, nil
	case outcome.Degraded():
		if !fromCache {
			hits = nil
		}
		return &RetrievalResult{Points: hits, Degraded: true}, nil
	default:
		return nil, fmt.Errorf("searching for %s: %w", tenantID, outcome.Err)
	}
}

func (p *Pipeline) remember(tenantID string, hits []vectorstore.ScoredPoint) {
	if len(hits) == 0 {
		return
	}
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	if len(p.cache) >= p.config.CacheSize {
		// Evict arbitrarily; the cache only needs to be roughly bounded.
		for k := range p.cache {
			delete(p.cache, k)
			break
		}
	}
	p.cache[tenantID] = append([]vectorstore.ScoredPoint(nil), hits...)
}

func (p *Pipeline) lastKnownGood(tenantID string) ([]vectorstore.ScoredPoint, bool) {
	p.cacheMu.RLock()
	defer p.cacheMu.RUnlock()
	hits, ok := p.cache[tenantID]
	return hits, ok
}

// ValidateConfigurationChange checks a desired configuration against the
// tenant's active one without changing anything.
func (p *Pipeline) ValidateConfigurationChange(ctx context.Context, tenantID string, desired embedding.Config) (*migration.CompatibilityResult, error) {
	rec, err := p.lifecycle.ActiveCollection(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolving active collection for %s: %w", tenantID, err)
	}
	result, err := migration.ValidateCompatibility(rec.Configuration, desired)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// PlanMigration produces the migration plan for a configuration change
// without mutating anything. This is the dry run of StartMigration.
func (p *Pipeline) PlanMigration(ctx context.Context, tenantID string, target embedding.Config) (*migration.Plan, error) {
	return p.orch.CreatePlan(ctx, tenantID, target)
}

// StartMigration records the desired configuration and starts a
// migration job toward it.
func (p *Pipeline) StartMigration(ctx context.Context, tenantID string, target embedding.Config) (string, error) {
	if err := p.records.PutDesiredConfig(ctx, tenantID, target); err != nil {
		return "", fmt.Errorf("recording desired config for %s: %w", tenantID, err)
	}
	return p.orch.RequestMigration(ctx, tenantID, target)
}

// CancelMigration cancels a running job; it rolls back cooperatively.
func (p *Pipeline) CancelMigration(jobID string) error {
	return p.orch.Cancel(jobID)
}

// RollbackMigration forces a running job back to its prior state.
func (p *Pipeline) RollbackMigration(ctx context.Context, jobID string) error {
	return p.orch.Rollback(ctx, jobID)
}

// GetMigrationStatus returns a job snapshot.
func (p *Pipeline) GetMigrationStatus(ctx context.Context, jobID string) (*migration.Status, error) {
	return p.orch.Status(ctx, jobID)
}

// GetHealthSummary combines the tenant health check with circuit states
// and recent error events.
func (p *Pipeline) GetHealthSummary(ctx context.Context, tenantID string) (*HealthSummary, error) {
	report, err := p.lifecycle.HealthCheck(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &HealthSummary{
		TenantID:    tenantID,
		Status:      report.Status,
		PointCount:  report.PointCount,
		LastChecked: report.LastChecked.Format("2006-01-02T15:04:05Z07:00"),
		Circuits:    p.coordinator.Registry().States(),
		Recent:      p.coordinator.Journal().Recent(10),
	}, nil
}

// RecentErrors exposes the tail of the error event journal.
func (p *Pipeline) RecentErrors(n int) []recovery.ErrorEvent {
	return p.coordinator.Journal().Recent(n)
}

// Close releases cached providers.
func (p *Pipeline) Close() {
	p.provMu.Lock()
	defer p.provMu.Unlock()
	for key, prov := range p.providers {
		if err := prov.Close(); err != nil {
			p.logger.Warn("closing provider", zap.String("provider", key), zap.Error(err))
		}
		delete(p.providers, key)
	}
}
