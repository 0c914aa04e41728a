package lifecycle

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/embedd/internal/configstore"
)

// ScannerConfig controls the background drift and health scanner.
type ScannerConfig struct {
	// Interval between scan sweeps.
	Interval time.Duration `koanf:"interval"`

	// Enabled toggles the scanner.
	Enabled bool `koanf:"enabled"`
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *ScannerConfig) ApplyDefaults() {
	if c.Interval == 0 {
		c.Interval = 5 * time.Minute
	}
}

// Scanner periodically sweeps all tenants, scheduling health checks and
// detecting configuration drift. It never mutates active pointers; drift
// is handed to the migration requester via the manager.
type Scanner struct {
	manager   *Manager
	scheduler *Scheduler
	config    ScannerConfig
	logger    *zap.Logger
}

// NewScanner creates a background scanner.
func NewScanner(manager *Manager, scheduler *Scheduler, config ScannerConfig, logger *zap.Logger) *Scanner {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{manager: manager, scheduler: scheduler, config: config, logger: logger}
}

// Run sweeps until ctx is cancelled. Meant to run in its own goroutine.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over all known tenants.
func (s *Scanner) Sweep(ctx context.Context) {
	recs, err := s.manager.records.ListCollections(ctx, "")
	if err != nil {
		s.logger.Warn("listing collections for scan", zap.Error(err))
		return
	}

	seen := make(map[string]bool)
	cleanup := make(map[string]bool)
	for _, rec := range recs {
		if rec.Status == configstore.StatusStale {
			// Retired collections are reclaimed once past the grace
			// period. One task per tenant covers all its stale records.
			if !cleanup[rec.TenantID] {
				cleanup[rec.TenantID] = true
				s.scheduler.Schedule(Task{Type: TaskCleanup, TenantID: rec.TenantID})
			}
			continue
		}
		if seen[rec.TenantID] {
			continue
		}
		seen[rec.TenantID] = true

		s.scheduler.Schedule(Task{Type: TaskHealthCheck, TenantID: rec.TenantID})

		report, err := s.manager.DetectConfigurationChange(ctx, rec.TenantID)
		if err != nil {
			// Tenants without a desired config are simply not drifting.
			if errors.Is(err, configstore.ErrNotFound) {
				continue
			}
			s.logger.Warn("detecting configuration drift",
				zap.String("tenant_id", rec.TenantID),
				zap.Error(err))
			continue
		}
		if report.Changed && !report.Enqueued {
			s.logger.Info("configuration drift detected without migration",
				zap.String("tenant_id", rec.TenantID),
				zap.String("priority", string(report.Priority)))
		}
	}
}
