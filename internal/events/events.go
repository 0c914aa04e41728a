// Package events publishes migration lifecycle notifications for external
// observers. Publishing is best-effort: a failed publish is logged, never
// propagated, so eventing can never fail a migration.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// MigrationEvent describes a migration phase transition.
type MigrationEvent struct {
	JobID     string    `json:"job_id"`
	TenantID  string    `json:"tenant_id"`
	Phase     string    `json:"phase"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher emits migration events.
type Publisher interface {
	PublishMigration(ctx context.Context, event MigrationEvent)
	Close()
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) PublishMigration(ctx context.Context, event MigrationEvent) {}
func (NopPublisher) Close()                                                     {}

// Config holds NATS connection settings.
type Config struct {
	// URL is the NATS server URL. Empty disables eventing.
	URL string `koanf:"url"`

	// SubjectPrefix is prepended to per-tenant subjects.
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "embedd.migrations"
	}
}

// NATSPublisher publishes migration events to per-tenant NATS subjects
// of the form "<prefix>.<tenant_id>".
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher connects to the configured NATS server.
func NewNATSPublisher(config Config, logger *zap.Logger) (*NATSPublisher, error) {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := nats.Connect(config.URL,
		nats.Name("embedd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", config.URL, err)
	}

	return &NATSPublisher{conn: conn, prefix: config.SubjectPrefix, logger: logger}, nil
}

func (p *NATSPublisher) PublishMigration(ctx context.Context, event MigrationEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("encoding migration event", zap.Error(err))
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, event.TenantID)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("publishing migration event",
			zap.String("subject", subject),
			zap.String("job_id", event.JobID),
			zap.Error(err))
	}
}

func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("draining nats connection", zap.Error(err))
	}
}
