// Package config provides configuration loading for embedd.
package config

import (
	"fmt"

	"github.com/fyrsmithlabs/embedd/internal/configstore"
	"github.com/fyrsmithlabs/embedd/internal/embedding"
	"github.com/fyrsmithlabs/embedd/internal/events"
	"github.com/fyrsmithlabs/embedd/internal/lifecycle"
	"github.com/fyrsmithlabs/embedd/internal/logging"
	"github.com/fyrsmithlabs/embedd/internal/migration"
	"github.com/fyrsmithlabs/embedd/internal/pipeline"
	"github.com/fyrsmithlabs/embedd/internal/recovery"
	"github.com/fyrsmithlabs/embedd/internal/server"
	"github.com/fyrsmithlabs/embedd/internal/vectorstore"
)

// Config is the root configuration for the embedd service.
type Config struct {
	Logging logging.Config `koanf:"logging"`
	Server  server.Config  `koanf:"server"`

	// Vectorstore selects and configures the vector store backend.
	Vectorstore VectorstoreConfig `koanf:"vectorstore"`

	// Providers holds connection settings for embedding providers.
	Providers embedding.ProviderSettings `koanf:"providers"`

	// Store is the durable control-plane store.
	Store configstore.BadgerConfig `koanf:"store"`

	Recovery    recovery.CoordinatorConfig  `koanf:"recovery"`
	Migration   migration.Config            `koanf:"migration"`
	Maintenance lifecycle.MaintenanceConfig `koanf:"maintenance"`
	Scanner     lifecycle.ScannerConfig     `koanf:"scanner"`
	Events      events.Config               `koanf:"events"`
	Pipeline    pipeline.Config             `koanf:"pipeline"`
}

// VectorstoreConfig selects the vector store backend.
type VectorstoreConfig struct {
	// Provider is "qdrant" or "chromem".
	Provider string `koanf:"provider"`

	Qdrant  vectorstore.QdrantConfig  `koanf:"qdrant"`
	Chromem vectorstore.ChromemConfig `koanf:"chromem"`
}

// applyDefaults fills in defaults for all sections.
func applyDefaults(cfg *Config) {
	cfg.Logging.ApplyDefaults()
	cfg.Server.ApplyDefaults()
	if cfg.Vectorstore.Provider == "" {
		cfg.Vectorstore.Provider = "chromem"
	}
	cfg.Vectorstore.Qdrant.ApplyDefaults()
	cfg.Providers.TEI.ApplyDefaults()
	cfg.Recovery.ApplyDefaults()
	cfg.Migration.ApplyDefaults()
	cfg.Maintenance.ApplyDefaults()
	cfg.Scanner.ApplyDefaults()
	cfg.Events.ApplyDefaults()
	cfg.Pipeline.ApplyDefaults()
}

// Validate checks the full configuration.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	switch c.Vectorstore.Provider {
	case "qdrant":
		if err := c.Vectorstore.Qdrant.Validate(); err != nil {
			return fmt.Errorf("vectorstore.qdrant: %w", err)
		}
	case "chromem":
	default:
		return fmt.Errorf("vectorstore: unsupported provider %q", c.Vectorstore.Provider)
	}
	if err := c.Recovery.Validate(); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if err := c.Migration.Validate(); err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	return nil
}
