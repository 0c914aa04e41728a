// Package embedding defines embedding configurations and providers.
//
// A Config is the (provider, model, dimension) triple that determines how
// tenant text is turned into vectors. Configs are immutable values compared
// by equality; changing any field for a tenant requires validation and,
// for dimension changes, a full collection migration.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for embedding provider failures. Providers map their
// transport-specific failures onto these so callers can classify them
// without knowing the provider.
var (
	// ErrAuth indicates invalid or rejected credentials.
	ErrAuth = errors.New("embedding: authentication failed")

	// ErrRateLimit indicates the provider throttled the request.
	ErrRateLimit = errors.New("embedding: rate limited")

	// ErrUnavailable indicates the provider is temporarily unreachable.
	ErrUnavailable = errors.New("embedding: provider unavailable")

	// ErrInvalidInput indicates the input texts were rejected.
	ErrInvalidInput = errors.New("embedding: invalid input")

	// ErrInvalidConfig indicates a malformed embedding configuration.
	ErrInvalidConfig = errors.New("embedding: invalid configuration")
)

// Known provider identifiers.
const (
	ProviderTEI    = "tei"
	ProviderOpenAI = "openai"
)

// Config identifies an embedding configuration.
//
// Immutable value type; compare with Equal. The dimension MUST match the
// vector size of any collection the config is attached to.
type Config struct {
	Provider  string `json:"provider" koanf:"provider"`
	Model     string `json:"model" koanf:"model"`
	Dimension int    `json:"dimension" koanf:"dimension"`
}

// Validate checks the config for malformed values.
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderTEI, ProviderOpenAI:
	case "":
		return fmt.Errorf("%w: provider required", ErrInvalidConfig)
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, c.Dimension)
	}
	return nil
}

// Equal reports whether two configs are identical.
func (c Config) Equal(other Config) bool {
	return c.Provider == other.Provider && c.Model == other.Model && c.Dimension == other.Dimension
}

// DependencyKey returns the circuit breaker key for this config's provider,
// e.g. "embedding:openai".
func (c Config) DependencyKey() string {
	return "embedding:" + c.Provider
}

// String returns a compact human-readable form, e.g. "openai/text-embedding-3-small@1536".
func (c Config) String() string {
	return fmt.Sprintf("%s/%s@%d", c.Provider, c.Model, c.Dimension)
}

// Provider generates vector embeddings from text.
//
// Implementations wrap one remote embedding service and are safe for
// concurrent use. All methods honor context cancellation.
type Provider interface {
	// EmbedDocuments generates embeddings for multiple texts, one vector
	// per input text, in input order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Config returns the embedding configuration this provider serves.
	Config() Config

	// Close releases resources held by the provider.
	Close() error
}
