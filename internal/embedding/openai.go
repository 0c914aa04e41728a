package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"
)

// OpenAIConfig holds configuration for an OpenAI-compatible provider.
type OpenAIConfig struct {
	// BaseURL overrides the API endpoint for OpenAI-compatible services.
	// Empty uses the official API.
	BaseURL string `koanf:"base_url"`

	// APIKey is the API key. Required for the official API; local
	// OpenAI-compatible services may accept any value.
	APIKey string `koanf:"api_key"`

	// RequestsPerSecond limits outbound request rate. 0 disables limiting.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// Validate validates the configuration.
func (c OpenAIConfig) Validate() error {
	if c.APIKey == "" && c.BaseURL == "" {
		return fmt.Errorf("%w: api key required for official OpenAI endpoint", ErrInvalidConfig)
	}
	return nil
}

// OpenAIProvider generates embeddings via an OpenAI-compatible API.
type OpenAIProvider struct {
	cfg      Config
	embedder embeddings.Embedder
	limiter  *rate.Limiter
}

// NewOpenAIProvider creates an OpenAI-backed provider for the given embedding config.
func NewOpenAIProvider(cfg Config, oaCfg OpenAIConfig) (*OpenAIProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := oaCfg.Validate(); err != nil {
		return nil, err
	}

	opts := []openai.Option{openai.WithEmbeddingModel(cfg.Model)}
	if oaCfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(oaCfg.BaseURL))
	}
	token := oaCfg.APIKey
	if token == "" {
		// Local OpenAI-compatible services reject empty tokens but accept any value.
		token = "none"
	}
	opts = append(opts, openai.WithToken(token))

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	var limiter *rate.Limiter
	if oaCfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(oaCfg.RequestsPerSecond), 1)
	}

	return &OpenAIProvider{cfg: cfg, embedder: embedder, limiter: limiter}, nil
}

// Config returns the embedding configuration this provider serves.
func (p *OpenAIProvider) Config() Config {
	return p.cfg
}

// EmbedDocuments generates embeddings for multiple texts.
func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrInvalidInput)
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrInvalidInput)
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}
	vector, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	return vector, nil
}

// classifyOpenAIError maps API error text to typed embedding errors.
// The langchaingo client surfaces raw API errors as strings, so this
// matches on status markers in the message.
func classifyOpenAIError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "unauthorized"):
		return fmt.Errorf("%w: %v", ErrAuth, err)
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return fmt.Errorf("%w: %v", ErrRateLimit, err)
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "connection refused") || strings.Contains(msg, "timeout"):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
}

// Close is a no-op for the HTTP-based OpenAI client.
func (p *OpenAIProvider) Close() error {
	return nil
}
