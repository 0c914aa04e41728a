package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// TEIConfig holds configuration for a Text Embeddings Inference provider.
type TEIConfig struct {
	// BaseURL is the TEI server base URL, e.g. http://localhost:8080.
	BaseURL string `koanf:"base_url"`

	// Timeout bounds each HTTP request. Default: 30s.
	Timeout time.Duration `koanf:"timeout"`

	// RequestsPerSecond limits outbound request rate. 0 disables limiting.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// ApplyDefaults sets default values for unset fields.
func (c *TEIConfig) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// Validate validates the configuration.
func (c TEIConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	return nil
}

// TEIProvider generates embeddings via a Text Embeddings Inference server.
type TEIProvider struct {
	cfg     Config
	teiCfg  TEIConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewTEIProvider creates a TEI-backed provider for the given embedding config.
func NewTEIProvider(cfg Config, teiCfg TEIConfig) (*TEIProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	teiCfg.ApplyDefaults()
	if err := teiCfg.Validate(); err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if teiCfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(teiCfg.RequestsPerSecond), 1)
	}

	return &TEIProvider{
		cfg:     cfg,
		teiCfg:  teiCfg,
		client:  &http.Client{Timeout: teiCfg.Timeout},
		limiter: limiter,
	}, nil
}

// teiRequest is the request body for the TEI embed endpoint.
type teiRequest struct {
	Inputs   interface{} `json:"inputs"`
	Truncate bool        `json:"truncate"`
}

// Config returns the embedding configuration this provider serves.
func (p *TEIProvider) Config() Config {
	return p.cfg
}

// EmbedDocuments generates embeddings for multiple texts.
func (p *TEIProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrInvalidInput)
	}
	return p.embed(ctx, teiRequest{Inputs: texts, Truncate: true})
}

// EmbedQuery generates an embedding for a single query.
func (p *TEIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrInvalidInput)
	}
	vectors, err := p.embed(ctx, teiRequest{Inputs: text, Truncate: true})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrUnavailable)
	}
	return vectors[0], nil
}

func (p *TEIProvider) embed(ctx context.Context, req teiRequest) ([][]float32, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.teiCfg.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", classifyStatus(resp.StatusCode), resp.StatusCode, string(respBody))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return vectors, nil
}

// classifyStatus maps an HTTP status code to a typed embedding error.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status == http.StatusTooManyRequests:
		return ErrRateLimit
	case status >= 500:
		return ErrUnavailable
	default:
		return ErrInvalidInput
	}
}

// Close is a no-op for TEI since it uses plain HTTP.
func (p *TEIProvider) Close() error {
	return nil
}
