package embedding

import "fmt"

// ProviderSettings holds per-provider connection settings. These are
// deployment-level settings, distinct from the per-tenant Config which
// selects which provider and model to use.
type ProviderSettings struct {
	TEI    TEIConfig    `koanf:"tei"`
	OpenAI OpenAIConfig `koanf:"openai"`
}

// NewProvider creates an embedding provider for the given configuration.
func NewProvider(cfg Config, settings ProviderSettings) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case ProviderTEI:
		return NewTEIProvider(cfg, settings.TEI)
	case ProviderOpenAI:
		return NewOpenAIProvider(cfg, settings.OpenAI)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
