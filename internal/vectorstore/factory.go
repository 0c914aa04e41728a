package vectorstore

import (
	"fmt"

	"go.uber.org/zap"
)

// NewStore creates a Store for the configured provider.
// Supported providers: "qdrant", "chromem" (default).
func NewStore(provider string, qdrantCfg QdrantConfig, chromemCfg ChromemConfig, logger *zap.Logger) (Store, error) {
	switch provider {
	case "qdrant":
		return NewQdrantStore(qdrantCfg)
	case "chromem", "":
		return NewChromemStore(chromemCfg, logger)
	default:
		return nil, fmt.Errorf("%w: unsupported vectorstore provider %q", ErrInvalidConfig, provider)
	}
}
