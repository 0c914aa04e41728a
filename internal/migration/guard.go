// Package migration plans and executes safe embedding configuration
// migrations: compatibility validation, batch copy with checkpoints,
// verification, atomic finalize, and rollback.
package migration

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/embedd/internal/embedding"
)

// ErrInvalidConfiguration is returned for malformed configurations:
// unknown provider, empty model, or non-positive dimension.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// CompatibilityResult is the outcome of comparing a current configuration
// against a proposed target.
type CompatibilityResult struct {
	// IsCompatible is true when the target can serve existing vectors
	// without a collection migration.
	IsCompatible bool `json:"is_compatible"`

	// Unchanged is true when the target is identical to the current
	// configuration and the change is a no-op.
	Unchanged bool `json:"unchanged"`

	// DimensionDelta is target dimension minus current dimension.
	DimensionDelta int `json:"dimension_delta"`

	// MigrationRequired is true when a new collection must be built.
	MigrationRequired bool `json:"migration_required"`

	// RequiresRegeneration is true when the dimensions match but the
	// model or provider differs, so existing vectors are only valid if
	// all content is re-embedded.
	RequiresRegeneration bool `json:"requires_regeneration"`

	// Issues lists human-readable findings.
	Issues []string `json:"issues,omitempty"`
}

// ValidateCompatibility compares two embedding configurations. It is a
// pure function with no I/O and fails only on malformed inputs.
func ValidateCompatibility(current, target embedding.Config) (CompatibilityResult, error) {
	if err := current.Validate(); err != nil {
		return CompatibilityResult{}, fmt.Errorf("%w: current: %v", ErrInvalidConfiguration, err)
	}
	if err := target.Validate(); err != nil {
		return CompatibilityResult{}, fmt.Errorf("%w: target: %v", ErrInvalidConfiguration, err)
	}

	result := CompatibilityResult{
		DimensionDelta: target.Dimension - current.Dimension,
	}

	if current.Equal(target) {
		result.IsCompatible = true
		result.Unchanged = true
		return result, nil
	}

	if current.Dimension != target.Dimension {
		result.MigrationRequired = true
		result.Issues = append(result.Issues, fmt.Sprintf(
			"dimension change %d -> %d requires a new collection and full re-embedding",
			current.Dimension, target.Dimension))
		return result, nil
	}

	// Same dimension, different model or provider. Vectors from different
	// models are not comparable even at equal dimension, so the change is
	// only safe if every stored item is re-embedded.
	result.IsCompatible = true
	result.RequiresRegeneration = true
	if current.Provider != target.Provider {
		result.Issues = append(result.Issues, fmt.Sprintf(
			"provider change %s -> %s requires regenerating all embeddings",
			current.Provider, target.Provider))
	}
	if current.Model != target.Model {
		result.Issues = append(result.Issues, fmt.Sprintf(
			"model change %s -> %s requires regenerating all embeddings",
			current.Model, target.Model))
	}
	return result, nil
}
