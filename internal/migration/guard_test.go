package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/embedd/internal/embedding"
)

func cfg(provider, model string, dimension int) embedding.Config {
	return embedding.Config{Provider: provider, Model: model, Dimension: dimension}
}

func TestValidateCompatibilityIdenticalConfigs(t *testing.T) {
	c := cfg(embedding.ProviderTEI, "bge-small-en-v1.5", 384)

	result, err := ValidateCompatibility(c, c)
	require.NoError(t, err)

	assert.True(t, result.IsCompatible)
	assert.True(t, result.Unchanged)
	assert.False(t, result.MigrationRequired)
	assert.False(t, result.RequiresRegeneration)
	assert.Equal(t, 0, result.DimensionDelta)
	assert.Empty(t, result.Issues)
}

func TestValidateCompatibilitySameDimensionNoMigration(t *testing.T) {
	tests := []struct {
		name    string
		current embedding.Config
		target  embedding.Config
	}{
		{
			"model change",
			cfg(embedding.ProviderTEI, "bge-small-en-v1.5", 384),
			cfg(embedding.ProviderTEI, "all-minilm-l6-v2", 384),
		},
		{
			"provider change",
			cfg(embedding.ProviderTEI, "bge-small-en-v1.5", 384),
			cfg(embedding.ProviderOpenAI, "text-embedding-3-small", 384),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ValidateCompatibility(tt.current, tt.target)
			require.NoError(t, err)

			assert.True(t, result.IsCompatible)
			assert.False(t, result.Unchanged)
			assert.False(t, result.MigrationRequired)
			assert.True(t, result.RequiresRegeneration)
			assert.NotEmpty(t, result.Issues)
		})
	}
}

func TestValidateCompatibilityDimensionChangeRequiresMigration(t *testing.T) {
	result, err := ValidateCompatibility(
		cfg(embedding.ProviderOpenAI, "text-embedding-3-small", 1536),
		cfg(embedding.ProviderOpenAI, "text-embedding-3-large", 3072),
	)
	require.NoError(t, err)

	assert.False(t, result.IsCompatible)
	assert.True(t, result.MigrationRequired)
	assert.Equal(t, 1536, result.DimensionDelta)
	assert.NotEmpty(t, result.Issues)
}

func TestValidateCompatibilityMalformedInputs(t *testing.T) {
	valid := cfg(embedding.ProviderTEI, "bge-small-en-v1.5", 384)

	tests := []struct {
		name string
		bad  embedding.Config
	}{
		{"unknown provider", cfg("cohere", "embed-v3", 1024)},
		{"empty model", cfg(embedding.ProviderTEI, "", 384)},
		{"zero dimension", cfg(embedding.ProviderTEI, "bge-small-en-v1.5", 0)},
		{"negative dimension", cfg(embedding.ProviderTEI, "bge-small-en-v1.5", -1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateCompatibility(tt.bad, valid)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)

			_, err = ValidateCompatibility(valid, tt.bad)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}
