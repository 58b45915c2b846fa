package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryCatalogModelHasAProvider(t *testing.T) {
	for name := range ModelDefaults {
		provider, err := GetModelProvider(name)
		require.NoError(t, err, "model %s", name)
		assert.NotEmpty(t, provider)
	}
}

func TestGetModelProviderUnknown(t *testing.T) {
	_, err := GetModelProvider("not-a-model")
	assert.Error(t, err)
}

func TestIsModelSupported(t *testing.T) {
	assert.True(t, IsModelSupported(ModelClaudeSonnet4))
	assert.False(t, IsModelSupported("gpt-2"))
}

func TestCalculateCost(t *testing.T) {
	cost, err := CalculateCost(ModelClaudeSonnet4, 500_000, 500_000)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, cost, 1e-9)

	_, err = CalculateCost("not-a-model", 1, 1)
	assert.Error(t, err)
}

func TestGetAPIKeyFromEnv(t *testing.T) {
	t.Setenv(EnvAnthropicAPIKey, "sk-test")
	key, err := GetAPIKey(ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", key)
}

func TestGetAPIKeyMissing(t *testing.T) {
	t.Setenv(EnvOpenAIAPIKey, "")
	_, err := GetAPIKey(ProviderOpenAIOfficial)
	assert.Error(t, err)
}

func TestGetAPIKeyOllamaNeedsNone(t *testing.T) {
	key, err := GetAPIKey(ProviderOllama)
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestGetAPIKeyUnknownProvider(t *testing.T) {
	_, err := GetAPIKey("mystery")
	assert.Error(t, err)
}
