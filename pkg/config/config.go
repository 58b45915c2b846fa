// Package config is the LLM model and provider catalog: which models the
// service knows how to drive, which provider each belongs to, their rate
// and cost parameters, and where API keys come from. Host-level tunables
// (scheduler, ReAct, transport) live in internal/auraconfig; this package
// only covers the provider side so the client middleware can be
// configured without loading the host config.
package config

import (
	"fmt"
	"os"
)

// Provider identifiers used by the client factory and rate-limit
// middleware.
const (
	ProviderAnthropic      = "anthropic"
	ProviderOpenAI         = "openai"
	ProviderOpenAIOfficial = "openai_official"
	ProviderGoogle         = "google"
	ProviderOllama         = "ollama"
)

// API key environment variable names.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGeminiAPIKey    = "GEMINI_API_KEY"
)

// Model name constants.
const (
	ModelClaudeSonnet4      = "claude-sonnet-4-20250514"
	ModelClaudeSonnet3      = "claude-3-7-sonnet-20250219"
	ModelClaudeSonnetLatest = ModelClaudeSonnet4
	ModelOpenAIO3           = "o3"
	ModelOpenAIO3Mini       = "o3-mini"
	ModelGPT5               = "gpt-5"
	ModelGeminiFlash        = "gemini-2.5-flash"

	// DefaultAgentModel seeds agent definitions that omit a Model entry.
	DefaultAgentModel = ModelClaudeSonnet4
)

// Model carries the per-model parameters the rate-limit and budget
// middleware need.
type Model struct {
	Name            string  `json:"name"`
	MaxTPM          int     `json:"max_tpm"`           // tokens per minute
	MaxConnections  int     `json:"max_connections"`   // concurrent requests
	CPM             float64 `json:"cpm"`               // USD per million tokens
	DailyBudget     float64 `json:"daily_budget"`      // USD per day
	MaxOutputTokens int     `json:"max_output_tokens"` // 0 = provider default
}

// ModelDefaults defines the parameters for every supported model.
//
//nolint:gochecknoglobals // catalog data
var ModelDefaults = map[string]Model{
	ModelClaudeSonnet3: {
		Name:           ModelClaudeSonnet3,
		MaxTPM:         300000,
		MaxConnections: 5,
		CPM:            3.0,
		DailyBudget:    10.0,
	},
	ModelClaudeSonnet4: {
		Name:           ModelClaudeSonnet4,
		MaxTPM:         3000000,
		MaxConnections: 5,
		CPM:            3.0,
		DailyBudget:    10.0,
	},
	ModelOpenAIO3: {
		Name:           ModelOpenAIO3,
		MaxTPM:         100000,
		MaxConnections: 3,
		CPM:            0.6,
		DailyBudget:    5.0,
	},
	ModelOpenAIO3Mini: {
		Name:           ModelOpenAIO3Mini,
		MaxTPM:         100000,
		MaxConnections: 3,
		CPM:            0.6,
		DailyBudget:    5.0,
	},
	ModelGPT5: {
		Name:            ModelGPT5,
		MaxTPM:          150000,
		MaxConnections:  5,
		CPM:             30.0,
		DailyBudget:     100.0,
		MaxOutputTokens: 128000,
	},
	ModelGeminiFlash: {
		Name:           ModelGeminiFlash,
		MaxTPM:         1000000,
		MaxConnections: 5,
		CPM:            0.3,
		DailyBudget:    5.0,
	},
}

// ModelProviders maps each model to its provider. Immutable, not
// user-configurable.
//
//nolint:gochecknoglobals // catalog data
var ModelProviders = map[string]string{
	ModelClaudeSonnet3: ProviderAnthropic,
	ModelClaudeSonnet4: ProviderAnthropic,
	ModelOpenAIO3:      ProviderOpenAIOfficial,
	ModelOpenAIO3Mini:  ProviderOpenAIOfficial,
	ModelGPT5:          ProviderOpenAIOfficial,
	ModelGeminiFlash:   ProviderGoogle,
}

// IsModelSupported reports whether the catalog has defaults for the
// model.
func IsModelSupported(modelName string) bool {
	_, ok := ModelDefaults[modelName]
	return ok
}

// GetModelProvider returns the provider a model belongs to.
func GetModelProvider(modelName string) (string, error) {
	provider, ok := ModelProviders[modelName]
	if !ok {
		return "", fmt.Errorf("unknown model: %s", modelName)
	}
	return provider, nil
}

// CalculateCost converts a token count into USD using the model's CPM.
// Prompt and completion tokens are priced at the same blended rate.
func CalculateCost(modelName string, promptTokens, completionTokens int) (float64, error) {
	m, ok := ModelDefaults[modelName]
	if !ok {
		return 0, fmt.Errorf("unknown model: %s", modelName)
	}
	total := float64(promptTokens + completionTokens)
	return total / 1_000_000 * m.CPM, nil
}

// GetAPIKey resolves a provider's API key from the environment. Ollama
// needs no key and always succeeds with an empty string.
func GetAPIKey(provider string) (string, error) {
	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI, ProviderOpenAIOfficial:
		envVar = EnvOpenAIAPIKey
	case ProviderGoogle:
		envVar = EnvGeminiAPIKey
	case ProviderOllama:
		return "", nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	key := os.Getenv(envVar)
	if key == "" {
		return "", fmt.Errorf("API key not found: %s environment variable is not set", envVar)
	}
	return key, nil
}
