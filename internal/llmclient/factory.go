// Package llmclient builds a fully decorated agent.LLMClient for an
// auramodel.Agent definition: one raw provider client per (provider,
// model), wrapped in a resilience chain (metrics, circuit breaker, retry,
// rate limit, timeout), reusing one circuit breaker and rate limiter per
// provider across every agent.
package llmclient

import (
	"context"
	"fmt"
	"os"
	"time"

	"aura/internal/auraconfig"
	"aura/internal/auramodel"
	"aura/internal/llmclient/providers/anthropic"
	"aura/internal/llmclient/providers/google"
	"aura/internal/llmclient/providers/ollama"
	"aura/internal/llmclient/providers/openaiofficial"
	"aura/internal/llmclient/resilience/circuit"
	"aura/internal/llmclient/resilience/ratelimit"
	"aura/internal/llmclient/resilience/retry"
	"aura/internal/llmclient/resilience/timeout"
	metrics "aura/internal/obsmetrics"
	"aura/pkg/agent"
	"aura/pkg/config"
	"aura/pkg/logx"
)

// Provider identifiers an auramodel.Agent.Provider field may carry,
// shared with pkg/config's catalog vocabulary.
const (
	ProviderAnthropic = config.ProviderAnthropic
	ProviderOpenAI    = config.ProviderOpenAIOfficial
	ProviderGoogle    = config.ProviderGoogle
	ProviderOllama    = config.ProviderOllama
)

// EnvOllamaHost points the Ollama adapter at a non-default host.
const EnvOllamaHost = "OLLAMA_HOST"

// DefaultOllamaHost is used when EnvOllamaHost is unset.
const DefaultOllamaHost = "http://localhost:11434"

// Factory builds middleware-decorated LLMClients for agents, sharing one
// circuit breaker and rate limiter per provider.
type Factory struct {
	circuitBreakers map[string]circuit.Breaker
	rateLimitMap    *ratelimit.ProviderLimiterMap
	recorder        metrics.Recorder
	retryPolicy     *retry.Policy
	requestTimeout  time.Duration
	secrets         *auraconfig.SecretStore
}

// FactoryConfig configures a Factory's shared resilience state.
type FactoryConfig struct {
	Recorder       metrics.Recorder
	RetryConfig    retry.Config
	RateLimits     map[string]ratelimit.Config
	CircuitConfig  circuit.Config
	RequestTimeout time.Duration

	// Secrets optionally supplies provider credentials from the
	// encrypted store; nil falls back to the environment.
	Secrets *auraconfig.SecretStore
}

// DefaultRateLimits gives every known provider a conservative budget; a
// deployment with real provider quotas should override via FactoryConfig.
func DefaultRateLimits() map[string]ratelimit.Config {
	return map[string]ratelimit.Config{
		ProviderAnthropic: {TokensPerMinute: 200_000, MaxConcurrency: 8},
		ProviderOpenAI:    {TokensPerMinute: 200_000, MaxConcurrency: 8},
		ProviderGoogle:    {TokensPerMinute: 200_000, MaxConcurrency: 8},
		ProviderOllama:    {TokensPerMinute: 1_000_000, MaxConcurrency: 4},
	}
}

// NewFactory constructs a Factory. Call Stop on shutdown to release the
// rate limiter's background refill timers.
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.Nop()
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = DefaultRateLimits()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	if cfg.RetryConfig.MaxAttempts <= 0 {
		cfg.RetryConfig = retry.DefaultConfig
	}
	if cfg.CircuitConfig.FailureThreshold <= 0 {
		cfg.CircuitConfig = circuit.DefaultConfig
	}

	breakers := make(map[string]circuit.Breaker, len(cfg.RateLimits))
	for provider := range cfg.RateLimits {
		breakers[provider] = circuit.New(cfg.CircuitConfig)
	}

	return &Factory{
		circuitBreakers: breakers,
		rateLimitMap:    ratelimit.NewProviderLimiterMap(context.Background(), cfg.RateLimits, cfg.RequestTimeout),
		recorder:        cfg.Recorder,
		retryPolicy:     retry.NewPolicy(cfg.RetryConfig, nil),
		requestTimeout:  cfg.RequestTimeout,
		secrets:         cfg.Secrets,
	}
}

// apiKey resolves a provider credential, preferring the encrypted secret
// store over the environment.
func (f *Factory) apiKey(provider, envVar string) (string, error) {
	if f.secrets != nil {
		if v, ok := f.secrets.Get(envVar); ok {
			return v, nil
		}
	}
	return config.GetAPIKey(provider)
}

// Stop releases the factory's background resources.
func (f *Factory) Stop() {
	if f.rateLimitMap != nil {
		f.rateLimitMap.Stop()
	}
}

// ForAgent builds the decorated LLMClient an auramodel.Agent dispatches
// through, optionally tagging metrics with stateProvider (may be nil).
func (f *Factory) ForAgent(a *auramodel.Agent, stateProvider metrics.StateProvider) (agent.LLMClient, error) {
	raw, err := f.rawClient(a.Provider, a.Model)
	if err != nil {
		return nil, fmt.Errorf("build raw client for agent %s: %w", a.ID, err)
	}

	breaker, ok := f.circuitBreakers[a.Provider]
	if !ok {
		return nil, fmt.Errorf("no circuit breaker configured for provider %q", a.Provider)
	}

	client := agent.Chain(raw,
		metrics.Middleware(f.recorder, nil, stateProvider),
		circuit.Middleware(breaker),
		retry.Middleware(f.retryPolicy, logx.NewLogger("retry")),
		ratelimit.Middleware(f.rateLimitMap, nil),
		timeout.Middleware(f.requestTimeout),
	)
	return client, nil
}

func (f *Factory) rawClient(provider, model string) (agent.LLMClient, error) {
	switch provider {
	case ProviderAnthropic:
		apiKey, err := f.apiKey(config.ProviderAnthropic, config.EnvAnthropicAPIKey)
		if err != nil {
			return nil, err
		}
		return anthropic.NewClaudeClientWithModel(apiKey, model), nil
	case ProviderOpenAI:
		apiKey, err := f.apiKey(config.ProviderOpenAIOfficial, config.EnvOpenAIAPIKey)
		if err != nil {
			return nil, err
		}
		return openaiofficial.NewOfficialClientWithModel(apiKey, model), nil
	case ProviderGoogle:
		apiKey, err := f.apiKey(config.ProviderGoogle, config.EnvGeminiAPIKey)
		if err != nil {
			return nil, err
		}
		return google.NewGeminiClientWithModel(apiKey, model), nil
	case ProviderOllama:
		host := os.Getenv(EnvOllamaHost)
		if host == "" {
			host = DefaultOllamaHost
		}
		return ollama.NewOllamaClientWithModel(host, model), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %q", provider)
	}
}
