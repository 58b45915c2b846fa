// Package ratelimit provides rate limiting functionality for LLM clients.
package ratelimit

import (
	"context"

	"aura/pkg/agent"
	"aura/pkg/logx"
)

// Middleware returns a middleware function that wraps an LLM client with rate limiting.
// It estimates token usage and acquires tokens before making requests.
func Middleware(limiterMap *ProviderLimiterMap, estimator TokenEstimator) agent.Middleware {
	if estimator == nil {
		estimator = NewDefaultTokenEstimator()
	}

	return func(next agent.LLMClient) agent.LLMClient {
		return agent.WrapClient(
			func(ctx context.Context, req agent.CompletionRequest) (agent.CompletionResponse, error) {
				release, err := acquire(ctx, limiterMap, estimator, next.GetModelName(), req)
				if err != nil {
					return agent.CompletionResponse{}, err
				}
				defer release()
				return next.Complete(ctx, req)
			},
			func(ctx context.Context, req agent.CompletionRequest) (<-chan agent.StreamChunk, error) {
				release, err := acquire(ctx, limiterMap, estimator, next.GetModelName(), req)
				if err != nil {
					return nil, err
				}
				defer release()
				return next.Stream(ctx, req)
			},
			next.GetModelName,
		)
	}
}

func acquire(ctx context.Context, limiterMap *ProviderLimiterMap, estimator TokenEstimator, modelName string, req agent.CompletionRequest) (func(), error) {
	limiter, err := limiterMap.GetLimiter(modelName)
	if err != nil {
		logx.Infof("RATELIMIT: no limiter for model %s, proceeding unthrottled: %v", modelName, err)
		return func() {}, nil
	}

	promptTokens := estimator.EstimatePrompt(req)
	totalTokens := promptTokens + req.MaxTokens

	release, err := limiter.Acquire(ctx, totalTokens, modelName)
	if err != nil {
		return nil, err //nolint:wrapcheck // middleware passes errors through unchanged
	}
	return release, nil
}
