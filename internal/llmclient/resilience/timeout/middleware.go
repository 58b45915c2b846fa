// Package timeout provides timeout middleware for LLM clients.
package timeout

import (
	"context"
	"time"

	"aura/pkg/agent"
)

// Middleware returns a middleware function that wraps an LLM client with per-request timeout logic.
// Each request gets a timeout context to prevent hanging requests.
func Middleware(duration time.Duration) agent.Middleware {
	return func(next agent.LLMClient) agent.LLMClient {
		return agent.WrapClient(
			// Complete implementation with timeout
			func(ctx context.Context, req agent.CompletionRequest) (agent.CompletionResponse, error) {
				// Create timeout context for this request
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()

				// Execute the request with timeout context
				return next.Complete(timeoutCtx, req)
			},
			// Stream implementation with timeout
			func(ctx context.Context, req agent.CompletionRequest) (<-chan agent.StreamChunk, error) {
				// Create timeout context for this request
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()

				// Execute the request with timeout context
				return next.Stream(timeoutCtx, req)
			},
			next.GetModelName,
		)
	}
}
