// Package agent defines the LLM client contract the orchestration engine
// programs against: completion request/response types with tool calls and
// token usage, the LLMClient interface, and middleware composition for
// the resilience layers (retry, rate limiting, circuit breaking,
// timeouts, metrics). Provider adapters live under internal/llmclient;
// this package is provider-free.
package agent
