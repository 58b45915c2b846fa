package agent

import (
	"context"
	"io"

	"aura/pkg/tools"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	// RoleSystem indicates a system message that provides instructions or context.
	RoleSystem CompletionRole = "system"
	// RoleUser indicates a message from the human user.
	RoleUser CompletionRole = "user"
	// RoleAssistant indicates a message from the AI assistant.
	RoleAssistant CompletionRole = "assistant"
)

// CompletionMessage represents a message in a completion request.
type CompletionMessage struct {
	Role         CompletionRole
	Content      string
	ToolCalls    []ToolCall
	ToolResults  []ToolResult
	CacheControl *CacheControl
}

// CacheControl requests prompt caching for the message it is attached to,
// on providers that support it (Anthropic). TTL is provider-specific; an
// empty TTL lets the provider apply its own default.
type CacheControl struct {
	TTL string
}

// ToolCall represents a tool call made by the LLM.
type ToolCall struct {
	Parameters map[string]any `json:"parameters"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
}

// ToolResult represents the outcome of executing a ToolCall, fed back to
// the LLM as part of the next CompletionRequest.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Messages    []CompletionMessage
	Tools       []tools.ToolDefinition
	Temperature float32
	MaxTokens   int
	// ToolChoice hints how the provider should pick among Tools: "auto"
	// (default), "any" (force some tool call), or a provider-specific
	// value. Ignored by providers/call shapes that don't support it.
	ToolChoice string
}

// TokenUsage reports token accounting for a single completion call. A
// provider adapter that cannot report usage leaves this nil; callers must
// treat a nil Usage as "unknown", not zero.
type TokenUsage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// CompletionResponse represents a response from a completion request.
type CompletionResponse struct {
	Content    string
	ToolCalls  []ToolCall
	Usage      *TokenUsage
	StopReason string
}

// StreamChunk represents a chunk of streamed completion response.
type StreamChunk struct {
	Error   error
	Content string
	Done    bool
}

// LLMClient defines the interface for language model interactions.
type LLMClient interface {
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// Stream generates a completion as a stream of chunks.
	Stream(ctx context.Context, in CompletionRequest) (<-chan StreamChunk, error)

	// GetModelName returns the identifier of the underlying model, used in
	// logging and metrics labels.
	GetModelName() string
}

// Middleware wraps an LLMClient with cross-cutting behavior (retry, rate
// limiting, circuit breaking, timeouts, metrics) and returns the decorated
// client. Middlewares compose by function application: Chain applies them
// outermost-first.
type Middleware func(LLMClient) LLMClient

// Chain composes middlewares around base, with mw[0] as the outermost
// wrapper (the first to see a call and the last to see its result).
func Chain(base LLMClient, mw ...Middleware) LLMClient {
	client := base
	for i := len(mw) - 1; i >= 0; i-- {
		client = mw[i](client)
	}
	return client
}

// funcClient adapts three plain functions into an LLMClient, letting
// middleware implementations build a decorated client out of closures
// instead of declaring a named type per layer.
type funcClient struct {
	complete     func(context.Context, CompletionRequest) (CompletionResponse, error)
	stream       func(context.Context, CompletionRequest) (<-chan StreamChunk, error)
	getModelName func() string
}

func (f *funcClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	return f.complete(ctx, req)
}

func (f *funcClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	return f.stream(ctx, req)
}

func (f *funcClient) GetModelName() string {
	return f.getModelName()
}

// WrapClient builds an LLMClient from its three method implementations.
// Middleware constructors use it to produce the LLMClient a layer returns
// without defining a dedicated struct.
func WrapClient(
	complete func(context.Context, CompletionRequest) (CompletionResponse, error),
	stream func(context.Context, CompletionRequest) (<-chan StreamChunk, error),
	getModelName func() string,
) LLMClient {
	return &funcClient{complete: complete, stream: stream, getModelName: getModelName}
}

// LLMConfig represents configuration for an LLM client.
type LLMConfig struct {
	APIKey           string
	ModelName        string
	MaxTokens        int
	Temperature      float32
	MaxContextTokens int
	MaxOutputTokens  int
	CompactIfOver    int
}

// NewCompletionRequest creates a new completion request with default values.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   4096, // Default to 4k tokens
		Temperature: 0.7,  // Default temperature
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{
		Role:    RoleSystem,
		Content: content,
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{
		Role:    RoleUser,
		Content: content,
	}
}

// StreamToReader converts a stream channel to an io.Reader.
func StreamToReader(stream <-chan StreamChunk) io.Reader {
	pr, pw := io.Pipe()

	go func() {
		defer func() {
			if err := pw.Close(); err != nil {
				// Log error but don't fail the stream processing.
				// This is cleanup code in a streaming context.
				_ = err // Ignore error in cleanup
			}
		}()
		for chunk := range stream {
			if chunk.Error != nil {
				pw.CloseWithError(chunk.Error)
				return
			}
			if _, err := pw.Write([]byte(chunk.Content)); err != nil {
				pw.CloseWithError(err)
				return
			}
			if chunk.Done {
				return
			}
		}
	}()

	return pr
}
