// Package toolloop is the generic tool-calling turn engine underneath the
// ReAct executor: it feeds conversation state to an LLM, executes every
// tool call the response carries, folds results back into the context,
// and repeats until a terminal signal, an iteration bound, cancellation,
// or an error. Callers supply the termination predicate and a typed
// result extractor; the loop itself knows nothing about Stories or
// Steps.
package toolloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aura/pkg/agent"
	"aura/pkg/contextmgr"
	"aura/pkg/logx"
	"aura/pkg/tools"
)

// ToolProvider resolves tool names to executable tools.
type ToolProvider interface {
	Get(name string) (tools.Tool, error)
	List() []tools.ToolMeta
}

// ExtractFunc converts the terminal turn's tool calls and results into a
// typed value.
type ExtractFunc[T any] func(calls []agent.ToolCall, results []any) (T, error)

// DefaultToolTimeout bounds a single tool execution when the Config does
// not override it.
const DefaultToolTimeout = 5 * time.Minute

// ToolLoop drives the turn loop against one LLM client.
type ToolLoop struct {
	llmClient agent.LLMClient
	logger    *logx.Logger
}

// New constructs a ToolLoop.
func New(llmClient agent.LLMClient, logger *logx.Logger) *ToolLoop {
	return &ToolLoop{llmClient: llmClient, logger: logger}
}

// Config parameterizes one Run. Generic over the extracted result type.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type Config[T any] struct {
	// ContextManager holds the conversation; the caller owns it and may
	// seed system prompt and history before Run.
	ContextManager *contextmgr.ContextManager

	// ToolProvider supplies the tools this loop may execute.
	ToolProvider ToolProvider

	// CheckTerminal runs after every turn's tools finish. A non-empty
	// return ends the loop with that signal; empty continues.
	CheckTerminal func(calls []agent.ToolCall, results []any) string

	// ExtractResult produces the typed result once CheckTerminal signals.
	ExtractResult ExtractFunc[T]

	// InitialPrompt is appended as a user message before the first turn.
	// Empty means the context already carries the task.
	InitialPrompt string

	// MaxIterations bounds the number of turns (default 10).
	MaxIterations int

	// MaxTokens caps each completion request (default 4096).
	MaxTokens int

	// Temperature overrides sampling on every request; zero lets the
	// client default apply.
	Temperature float32

	// ToolTimeout bounds each tool execution (default DefaultToolTimeout).
	ToolTimeout time.Duration
}

// Run executes the loop and returns an Outcome. Callers switch on
// out.Kind; Value and Signal are only meaningful for OutcomeSuccess.
func Run[T any](tl *ToolLoop, ctx context.Context, cfg *Config[T]) (result Outcome[T]) {
	var totalUsage *agent.TokenUsage
	defer func() {
		result.TotalUsage = totalUsage
	}()

	if cfg.ContextManager == nil {
		return Outcome[T]{Kind: OutcomeLLMError, Err: errors.New("ContextManager is required")}
	}
	if cfg.ToolProvider == nil {
		return Outcome[T]{Kind: OutcomeLLMError, Err: errors.New("ToolProvider is required")}
	}
	if cfg.CheckTerminal == nil {
		return Outcome[T]{Kind: OutcomeLLMError, Err: errors.New("CheckTerminal is required, every loop needs an exit")}
	}
	if cfg.ExtractResult == nil {
		return Outcome[T]{Kind: OutcomeLLMError, Err: errors.New("ExtractResult is required")}
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}

	if cfg.InitialPrompt != "" {
		cfg.ContextManager.AddMessage("user", cfg.InitialPrompt)
	}

	toolsList := cfg.ToolProvider.List()
	if len(toolsList) == 0 {
		return Outcome[T]{Kind: OutcomeLLMError, Err: errors.New("ToolProvider must offer at least one tool")}
	}
	toolDefs := make([]tools.ToolDefinition, len(toolsList))
	for i := range toolsList {
		toolDefs[i] = tools.ToolDefinition{
			Name:        toolsList[i].Name,
			Description: toolsList[i].Description,
			InputSchema: toolsList[i].InputSchema,
		}
	}

	noToolTurns := 0

	for iteration := 0; iteration < cfg.MaxIterations; iteration++ {
		turn := iteration + 1

		if err := ctx.Err(); err != nil {
			return Outcome[T]{Kind: OutcomeCancelled, Err: err, Iteration: turn}
		}

		if err := cfg.ContextManager.FlushUserBuffer(ctx); err != nil {
			return Outcome[T]{Kind: OutcomeLLMError, Err: fmt.Errorf("flush user buffer: %w", err), Iteration: turn}
		}

		req := agent.CompletionRequest{
			Messages:    buildMessages(cfg.ContextManager),
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			Tools:       toolDefs,
		}

		tl.logger.Debug("turn %d: %d messages, %d tools, model %s", turn, len(req.Messages), len(toolDefs), tl.llmClient.GetModelName())

		start := time.Now()
		resp, err := tl.llmClient.Complete(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome[T]{Kind: OutcomeCancelled, Err: ctx.Err(), Iteration: turn}
			}
			tl.logger.Error("completion failed after %.3gs: %v", time.Since(start).Seconds(), err)
			return Outcome[T]{Kind: OutcomeLLMError, Err: fmt.Errorf("LLM completion failed: %w", err), Iteration: turn}
		}

		if resp.Usage != nil {
			if totalUsage == nil {
				totalUsage = &agent.TokenUsage{}
			}
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
		}

		if len(resp.ToolCalls) == 0 {
			cfg.ContextManager.AddAssistantMessage(resp.Content)
			noToolTurns++
			if noToolTurns == 1 {
				// One nudge, then give up; an agent that won't act can't
				// make progress unattended.
				cfg.ContextManager.AddMessage("user",
					"No tools were used in your last reply. Reasoning is welcome, but call a tool in your next reply to advance the work.")
				continue
			}
			return Outcome[T]{
				Kind:      OutcomeNoToolTwice,
				Err:       fmt.Errorf("no tool calls after reminder (%d consecutive turns)", noToolTurns),
				Iteration: turn,
			}
		}
		noToolTurns = 0

		toolCalls := make([]contextmgr.ToolCall, len(resp.ToolCalls))
		for i := range resp.ToolCalls {
			toolCalls[i] = contextmgr.ToolCall{
				ID:         resp.ToolCalls[i].ID,
				Name:       resp.ToolCalls[i].Name,
				Parameters: resp.ToolCalls[i].Parameters,
			}
		}
		cfg.ContextManager.AddAssistantMessageWithTools(resp.Content, toolCalls)

		// Every tool_use must get a tool_result, even on failure.
		results := make([]any, len(resp.ToolCalls))
		for i := range resp.ToolCalls {
			call := &resp.ToolCalls[i]

			tool, err := cfg.ToolProvider.Get(call.Name)
			if err != nil {
				results[i] = map[string]any{"success": false, "error": err.Error()}
				cfg.ContextManager.AddToolResult(call.ID, err.Error(), true)
				continue
			}

			toolCtx, cancel := context.WithTimeout(ctx, cfg.ToolTimeout)
			execStart := time.Now()
			result, err := tool.Exec(toolCtx, call.Parameters)
			cancel()

			if err != nil {
				tl.logger.Warn("tool %s failed after %.3fs: %v", call.Name, time.Since(execStart).Seconds(), err)
				results[i] = map[string]any{"success": false, "error": err.Error()}
			} else {
				results[i] = result
			}

			resultStr, isError := formatToolResult(result, err)
			cfg.ContextManager.AddToolResult(call.ID, resultStr, isError)
		}

		if signal := cfg.CheckTerminal(resp.ToolCalls, results); signal != "" {
			value, err := cfg.ExtractResult(resp.ToolCalls, results)
			if err != nil {
				return Outcome[T]{
					Kind:      OutcomeExtractionError,
					Signal:    signal,
					Err:       fmt.Errorf("result extraction failed: %w", err),
					Iteration: turn,
				}
			}
			return Outcome[T]{Kind: OutcomeSuccess, Signal: signal, Value: value, Iteration: turn}
		}
	}

	return Outcome[T]{
		Kind:      OutcomeMaxIterations,
		Err:       fmt.Errorf("maximum tool iterations (%d) exceeded", cfg.MaxIterations),
		Iteration: cfg.MaxIterations,
	}
}

// buildMessages converts context manager messages to the client's wire
// shape.
func buildMessages(cm *contextmgr.ContextManager) []agent.CompletionMessage {
	contextMessages := cm.GetMessages()

	messages := make([]agent.CompletionMessage, 0, len(contextMessages))
	for i := range contextMessages {
		msg := &contextMessages[i]

		var agentToolCalls []agent.ToolCall
		if len(msg.ToolCalls) > 0 {
			agentToolCalls = make([]agent.ToolCall, len(msg.ToolCalls))
			for j := range msg.ToolCalls {
				agentToolCalls[j] = agent.ToolCall{
					ID:         msg.ToolCalls[j].ID,
					Name:       msg.ToolCalls[j].Name,
					Parameters: msg.ToolCalls[j].Parameters,
				}
			}
		}

		var agentToolResults []agent.ToolResult
		if len(msg.ToolResults) > 0 {
			agentToolResults = make([]agent.ToolResult, len(msg.ToolResults))
			for j := range msg.ToolResults {
				agentToolResults[j] = agent.ToolResult{
					ToolCallID: msg.ToolResults[j].ToolCallID,
					Content:    msg.ToolResults[j].Content,
					IsError:    msg.ToolResults[j].IsError,
				}
			}
		}

		messages = append(messages, agent.CompletionMessage{
			Role:        agent.CompletionRole(msg.Role),
			Content:     msg.Content,
			ToolCalls:   agentToolCalls,
			ToolResults: agentToolResults,
		})
	}

	return messages
}

// maxToolOutputLength caps what a single tool result contributes to the
// conversation context. The full output still reaches the caller through
// the results slice.
const maxToolOutputLength = 2000

func clip(s, note string) string {
	if len(s) <= maxToolOutputLength {
		return s
	}
	return s[:maxToolOutputLength] + "\n\n[... " + note + " truncated after 2000 characters ...]"
}

// formatToolResult renders a tool result (or error) as context text.
func formatToolResult(result any, err error) (string, bool) {
	if err != nil {
		return clip(fmt.Sprintf("Tool failed: %v", err), "error message"), true
	}

	switch res := result.(type) {
	case *tools.ExecResult:
		if res == nil {
			return "", false
		}
		if res.Error != "" {
			return clip(res.Error, "error message"), true
		}
		return clip(res.Content, "tool output"), false
	case map[string]any:
		if success, ok := res["success"].(bool); ok && !success {
			if errMsg, ok := res["error"].(string); ok {
				return clip(errMsg, "error message"), true
			}
			return clip(fmt.Sprintf("Tool failed: %v", result), "error output"), true
		}
	}

	return clip(fmt.Sprintf("%v", result), "tool output"), false
}
