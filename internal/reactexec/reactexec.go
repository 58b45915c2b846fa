// Package reactexec implements the ReAct Executor: a bounded
// Thought/Action/Observation loop driving an LLM against a filtered tool
// set. It is a thin, capability-typed wrapper over the generic
// pkg/agent/toolloop engine: MaxSteps maps onto toolloop's
// MaxIterations, and the loop's natural tool-calling turn (rather than a
// free-text "Thought:... Action:..." parse) supplies the {thought,
// action, actionInput} / {finalAnswer} structure — the LLM's prose
// content for a turn is the thought, a tool call is the action, and a
// call to the synthetic final_answer tool is the finalAnswer terminal
// condition.
package reactexec

import (
	"context"
	"fmt"
	"time"

	"aura/pkg/agent"
	"aura/pkg/agent/toolloop"
	"aura/pkg/contextmgr"
	"aura/pkg/logx"
	"aura/pkg/tools"

	"aura/internal/auramodel"
)

// finalAnswerToolName names the synthetic terminal tool the executor always adds
// to whatever ToolProvider the caller supplies, giving the LLM a
// structured way to emit {finalAnswer}.
const finalAnswerToolName = "final_answer"

// Options configures a single Execute call.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type Options struct {
	MaxSteps             int
	Model                string
	Temperature          float32
	WorkingDirectory     string
	AdditionalContext    map[string]string
	RequireConfirmation  bool
	ObservationCapBytes  int
	ToolTimeout          time.Duration
	StepWallBudget       time.Duration

	// OnStep, when set, is invoked for each recorded trace step as it
	// happens, with the transport-truncated observation. Callers use it
	// to stream step-progress events; it must not block.
	OnStep func(step auramodel.ReactStep)
}

// DefaultMaxSteps is Options.MaxSteps's default.
const DefaultMaxSteps = 10

// DefaultObservationCapBytes is the per-step transport truncation applied
// to observations sent to the SSE bus; full text is always
// retained in the returned trace.
const DefaultObservationCapBytes = 2048

// DefaultStepWallBudget bounds a whole Execute at MaxSteps times this
// value.
const DefaultStepWallBudget = 90 * time.Second

// Result is what Execute returns: the full trace plus a success flag and
// optional error, mirroring the auramodel.ReactTrace shape but
// keeping the error as a Go error for the caller (Step Runner) to classify
// via internal/aurerr.
type Result struct {
	Trace   *auramodel.ReactTrace
	Success bool
	Err     error
}

// Execute drives a bounded Thought/Action/Observation loop for task using
// llm and the tools available from toolProvider (already filtered by the
// caller), honoring opts.MaxSteps.
func Execute(ctx context.Context, task string, toolProvider toolloop.ToolProvider, llm agent.LLMClient, opts Options) Result {
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	capBytes := opts.ObservationCapBytes
	if capBytes <= 0 {
		capBytes = DefaultObservationCapBytes
	}
	stepBudget := opts.StepWallBudget
	if stepBudget <= 0 {
		stepBudget = DefaultStepWallBudget
	}
	ctx, cancelBudget := context.WithTimeout(ctx, time.Duration(maxSteps)*stepBudget)
	defer cancelBudget()

	logger := logx.NewLogger("reactexec")
	loop := toolloop.New(llm, logger)

	cm := contextmgr.NewContextManagerWithModel(llm.GetModelName())
	cm.ResetSystemPrompt(systemPrompt(opts))

	wrapped := &providerWithFinalAnswer{base: toolProvider}

	var (
		steps      []auramodel.ReactStep
		stepNumber int
		finalText  string
	)

	start := time.Now()

	cfg := &toolloop.Config[*auramodel.ReactTrace]{
		ContextManager: cm,
		ToolProvider:   wrapped,
		InitialPrompt:  task,
		MaxIterations:  maxSteps,
		Temperature:    opts.Temperature,
		ToolTimeout:    opts.ToolTimeout,
		CheckTerminal: func(calls []agent.ToolCall, results []any) string {
			for i := range calls {
				stepNumber++
				obs, isFinal := observationFor(calls[i], results[i])
				recorded := auramodel.ReactStep{
					StepNumber:  stepNumber,
					Thought:     "", // captured via the LLM's free-text content, added to context by toolloop itself
					Action:      calls[i].Name,
					ActionInput: calls[i].Parameters,
					Observation: obs,
				}
				steps = append(steps, recorded)
				if opts.OnStep != nil {
					streamed := recorded
					streamed.Observation = truncate(obs, capBytes)
					opts.OnStep(streamed)
				}
				if isFinal {
					if answer, ok := calls[i].Parameters["answer"].(string); ok {
						finalText = answer
					}
					return "DONE"
				}
			}
			return ""
		},
		ExtractResult: func(_ []agent.ToolCall, _ []any) (*auramodel.ReactTrace, error) {
			return &auramodel.ReactTrace{
				Steps:       steps,
				Success:     true,
				FinalAnswer: finalText,
			}, nil
		},
	}

	out := toolloop.Run(loop, ctx, cfg)
	duration := time.Since(start)

	if out.Kind == toolloop.OutcomeCancelled {
		return Result{
			Trace: &auramodel.ReactTrace{
				Steps:       steps,
				DurationMS:  duration.Milliseconds(),
				TotalTokens: totalTokensOf(out.TotalUsage),
				Error:       "cancelled",
			},
			Err: fmt.Errorf("react execute cancelled: %w", out.Err),
		}
	}

	switch out.Kind {
	case toolloop.OutcomeSuccess:
		trace := out.Value
		trace.DurationMS = duration.Milliseconds()
		trace.TotalTokens = totalTokensOf(out.TotalUsage)
		return Result{Trace: trace, Success: true}
	case toolloop.OutcomeMaxIterations:
		trace := &auramodel.ReactTrace{
			Steps:       steps,
			DurationMS:  duration.Milliseconds(),
			TotalTokens: totalTokensOf(out.TotalUsage),
			Success:     false,
			Error:       "max iterations exceeded",
		}
		return Result{Trace: trace, Success: false, Err: fmt.Errorf("max iterations exceeded")}
	default:
		trace := &auramodel.ReactTrace{
			Steps:       steps,
			DurationMS:  duration.Milliseconds(),
			TotalTokens: totalTokensOf(out.TotalUsage),
			Success:     false,
			Error:       errString(out.Err),
		}
		return Result{Trace: trace, Success: false, Err: out.Err}
	}
}

func totalTokensOf(usage *agent.TokenUsage) *int64 {
	if usage == nil {
		return nil
	}
	total := usage.TotalTokens
	return &total
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func systemPrompt(opts Options) string {
	prompt := "You are an autonomous coding agent operating in a Thought/Action/Observation loop. " +
		"For each turn, think about the task, then either call a tool to act, or call final_answer when done."
	if opts.WorkingDirectory != "" {
		prompt += fmt.Sprintf(" Your working directory is %s.", opts.WorkingDirectory)
	}
	for k, v := range opts.AdditionalContext {
		prompt += fmt.Sprintf("\n%s: %s", k, v)
	}
	return prompt
}

// observationFor renders the full observation for one
// {action, actionInput} -> result pair; transport truncation is applied by
// the caller. The second return value reports whether this call was the
// terminal final_answer tool.
func observationFor(call agent.ToolCall, result any) (string, bool) {
	if call.Name == finalAnswerToolName {
		answer, _ := call.Parameters["answer"].(string)
		return answer, true
	}

	switch res := result.(type) {
	case *tools.ExecResult:
		if res == nil {
			return "", false
		}
		if res.Error != "" {
			return fmt.Sprintf("error: %s", res.Error), false
		}
		return res.Content, false
	case map[string]any:
		if success, ok := res["success"].(bool); ok && !success {
			if errMsg, ok := res["error"].(string); ok {
				return fmt.Sprintf("error: %s", errMsg), false
			}
		}
	}
	return fmt.Sprintf("%v", result), false
}

func truncate(s string, capBytes int) string {
	if len(s) <= capBytes {
		return s
	}
	return s[:capBytes] + "...[truncated]"
}

// providerWithFinalAnswer augments a caller-supplied ToolProvider with the
// synthetic final_answer tool so the LLM always has a structured way to
// terminate the loop.
type providerWithFinalAnswer struct {
	base toolloop.ToolProvider
}

func (p *providerWithFinalAnswer) Get(name string) (tools.Tool, error) {
	if name == finalAnswerToolName {
		return finalAnswerTool{}, nil
	}
	return p.base.Get(name)
}

func (p *providerWithFinalAnswer) List() []tools.ToolMeta {
	list := p.base.List()
	return append(list, tools.ToolMeta{
		Name:        finalAnswerToolName,
		Description: "Call this when the task is complete, with the final answer text.",
		InputSchema: tools.InputSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"answer": {Type: "string", Description: "The final answer or summary of work done."},
			},
			Required: []string{"answer"},
		},
	})
}

// finalAnswerTool is the Tool implementation backing the synthetic
// final_answer action; it performs no side effects beyond echoing its
// input, since the loop's CheckTerminal is what interprets it.
type finalAnswerTool struct{}

func (finalAnswerTool) Name() string { return finalAnswerToolName }

func (finalAnswerTool) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        finalAnswerToolName,
		Description: "Signal task completion with a final answer.",
		InputSchema: tools.InputSchema{
			Type:       "object",
			Properties: map[string]tools.Property{"answer": {Type: "string"}},
			Required:   []string{"answer"},
		},
	}
}

func (finalAnswerTool) Exec(_ context.Context, args map[string]any) (*tools.ExecResult, error) {
	answer, _ := args["answer"].(string)
	return &tools.ExecResult{Content: answer}, nil
}
