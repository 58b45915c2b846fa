package reactexec

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aura/internal/auramodel"
	"aura/pkg/agent"
	"aura/pkg/tools"
)

type noteTool struct{}

func (noteTool) Name() string { return "note" }

func (noteTool) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        "note",
		Description: "Record a note.",
		InputSchema: tools.InputSchema{
			Type:       "object",
			Properties: map[string]tools.Property{"text": {Type: "string"}},
		},
	}
}

func (noteTool) Exec(_ context.Context, args map[string]any) (*tools.ExecResult, error) {
	text, _ := args["text"].(string)
	return &tools.ExecResult{Content: "noted: " + text}, nil
}

type listProvider struct{ tools []tools.Tool }

func (p *listProvider) Get(name string) (tools.Tool, error) {
	for _, t := range p.tools {
		if t.Name() == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tool not found: %s", name)
}

func (p *listProvider) List() []tools.ToolMeta {
	var out []tools.ToolMeta
	for _, t := range p.tools {
		def := t.Definition()
		out = append(out, tools.ToolMeta{Name: def.Name, Description: def.Description, InputSchema: def.InputSchema})
	}
	return out
}

func noteCall(text string) agent.CompletionResponse {
	return agent.CompletionResponse{
		ToolCalls: []agent.ToolCall{{ID: "c1", Name: "note", Parameters: map[string]any{"text": text}}},
		Usage:     &agent.TokenUsage{PromptTokens: 50, CompletionTokens: 10, TotalTokens: 60},
	}
}

func finalCall(answer string) agent.CompletionResponse {
	return agent.CompletionResponse{
		ToolCalls: []agent.ToolCall{{ID: "c9", Name: "final_answer", Parameters: map[string]any{"answer": answer}}},
	}
}

func TestExecuteSucceedsOnFinalAnswer(t *testing.T) {
	llm := agent.NewMockLLMClient([]agent.CompletionResponse{
		noteCall("step one"),
		finalCall("the fib function is in place"),
	}, nil)

	result := Execute(context.Background(), "write fib", &listProvider{tools: []tools.Tool{noteTool{}}}, llm, Options{})

	require.True(t, result.Success)
	require.NotNil(t, result.Trace)
	assert.Equal(t, "the fib function is in place", result.Trace.FinalAnswer)
	assert.Len(t, result.Trace.Steps, 2)
	assert.Equal(t, "note", result.Trace.Steps[0].Action)
	assert.Equal(t, "noted: step one", result.Trace.Steps[0].Observation)
	require.NotNil(t, result.Trace.TotalTokens)
	assert.Equal(t, int64(60), *result.Trace.TotalTokens)
}

func TestExecuteBoundedByMaxSteps(t *testing.T) {
	// A task designed to never reach final_answer.
	responses := make([]agent.CompletionResponse, 5)
	for i := range responses {
		responses[i] = noteCall("spinning")
	}
	llm := agent.NewMockLLMClient(responses, nil)

	result := Execute(context.Background(), "never finish", &listProvider{tools: []tools.Tool{noteTool{}}}, llm, Options{MaxSteps: 3})

	assert.False(t, result.Success)
	require.Error(t, result.Err)
	assert.Equal(t, "max iterations exceeded", result.Trace.Error)
	assert.Len(t, result.Trace.Steps, 3)
	require.NotNil(t, result.Trace.TotalTokens)
	assert.GreaterOrEqual(t, *result.Trace.TotalTokens, int64(0))
}

func TestExecuteUnknownToolCountsAsStep(t *testing.T) {
	llm := agent.NewMockLLMClient([]agent.CompletionResponse{
		{ToolCalls: []agent.ToolCall{{ID: "c1", Name: "ghost_tool", Parameters: map[string]any{}}}},
		finalCall("done despite the miss"),
	}, nil)

	result := Execute(context.Background(), "task", &listProvider{tools: []tools.Tool{noteTool{}}}, llm, Options{})

	require.True(t, result.Success)
	require.Len(t, result.Trace.Steps, 2)
	assert.Equal(t, "ghost_tool", result.Trace.Steps[0].Action)
	assert.Contains(t, result.Trace.Steps[0].Observation, "not found")
}

func TestExecuteCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	llm := agent.NewMockLLMClient([]agent.CompletionResponse{finalCall("never")}, nil)
	result := Execute(ctx, "task", &listProvider{tools: []tools.Tool{noteTool{}}}, llm, Options{})

	assert.False(t, result.Success)
	require.Error(t, result.Err)
	assert.Equal(t, "cancelled", result.Trace.Error)
}

func TestExecuteTruncatesObservationForTransport(t *testing.T) {
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'z'
	}
	llm := agent.NewMockLLMClient([]agent.CompletionResponse{
		noteCall(string(long)),
		finalCall("done"),
	}, nil)

	var streamed []auramodel.ReactStep
	result := Execute(context.Background(), "task", &listProvider{tools: []tools.Tool{noteTool{}}}, llm, Options{
		ObservationCapBytes: 2048,
		OnStep:              func(s auramodel.ReactStep) { streamed = append(streamed, s) },
	})

	require.True(t, result.Success)
	require.NotEmpty(t, streamed)
	obs := streamed[0].Observation
	assert.LessOrEqual(t, len(obs), 2048+len("...[truncated]"))
	assert.Contains(t, obs, "[truncated]")
	assert.Equal(t, "noted: "+string(long), result.Trace.Steps[0].Observation)
}

func TestExecuteStreamsStepsThroughOnStep(t *testing.T) {
	llm := agent.NewMockLLMClient([]agent.CompletionResponse{
		noteCall("first"),
		finalCall("done"),
	}, nil)

	var streamed []auramodel.ReactStep
	result := Execute(context.Background(), "task", &listProvider{tools: []tools.Tool{noteTool{}}}, llm, Options{
		OnStep: func(s auramodel.ReactStep) { streamed = append(streamed, s) },
	})

	require.True(t, result.Success)
	require.Len(t, streamed, 2)
	assert.Equal(t, "note", streamed[0].Action)
	assert.Equal(t, "noted: first", streamed[0].Observation)
	assert.Equal(t, "final_answer", streamed[1].Action)
}

func TestExecuteTokensNilWhenProviderSilent(t *testing.T) {
	llm := agent.NewMockLLMClient([]agent.CompletionResponse{
		{ToolCalls: []agent.ToolCall{{ID: "c1", Name: "note", Parameters: map[string]any{"text": "x"}}}},
		finalCall("done"),
	}, nil)

	result := Execute(context.Background(), "task", &listProvider{tools: []tools.Tool{noteTool{}}}, llm, Options{})

	require.True(t, result.Success)
	assert.Nil(t, result.Trace.TotalTokens)
	assert.GreaterOrEqual(t, result.Trace.DurationMS, int64(0))
}
