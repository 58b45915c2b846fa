package toolloop

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aura/pkg/agent"
	"aura/pkg/contextmgr"
	"aura/pkg/logx"
	"aura/pkg/tools"
)

// echoTool returns its "text" argument; doneTool is the terminal marker
// the test configs look for.
type echoTool struct{ failWith error }

func (echoTool) Name() string { return "echo" }

func (echoTool) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        "echo",
		Description: "Echo the given text.",
		InputSchema: tools.InputSchema{
			Type:       "object",
			Properties: map[string]tools.Property{"text": {Type: "string"}},
		},
	}
}

func (e echoTool) Exec(_ context.Context, args map[string]any) (*tools.ExecResult, error) {
	if e.failWith != nil {
		return nil, e.failWith
	}
	text, _ := args["text"].(string)
	return &tools.ExecResult{Content: text}, nil
}

type doneTool struct{}

func (doneTool) Name() string { return "done" }

func (doneTool) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        "done",
		Description: "Mark the task complete.",
		InputSchema: tools.InputSchema{
			Type:       "object",
			Properties: map[string]tools.Property{"summary": {Type: "string"}},
		},
	}
}

func (doneTool) Exec(_ context.Context, args map[string]any) (*tools.ExecResult, error) {
	summary, _ := args["summary"].(string)
	return &tools.ExecResult{Content: summary}, nil
}

type fakeProvider struct {
	tools map[string]tools.Tool
}

func newFakeProvider(ts ...tools.Tool) *fakeProvider {
	m := make(map[string]tools.Tool, len(ts))
	for _, t := range ts {
		m[t.Name()] = t
	}
	return &fakeProvider{tools: m}
}

func (p *fakeProvider) Get(name string) (tools.Tool, error) {
	t, ok := p.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return t, nil
}

func (p *fakeProvider) List() []tools.ToolMeta {
	var out []tools.ToolMeta
	for _, t := range p.tools {
		def := t.Definition()
		out = append(out, tools.ToolMeta{Name: def.Name, Description: def.Description, InputSchema: def.InputSchema})
	}
	return out
}

func testConfig(provider ToolProvider) *Config[string] {
	return &Config[string]{
		ContextManager: contextmgr.NewContextManager(),
		ToolProvider:   provider,
		InitialPrompt:  "do the thing",
		CheckTerminal: func(calls []agent.ToolCall, _ []any) string {
			for _, c := range calls {
				if c.Name == "done" {
					return "DONE"
				}
			}
			return ""
		},
		ExtractResult: func(calls []agent.ToolCall, _ []any) (string, error) {
			for _, c := range calls {
				if c.Name == "done" {
					summary, ok := c.Parameters["summary"].(string)
					if !ok {
						return "", ErrInvalidResult
					}
					return summary, nil
				}
			}
			return "", ErrNoTerminalTool
		},
	}
}

func callDone(summary string) agent.CompletionResponse {
	return agent.CompletionResponse{
		ToolCalls: []agent.ToolCall{{ID: "t1", Name: "done", Parameters: map[string]any{"summary": summary}}},
	}
}

func callEcho(text string) agent.CompletionResponse {
	return agent.CompletionResponse{
		ToolCalls: []agent.ToolCall{{ID: "t1", Name: "echo", Parameters: map[string]any{"text": text}}},
	}
}

func TestRunSuccessOnTerminalTool(t *testing.T) {
	client := agent.NewMockLLMClient([]agent.CompletionResponse{
		callEcho("step one"),
		callDone("all done"),
	}, nil)

	cfg := testConfig(newFakeProvider(echoTool{}, doneTool{}))
	out := Run(New(client, logx.NewLogger("test")), context.Background(), cfg)

	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, "DONE", out.Signal)
	assert.Equal(t, "all done", out.Value)
	assert.Equal(t, 2, out.Iteration)
}

func TestRunMaxIterations(t *testing.T) {
	responses := make([]agent.CompletionResponse, 5)
	for i := range responses {
		responses[i] = callEcho("again")
	}
	client := agent.NewMockLLMClient(responses, nil)

	cfg := testConfig(newFakeProvider(echoTool{}, doneTool{}))
	cfg.MaxIterations = 3
	out := Run(New(client, logx.NewLogger("test")), context.Background(), cfg)

	assert.Equal(t, OutcomeMaxIterations, out.Kind)
	assert.Equal(t, 3, out.Iteration)
	require.Error(t, out.Err)
}

func TestRunNudgesThenGivesUpWithoutTools(t *testing.T) {
	client := agent.NewMockLLMClient([]agent.CompletionResponse{
		{Content: "thinking out loud"},
		{Content: "still just thinking"},
	}, nil)

	cfg := testConfig(newFakeProvider(doneTool{}))
	out := Run(New(client, logx.NewLogger("test")), context.Background(), cfg)

	assert.Equal(t, OutcomeNoToolTwice, out.Kind)
	assert.Equal(t, 2, out.Iteration)
}

func TestRunRecoversAfterOneNoToolTurn(t *testing.T) {
	client := agent.NewMockLLMClient([]agent.CompletionResponse{
		{Content: "let me think"},
		callDone("recovered"),
	}, nil)

	cfg := testConfig(newFakeProvider(doneTool{}))
	out := Run(New(client, logx.NewLogger("test")), context.Background(), cfg)

	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, "recovered", out.Value)
}

func TestRunUnknownToolFeedsErrorResultAndContinues(t *testing.T) {
	client := agent.NewMockLLMClient([]agent.CompletionResponse{
		{ToolCalls: []agent.ToolCall{{ID: "t1", Name: "no_such_tool", Parameters: map[string]any{}}}},
		callDone("after miss"),
	}, nil)

	cfg := testConfig(newFakeProvider(doneTool{}))
	out := Run(New(client, logx.NewLogger("test")), context.Background(), cfg)

	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, "after miss", out.Value)
	assert.Equal(t, 2, out.Iteration)
}

func TestRunToolFailureBecomesErrorResult(t *testing.T) {
	failing := echoTool{failWith: errors.New("disk full")}
	checked := false

	cfg := testConfig(newFakeProvider(failing, doneTool{}))
	base := cfg.CheckTerminal
	cfg.CheckTerminal = func(calls []agent.ToolCall, results []any) string {
		for i, c := range calls {
			if c.Name == "echo" {
				res, ok := results[i].(map[string]any)
				require.True(t, ok)
				assert.Equal(t, false, res["success"])
				assert.Contains(t, res["error"], "disk full")
				checked = true
			}
		}
		return base(calls, results)
	}

	client := agent.NewMockLLMClient([]agent.CompletionResponse{
		callEcho("boom"),
		callDone("done anyway"),
	}, nil)
	out := Run(New(client, logx.NewLogger("test")), context.Background(), cfg)

	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.True(t, checked)
}

func TestRunLLMError(t *testing.T) {
	client := agent.NewMockLLMClient(nil, []error{errors.New("503 from provider")})

	cfg := testConfig(newFakeProvider(doneTool{}))
	out := Run(New(client, logx.NewLogger("test")), context.Background(), cfg)

	assert.Equal(t, OutcomeLLMError, out.Kind)
	require.Error(t, out.Err)
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := agent.NewMockLLMClient([]agent.CompletionResponse{callDone("never")}, nil)
	cfg := testConfig(newFakeProvider(doneTool{}))
	out := Run(New(client, logx.NewLogger("test")), ctx, cfg)

	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestRunExtractionError(t *testing.T) {
	client := agent.NewMockLLMClient([]agent.CompletionResponse{
		{ToolCalls: []agent.ToolCall{{ID: "t1", Name: "done", Parameters: map[string]any{"summary": 42}}}},
	}, nil)

	cfg := testConfig(newFakeProvider(doneTool{}))
	out := Run(New(client, logx.NewLogger("test")), context.Background(), cfg)

	assert.Equal(t, OutcomeExtractionError, out.Kind)
	assert.Equal(t, "DONE", out.Signal)
	assert.ErrorIs(t, out.Err, ErrInvalidResult)
}

func TestRunAccumulatesUsage(t *testing.T) {
	first := callEcho("one")
	first.Usage = &agent.TokenUsage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120}
	second := callDone("two")
	second.Usage = &agent.TokenUsage{PromptTokens: 150, CompletionTokens: 30, TotalTokens: 180}

	client := agent.NewMockLLMClient([]agent.CompletionResponse{first, second}, nil)
	cfg := testConfig(newFakeProvider(echoTool{}, doneTool{}))
	out := Run(New(client, logx.NewLogger("test")), context.Background(), cfg)

	require.NotNil(t, out.TotalUsage)
	assert.Equal(t, int64(300), out.TotalUsage.TotalTokens)
}

func TestRunRequiresConfig(t *testing.T) {
	client := agent.NewMockLLMClient(nil, nil)
	loop := New(client, logx.NewLogger("test"))

	out := Run(loop, context.Background(), &Config[string]{})
	assert.Equal(t, OutcomeLLMError, out.Kind)

	cfg := testConfig(&fakeProvider{tools: map[string]tools.Tool{}})
	out = Run(loop, context.Background(), cfg)
	assert.Equal(t, OutcomeLLMError, out.Kind)
}

func TestFormatToolResultTruncates(t *testing.T) {
	long := make([]byte, maxToolOutputLength+500)
	for i := range long {
		long[i] = 'x'
	}
	s, isErr := formatToolResult(string(long), nil)
	assert.False(t, isErr)
	assert.Less(t, len(s), len(long)+100)
	assert.Contains(t, s, "truncated")
}
