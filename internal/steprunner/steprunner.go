// Package steprunner is the Step Runner: selects an agent for a Step,
// dispatches it either through the ReAct executor or a direct LLM call,
// and persists the resulting transition. It routes by declared
// Capability rather than assuming a single fixed agent per Story.
package steprunner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"aura/internal/aurerr"
	"aura/internal/auramodel"
	metrics "aura/internal/obsmetrics"
	"aura/internal/reactexec"
	"aura/internal/ssebus"
	"aura/pkg/agent"
	"aura/pkg/config"
	"aura/pkg/logx"
	"aura/pkg/proto"
	"aura/pkg/tools"
	"aura/pkg/utils"
)

// Registry is the subset of internal/agentregistry.Registry the runner
// needs, narrowed so this package doesn't import agentregistry directly
// (keeps steprunner testable against a fake).
type Registry interface {
	Get(agentID string) (*auramodel.Agent, bool)
	GetBestForCapability(capability auramodel.Capability, languageHint string) (*auramodel.Agent, bool)
}

// ClientFactory is the subset of internal/llmclient.Factory the runner
// needs.
type ClientFactory interface {
	ForAgent(a *auramodel.Agent, stateProvider metrics.StateProvider) (agent.LLMClient, error)
}

// Store is the subset of internal/storydb.DB the runner needs.
type Store interface {
	GetStoryByID(ctx context.Context, id string) (*auramodel.Story, error)
	GetStepByID(ctx context.Context, id string) (*auramodel.Step, error)
	ListStepsByStory(ctx context.Context, storyID string) ([]*auramodel.Step, error)
	UpsertStep(ctx context.Context, s *auramodel.Step) error
	AddStoryUsage(ctx context.Context, storyID string, tokens int64, costUSD float64) error
}

// Runner executes one Step at a time on behalf of the Wave Scheduler;
// RunStep is its sole public operation.
type Runner struct {
	registry Registry
	clients  ClientFactory
	store    Store
	bus      *ssebus.Bus
	react    ReactDefaults
	logger   *logx.Logger
}

// ReactDefaults tunes the ReAct executor options applied to every
// tool-using dispatch. Zero values fall back to the executor's own
// defaults.
type ReactDefaults struct {
	MaxSteps            int
	ToolTimeout         time.Duration
	StepWallBudget      time.Duration
	ObservationCapBytes int
}

// New constructs a Runner. bus may be nil in tests that don't assert on
// published events.
func New(registry Registry, clients ClientFactory, store Store, bus *ssebus.Bus) *Runner {
	return &Runner{registry: registry, clients: clients, store: store, bus: bus, logger: logx.NewLogger("steprunner")}
}

// SetReactDefaults applies host-configured ReAct tunables.
func (r *Runner) SetReactDefaults(d ReactDefaults) { r.react = d }

// priorStepSummary is the {id, name, output} view of a completed
// predecessor handed to the agent context.
type priorStepSummary struct {
	ID     string
	Name   string
	Output string
}

// RunStep executes stepID of storyID, using agentIDOverride instead of
// registry-selected routing when non-empty, and returns the Step's final
// persisted state.
func (r *Runner) RunStep(ctx context.Context, storyID, stepID, agentIDOverride string, chatContext map[string]string) (*auramodel.Step, error) {
	story, err := r.store.GetStoryByID(ctx, storyID)
	if err != nil {
		return nil, aurerr.Wrap(aurerr.KindNotFound, err, "story "+storyID)
	}
	if !story.IsRunnable() {
		return nil, aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("story %s is %s, not runnable", storyID, story.Status))
	}

	step, err := r.store.GetStepByID(ctx, stepID)
	if err != nil {
		return nil, aurerr.Wrap(aurerr.KindNotFound, err, "step "+stepID)
	}

	selected, ok := r.selectAgent(step, agentIDOverride)
	if !ok {
		return nil, aurerr.New(aurerr.KindNoAgentForCapability, fmt.Sprintf("no agent for capability %q", step.Capability))
	}
	step.AssignedAgentID = selected.ID

	if err := r.markRunning(ctx, step); err != nil {
		return nil, err
	}
	r.publish(ssebus.Event{Type: proto.EventStepStarted, StoryID: storyID, StepID: step.ID, StepName: step.Name})

	priors, err := r.priorOutputs(ctx, storyID, step)
	if err != nil {
		return nil, err
	}

	client, err := r.clients.ForAgent(selected, stepStateProvider{step: step, storyID: storyID})
	if err != nil {
		return nil, r.markFailed(ctx, step, aurerr.Wrap(aurerr.KindLLMError, err, "build client"))
	}

	output, tokens, execErr := r.dispatch(ctx, story, step, selected, client, priors, chatContext)
	r.rollupUsage(ctx, story.ID, selected.Model, tokens)
	if execErr != nil {
		return step, r.markFailed(ctx, step, execErr)
	}
	return step, r.markCompleted(ctx, step, output)
}

// rollupUsage accumulates token and cost totals onto the Story. Best
// effort; a rollup failure never fails the Step.
func (r *Runner) rollupUsage(ctx context.Context, storyID, model string, tokens int64) {
	if tokens <= 0 {
		return
	}
	cost, err := config.CalculateCost(model, 0, int(tokens))
	if err != nil {
		cost = 0
	}
	if err := r.store.AddStoryUsage(ctx, storyID, tokens, cost); err != nil {
		r.logger.Warn("usage rollup for story %s: %v", storyID, err)
	}
}

func (r *Runner) selectAgent(step *auramodel.Step, agentIDOverride string) (*auramodel.Agent, bool) {
	if agentIDOverride != "" {
		return r.registry.Get(agentIDOverride)
	}
	return r.registry.GetBestForCapability(step.Capability, step.Language)
}

func (r *Runner) markRunning(ctx context.Context, step *auramodel.Step) error {
	if !proto.StepTransitions.Allows(step.Status, proto.StepRunning) {
		return aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("step %s cannot start from %s", step.ID, step.Status))
	}
	now := time.Now().UTC()
	step.Status = proto.StepRunning
	step.StartedAt = &now
	step.Attempts++
	return r.store.UpsertStep(ctx, step)
}

func (r *Runner) markCompleted(ctx context.Context, step *auramodel.Step, output string) error {
	now := time.Now().UTC()
	step.Output = output
	step.Error = ""
	step.NeedsRework = false
	step.PreviousOutput = ""
	step.Status = proto.StepCompleted
	step.CompletedAt = &now
	if step.StartedAt != nil {
		step.DurationMS = now.Sub(*step.StartedAt).Milliseconds()
	}
	if err := r.store.UpsertStep(ctx, step); err != nil {
		return err
	}
	r.publish(ssebus.Event{Type: proto.EventStepCompleted, StoryID: step.StoryID, StepID: step.ID, StepName: step.Name, Output: output})
	return nil
}

func (r *Runner) markFailed(ctx context.Context, step *auramodel.Step, cause error) error {
	now := time.Now().UTC()
	step.Error = cause.Error()
	step.Status = proto.StepFailed
	step.CompletedAt = &now
	if step.StartedAt != nil {
		step.DurationMS = now.Sub(*step.StartedAt).Milliseconds()
	}
	if err := r.store.UpsertStep(ctx, step); err != nil {
		r.logger.Error("persist failed step %s: %v", step.ID, err)
	}
	r.publish(ssebus.Event{Type: proto.EventStepFailed, StoryID: step.StoryID, StepID: step.ID, StepName: step.Name, Error: step.Error})
	return cause
}

func (r *Runner) publish(ev ssebus.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}

// priorOutputs gathers the completed predecessors of step within the same
// Story, in Order.
func (r *Runner) priorOutputs(ctx context.Context, storyID string, step *auramodel.Step) ([]priorStepSummary, error) {
	all, err := r.store.ListStepsByStory(ctx, storyID)
	if err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "list steps")
	}

	var priors []priorStepSummary
	for _, s := range all {
		if s.Order < step.Order && s.Status == proto.StepCompleted {
			priors = append(priors, priorStepSummary{ID: s.ID, Name: s.Name, Output: s.Output})
		}
	}
	return priors, nil
}

// dispatch runs step through the ReAct executor (tool-using agents) or a
// direct LLM call, returning the Step's Output text.
func (r *Runner) dispatch(
	ctx context.Context,
	story *auramodel.Story,
	step *auramodel.Step,
	selected *auramodel.Agent,
	client agent.LLMClient,
	priors []priorStepSummary,
	chatContext map[string]string,
) (string, int64, error) {
	prompt := renderPrompt(step, priors, chatContext)

	if instructions, err := utils.LoadWorkspaceInstructions(story.WorktreePath); err != nil {
		r.logger.Warn("workspace instructions for story %s: %v", story.ID, err)
	} else if instructions != "" {
		prompt += "\n\nWorkspace instructions:\n" + instructions
	}

	if selected.UsesTools() {
		provider := tools.NewProvider(&tools.AgentContext{WorkDir: story.WorktreePath, AgentID: selected.ID}, allowedToolNames(selected, story))
		result := reactexec.Execute(ctx, prompt, provider, client, reactexec.Options{
			MaxSteps:            r.react.MaxSteps,
			Model:               selected.Model,
			Temperature:         selected.Temperature,
			WorkingDirectory:    story.WorktreePath,
			ToolTimeout:         r.react.ToolTimeout,
			StepWallBudget:      r.react.StepWallBudget,
			ObservationCapBytes: r.react.ObservationCapBytes,
			OnStep: func(rs auramodel.ReactStep) {
				r.publish(ssebus.Event{
					Type:     proto.EventStepProgress,
					StoryID:  story.ID,
					StepID:   step.ID,
					StepName: step.Name,
					Output:   fmt.Sprintf("%s: %s", rs.Action, rs.Observation),
				})
			},
		})
		step.ChatHistory = append(step.ChatHistory, traceToChatHistory(result)...)
		var tokens int64
		if result.Trace != nil && result.Trace.TotalTokens != nil {
			tokens = *result.Trace.TotalTokens
		}
		if !result.Success {
			if result.Err != nil {
				return "", tokens, aurerr.Wrap(aurerr.KindToolError, result.Err, "react execute")
			}
			return "", tokens, aurerr.New(aurerr.KindToolError, "react execute did not reach a final answer")
		}
		return result.Trace.FinalAnswer, tokens, nil
	}

	resp, err := client.Complete(ctx, agent.CompletionRequest{
		Messages: []agent.CompletionMessage{
			agent.NewSystemMessage(selected.SystemPromptText),
			agent.NewUserMessage(prompt),
		},
		Temperature: selected.Temperature,
		MaxTokens:   4096,
	})
	if err != nil {
		return "", 0, aurerr.Wrap(aurerr.KindLLMError, err, "direct completion")
	}
	var tokens int64
	if resp.Usage != nil {
		tokens = resp.Usage.TotalTokens
	}
	return resp.Content, tokens, nil
}

// allowedToolNames resolves the tool filter: the agent's declared Tools
// when set, otherwise the full registry minus RequiresConfirmation tools
// under Autonomous mode. A nil return means every registered tool.
func allowedToolNames(selected *auramodel.Agent, story *auramodel.Story) []string {
	if len(selected.Tools) > 0 {
		return selected.Tools
	}
	if story.AutomationMode != proto.ModeAutonomous {
		return nil
	}

	probe := tools.NewProvider(&tools.AgentContext{WorkDir: story.WorktreePath, AgentID: selected.ID, ReadOnly: true}, nil)
	var allowed []string
	for _, meta := range tools.ListTools() {
		tool, err := probe.Get(meta.Name)
		if err != nil {
			continue
		}
		if rc, ok := tool.(tools.RequiresConfirmation); ok && rc.RequiresConfirmation() {
			continue
		}
		allowed = append(allowed, meta.Name)
	}
	return allowed
}

func renderPrompt(step *auramodel.Step, priors []priorStepSummary, chatContext map[string]string) string {
	var b strings.Builder
	b.WriteString(step.Description)

	if len(priors) > 0 {
		b.WriteString("\n\nPrior step outputs:\n")
		for _, p := range priors {
			fmt.Fprintf(&b, "- %s (%s): %s\n", p.Name, p.ID, p.Output)
		}
	}

	if step.NeedsRework {
		fmt.Fprintf(&b, "\n\nThis step was previously rejected. Previous output:\n%s\n", step.PreviousOutput)
		if step.ApprovalFeedback != "" {
			fmt.Fprintf(&b, "\nReviewer feedback:\n%s\n", step.ApprovalFeedback)
		}
	}

	for k, v := range chatContext {
		fmt.Fprintf(&b, "\n\n%s:\n%s\n", k, v)
	}

	return b.String()
}

func traceToChatHistory(result reactexec.Result) []auramodel.ChatTurn {
	if result.Trace == nil {
		return nil
	}
	turns := make([]auramodel.ChatTurn, 0, len(result.Trace.Steps))
	for _, step := range result.Trace.Steps {
		turns = append(turns, auramodel.ChatTurn{
			Timestamp: time.Now().UTC(),
			Role:      "tool",
			Content:   fmt.Sprintf("%s -> %s", step.Action, step.Observation),
		})
	}
	return turns
}

// stepStateProvider adapts a Step into obsmetrics.StateProvider so the
// LLM client's metrics middleware can label requests by story/agent/state.
type stepStateProvider struct {
	step    *auramodel.Step
	storyID string
}

func (p stepStateProvider) GetCurrentState() proto.State { return p.step.Status }
func (p stepStateProvider) GetStoryID() string            { return p.storyID }
func (p stepStateProvider) GetID() string                 { return p.step.AssignedAgentID }
