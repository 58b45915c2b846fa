package steprunner

import (
	"context"
	"testing"

	"aura/internal/auramodel"
	"aura/internal/obsmetrics"
	"aura/pkg/agent"
	"aura/pkg/proto"
)

type fakeRegistry struct {
	agents map[string]*auramodel.Agent
}

func (f *fakeRegistry) Get(id string) (*auramodel.Agent, bool) {
	a, ok := f.agents[id]
	return a, ok
}

func (f *fakeRegistry) GetBestForCapability(capability auramodel.Capability, _ string) (*auramodel.Agent, bool) {
	for _, a := range f.agents {
		if a.HasCapability(capability) {
			return a, true
		}
	}
	return nil, false
}

type fakeClientFactory struct {
	content string
	usage   *agent.TokenUsage
	err     error
}

func (f *fakeClientFactory) ForAgent(_ *auramodel.Agent, _ obsmetrics.StateProvider) (agent.LLMClient, error) {
	if f.err != nil {
		return nil, f.err
	}
	return agent.WrapClient(
		func(_ context.Context, _ agent.CompletionRequest) (agent.CompletionResponse, error) {
			return agent.CompletionResponse{Content: f.content, Usage: f.usage}, nil
		},
		nil,
		func() string { return "fake-model" },
	), nil
}

type fakeStore struct {
	story *auramodel.Story
	steps map[string]*auramodel.Step
}

func (f *fakeStore) GetStoryByID(_ context.Context, id string) (*auramodel.Story, error) {
	if f.story == nil || f.story.ID != id {
		return nil, errNotFound
	}
	return f.story, nil
}

func (f *fakeStore) GetStepByID(_ context.Context, id string) (*auramodel.Step, error) {
	s, ok := f.steps[id]
	if !ok {
		return nil, errNotFound
	}
	return s, nil
}

func (f *fakeStore) ListStepsByStory(_ context.Context, storyID string) ([]*auramodel.Step, error) {
	var out []*auramodel.Step
	for _, s := range f.steps {
		if s.StoryID == storyID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertStep(_ context.Context, s *auramodel.Step) error {
	f.steps[s.ID] = s
	return nil
}

func (f *fakeStore) AddStoryUsage(_ context.Context, storyID string, tokens int64, costUSD float64) error {
	if f.story != nil && f.story.ID == storyID {
		f.story.TokensUsed += tokens
		f.story.CostUSD += costUSD
	}
	return nil
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

const errNotFound = simpleErr("not found")

func newFixture(t *testing.T) (*Runner, *fakeStore, *auramodel.Story, *auramodel.Step) {
	t.Helper()

	story := auramodel.NewStory("Test story", "desc")
	story.Status = proto.StoryRunning

	step := auramodel.NewStep(story.ID, "write docs", auramodel.CapabilityDocumentation, 0)

	reviewer := &auramodel.Agent{
		ID:           "reviewer-1",
		Capabilities: []auramodel.Capability{auramodel.CapabilityDocumentation},
		Model:        "fake-model",
	}
	registry := &fakeRegistry{agents: map[string]*auramodel.Agent{reviewer.ID: reviewer}}
	clients := &fakeClientFactory{content: "done writing docs"}
	store := &fakeStore{story: story, steps: map[string]*auramodel.Step{step.ID: step}}

	runner := New(registry, clients, store, nil)
	return runner, store, story, step
}

func TestRunStepCompletesNonToolAgent(t *testing.T) {
	runner, _, story, step := newFixture(t)

	got, err := runner.RunStep(context.Background(), story.ID, step.ID, "", nil)
	if err != nil {
		t.Fatalf("RunStep() error = %v", err)
	}
	if got.Status != proto.StepCompleted {
		t.Fatalf("Status = %q, want Completed", got.Status)
	}
	if got.Output != "done writing docs" {
		t.Fatalf("Output = %q", got.Output)
	}
	if got.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", got.Attempts)
	}
}

func TestRunStepRecordsAssignedAgentAndUsage(t *testing.T) {
	runner, store, story, step := newFixture(t)
	runner.clients = &fakeClientFactory{content: "ok", usage: &agent.TokenUsage{TotalTokens: 1200}}

	got, err := runner.RunStep(context.Background(), story.ID, step.ID, "", nil)
	if err != nil {
		t.Fatalf("RunStep() error = %v", err)
	}
	if got.AssignedAgentID != "reviewer-1" {
		t.Fatalf("AssignedAgentID = %q, want reviewer-1", got.AssignedAgentID)
	}
	if store.story.TokensUsed != 1200 {
		t.Fatalf("TokensUsed = %d, want 1200", store.story.TokensUsed)
	}
}

func TestRunStepFailsWhenStoryNotRunnable(t *testing.T) {
	runner, _, story, step := newFixture(t)
	story.Status = proto.StoryCreated

	_, err := runner.RunStep(context.Background(), story.ID, step.ID, "", nil)
	if err == nil {
		t.Fatal("expected an error for a non-runnable story")
	}
}

func TestRunStepFailsWhenNoAgentMatchesCapability(t *testing.T) {
	runner, store, story, _ := newFixture(t)
	step := auramodel.NewStep(story.ID, "analyze", auramodel.CapabilityAnalysis, 1)
	store.steps[step.ID] = step

	_, err := runner.RunStep(context.Background(), story.ID, step.ID, "", nil)
	if err == nil {
		t.Fatal("expected an error when no agent offers the capability")
	}
}

func TestRunStepMarksFailedOnClientError(t *testing.T) {
	runner, store, story, step := newFixture(t)
	runner.clients = &fakeClientFactory{err: simpleErr("provider unavailable")}

	_, err := runner.RunStep(context.Background(), story.ID, step.ID, "", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	persisted := store.steps[step.ID]
	if persisted.Status != proto.StepFailed {
		t.Fatalf("Status = %q, want Failed", persisted.Status)
	}
}

func TestPriorOutputsOnlyIncludesCompletedPredecessors(t *testing.T) {
	runner, store, story, step := newFixture(t)
	step.Order = 2

	predecessorDone := auramodel.NewStep(story.ID, "plan", auramodel.CapabilityPlanning, 0)
	predecessorDone.Status = proto.StepCompleted
	predecessorDone.Output = "plan output"
	store.steps[predecessorDone.ID] = predecessorDone

	predecessorPending := auramodel.NewStep(story.ID, "code", auramodel.CapabilityCoding, 1)
	store.steps[predecessorPending.ID] = predecessorPending

	priors, err := runner.priorOutputs(context.Background(), story.ID, step)
	if err != nil {
		t.Fatalf("priorOutputs() error = %v", err)
	}
	if len(priors) != 1 || priors[0].Output != "plan output" {
		t.Fatalf("priors = %+v, want only the completed predecessor", priors)
	}
}

func TestMarkRunningRejectsIllegalTransition(t *testing.T) {
	runner, _, _, step := newFixture(t)
	step.Status = proto.StepCompleted

	if err := runner.markRunning(context.Background(), step); err == nil {
		t.Fatal("expected an error transitioning Completed -> Running")
	}
}
