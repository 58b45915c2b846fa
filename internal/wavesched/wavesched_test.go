package wavesched

import (
	"context"
	"testing"

	"aura/internal/auramodel"
	"aura/internal/ssebus"
	"aura/pkg/proto"
)

type fakeStore struct {
	story *auramodel.Story
	steps map[string]*auramodel.Step
}

func (f *fakeStore) GetStoryByID(_ context.Context, id string) (*auramodel.Story, error) {
	if f.story.ID != id {
		return nil, errNotFound
	}
	return f.story, nil
}

func (f *fakeStore) UpsertStory(_ context.Context, s *auramodel.Story) error {
	f.story = s
	return nil
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

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

const errNotFound = simpleErr("not found")

// fakeRunner completes every step it is asked to run, unless its id is
// listed in failIDs, in which case it marks the step Failed and returns
// an error.
type fakeRunner struct {
	store   *fakeStore
	failIDs map[string]bool
}

func (f *fakeRunner) RunStep(_ context.Context, _, stepID, _ string, _ map[string]string) (*auramodel.Step, error) {
	step := f.store.steps[stepID]
	if f.failIDs[stepID] {
		step.Status = proto.StepFailed
		step.Attempts++
		f.store.steps[stepID] = step
		return step, simpleErr("step failed")
	}
	step.Status = proto.StepCompleted
	step.Attempts++
	f.store.steps[stepID] = step
	return step, nil
}

func newFixture(automationMode proto.AutomationMode) (*Scheduler, *fakeStore, *auramodel.Story) {
	story := auramodel.NewStory("test", "desc")
	story.Status = proto.StoryPlanned
	story.AutomationMode = automationMode
	story.MaxParallelism = 2
	story.CurrentWave = 1

	step1 := auramodel.NewStep(story.ID, "a", auramodel.CapabilityCoding, 0)
	step1.Wave = 1
	step2 := auramodel.NewStep(story.ID, "b", auramodel.CapabilityCoding, 1)
	step2.Wave = 1

	store := &fakeStore{story: story, steps: map[string]*auramodel.Step{step1.ID: step1, step2.ID: step2}}
	runner := &fakeRunner{store: store, failIDs: map[string]bool{}}
	sched := New(store, runner, NopGate{}, nil, 2)
	return sched, store, story
}

func TestRunCompletesSingleWaveStory(t *testing.T) {
	sched, _, story := newFixture(proto.ModeAssisted)

	result, err := sched.Run(context.Background(), story.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Status != proto.StoryCompleted {
		t.Fatalf("Status = %q, want Completed", result.Status)
	}
	if result.Completed != 2 {
		t.Fatalf("Completed = %d, want 2", result.Completed)
	}
}

func TestRunHaltsOnAssistedFailure(t *testing.T) {
	sched, store, story := newFixture(proto.ModeAssisted)
	var failID string
	for id := range store.steps {
		failID = id
		break
	}
	sched.runner.(*fakeRunner).failIDs[failID] = true

	result, err := sched.Run(context.Background(), story.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Status != proto.StoryFailed {
		t.Fatalf("Status = %q, want Failed", result.Status)
	}
}

func TestRunRetriesAutonomousFailureWithinBudget(t *testing.T) {
	sched, store, story := newFixture(proto.ModeAutonomous)
	var failID string
	for id := range store.steps {
		failID = id
		break
	}
	// The step fails on every attempt: the scheduler retries it while
	// Attempts stays within the default retry limit of 2, then stops.
	runner := sched.runner.(*fakeRunner)
	runner.failIDs[failID] = true
	_ = store

	result, err := sched.Run(context.Background(), story.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// With failIDs never cleared, the story exhausts the retry budget and
	// ends Failed rather than looping forever.
	if result.Status != proto.StoryFailed {
		t.Fatalf("Status = %q, want Failed after exhausting retries", result.Status)
	}
}

func TestReadyStepsFiltersFailedByRetryBudget(t *testing.T) {
	step := auramodel.NewStep("s", "x", auramodel.CapabilityCoding, 0)
	step.Status = proto.StepFailed
	step.Attempts = 3

	ready := readySteps([]*auramodel.Step{step}, 2, proto.ModeAutonomous)
	if len(ready) != 0 {
		t.Fatalf("expected the over-budget Failed step to be excluded, got %+v", ready)
	}

	step.Attempts = 1
	ready = readySteps([]*auramodel.Step{step}, 2, proto.ModeAutonomous)
	if len(ready) != 1 {
		t.Fatalf("expected the under-budget Failed step to be retried, got %+v", ready)
	}
}

func TestRunPublishesWaveAndGateEventsInOrder(t *testing.T) {
	story := auramodel.NewStory("test", "desc")
	story.Status = proto.StoryPlanned
	story.AutomationMode = proto.ModeAutonomous
	story.MaxParallelism = 2
	story.CurrentWave = 1

	step1 := auramodel.NewStep(story.ID, "a", auramodel.CapabilityCoding, 0)
	step1.Wave = 1
	step2 := auramodel.NewStep(story.ID, "b", auramodel.CapabilityTesting, 1)
	step2.Wave = 2

	store := &fakeStore{story: story, steps: map[string]*auramodel.Step{step1.ID: step1, step2.ID: step2}}
	runner := &fakeRunner{store: store, failIDs: map[string]bool{}}
	bus := ssebus.New()
	events, cancel := bus.Subscribe(story.ID)
	defer cancel()

	sched := New(store, runner, NopGate{}, bus, 2)
	if _, err := sched.Run(context.Background(), story.ID); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var kinds []proto.EventKind
drain:
	for {
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Type)
			if ev.Type == proto.EventStoryCompleted {
				break drain
			}
		default:
			break drain
		}
	}

	want := []proto.EventKind{
		proto.EventWaveStarted,
		proto.EventWaveCompleted,
		proto.EventGateRunning,
		proto.EventGatePassed,
		proto.EventWaveStarted,
		proto.EventWaveCompleted,
		proto.EventGateRunning,
		proto.EventGatePassed,
		proto.EventStoryCompleted,
	}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (full sequence %v)", i, kinds[i], want[i], kinds)
		}
	}
}

func TestGetStatusDerivesFromLiveRows(t *testing.T) {
	sched, _, story := newFixture(proto.ModeAssisted)

	status, err := sched.GetStatus(context.Background(), story.ID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status.TotalWaves != 1 {
		t.Fatalf("TotalWaves = %d, want 1", status.TotalWaves)
	}
	if len(status.Steps) != 2 {
		t.Fatalf("len(Steps) = %d, want 2", len(status.Steps))
	}
}

func TestResetOrchestratorRejectsTerminalStory(t *testing.T) {
	sched, _, story := newFixture(proto.ModeAssisted)
	story.Status = proto.StoryCompleted

	if err := sched.ResetOrchestrator(context.Background(), story.ID, false); err == nil {
		t.Fatal("expected an error resetting a terminal story")
	}
}

func TestResetOrchestratorResetsFailedSteps(t *testing.T) {
	sched, store, story := newFixture(proto.ModeAssisted)
	story.Status = proto.StoryGateFailed
	var failID string
	for id, s := range store.steps {
		s.Status = proto.StepFailed
		failID = id
		break
	}

	if err := sched.ResetOrchestrator(context.Background(), story.ID, true); err != nil {
		t.Fatalf("ResetOrchestrator() error = %v", err)
	}
	if store.steps[failID].Status != proto.StepPending {
		t.Fatalf("Status = %q, want Pending", store.steps[failID].Status)
	}
	if store.story.Status != proto.StoryPlanned {
		t.Fatalf("Story status = %q, want Planned", store.story.Status)
	}
}
