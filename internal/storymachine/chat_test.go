package storymachine

import (
	"context"
	"testing"

	"aura/internal/auramodel"
	"aura/pkg/proto"
)

func TestChatRejectsStatusOutsidePermittedSet(t *testing.T) {
	store := newFakeStore()
	e := newEngine(store, newFakeRegistry(planner()), &fakeClientFactory{content: "hi"})
	story := auramodel.NewStory("t", "d")
	story.Status = proto.StoryCreated
	_ = store.UpsertStory(context.Background(), story)

	if _, err := e.Chat(context.Background(), story.ID, "hello"); err == nil {
		t.Fatal("expected chat to be rejected before analysis")
	}
}

func TestChatAppliesStepsAddedDelta(t *testing.T) {
	store := newFakeStore()
	content := "Sure, I'll add a migration step.\n" +
		`{"stepsAdded":[{"name":"migrate schema","capability":"coding","description":"add the column"}],"stepsRemoved":[],"analysisUpdated":false}`
	clients := &fakeClientFactory{content: content}
	e := newEngine(store, newFakeRegistry(planner()), clients)
	story := auramodel.NewStory("t", "d")
	story.Status = proto.StoryPlanned
	_ = store.UpsertStory(context.Background(), story)

	result, err := e.Chat(context.Background(), story.ID, "we also need a migration")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if !result.PlanModified {
		t.Fatal("expected PlanModified = true")
	}
	if len(result.StepsAdded) != 1 || result.StepsAdded[0].Name != "migrate schema" {
		t.Fatalf("StepsAdded = %+v", result.StepsAdded)
	}
	if result.Response != "Sure, I'll add a migration step." {
		t.Fatalf("Response = %q", result.Response)
	}

	updated, err := store.GetStoryByID(context.Background(), story.ID)
	if err != nil {
		t.Fatalf("GetStoryByID() error = %v", err)
	}
	steps := unmarshalPlanSteps(updated.Plan)
	if len(steps) != 1 {
		t.Fatalf("persisted plan steps = %d, want 1", len(steps))
	}
}

func TestChatRemovesOnlyEligibleSteps(t *testing.T) {
	store := newFakeStore()
	story := auramodel.NewStory("t", "d")
	story.Status = proto.StoryRunning
	_ = store.UpsertStory(context.Background(), story)

	pending := auramodel.NewStep(story.ID, "pending", auramodel.CapabilityCoding, 0)
	running := auramodel.NewStep(story.ID, "running", auramodel.CapabilityCoding, 1)
	running.Status = proto.StepRunning
	_ = store.UpsertStep(context.Background(), pending)
	_ = store.UpsertStep(context.Background(), running)

	delta := `{"stepsAdded":[],"stepsRemoved":["` + pending.ID + `","` + running.ID + `"],"analysisUpdated":false}`
	clients := &fakeClientFactory{content: "done\n" + delta}
	e := newEngine(store, newFakeRegistry(planner()), clients)

	result, err := e.Chat(context.Background(), story.ID, "drop the pending step")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if len(result.StepsRemoved) != 1 || result.StepsRemoved[0] != pending.ID {
		t.Fatalf("StepsRemoved = %v, want only the eligible id", result.StepsRemoved)
	}
	if _, err := store.GetStepByID(context.Background(), pending.ID); err == nil {
		t.Fatal("expected the pending step to be removed")
	}
	if _, err := store.GetStepByID(context.Background(), running.ID); err != nil {
		t.Fatal("expected the running step to survive, it is not eligible for removal")
	}
}

func TestChatWithoutDeltaLeavesPlanUntouched(t *testing.T) {
	store := newFakeStore()
	clients := &fakeClientFactory{content: "Just a plain conversational reply, no JSON here."}
	e := newEngine(store, newFakeRegistry(planner()), clients)
	story := auramodel.NewStory("t", "d")
	story.Status = proto.StoryPlanned
	story.Plan = `[{"id":"a","name":"x"}]`
	_ = store.UpsertStory(context.Background(), story)

	result, err := e.Chat(context.Background(), story.ID, "how's it going")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if result.PlanModified {
		t.Fatal("expected PlanModified = false for a reply with no structured delta")
	}
}
