package storymachine

import (
	"context"
	"fmt"
	"time"

	"aura/internal/aurerr"
	"aura/internal/auramodel"
	"aura/internal/ssebus"
	"aura/internal/wavesched"
	"aura/pkg/proto"
)

// Run drives storyID through the Wave Scheduler synchronously. The
// Story must already be Planned or mid-flight Running; the Scheduler
// itself enforces that. Concurrent Runs across Stories share the
// host-wide slot pool.
func (e *Engine) Run(ctx context.Context, storyID string) (*wavesched.RunResult, error) {
	if err := e.runSlots.Acquire(ctx, 1); err != nil {
		return nil, aurerr.Wrap(aurerr.KindCancelled, err, "acquire run slot")
	}
	defer e.runSlots.Release(1)

	runCtx, cancel := e.beginRun(storyID)
	defer e.endRun(storyID, cancel)

	return e.scheduler.Run(runCtx, storyID)
}

// RunStream drives storyID the same way Run does, but returns a live
// event channel instead of blocking for the final result. The returned
// channel is closed once the run reaches a pause/halt point and a
// terminal EventDone/EventError has been delivered.
func (e *Engine) RunStream(ctx context.Context, storyID string) (<-chan ssebus.Event, error) {
	if e.bus == nil {
		return nil, aurerr.New(aurerr.KindInternal, "no event bus configured")
	}

	events, cancelSub := e.bus.Subscribe(storyID)

	runCtx, cancel := e.beginRun(storyID)
	go func() {
		defer cancelSub()
		defer e.endRun(storyID, cancel)

		if err := e.runSlots.Acquire(runCtx, 1); err != nil {
			e.publish(ssebus.Event{Type: proto.EventError, StoryID: storyID, Error: err.Error()})
			e.publish(ssebus.Event{Type: proto.EventDone, StoryID: storyID})
			return
		}
		defer e.runSlots.Release(1)

		_, err := e.scheduler.Run(runCtx, storyID)
		if err != nil {
			e.publish(ssebus.Event{Type: proto.EventError, StoryID: storyID, Error: err.Error()})
		}
		e.publish(ssebus.Event{Type: proto.EventDone, StoryID: storyID})
	}()

	return events, nil
}

// beginRun registers a cancellation token for storyID so Cancel can abort
// an in-flight Run. A second Run of the same Story replaces the first's
// registration, so Cancel reaches only the latest Run; neither beginRun
// nor the Scheduler rejects a concurrent Run.
func (e *Engine) beginRun(storyID string) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[storyID] = cancel
	e.mu.Unlock()
	return runCtx, cancel
}

func (e *Engine) endRun(storyID string, cancel context.CancelFunc) {
	cancel()
	e.mu.Lock()
	if e.cancels[storyID] != nil {
		delete(e.cancels, storyID)
	}
	e.mu.Unlock()
}

// Cancel cancels the context of storyID's in-flight Run, if any, and
// marks the Story Cancelled at once, without waiting for running Steps.
// The Scheduler's Run goroutine sees the cancelled context when it
// acquires a slot before each Step dispatch.
func (e *Engine) Cancel(ctx context.Context, storyID string) error {
	story, err := e.store.GetStoryByID(ctx, storyID)
	if err != nil {
		return notFoundOr(err, storyID)
	}
	if !proto.StoryTransitions.Allows(story.Status, proto.StoryCancelled) {
		return aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("story %s is %s, cannot cancel", storyID, story.Status))
	}

	e.mu.Lock()
	if cancel, ok := e.cancels[storyID]; ok {
		cancel()
	}
	e.mu.Unlock()

	story.Status = proto.StoryCancelled
	now := time.Now().UTC()
	story.CompletedAt = &now
	story.UpdatedAt = now
	if err := e.store.UpsertStory(ctx, story); err != nil {
		return aurerr.Wrap(aurerr.KindInternal, err, "persist cancelled story")
	}
	e.publish(ssebus.Event{Type: proto.EventStoryCancelled, StoryID: storyID})
	return nil
}

// Complete marks a Story Completed administratively, for Stories whose
// Steps are all done but which the Scheduler itself never drove to
// completion (e.g. a Story with zero Steps, or one resumed out of band).
// A Story already Completed is accepted idempotently.
func (e *Engine) Complete(ctx context.Context, storyID string) (*auramodel.Story, error) {
	story, err := e.store.GetStoryByID(ctx, storyID)
	if err != nil {
		return nil, notFoundOr(err, storyID)
	}
	if story.Status == proto.StoryCompleted {
		return story, nil
	}
	if !proto.StoryTransitions.Allows(story.Status, proto.StoryCompleted) {
		return nil, aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("story %s is %s, cannot complete", storyID, story.Status))
	}

	steps, err := e.store.ListStepsByStory(ctx, storyID)
	if err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "list steps")
	}
	for _, step := range steps {
		if step.Status != proto.StepCompleted && step.Status != proto.StepSkipped {
			return nil, aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("step %s is %s, not done", step.ID, step.Status))
		}
	}

	now := time.Now().UTC()
	story.Status = proto.StoryCompleted
	story.CompletedAt = &now
	story.UpdatedAt = now
	if err := e.store.UpsertStory(ctx, story); err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "persist completed story")
	}
	e.publish(ssebus.Event{Type: proto.EventStoryCompleted, StoryID: storyID})
	return story, nil
}

// ResetStatus is the administrative override behind `PATCH
// /api/developer/stories/{id}/status`: it forces Story.Status to target,
// rejecting illegal targets under the same transition table every other
// operation is checked against.
func (e *Engine) ResetStatus(ctx context.Context, storyID string, target proto.State) (*auramodel.Story, error) {
	story, err := e.store.GetStoryByID(ctx, storyID)
	if err != nil {
		return nil, notFoundOr(err, storyID)
	}
	if err := e.transition(ctx, story, target); err != nil {
		return nil, err
	}
	return story, nil
}

// ResetOrchestrator delegates to the Wave Scheduler's ResetOrchestrator,
// then re-fetches the Story so the caller observes the post-reset state.
func (e *Engine) ResetOrchestrator(ctx context.Context, storyID string, resetFailedSteps bool) (*auramodel.Story, error) {
	if err := e.scheduler.ResetOrchestrator(ctx, storyID, resetFailedSteps); err != nil {
		return nil, err
	}
	story, err := e.store.GetStoryByID(ctx, storyID)
	if err != nil {
		return nil, notFoundOr(err, storyID)
	}
	return story, nil
}

// GetStatus delegates to the Wave Scheduler's GetStatus, which always
// re-derives the report from current Story/Step rows rather than reading
// back a cached status.
func (e *Engine) GetStatus(ctx context.Context, storyID string) (*wavesched.StatusReport, error) {
	return e.scheduler.GetStatus(ctx, storyID)
}
