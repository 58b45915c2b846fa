// Step-level operations of the Story State Machine: direct manipulation
// of one Step's lifecycle, plus RejectStep's cascade rework. Uses
// proto.StepTransitions, the Step status table internal/steprunner also
// enforces, since the Story State Machine is the sole
// writer of Step mutable state.
package storymachine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"aura/internal/aurerr"
	"aura/internal/auramodel"
	"aura/internal/ssebus"
	"aura/pkg/agent"
	"aura/pkg/proto"
)

// AddStep appends a Step descriptor directly to a Story (distinct from
// Chat's stepsAdded delta: this is the explicit `POST.../steps`
// endpoint). The new Step has no Wave until the next Decompose.
func (e *Engine) AddStep(ctx context.Context, storyID, name string, capability auramodel.Capability, language, description string) (*auramodel.Step, error) {
	unlock := e.lockStory(storyID)
	defer unlock()

	story, err := e.store.GetStoryByID(ctx, storyID)
	if err != nil {
		return nil, notFoundOr(err, storyID)
	}
	if story.IsTerminal() {
		return nil, aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("story %s is terminal, cannot add steps", storyID))
	}

	existing, err := e.store.ListStepsByStory(ctx, storyID)
	if err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "list steps")
	}
	nextOrder := 0
	for _, s := range existing {
		if s.Order > nextOrder {
			nextOrder = s.Order
		}
	}

	step := auramodel.NewStep(storyID, name, capability, nextOrder+1)
	step.Language = language
	step.Description = description
	if !auramodel.ValidCapability(capability) {
		e.logger.Warn("story %s: added step %q has unknown capability %q, retaining it", storyID, name, capability)
	}

	if err := e.store.UpsertStep(ctx, step); err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "persist step")
	}

	// Mirror the row into the plan blob so the next Decompose assigns the
	// step a wave instead of leaving it stranded at Wave 0.
	plan, err := appendPlanStep(story.Plan, PlanStep{
		ID:          step.ID,
		Order:       step.Order,
		Name:        name,
		Capability:  string(capability),
		Language:    language,
		Description: description,
	})
	if err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "append plan step")
	}
	story.Plan = plan
	story.UpdatedAt = time.Now().UTC()
	if err := e.store.UpsertStory(ctx, story); err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "persist story")
	}
	return step, nil
}

// ExecuteStep runs one Step immediately through the Step Runner, outside
// the Wave Scheduler's wave-at-a-time ordering. Useful for re-running a single Rejected
// or Failed Step without re-entering Run for the whole Story.
func (e *Engine) ExecuteStep(ctx context.Context, stepID string) (*auramodel.Step, error) {
	step, err := e.store.GetStepByID(ctx, stepID)
	if err != nil {
		return nil, notFoundOr(err, stepID)
	}
	if e.runner == nil {
		return nil, aurerr.New(aurerr.KindInternal, "no step runner configured")
	}
	if step.Status == proto.StepRejected || step.Status == proto.StepFailed {
		step.Status = proto.StepPending
		step.Error = ""
		if err := e.store.UpsertStep(ctx, step); err != nil {
			return nil, aurerr.Wrap(aurerr.KindInternal, err, "reset step")
		}
	}
	updated, err := e.runner.RunStep(ctx, step.StoryID, stepID, "", nil)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RemoveStep deletes a Step. Only Pending or Rejected Steps are eligible,
// matching Chat's stepsRemoved eligibility rule.
func (e *Engine) RemoveStep(ctx context.Context, stepID string) error {
	step, err := e.store.GetStepByID(ctx, stepID)
	if err != nil {
		return notFoundOr(err, stepID)
	}
	unlock := e.lockStory(step.StoryID)
	defer unlock()

	if step.Status != proto.StepPending && step.Status != proto.StepRejected {
		return aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("step %s is %s, not eligible for removal", stepID, step.Status))
	}
	if err := e.store.DeleteStep(ctx, stepID); err != nil {
		return notFoundOr(err, stepID)
	}
	return e.dropFromPlan(ctx, step.StoryID, []string{stepID})
}

// dropFromPlan removes descriptors from the Story's plan blob after their
// rows are deleted, so the next Decompose cannot resurrect them.
func (e *Engine) dropFromPlan(ctx context.Context, storyID string, ids []string) error {
	story, err := e.store.GetStoryByID(ctx, storyID)
	if err != nil {
		return notFoundOr(err, storyID)
	}
	if strings.TrimSpace(story.Plan) == "" {
		return nil
	}
	plan, err := removePlanSteps(story.Plan, ids)
	if err != nil {
		return aurerr.Wrap(aurerr.KindInternal, err, "remove plan steps")
	}
	story.Plan = plan
	story.UpdatedAt = time.Now().UTC()
	if err := e.store.UpsertStory(ctx, story); err != nil {
		return aurerr.Wrap(aurerr.KindInternal, err, "persist story")
	}
	return nil
}

// UpdateStepDescription edits a Step's free-form Description, keeping
// the plan descriptor in sync.
func (e *Engine) UpdateStepDescription(ctx context.Context, stepID, description string) (*auramodel.Step, error) {
	step, err := e.store.GetStepByID(ctx, stepID)
	if err != nil {
		return nil, notFoundOr(err, stepID)
	}
	unlock := e.lockStory(step.StoryID)
	defer unlock()
	step.Description = description

	story, err := e.store.GetStoryByID(ctx, step.StoryID)
	if err != nil {
		return nil, notFoundOr(err, step.StoryID)
	}
	if strings.TrimSpace(story.Plan) != "" {
		plan, err := updatePlanStepDescription(story.Plan, stepID, description)
		if err != nil {
			return nil, aurerr.Wrap(aurerr.KindInternal, err, "update plan step")
		}
		story.Plan = plan
		story.UpdatedAt = time.Now().UTC()
		if err := e.store.UpsertStory(ctx, story); err != nil {
			return nil, aurerr.Wrap(aurerr.KindInternal, err, "persist story")
		}
	}

	if err := e.store.UpsertStep(ctx, step); err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "persist step")
	}
	return step, nil
}

// ApproveStep records an Approved disposition on a Completed Step.
func (e *Engine) ApproveStep(ctx context.Context, stepID string) (*auramodel.Step, error) {
	step, err := e.store.GetStepByID(ctx, stepID)
	if err != nil {
		return nil, notFoundOr(err, stepID)
	}
	unlock := e.lockStory(step.StoryID)
	defer unlock()

	if step.Status != proto.StepCompleted {
		return nil, aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("step %s is %s, cannot approve", stepID, step.Status))
	}
	step.Approval = proto.ApprovalApproved
	if err := e.store.UpsertStep(ctx, step); err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "persist step")
	}
	return step, nil
}

// RejectStep rejects a Completed Step and cascades rework to every later
// Step. The edge set is the
// Step's explicit DependsOn graph where later-wave Steps reference it, or
// "every later-wave Step" when no DAG is available.
func (e *Engine) RejectStep(ctx context.Context, stepID, feedback string) ([]*auramodel.Step, error) {
	step, err := e.store.GetStepByID(ctx, stepID)
	if err != nil {
		return nil, notFoundOr(err, stepID)
	}
	unlock := e.lockStory(step.StoryID)
	defer unlock()

	if step.Status != proto.StepCompleted {
		return nil, aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("step %s is %s, cannot reject", stepID, step.Status))
	}

	story, err := e.store.GetStoryByID(ctx, step.StoryID)
	if err != nil {
		return nil, notFoundOr(err, step.StoryID)
	}

	allSteps, err := e.store.ListStepsByStory(ctx, step.StoryID)
	if err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "list steps")
	}

	affected := cascadeSet(step, allSteps)

	for _, s := range affected {
		s.Approval = proto.ApprovalRejected
		s.ApprovalFeedback = feedback
		s.NeedsRework = true
		if s.Output != "" {
			s.PreviousOutput = s.Output
		}
		s.Status = proto.StepRejected
		if err := e.store.UpsertStep(ctx, s); err != nil {
			return nil, aurerr.Wrap(aurerr.KindInternal, err, "persist rejected step "+s.ID)
		}
		e.publish(ssebus.Event{Type: proto.EventStepRejected, StoryID: step.StoryID, StepID: s.ID, StepName: s.Name})
	}

	if !proto.StoryTransitions.Allows(story.Status, proto.StoryRunning) && story.Status != proto.StoryRunning {
		return nil, aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("story %s is %s, cannot reopen for rework", step.StoryID, story.Status))
	}
	story.Status = proto.StoryRunning
	story.CurrentWave = step.Wave
	story.UpdatedAt = time.Now().UTC()
	if err := e.store.UpsertStory(ctx, story); err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "persist story")
	}

	return affected, nil
}

// cascadeSet returns rejected's own Step plus every later-wave Step that
// either depends on it (transitively, via DependsOn) or, when no
// dependency is declared anywhere in the Story, every Step strictly in a
// later wave.
func cascadeSet(rejected *auramodel.Step, all []*auramodel.Step) []*auramodel.Step {
	hasAnyEdges := false
	for _, s := range all {
		if len(s.DependsOn) > 0 {
			hasAnyEdges = true
			break
		}
	}

	result := []*auramodel.Step{rejected}
	reached := map[string]bool{rejected.ID: true}

	// Skipped and Cancelled Steps stay where they are; rework cannot
	// resurrect work a human explicitly skipped.
	reworkable := func(s *auramodel.Step) bool {
		return s.Status != proto.StepSkipped && s.Status != proto.StepCancelled
	}

	if !hasAnyEdges {
		for _, s := range all {
			if s.ID != rejected.ID && s.Wave > rejected.Wave && reworkable(s) {
				result = append(result, s)
			}
		}
		return result
	}

	changed := true
	for changed {
		changed = false
		for _, s := range all {
			if reached[s.ID] {
				continue
			}
			for _, dep := range s.DependsOn {
				if reached[dep] {
					reached[s.ID] = true
					if reworkable(s) {
						result = append(result, s)
					}
					changed = true
					break
				}
			}
		}
	}
	return result
}

// SkipStep marks a non-terminal Step Skipped with a reason.
func (e *Engine) SkipStep(ctx context.Context, stepID, reason string) (*auramodel.Step, error) {
	step, err := e.store.GetStepByID(ctx, stepID)
	if err != nil {
		return nil, notFoundOr(err, stepID)
	}
	unlock := e.lockStory(step.StoryID)
	defer unlock()
	if !proto.StepTransitions.Allows(step.Status, proto.StepSkipped) {
		return nil, aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("step %s is %s, cannot skip", stepID, step.Status))
	}
	step.Status = proto.StepSkipped
	step.SkipReason = reason
	if err := e.store.UpsertStep(ctx, step); err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "persist step")
	}
	return step, nil
}

// ResetStep returns any Step to Pending, clearing Output/Error/
// PreviousOutput.
func (e *Engine) ResetStep(ctx context.Context, stepID string) (*auramodel.Step, error) {
	step, err := e.store.GetStepByID(ctx, stepID)
	if err != nil {
		return nil, notFoundOr(err, stepID)
	}
	unlock := e.lockStory(step.StoryID)
	defer unlock()
	step.Status = proto.StepPending
	step.Output = ""
	step.Error = ""
	step.PreviousOutput = ""
	step.NeedsRework = false
	step.Approval = proto.ApprovalPending
	step.ApprovalFeedback = ""
	step.StartedAt = nil
	step.CompletedAt = nil
	if err := e.store.UpsertStep(ctx, step); err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "persist step")
	}
	return step, nil
}

// ReassignStep sets the Step's assigned agent override, consulted by the
// Step Runner on the next RunStep call.
func (e *Engine) ReassignStep(ctx context.Context, stepID, agentID string) (*auramodel.Step, error) {
	step, err := e.store.GetStepByID(ctx, stepID)
	if err != nil {
		return nil, notFoundOr(err, stepID)
	}
	unlock := e.lockStory(step.StoryID)
	defer unlock()
	if _, ok := e.registry.Get(agentID); !ok {
		return nil, aurerr.New(aurerr.KindNoAgentForCapability, "no such agent "+agentID)
	}
	step.AssignedAgentID = agentID
	if err := e.store.UpsertStep(ctx, step); err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "persist step")
	}
	return step, nil
}

// ChatWithStep is the per-Step analog of Chat: it appends to the Step's
// own ChatHistory and dispatches to the Step's assigned/best-match agent
// for a direct response, without mutating Status.
func (e *Engine) ChatWithStep(ctx context.Context, stepID, message string) (string, error) {
	step, err := e.store.GetStepByID(ctx, stepID)
	if err != nil {
		return "", notFoundOr(err, stepID)
	}
	story, err := e.store.GetStoryByID(ctx, step.StoryID)
	if err != nil {
		return "", notFoundOr(err, step.StoryID)
	}

	selected, ok := e.registry.Get(step.AssignedAgentID)
	if !ok {
		selected, ok = e.registry.GetBestForCapability(step.Capability, step.Language)
	}
	if !ok {
		return "", aurerr.New(aurerr.KindNoAgentForCapability, "no agent for capability "+string(step.Capability))
	}

	now := time.Now().UTC()
	step.ChatHistory = append(step.ChatHistory, auramodel.ChatTurn{Timestamp: now, Role: "user", Content: message})

	client, err := e.clients.ForAgent(selected, storyStateProvider{story: story, role: selected.ID})
	if err != nil {
		return "", aurerr.Wrap(aurerr.KindLLMError, err, "build client")
	}
	resp, err := client.Complete(ctx, agent.CompletionRequest{
		Messages: []agent.CompletionMessage{
			agent.NewSystemMessage(selected.SystemPromptText),
			agent.NewUserMessage(fmt.Sprintf("Step: %s\nDescription: %s\nOutput so far: %s\n\nMessage: %s", step.Name, step.Description, step.Output, message)),
		},
		Temperature: selected.Temperature,
		MaxTokens:   2048,
	})
	if err != nil {
		return "", aurerr.Wrap(aurerr.KindLLMError, err, "direct completion")
	}

	step.ChatHistory = append(step.ChatHistory, auramodel.ChatTurn{Timestamp: time.Now().UTC(), Role: "assistant", Content: resp.Content})
	if err := e.store.UpsertStep(ctx, step); err != nil {
		return "", aurerr.Wrap(aurerr.KindInternal, err, "persist step")
	}
	return resp.Content, nil
}

