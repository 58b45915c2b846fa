package storymachine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"aura/internal/aurerr"
	"aura/internal/auramodel"
	"aura/internal/ssebus"
	"aura/pkg/proto"
)

// chatPermittedStatuses: chat is only permitted while the Story is in
// {Analyzed, Planned, Running, GatePending, GateFailed}.
var chatPermittedStatuses = map[proto.State]bool{
	proto.StoryAnalyzed:    true,
	proto.StoryPlanned:     true,
	proto.StoryRunning:     true,
	proto.StoryGatePending: true,
	proto.StoryGateFailed:  true,
}

// ChatResult is Chat's response: the `{response, planModified,
// stepsAdded[], stepsRemoved[], analysisUpdated}` wire shape.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type ChatResult struct {
	Response        string
	PlanModified    bool
	StepsAdded      []PlanStep
	StepsRemoved    []string
	AnalysisUpdated bool
}

// Chat appends message to Story.ChatHistory, dispatches to a planning (or
// analysis) agent with the current plan and analyzed context as
// additional context, and applies any structured plan delta the agent's
// response carries.
func (e *Engine) Chat(ctx context.Context, storyID, message string) (*ChatResult, error) {
	story, err := e.store.GetStoryByID(ctx, storyID)
	if err != nil {
		return nil, notFoundOr(err, storyID)
	}
	if !chatPermittedStatuses[story.Status] {
		return nil, aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("story %s is %s, chat not permitted", storyID, story.Status))
	}

	output, err := e.dispatchText(ctx, story, auramodel.CapabilityPlanning, auramodel.CapabilityAnalysis,
		"You are the planning assistant for an in-flight development Story. Respond to the user's message. "+
			`If the plan should change, also emit a JSON object on its own line: `+
			`{"stepsAdded":[{"name":"...","capability":"...","description":"..."}],"stepsRemoved":["stepId",...],"analysisUpdated":false}`,
		chatPrompt(story, message))
	if err != nil {
		return nil, err
	}

	reply, delta := splitChatDelta(output)

	// Apply the delta under the per-Story monitor against a fresh read,
	// so a Scheduler advance between the LLM call and this write cannot
	// be clobbered. The monitor is never held across the LLM call above.
	unlock := e.lockStory(storyID)
	defer unlock()

	story, err = e.store.GetStoryByID(ctx, storyID)
	if err != nil {
		return nil, notFoundOr(err, storyID)
	}

	now := time.Now().UTC()
	story.ChatHistory = append(story.ChatHistory,
		auramodel.ChatTurn{Timestamp: now, Role: "user", Content: message},
		auramodel.ChatTurn{Timestamp: time.Now().UTC(), Role: "assistant", Content: reply},
	)

	result := &ChatResult{Response: reply}

	if delta.Get("analysisUpdated").Bool() {
		story.AnalyzedContext = reply
		result.AnalysisUpdated = true
		result.PlanModified = true
	}

	if added := delta.Get("stepsAdded"); added.IsArray() && len(added.Array()) > 0 {
		existing := unmarshalPlanSteps(story.Plan)
		nextOrder := 0
		for _, s := range existing {
			if s.Order > nextOrder {
				nextOrder = s.Order
			}
		}
		doc := story.Plan
		if strings.TrimSpace(doc) == "" {
			doc = "[]"
		}
		for _, item := range added.Array() {
			nextOrder++
			step := PlanStep{
				ID:          uuid.New().String(),
				Order:       nextOrder,
				Name:        item.Get("name").String(),
				Capability:  item.Get("capability").String(),
				Language:    item.Get("language").String(),
				Description: item.Get("description").String(),
			}
			var setErr error
			doc, setErr = sjson.Set(doc, "-1", step)
			if setErr != nil {
				return nil, aurerr.Wrap(aurerr.KindInternal, setErr, "append plan step")
			}
			result.StepsAdded = append(result.StepsAdded, step)
		}
		story.Plan = doc
		result.PlanModified = true
	}

	if removed := delta.Get("stepsRemoved"); removed.IsArray() && len(removed.Array()) > 0 {
		ids, err := e.removeEligibleSteps(ctx, storyID, stringsOf(removed))
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			plan, err := removePlanSteps(story.Plan, ids)
			if err != nil {
				return nil, aurerr.Wrap(aurerr.KindInternal, err, "remove plan steps")
			}
			story.Plan = plan
			result.StepsRemoved = ids
			result.PlanModified = true
		}
	}

	story.UpdatedAt = time.Now().UTC()
	if err := e.store.UpsertStory(ctx, story); err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "persist chat result")
	}
	e.publish(ssebus.Event{Type: proto.EventChatResponse, StoryID: storyID, Output: reply})
	return result, nil
}

func chatPrompt(story *auramodel.Story, message string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current plan:\n%s\n\nAnalyzed context:\n%s\n\nUser message:\n%s\n", story.Plan, story.AnalyzedContext, message)
	return b.String()
}

// splitChatDelta separates the human-readable reply from a trailing JSON
// delta object, if the agent emitted one. Absent or unparseable JSON
// yields a zero-value gjson.Result, which every Get call below treats
// as not present.
func splitChatDelta(output string) (reply string, delta gjson.Result) {
	trimmed := strings.TrimSpace(output)
	for i := strings.LastIndex(trimmed, "{"); i >= 0; i = strings.LastIndex(trimmed[:i], "{") {
		candidate := trimmed[i:]
		if !gjson.Valid(candidate) {
			continue
		}
		parsed := gjson.Parse(candidate)
		if parsed.Get("stepsAdded").Exists() || parsed.Get("stepsRemoved").Exists() || parsed.Get("analysisUpdated").Exists() {
			return strings.TrimSpace(trimmed[:i]), parsed
		}
	}
	return trimmed, gjson.Result{}
}

// removeEligibleSteps removes Steps in ids that are Pending or Rejected,
// returning the ids actually removed; ineligible ids are silently
// skipped rather than failing the whole Chat call. The caller patches
// the removed ids out of the plan blob.
func (e *Engine) removeEligibleSteps(ctx context.Context, storyID string, ids []string) ([]string, error) {
	steps, err := e.store.ListStepsByStory(ctx, storyID)
	if err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "list steps")
	}
	byID := make(map[string]*auramodel.Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	var removed []string
	for _, id := range ids {
		step, ok := byID[id]
		if !ok {
			continue
		}
		if step.Status != proto.StepPending && step.Status != proto.StepRejected {
			continue
		}
		if err := e.store.DeleteStep(ctx, id); err != nil {
			return nil, aurerr.Wrap(aurerr.KindInternal, err, "delete step "+id)
		}
		removed = append(removed, id)
	}
	return removed, nil
}
