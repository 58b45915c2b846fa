// Plan-related operations of the Story State Machine: Analyze, Plan,
// Decompose. Story.AnalyzedContext and Story.Plan are opaque JSON blobs;
// this file is the one place that knows their shape. Plan deltas
// (produced here and by chat.go) are applied with github.com/tidwall/sjson
// so the blob is patched in place rather than fully round-tripped through
// Go structs on every edit.
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

// PlanStep is one flat-plan step descriptor, the element type of
// Story.Plan's JSON array.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type PlanStep struct {
	ID          string   `json:"id"`
	Order       int      `json:"order"`
	Name        string   `json:"name"`
	Capability  string   `json:"capability"`
	Language    string   `json:"language,omitempty"`
	Description string   `json:"description"`
	DependsOn   []string `json:"dependsOn,omitempty"`
}

// Analyze routes to the best agent with capability "analysis" and stores
// its output in AnalyzedContext. Idempotent: re-entry
// overwrites the prior context.
func (e *Engine) Analyze(ctx context.Context, storyID string) (*auramodel.Story, error) {
	story, err := e.store.GetStoryByID(ctx, storyID)
	if err != nil {
		return nil, notFoundOr(err, storyID)
	}
	if !proto.StoryTransitions.Allows(story.Status, proto.StoryAnalyzing) && story.Status != proto.StoryAnalyzed {
		return nil, aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("story %s is %s, cannot analyze", storyID, story.Status))
	}

	if story.Status != proto.StoryAnalyzed {
		if err := e.transition(ctx, story, proto.StoryAnalyzing); err != nil {
			return nil, err
		}
	}

	output, err := e.dispatchText(ctx, story, auramodel.CapabilityAnalysis, "",
		"You are a senior software analyst. Analyze the requested development task and summarize the relevant code paths, constraints, and risks.",
		analyzePrompt(story))
	if err != nil {
		return nil, err
	}

	story.AnalyzedContext = output
	if err := e.transition(ctx, story, proto.StoryAnalyzed); err != nil {
		return nil, err
	}
	e.publish(ssebus.Event{Type: proto.EventStoryAnalyzed, StoryID: storyID})
	return story, nil
}

func analyzePrompt(story *auramodel.Story) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n\nDescription:\n%s\n\nRepository: %s\n", story.Title, story.Description, story.RepositoryPath)
	if story.IssueLink != nil {
		fmt.Fprintf(&b, "\nLinked issue: %s\n", story.IssueLink.URL)
	}
	return b.String()
}

// Plan routes to the best agent with capability "planning" (falling back
// to "analysis"), parses its output into an ordered list of Step
// descriptors, and replaces any existing plan. Unknown
// capabilities in the parsed output are logged but retained.
func (e *Engine) Plan(ctx context.Context, storyID string) (*auramodel.Story, error) {
	story, err := e.store.GetStoryByID(ctx, storyID)
	if err != nil {
		return nil, notFoundOr(err, storyID)
	}
	if !proto.StoryTransitions.Allows(story.Status, proto.StoryPlanning) && story.Status != proto.StoryPlanned {
		return nil, aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("story %s is %s, cannot plan", storyID, story.Status))
	}

	if story.Status != proto.StoryPlanned {
		if err := e.transition(ctx, story, proto.StoryPlanning); err != nil {
			return nil, err
		}
	}

	output, err := e.dispatchText(ctx, story, auramodel.CapabilityPlanning, auramodel.CapabilityAnalysis,
		"You are a senior technical planner. Break the task into an ordered list of atomic implementation steps. "+
			`Respond with a JSON object: {"steps":[{"name":"...","capability":"...","language":"...","description":"..."}]}`,
		planPrompt(story))
	if err != nil {
		return nil, err
	}

	steps, err := parsePlanSteps(output)
	if err != nil {
		return nil, aurerr.Wrap(aurerr.KindLLMError, err, "parse plan output")
	}
	for i := range steps {
		steps[i].ID = uuid.New().String()
		steps[i].Order = i + 1
		if !auramodel.ValidCapability(auramodel.Capability(steps[i].Capability)) {
			e.logger.Warn("story %s: plan step %q has unknown capability %q, retaining it", storyID, steps[i].Name, steps[i].Capability)
		}
	}

	planJSON, err := marshalPlanSteps(steps)
	if err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "marshal plan")
	}
	story.Plan = planJSON

	if err := e.transition(ctx, story, proto.StoryPlanned); err != nil {
		return nil, err
	}
	e.publish(ssebus.Event{Type: proto.EventStoryPlanned, StoryID: storyID})
	return story, nil
}

func planPrompt(story *auramodel.Story) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n\nDescription:\n%s\n\nAnalyzed context:\n%s\n", story.Title, story.Description, story.AnalyzedContext)
	return b.String()
}

// parsePlanSteps reads a planning agent's JSON response (either a bare
// array or a {"steps":[...]} envelope) with gjson, tolerant of either
// shape since different providers/prompt revisions emit one or the
// other.
func parsePlanSteps(output string) ([]PlanStep, error) {
	trimmed := strings.TrimSpace(output)
	if start := strings.IndexAny(trimmed, "{["); start > 0 {
		// Tolerate prose wrapped around the JSON payload by slicing from
		// the first '{' or '[' onward.
		trimmed = trimmed[start:]
	}
	array := gjson.Get(trimmed, "steps")
	if !array.Exists() {
		array = gjson.Parse(trimmed)
	}
	if !array.IsArray() {
		return nil, fmt.Errorf("plan output is not a JSON array or {steps:[...]} object")
	}

	var steps []PlanStep
	for _, item := range array.Array() {
		steps = append(steps, PlanStep{
			Name:        item.Get("name").String(),
			Capability:  item.Get("capability").String(),
			Language:    item.Get("language").String(),
			Description: item.Get("description").String(),
		})
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("plan output contained no steps")
	}
	return steps, nil
}

func marshalPlanSteps(steps []PlanStep) (string, error) {
	doc := "[]"
	var err error
	for _, step := range steps {
		doc, err = sjson.Set(doc, "-1", step)
		if err != nil {
			return "", err
		}
	}
	return doc, nil
}

// appendPlanStep appends a descriptor to a plan blob, creating the array
// when the Story has no plan yet. Step rows and the plan blob must stay
// in lockstep: Decompose lays waves from the blob, so a row with no
// descriptor would never be scheduled.
func appendPlanStep(doc string, step PlanStep) (string, error) {
	if strings.TrimSpace(doc) == "" {
		doc = "[]"
	}
	return sjson.Set(doc, "-1", step)
}

// removePlanSteps drops the descriptors with the given ids from a plan
// blob; ids not present are ignored. Keeps the blob in lockstep with
// deleted Step rows so the next Decompose cannot resurrect them.
func removePlanSteps(doc string, ids []string) (string, error) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := make([]PlanStep, 0)
	for _, step := range unmarshalPlanSteps(doc) {
		if !drop[step.ID] {
			kept = append(kept, step)
		}
	}
	return marshalPlanSteps(kept)
}

// updatePlanStepDescription rewrites one descriptor's description in a
// plan blob, if present.
func updatePlanStepDescription(doc, id, description string) (string, error) {
	steps := unmarshalPlanSteps(doc)
	for i := range steps {
		if steps[i].ID == id {
			steps[i].Description = description
		}
	}
	return marshalPlanSteps(steps)
}

func unmarshalPlanSteps(doc string) []PlanStep {
	if strings.TrimSpace(doc) == "" {
		return nil
	}
	var steps []PlanStep
	for _, item := range gjson.Parse(doc).Array() {
		steps = append(steps, PlanStep{
			ID:          item.Get("id").String(),
			Order:       int(item.Get("order").Int()),
			Name:        item.Get("name").String(),
			Capability:  item.Get("capability").String(),
			Language:    item.Get("language").String(),
			Description: item.Get("description").String(),
			DependsOn:   stringsOf(item.Get("dependsOn")),
		})
	}
	return steps
}

func stringsOf(r gjson.Result) []string {
	if !r.IsArray() {
		return nil
	}
	var out []string
	for _, v := range r.Array() {
		out = append(out, v.String())
	}
	return out
}

// Decompose upgrades Story.Plan's flat descriptors into wave-annotated
// Steps: builds a dependency DAG from each PlanStep's DependsOn (matched
// by descriptor id; names are not matched), falling
// back to a linear chain from the immediately preceding step when a
// descriptor carries no DependsOn at all, so that N sequentially
// described steps with no explicit dependencies land in N distinct
// waves. includeTests is accepted and has no effect: Decompose does not
// consult an agent, and Plan's prompt does not ask for testing Steps.
func (e *Engine) Decompose(ctx context.Context, storyID string, includeTests bool) (*auramodel.Story, []*auramodel.Step, error) {
	unlock := e.lockStory(storyID)
	defer unlock()

	story, err := e.store.GetStoryByID(ctx, storyID)
	if err != nil {
		return nil, nil, notFoundOr(err, storyID)
	}
	if story.Status != proto.StoryPlanned {
		return nil, nil, aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("story %s is %s, cannot decompose", storyID, story.Status))
	}

	descriptors := unmarshalPlanSteps(story.Plan)
	if len(descriptors) == 0 {
		return nil, nil, aurerr.New(aurerr.KindInvalidState, "story "+storyID+" has no plan to decompose")
	}
	_ = includeTests // accepted but unused

	existing, err := e.store.ListStepsByStory(ctx, storyID)
	if err != nil {
		return nil, nil, aurerr.Wrap(aurerr.KindInternal, err, "list steps")
	}
	byPlanID := make(map[string]*auramodel.Step, len(existing))
	for _, s := range existing {
		byPlanID[s.ID] = s
	}

	waveOf := make(map[string]int, len(descriptors))
	idxByID := make(map[string]int, len(descriptors))
	for i, d := range descriptors {
		idxByID[d.ID] = i
	}

	steps := make([]*auramodel.Step, len(descriptors))
	for i, d := range descriptors {
		step, ok := byPlanID[d.ID]
		if !ok {
			step = auramodel.NewStep(storyID, d.Name, auramodel.Capability(d.Capability), d.Order)
			step.ID = d.ID
		}
		step.Name = d.Name
		step.Capability = auramodel.Capability(d.Capability)
		step.Language = d.Language
		step.Description = d.Description
		step.Order = d.Order
		step.DependsOn = d.DependsOn

		wave := 1
		if len(d.DependsOn) > 0 {
			for _, depID := range d.DependsOn {
				if depWave, ok := waveOf[depID]; ok && depWave+1 > wave {
					wave = depWave + 1
				}
			}
		} else if i > 0 {
			wave = waveOf[descriptors[i-1].ID] + 1
		}
		waveOf[d.ID] = wave
		step.Wave = wave
		steps[i] = step
	}

	for _, step := range steps {
		if err := e.store.UpsertStep(ctx, step); err != nil {
			return nil, nil, aurerr.Wrap(aurerr.KindInternal, err, "persist decomposed step")
		}
	}

	story.UpdatedAt = time.Now().UTC()
	if err := e.store.UpsertStory(ctx, story); err != nil {
		return nil, nil, aurerr.Wrap(aurerr.KindInternal, err, "persist story")
	}
	e.publish(ssebus.Event{Type: proto.EventStoryDecomposed, StoryID: storyID})
	return story, steps, nil
}
