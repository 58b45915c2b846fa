// Package storymachine is the Story State Machine: the sole writer of
// Story and Step mutable state. It owns Story lifecycle transitions,
// dispatches Analyze/Plan/Decompose/Chat to the Agent Registry + LLM
// clients, delegates Run to the Wave Scheduler, and implements the
// Step-level operations (approve/reject/skip/reset/reassign) including
// cascade rework. One struct owns a store, dispatching
// to collaborators rather than doing the work itself.
package storymachine

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"aura/internal/aurerr"
	"aura/internal/auramodel"
	metrics "aura/internal/obsmetrics"
	"aura/internal/ssebus"
	"aura/internal/storydb"
	"aura/internal/wavesched"
	"aura/pkg/agent"
	"aura/pkg/logx"
	"aura/pkg/proto"
	"aura/pkg/utils"
)

// Store is the subset of internal/storydb.DB the Story State Machine
// needs, narrowed the same way internal/steprunner and internal/wavesched
// narrow it so this package is testable against a fake.
type Store interface {
	UpsertStory(ctx context.Context, s *auramodel.Story) error
	GetStoryByID(ctx context.Context, id string) (*auramodel.Story, error)
	DeleteStory(ctx context.Context, id string) error
	ListStories(ctx context.Context, filter storydb.StoryFilter) ([]*auramodel.Story, error)

	UpsertStep(ctx context.Context, s *auramodel.Step) error
	GetStepByID(ctx context.Context, id string) (*auramodel.Step, error)
	ListStepsByStory(ctx context.Context, storyID string) ([]*auramodel.Step, error)
	DeleteStep(ctx context.Context, id string) error
}

// Registry is the subset of internal/agentregistry.Registry the Story
// State Machine needs to route Analyze/Plan/Chat capability calls.
type Registry interface {
	GetBestForCapability(capability auramodel.Capability, languageHint string) (*auramodel.Agent, bool)
	Get(agentID string) (*auramodel.Agent, bool)
}

// ClientFactory is the subset of internal/llmclient.Factory needed to
// build a direct-call LLMClient for analysis/planning/chat agents.
type ClientFactory interface {
	ForAgent(a *auramodel.Agent, stateProvider metrics.StateProvider) (agent.LLMClient, error)
}

// Scheduler is the subset of internal/wavesched.Scheduler the Story State
// Machine delegates Run/GetStatus/ResetOrchestrator to. storymachine sits
// directly above wavesched in dependency order, so it uses wavesched's
// own result type rather than re-declaring a shadow struct.
type Scheduler interface {
	Run(ctx context.Context, storyID string) (*wavesched.RunResult, error)
	GetStatus(ctx context.Context, storyID string) (*wavesched.StatusReport, error)
	ResetOrchestrator(ctx context.Context, storyID string, resetFailedSteps bool) error
}

// StepRunner is the subset of internal/steprunner.Runner the Story State
// Machine needs for the single-step "execute" operation, distinct from
// Scheduler's wave-at-a-time Run.
type StepRunner interface {
	RunStep(ctx context.Context, storyID, stepID, agentIDOverride string, chatContext map[string]string) (*auramodel.Step, error)
}

// GitService is the minimal contract Finalize needs from whatever git
// service tool commits, pushes, and opens the pull request.
type GitService interface {
	CommitAll(ctx context.Context, worktreePath, message string, skipHooks bool) (dirty bool, err error)
	Push(ctx context.Context, worktreePath, branch string) error
	CreatePullRequest(ctx context.Context, worktreePath, branch, title, body string, labels []string) (url string, err error)
}

// Engine is the Story State Machine. One Engine instance serves every
// Story a host runs, mirroring internal/wavesched.Scheduler's "one
// instance per host" shape.
type Engine struct {
	store     Store
	registry  Registry
	clients   ClientFactory
	scheduler Scheduler
	runner    StepRunner
	bus       *ssebus.Bus
	git       GitService
	issues    IssueService
	logger    *logx.Logger

	// runSlots bounds concurrent Story Runs host-wide; per-wave Step
	// parallelism is the Scheduler's own semaphore.
	runSlots *semaphore.Weighted

	// storyLocks is the per-Story monitor: one mutex per Story
	// serializing logical read-modify-write sequences (chat-driven plan
	// edits, step mutations) so they cannot interleave. Never held
	// across an LLM call or a scheduler Run; those suspend.
	storyLocks sync.Map

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New constructs an Engine. git may be nil if Finalize is never called.
func New(store Store, registry Registry, clients ClientFactory, scheduler Scheduler, runner StepRunner, bus *ssebus.Bus, git GitService) *Engine {
	return &Engine{
		store:     store,
		registry:  registry,
		clients:   clients,
		scheduler: scheduler,
		runner:    runner,
		bus:       bus,
		git:       git,
		logger:    logx.NewLogger("storymachine"),
		runSlots:  semaphore.NewWeighted(int64(runtime.NumCPU() * 2)),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// SetHostConcurrency resizes the host-wide Run slot pool. Call before
// serving traffic; the pool is replaced, not drained.
func (e *Engine) SetHostConcurrency(slots int) {
	if slots <= 0 {
		return
	}
	e.runSlots = semaphore.NewWeighted(int64(slots))
}

// lockStory acquires the per-Story monitor and returns its release func.
func (e *Engine) lockStory(storyID string) func() {
	mu, _ := e.storyLocks.LoadOrStore(storyID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// storyStateProvider adapts a Story into a metrics.StateProvider for
// Analyze/Plan/Chat's direct LLM calls, mirroring internal/steprunner's
// stepStateProvider.
type storyStateProvider struct {
	story *auramodel.Story
	role  string
}

func (p storyStateProvider) GetCurrentState() proto.State { return p.story.Status }
func (p storyStateProvider) GetStoryID() string            { return p.story.ID }
func (p storyStateProvider) GetID() string                 { return p.role }

// CreateInput is Create's request body.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type CreateInput struct {
	Title          string
	Description    string
	RepositoryPath string
	WorktreePath   string
	Branch         string
	AutomationMode proto.AutomationMode
	DispatchTarget proto.DispatchTarget
	IssueLink      *auramodel.IssueLink
}

// Create constructs a new Story in Created status.
// A Story's worktree path is assigned at creation and must not collide
// with another Story's.
func (e *Engine) Create(ctx context.Context, in CreateInput) (*auramodel.Story, error) {
	if in.Title == "" {
		return nil, aurerr.New(aurerr.KindMissingField, "title is required")
	}

	if in.WorktreePath != "" {
		existing, err := e.store.ListStories(ctx, storydb.StoryFilter{})
		if err != nil {
			return nil, aurerr.Wrap(aurerr.KindInternal, err, "list stories")
		}
		for _, s := range existing {
			if s.WorktreePath != "" && s.WorktreePath == in.WorktreePath && !s.IsTerminal() {
				return nil, aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("worktree %s is already owned by story %s", in.WorktreePath, s.ID))
			}
		}
	}

	story := auramodel.NewStory(in.Title, in.Description)
	story.RepositoryPath = in.RepositoryPath
	story.WorktreePath = in.WorktreePath
	story.Branch = in.Branch
	if story.Branch == "" {
		story.Branch = utils.BranchName(in.Title, story.ID)
	}
	story.IssueLink = in.IssueLink
	if in.AutomationMode != "" {
		story.AutomationMode = in.AutomationMode
	}
	if in.DispatchTarget != "" {
		story.DispatchTarget = in.DispatchTarget
	}

	if err := e.store.UpsertStory(ctx, story); err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "persist story")
	}
	e.publish(ssebus.Event{Type: proto.EventStoryCreated, StoryID: story.ID})
	return story, nil
}

// Get fetches a Story, optionally with its Steps.
func (e *Engine) Get(ctx context.Context, id string, withSteps bool) (*auramodel.Story, []*auramodel.Step, error) {
	story, err := e.store.GetStoryByID(ctx, id)
	if err != nil {
		return nil, nil, notFoundOr(err, id)
	}
	if !withSteps {
		return story, nil, nil
	}
	steps, err := e.store.ListStepsByStory(ctx, id)
	if err != nil {
		return nil, nil, aurerr.Wrap(aurerr.KindInternal, err, "list steps")
	}
	return story, steps, nil
}

// List returns Stories matching filter.
func (e *Engine) List(ctx context.Context, filter storydb.StoryFilter) ([]*auramodel.Story, error) {
	stories, err := e.store.ListStories(ctx, filter)
	if err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "list stories")
	}
	return stories, nil
}

// Delete removes a Story and its Steps. Any non-terminal Story may be
// deleted; deleting a terminal Story is also permitted since no further
// transitions are possible either way.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	if cancel, ok := e.cancels[id]; ok {
		cancel()
		delete(e.cancels, id)
	}
	e.mu.Unlock()
	e.storyLocks.Delete(id)

	if err := e.store.DeleteStory(ctx, id); err != nil {
		return notFoundOr(err, id)
	}
	if e.bus != nil {
		e.bus.CloseStory(id)
	}
	return nil
}

// transition validates and applies a Story status change under the
// shared transition table, persisting the new status.
func (e *Engine) transition(ctx context.Context, story *auramodel.Story, to proto.State) error {
	if !proto.StoryTransitions.Allows(story.Status, to) {
		return aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("story %s cannot move from %s to %s", story.ID, story.Status, to))
	}
	story.Status = to
	story.UpdatedAt = time.Now().UTC()
	return e.store.UpsertStory(ctx, story)
}

func (e *Engine) publish(ev ssebus.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func notFoundOr(err error, id string) error {
	if err == storydb.ErrNotFound {
		return aurerr.New(aurerr.KindNotFound, "story "+id)
	}
	return aurerr.Wrap(aurerr.KindInternal, err, "")
}
