// Package wavesched is the Wave Scheduler: drives a planned Story to
// completion one wave at a time, bounding per-wave parallelism to
// Story.MaxParallelism. Concurrency is bounded with
// golang.org/x/sync/semaphore rather than a fixed-size worker pool, so the
// limit can vary per Story and per wave.
package wavesched

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"aura/internal/aurerr"
	"aura/internal/auramodel"
	"aura/internal/ssebus"
	"aura/pkg/logx"
	"aura/pkg/proto"
)

// Store is the subset of internal/storydb.DB the scheduler needs.
type Store interface {
	GetStoryByID(ctx context.Context, id string) (*auramodel.Story, error)
	UpsertStory(ctx context.Context, s *auramodel.Story) error
	ListStepsByStory(ctx context.Context, storyID string) ([]*auramodel.Step, error)
	UpsertStep(ctx context.Context, s *auramodel.Step) error
}

// StepRunner is the subset of internal/steprunner.Runner the scheduler
// drives Steps with.
type StepRunner interface {
	RunStep(ctx context.Context, storyID, stepID, agentIDOverride string, chatContext map[string]string) (*auramodel.Step, error)
}

// GatePolicy validates a drained wave before the Scheduler advances to the
// next one. The Scheduler never special-cases build vs. test vs. composite
// gates, it only interprets GateResult.Passed.
type GatePolicy interface {
	RunGate(ctx context.Context, worktreePath string, wave int) (*auramodel.GateResult, error)
}

// RunResult summarizes one Run call.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type RunResult struct {
	StoryID   string
	Status    proto.State
	Wave      int
	Started   int
	Completed int
	Failed    int
	Gate      *auramodel.GateResult
}

// StatusReport is GetStatus's return value.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type StatusReport struct {
	StoryID        string
	Status         proto.State
	CurrentWave    int
	TotalWaves     int
	MaxParallelism int
	Steps          []*auramodel.Step
}

// Scheduler runs the wave algorithm for one Story at a time; one Scheduler
// instance serves every Story a host runs.
type Scheduler struct {
	store   Store
	runner  StepRunner
	gate    GatePolicy
	bus     *ssebus.Bus
	retries int
	logger  *logx.Logger
}

// New constructs a Scheduler. autonomousRetryLimit is SchedulerConfig's
// tunable of the same name: a Failed Step in Autonomous mode is
// retried up to this many times before the wave gives up.
func New(store Store, runner StepRunner, gate GatePolicy, bus *ssebus.Bus, autonomousRetryLimit int) *Scheduler {
	return &Scheduler{store: store, runner: runner, gate: gate, bus: bus, retries: autonomousRetryLimit, logger: logx.NewLogger("wavesched")}
}

// Run drives storyId through waves until it completes, pauses for a gate,
// or halts on an unrecoverable failure.
func (s *Scheduler) Run(ctx context.Context, storyID string) (*RunResult, error) {
	story, err := s.store.GetStoryByID(ctx, storyID)
	if err != nil {
		return nil, aurerr.Wrap(aurerr.KindNotFound, err, "story "+storyID)
	}
	if story.Status != proto.StoryPlanned && story.Status != proto.StoryRunning {
		return nil, aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("story %s is %s, not runnable", storyID, story.Status))
	}

	if story.Status == proto.StoryPlanned {
		story.Status = proto.StoryRunning
		if story.CurrentWave == 0 {
			story.CurrentWave = 1
		}
		if err := s.store.UpsertStory(ctx, story); err != nil {
			return nil, err
		}
	}

	result := &RunResult{StoryID: storyID}
	prevAttempts := -1
	for {
		// Re-read the Story each wave so edits made between waves are seen
		// and not overwritten by a stale copy.
		fresh, err := s.store.GetStoryByID(ctx, storyID)
		if err != nil {
			return nil, aurerr.Wrap(aurerr.KindInternal, err, "reload story")
		}
		story = fresh
		steps, err := s.store.ListStepsByStory(ctx, storyID)
		if err != nil {
			return nil, aurerr.Wrap(aurerr.KindInternal, err, "list steps")
		}
		totalWaves := maxWave(steps)
		if story.CurrentWave > totalWaves {
			story.Status = proto.StoryCompleted
			now := time.Now().UTC()
			story.CompletedAt = &now
			if err := s.store.UpsertStory(ctx, story); err != nil {
				return nil, err
			}
			s.publish(ssebus.Event{Type: proto.EventStoryCompleted, StoryID: storyID})
			result.Status = story.Status
			return result, nil
		}

		waveSteps := stepsInWave(steps, story.CurrentWave)
		started, completed, failed, runErr := s.runWave(ctx, story, waveSteps)
		result.Started += started
		result.Completed += completed
		result.Failed += failed
		result.Wave = story.CurrentWave
		if runErr != nil {
			return result, runErr
		}

		outcome, gateResult, err := s.drainOutcome(ctx, story, waveSteps)
		if err != nil {
			return result, err
		}
		result.Gate = gateResult

		switch outcome {
		case outcomeHalt:
			result.Status = story.Status
			return result, nil
		case outcomeGatePending:
			result.Status = story.Status
			return result, nil
		case outcomeGateFailed:
			result.Status = story.Status
			return result, nil
		case outcomeRetry:
			// A retry pass that makes no Attempts progress (e.g. the
			// runner fails before a step ever reaches Running) would
			// loop forever; treat it as a hard failure instead.
			fresh, err := s.store.ListStepsByStory(ctx, storyID)
			if err != nil {
				return result, aurerr.Wrap(aurerr.KindInternal, err, "list steps")
			}
			total := attemptsInWave(fresh, story.CurrentWave)
			if total == prevAttempts {
				story.Status = proto.StoryFailed
				if err := s.store.UpsertStory(ctx, story); err != nil {
					return result, err
				}
				s.publish(ssebus.Event{Type: proto.EventStoryFailed, StoryID: storyID, Wave: intPtr(story.CurrentWave)})
				result.Status = story.Status
				return result, nil
			}
			prevAttempts = total
			continue
		case outcomeAdvance:
			story.CurrentWave++
			prevAttempts = -1
			if err := s.store.UpsertStory(ctx, story); err != nil {
				return nil, err
			}
			continue
		}
	}
}

// runWave executes waveSteps under a concurrency limit of
// story.MaxParallelism, using a shared "ready steps" queue so a freed
// slot immediately serves the next ready Step.
func (s *Scheduler) runWave(ctx context.Context, story *auramodel.Story, waveSteps []*auramodel.Step) (started, completed, failed int, err error) {
	ready := readySteps(waveSteps, s.retries, story.AutomationMode)
	if len(ready) == 0 {
		return 0, 0, 0, nil
	}

	limit := int64(story.MaxParallelism)
	if limit <= 0 {
		limit = int64(auramodel.DefaultMaxParallelism)
	}
	sem := semaphore.NewWeighted(limit)

	s.publish(ssebus.Event{Type: proto.EventWaveStarted, StoryID: story.ID, Wave: intPtr(story.CurrentWave)})

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		firstErr  error
		haltOnErr bool
	)

	for _, step := range ready {
		if haltOnErr {
			break
		}
		// Rejected and Failed Steps re-enter through Pending, keeping
		// NeedsRework/PreviousOutput so the runner can feed the rework
		// context back to the agent.
		if step.Status == proto.StepRejected || step.Status == proto.StepFailed {
			step.Status = proto.StepPending
			step.Error = ""
			if err := s.store.UpsertStep(ctx, step); err != nil {
				return started, completed, failed, aurerr.Wrap(aurerr.KindInternal, err, "reset step "+step.ID)
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			firstErr = err
			mu.Unlock()
			break
		}

		mu.Lock()
		started++
		mu.Unlock()

		wg.Add(1)
		go func(step *auramodel.Step) {
			defer sem.Release(1)
			defer wg.Done()

			_, runErr := s.runner.RunStep(ctx, story.ID, step.ID, "", nil)

			mu.Lock()
			defer mu.Unlock()
			if runErr != nil {
				failed++
				if story.AutomationMode != proto.ModeAutonomous {
					haltOnErr = true
				}
			} else {
				completed++
			}
		}(step)
	}

	wg.Wait()
	return started, completed, failed, firstErr
}

type waveOutcome int

const (
	outcomeHalt waveOutcome = iota
	outcomeGatePending
	outcomeGateFailed
	outcomeAdvance
	outcomeRetry
)

// drainOutcome decides the post-drain disposition: once a wave drains,
// whether to halt, gate-pause, gate-fail, or advance.
func (s *Scheduler) drainOutcome(ctx context.Context, story *auramodel.Story, waveSteps []*auramodel.Step) (waveOutcome, *auramodel.GateResult, error) {
	fresh, err := s.store.ListStepsByStory(ctx, story.ID)
	if err != nil {
		return outcomeHalt, nil, aurerr.Wrap(aurerr.KindInternal, err, "list steps")
	}
	current := stepsInWave(fresh, story.CurrentWave)

	for _, step := range current {
		if step.Status == proto.StepFailed && story.AutomationMode != proto.ModeAutonomous {
			story.Status = proto.StoryFailed
			if err := s.store.UpsertStory(ctx, story); err != nil {
				return outcomeHalt, nil, err
			}
			s.publish(ssebus.Event{Type: proto.EventStoryFailed, StoryID: story.ID, Wave: intPtr(story.CurrentWave)})
			return outcomeHalt, nil, nil
		}
		if step.Status == proto.StepFailed && step.Attempts > s.retries {
			story.Status = proto.StoryFailed
			if err := s.store.UpsertStory(ctx, story); err != nil {
				return outcomeHalt, nil, err
			}
			s.publish(ssebus.Event{Type: proto.EventStoryFailed, StoryID: story.ID, Wave: intPtr(story.CurrentWave)})
			return outcomeHalt, nil, nil
		}
		if step.Status == proto.StepPending {
			return outcomeHalt, nil, nil
		}
		// Failed under budget in Autonomous mode: run the same wave
		// again so readySteps picks the step back up.
		if step.Status == proto.StepFailed {
			return outcomeRetry, nil, nil
		}
	}

	// The wave has fully drained; announce that before the gate events so
	// subscribers always observe wave-completed, gate-running, then the
	// gate outcome.
	s.publish(ssebus.Event{Type: proto.EventWaveCompleted, StoryID: story.ID, Wave: intPtr(story.CurrentWave)})
	s.publish(ssebus.Event{Type: proto.EventGateRunning, StoryID: story.ID, Wave: intPtr(story.CurrentWave)})

	gate, err := s.gate.RunGate(ctx, story.WorktreePath, story.CurrentWave)
	if err != nil {
		return outcomeHalt, nil, aurerr.Wrap(aurerr.KindGateFailed, err, "run gate")
	}
	story.LastGateResult = gate

	if !gate.Passed {
		// A fully unattended Story has nobody to act on a paused gate,
		// so Autonomous + AutoProceed fails outright; every other
		// combination parks in GateFailed for human recovery.
		if story.AutomationMode == proto.ModeAutonomous && story.GateMode == proto.GateModeAutoProceed {
			story.Status = proto.StoryFailed
		} else {
			story.Status = proto.StoryGateFailed
		}
		if err := s.store.UpsertStory(ctx, story); err != nil {
			return outcomeHalt, gate, err
		}
		s.publish(ssebus.Event{Type: proto.EventGateFailed, StoryID: story.ID, Wave: intPtr(story.CurrentWave), GateResult: gate})
		return outcomeGateFailed, gate, nil
	}

	if story.GateMode == proto.GateModeManualApproval {
		story.Status = proto.StoryGatePending
		if err := s.store.UpsertStory(ctx, story); err != nil {
			return outcomeHalt, gate, err
		}
		s.publish(ssebus.Event{Type: proto.EventGatePending, StoryID: story.ID, Wave: intPtr(story.CurrentWave), GateResult: gate})
		return outcomeGatePending, gate, nil
	}

	s.publish(ssebus.Event{Type: proto.EventGatePassed, StoryID: story.ID, Wave: intPtr(story.CurrentWave), GateResult: gate})
	return outcomeAdvance, gate, nil
}

// GetStatus reports a live snapshot derived from Story/Step rows.
func (s *Scheduler) GetStatus(ctx context.Context, storyID string) (*StatusReport, error) {
	story, err := s.store.GetStoryByID(ctx, storyID)
	if err != nil {
		return nil, aurerr.Wrap(aurerr.KindNotFound, err, "story "+storyID)
	}
	steps, err := s.store.ListStepsByStory(ctx, storyID)
	if err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "list steps")
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	return &StatusReport{
		StoryID:        storyID,
		Status:         story.Status,
		CurrentWave:    story.CurrentWave,
		TotalWaves:     maxWave(steps),
		MaxParallelism: story.MaxParallelism,
		Steps:          steps,
	}, nil
}

// ResetOrchestrator returns storyID to Planned, optionally resetting
// Failed Steps to Pending.
func (s *Scheduler) ResetOrchestrator(ctx context.Context, storyID string, resetFailedSteps bool) error {
	story, err := s.store.GetStoryByID(ctx, storyID)
	if err != nil {
		return aurerr.Wrap(aurerr.KindNotFound, err, "story "+storyID)
	}
	if story.IsTerminal() {
		return aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("story %s is terminal, cannot reset", storyID))
	}

	story.Status = proto.StoryPlanned
	if err := s.store.UpsertStory(ctx, story); err != nil {
		return err
	}

	if !resetFailedSteps {
		return nil
	}

	steps, err := s.store.ListStepsByStory(ctx, storyID)
	if err != nil {
		return aurerr.Wrap(aurerr.KindInternal, err, "list steps")
	}
	for _, step := range steps {
		if step.Status != proto.StepFailed {
			continue
		}
		step.Status = proto.StepPending
		step.Error = ""
		if err := s.store.UpsertStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) publish(ev ssebus.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

// readySteps returns waveSteps still eligible to run this pass: Pending
// or Rejected unconditionally, Failed only when under the retry budget in
// Autonomous mode.
func readySteps(waveSteps []*auramodel.Step, retryLimit int, mode proto.AutomationMode) []*auramodel.Step {
	var ready []*auramodel.Step
	for _, step := range waveSteps {
		switch step.Status {
		case proto.StepPending, proto.StepRejected:
			ready = append(ready, step)
		case proto.StepFailed:
			if mode == proto.ModeAutonomous && step.Attempts <= retryLimit {
				ready = append(ready, step)
			}
		}
	}
	return ready
}

func stepsInWave(steps []*auramodel.Step, wave int) []*auramodel.Step {
	var out []*auramodel.Step
	for _, step := range steps {
		if step.Wave == wave {
			out = append(out, step)
		}
	}
	return out
}

func attemptsInWave(steps []*auramodel.Step, wave int) int {
	total := 0
	for _, step := range stepsInWave(steps, wave) {
		total += step.Attempts
	}
	return total
}

func maxWave(steps []*auramodel.Step) int {
	max := 0
	for _, step := range steps {
		if step.Wave > max {
			max = step.Wave
		}
	}
	return max
}

func intPtr(i int) *int { return &i }
