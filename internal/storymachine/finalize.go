package storymachine

import (
	"context"
	"fmt"
	"time"

	"aura/internal/aurerr"
	"aura/internal/auramodel"
	"aura/pkg/proto"
)

// FinalizeOptions configures Finalize.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type FinalizeOptions struct {
	CommitMessage    string
	CreatePR         bool
	PullRequestLabel []string
}

// Finalize commits any dirty worktree changes, pushes the branch, and
// optionally opens a pull request. Precondition: Story
// is Completed or every Step is Completed. Failure at any sub-step
// returns a typed git error and leaves Story state unchanged except
// PullRequestURL, which is only ever set on full success.
func (e *Engine) Finalize(ctx context.Context, storyID string, opts FinalizeOptions) (*auramodel.Story, error) {
	story, err := e.store.GetStoryByID(ctx, storyID)
	if err != nil {
		return nil, notFoundOr(err, storyID)
	}
	if err := e.checkFinalizable(ctx, story); err != nil {
		return nil, err
	}
	if e.git == nil {
		return nil, aurerr.New(aurerr.KindGitError, "no git service configured")
	}

	message := opts.CommitMessage
	if message == "" {
		message = fmt.Sprintf("feat: %s", story.Title)
	}

	if _, err := e.git.CommitAll(ctx, story.WorktreePath, message, true); err != nil {
		return nil, aurerr.Wrap(aurerr.KindGitError, err, "commit worktree")
	}
	if err := e.git.Push(ctx, story.WorktreePath, story.Branch); err != nil {
		return nil, aurerr.Wrap(aurerr.KindGitError, err, "push branch")
	}

	if opts.CreatePR {
		url, err := e.git.CreatePullRequest(ctx, story.WorktreePath, story.Branch, story.Title, story.Description, opts.PullRequestLabel)
		if err != nil {
			return nil, aurerr.Wrap(aurerr.KindGitError, err, "create pull request")
		}
		story.PullRequestURL = url
	}

	story.UpdatedAt = time.Now().UTC()
	if story.Status != proto.StoryCompleted {
		story.Status = proto.StoryCompleted
		now := time.Now().UTC()
		story.CompletedAt = &now
	}
	if err := e.store.UpsertStory(ctx, story); err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "persist finalized story")
	}
	return story, nil
}

func (e *Engine) checkFinalizable(ctx context.Context, story *auramodel.Story) error {
	if story.Status == proto.StoryCompleted {
		return nil
	}
	steps, err := e.store.ListStepsByStory(ctx, story.ID)
	if err != nil {
		return aurerr.Wrap(aurerr.KindInternal, err, "list steps")
	}
	for _, step := range steps {
		if step.Status != proto.StepCompleted && step.Status != proto.StepSkipped {
			return aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("story %s is not finalizable: step %s is %s", story.ID, step.ID, step.Status))
		}
	}
	return nil
}
