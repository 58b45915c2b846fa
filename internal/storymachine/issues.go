package storymachine

import (
	"context"
	"fmt"
	"time"

	"aura/internal/aurerr"
	"aura/internal/auramodel"
)

// RemoteIssue is the slice of a tracker's issue document the engine maps
// onto a Story: title, body, and enough coordinates to write back.
type RemoteIssue struct {
	Link  auramodel.IssueLink
	Title string
	Body  string
	Open  bool
}

// IssueService is the contract the issue-integration operations need
// from whatever tracker client (GitHub, GitLab, ...) the host wires in.
type IssueService interface {
	Fetch(ctx context.Context, issueURL string) (*RemoteIssue, error)
	Comment(ctx context.Context, link auramodel.IssueLink, body string) error
	Close(ctx context.Context, link auramodel.IssueLink) error
}

// WithIssueService enables the issue-integration operations; without it
// they fail with invalid-state.
func (e *Engine) WithIssueService(svc IssueService) *Engine {
	e.issues = svc
	return e
}

func (e *Engine) requireIssueService() error {
	if e.issues == nil {
		return aurerr.New(aurerr.KindInvalidState, "no issue service configured")
	}
	return nil
}

// CreateFromIssue creates a Story from a remote issue, mapping the issue
// document onto title/description and recording the link.
func (e *Engine) CreateFromIssue(ctx context.Context, issueURL, repositoryPath string) (*auramodel.Story, error) {
	if err := e.requireIssueService(); err != nil {
		return nil, err
	}
	issue, err := e.issues.Fetch(ctx, issueURL)
	if err != nil {
		return nil, aurerr.Wrap(aurerr.KindGitError, err, "fetch issue "+issueURL)
	}
	link := issue.Link
	return e.Create(ctx, CreateInput{
		Title:          issue.Title,
		Description:    issue.Body,
		RepositoryPath: repositoryPath,
		IssueLink:      &link,
	})
}

// RefreshFromIssue re-fetches the linked issue and overwrites the
// Story's title and description with the remote document.
func (e *Engine) RefreshFromIssue(ctx context.Context, storyID string) (*auramodel.Story, error) {
	if err := e.requireIssueService(); err != nil {
		return nil, err
	}
	story, err := e.store.GetStoryByID(ctx, storyID)
	if err != nil {
		return nil, notFoundOr(err, storyID)
	}
	if story.IssueLink == nil {
		return nil, aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("story %s has no linked issue", storyID))
	}

	issue, err := e.issues.Fetch(ctx, story.IssueLink.URL)
	if err != nil {
		return nil, aurerr.Wrap(aurerr.KindGitError, err, "fetch issue "+story.IssueLink.URL)
	}

	story.Title = issue.Title
	story.Description = issue.Body
	link := issue.Link
	story.IssueLink = &link
	story.UpdatedAt = time.Now().UTC()
	if err := e.store.UpsertStory(ctx, story); err != nil {
		return nil, aurerr.Wrap(aurerr.KindInternal, err, "persist story")
	}
	return story, nil
}

// PostUpdateToIssue posts a progress comment on the linked issue.
func (e *Engine) PostUpdateToIssue(ctx context.Context, storyID, message string) error {
	if err := e.requireIssueService(); err != nil {
		return err
	}
	if message == "" {
		return aurerr.New(aurerr.KindMissingField, "message is required")
	}
	story, err := e.store.GetStoryByID(ctx, storyID)
	if err != nil {
		return notFoundOr(err, storyID)
	}
	if story.IssueLink == nil {
		return aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("story %s has no linked issue", storyID))
	}
	if err := e.issues.Comment(ctx, *story.IssueLink, message); err != nil {
		return aurerr.Wrap(aurerr.KindGitError, err, "post issue comment")
	}
	return nil
}

// CloseLinkedIssue closes the linked issue; typically called after
// Finalize has recorded the pull-request URL.
func (e *Engine) CloseLinkedIssue(ctx context.Context, storyID string) error {
	if err := e.requireIssueService(); err != nil {
		return err
	}
	story, err := e.store.GetStoryByID(ctx, storyID)
	if err != nil {
		return notFoundOr(err, storyID)
	}
	if story.IssueLink == nil {
		return aurerr.New(aurerr.KindInvalidState, fmt.Sprintf("story %s has no linked issue", storyID))
	}
	if err := e.issues.Close(ctx, *story.IssueLink); err != nil {
		return aurerr.Wrap(aurerr.KindGitError, err, "close issue")
	}
	return nil
}
