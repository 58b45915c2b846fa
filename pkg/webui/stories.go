package webui

import (
	"net/http"
	"sort"

	"aura/internal/aurerr"
	"aura/internal/auramodel"
	"aura/internal/storydb"
	"aura/internal/storymachine"
	"aura/pkg/proto"
)

// createStoryRequest is POST /api/developer/stories's body.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type createStoryRequest struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	RepositoryPath string `json:"repositoryPath"`
	WorktreePath   string `json:"worktreePath"`
	Branch         string `json:"branch"`
	AutomationMode string `json:"automationMode"`
	DispatchTarget string `json:"dispatchTarget"`
	IssueURL       string `json:"issueUrl"`
}

func (s *Server) handleStoriesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleStoryCreate(w, r)
	case http.MethodGet:
		s.handleStoryList(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStoryCreate(w http.ResponseWriter, r *http.Request) {
	var req createStoryRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	in := storymachine.CreateInput{
		Title:          req.Title,
		Description:    req.Description,
		RepositoryPath: req.RepositoryPath,
		WorktreePath:   req.WorktreePath,
		Branch:         req.Branch,
		AutomationMode: proto.AutomationMode(req.AutomationMode),
		DispatchTarget: proto.DispatchTarget(req.DispatchTarget),
	}
	if req.IssueURL != "" {
		in.IssueLink = &auramodel.IssueLink{URL: req.IssueURL}
	}

	story, err := s.engine.Create(r.Context(), in)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, story)
}

func (s *Server) handleStoryList(w http.ResponseWriter, r *http.Request) {
	filter := storydb.StoryFilter{
		Status:         proto.State(r.URL.Query().Get("status")),
		RepositoryPath: r.URL.Query().Get("repositoryPath"),
	}
	stories, err := s.engine.List(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stories)
}

func (s *Server) handleStoryDetail(w http.ResponseWriter, r *http.Request, storyID string) {
	story, steps, err := s.engine.Get(r.Context(), storyID, true)
	if err != nil {
		writeErr(w, err)
		return
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	writeJSON(w, http.StatusOK, struct {
		*auramodel.Story
		Steps []*auramodel.Step `json:"steps"`
	}{Story: story, Steps: steps})
}

func (s *Server) handleStoryDelete(w http.ResponseWriter, r *http.Request, storyID string) {
	if err := s.engine.Delete(r.Context(), storyID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lifecycleResponse is the {story, message} shape every lifecycle action
// returns.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type lifecycleResponse struct {
	Story   *auramodel.Story `json:"story"`
	Message string           `json:"message"`
}

func (s *Server) handleStoryAction(w http.ResponseWriter, r *http.Request, storyID, action string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	switch action {
	case "analyze":
		story, err := s.engine.Analyze(ctx, storyID)
		s.respondLifecycle(w, story, "story analyzed", err)
	case "plan":
		story, err := s.engine.Plan(ctx, storyID)
		s.respondLifecycle(w, story, "story planned", err)
	case "decompose":
		var body struct {
			IncludeTests bool `json:"includeTests"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeErr(w, err)
			return
		}
		story, _, err := s.engine.Decompose(ctx, storyID, body.IncludeTests)
		s.respondLifecycle(w, story, "story decomposed", err)
	case "run":
		result, err := s.engine.Run(ctx, storyID)
		if err != nil {
			writeErr(w, err)
			return
		}
		story, _, gerr := s.engine.Get(ctx, storyID, false)
		if gerr != nil {
			writeErr(w, gerr)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Story   *auramodel.Story `json:"story"`
			Result  any              `json:"result"`
			Message string           `json:"message"`
		}{Story: story, Result: result, Message: "run complete"})
	case "cancel":
		if err := s.engine.Cancel(ctx, storyID); err != nil {
			writeErr(w, err)
			return
		}
		story, _, err := s.engine.Get(ctx, storyID, false)
		s.respondLifecycle(w, story, "story cancelled", err)
	case "complete":
		story, err := s.engine.Complete(ctx, storyID)
		s.respondLifecycle(w, story, "story completed", err)
	case "finalize":
		var body struct {
			CommitMessage    string   `json:"commitMessage"`
			CreatePR         bool     `json:"createPullRequest"`
			PullRequestLabel []string `json:"pullRequestLabels"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeErr(w, err)
			return
		}
		story, err := s.engine.Finalize(ctx, storyID, storymachine.FinalizeOptions{
			CommitMessage:    body.CommitMessage,
			CreatePR:         body.CreatePR,
			PullRequestLabel: body.PullRequestLabel,
		})
		s.respondLifecycle(w, story, "story finalized", err)
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
	}
}

func (s *Server) respondLifecycle(w http.ResponseWriter, story *auramodel.Story, message string, err error) {
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lifecycleResponse{Story: story, Message: message})
}

func (s *Server) handleStoryChat(w http.ResponseWriter, r *http.Request, storyID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	result, err := s.engine.Chat(r.Context(), storyID, body.Message)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStoryStatusPatch(w http.ResponseWriter, r *http.Request, storyID string) {
	if r.Method != http.MethodPatch {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	target, err := proto.ParseState(body.Status)
	if err != nil {
		writeErr(w, aurerr.New(aurerr.KindMissingField, err.Error()))
		return
	}
	story, err := s.engine.ResetStatus(r.Context(), storyID, target)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, story)
}

func (s *Server) handleOrchestratorPatch(w http.ResponseWriter, r *http.Request, storyID string) {
	if r.Method != http.MethodPatch {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		ResetFailedTasks bool `json:"resetFailedTasks"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	story, err := s.engine.ResetOrchestrator(r.Context(), storyID, body.ResetFailedTasks)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, story)
}
