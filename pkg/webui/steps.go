package webui

import (
	"net/http"

	"aura/internal/auramodel"
)

// handleStepPath dispatches every `.../stories/{id}/steps[/...]` request.
func (s *Server) handleStepPath(w http.ResponseWriter, r *http.Request, storyID string, segments []string) {
	switch len(segments) {
	case 0:
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleStepAdd(w, r, storyID)
	case 1:
		if r.Method != http.MethodDelete {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleStepRemove(w, r, segments[0])
	case 2:
		s.handleStepAction(w, r, segments[0], segments[1])
	default:
		http.Error(w, "unknown path", http.StatusNotFound)
	}
}

func (s *Server) handleStepAdd(w http.ResponseWriter, r *http.Request, storyID string) {
	var body struct {
		Name        string `json:"name"`
		Capability  string `json:"capability"`
		Language    string `json:"language"`
		Description string `json:"description"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	step, err := s.engine.AddStep(r.Context(), storyID, body.Name, auramodel.Capability(body.Capability), body.Language, body.Description)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, step)
}

func (s *Server) handleStepRemove(w http.ResponseWriter, r *http.Request, stepID string) {
	if err := s.engine.RemoveStep(r.Context(), stepID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStepAction(w http.ResponseWriter, r *http.Request, stepID, action string) {
	ctx := r.Context()

	if action == "description" {
		if r.Method != http.MethodPut {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Description string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeErr(w, err)
			return
		}
		step, err := s.engine.UpdateStepDescription(ctx, stepID, body.Description)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, step)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch action {
	case "execute":
		step, err := s.engine.ExecuteStep(ctx, stepID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, step)
	case "approve":
		step, err := s.engine.ApproveStep(ctx, stepID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, step)
	case "reject":
		var body struct {
			Feedback string `json:"feedback"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeErr(w, err)
			return
		}
		affected, err := s.engine.RejectStep(ctx, stepID, body.Feedback)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Affected []*auramodel.Step `json:"affected"`
		}{Affected: affected})
	case "skip":
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeErr(w, err)
			return
		}
		step, err := s.engine.SkipStep(ctx, stepID, body.Reason)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, step)
	case "reset":
		step, err := s.engine.ResetStep(ctx, stepID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, step)
	case "chat":
		var body struct {
			Message string `json:"message"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeErr(w, err)
			return
		}
		response, err := s.engine.ChatWithStep(ctx, stepID, body.Message)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Response string `json:"response"`
		}{Response: response})
	case "reassign":
		var body struct {
			AgentID string `json:"agentId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeErr(w, err)
			return
		}
		step, err := s.engine.ReassignStep(ctx, stepID, body.AgentID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, step)
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
	}
}
