// Package webui is the HTTP/SSE Transport: a net/http REST surface over
// the Story State Machine plus one SSE stream per Story. It follows a
// plain ServeMux with manual r.Method checks and json.NewEncoder(w).Encode
// responses rather than a third-party router, covering the full Story/Step
// CRUD-plus-lifecycle surface this module's core exposes.
package webui

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"aura/internal/aurerr"
	"aura/internal/storymachine"
	"aura/pkg/logx"
	"aura/pkg/metrics"
)

// Server is the HTTP surface over one storymachine.Engine.
type Server struct {
	engine       *storymachine.Engine
	metricsQuery *metrics.QueryService
	logger       *logx.Logger
}

// NewServer constructs a Server.
func NewServer(engine *storymachine.Engine) *Server {
	return &Server{engine: engine, logger: logx.NewLogger("webui")}
}

// WithMetricsQuery enables the per-Story metrics endpoint, backed by a
// Prometheus query service. Without it the endpoint returns 404.
func (s *Server) WithMetricsQuery(q *metrics.QueryService) *Server {
	s.metricsQuery = q
	return s
}

// RegisterRoutes wires every REST and SSE path this server exposes onto
// mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/developer/stories", s.handleStoriesCollection)
	mux.HandleFunc("/api/developer/stories/", s.handleStoryPath)
	mux.HandleFunc("/api/developer/logs", s.handleLogs)
	mux.HandleFunc("/api/healthz", s.handleHealth)
}

// handleLogs serves the in-memory log ring buffer, filterable by domain
// and RFC3339 "since".
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErr(w, aurerr.New(aurerr.KindMissingField, "since must be RFC3339"))
			return
		}
		since = parsed
	}
	writeJSON(w, http.StatusOK, logx.Recent(r.URL.Query().Get("domain"), since))
}

// handleStoryMetrics serves the Prometheus-aggregated usage for one
// Story, with an optional per-model breakdown.
func (s *Server) handleStoryMetrics(w http.ResponseWriter, r *http.Request, storyID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.metricsQuery == nil {
		http.Error(w, "metrics backend not configured", http.StatusNotFound)
		return
	}
	if r.URL.Query().Get("byModel") == "true" {
		byModel, err := s.metricsQuery.GetStoryMetricsByModel(r.Context(), storyID)
		if err != nil {
			writeErr(w, aurerr.Wrap(aurerr.KindInternal, err, "query metrics"))
			return
		}
		writeJSON(w, http.StatusOK, byModel)
		return
	}
	m, err := s.metricsQuery.GetStoryMetrics(r.Context(), storyID)
	if err != nil {
		writeErr(w, aurerr.Wrap(aurerr.KindInternal, err, "query metrics"))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStoryPath dispatches everything under
// /api/developer/stories/{id}[/...] by manually parsing the remaining
// path segments rather than pulling in a third-party router.
func (s *Server) handleStoryPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/developer/stories/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		http.Error(w, "story id required", http.StatusBadRequest)
		return
	}
	segments := strings.Split(rest, "/")
	storyID := segments[0]

	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleStoryDetail(w, r, storyID)
		case http.MethodDelete:
			s.handleStoryDelete(w, r, storyID)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	switch segments[1] {
	case "steps":
		s.handleStepPath(w, r, storyID, segments[2:])
	case "stream":
		s.handleStream(w, r, storyID)
	case "chat":
		s.handleStoryChat(w, r, storyID)
	case "status":
		s.handleStoryStatusPatch(w, r, storyID)
	case "metrics":
		s.handleStoryMetrics(w, r, storyID)
	case "orchestrator":
		s.handleOrchestratorPatch(w, r, storyID)
	case "analyze", "plan", "decompose", "run", "cancel", "complete", "finalize":
		s.handleStoryAction(w, r, storyID, segments[1])
	default:
		http.Error(w, "unknown path", http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeErr renders err as a ProblemDetails body, using the Kind's
// conventional HTTP status.
func writeErr(w http.ResponseWriter, err error) {
	problem := aurerr.ToProblemDetails(err)
	writeJSON(w, problem.Status, problem)
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil && err.Error() != "EOF" {
		return aurerr.New(aurerr.KindMissingField, "malformed request body: "+err.Error())
	}
	return nil
}
