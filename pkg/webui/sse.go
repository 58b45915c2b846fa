package webui

import (
	"encoding/json"
	"fmt"
	"net/http"

	"aura/pkg/proto"
)

// handleStream implements `GET .../stream`: it starts (or resumes
// observing) storyID's Run and streams every published Event as one SSE
// `data:` frame until a terminal EventDone/EventError closes the channel.
// The stream is finite and non-restartable: once closed, a client must
// issue a new Run to see further events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, storyID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, err := s.engine.RunStream(r.Context(), storyID)
	if err != nil {
		writeErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("marshal SSE event: %v", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
			if ev.Type == proto.EventDone || ev.Type == proto.EventError {
				return
			}
		}
	}
}
