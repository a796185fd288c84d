package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// handleStream relays a session's event stream over SSE. Reconnecting
// clients resume by passing the last sequence they processed, via the
// standard Last-Event-ID header or a since query param. If that sequence
// predates retained history, the client gets an explicit stream-reset
// control event before any data: resuming silently past a gap would show an
// incomplete timeline as if it were whole.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	since := int64(0)
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = n
		}
	} else if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = n
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch, complete := s.events.Subscribe(r.Context(), sessionID, since)
	if !complete {
		reset, _ := json.Marshal(map[string]any{
			"oldest_retained": s.events.OldestRetained(sessionID),
		})
		fmt.Fprintf(w, "event: stream-reset\ndata: %s\n\n", reset)
	}
	flusher.Flush()

	s.log.Debug("subscriber attached", zap.String("session", sessionID), zap.Int64("since", since))

	for ev := range ch {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Type, payload)
		flusher.Flush()
	}
	// Channel closed: client cancelled, bus stopped, or this subscriber was
	// evicted for falling behind. Either way the connection ends and the
	// client reconnects with its cursor.
}
