package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kilnproject/kiln/lib/builds"
	"github.com/kilnproject/kiln/lib/logger"
)

// GetBuildLogs streams build events as server-sent events. With ?follow=true
// the stream stays open until the build reaches a terminal state.
func (s *ApiService) GetBuildLogs(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	id := chi.URLParam(r, "id")
	follow := r.URL.Query().Get("follow") == "true"

	events, err := s.BuildManager.StreamBuildEvents(r.Context(), id, follow)
	if err != nil {
		if errors.Is(err, builds.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "build not found")
			return
		}
		log.ErrorContext(r.Context(), "failed to stream build events", "error", err, "build_id", id)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to stream build logs")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
			return
		}
		flusher.Flush()
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth happens via the JWT middleware; cross-origin browser clients are
	// expected for the build log viewer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// BuildLogsWebSocket streams build events over a WebSocket, always in
// follow mode. Each message is one JSON-encoded BuildEvent.
func (s *ApiService) BuildLogsWebSocket(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	events, err := s.BuildManager.StreamBuildEvents(r.Context(), id, true)
	if err != nil {
		if errors.Is(err, builds.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "build not found")
			return
		}
		log.ErrorContext(r.Context(), "failed to stream build events", "error", err, "build_id", id)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to stream build logs")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WarnContext(r.Context(), "websocket upgrade failed", "error", err, "build_id", id)
		return
	}
	defer conn.Close()

	// Drain client messages so control frames (close, ping) are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for event := range events {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "build complete"))
}
