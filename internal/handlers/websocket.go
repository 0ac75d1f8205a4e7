package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/narro/internal/jobs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

const eventPollInterval = 500 * time.Millisecond

// WebSocketHandler streams a job's progress events to connected clients.
// Events come from the in-memory buffer, so streams only cover jobs from
// the current process lifetime.
type WebSocketHandler struct {
	orchestrator *jobs.Orchestrator
	logger       arbor.ILogger
}

func NewWebSocketHandler(orchestrator *jobs.Orchestrator, logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// StreamJobEvents handles GET /ws/jobs/{id}. It replays buffered events
// past the optional after_seq cursor, then pushes new events until the
// job reaches a terminal status or the client disconnects.
func (h *WebSocketHandler) StreamJobEvents(w http.ResponseWriter, r *http.Request, jobID string) {
	cursor, err := parseAfterSeq(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	view, err := h.orchestrator.GetJobStatus(r.Context(), jobID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal_error", "Failed to load job")
		return
	}
	if view == nil {
		WriteError(w, http.StatusNotFound, "job_not_found", "Job not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	h.logger.Debug().Str("job_id", jobID).Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

	// Drain the read side so close frames from the client are noticed
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPollInterval)
	defer ticker.Stop()

	for {
		events := h.orchestrator.GetEvents(jobID, cursor)
		for _, event := range events {
			if err := conn.WriteJSON(event); err != nil {
				return
			}
			cursor = event.Seq
		}

		view, err := h.orchestrator.GetJobStatus(r.Context(), jobID)
		if err != nil || view == nil {
			return
		}
		if view.Status.IsTerminal() && len(h.orchestrator.GetEvents(jobID, cursor)) == 0 {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(view.Status)),
				time.Now().Add(time.Second))
			return
		}

		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
