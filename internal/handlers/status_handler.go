package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/narro/internal/common"
	"github.com/ternarybob/narro/internal/jobs"
)

// StatusHandler reports service health and queue occupancy
type StatusHandler struct {
	config       *common.Config
	orchestrator *jobs.Orchestrator
	logger       arbor.ILogger
	startedAt    time.Time
}

func NewStatusHandler(config *common.Config, orchestrator *jobs.Orchestrator, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		config:       config,
		orchestrator: orchestrator,
		logger:       logger,
		startedAt:    time.Now(),
	}
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	stats := h.orchestrator.Stats()

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"service":        "narro",
		"version":        common.GetVersion(),
		"environment":    h.config.Environment,
		"state":          stats.State,
		"running_jobs":   stats.Running,
		"queued_jobs":    stats.Queued,
		"max_concurrent": h.config.Jobs.MaxConcurrent,
		"max_queued":     h.config.Jobs.MaxQueued,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

// HealthHandler handles GET /api/health
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": common.GetVersion(),
	})
}
