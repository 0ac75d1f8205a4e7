package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/narro/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route - live job event streams
	mux.HandleFunc("/ws/jobs/", s.handleJobStreamRoute)

	// API routes - Jobs
	mux.HandleFunc("/api/jobs", s.app.JobHandler.SubmitJobHandler) // POST - submit report job
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes)                // Handles /api/jobs/{id} and subpaths

	// API routes - System
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/api/health", s.app.StatusHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.notFoundHandler)

	return mux
}

// handleJobRoutes routes /api/jobs/{id} and its subpaths
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if rest == "" {
		s.notFoundHandler(w, r)
		return
	}

	jobID, subpath, _ := strings.Cut(rest, "/")
	if jobID == "" {
		s.notFoundHandler(w, r)
		return
	}

	switch subpath {
	case "":
		s.app.JobHandler.GetJobHandler(w, r, jobID)
	case "events":
		s.app.JobHandler.GetEventsHandler(w, r, jobID)
	case "result":
		s.app.JobHandler.GetResultHandler(w, r, jobID)
	case "artifacts":
		s.app.JobHandler.ListArtifactsHandler(w, r, jobID)
	case "cancel":
		s.app.JobHandler.CancelJobHandler(w, r, jobID)
	default:
		s.notFoundHandler(w, r)
	}
}

// handleJobStreamRoute routes /ws/jobs/{id} to the WebSocket handler
func (s *Server) handleJobStreamRoute(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/ws/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		s.notFoundHandler(w, r)
		return
	}

	s.app.WSHandler.StreamJobEvents(w, r, jobID)
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	handlers.WriteError(w, http.StatusNotFound, "not_found", "Endpoint not found")
}
