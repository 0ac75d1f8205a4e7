package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/narro/internal/interfaces"
	"github.com/ternarybob/narro/internal/jobs"
	"github.com/ternarybob/narro/internal/models"
)

// JobHandler exposes the job lifecycle over HTTP
type JobHandler struct {
	orchestrator *jobs.Orchestrator
	store        interfaces.JobStore
	logger       arbor.ILogger
}

func NewJobHandler(orchestrator *jobs.Orchestrator, store interfaces.JobStore, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		orchestrator: orchestrator,
		store:        store,
		logger:       logger,
	}
}

// SubmitJobHandler handles POST /api/jobs
func (h *JobHandler) SubmitJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var spec models.ReportJobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")

	result, err := h.orchestrator.SubmitJob(r.Context(), spec, idempotencyKey)
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}

	status := http.StatusAccepted
	if result.IdempotentHit {
		status = http.StatusOK
	}
	WriteJSON(w, status, result)
}

func (h *JobHandler) writeSubmitError(w http.ResponseWriter, err error) {
	if admErr, ok := jobs.AsAdmissionError(err); ok {
		switch admErr.Code {
		case jobs.ErrCodeQueueFull:
			if admErr.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(admErr.RetryAfter.Seconds())))
			}
			WriteError(w, http.StatusTooManyRequests, admErr.Code, admErr.Message)
		case jobs.ErrCodeIdempotencyConflict:
			WriteJSON(w, http.StatusConflict, map[string]string{
				"status":          "error",
				"code":            admErr.Code,
				"message":         admErr.Message,
				"existing_job_id": admErr.ExistingJobID,
			})
		case jobs.ErrCodeShuttingDown:
			WriteError(w, http.StatusServiceUnavailable, admErr.Code, admErr.Message)
		default:
			WriteError(w, http.StatusInternalServerError, admErr.Code, admErr.Message)
		}
		return
	}

	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErrs.Error())
		return
	}

	h.logger.Error().Err(err).Msg("Job submission failed")
	WriteError(w, http.StatusInternalServerError, "internal_error", "Failed to submit job")
}

// GetJobHandler handles GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	view, err := h.orchestrator.GetJobStatus(r.Context(), jobID)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job status")
		WriteError(w, http.StatusInternalServerError, "internal_error", "Failed to load job")
		return
	}
	if view == nil {
		WriteError(w, http.StatusNotFound, "job_not_found", "Job not found")
		return
	}

	WriteJSON(w, http.StatusOK, view)
}

// GetEventsHandler handles GET /api/jobs/{id}/events?after_seq=N
func (h *JobHandler) GetEventsHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	afterSeq, err := parseAfterSeq(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	events := h.orchestrator.GetEvents(jobID, afterSeq)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"events": events,
	})
}

// GetResultHandler handles GET /api/jobs/{id}/result
func (h *JobHandler) GetResultHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job")
		WriteError(w, http.StatusInternalServerError, "internal_error", "Failed to load job")
		return
	}
	if job == nil {
		WriteError(w, http.StatusNotFound, "job_not_found", "Job not found")
		return
	}
	if job.Status != models.JobStatusSucceeded {
		WriteError(w, http.StatusConflict, "result_not_ready",
			fmt.Sprintf("Job is %s, result is only available for succeeded jobs", job.Status))
		return
	}

	result, err := h.orchestrator.GetJobResult(r.Context(), jobID)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job result")
		WriteError(w, http.StatusInternalServerError, "internal_error", "Failed to load result")
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

// ListArtifactsHandler handles GET /api/jobs/{id}/artifacts
func (h *JobHandler) ListArtifactsHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job")
		WriteError(w, http.StatusInternalServerError, "internal_error", "Failed to load job")
		return
	}
	if job == nil {
		WriteError(w, http.StatusNotFound, "job_not_found", "Job not found")
		return
	}

	artifacts, err := h.store.ListArtifacts(r.Context(), jobID)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to list artifacts")
		WriteError(w, http.StatusInternalServerError, "internal_error", "Failed to list artifacts")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":    jobID,
		"artifacts": artifacts,
	})
}

// CancelJobHandler handles POST /api/jobs/{id}/cancel
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job")
		WriteError(w, http.StatusInternalServerError, "internal_error", "Failed to load job")
		return
	}
	if job == nil {
		WriteError(w, http.StatusNotFound, "job_not_found", "Job not found")
		return
	}

	cancelled, err := h.orchestrator.CancelJob(r.Context(), jobID)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to cancel job")
		WriteError(w, http.StatusInternalServerError, "internal_error", "Failed to cancel job")
		return
	}
	if !cancelled {
		WriteError(w, http.StatusConflict, "cancel_rejected",
			fmt.Sprintf("Job is already %s and cannot be cancelled", job.Status))
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"status": string(models.JobStatusCancelled),
	})
}
