package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/narro/internal/interfaces"
	"github.com/ternarybob/narro/internal/models"
)

// unixToTime converts Unix timestamp to time.Time
func unixToTime(unix int64) time.Time {
	return time.Unix(unix, 0)
}

func toJSON(value interface{}) string {
	data, err := json.Marshal(value)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func fromJSONMap(value sql.NullString) map[string]interface{} {
	if !value.Valid || value.String == "" {
		return nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(value.String), &result); err != nil {
		return nil
	}
	return result
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

// JobStore implements SQLite storage for report jobs, section logs,
// artifacts and idempotency claims
type JobStore struct {
	db             *SQLiteDB
	logger         arbor.ILogger
	idempotencyTTL time.Duration
	mu             sync.Mutex
}

// NewJobStore creates a new job store instance
func NewJobStore(db *SQLiteDB, idempotencyTTL time.Duration, logger arbor.ILogger) interfaces.JobStore {
	if idempotencyTTL == 0 {
		idempotencyTTL = 5 * time.Minute
	}
	return &JobStore{
		db:             db,
		logger:         logger,
		idempotencyTTL: idempotencyTTL,
	}
}

// CreateJob inserts a fresh job row in status queued
func (s *JobStore) CreateJob(ctx context.Context, jobID, reportType string, input map[string]interface{}, idempotencyKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var key sql.NullString
	if idempotencyKey != "" {
		key.Valid = true
		key.String = idempotencyKey
	}

	progress := models.Progress{Stage: "queued", CompletedSections: 0, TotalSections: 0}

	query := `
		INSERT INTO jobs (
			job_id, report_type, status, created_at, input_json,
			current_stage, progress_json, idempotency_key
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.db.ExecContext(ctx, query,
		jobID,
		reportType,
		string(models.JobStatusQueued),
		time.Now().Unix(),
		toJSON(input),
		"queued",
		toJSON(progress),
		key,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return fmt.Errorf("job %s already exists: %w", jobID, err)
		}
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to create job")
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info().Str("job_id", jobID).Str("idempotency_key", idempotencyKey).Msg("Job created")
	return nil
}

// ClaimIdempotency atomically claims a key for a job. If a live claim exists
// with the same payload hash the result is a replay; with a different hash,
// a conflict. A claim whose job row no longer exists is stale and gets
// re-claimed. Expired claims are purged on every call.
func (s *JobStore) ClaimIdempotency(ctx context.Context, key, payloadHash, jobID string) (models.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	expiresAt := time.Now().Add(s.idempotencyTTL).Unix()

	if _, err := s.db.db.ExecContext(ctx, "DELETE FROM job_idempotency WHERE expires_at <= ?", now); err != nil {
		return models.ClaimResult{}, fmt.Errorf("failed to purge expired claims: %w", err)
	}

	insert := `
		INSERT INTO job_idempotency (
			idempotency_key, payload_hash, job_id, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.db.ExecContext(ctx, insert, key, payloadHash, jobID, now, expiresAt)
	if err == nil {
		return models.ClaimResult{Status: models.ClaimClaimed, JobID: jobID}, nil
	}
	if !isUniqueConstraintErr(err) {
		return models.ClaimResult{}, fmt.Errorf("failed to claim idempotency key: %w", err)
	}

	var existingHash, existingJobID string
	row := s.db.db.QueryRowContext(ctx,
		"SELECT payload_hash, job_id FROM job_idempotency WHERE idempotency_key = ?", key)
	if scanErr := row.Scan(&existingHash, &existingJobID); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			// Claim raced away between insert and read; treat as claimed
			if _, err := s.db.db.ExecContext(ctx, insert, key, payloadHash, jobID, now, expiresAt); err != nil && !isUniqueConstraintErr(err) {
				return models.ClaimResult{}, fmt.Errorf("failed to re-claim idempotency key: %w", err)
			}
			return models.ClaimResult{Status: models.ClaimClaimed, JobID: jobID}, nil
		}
		return models.ClaimResult{}, fmt.Errorf("failed to read existing claim: %w", scanErr)
	}

	// Stale claim: the referenced job row is gone, release and re-claim
	var one int
	existsErr := s.db.db.QueryRowContext(ctx,
		"SELECT 1 FROM jobs WHERE job_id = ? LIMIT 1", existingJobID).Scan(&one)
	if existsErr == sql.ErrNoRows {
		if _, err := s.db.db.ExecContext(ctx, "DELETE FROM job_idempotency WHERE idempotency_key = ?", key); err != nil {
			return models.ClaimResult{}, fmt.Errorf("failed to release stale claim: %w", err)
		}
		if _, err := s.db.db.ExecContext(ctx, insert, key, payloadHash, jobID, now, expiresAt); err != nil {
			return models.ClaimResult{}, fmt.Errorf("failed to re-claim stale key: %w", err)
		}
		s.logger.Warn().Str("idempotency_key", key).Str("stale_job_id", existingJobID).Msg("Stale idempotency claim re-claimed")
		return models.ClaimResult{Status: models.ClaimClaimed, JobID: jobID}, nil
	}
	if existsErr != nil {
		return models.ClaimResult{}, fmt.Errorf("failed to check claim owner: %w", existsErr)
	}

	if existingHash == payloadHash {
		return models.ClaimResult{Status: models.ClaimReplay, JobID: existingJobID}, nil
	}
	return models.ClaimResult{Status: models.ClaimConflict, JobID: existingJobID}, nil
}

// ReleaseIdempotency removes a claim, used when job creation fails after a
// successful claim. An empty jobID releases unconditionally.
func (s *JobStore) ReleaseIdempotency(ctx context.Context, key, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if jobID != "" {
		_, err = s.db.db.ExecContext(ctx,
			"DELETE FROM job_idempotency WHERE idempotency_key = ? AND job_id = ?", key, jobID)
	} else {
		_, err = s.db.db.ExecContext(ctx,
			"DELETE FROM job_idempotency WHERE idempotency_key = ?", key)
	}
	if err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// FindByIdempotencyKey resolves a live claim to its job
func (s *JobStore) FindByIdempotencyKey(ctx context.Context, key string) (*models.Job, error) {
	query := `
		SELECT j.job_id, j.report_type, j.status, j.created_at, j.started_at, j.finished_at,
		       j.input_json, j.error_code, j.error_message, j.current_stage, j.progress_json,
		       j.result_json, j.idempotency_key
		FROM job_idempotency i
		JOIN jobs j ON j.job_id = i.job_id
		WHERE i.idempotency_key = ? AND i.expires_at > ?
	`
	row := s.db.db.QueryRowContext(ctx, query, key, time.Now().Unix())
	return s.scanJob(row)
}

// MarkRunning transitions a job to running, preserving an existing started_at
func (s *JobStore) MarkRunning(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE jobs
		SET status = ?, started_at = COALESCE(started_at, ?), current_stage = ?
		WHERE job_id = ?
	`
	_, err := s.db.db.ExecContext(ctx, query, string(models.JobStatusRunning), time.Now().Unix(), "running", jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	return nil
}

// MarkSucceeded records the result payload and clears any error fields
func (s *JobStore) MarkSucceeded(ctx context.Context, jobID string, result map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE jobs
		SET status = ?, finished_at = ?, current_stage = ?, result_json = ?,
		    error_code = NULL, error_message = NULL
		WHERE job_id = ?
	`
	_, err := s.db.db.ExecContext(ctx, query,
		string(models.JobStatusSucceeded), time.Now().Unix(), "completed", toJSON(result), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job succeeded: %w", err)
	}
	return nil
}

// MarkFailed records a terminal non-success state. Status defaults to failed
// when empty; stage defaults to the status string.
func (s *JobStore) MarkFailed(ctx context.Context, jobID, errorCode, errorMessage string, status models.JobStatus, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status == "" {
		status = models.JobStatusFailed
	}
	if stage == "" {
		stage = string(status)
	}

	query := `
		UPDATE jobs
		SET status = ?, finished_at = ?, current_stage = ?, error_code = ?, error_message = ?
		WHERE job_id = ?
	`
	_, err := s.db.db.ExecContext(ctx, query,
		string(status), time.Now().Unix(), stage, errorCode, errorMessage, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

// CancelJob transitions queued/running to cancelled. Returns whether the
// transition happened; cancelling a terminal job is a no-op.
func (s *JobStore) CancelJob(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE jobs
		SET status = ?, finished_at = ?, current_stage = ?, error_code = ?, error_message = ?
		WHERE job_id = ? AND status IN ('queued', 'running')
	`
	result, err := s.db.db.ExecContext(ctx, query,
		string(models.JobStatusCancelled), time.Now().Unix(), "cancelled", "cancelled", "Job cancelled by user", jobID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read cancel result: %w", err)
	}
	return affected > 0, nil
}

// UpdateStage updates the current pipeline stage and optional progress
func (s *JobStore) UpdateStage(ctx context.Context, jobID, stage string, progress *models.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if progress != nil {
		_, err = s.db.db.ExecContext(ctx,
			"UPDATE jobs SET current_stage = ?, progress_json = ? WHERE job_id = ?",
			stage, toJSON(progress), jobID)
	} else {
		_, err = s.db.db.ExecContext(ctx,
			"UPDATE jobs SET current_stage = ? WHERE job_id = ?", stage, jobID)
	}
	if err != nil {
		return fmt.Errorf("failed to update stage: %w", err)
	}
	return nil
}

// AppendSectionLog inserts one append-only section log row
func (s *JobStore) AppendSectionLog(ctx context.Context, jobID string, log models.SectionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt := log.Attempt
	if attempt < 1 {
		attempt = 1
	}

	query := `
		INSERT INTO job_sections (
			job_id, section_id, stage, attempt, status, metrics_json, error_code, latency_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var errorCode sql.NullString
	if log.ErrorCode != "" {
		errorCode.Valid = true
		errorCode.String = log.ErrorCode
	}
	_, err := s.db.db.ExecContext(ctx, query,
		jobID, log.SectionID, log.Stage, attempt, log.Status,
		toJSON(log.Metrics), errorCode, log.LatencyMS, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to append section log: %w", err)
	}
	return nil
}

// SaveArtifact inserts one write-once artifact row
func (s *JobStore) SaveArtifact(ctx context.Context, jobID, artifactType, sectionID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var section sql.NullString
	if sectionID != "" {
		section.Valid = true
		section.String = sectionID
	}

	query := `
		INSERT INTO job_artifacts (
			job_id, artifact_type, section_id, content_json_or_html, created_at
		) VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.db.ExecContext(ctx, query, jobID, artifactType, section, content, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save artifact: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID. Returns nil when the job is unknown.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	query := `
		SELECT job_id, report_type, status, created_at, started_at, finished_at,
		       input_json, error_code, error_message, current_stage, progress_json,
		       result_json, idempotency_key
		FROM jobs
		WHERE job_id = ?
	`
	row := s.db.db.QueryRowContext(ctx, query, jobID)
	return s.scanJob(row)
}

// GetResult returns the result payload, non-nil only for succeeded jobs
func (s *JobStore) GetResult(ctx context.Context, jobID string) (map[string]interface{}, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.Status != models.JobStatusSucceeded {
		return nil, nil
	}
	return job.Result, nil
}

// ListSectionLogs returns a job's section logs in causal (insertion) order
func (s *JobStore) ListSectionLogs(ctx context.Context, jobID string) ([]models.SectionLog, error) {
	query := `
		SELECT section_id, stage, attempt, status, metrics_json, error_code, latency_ms, created_at
		FROM job_sections
		WHERE job_id = ?
		ORDER BY id ASC
	`
	rows, err := s.db.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list section logs: %w", err)
	}
	defer rows.Close()

	logs := []models.SectionLog{}
	for rows.Next() {
		var (
			log       models.SectionLog
			metrics   sql.NullString
			errorCode sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&log.SectionID, &log.Stage, &log.Attempt, &log.Status,
			&metrics, &errorCode, &log.LatencyMS, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan section log: %w", err)
		}
		log.Metrics = fromJSONMap(metrics)
		if errorCode.Valid {
			log.ErrorCode = errorCode.String
		}
		log.CreatedAt = unixToTime(createdAt)
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// ListArtifacts returns a job's artifacts in insertion order
func (s *JobStore) ListArtifacts(ctx context.Context, jobID string) ([]models.Artifact, error) {
	query := `
		SELECT artifact_type, section_id, content_json_or_html, created_at
		FROM job_artifacts
		WHERE job_id = ?
		ORDER BY id ASC
	`
	rows, err := s.db.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := []models.Artifact{}
	for rows.Next() {
		var (
			artifact  models.Artifact
			sectionID sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&artifact.ArtifactType, &sectionID, &artifact.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		if sectionID.Valid {
			artifact.SectionID = sectionID.String
		}
		artifact.CreatedAt = unixToTime(createdAt)
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

// RecoverStaleRunningJobs fails jobs a prior process left in queued/running.
// There is no resumption of partially completed jobs.
func (s *JobStore) RecoverStaleRunningJobs(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE jobs
		SET status = ?, finished_at = ?, current_stage = ?, error_code = ?, error_message = ?
		WHERE status IN ('queued', 'running')
	`
	result, err := s.db.db.ExecContext(ctx, query,
		string(models.JobStatusFailed),
		time.Now().Unix(),
		"failed",
		"orchestrator_restarted",
		"Job interrupted by service restart, please resubmit",
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read recovery count: %w", err)
	}
	return int(affected), nil
}

// CleanupOldJobs deletes terminal jobs older than the cutoff and their
// section logs, artifacts and claims. Expired claims are purged as well.
func (s *JobStore) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan).Unix()
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT job_id FROM jobs
		 WHERE status IN ('succeeded','failed','cancelled','failed_quality_gate') AND finished_at < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list old jobs: %w", err)
	}

	jobIDs := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan job id: %w", err)
		}
		jobIDs = append(jobIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if len(jobIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(jobIDs)), ",")
		args := make([]interface{}, len(jobIDs))
		for i, id := range jobIDs {
			args[i] = id
		}
		for _, table := range []string{"job_sections", "job_artifacts", "job_idempotency", "jobs"} {
			query := fmt.Sprintf("DELETE FROM %s WHERE job_id IN (%s)", table, placeholders)
			if _, err := s.db.db.ExecContext(ctx, query, args...); err != nil {
				return 0, fmt.Errorf("failed to clean %s: %w", table, err)
			}
		}
	}

	if _, err := s.db.db.ExecContext(ctx,
		"DELETE FROM job_idempotency WHERE expires_at <= ?", time.Now().Unix()); err != nil {
		return 0, fmt.Errorf("failed to purge expired claims: %w", err)
	}

	if len(jobIDs) > 0 {
		s.logger.Info().Int("count", len(jobIDs)).Msg("Old jobs cleaned up")
	}
	return len(jobIDs), nil
}

// Close is a no-op; the shared connection is owned by SQLiteDB
func (s *JobStore) Close() error {
	return nil
}

// scanJob scans a single jobs row, returning nil when absent
func (s *JobStore) scanJob(row *sql.Row) (*models.Job, error) {
	var (
		job                   models.Job
		status                string
		createdAt             int64
		startedAt, finishedAt sql.NullInt64
		inputJSON             string
		errorCode, errorMsg   sql.NullString
		currentStage          sql.NullString
		progressJSON          sql.NullString
		resultJSON            sql.NullString
		idempotencyKey        sql.NullString
	)

	err := row.Scan(
		&job.JobID, &job.ReportType, &status, &createdAt, &startedAt, &finishedAt,
		&inputJSON, &errorCode, &errorMsg, &currentStage, &progressJSON,
		&resultJSON, &idempotencyKey,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Status = models.JobStatus(status)
	job.CreatedAt = unixToTime(createdAt)
	if startedAt.Valid {
		job.StartedAt = unixToTime(startedAt.Int64)
	}
	if finishedAt.Valid {
		job.FinishedAt = unixToTime(finishedAt.Int64)
	}
	if err := json.Unmarshal([]byte(inputJSON), &job.Input); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to deserialize job input")
	}
	if errorCode.Valid {
		job.ErrorCode = errorCode.String
	}
	if errorMsg.Valid {
		job.ErrorMessage = errorMsg.String
	}
	if currentStage.Valid {
		job.CurrentStage = currentStage.String
	}
	if progressJSON.Valid && progressJSON.String != "" {
		if err := json.Unmarshal([]byte(progressJSON.String), &job.Progress); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to deserialize progress")
		}
	}
	job.Result = fromJSONMap(resultJSON)
	if idempotencyKey.Valid {
		job.IdempotencyKey = idempotencyKey.String
	}

	return &job, nil
}
