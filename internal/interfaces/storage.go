package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/narro/internal/models"
)

// JobStore is the single source of truth for durable job state.
// All status transitions are single-row conditional updates; a precondition
// miss (e.g. cancelling a terminal job) is a no-op, not an error.
type JobStore interface {
	CreateJob(ctx context.Context, jobID, reportType string, input map[string]interface{}, idempotencyKey string) error

	// ClaimIdempotency atomically claims a key, or reports replay/conflict
	// against the live claim. Expired claims are purged on every call.
	ClaimIdempotency(ctx context.Context, key, payloadHash, jobID string) (models.ClaimResult, error)
	ReleaseIdempotency(ctx context.Context, key, jobID string) error
	FindByIdempotencyKey(ctx context.Context, key string) (*models.Job, error)

	MarkRunning(ctx context.Context, jobID string) error
	MarkSucceeded(ctx context.Context, jobID string, result map[string]interface{}) error
	MarkFailed(ctx context.Context, jobID, errorCode, errorMessage string, status models.JobStatus, stage string) error
	CancelJob(ctx context.Context, jobID string) (bool, error)
	UpdateStage(ctx context.Context, jobID, stage string, progress *models.Progress) error

	AppendSectionLog(ctx context.Context, jobID string, log models.SectionLog) error
	SaveArtifact(ctx context.Context, jobID, artifactType, sectionID, content string) error

	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	GetResult(ctx context.Context, jobID string) (map[string]interface{}, error)
	ListSectionLogs(ctx context.Context, jobID string) ([]models.SectionLog, error)
	ListArtifacts(ctx context.Context, jobID string) ([]models.Artifact, error)

	// RecoverStaleRunningJobs force-fails jobs left in queued/running by a
	// prior process. Called once on startup.
	RecoverStaleRunningJobs(ctx context.Context) (int, error)
	CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error)

	Close() error
}
