package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Admission error codes surfaced synchronously from SubmitJob
const (
	ErrCodeQueueFull           = "queue_full"
	ErrCodeIdempotencyConflict = "idempotency_conflict"
	ErrCodeShuttingDown        = "service_shutting_down"
)

// AdmissionError rejects a submission before any work is accepted
type AdmissionError struct {
	Code          string
	Message       string
	RetryAfter    time.Duration // Non-zero when the caller may retry later
	ExistingJobID string        // Set on idempotency conflicts
}

func (e *AdmissionError) Error() string {
	if e.ExistingJobID != "" {
		return fmt.Sprintf("%s: %s (existing job %s)", e.Code, e.Message, e.ExistingJobID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsAdmissionError unwraps an AdmissionError if err carries one
func AsAdmissionError(err error) (*AdmissionError, bool) {
	var admission *AdmissionError
	if errors.As(err, &admission) {
		return admission, true
	}
	return nil, false
}

// StageError is a pipeline failure outside the per-section try paths,
// e.g. a data collection returning nothing at all. It fails the job.
type StageError struct {
	Stage string
	Code  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
