package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/narro/internal/common"
	"github.com/ternarybob/narro/internal/interfaces"
	"github.com/ternarybob/narro/internal/models"
)

type orchestratorState string

const (
	stateStopped      orchestratorState = "stopped"
	stateRunning      orchestratorState = "running"
	stateShuttingDown orchestratorState = "shutting_down"
)

// workerPollTimeout doubles as the housekeeping interval: an idle worker
// sweeps expired event buckets once per timeout.
const workerPollTimeout = 1 * time.Second

// A dequeued job whose row cannot be read back is retried before being
// failed; a busy database must not strand an admitted job.
const (
	dequeueLoadAttempts = 5
	dequeueLoadBackoff  = 100 * time.Millisecond
)

type queueItem struct {
	jobID          string
	spec           models.ReportJobSpec
	idempotencyKey string
}

// Orchestrator accepts report job submissions, enforces backpressure via a
// bounded queue and runs each accepted job through the pipeline on a fixed
// pool of workers. At most MaxConcurrent jobs execute at once.
type Orchestrator struct {
	config   *common.Config
	store    interfaces.JobStore
	pipeline *Pipeline
	events   *EventBuffer
	logger   arbor.ILogger
	validate *validator.Validate

	mu       sync.Mutex
	state    orchestratorState
	failFast bool
	pending  int
	queue    chan queueItem
	stopCh   chan struct{}
	running  map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// Stats is the orchestrator snapshot exposed on the status surface
type Stats struct {
	State   string `json:"state"`
	Running int    `json:"running"`
	Queued  int    `json:"queued"`
}

// NewOrchestrator creates an orchestrator. Call Start before submitting.
func NewOrchestrator(config *common.Config, store interfaces.JobStore, pipeline *Pipeline, events *EventBuffer, logger arbor.ILogger) *Orchestrator {
	return &Orchestrator{
		config:   config,
		store:    store,
		pipeline: pipeline,
		events:   events,
		logger:   logger,
		validate: validator.New(),
		state:    stateStopped,
		running:  make(map[string]context.CancelFunc),
	}
}

// Start recovers stale jobs from a prior process and spawns the worker
// pool. Idempotent; starting a running orchestrator is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == stateRunning {
		return nil
	}

	recovered, err := o.store.RecoverStaleRunningJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	if recovered > 0 {
		o.logger.Warn().Int("count", recovered).Msg("Recovered stale jobs from prior run")
	}

	o.queue = make(chan queueItem, o.config.Jobs.MaxQueued)
	o.stopCh = make(chan struct{})
	o.state = stateRunning
	o.failFast = false
	o.pending = 0

	for i := 0; i < o.config.Jobs.MaxConcurrent; i++ {
		o.wg.Add(1)
		go o.workerLoop(i)
	}

	o.logger.Info().
		Int("workers", o.config.Jobs.MaxConcurrent).
		Int("queue_capacity", o.config.Jobs.MaxQueued).
		Msg("Orchestrator started")
	return nil
}

// SubmitJob validates and admits a report job. The claim-then-create-then-
// enqueue ordering ensures idempotent replays never double-enqueue and a
// full queue is detected before the caller is told the job was accepted.
func (o *Orchestrator) SubmitJob(ctx context.Context, spec models.ReportJobSpec, idempotencyKey string) (*models.SubmitResult, error) {
	if !o.accepting() {
		return nil, &AdmissionError{
			Code:       ErrCodeShuttingDown,
			Message:    "service is shutting down",
			RetryAfter: 30 * time.Second,
		}
	}

	if err := o.validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("invalid job spec: %w", err)
	}

	jobID := common.NewJobID()

	if idempotencyKey != "" {
		claim, err := o.store.ClaimIdempotency(ctx, idempotencyKey, spec.CanonicalHash(), jobID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim idempotency key: %w", err)
		}
		switch claim.Status {
		case models.ClaimReplay:
			existing, err := o.store.FindByIdempotencyKey(ctx, idempotencyKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load replayed job: %w", err)
			}
			if existing == nil {
				return nil, fmt.Errorf("idempotency claim references missing job %s", claim.JobID)
			}
			return &models.SubmitResult{
				JobID:         existing.JobID,
				Status:        existing.Status,
				ReportType:    existing.ReportType,
				CreatedAt:     existing.CreatedAt,
				IdempotentHit: true,
			}, nil
		case models.ClaimConflict:
			return nil, &AdmissionError{
				Code:          ErrCodeIdempotencyConflict,
				Message:       "idempotency key already used with a different payload",
				ExistingJobID: claim.JobID,
			}
		}
	}

	if err := o.store.CreateJob(ctx, jobID, spec.ReportType, spec.ToMap(), idempotencyKey); err != nil {
		o.releaseClaim(ctx, idempotencyKey, jobID)
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	// pending counts the job from before it enters the queue until a worker
	// finishes it, so the shutdown drain never sees the dequeue handoff as
	// an empty queue
	o.mu.Lock()
	o.pending++
	o.mu.Unlock()

	select {
	case o.queue <- queueItem{jobID: jobID, spec: spec, idempotencyKey: idempotencyKey}:
	default:
		o.finishItem()
		if err := o.store.MarkFailed(ctx, jobID, ErrCodeQueueFull, "Job queue at capacity", "", ""); err != nil {
			o.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to record queue_full rejection")
		}
		o.releaseClaim(ctx, idempotencyKey, jobID)
		return nil, &AdmissionError{
			Code:       ErrCodeQueueFull,
			Message:    "job queue at capacity",
			RetryAfter: 30 * time.Second,
		}
	}

	o.events.Append(jobID, "queued", "info", "Job accepted", map[string]interface{}{
		"report_type": spec.ReportType,
	})
	o.logger.Info().Str("job_id", jobID).Str("report_type", spec.ReportType).Msg("Job queued")

	return &models.SubmitResult{
		JobID:      jobID,
		Status:     models.JobStatusQueued,
		ReportType: spec.ReportType,
		CreatedAt:  time.Now(),
	}, nil
}

// GetJobStatus returns the polling view, or nil for an unknown job
func (o *Orchestrator) GetJobStatus(ctx context.Context, jobID string) (*models.JobStatusView, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	logs, err := o.store.ListSectionLogs(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &models.JobStatusView{
		JobID:        job.JobID,
		ReportType:   job.ReportType,
		Status:       job.Status,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
		CurrentStage: job.CurrentStage,
		Progress:     job.Progress,
		ErrorCode:    job.ErrorCode,
		ErrorMessage: job.ErrorMessage,
		SectionLogs:  logs,
	}, nil
}

// GetEvents returns a job's buffered events after the given cursor
func (o *Orchestrator) GetEvents(jobID string, afterSeq int) []models.JobEvent {
	return o.events.Events(jobID, afterSeq)
}

// GetJobResult returns the result payload, non-nil only for succeeded jobs
func (o *Orchestrator) GetJobResult(ctx context.Context, jobID string) (map[string]interface{}, error) {
	return o.store.GetResult(ctx, jobID)
}

// CancelJob cancels a queued or running job. Returns true iff the job
// transitioned to cancelled. The status column flips before the running
// task is signalled, so pollers never observe a cancelled job as running.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) (bool, error) {
	transitioned, err := o.store.CancelJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if !transitioned {
		return false, nil
	}

	o.mu.Lock()
	cancel, isRunning := o.running[jobID]
	o.mu.Unlock()
	if isRunning {
		cancel()
	}

	o.events.Append(jobID, "cancelled", "warn", "Job cancelled", nil)
	o.events.MarkTerminal(jobID)
	o.logger.Info().Str("job_id", jobID).Bool("was_running", isRunning).Msg("Job cancelled")
	return true, nil
}

// Stats returns a snapshot for the status surface
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	queued := 0
	if o.queue != nil {
		queued = len(o.queue)
	}
	return Stats{
		State:   string(o.state),
		Running: len(o.running),
		Queued:  queued,
	}
}

// Shutdown stops accepting work, waits up to the configured grace period
// for the queue to drain, then fail-fasts still-queued jobs and cancels
// running ones. Blocks until all workers exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.state != stateRunning {
		o.mu.Unlock()
		return nil
	}
	o.state = stateShuttingDown
	o.mu.Unlock()

	grace := common.Duration(o.config.Jobs.ShutdownGracePeriod, 30*time.Second)
	o.logger.Info().Str("grace_period", grace.String()).Msg("Orchestrator shutting down")

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
drain:
	for !o.idle() {
		select {
		case <-deadline.C:
			break drain
		case <-ctx.Done():
			break drain
		case <-time.After(100 * time.Millisecond):
		}
	}

	// Phase two: fail whatever did not drain in time. The flag closes the
	// window where a worker dequeues an item between the drain loop ending
	// and the queue being emptied here.
	o.mu.Lock()
	o.failFast = true
	o.mu.Unlock()

	for {
		select {
		case item := <-o.queue:
			o.failQueuedOnShutdown(item)
			o.finishItem()
		default:
			goto cancelRunning
		}
	}

cancelRunning:
	o.mu.Lock()
	for jobID, cancel := range o.running {
		o.logger.Warn().Str("job_id", jobID).Msg("Cancelling running job on shutdown")
		cancel()
	}
	o.mu.Unlock()

	close(o.stopCh)
	o.wg.Wait()

	o.mu.Lock()
	o.state = stateStopped
	o.mu.Unlock()

	o.logger.Info().Msg("Orchestrator stopped")
	return nil
}

func (o *Orchestrator) accepting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == stateRunning
}

// idle reports whether any admitted job is still queued or in flight.
// pending covers the whole span from enqueue to worker completion.
func (o *Orchestrator) idle() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending == 0
}

func (o *Orchestrator) finishItem() {
	o.mu.Lock()
	o.pending--
	o.mu.Unlock()
}

func (o *Orchestrator) releaseClaim(ctx context.Context, key, jobID string) {
	if key == "" {
		return
	}
	if err := o.store.ReleaseIdempotency(ctx, key, jobID); err != nil {
		o.logger.Error().Err(err).Str("idempotency_key", key).Msg("Failed to release idempotency claim")
	}
}

func (o *Orchestrator) failQueuedOnShutdown(item queueItem) {
	ctx := context.Background()
	if err := o.store.MarkFailed(ctx, item.jobID, ErrCodeShuttingDown, "Service shut down before job started", "", ""); err != nil {
		o.logger.Error().Err(err).Str("job_id", item.jobID).Msg("Failed to fail queued job on shutdown")
	}
	o.releaseClaim(ctx, item.idempotencyKey, item.jobID)
	o.events.Append(item.jobID, "failed", "warn", "Service shut down before job started", nil)
	o.events.MarkTerminal(item.jobID)
}

// workerLoop pulls jobs from the shared queue until shutdown. Idle waits
// double as the housekeeping sweep for expired event buckets.
func (o *Orchestrator) workerLoop(id int) {
	defer o.wg.Done()

	for {
		select {
		case <-o.stopCh:
			return
		case item := <-o.queue:
			o.process(item)
		case <-time.After(workerPollTimeout):
			o.events.EvictExpired()
		}
	}
}

// process runs one dequeued job to completion. Once dequeued, the job is
// owned exclusively by this worker.
func (o *Orchestrator) process(item queueItem) {
	defer o.finishItem()
	ctx := context.Background()

	o.mu.Lock()
	failFast := o.failFast
	o.mu.Unlock()
	if failFast {
		o.failQueuedOnShutdown(item)
		return
	}

	job, err := o.loadDequeued(ctx, item.jobID)
	if err != nil {
		o.logger.Error().Err(err).Str("job_id", item.jobID).Msg("Failed to load dequeued job")
		if mfErr := o.store.MarkFailed(ctx, item.jobID, "pipeline_error",
			"Job could not be loaded after dequeue: "+err.Error(), "", ""); mfErr != nil {
			o.logger.Error().Err(mfErr).Str("job_id", item.jobID).Msg("Failed to record dequeue load failure")
		}
		o.events.Append(item.jobID, "failed", "error", "Job could not be loaded after dequeue", nil)
		o.events.MarkTerminal(item.jobID)
		return
	}
	// Cancelled (or otherwise terminal) while queued: consume without running
	if job == nil || job.Status != models.JobStatusQueued {
		o.logger.Info().Str("job_id", item.jobID).Msg("Skipping dequeued job no longer queued")
		return
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.running[item.jobID] = cancel
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.running, item.jobID)
		o.mu.Unlock()
		cancel()
	}()

	o.runJob(jobCtx, item)
}

// loadDequeued reads the dequeued job back, absorbing transient store
// errors such as a briefly locked database
func (o *Orchestrator) loadDequeued(ctx context.Context, jobID string) (*models.Job, error) {
	var job *models.Job
	var err error
	for attempt := 0; attempt < dequeueLoadAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(dequeueLoadBackoff)
		}
		job, err = o.store.GetJob(ctx, jobID)
		if err == nil {
			return job, nil
		}
	}
	return nil, err
}

// runJob wraps the pipeline with the per-job soft timeout and maps the
// outcome to a terminal state
func (o *Orchestrator) runJob(jobCtx context.Context, item queueItem) {
	softTimeout := common.Duration(o.config.Jobs.SoftTimeout, 12*time.Minute)
	runCtx, cancel := context.WithTimeout(jobCtx, softTimeout)
	defer cancel()

	err := o.pipeline.Run(runCtx, item.jobID, item.spec)
	o.finishJob(item.jobID, runCtx, err)
}

func (o *Orchestrator) finishJob(jobID string, runCtx context.Context, runErr error) {
	ctx := context.Background()
	defer o.events.MarkTerminal(jobID)

	if runErr == nil {
		return
	}

	switch {
	case errors.Is(runErr, context.DeadlineExceeded):
		if err := o.store.MarkFailed(ctx, jobID, "timeout", "Job exceeded soft timeout", "", ""); err != nil {
			o.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to record job timeout")
		}
		o.events.Append(jobID, "failed", "error", "Job exceeded soft timeout", nil)
		o.logger.Warn().Str("job_id", jobID).Msg("Job timed out")

	case errors.Is(runErr, context.Canceled):
		// CancelJob already flipped the status; only record cancellation
		// when something else cancelled the context
		job, err := o.store.GetJob(ctx, jobID)
		if err == nil && job != nil && job.Status != models.JobStatusCancelled {
			if err := o.store.MarkFailed(ctx, jobID, "cancelled", "Job cancelled", models.JobStatusCancelled, ""); err != nil {
				o.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to record job cancellation")
			}
			o.events.Append(jobID, "cancelled", "warn", "Job cancelled", nil)
		}

	default:
		code := "pipeline_error"
		var stageErr *StageError
		if errors.As(runErr, &stageErr) {
			code = stageErr.Code
		}
		if err := o.store.MarkFailed(ctx, jobID, code, runErr.Error(), "", ""); err != nil {
			o.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to record job failure")
		}
		o.events.Append(jobID, "failed", "error", runErr.Error(), nil)
		o.logger.Error().Err(runErr).Str("job_id", jobID).Msg("Job failed")
	}
}
