package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/narro/internal/common"
	"github.com/ternarybob/narro/internal/interfaces"
	"github.com/ternarybob/narro/internal/models"
	"github.com/ternarybob/narro/internal/storage/sqlite"
)

// stubTemplates serves a fixed three-section template
type stubTemplates struct{}

func (s *stubTemplates) Parse(templateName string) (*models.ParsedTemplate, error) {
	sections := []models.SectionSpec{
		{SectionID: "market_landscape", Title: "Market Landscape"},
		{SectionID: "consumer_sentiment", Title: "Consumer Sentiment"},
		{SectionID: "recommendations", Title: "Recommendations"},
	}
	return &models.ParsedTemplate{
		Name:     templateName,
		Sections: sections,
	}, nil
}

func (s *stubTemplates) CategoryMarkers(templateName string) ([]string, []string) {
	return []string{"haircare"}, []string{"shampoo"}
}

type stubCollector struct{}

func (c *stubCollector) Collect(ctx context.Context, spec models.ReportJobSpec) (map[string]interface{}, error) {
	return map[string]interface{}{
		"brand": spec.BrandName,
		"sources": []map[string]interface{}{
			{"name": "Industry Watch", "url": "https://example.com/industry"},
		},
	}, nil
}

func (c *stubCollector) ExtractRelevant(sectionID string, raw map[string]interface{}) map[string]interface{} {
	return raw
}

// stubRenderer returns a minimal valid document. When block is set it
// parks until released or the job context is cancelled, which lets tests
// hold a worker busy deterministically.
type stubRenderer struct {
	mu       sync.Mutex
	calls    int
	block    chan struct{}
	started  chan string
	fallback bool
}

func (r *stubRenderer) Generate(ctx context.Context, spec models.ReportJobSpec, plans []models.SectionPlan, evidence []models.EvidencePack) (*models.RenderResult, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()

	if r.started != nil {
		r.started <- spec.BrandName
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	html := "<html><body>"
	diagnostics := make([]models.SectionDiagnostics, 0, len(plans))
	for _, plan := range plans {
		html += fmt.Sprintf(`<section id=%q><h2>%s</h2><div class="section-body"><p>Summary for %s.</p><ul><li>a</li><li>b</li><li>c</li></ul></div></section>`,
			plan.SectionID, plan.SectionTitle, spec.BrandName)
		diagnostics = append(diagnostics, models.SectionDiagnostics{
			SectionID:    plan.SectionID,
			OK:           !r.fallback,
			Attempts:     1,
			UsedFallback: r.fallback,
		})
	}
	html += "</body></html>"

	return &models.RenderResult{
		ReportID:    "rpt-test",
		OutputPath:  "/tmp/rpt-test.html",
		HTMLContent: html,
		GeneratedAt: time.Now(),
		Sections:    diagnostics,
	}, nil
}

func (r *stubRenderer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type stubGate struct {
	passed   bool
	failures []string
}

func (g *stubGate) Evaluate(input interfaces.QualityGateInput) models.QualityReport {
	return models.QualityReport{
		Passed:   g.passed,
		Failures: g.failures,
		Metrics:  map[string]interface{}{"checked_sections": len(input.Sections)},
	}
}

type harness struct {
	orchestrator *Orchestrator
	store        *recordingStore
	renderer     *stubRenderer
	gate         *stubGate
	config       *common.Config
}

func newHarness(t *testing.T, mutate func(*common.Config)) *harness {
	t.Helper()

	config := common.DefaultConfig()
	config.Storage.SQLite.Path = t.TempDir() + "/jobs.db"
	config.Storage.SQLite.WALMode = false
	config.Jobs.MaxConcurrent = 2
	config.Jobs.MaxQueued = 4
	config.Jobs.ShutdownGracePeriod = "200ms"
	if mutate != nil {
		mutate(config)
	}

	logger := arbor.NewLogger()
	db, err := sqlite.NewSQLiteDB(logger, &config.Storage.SQLite)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := &recordingStore{
		JobStore: sqlite.NewJobStore(db, common.Duration(config.Jobs.IdempotencyTTL, 5*time.Minute), logger),
	}

	renderer := &stubRenderer{}
	gate := &stubGate{passed: true}
	events := NewEventBuffer()
	pipeline := NewPipeline(config, store, &stubTemplates{}, &stubCollector{}, renderer, gate, events, logger)
	orchestrator := NewOrchestrator(config, store, pipeline, events, logger)

	return &harness{
		orchestrator: orchestrator,
		store:        store,
		renderer:     renderer,
		gate:         gate,
		config:       config,
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.orchestrator.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.orchestrator.Shutdown(ctx)
	})
}

func validSpec(brand string) models.ReportJobSpec {
	return models.ReportJobSpec{
		ReportType: "brand_health",
		BrandName:  brand,
		Category:   "haircare",
	}
}

func waitForStatus(t *testing.T, store interfaces.JobStore, jobID string, status models.JobStatus) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		j, err := store.GetJob(context.Background(), jobID)
		if err != nil || j == nil {
			return false
		}
		job = j
		return j.Status == status
	}, 5*time.Second, 20*time.Millisecond, "job %s never reached status %s", jobID, status)
	return job
}

func TestSubmitJobRunsToCompletion(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	ctx := context.Background()

	result, err := h.orchestrator.SubmitJob(ctx, validSpec("Lumina"), "")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, result.Status)
	assert.False(t, result.IdempotentHit)

	job := waitForStatus(t, h.store, result.JobID, models.JobStatusSucceeded)
	assert.Equal(t, "completed", job.CurrentStage)
	assert.Equal(t, 3, job.Progress.TotalSections)
	assert.Equal(t, 3, job.Progress.CompletedSections)
	assert.False(t, job.FinishedAt.IsZero())

	payload, err := h.orchestrator.GetJobResult(ctx, result.JobID)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, "rpt-test", payload["report_id"])
	assert.Equal(t, "Lumina", payload["brand_name"])
	assert.Equal(t, true, payload["quality_gate_passed"])

	events := h.orchestrator.GetEvents(result.JobID, 0)
	require.NotEmpty(t, events)
	assert.Equal(t, 1, events[0].Seq)
	assert.Equal(t, "queued", events[0].Stage)
	assert.Equal(t, "completed", events[len(events)-1].Stage)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Seq+1, events[i].Seq)
	}
}

func TestSubmitJobValidation(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	spec := validSpec("Lumina")
	spec.BrandName = ""
	_, err := h.orchestrator.SubmitJob(context.Background(), spec, "")
	assert.Error(t, err)

	spec = validSpec("Lumina")
	spec.ReportType = "unknown_report"
	_, err = h.orchestrator.SubmitJob(context.Background(), spec, "")
	assert.Error(t, err)
}

func TestIdempotentReplayReturnsSameJob(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	ctx := context.Background()

	first, err := h.orchestrator.SubmitJob(ctx, validSpec("Lumina"), "key-1")
	require.NoError(t, err)
	waitForStatus(t, h.store, first.JobID, models.JobStatusSucceeded)

	second, err := h.orchestrator.SubmitJob(ctx, validSpec("Lumina"), "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.JobID, second.JobID)
	assert.True(t, second.IdempotentHit)
	assert.Equal(t, models.JobStatusSucceeded, second.Status)
}

func TestIdempotencyConflictRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	ctx := context.Background()

	first, err := h.orchestrator.SubmitJob(ctx, validSpec("Lumina"), "key-1")
	require.NoError(t, err)

	_, err = h.orchestrator.SubmitJob(ctx, validSpec("Different Brand"), "key-1")
	require.Error(t, err)
	admErr, ok := AsAdmissionError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeIdempotencyConflict, admErr.Code)
	assert.Equal(t, first.JobID, admErr.ExistingJobID)
}

func TestQueueFullRejectsAndRecordsJob(t *testing.T) {
	h := newHarness(t, func(c *common.Config) {
		c.Jobs.MaxConcurrent = 1
		c.Jobs.MaxQueued = 1
	})
	h.renderer.block = make(chan struct{})
	h.renderer.started = make(chan string, 8)
	h.start(t)
	ctx := context.Background()

	running, err := h.orchestrator.SubmitJob(ctx, validSpec("Running"), "")
	require.NoError(t, err)
	// Wait until the single worker is parked inside the renderer
	require.Equal(t, "Running", <-h.renderer.started)

	queued, err := h.orchestrator.SubmitJob(ctx, validSpec("Queued"), "")
	require.NoError(t, err)

	_, err = h.orchestrator.SubmitJob(ctx, validSpec("Rejected"), "key-rejected")
	require.Error(t, err)
	admErr, ok := AsAdmissionError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeQueueFull, admErr.Code)
	assert.Greater(t, admErr.RetryAfter, time.Duration(0))

	// The rejection is persisted as a failed job row
	rejections := h.store.failedWithCode(ErrCodeQueueFull)
	require.Len(t, rejections, 1)
	rejectedJob, err := h.store.GetJob(ctx, rejections[0].jobID)
	require.NoError(t, err)
	require.NotNil(t, rejectedJob)
	assert.Equal(t, models.JobStatusFailed, rejectedJob.Status)
	assert.Equal(t, ErrCodeQueueFull, rejectedJob.ErrorCode)

	// The rejected submission released its claim, so the key is reusable
	close(h.renderer.block)
	waitForStatus(t, h.store, running.JobID, models.JobStatusSucceeded)
	waitForStatus(t, h.store, queued.JobID, models.JobStatusSucceeded)

	retried, err := h.orchestrator.SubmitJob(ctx, validSpec("Rejected"), "key-rejected")
	require.NoError(t, err)
	waitForStatus(t, h.store, retried.JobID, models.JobStatusSucceeded)
}

func TestConcurrencyBound(t *testing.T) {
	h := newHarness(t, func(c *common.Config) {
		c.Jobs.MaxConcurrent = 2
		c.Jobs.MaxQueued = 4
	})
	h.renderer.block = make(chan struct{})
	h.renderer.started = make(chan string, 8)
	h.start(t)
	ctx := context.Background()

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		result, err := h.orchestrator.SubmitJob(ctx, validSpec(fmt.Sprintf("Brand %d", i)), "")
		require.NoError(t, err)
		ids = append(ids, result.JobID)
	}

	// Exactly two jobs enter the renderer while both workers are parked
	<-h.renderer.started
	<-h.renderer.started
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, h.renderer.callCount())
	assert.Equal(t, 2, h.orchestrator.Stats().Running)

	close(h.renderer.block)
	for _, id := range ids {
		waitForStatus(t, h.store, id, models.JobStatusSucceeded)
	}
	assert.Equal(t, 4, h.renderer.callCount())
}

func TestCancelQueuedJobNeverRuns(t *testing.T) {
	h := newHarness(t, func(c *common.Config) {
		c.Jobs.MaxConcurrent = 1
	})
	h.renderer.block = make(chan struct{})
	h.renderer.started = make(chan string, 8)
	h.start(t)
	ctx := context.Background()

	running, err := h.orchestrator.SubmitJob(ctx, validSpec("Running"), "")
	require.NoError(t, err)
	require.Equal(t, "Running", <-h.renderer.started)

	queued, err := h.orchestrator.SubmitJob(ctx, validSpec("Queued"), "")
	require.NoError(t, err)

	cancelled, err := h.orchestrator.CancelJob(ctx, queued.JobID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	close(h.renderer.block)
	waitForStatus(t, h.store, running.JobID, models.JobStatusSucceeded)
	job := waitForStatus(t, h.store, queued.JobID, models.JobStatusCancelled)
	assert.True(t, job.StartedAt.IsZero())
	assert.Equal(t, 1, h.renderer.callCount())
}

func TestCancelRunningJob(t *testing.T) {
	h := newHarness(t, nil)
	h.renderer.block = make(chan struct{})
	h.renderer.started = make(chan string, 8)
	h.start(t)
	ctx := context.Background()

	result, err := h.orchestrator.SubmitJob(ctx, validSpec("Lumina"), "")
	require.NoError(t, err)
	require.Equal(t, "Lumina", <-h.renderer.started)

	cancelled, err := h.orchestrator.CancelJob(ctx, result.JobID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	job := waitForStatus(t, h.store, result.JobID, models.JobStatusCancelled)
	assert.Equal(t, "cancelled", job.ErrorCode)

	// Cancelling a terminal job is rejected
	cancelled, err = h.orchestrator.CancelJob(ctx, result.JobID)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestSoftTimeoutFailsJob(t *testing.T) {
	h := newHarness(t, func(c *common.Config) {
		c.Jobs.SoftTimeout = "150ms"
	})
	h.renderer.block = make(chan struct{})
	h.start(t)

	result, err := h.orchestrator.SubmitJob(context.Background(), validSpec("Lumina"), "")
	require.NoError(t, err)

	job := waitForStatus(t, h.store, result.JobID, models.JobStatusFailed)
	assert.Equal(t, "timeout", job.ErrorCode)
}

func TestShutdownFailsQueuedAndRejectsSubmissions(t *testing.T) {
	h := newHarness(t, func(c *common.Config) {
		c.Jobs.MaxConcurrent = 1
		c.Jobs.ShutdownGracePeriod = "150ms"
	})
	h.renderer.block = make(chan struct{})
	h.renderer.started = make(chan string, 8)
	h.start(t)
	ctx := context.Background()

	running, err := h.orchestrator.SubmitJob(ctx, validSpec("Running"), "")
	require.NoError(t, err)
	require.Equal(t, "Running", <-h.renderer.started)

	queued, err := h.orchestrator.SubmitJob(ctx, validSpec("Queued"), "key-queued")
	require.NoError(t, err)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		h.orchestrator.Shutdown(context.Background())
	}()

	// Submissions are rejected as soon as shutdown begins
	require.Eventually(t, func() bool {
		_, err := h.orchestrator.SubmitJob(ctx, validSpec("Late"), "")
		admErr, ok := AsAdmissionError(err)
		return ok && admErr.Code == ErrCodeShuttingDown
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	queuedJob := waitForStatus(t, h.store, queued.JobID, models.JobStatusFailed)
	assert.Equal(t, ErrCodeShuttingDown, queuedJob.ErrorCode)

	runningJob := waitForStatus(t, h.store, running.JobID, models.JobStatusCancelled)
	assert.Equal(t, "cancelled", runningJob.ErrorCode)
}

func TestShutdownDrainsWithinGrace(t *testing.T) {
	h := newHarness(t, func(c *common.Config) {
		c.Jobs.ShutdownGracePeriod = "3s"
	})
	h.start(t)
	ctx := context.Background()

	result, err := h.orchestrator.SubmitJob(ctx, validSpec("Lumina"), "")
	require.NoError(t, err)

	require.NoError(t, h.orchestrator.Shutdown(context.Background()))

	job, err := h.store.GetJob(ctx, result.JobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobStatusSucceeded, job.Status)
}

func TestStartRecoversStaleRunningJobs(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	spec := validSpec("Lumina")
	require.NoError(t, h.store.CreateJob(ctx, "job-stale", spec.ReportType, spec.ToMap(), ""))
	require.NoError(t, h.store.MarkRunning(ctx, "job-stale"))

	h.start(t)

	job, err := h.store.GetJob(ctx, "job-stale")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "orchestrator_restarted", job.ErrorCode)
}

func TestQualityGateBlocksPublication(t *testing.T) {
	h := newHarness(t, func(c *common.Config) {
		c.Jobs.PublishOnQualityFail = false
	})
	h.gate.passed = false
	h.gate.failures = []string{"empty_blocks"}
	h.start(t)
	ctx := context.Background()

	result, err := h.orchestrator.SubmitJob(ctx, validSpec("Lumina"), "")
	require.NoError(t, err)

	job := waitForStatus(t, h.store, result.JobID, models.JobStatusFailedQualityGate)
	assert.Equal(t, "quality_gate_failed", job.ErrorCode)
	assert.Contains(t, job.ErrorMessage, "empty_blocks")

	payload, err := h.orchestrator.GetJobResult(ctx, result.JobID)
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestQualityFailPublishesWithWarnings(t *testing.T) {
	h := newHarness(t, nil) // PublishOnQualityFail defaults to true
	h.gate.passed = false
	h.gate.failures = []string{"structure_fidelity"}
	h.start(t)
	ctx := context.Background()

	result, err := h.orchestrator.SubmitJob(ctx, validSpec("Lumina"), "")
	require.NoError(t, err)

	waitForStatus(t, h.store, result.JobID, models.JobStatusSucceeded)

	payload, err := h.orchestrator.GetJobResult(ctx, result.JobID)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, false, payload["quality_gate_passed"])
	assert.Equal(t, true, payload["published_with_quality_warnings"])
}

func TestAllFallbacksFailJobWhenConfigured(t *testing.T) {
	h := newHarness(t, func(c *common.Config) {
		c.Jobs.FailJobOnAllFallbacks = true
	})
	h.renderer.fallback = true
	h.start(t)

	result, err := h.orchestrator.SubmitJob(context.Background(), validSpec("Lumina"), "")
	require.NoError(t, err)

	job := waitForStatus(t, h.store, result.JobID, models.JobStatusFailed)
	assert.Equal(t, "all_sections_fallback", job.ErrorCode)
}

// flakyStore fails a set number of GetJob reads before delegating, the
// shape a briefly locked database presents to the worker
type flakyStore struct {
	interfaces.JobStore

	mu       sync.Mutex
	failures int
}

func (f *flakyStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, fmt.Errorf("database is locked")
	}
	f.mu.Unlock()
	return f.JobStore.GetJob(ctx, jobID)
}

// newFlakyHarness routes the orchestrator's reads through flakyStore while
// the pipeline and the test's own assertions use the store directly
func newFlakyHarness(t *testing.T, failures int) (*Orchestrator, interfaces.JobStore) {
	t.Helper()

	config := common.DefaultConfig()
	config.Storage.SQLite.Path = t.TempDir() + "/flaky.db"
	config.Storage.SQLite.WALMode = false
	config.Jobs.MaxConcurrent = 1
	config.Jobs.MaxQueued = 4

	logger := arbor.NewLogger()
	db, err := sqlite.NewSQLiteDB(logger, &config.Storage.SQLite)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := sqlite.NewJobStore(db, 5*time.Minute, logger)
	flaky := &flakyStore{JobStore: store, failures: failures}
	events := NewEventBuffer()
	pipeline := NewPipeline(config, store, &stubTemplates{}, &stubCollector{}, &stubRenderer{}, &stubGate{passed: true}, events, logger)
	orchestrator := NewOrchestrator(config, flaky, pipeline, events, logger)

	require.NoError(t, orchestrator.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orchestrator.Shutdown(ctx)
	})
	return orchestrator, store
}

func TestDequeuedJobSurvivesTransientLoadErrors(t *testing.T) {
	orch, store := newFlakyHarness(t, 2)

	result, err := orch.SubmitJob(context.Background(), validSpec("Lumina"), "")
	require.NoError(t, err)

	waitForStatus(t, store, result.JobID, models.JobStatusSucceeded)
}

func TestDequeuedJobFailsWhenLoadNeverRecovers(t *testing.T) {
	orch, store := newFlakyHarness(t, 1000)

	result, err := orch.SubmitJob(context.Background(), validSpec("Lumina"), "")
	require.NoError(t, err)

	// The admitted job reaches a visible terminal state instead of sitting
	// in queued with an idle worker
	job := waitForStatus(t, store, result.JobID, models.JobStatusFailed)
	assert.Equal(t, "pipeline_error", job.ErrorCode)
	assert.Contains(t, job.ErrorMessage, "loaded after dequeue")

	events := orch.GetEvents(result.JobID, 0)
	require.NotEmpty(t, events)
	assert.Equal(t, "failed", events[len(events)-1].Stage)
}

// recordingStore wraps the real store to observe failure transitions whose
// job IDs the orchestrator never returns to the caller
type recordingStore struct {
	interfaces.JobStore

	mu       sync.Mutex
	failures []failureRecord
}

type failureRecord struct {
	jobID string
	code  string
}

func (r *recordingStore) MarkFailed(ctx context.Context, jobID, errorCode, errorMessage string, status models.JobStatus, stage string) error {
	r.mu.Lock()
	r.failures = append(r.failures, failureRecord{jobID: jobID, code: errorCode})
	r.mu.Unlock()
	return r.JobStore.MarkFailed(ctx, jobID, errorCode, errorMessage, status, stage)
}

func (r *recordingStore) failedWithCode(code string) []failureRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := []failureRecord{}
	for _, f := range r.failures {
		if f.code == code {
			matched = append(matched, f)
		}
	}
	return matched
}
