package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/narro/internal/common"
	"github.com/ternarybob/narro/internal/handlers"
	"github.com/ternarybob/narro/internal/interfaces"
	"github.com/ternarybob/narro/internal/jobs"
	"github.com/ternarybob/narro/internal/services/collector"
	"github.com/ternarybob/narro/internal/services/llm"
	"github.com/ternarybob/narro/internal/services/quality"
	"github.com/ternarybob/narro/internal/services/render"
	"github.com/ternarybob/narro/internal/services/search"
	"github.com/ternarybob/narro/internal/services/template"
	"github.com/ternarybob/narro/internal/storage/sqlite"
)

// defaultTemplate keys the category markers the quality gate guards with
const defaultTemplate = "brand_health"

// App holds all application components and dependencies
type App struct {
	Config       *common.Config
	Logger       arbor.ILogger
	DB           *sqlite.SQLiteDB
	JobStore     interfaces.JobStore
	Templates    *template.Parser
	Search       *search.Client
	Collector    *collector.Collector
	Provider     llm.Provider
	Renderer     *render.Renderer
	Gate         *quality.Gate
	Events       *jobs.EventBuffer
	Pipeline     *jobs.Pipeline
	Orchestrator *jobs.Orchestrator

	JobHandler    *handlers.JobHandler
	StatusHandler *handlers.StatusHandler
	WSHandler     *handlers.WebSocketHandler

	scheduler *cron.Cron
}

// New wires the application components. Everything is constructed here and
// passed explicitly; there are no package-level singletons.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	db, err := sqlite.NewSQLiteDB(logger, &config.Storage.SQLite)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	jobStore := sqlite.NewJobStore(db,
		common.Duration(config.Jobs.IdempotencyTTL, 5*time.Minute), logger)

	templates, err := template.NewParser(config.Templates, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize template parser: %w", err)
	}

	provider, err := llm.NewProvider(config, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize LLM provider: %w", err)
	}

	searchClient := search.NewClient(config.Search, logger)
	dataCollector := collector.NewCollector(config, searchClient, logger)
	renderer := render.NewRenderer(config, templates, provider, logger)

	markers, vocabulary := templates.CategoryMarkers(defaultTemplate)
	gate := quality.NewGate(config, markers, vocabulary, logger)

	events := jobs.NewEventBuffer()
	pipeline := jobs.NewPipeline(config, jobStore, templates, dataCollector, renderer, gate, events, logger)
	orchestrator := jobs.NewOrchestrator(config, jobStore, pipeline, events, logger)

	return &App{
		Config:        config,
		Logger:        logger,
		DB:            db,
		JobStore:      jobStore,
		Templates:     templates,
		Search:        searchClient,
		Collector:     dataCollector,
		Provider:      provider,
		Renderer:      renderer,
		Gate:          gate,
		Events:        events,
		Pipeline:      pipeline,
		Orchestrator:  orchestrator,
		JobHandler:    handlers.NewJobHandler(orchestrator, jobStore, logger),
		StatusHandler: handlers.NewStatusHandler(config, orchestrator, logger),
		WSHandler:     handlers.NewWebSocketHandler(orchestrator, logger),
	}, nil
}

// Start begins job processing and the maintenance schedule
func (a *App) Start(ctx context.Context) error {
	if err := a.Orchestrator.Start(ctx); err != nil {
		return err
	}

	if a.Config.Maintenance.Enabled {
		a.scheduler = cron.New(cron.WithSeconds())
		_, err := a.scheduler.AddFunc(a.Config.Maintenance.Schedule, a.runMaintenance)
		if err != nil {
			return fmt.Errorf("invalid maintenance schedule: %w", err)
		}
		a.scheduler.Start()
		a.Logger.Info().Str("schedule", a.Config.Maintenance.Schedule).Msg("Maintenance scheduler started")
	}

	return nil
}

// runMaintenance deletes old terminal jobs and purges expired claims
func (a *App) runMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	retention := time.Duration(a.Config.Jobs.RetentionDays) * 24 * time.Hour
	deleted, err := a.JobStore.CleanupOldJobs(ctx, retention)
	if err != nil {
		a.Logger.Error().Err(err).Msg("Job cleanup failed")
		return
	}
	a.Logger.Info().Int("deleted", deleted).Msg("Job cleanup completed")
}

// Shutdown stops the scheduler, drains the orchestrator and closes storage
func (a *App) Shutdown(ctx context.Context) error {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	if err := a.Orchestrator.Shutdown(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("Orchestrator shutdown error")
	}

	if err := a.DB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
