package app

import (
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/multitask/internal/common"
	"github.com/ternarybob/multitask/internal/handlers"
	"github.com/ternarybob/multitask/internal/interfaces"
	"github.com/ternarybob/multitask/internal/parallel"
	"github.com/ternarybob/multitask/internal/services/ledger"
	"github.com/ternarybob/multitask/internal/services/scheduler"
	"github.com/ternarybob/multitask/internal/services/tracker"
	"github.com/ternarybob/multitask/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager

	// Core services
	TaskAPI          interfaces.TaskAPI
	LedgerService    interfaces.LedgerService
	TrackerService   interfaces.TrackerService
	SchedulerService interfaces.SchedulerService

	// HTTP handlers
	APIHandler    *handlers.APIHandler
	AuthHandler   *handlers.AuthHandler
	GroupHandler  *handlers.GroupHandler
	ResultHandler *handlers.ResultHandler
	PageHandler   *handlers.PageHandler
	LiveHandler   *handlers.LiveHandler
	WSHandler     *handlers.WSHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	storageManager, err := badger.NewManager(logger, &cfg.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.StorageManager = storageManager

	app.TaskAPI = parallel.NewClient(
		parallel.WithBaseURL(cfg.Parallel.BaseURL),
		parallel.WithHTTPClient(&http.Client{Timeout: cfg.Parallel.RequestTimeout}),
		parallel.WithRateLimit(cfg.Parallel.RateLimit),
		parallel.WithLogger(logger),
	)

	app.LedgerService = ledger.NewService(storageManager, logger)
	app.TrackerService = tracker.NewService(storageManager, app.LedgerService, app.TaskAPI, cfg, logger)
	app.SchedulerService = scheduler.NewService(app.TrackerService, cfg, logger)

	app.APIHandler = handlers.NewAPIHandler()
	app.AuthHandler = handlers.NewAuthHandler(cfg, logger)
	app.GroupHandler = handlers.NewGroupHandler(storageManager, app.LedgerService, app.TaskAPI, app.TrackerService, cfg, logger)
	app.LiveHandler = handlers.NewLiveHandler(storageManager, app.LedgerService, cfg, logger)
	app.WSHandler = handlers.NewWSHandler(storageManager, app.LedgerService, cfg, logger)
	app.ResultHandler = handlers.NewResultHandler(storageManager, app.LedgerService, app.AuthHandler, app.LiveHandler, app.WSHandler, cfg, logger)
	app.PageHandler = handlers.NewPageHandler(cfg, logger)

	logger.Info().
		Str("storage_path", cfg.Storage.Badger.Path).
		Str("api_base", cfg.Parallel.BaseURL).
		Msg("Application initialized")

	return app, nil
}

// Close releases application resources. Order matters: the scheduler stops
// scheduling new passes, the tracker drains running ones, then storage
// closes underneath them.
func (a *App) Close() error {
	if a.SchedulerService != nil {
		a.SchedulerService.Stop()
	}
	if a.TrackerService != nil {
		a.TrackerService.Stop()
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
	}
	return nil
}
