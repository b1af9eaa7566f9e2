package app

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/broker"
	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/handlers"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/services/events"
	"github.com/ternarybob/nuntius/internal/services/registry"
	"github.com/ternarybob/nuntius/internal/services/scheduler"
	"github.com/ternarybob/nuntius/internal/services/sessionstore"
	"github.com/ternarybob/nuntius/internal/services/token"
	"github.com/ternarybob/nuntius/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager *storage.Manager

	// Services
	EventService     interfaces.EventService
	TokenService     interfaces.TokenService
	SessionStore     interfaces.SessionStore
	RegistryService  *registry.Service
	SchedulerService *scheduler.Service

	// Broker core
	UpstreamClient *broker.Client
	BrokerService  *broker.Service

	// HTTP handlers
	SessionHandler *handlers.SessionHandler
	MessageHandler *handlers.MessageHandler
	JobHandler     *handlers.JobHandler
	ForwardHandler *handlers.ForwardHandler
	APIHandler     *handlers.APIHandler
	WSHandler      *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Job history storage is optional; the proxy runs without it
	var history interfaces.JobHistoryStorage
	storageManager, err := storage.NewManager(logger, &cfg.Storage)
	if err != nil {
		logger.Warn().Err(err).Msg("Job history storage unavailable, continuing without history")
	} else {
		app.StorageManager = storageManager
		history = storageManager.JobHistory()
		logger.Debug().
			Str("storage", "badger").
			Str("path", cfg.Storage.Badger.Path).
			Msg("Storage layer initialized")
	}

	app.EventService = events.NewService(logger)
	app.TokenService = token.NewService(&cfg.Auth, logger)
	app.SessionStore = sessionstore.NewService(cfg.Targets.RunnerDir, logger)
	app.RegistryService = registry.NewService(&cfg.Targets, logger)

	app.UpstreamClient = broker.NewClient(&cfg.Proxy, app.TokenService, logger)
	app.BrokerService = broker.NewService(cfg, app.UpstreamClient, app.SessionStore, app.EventService, history, logger)

	// Register targets from the YAML registry before the broker starts
	targets, err := app.RegistryService.LoadTargets()
	if err != nil {
		return nil, fmt.Errorf("failed to load target registry: %w", err)
	}
	for _, target := range targets {
		if err := app.BrokerService.AddTarget(target); err != nil {
			logger.Warn().
				Err(err).
				Str("target_id", target.ID).
				Msg("Failed to register target")
		}
	}

	if history != nil {
		app.SchedulerService = scheduler.NewService(&cfg.History, history, app.StorageManager.RunGC, logger)
		if err := app.SchedulerService.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start maintenance scheduler")
			app.SchedulerService = nil
		}
	}

	app.initHandlers(history)

	logger.Info().
		Int("targets", len(targets)).
		Bool("history_enabled", history != nil).
		Msg("Application initialization complete")

	return app, nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers(history interfaces.JobHistoryStorage) {
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Logger)
	a.SessionHandler = handlers.NewSessionHandler(a.BrokerService, a.Logger)
	a.MessageHandler = handlers.NewMessageHandler(a.BrokerService, &a.Config.Proxy, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.BrokerService, a.Logger)
	a.ForwardHandler = handlers.NewForwardHandler(a.BrokerService, a.Logger)
	a.APIHandler = handlers.NewAPIHandler(a.BrokerService, history, a.Logger)
}

// Start brings up the broker: replaying stale upstream sessions, creating
// fresh ones for registered targets, and starting the poll loop
func (a *App) Start() error {
	return a.BrokerService.Start()
}

// Close closes all application resources
func (a *App) Close() error {
	if a.SchedulerService != nil {
		a.SchedulerService.Stop()
	}

	if a.BrokerService != nil {
		a.BrokerService.Stop()
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
