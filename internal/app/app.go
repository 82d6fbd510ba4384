package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scanagent/internal/common"
	"github.com/ternarybob/scanagent/internal/handlers"
	"github.com/ternarybob/scanagent/internal/interfaces"
	"github.com/ternarybob/scanagent/internal/services/automation"
	"github.com/ternarybob/scanagent/internal/services/credentials"
	"github.com/ternarybob/scanagent/internal/services/events"
	"github.com/ternarybob/scanagent/internal/services/pagedriver"
	"github.com/ternarybob/scanagent/internal/services/scheduler"
	"github.com/ternarybob/scanagent/internal/services/status"
	"github.com/ternarybob/scanagent/internal/services/workqueue"
	"github.com/ternarybob/scanagent/internal/storage"
)

// drainTimeout bounds how long Close waits for an in-flight session before
// interrupting it
const drainTimeout = 30 * time.Second

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Event-driven services
	EventService  interfaces.EventService
	StatusService *status.Service

	// Agent services
	CredentialService *credentials.Service
	WorkQueue         *workqueue.Client
	BrowserPool       *pagedriver.BrowserPool
	Reporter          *automation.Reporter
	Machine           *automation.Machine
	SchedulerService  *scheduler.Service

	// HTTP handlers
	StatusHandler    *handlers.StatusHandler
	SchedulerHandler *handlers.SchedulerHandler
	SettingsHandler  *handlers.SettingsHandler
	WSHandler        *handlers.WebSocketHandler
}

// VersionInfo is the body of GET /api/version
type VersionInfo struct {
	Version string `json:"version"`
	Full    string `json:"full"`
	AgentID string `json:"agent_id"`
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	logger.Info().
		Str("agent_id", app.WorkQueue.AgentID()).
		Bool("queue_configured", app.WorkQueue.Configured()).
		Bool("credentials_configured", app.CredentialService.GetActive() != nil).
		Msg("Application initialized")

	return app, nil
}

func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	return nil
}

// initServices initializes the agent services in dependency order:
// events, status, credentials, work queue, browser, reporter, machine, scheduler
func (a *App) initServices() error {
	ctx := context.Background()
	timings := automation.TimingsFromConfig(a.Config.Automation)

	a.EventService = events.NewService(a.Logger)
	if err := events.SubscribeLoggerToAllEvents(a.EventService, a.Logger); err != nil {
		return err
	}

	a.StatusService = status.NewService(a.StorageManager.StatusStorage(), a.EventService, a.Logger, timings.ErrorMessageLimit)
	if err := a.StatusService.Load(ctx, a.Config.Agent.Enabled); err != nil {
		return err
	}

	a.CredentialService = credentials.NewService(a.StorageManager.SettingsStorage(), a.Logger)
	if err := a.CredentialService.Load(ctx, a.Config.Credentials.SettingsFile); err != nil {
		// Surface on the status store; the agent keeps running unconfigured
		a.Logger.Warn().Err(err).Msg("Failed to load agent settings")
		if recErr := a.StatusService.RecordError(ctx, err.Error()); recErr != nil {
			a.Logger.Warn().Err(recErr).Msg("Failed to record settings error")
		}
	}

	agentID := a.Config.Agent.AgentID
	if agentID == "" {
		agentID = common.NewAgentID()
	}
	a.WorkQueue = workqueue.NewClient(
		a.Config.Queue.BaseURL,
		a.Config.Queue.APIToken,
		agentID,
		workqueue.WithLogger(a.Logger),
		workqueue.WithRateInterval(common.ParseDurationOr(a.Config.Queue.RateLimit, 200*time.Millisecond)),
		workqueue.WithTimeout(common.ParseDurationOr(a.Config.Queue.RequestTimeout, 30*time.Second)),
	)

	a.BrowserPool = pagedriver.NewBrowserPool(a.Config.Browser, a.Logger)

	policy := workqueue.NewRetryPolicy(
		a.Config.Automation.ReportMaxAttempts,
		common.ParseDurationOr(a.Config.Automation.ReportInitialBackoff, 2*time.Second),
		common.ParseDurationOr(a.Config.Automation.ReportMaxBackoff, 30*time.Second),
	)
	a.Reporter = automation.NewReporter(a.WorkQueue, a.StorageManager.ReportStorage(), policy, a.Logger)

	// Completions that were not acknowledged before the last shutdown
	if a.WorkQueue.Configured() {
		resumed, err := a.Reporter.ResumePending(ctx)
		if err != nil {
			a.Logger.Warn().Err(err).Int("resumed", resumed).Msg("Some pending reports could not be resent")
		} else if resumed > 0 {
			a.Logger.Info().Int("resumed", resumed).Msg("Pending reports resent")
		}
	}

	a.Machine = automation.NewMachine(
		a.WorkQueue,
		a.CredentialService,
		a.BrowserPool,
		a.StatusService,
		a.EventService,
		a.Reporter,
		timings,
		a.Config.Browser.DownloadDir,
		a.Logger,
	)

	a.SchedulerService = scheduler.NewService(
		a.Machine,
		a.WorkQueue,
		a.CredentialService,
		a.StatusService,
		a.Config.Agent,
		a.Logger,
	)

	return nil
}

func (a *App) initHandlers() {
	a.StatusHandler = handlers.NewStatusHandler(a.StatusService, a.Machine, a.CredentialService, a.SchedulerService.Interval(), a.Logger)
	a.SchedulerHandler = handlers.NewSchedulerHandler(a.SchedulerService, a.Logger)
	a.SettingsHandler = handlers.NewSettingsHandler(a.CredentialService, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(
		a.EventService,
		a.StatusService,
		common.ParseDurationOr(a.Config.Server.StatusThrottle, 0),
		a.Logger,
	)
}

// Version describes the running build
func (a *App) Version() VersionInfo {
	info := VersionInfo{
		Version: common.GetVersion(),
		Full:    common.GetFullVersion(),
	}
	if a.WorkQueue != nil {
		info.AgentID = a.WorkQueue.AgentID()
	}
	return info
}

// Close shuts down all services in reverse dependency order. An in-flight
// session gets drainTimeout to finish before it is interrupted.
func (a *App) Close() error {
	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}

		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if err := a.SchedulerService.Drain(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("In-flight session was interrupted")
		}
		cancel()
	}

	if a.BrowserPool != nil {
		if err := a.BrowserPool.Shutdown(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to shut down browser")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
