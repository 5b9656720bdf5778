// Package api wires the services together and serves the HTTP API.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/api/handlers"
	"github.com/slipstream/dlsync/internal/config"
	"github.com/slipstream/dlsync/internal/downloader"
	"github.com/slipstream/dlsync/internal/downloads"
	"github.com/slipstream/dlsync/internal/grab"
	"github.com/slipstream/dlsync/internal/history"
	"github.com/slipstream/dlsync/internal/importer"
	"github.com/slipstream/dlsync/internal/jobs"
	"github.com/slipstream/dlsync/internal/reconcile"
	"github.com/slipstream/dlsync/internal/scheduler"
	"github.com/slipstream/dlsync/internal/scheduler/tasks"
	"github.com/slipstream/dlsync/internal/watcher"
	"github.com/slipstream/dlsync/internal/websocket"
)

// Server handles HTTP requests for the dlsync API and owns the background
// services behind it.
type Server struct {
	echo   *echo.Echo
	db     *sql.DB
	hub    *websocket.Hub
	logger zerolog.Logger
	cfg    *config.Config

	// Services
	downloaderService *downloader.Service
	downloadStore     *downloads.Store
	historyService    *history.Service
	grabService       *grab.Service
	importService     *importer.Service
	jobQueue          *jobs.Queue
	jobWorker         *jobs.Worker
	engine            *reconcile.Engine
	scheduler         *scheduler.Scheduler
	watcherService    *watcher.Service

	cancel context.CancelFunc
}

// NewServer creates a new API server instance. hub may be nil, in which
// case events are only persisted.
func NewServer(db *sql.DB, hub *websocket.Hub, cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		db:     db,
		hub:    hub,
		logger: logger,
		cfg:    cfg,
	}
	e.HTTPErrorHandler = s.errorHandler

	// Download clients and the downloads they track
	s.downloaderService = downloader.NewService(db, downloader.NewRegistry(), logger)
	s.downloaderService.SetClientTimeout(cfg.Reconcile.ClientTimeout)
	s.downloadStore = downloads.NewStore(db)

	// Event log, pushed to websocket clients when a hub is available
	s.historyService = history.NewService(db, logger)
	if hub != nil {
		s.historyService.SetBroadcaster(hub)
	}

	s.grabService = grab.NewService(s.downloaderService, s.downloadStore, s.historyService, logger)

	// Import jobs
	s.jobQueue = jobs.NewQueue(db, cfg.Jobs.MaxAttempts)
	s.jobWorker = jobs.NewWorker(s.jobQueue, cfg.Jobs.BatchSize, logger)
	s.importService = importer.NewService(s.downloadStore, s.downloaderService, s.historyService, cfg.Import.LibraryPath, logger)
	s.jobWorker.Register(importer.JobType, s.importService.Handle)

	s.engine = reconcile.NewEngine(s.downloaderService, s.downloadStore, s.historyService, s.jobQueue, reconcile.Config{
		StuckThreshold: cfg.Reconcile.StuckThreshold,
		Parallelism:    cfg.Reconcile.Parallelism,
	}, logger)
	s.engine.SetUntrackedMatcher(newUntrackedReporter(logger))

	if cfg.Reconcile.WatchBlackhole {
		watcherSvc, err := watcher.NewService(watcher.DefaultConfig(), s.downloaderService, s.engine, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize watcher service")
		} else {
			s.watcherService = watcherSvc
		}
	}

	sched, err := scheduler.New(logger)
	if err != nil {
		return nil, err
	}
	s.scheduler = sched
	if err := s.registerTasks(); err != nil {
		return nil, err
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) registerTasks() error {
	var refresher tasks.WatchRefresher
	if s.watcherService != nil {
		refresher = s.watcherService
	}

	if err := tasks.RegisterReconcileTask(s.scheduler, s.engine, refresher, &s.cfg.Reconcile, &s.logger); err != nil {
		return fmt.Errorf("register reconcile task: %w", err)
	}
	if err := tasks.RegisterJobWorkerTask(s.scheduler, s.jobWorker, &s.cfg.Jobs, &s.logger); err != nil {
		return fmt.Errorf("register job worker task: %w", err)
	}
	if err := tasks.RegisterDownloadClientHealthTask(s.scheduler, s.downloaderService, &s.cfg.Health, &s.logger); err != nil {
		return fmt.Errorf("register download client health task: %w", err)
	}
	return nil
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/ws"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Err(v.Error).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Msg("request")
			}
			return nil
		},
	}))
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	if s.hub != nil {
		s.echo.GET("/ws", s.hub.HandleWebSocket)
	}

	api := s.echo.Group("/api/v1")
	api.GET("/health", s.healthCheck)

	// Download clients routes
	clients := api.Group("/downloadclients")
	clients.GET("", s.listDownloadClients)
	clients.POST("", s.addDownloadClient)
	clients.POST("/test", s.testNewDownloadClient)
	clients.GET("/:id", s.getDownloadClient)
	clients.PUT("/:id", s.updateDownloadClient)
	clients.DELETE("/:id", s.deleteDownloadClient)
	clients.POST("/:id/test", s.testDownloadClient)

	// Downloads: grabbing plus the tracked records
	downloadsGroup := api.Group("/downloads")
	grab.NewHandlers(s.grabService).RegisterRoutes(downloadsGroup)
	downloads.NewHandlers(s.downloadStore, s.downloaderService, s.logger).RegisterRoutes(downloadsGroup)

	history.NewHandlers(s.historyService).RegisterRoutes(api.Group("/history"))

	// System routes
	system := api.Group("/system")
	system.POST("/reconcile", s.runReconcile)
	schedulerHandler := handlers.NewSchedulerHandler(s.scheduler)
	system.GET("/tasks", schedulerHandler.ListTasks)
	system.GET("/tasks/:id", schedulerHandler.GetTask)
	system.POST("/tasks/:id/run", schedulerHandler.RunTask)
}

// StartBackground recovers interrupted jobs and starts the reconciliation
// loop, the folder watcher and the scheduler.
func (s *Server) StartBackground(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if n, err := s.jobQueue.RecoverStale(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to recover interrupted jobs")
	} else if n > 0 {
		s.logger.Info().Int64("count", n).Msg("Requeued interrupted jobs")
	}

	go s.engine.Start(ctx)

	if s.watcherService != nil {
		if err := s.watcherService.Start(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to start watcher service")
		}
	}

	return s.scheduler.Start()
}

// Start begins listening for HTTP requests.
func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("starting HTTP server")
	return s.echo.Start(address)
}

// Shutdown stops background services and then the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	if s.cancel != nil {
		s.cancel()
	}
	if s.watcherService != nil {
		if err := s.watcherService.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to stop watcher service")
		}
	}
	if err := s.scheduler.Stop(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to stop scheduler")
	}

	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Engine returns the reconciliation engine.
func (s *Server) Engine() *reconcile.Engine {
	return s.engine
}

func (s *Server) healthCheck(c echo.Context) error {
	status := http.StatusOK
	response := map[string]interface{}{
		"status":  "ok",
		"version": config.Version,
	}
	if err := s.db.PingContext(c.Request().Context()); err != nil {
		status = http.StatusServiceUnavailable
		response["status"] = "degraded"
		response["database"] = err.Error()
	}
	if last := s.engine.LastSummary(); last != nil {
		response["lastReconcile"] = last.StartedAt
	}
	return c.JSON(status, response)
}
