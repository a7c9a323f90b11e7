// Package server wires the execution core, the service providers, and
// the HTTP/WebSocket surface into one runnable unit.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/terminus-os/backend/internal/config"
	"github.com/terminus-os/backend/internal/exec"
	"github.com/terminus-os/backend/internal/logging"
	"github.com/terminus-os/backend/internal/middleware"
	"github.com/terminus-os/backend/internal/monitoring"
	"github.com/terminus-os/backend/internal/providers/environment"
	"github.com/terminus-os/backend/internal/providers/python"
	"github.com/terminus-os/backend/internal/providers/terminal"
	"github.com/terminus-os/backend/internal/service"
	"github.com/terminus-os/backend/internal/ws"
)

// Server wraps the HTTP server and dependencies.
type Server struct {
	router   *gin.Engine
	httpSrv  *http.Server
	registry *service.Registry
	procs    *exec.Registry
	reaper   *exec.Reaper
	terminal *terminal.Provider
	logger   *logging.Logger
	config   *config.Config
	metrics  *monitoring.Metrics
}

// New creates a server instance from configuration.
func New(cfg *config.Config) (*Server, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	logger.Info("Initializing terminal backend",
		zap.String("port", cfg.Server.Port),
		zap.Duration("default_timeout", cfg.Exec.DefaultTimeout),
		zap.Int("max_processes", cfg.Exec.MaxProcesses),
	)

	metrics := monitoring.NewMetrics()

	// Execution core: executor, process registry, reaper.
	executor := exec.NewExecutor(cfg.Exec, logger).WithMetrics(metrics)
	procs := exec.NewRegistry(executor, cfg.Exec, logger).WithMetrics(metrics)
	reaper := exec.NewReaper(procs, cfg.Exec.ReapInterval, cfg.Exec.Retention, logger)

	// Service providers.
	serviceRegistry := service.NewRegistry()
	terminalProvider := terminal.NewProvider(executor, procs, cfg.Exec, logger)
	registerProviders(serviceRegistry, logger,
		terminalProvider,
		environment.NewProvider(),
		python.NewProvider(executor, cfg.Exec, logger),
	)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.HTTPMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	s := &Server{
		router:   router,
		registry: serviceRegistry,
		procs:    procs,
		reaper:   reaper,
		terminal: terminalProvider,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
	}

	wsHandler := ws.NewHandler(procs, metrics, logger)

	router.GET("/", s.handleRoot)
	router.GET("/health", s.handleHealth)
	router.GET("/services", s.handleListServices)
	router.POST("/services/discover", s.handleDiscoverServices)
	router.POST("/services/execute", s.handleExecuteService)
	router.GET("/metrics", monitoring.Handler())
	router.GET("/stream", wsHandler.HandleConnection)

	return s, nil
}

// Router exposes the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Run starts the reaper and serves HTTP until Close.
func (s *Server) Run() error {
	s.reaper.Start()

	addr := fmt.Sprintf("%s:%s", s.config.Server.Host, s.config.Server.Port)
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts the server down: stop accepting requests, stop the
// reaper, then signal every remaining child process so none outlive
// the server.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP shutdown error", zap.Error(err))
		}
	}

	s.reaper.Stop()
	s.procs.Shutdown()
	s.terminal.Sessions().CloseAll()

	s.logger.Info("Shutdown complete")
	s.logger.Sync()
	return nil
}

func registerProviders(registry *service.Registry, logger *logging.Logger, providers ...service.Provider) {
	for _, p := range providers {
		def := p.Definition()
		if err := registry.Register(p); err != nil {
			logger.Warn("Failed to register provider", zap.String("service", def.ID), zap.Error(err))
			continue
		}
		logger.Info("Registered service", zap.String("service", def.ID), zap.Int("tools", len(def.Tools)))
	}
}
