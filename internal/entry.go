// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/snaparchive/internal/api"
	"github.com/starford/snaparchive/internal/archive"
	"github.com/starford/snaparchive/internal/index"
	"github.com/starford/snaparchive/internal/mcpserver"
	"github.com/starford/snaparchive/internal/models"
	"github.com/starford/snaparchive/internal/pipeline"
	"github.com/starford/snaparchive/internal/sse"
)

// Engine is the assembled archive: store, orchestrator, session service and
// notification broker.
type Engine struct {
	Config  *Config
	Logger  *slog.Logger
	DB      *index.DB
	Service *archive.Service
	Broker  *sse.Broker

	orch    *pipeline.Orchestrator
	version string
}

// Open builds an Engine from the given options. Runs left staging by a
// previous process are discarded before anything else touches the store.
func Open(ctx context.Context, opts ...Option) (*Engine, error) {
	app := &application{logOutput: os.Stdout, version: "dev"}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(app.logOutput, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("version", app.version),
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("workspace_path", cfg.Workspace.Path),
		slog.Int("workers", cfg.Ingest.Workers),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Ensure data directories exist.
	if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Workspace.Path, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	// Initialize SQLite index.
	db, err := index.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init index: %w", err)
	}
	if n, err := db.DiscardStale(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("discard stale runs: %w", err)
	} else if n > 0 {
		logger.Warn("discarded unfinished runs from a previous process", slog.Int("runs", n))
	}

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)

	pcfg := cfg.Pipeline()
	pcfg.OnProgress = broker.PublishProgress
	pcfg.OnResult = func(res models.IngestionResult) {
		logger.Info("ingestion finished",
			slog.String("export_id", res.ExportID),
			slog.String("job_id", res.JobID),
			slog.String("outcome", string(res.Outcome)),
			slog.Int("events", res.EventsParsed),
			slog.Int("missing_media", res.MissingMediaCount))
		broker.PublishResult(res)
	}
	orch := pipeline.New(db, pcfg, logger)

	return &Engine{
		Config:  cfg,
		Logger:  logger,
		DB:      db,
		Service: archive.NewService(db, orch, cfg.Workspace.Path, logger),
		Broker:  broker,
		orch:    orch,
		version: app.version,
	}, nil
}

// Close cancels running jobs, waits for them to unwind and releases the
// store.
func (e *Engine) Close() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.orch.Shutdown(shutdownCtx); err != nil {
		e.Logger.Error("ingestion shutdown timed out", slog.String("error", err.Error()))
	}
	e.Broker.Close()
	return e.DB.Close()
}

// Wait blocks until the job finishes.
func (e *Engine) Wait(ctx context.Context, jobID string) (*models.IngestionResult, error) {
	job, err := e.orch.Job(jobID)
	if err != nil {
		return nil, err
	}
	return job.Wait(ctx)
}

// ScanConfiguredRoots registers the exports found under detect.scan_paths.
func (e *Engine) ScanConfiguredRoots(ctx context.Context) {
	if len(e.Config.Detect.ScanPaths) == 0 {
		return
	}
	sets, err := e.Service.DetectRoots(ctx, e.Config.Detect.ScanPaths)
	if err != nil {
		e.Logger.Warn("initial detection failed", slog.String("error", err.Error()))
		return
	}
	e.Logger.Info("initial detection complete", slog.Int("exports", len(sets)))
}

// ServeMCP serves the read-only MCP tools on stdin/stdout.
func (e *Engine) ServeMCP() error {
	return mcpserver.New(e.Service, e.version).ServeStdio()
}

// Handler builds the HTTP handler: health probes plus the API under /api.
func (e *Engine) Handler() http.Handler {
	cfg := e.Config
	apiRouter := api.NewRouter(e.Service, cfg.Auth.AuthEnabled(), cfg.Auth.Token, e.Broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(api.LoopbackOnly)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := e.DB.Ping(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)
	return r
}

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	e, err := Open(ctx, opts...)
	if err != nil {
		return err
	}
	defer e.Close()

	cfg := e.Config
	logger := e.Logger

	e.ScanConfiguredRoots(ctx)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           e.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Watch the scan roots for new exports.
	if cfg.Detect.Watch && len(cfg.Detect.ScanPaths) > 0 {
		g.Go(func() error {
			if err := e.Service.WatchRoots(gCtx, cfg.Detect.ScanPaths, cfg.Detect.Debounce); err != nil {
				logger.Warn("export watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// SSE streams never end on their own; close them before draining.
		e.Broker.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown ends the group so the watcher stops with the server.
var errShutdown = errors.New("shutdown")
