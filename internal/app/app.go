// Package app wires configuration, logging, storage, the job manager and the
// HTTP API into one runnable service.
package app

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

	"github.com/gin-gonic/gin"

	"github.com/PseudoDarwinist/software-factory-sub003/internal/adapter/httpapi"
	"github.com/PseudoDarwinist/software-factory-sub003/internal/config"
	"github.com/PseudoDarwinist/software-factory-sub003/internal/jobs"
	"github.com/PseudoDarwinist/software-factory-sub003/internal/jobstore"
	"github.com/PseudoDarwinist/software-factory-sub003/internal/platform/logger"
	"github.com/PseudoDarwinist/software-factory-sub003/internal/platform/pg"
	sqlitedb "github.com/PseudoDarwinist/software-factory-sub003/internal/platform/sqlite"
)

// App is the assembled service. Handlers are registered between New and Run.
type App struct {
	cfg config.Config
	log *slog.Logger
	mgr *jobs.Manager

	closeStore func() error
}

// New loads configuration, builds the logger and the job manager on top of
// the configured store. Migrations are applied here so Run starts on a ready
// schema.
func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "jobsd",
	})
	slog.SetDefault(log)

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		_ = logger.Close(log)
		return nil, err
	}

	mgr := jobs.NewManager(store, jobs.Config{
		MaxWorkers:      cfg.Jobs.MaxWorkers,
		CleanupInterval: cfg.Jobs.CleanupInterval,
		Retention:       cfg.Jobs.Retention,
		Logger:          log,
	})

	return &App{
		cfg:        cfg,
		log:        log,
		mgr:        mgr,
		closeStore: closeStore,
	}, nil
}

// RegisterHandler binds a job type to its handler. Must be called before Run.
func (a *App) RegisterHandler(jobType string, h jobs.HandlerFunc) error {
	return a.mgr.RegisterHandler(jobType, h)
}

// Manager exposes the job manager for embedding callers.
func (a *App) Manager() *jobs.Manager { return a.mgr }

// Run starts the worker pool and the HTTP server and blocks until ctx is
// cancelled or SIGINT/SIGTERM arrives, then shuts everything down in reverse
// order: HTTP first so no new submissions arrive, then the manager, then the
// store and logger.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job manager: %w", err)
	}

	if a.cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	httpapi.NewHandler(a.mgr, a.log).Register(router)

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", "addr", a.cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	case err := <-errCh:
		runErr = fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("http shutdown failed", "error", err)
	}
	if err := a.mgr.Shutdown(shutdownCtx); err != nil {
		a.log.Error("job manager shutdown incomplete", "error", err)
	}
	if err := a.closeStore(); err != nil {
		a.log.Error("store close failed", "error", err)
	}
	if err := logger.Close(a.log); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// openStore builds the configured store backend with its schema migrated.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (jobs.Store, func() error, error) {
	switch cfg.DB.Driver {
	case "memory":
		log.Warn("using in-memory job store, jobs are lost on restart")
		return jobstore.NewMemory(), func() error { return nil }, nil

	case "sqlite":
		db, err := sqlitedb.NewDB(ctx, cfg.DB.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		dir := filepath.Join(cfg.DB.MigrationsDir, "sqlite")
		if err := sqlitedb.ApplyMigrations(db, cfg.DB.Path, dir); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to migrate sqlite store: %w", err)
		}
		log.Info("sqlite job store ready", "path", cfg.DB.Path)
		return jobstore.NewSQLite(db), db.Close, nil

	case "postgres":
		pool, err := pg.NewPool(ctx, cfg.DB.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		if err := pg.WaitReady(ctx, pool, 30*time.Second, time.Second); err != nil {
			pool.Close()
			return nil, nil, err
		}
		dir := filepath.Join(cfg.DB.MigrationsDir, "postgres")
		if err := pg.ApplyMigrations(cfg.DB.DSN, dir); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to migrate postgres store: %w", err)
		}
		log.Info("postgres job store ready", "dsn", pg.RedactDSN(cfg.DB.DSN))
		return jobstore.NewPostgres(pool), func() error { pool.Close(); return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown db driver %q", cfg.DB.Driver)
	}
}
