package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	appcfg "github.com/jo-hoe/reposter/internal/config"
	"github.com/jo-hoe/reposter/internal/jobs"
	"github.com/jo-hoe/reposter/internal/processor"
	"github.com/jo-hoe/reposter/internal/server"
	"github.com/jo-hoe/reposter/internal/storage"
	"github.com/jo-hoe/reposter/internal/tokens"
	"github.com/jo-hoe/reposter/internal/tracker"
)

func main() {
	// A missing .env is fine; variables may come from the real environment.
	_ = godotenv.Load()

	// Load config
	cfg, err := appcfg.Load("")
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	// Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Server.SlogLevel()}))
	slog.SetDefault(logger)

	// Token store (SQLite)
	store, err := tokens.NewSQLiteStore(cfg.Server.DatabasePath)
	if err != nil {
		logger.Error("sqlite open", "err", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	registry := jobs.NewRegistry()
	tr := tracker.New(logger, registry, cfg.Tracker)
	workspace := storage.NewWorkspace(cfg.Server.StorageDir)

	// Worker and queue
	worker := processor.New(logger, cfg, registry, tr, store)
	queue := jobs.NewQueue(logger, cfg.Server.QueueCapacity, cfg.Server.WorkerCount)
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := queue.Start(rootCtx, worker); err != nil {
		logger.Error("start queue", "err", err)
		os.Exit(1)
	}

	var limiter *rate.Limiter
	if cfg.Server.SubmitRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Server.SubmitRate), cfg.Server.SubmitBurst)
	}

	// HTTP server
	svc := &server.Service{
		Log:       logger,
		Cfg:       cfg,
		Registry:  registry,
		Queue:     queue,
		Tracker:   tr,
		Tokens:    store,
		Workspace: workspace,
		Limiter:   limiter,
	}
	httpSrv := server.NewHTTPServer(svc)

	// Run server in background
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting",
			"address", cfg.Server.Addr,
			"worker_command", cfg.Worker.Command,
			"workers", cfg.Server.WorkerCount,
			"debounce", cfg.Tracker.DebounceWindow)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	// Stop workers; running jobs resolve as killed processes.
	queue.Shutdown(cfg.Server.ShutdownGrace)
	logger.Info("server stopped", "jobs_tracked", registry.Len())
}
