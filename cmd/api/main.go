package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/kirillkom/docflow/internal/adapters/http"
	"github.com/kirillkom/docflow/internal/bootstrap"
	"github.com/kirillkom/docflow/internal/config"
	"github.com/kirillkom/docflow/internal/observability/logging"
	"github.com/kirillkom/docflow/internal/observability/metrics"
	"github.com/kirillkom/docflow/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_error", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.NewJSONLogger("docflow-api", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_error", slog.Any("error", err))
		os.Exit(1)
	}
	defer app.Close(context.Background())

	if app.InProcessWorker() {
		pool := worker.NewPool(app.Queue, app.Processor, app.Processor, worker.Options{
			Concurrency:   cfg.WorkerConcurrency,
			SweepInterval: cfg.SweepInterval,
			ItemTimeout:   cfg.StageTimeout * 3,
			Logger:        logger,
		})
		go func() {
			if err := pool.Run(ctx); err != nil {
				logger.Error("in_process_worker_stopped", slog.Any("error", err))
				stop()
			}
		}()
		logger.Info("in_process_worker_started", slog.Int("concurrency", cfg.WorkerConcurrency))
	}

	router := httpadapter.NewRouter(
		cfg,
		app.Ingest,
		app.Lifecycle,
		app.Reader,
		metrics.NewHTTPServerMetrics("docflow-api"),
	).Handler()
	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_error", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api_shutdown_error", slog.Any("error", err))
	}
}
