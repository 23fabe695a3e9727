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

	"github.com/kirillkom/docflow/internal/bootstrap"
	"github.com/kirillkom/docflow/internal/config"
	"github.com/kirillkom/docflow/internal/observability/logging"
	"github.com/kirillkom/docflow/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_error", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.NewJSONLogger("docflow-worker", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_error", slog.Any("error", err))
		os.Exit(1)
	}
	defer app.Close(context.Background())

	mux := http.NewServeMux()
	mux.Handle("/metrics", app.PipelineMetrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_error", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	pool := worker.NewPool(app.Queue, app.Processor, app.Processor, worker.Options{
		Concurrency:   cfg.WorkerConcurrency,
		SweepInterval: cfg.SweepInterval,
		ItemTimeout:   cfg.StageTimeout * 3,
		Logger:        logger,
	})
	logger.Info("worker_started",
		slog.String("worker_id", app.WorkerID),
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.String("queue_backend", cfg.QueueBackend),
	)
	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker_stopped", slog.Any("error", err))
		stop()
		app.Close(context.Background())
		os.Exit(1)
	}
	logger.Info("worker_shutdown")
}
