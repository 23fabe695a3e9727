package bootstrap

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirillkom/docflow/internal/config"
	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
	"github.com/kirillkom/docflow/internal/core/usecase"
	"github.com/kirillkom/docflow/internal/infrastructure/extractor"
	"github.com/kirillkom/docflow/internal/infrastructure/queue/nats"
	"github.com/kirillkom/docflow/internal/infrastructure/resilience"
	"github.com/kirillkom/docflow/internal/observability/logging"
	"github.com/kirillkom/docflow/internal/observability/metrics"
)

type App struct {
	Config config.Config

	Queue           ports.WorkQueue
	Ingest          ports.DocumentIngestor
	Lifecycle       ports.VersionLifecycle
	Reader          ports.DocumentReader
	Processor       ports.StageProcessor
	PipelineMetrics *metrics.PipelineMetrics
	// WorkerID is the resolved id this process leases stages under.
	WorkerID string

	cleanup closers
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	policy := domain.ParseFirstVersionPolicy(cfg.FirstVersionPolicy)

	app := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			app.Close(context.Background())
		}
	}()

	pipelineMetrics := metrics.NewPipelineMetrics("docflow")
	app.PipelineMetrics = pipelineMetrics

	transportCfg := resilience.DefaultConfig()
	transportCfg.Logger = logging.Component(logger, "resilience")
	transportCfg.OnStateChange = pipelineMetrics.BreakerStateChanged
	transportExec := resilience.NewExecutor(transportCfg)

	stageCfg := resilience.StageAdapterConfig()
	stageCfg.Logger = transportCfg.Logger
	stageCfg.OnStateChange = pipelineMetrics.BreakerStateChanged
	stageExec := resilience.NewExecutor(stageCfg)

	meta, err := buildMetadata(ctx, cfg, logging.Component(logger, "audit"), &app.cleanup)
	if err != nil {
		return nil, err
	}
	blobs, err := buildBlobStore(ctx, cfg, logger, &app.cleanup)
	if err != nil {
		return nil, err
	}

	nc := &natsConn{
		cfg: cfg,
		opts: nats.Options{
			ResilienceExecutor: transportExec,
			Logger:             logger,
		},
		closer: &app.cleanup,
	}
	queue, err := buildQueue(cfg, nc, logger)
	if err != nil {
		return nil, err
	}
	eventPublisher, err := buildEvents(ctx, cfg, nc, transportExec, logger, &app.cleanup)
	if err != nil {
		return nil, err
	}
	classifier, err := buildClassifier(cfg, stageExec)
	if err != nil {
		return nil, err
	}
	indexer, err := buildIndex(cfg, stageExec)
	if err != nil {
		return nil, err
	}
	textExtractor := extractor.New(blobs, extractor.Options{
		MaxBlobBytes: cfg.MaxUploadBytes,
		Logger:       logger,
	})

	versions := usecase.NewVersionManager(meta.docs, indexer, meta.audit, usecase.VersionManagerOptions{
		FirstVersionPolicy: policy,
		Logger:             logger,
	})
	orchestrator := usecase.NewOrchestrator(
		meta.docs,
		meta.stages,
		versions,
		textExtractor,
		classifier,
		indexer,
		queue,
		eventPublisher,
		meta.audit,
		usecase.OrchestratorOptions{
			WorkerID:     cfg.WorkerID,
			LeaseTTL:     cfg.LeaseTTL,
			StageTimeout: cfg.StageTimeout,
			Retry: domain.RetryPolicy{
				MaxAttempts: cfg.PipelineMaxAttempts,
				BaseDelay:   cfg.PipelineBaseDelay,
				MaxDelay:    cfg.PipelineMaxDelay,
				Multiplier:  cfg.PipelineBackoffMultiplier,
				JitterFrac:  cfg.PipelineJitterFrac,
			},
			LowConfidenceThreshold: cfg.LowConfidenceThreshold,
			SweepBatch:             cfg.SweepBatch,
			Logger:                 logger,
			Observer:               pipelineMetrics,
		},
	)
	versions.AddListener(orchestrator)

	app.Queue = queue
	app.Ingest = usecase.NewIngestDocumentUseCase(blobs, meta.docs, versions, cfg.MaxUploadBytes)
	app.Lifecycle = versions
	app.Reader = usecase.NewDocumentReaderUseCase(meta.docs, meta.stages, meta.audit)
	app.Processor = orchestrator
	app.WorkerID = orchestrator.WorkerID()

	logger.Info("bootstrap_complete",
		slog.String("metadata_backend", cfg.MetadataBackend),
		slog.String("blob_backend", cfg.BlobBackend),
		slog.String("queue_backend", cfg.QueueBackend),
		slog.String("events_backend", cfg.EventsBackend),
		slog.String("classifier_backend", cfg.ClassifierBackend),
		slog.String("index_backend", cfg.IndexBackend),
	)
	ok = true
	return app, nil
}

// InProcessWorker reports whether the API process must run the stage workers
// itself. The in-memory queue and store do not cross process boundaries.
func (a *App) InProcessWorker() bool {
	return backend(a.Config.QueueBackend) == "memory" || backend(a.Config.MetadataBackend) == "memory"
}

func (a *App) Close(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	a.cleanup.run(ctx)
	a.cleanup = nil
}
