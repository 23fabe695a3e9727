package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/storage"
	natsgo "github.com/nats-io/nats.go"

	"github.com/kirillkom/docflow/internal/config"
	"github.com/kirillkom/docflow/internal/core/ports"
	"github.com/kirillkom/docflow/internal/infrastructure/audit"
	"github.com/kirillkom/docflow/internal/infrastructure/classifier/rules"
	"github.com/kirillkom/docflow/internal/infrastructure/events"
	"github.com/kirillkom/docflow/internal/infrastructure/llm/ollama"
	queueinmem "github.com/kirillkom/docflow/internal/infrastructure/queue/inmem"
	"github.com/kirillkom/docflow/internal/infrastructure/queue/nats"
	"github.com/kirillkom/docflow/internal/infrastructure/repository/memory"
	"github.com/kirillkom/docflow/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/docflow/internal/infrastructure/resilience"
	"github.com/kirillkom/docflow/internal/infrastructure/storage/gcs"
	"github.com/kirillkom/docflow/internal/infrastructure/storage/localfs"
	vectorinmem "github.com/kirillkom/docflow/internal/infrastructure/vector/inmem"
	"github.com/kirillkom/docflow/internal/infrastructure/vector/qdrant"
)

type metadata struct {
	docs   ports.DocumentStore
	stages ports.ProcessingStore
	audit  ports.AuditLog
}

// closers run in reverse registration order.
type closers []func(context.Context)

func (c *closers) add(fn func(context.Context)) {
	*c = append(*c, fn)
}

func (c closers) run(ctx context.Context) {
	for i := len(c) - 1; i >= 0; i-- {
		c[i](ctx)
	}
}

func buildMetadata(ctx context.Context, cfg config.Config, logger *slog.Logger, cleanup *closers) (metadata, error) {
	switch backend(cfg.MetadataBackend) {
	case "memory":
		store := memory.NewStore()
		return metadata{docs: store, stages: store, audit: memory.NewAuditLog()}, nil
	case "postgres":
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return metadata{}, fmt.Errorf("open postgres: %w", err)
		}
		cleanup.add(func(context.Context) { _ = db.Close() })
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			return metadata{}, fmt.Errorf("ensure schema: %w", err)
		}
		auditLog := buildPostgresAudit(db, cfg.AuditBufferSize, logger, cleanup)
		return metadata{
			docs:   postgres.NewDocumentRepository(db),
			stages: postgres.NewProcessingRepository(db),
			audit:  auditLog,
		}, nil
	default:
		return metadata{}, fmt.Errorf("unknown METADATA_BACKEND %q", cfg.MetadataBackend)
	}
}

func buildPostgresAudit(db *sql.DB, bufferSize int, logger *slog.Logger, cleanup *closers) ports.AuditLog {
	asyncLog := audit.NewAsyncLog(postgres.NewAuditRepository(db), bufferSize, logger)
	cleanup.add(func(ctx context.Context) {
		if err := asyncLog.Close(ctx); err != nil {
			logger.Warn("audit_flush_incomplete", slog.Any("error", err))
		}
	})
	return asyncLog
}

func buildBlobStore(ctx context.Context, cfg config.Config, logger *slog.Logger, cleanup *closers) (ports.BlobStore, error) {
	switch backend(cfg.BlobBackend) {
	case "localfs":
		blobs, err := localfs.New(cfg.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("init blob storage: %w", err)
		}
		return blobs, nil
	case "gcs":
		if strings.TrimSpace(cfg.GCSBucket) == "" {
			return nil, fmt.Errorf("GCS_BUCKET is required for BLOB_BACKEND=gcs")
		}
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		cleanup.add(func(context.Context) { _ = client.Close() })
		return gcs.New(client, cfg.GCSBucket, cfg.GCSPrefix, logger), nil
	default:
		return nil, fmt.Errorf("unknown BLOB_BACKEND %q", cfg.BlobBackend)
	}
}

// natsConn dials lazily so the queue and event publisher share one connection.
type natsConn struct {
	cfg    config.Config
	opts   nats.Options
	conn   *natsgo.Conn
	closer *closers
}

func (n *natsConn) get() (*natsgo.Conn, error) {
	if n.conn != nil {
		return n.conn, nil
	}
	conn, err := nats.Connect(n.cfg.NATSURL, "docflow", n.opts)
	if err != nil {
		return nil, err
	}
	n.conn = conn
	n.closer.add(func(context.Context) {
		if err := conn.Drain(); err != nil {
			conn.Close()
		}
	})
	return conn, nil
}

func buildQueue(cfg config.Config, nc *natsConn, logger *slog.Logger) (ports.WorkQueue, error) {
	switch backend(cfg.QueueBackend) {
	case "memory":
		return queueinmem.New(cfg.SweepBatch*4, logger), nil
	case "nats":
		conn, err := nc.get()
		if err != nil {
			return nil, fmt.Errorf("init work queue: %w", err)
		}
		return nats.NewQueue(conn, cfg.NATSWorkSubject, nc.opts), nil
	default:
		return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}
}

// buildEvents accepts a comma-separated EVENTS_BACKEND. Every listed sink
// receives every event.
func buildEvents(ctx context.Context, cfg config.Config, nc *natsConn, executor *resilience.Executor, logger *slog.Logger, cleanup *closers) (ports.EventPublisher, error) {
	var fanout events.Fanout
	for _, name := range strings.Split(cfg.EventsBackend, ",") {
		switch backend(name) {
		case "", "none":
		case "log":
			fanout = append(fanout, events.NewLogPublisher(logger))
		case "nats":
			conn, err := nc.get()
			if err != nil {
				return nil, fmt.Errorf("init nats events: %w", err)
			}
			fanout = append(fanout, nats.NewEventPublisher(conn, cfg.NATSEventsSubjectPrefix, executor))
		case "redis":
			rdb, err := events.DialRedis(ctx, cfg.RedisAddr)
			if err != nil {
				return nil, fmt.Errorf("init redis events: %w", err)
			}
			cleanup.add(func(context.Context) { _ = rdb.Close() })
			fanout = append(fanout, events.NewRedisPublisher(rdb, cfg.RedisChannel, executor))
		default:
			return nil, fmt.Errorf("unknown EVENTS_BACKEND %q", name)
		}
	}
	if len(fanout) == 0 {
		fanout = append(fanout, events.NewLogPublisher(logger))
	}
	if len(fanout) == 1 {
		return fanout[0], nil
	}
	return fanout, nil
}

func buildClassifier(cfg config.Config, executor *resilience.Executor) (ports.Classifier, error) {
	switch backend(cfg.ClassifierBackend) {
	case "rules":
		set := rules.DefaultRules
		if strings.TrimSpace(cfg.RulesFile) != "" {
			loaded, err := rules.LoadFile(cfg.RulesFile)
			if err != nil {
				return nil, fmt.Errorf("load classifier rules: %w", err)
			}
			set = loaded
		}
		return rules.New(set), nil
	case "ollama":
		client := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, executor)
		return ollama.NewClassifier(client, cfg.ClassifierDocTypes), nil
	default:
		return nil, fmt.Errorf("unknown CLASSIFIER_BACKEND %q", cfg.ClassifierBackend)
	}
}

func buildIndex(cfg config.Config, executor *resilience.Executor) (ports.SearchIndexer, error) {
	switch backend(cfg.IndexBackend) {
	case "memory":
		return vectorinmem.New(), nil
	case "qdrant":
		return qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, executor), nil
	default:
		return nil, fmt.Errorf("unknown INDEX_BACKEND %q", cfg.IndexBackend)
	}
}

func backend(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
