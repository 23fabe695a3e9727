package inmem

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/docflow/internal/core/domain"
)

// Queue is a buffered in-process work queue for single-binary runs and tests.
// Enqueue never blocks: when the buffer is full the item is dropped and the
// sweeper recovers it from the store.
type Queue struct {
	items  chan domain.WorkItem
	logger *slog.Logger
}

func New(buffer int, logger *slog.Logger) *Queue {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		items:  make(chan domain.WorkItem, buffer),
		logger: logger.With(slog.String("component", "inmem_queue")),
	}
}

func (q *Queue) Enqueue(ctx context.Context, item domain.WorkItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.items <- item:
	default:
		q.logger.Warn("work_item_dropped", slog.String("item", item.String()), slog.String("reason", "buffer full"))
	}
	return nil
}

// Subscribe handles items until ctx is done. Several subscribers may share
// one queue; each item goes to exactly one of them.
func (q *Queue) Subscribe(ctx context.Context, handler func(context.Context, domain.WorkItem) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-q.items:
			if err := handler(ctx, item); err != nil {
				q.logger.Error("work_item_failed",
					slog.String("version_id", item.VersionID),
					slog.String("stage", string(item.Stage)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Drain hands every buffered item to handler and returns how many it saw.
// Tests use it to run the pipeline deterministically.
func (q *Queue) Drain(ctx context.Context, handler func(context.Context, domain.WorkItem) error) (int, error) {
	n := 0
	for {
		select {
		case item := <-q.items:
			n++
			if err := handler(ctx, item); err != nil {
				return n, fmt.Errorf("handle %s: %w", item, err)
			}
		default:
			return n, nil
		}
	}
}

func (q *Queue) Len() int {
	return len(q.items)
}
