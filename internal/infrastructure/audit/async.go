package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

const writeTimeout = 5 * time.Second

// AsyncLog queues appends for a single writer goroutine so that audit inserts
// stay off the stage hot path. When the buffer is full the entry is written
// synchronously. Reads go straight to the backing log.
type AsyncLog struct {
	next   ports.AuditLog
	logger *slog.Logger
	ch     chan domain.AuditEntry
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAsyncLog(next ports.AuditLog, bufferSize int, logger *slog.Logger) *AsyncLog {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &AsyncLog{
		next:   next,
		logger: logger,
		ch:     make(chan domain.AuditEntry, bufferSize),
		done:   make(chan struct{}),
	}
	go a.flushLoop()
	return a
}

func (a *AsyncLog) Append(ctx context.Context, entry domain.AuditEntry) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return a.next.Append(ctx, entry)
	}
	select {
	case a.ch <- entry:
		return nil
	default:
		a.logger.Warn("audit_buffer_full", slog.String("action", entry.Action))
		return a.next.Append(ctx, entry)
	}
}

func (a *AsyncLog) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	return a.next.List(ctx, filter)
}

// Close stops accepting queued entries and waits until the buffer is drained
// or ctx ends.
func (a *AsyncLog) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AsyncLog) flushLoop() {
	defer close(a.done)
	for entry := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := a.next.Append(ctx, entry); err != nil {
			a.logger.Error("audit_append_failed",
				slog.String("action", entry.Action),
				slog.String("entity_id", entry.EntityID),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}
