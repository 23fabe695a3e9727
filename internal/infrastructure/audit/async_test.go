package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/infrastructure/repository/memory"
)

func TestAsyncLogDrainsOnClose(t *testing.T) {
	backing := memory.NewAuditLog()
	a := NewAsyncLog(backing, 16, nil)

	for i := 0; i < 10; i++ {
		if err := a.Append(context.Background(), domain.AuditEntry{EntityID: "v1", VersionID: "v1", Action: domain.ActionStageStarted}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	entries, err := a.List(context.Background(), domain.AuditFilter{VersionID: "v1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("entries = %d, want 10", len(entries))
	}

	if err := a.Append(context.Background(), domain.AuditEntry{VersionID: "v1", Action: domain.ActionVersionReady}); err != nil {
		t.Fatalf("Append() after Close error = %v", err)
	}
	entries, _ = a.List(context.Background(), domain.AuditFilter{VersionID: "v1"})
	if len(entries) != 11 {
		t.Fatalf("append after close must write through, got %d entries", len(entries))
	}
}

type blockingLog struct {
	*memory.AuditLog
	release chan struct{}
	mu      sync.Mutex
	writes  int
}

func (b *blockingLog) Append(ctx context.Context, e domain.AuditEntry) error {
	if e.Detail == "block" {
		<-b.release
	} else {
		b.mu.Lock()
		b.writes++
		b.mu.Unlock()
	}
	return b.AuditLog.Append(ctx, e)
}

func TestAsyncLogFallsBackToSyncWhenFull(t *testing.T) {
	backing := &blockingLog{AuditLog: memory.NewAuditLog(), release: make(chan struct{})}
	a := NewAsyncLog(backing, 1, nil)

	// The writer blocks on the first entry, so any other write that lands
	// before release went through the synchronous path.
	_ = a.Append(context.Background(), domain.AuditEntry{Detail: "block"})

	deadline := time.Now().Add(time.Second)
	for {
		_ = a.Append(context.Background(), domain.AuditEntry{Detail: "overflow"})
		backing.mu.Lock()
		n := backing.writes
		backing.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("overflow entry was never written synchronously")
		}
	}
	close(backing.release)
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

type failingLog struct{ memory.AuditLog }

func (f *failingLog) Append(context.Context, domain.AuditEntry) error {
	return errors.New("db down")
}

func TestAsyncLogSwallowsWriterErrors(t *testing.T) {
	a := NewAsyncLog(&failingLog{}, 4, nil)
	if err := a.Append(context.Background(), domain.AuditEntry{Action: domain.ActionVersionCreated}); err != nil {
		t.Fatalf("queued Append() must not fail, got %v", err)
	}
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
