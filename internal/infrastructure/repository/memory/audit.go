package memory

import (
	"context"
	"sync"

	"github.com/kirillkom/docflow/internal/core/domain"
)

// AuditLog keeps entries in insertion order. Entries are copied in and out
// and never modified.
type AuditLog struct {
	mu      sync.RWMutex
	nextID  int64
	entries []domain.AuditEntry
}

func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

func (a *AuditLog) Append(_ context.Context, entry domain.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	entry.ID = a.nextID
	a.entries = append(a.entries, entry)
	return nil
}

// List returns the newest matching entries first.
func (a *AuditLog) List(_ context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]domain.AuditEntry, 0)
	for i := len(a.entries) - 1; i >= 0; i-- {
		e := a.entries[i]
		if filter.DocumentID != "" && e.DocumentID != filter.DocumentID {
			continue
		}
		if filter.VersionID != "" && e.VersionID != filter.VersionID {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
