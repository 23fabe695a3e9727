package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/kirillkom/docflow/internal/core/domain"
)

// Index is an in-process SearchIndexer keyed by version id.
type Index struct {
	mu      sync.RWMutex
	entries map[string]domain.IndexEntry
	upserts map[string]int
}

func New() *Index {
	return &Index{
		entries: make(map[string]domain.IndexEntry),
		upserts: make(map[string]int),
	}
}

func (i *Index) Upsert(ctx context.Context, entry domain.IndexEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[entry.VersionID] = entry
	i.upserts[entry.VersionID]++
	return nil
}

func (i *Index) Retract(_ context.Context, versionID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.entries, versionID)
	return nil
}

func (i *Index) Exists(_ context.Context, versionID string) (bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.entries[versionID]
	return ok, nil
}

func (i *Index) Get(versionID string) (domain.IndexEntry, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	e, ok := i.entries[versionID]
	return e, ok
}

// UpsertCount reports how many upserts a version received.
func (i *Index) UpsertCount(versionID string) int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.upserts[versionID]
}

// Lookup returns the version ids whose entry carries token, newest sequence
// first.
func (i *Index) Lookup(token string) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	hits := make([]domain.IndexEntry, 0)
	for _, e := range i.entries {
		for _, t := range e.Tokens {
			if t == token {
				hits = append(hits, e)
				break
			}
		}
	}
	sort.Slice(hits, func(a, b int) bool { return hits[a].SequenceNumber > hits[b].SequenceNumber })
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.VersionID)
	}
	return out
}
