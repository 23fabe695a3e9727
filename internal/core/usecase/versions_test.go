package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/infrastructure/repository/memory"
	"github.com/kirillkom/docflow/internal/infrastructure/vector/inmem"
)

func TestConcurrentCreateVersionAssignsContiguousSequence(t *testing.T) {
	h := newPipelineHarness(t)
	h.newDocument(t, "doc-1")

	const n = 20
	var wg sync.WaitGroup
	seqs := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := h.versions.CreateVersion(context.Background(), "doc-1", "hash", domain.VersionMeta{Filename: "f.txt"})
			if err != nil {
				t.Errorf("CreateVersion() error = %v", err)
				return
			}
			seqs[i] = v.SequenceNumber
		}(i)
	}
	wg.Wait()

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("sequence numbers not contiguous: %v", seqs)
		}
	}
}

func TestCreateDocumentFirstVersionPolicy(t *testing.T) {
	store := memory.NewStore()

	merge := NewVersionManager(store, inmem.New(), nil, VersionManagerOptions{})
	doc, created, err := merge.CreateDocument(context.Background(), "doc-1", "alice")
	if err != nil || !created || doc.ID != "doc-1" {
		t.Fatalf("CreateDocument() = %+v, %v, %v", doc, created, err)
	}
	again, created, err := merge.CreateDocument(context.Background(), "doc-1", "bob")
	if err != nil {
		t.Fatalf("merge CreateDocument() error = %v", err)
	}
	if created || again.OwnerRef != "alice" {
		t.Fatalf("merge must return the existing document, got %+v created=%v", again, created)
	}

	reject := NewVersionManager(store, inmem.New(), nil, VersionManagerOptions{FirstVersionPolicy: domain.FirstVersionReject})
	if _, _, err := reject.CreateDocument(context.Background(), "doc-1", "bob"); !domain.IsKind(err, domain.ErrDocumentExists) {
		t.Fatalf("reject: expected document exists, got %v", err)
	}

	fresh, created, err := reject.CreateDocument(context.Background(), "", "carol")
	if err != nil || !created || fresh.ID == "" {
		t.Fatalf("empty id must generate one, got %+v, %v, %v", fresh, created, err)
	}
}

type conflictingStore struct {
	*memory.Store
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) InsertNextVersion(ctx context.Context, v *domain.Version) error {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return domain.WrapError(domain.ErrSequenceConflict, "insert version", errors.New("duplicate sequence"))
	}
	s.mu.Unlock()
	return s.Store.InsertNextVersion(ctx, v)
}

func TestCreateVersionRetriesSequenceConflicts(t *testing.T) {
	store := &conflictingStore{Store: memory.NewStore(), conflicts: 2}
	m := NewVersionManager(store, inmem.New(), nil, VersionManagerOptions{})
	if _, _, err := m.CreateDocument(context.Background(), "doc-1", ""); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	v, err := m.CreateVersion(context.Background(), "doc-1", "hash", domain.VersionMeta{})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if v.SequenceNumber != 1 {
		t.Fatalf("sequence = %d, want 1", v.SequenceNumber)
	}

	store.conflicts = 100
	if _, err := m.CreateVersion(context.Background(), "doc-1", "hash", domain.VersionMeta{}); !domain.IsKind(err, domain.ErrSequenceConflict) {
		t.Fatalf("expected sequence conflict after retries, got %v", err)
	}
}

func TestCreateVersionValidatesInput(t *testing.T) {
	m := NewVersionManager(memory.NewStore(), inmem.New(), nil, VersionManagerOptions{})
	if _, err := m.CreateVersion(context.Background(), "", "hash", domain.VersionMeta{}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := m.CreateVersion(context.Background(), "doc-1", "hash", domain.VersionMeta{}); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected document not found, got %v", err)
	}
}

type listenerFunc func(context.Context, *domain.Version) error

func (f listenerFunc) OnVersionCreated(ctx context.Context, v *domain.Version) error { return f(ctx, v) }

func TestListenerFailureDoesNotFailCreateVersion(t *testing.T) {
	m := NewVersionManager(memory.NewStore(), inmem.New(), nil, VersionManagerOptions{})
	var got []string
	m.AddListener(listenerFunc(func(context.Context, *domain.Version) error { return errors.New("queue down") }))
	m.AddListener(listenerFunc(func(_ context.Context, v *domain.Version) error {
		got = append(got, v.ID)
		return nil
	}))
	if _, _, err := m.CreateDocument(context.Background(), "doc-1", ""); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	v, err := m.CreateVersion(context.Background(), "doc-1", "hash", domain.VersionMeta{})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if len(got) != 1 || got[0] != v.ID {
		t.Fatalf("second listener not notified: %v", got)
	}
}

func TestCancelOnlyFromPending(t *testing.T) {
	h := newPipelineHarness(t)
	h.newDocument(t, "doc-1")
	v := h.newVersion(t, "doc-1", "a")
	h.drain(t)

	if _, err := h.versions.Cancel(context.Background(), v.ID); !domain.IsKind(err, domain.ErrVersionTerminal) {
		t.Fatalf("cancel of ready version: expected version terminal, got %v", err)
	}
	if _, err := h.versions.Cancel(context.Background(), "missing"); !domain.IsKind(err, domain.ErrVersionNotFound) {
		t.Fatalf("expected version not found, got %v", err)
	}
}

func TestVersionTransitionsAreAudited(t *testing.T) {
	h := newPipelineHarness(t)
	h.newDocument(t, "doc-1")
	v := h.newVersion(t, "doc-1", "a")
	h.drain(t)

	entries, err := h.audit.List(context.Background(), domain.AuditFilter{VersionID: v.ID, Limit: 100})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	actions := make(map[string]int)
	for _, e := range entries {
		actions[e.Action]++
	}
	for _, want := range []string{
		domain.ActionVersionCreated,
		domain.ActionStageStarted,
		domain.ActionStageSucceeded,
		domain.ActionVersionReady,
		domain.ActionVersionPromoted,
	} {
		if actions[want] == 0 {
			t.Fatalf("missing audit action %s in %v", want, actions)
		}
	}
	if actions[domain.ActionStageSucceeded] != 3 {
		t.Fatalf("stage_succeeded entries = %d, want 3", actions[domain.ActionStageSucceeded])
	}
}
