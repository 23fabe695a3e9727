package usecase

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/infrastructure/repository/memory"
	"github.com/kirillkom/docflow/internal/infrastructure/vector/inmem"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type blobFake struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	putErr error
}

func newBlobFake() *blobFake {
	return &blobFake{blobs: make(map[string][]byte)}
}

func (f *blobFake) Put(_ context.Context, body io.Reader) (string, int64, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", 0, err
	}
	if f.putErr != nil {
		return "", 0, f.putErr
	}
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])
	f.mu.Lock()
	f.blobs[hash] = raw
	f.mu.Unlock()
	return hash, int64(len(raw)), nil
}

func (f *blobFake) Get(_ context.Context, hash string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.blobs[hash]
	if !ok {
		return nil, domain.WrapError(domain.ErrBlobNotFound, "get blob", fs.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (f *blobFake) Exists(_ context.Context, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blobs[hash]
	return ok, nil
}

type queueFake struct {
	mu    sync.Mutex
	items []domain.WorkItem
	err   error
}

func (q *queueFake) Enqueue(_ context.Context, item domain.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, item)
	return nil
}

func (q *queueFake) Subscribe(context.Context, func(context.Context, domain.WorkItem) error) error {
	return errors.New("not implemented")
}

func (q *queueFake) pop() (domain.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return domain.WorkItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *queueFake) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

type extractorFake struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, call int) (domain.Extraction, error)
}

func (f *extractorFake) Extract(ctx context.Context, _ string, _ string) (domain.Extraction, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if f.fn == nil {
		return domain.Extraction{Text: "quarterly invoice total due", Confidence: 0.95}, nil
	}
	return f.fn(ctx, call)
}

func (f *extractorFake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type classifierFake struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, text string) (domain.Classification, error)
}

func (f *classifierFake) Classify(ctx context.Context, text string) (domain.Classification, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn == nil {
		return domain.Classification{DocType: "invoice", Tags: []string{"finance"}, Confidence: 0.8}, nil
	}
	return f.fn(ctx, text)
}

func (f *classifierFake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type eventsFake struct {
	mu     sync.Mutex
	events []domain.VersionEvent
}

func (f *eventsFake) PublishVersionEvent(_ context.Context, e domain.VersionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *eventsFake) count(eventType, versionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Type == eventType && e.VersionID == versionID {
			n++
		}
	}
	return n
}

type pipelineHarness struct {
	clock      *fakeClock
	store      *memory.Store
	audit      *memory.AuditLog
	index      *inmem.Index
	blobs      *blobFake
	queue      *queueFake
	extractor  *extractorFake
	classifier *classifierFake
	events     *eventsFake
	versions   *VersionManager
	orch       *Orchestrator
	ingest     *IngestDocumentUseCase
}

type harnessOption func(*OrchestratorOptions)

func newPipelineHarness(t *testing.T, opts ...harnessOption) *pipelineHarness {
	t.Helper()
	h := &pipelineHarness{
		clock:      newFakeClock(),
		store:      memory.NewStore(),
		audit:      memory.NewAuditLog(),
		index:      inmem.New(),
		blobs:      newBlobFake(),
		queue:      &queueFake{},
		extractor:  &extractorFake{},
		classifier: &classifierFake{},
		events:     &eventsFake{},
	}
	h.versions = NewVersionManager(h.store, h.index, h.audit, VersionManagerOptions{Now: h.clock.Now})

	orchOpts := OrchestratorOptions{
		WorkerID:               "worker-a",
		LeaseTTL:               time.Minute,
		StageTimeout:           5 * time.Second,
		Retry:                  domain.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2},
		LowConfidenceThreshold: 0.5,
		Now:                    h.clock.Now,
	}
	for _, opt := range opts {
		opt(&orchOpts)
	}
	h.orch = NewOrchestrator(h.store, h.store, h.versions, h.extractor, h.classifier, h.index, h.queue, h.events, h.audit, orchOpts)
	h.versions.AddListener(h.orch)
	h.ingest = NewIngestDocumentUseCase(h.blobs, h.store, h.versions, 1024)
	return h
}

// drain handles queued items until the queue is empty.
func (h *pipelineHarness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		item, ok := h.queue.pop()
		if !ok {
			return
		}
		if err := h.orch.Handle(context.Background(), item); err != nil {
			t.Fatalf("Handle(%s) error = %v", item, err)
		}
	}
	t.Fatalf("queue did not drain")
}

// runStages handles every stage of one version in order, ignoring the queue.
func (h *pipelineHarness) runStages(t *testing.T, versionID string) {
	t.Helper()
	for _, stage := range domain.PipelineStages {
		if err := h.orch.Handle(context.Background(), domain.WorkItem{VersionID: versionID, Stage: stage}); err != nil {
			t.Fatalf("Handle(%s/%s) error = %v", versionID, stage, err)
		}
	}
}

func (h *pipelineHarness) newDocument(t *testing.T, id string) {
	t.Helper()
	if _, _, err := h.versions.CreateDocument(context.Background(), id, "owner-1"); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
}

func (h *pipelineHarness) newVersion(t *testing.T, documentID, content string) *domain.Version {
	t.Helper()
	v, err := h.versions.CreateVersion(context.Background(), documentID, "hash-"+content, domain.VersionMeta{Filename: content + ".txt", MimeType: "text/plain"})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	return v
}

func (h *pipelineHarness) version(t *testing.T, id string) *domain.Version {
	t.Helper()
	v, err := h.store.GetVersion(context.Background(), id)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	return v
}

func (h *pipelineHarness) stage(t *testing.T, versionID string, stage domain.Stage) domain.ProcessingState {
	t.Helper()
	states, err := h.store.ListStages(context.Background(), versionID)
	if err != nil {
		t.Fatalf("ListStages() error = %v", err)
	}
	st, ok := findStage(states, stage)
	if !ok {
		t.Fatalf("missing stage %s", stage)
	}
	return st
}

func (h *pipelineHarness) current(t *testing.T, documentID string) string {
	t.Helper()
	doc, err := h.store.GetDocument(context.Background(), documentID)
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	return doc.CurrentVersionID
}
