package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
)

// Store is an in-process metadata store for single-binary deployments and
// tests. Sequence assignment and pointer moves are serialized per document;
// map access is guarded by mu.
type Store struct {
	mu              sync.RWMutex
	docLocks        sync.Map
	documents       map[string]domain.LogicalDocument
	versions        map[string]domain.Version
	versionsByDoc   map[string][]string
	stages          map[domain.StageKey]domain.ProcessingState
	extractions     map[string]domain.Extraction
	classifications map[string]domain.Classification
}

func NewStore() *Store {
	return &Store{
		documents:       make(map[string]domain.LogicalDocument),
		versions:        make(map[string]domain.Version),
		versionsByDoc:   make(map[string][]string),
		stages:          make(map[domain.StageKey]domain.ProcessingState),
		extractions:     make(map[string]domain.Extraction),
		classifications: make(map[string]domain.Classification),
	}
}

func (s *Store) lockDocument(id string) func() {
	l, _ := s.docLocks.LoadOrStore(id, &sync.Mutex{})
	m := l.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (s *Store) CreateDocument(ctx context.Context, doc *domain.LogicalDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.lockDocument(doc.ID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[doc.ID]; ok {
		return domain.WrapError(domain.ErrDocumentExists, "create document", fmt.Errorf("id=%s", doc.ID))
	}
	s.documents[doc.ID] = *doc
	return nil
}

func (s *Store) GetDocument(_ context.Context, id string) (*domain.LogicalDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
	}
	return &doc, nil
}

func (s *Store) InsertNextVersion(ctx context.Context, v *domain.Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.lockDocument(v.DocumentID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[v.DocumentID]; !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "insert version", fmt.Errorf("id=%s", v.DocumentID))
	}
	if _, ok := s.versions[v.ID]; ok {
		return domain.WrapError(domain.ErrSequenceConflict, "insert version", fmt.Errorf("version id %s taken", v.ID))
	}

	chain := s.versionsByDoc[v.DocumentID]
	v.SequenceNumber = int64(len(chain)) + 1
	v.PredecessorID = ""
	if len(chain) > 0 {
		v.PredecessorID = chain[len(chain)-1]
	}
	v.Status = domain.VersionPending
	s.versions[v.ID] = *v
	s.versionsByDoc[v.DocumentID] = append(chain, v.ID)
	for _, stage := range domain.PipelineStages {
		st := domain.NewProcessingState(v.ID, stage, v.CreatedAt)
		s.stages[st.Key()] = st
	}
	return nil
}

func (s *Store) GetVersion(_ context.Context, id string) (*domain.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrVersionNotFound, "get version", fmt.Errorf("id=%s", id))
	}
	return &v, nil
}

func (s *Store) ListVersions(_ context.Context, documentID string) ([]domain.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.versionsByDoc[documentID]
	out := make([]domain.Version, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.versions[id])
	}
	return out, nil
}

func (s *Store) PromoteVersion(ctx context.Context, versionID string, now time.Time) (domain.Promotion, error) {
	v, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return domain.Promotion{}, err
	}
	unlock := s.lockDocument(v.DocumentID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.versions[versionID]
	doc := s.documents[cur.DocumentID]
	p := domain.Promotion{DocumentID: doc.ID, VersionID: cur.ID, PreviousID: doc.CurrentVersionID}

	switch cur.Status {
	case domain.VersionReady:
		p.Promoted = doc.CurrentVersionID == cur.ID
		return p, nil
	case domain.VersionPending:
	default:
		return domain.Promotion{}, domain.WrapError(domain.ErrVersionTerminal, "promote version", fmt.Errorf("%s is %s", cur.ID, cur.Status))
	}

	cur.Status = domain.VersionReady
	cur.UpdatedAt = now
	s.versions[cur.ID] = cur
	p.Finalized = true

	if doc.CurrentVersionID == "" || s.versions[doc.CurrentVersionID].SequenceNumber < cur.SequenceNumber {
		doc.CurrentVersionID = cur.ID
		doc.UpdatedAt = now
		s.documents[doc.ID] = doc
		p.Promoted = true
	}
	return p, nil
}

func (s *Store) MarkVersionFailed(ctx context.Context, versionID, reason string, now time.Time) (bool, error) {
	return s.transitionPending(ctx, versionID, domain.VersionFailed, reason, now)
}

func (s *Store) CancelVersion(ctx context.Context, versionID string, now time.Time) (*domain.Version, error) {
	changed, err := s.transitionPending(ctx, versionID, domain.VersionCancelled, "", now)
	if err != nil {
		return nil, err
	}
	v, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if !changed && v.Status != domain.VersionCancelled {
		return nil, domain.WrapError(domain.ErrVersionTerminal, "cancel version", fmt.Errorf("%s is %s", v.ID, v.Status))
	}
	return v, nil
}

func (s *Store) transitionPending(ctx context.Context, versionID string, to domain.VersionStatus, reason string, now time.Time) (bool, error) {
	v, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return false, err
	}
	unlock := s.lockDocument(v.DocumentID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.versions[versionID]
	if cur.Status != domain.VersionPending {
		return false, nil
	}
	cur.Status = to
	cur.FailureReason = reason
	cur.UpdatedAt = now
	s.versions[versionID] = cur
	return true, nil
}

func (s *Store) DeleteVersion(ctx context.Context, versionID string, now time.Time) (domain.Deletion, error) {
	v, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return domain.Deletion{}, err
	}
	unlock := s.lockDocument(v.DocumentID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.versions[versionID]
	doc := s.documents[cur.DocumentID]
	d := domain.Deletion{DocumentID: doc.ID, VersionID: cur.ID, NewCurrentID: doc.CurrentVersionID}
	if cur.Status == domain.VersionDeleted {
		return d, nil
	}

	cur.Status = domain.VersionDeleted
	cur.UpdatedAt = now
	s.versions[cur.ID] = cur

	if doc.CurrentVersionID == cur.ID {
		d.WasCurrent = true
		d.NewCurrentID = ""
		var best *domain.Version
		for _, id := range s.versionsByDoc[doc.ID] {
			cand := s.versions[id]
			if cand.Status == domain.VersionReady && (best == nil || cand.SequenceNumber > best.SequenceNumber) {
				c := cand
				best = &c
			}
		}
		if best != nil {
			d.NewCurrentID = best.ID
		}
		doc.CurrentVersionID = d.NewCurrentID
		doc.UpdatedAt = now
		s.documents[doc.ID] = doc
	}
	return d, nil
}

func (s *Store) ListStages(_ context.Context, versionID string) ([]domain.ProcessingState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.versions[versionID]; !ok {
		return nil, domain.WrapError(domain.ErrVersionNotFound, "list stages", fmt.Errorf("id=%s", versionID))
	}
	out := make([]domain.ProcessingState, 0, len(domain.PipelineStages))
	for _, stage := range domain.PipelineStages {
		if st, ok := s.stages[domain.StageKey{VersionID: versionID, Stage: stage}]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

// mutateStage applies fn to one state row under the store lock.
func (s *Store) mutateStage(key domain.StageKey, fn func(domain.ProcessingState) (domain.ProcessingState, error)) (domain.ProcessingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stages[key]
	if !ok {
		return domain.ProcessingState{}, domain.WrapError(domain.ErrVersionNotFound, "load stage", fmt.Errorf("%s", key))
	}
	next, err := fn(st)
	if err != nil {
		return st, err
	}
	s.stages[key] = next
	return next, nil
}

func (s *Store) AcquireLease(_ context.Context, key domain.StageKey, owner string, policy domain.RetryPolicy, now, until time.Time) (domain.ProcessingState, bool, error) {
	var reclaimed bool
	st, err := s.mutateStage(key, func(cur domain.ProcessingState) (domain.ProcessingState, error) {
		next, r, err := cur.Start(owner, policy, now, until)
		reclaimed = r
		return next, err
	})
	return st, reclaimed, err
}

func (s *Store) RenewLease(_ context.Context, key domain.StageKey, owner string, now, until time.Time) (domain.ProcessingState, error) {
	return s.mutateStage(key, func(cur domain.ProcessingState) (domain.ProcessingState, error) {
		return cur.Renew(owner, now, until)
	})
}

func (s *Store) CompleteStage(_ context.Context, key domain.StageKey, owner string, now time.Time) (domain.ProcessingState, error) {
	return s.mutateStage(key, func(cur domain.ProcessingState) (domain.ProcessingState, error) {
		return cur.Succeed(owner, now)
	})
}

func (s *Store) FailStage(_ context.Context, key domain.StageKey, owner string, cause error, policy domain.RetryPolicy, now time.Time) (domain.ProcessingState, error) {
	return s.mutateStage(key, func(cur domain.ProcessingState) (domain.ProcessingState, error) {
		return cur.Fail(owner, cause, policy, now)
	})
}

func (s *Store) AbandonStages(_ context.Context, versionID, owner, reason string, now time.Time) ([]domain.ProcessingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ProcessingState
	for _, stage := range domain.PipelineStages {
		key := domain.StageKey{VersionID: versionID, Stage: stage}
		st, ok := s.stages[key]
		if !ok {
			continue
		}
		next, err := st.Abandon(owner, reason, now)
		if err != nil {
			if domain.IsKind(err, domain.ErrStageNotRunnable) || domain.IsKind(err, domain.ErrLeaseHeld) {
				continue
			}
			return out, err
		}
		s.stages[key] = next
		out = append(out, next)
	}
	return out, nil
}

func (s *Store) ListDue(_ context.Context, now time.Time, limit int) ([]domain.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]domain.ProcessingState, 0)
	for _, st := range s.stages {
		v, ok := s.versions[st.VersionID]
		if !ok {
			continue
		}
		if s.dueLocked(v, st, now) {
			candidates = append(candidates, st)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].UpdatedAt.Equal(candidates[j].UpdatedAt) {
			return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
		}
		return candidates[i].Key().String() < candidates[j].Key().String()
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]domain.WorkItem, 0, len(candidates))
	for _, st := range candidates {
		out = append(out, st.Key())
	}
	return out, nil
}

func (s *Store) dueLocked(v domain.Version, st domain.ProcessingState, now time.Time) bool {
	pending := v.Status == domain.VersionPending
	switch st.Status {
	case domain.StagePending:
		if !pending {
			return true
		}
		prev, ok := st.Stage.Previous()
		if !ok {
			return true
		}
		return s.stages[domain.StageKey{VersionID: st.VersionID, Stage: prev}].Status == domain.StageSucceeded
	case domain.StageFailedRetryable, domain.StageRunning:
		return st.Due(now)
	case domain.StageSucceeded:
		return pending && st.Stage.Final()
	case domain.StageFailedTerminal:
		return pending
	}
	return false
}

func (s *Store) SaveExtraction(_ context.Context, ex domain.Extraction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extractions[ex.VersionID] = ex
	return nil
}

func (s *Store) GetExtraction(_ context.Context, versionID string) (*domain.Extraction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.extractions[versionID]
	if !ok {
		return nil, domain.WrapError(domain.ErrOutputNotFound, "get extraction", fmt.Errorf("version=%s", versionID))
	}
	return &ex, nil
}

func (s *Store) SaveClassification(_ context.Context, cls domain.Classification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cls.Tags = append([]string(nil), cls.Tags...)
	s.classifications[cls.VersionID] = cls
	return nil
}

func (s *Store) GetClassification(_ context.Context, versionID string) (*domain.Classification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cls, ok := s.classifications[versionID]
	if !ok {
		return nil, domain.WrapError(domain.ErrOutputNotFound, "get classification", fmt.Errorf("version=%s", versionID))
	}
	return &cls, nil
}
