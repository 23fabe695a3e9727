package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

const defaultSequenceConflictRetries = 8

type VersionManagerOptions struct {
	FirstVersionPolicy      domain.FirstVersionPolicy
	SequenceConflictRetries int
	Logger                  *slog.Logger
	Now                     func() time.Time
}

// VersionManager owns version creation and the current-version pointer.
type VersionManager struct {
	docs      ports.DocumentStore
	indexer   ports.SearchIndexer
	audit     auditTrail
	listeners []ports.VersionListener
	policy    domain.FirstVersionPolicy
	retries   int
	logger    *slog.Logger
	now       func() time.Time
}

func NewVersionManager(
	docs ports.DocumentStore,
	indexer ports.SearchIndexer,
	auditLog ports.AuditLog,
	opts VersionManagerOptions,
) *VersionManager {
	logger := loggerOrDefault(opts.Logger).With(slog.String("component", "version_manager"))
	retries := opts.SequenceConflictRetries
	if retries <= 0 {
		retries = defaultSequenceConflictRetries
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	policy := opts.FirstVersionPolicy
	if policy == "" {
		policy = domain.FirstVersionMerge
	}
	return &VersionManager{
		docs:    docs,
		indexer: indexer,
		audit:   auditTrail{log: auditLog, logger: logger, actor: "version_manager"},
		policy:  policy,
		retries: retries,
		logger:  logger,
		now:     now,
	}
}

// AddListener registers a VersionCreated subscriber.
func (m *VersionManager) AddListener(l ports.VersionListener) {
	m.listeners = append(m.listeners, l)
}

// CreateDocument creates the logical document with the given id, or a fresh
// one when id is empty. created is false when the id already existed and the
// first-version policy allows appending to it.
func (m *VersionManager) CreateDocument(ctx context.Context, id, ownerRef string) (*domain.LogicalDocument, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = newID()
	}
	now := m.now()
	doc := &domain.LogicalDocument{
		ID:        id,
		OwnerRef:  ownerRef,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := m.docs.CreateDocument(ctx, doc)
	switch {
	case err == nil:
		m.audit.record(ctx, domain.AuditEntry{
			OccurredAt: now,
			EntityType: domain.EntityDocument,
			EntityID:   doc.ID,
			DocumentID: doc.ID,
			Action:     domain.ActionDocumentCreated,
			Detail:     ownerRef,
		})
		return doc, true, nil
	case domain.IsKind(err, domain.ErrDocumentExists) && m.policy == domain.FirstVersionMerge:
		existing, getErr := m.docs.GetDocument(ctx, id)
		if getErr != nil {
			return nil, false, fmt.Errorf("load existing document: %w", getErr)
		}
		return existing, false, nil
	default:
		return nil, false, fmt.Errorf("create document: %w", err)
	}
}

// CreateVersion appends a PENDING version to the document's chain. Sequence
// conflicts are retried here and never reach the caller.
func (m *VersionManager) CreateVersion(ctx context.Context, documentID, blobHash string, meta domain.VersionMeta) (*domain.Version, error) {
	if strings.TrimSpace(documentID) == "" || strings.TrimSpace(blobHash) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "create version", errors.New("document id and blob hash are required"))
	}

	var (
		v   *domain.Version
		err error
	)
	for attempt := 1; attempt <= m.retries; attempt++ {
		now := m.now()
		v = &domain.Version{
			ID:         newID(),
			DocumentID: documentID,
			BlobHash:   blobHash,
			Status:     domain.VersionPending,
			Filename:   meta.Filename,
			MimeType:   meta.MimeType,
			SizeBytes:  meta.SizeBytes,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		err = m.docs.InsertNextVersion(ctx, v)
		if err == nil {
			break
		}
		if !domain.IsKind(err, domain.ErrSequenceConflict) {
			return nil, fmt.Errorf("insert version: %w", err)
		}
		m.logger.Debug("sequence_conflict_retry",
			slog.String("document_id", documentID),
			slog.Int("attempt", attempt),
		)
		if waitErr := sleepContext(ctx, time.Duration(attempt)*5*time.Millisecond); waitErr != nil {
			return nil, waitErr
		}
	}
	if err != nil {
		return nil, fmt.Errorf("insert version after %d attempts: %w", m.retries, err)
	}

	m.audit.version(ctx, v, domain.ActionVersionCreated, "", domain.VersionPending,
		fmt.Sprintf("seq=%d blob=%s", v.SequenceNumber, v.BlobHash), v.CreatedAt)
	m.logger.Info("version_created",
		slog.String("document_id", v.DocumentID),
		slog.String("version_id", v.ID),
		slog.Int64("sequence_number", v.SequenceNumber),
	)

	for _, l := range m.listeners {
		if lErr := l.OnVersionCreated(ctx, v); lErr != nil {
			m.logger.Warn("version_created_listener_failed",
				slog.String("version_id", v.ID),
				slog.String("error", lErr.Error()),
			)
		}
	}
	return v, nil
}

// PromoteToCurrent marks the version READY and moves the document pointer to
// it unless a higher-sequence version is already current.
func (m *VersionManager) PromoteToCurrent(ctx context.Context, versionID string) (domain.Promotion, error) {
	p, err := m.docs.PromoteVersion(ctx, versionID, m.now())
	if err != nil {
		return domain.Promotion{}, fmt.Errorf("promote version: %w", err)
	}
	if p.Finalized {
		now := m.now()
		v := &domain.Version{ID: p.VersionID, DocumentID: p.DocumentID}
		m.audit.version(ctx, v, domain.ActionVersionReady, domain.VersionPending, domain.VersionReady, "", now)
		if p.Promoted {
			m.audit.version(ctx, v, domain.ActionVersionPromoted, "", "", "previous="+p.PreviousID, now)
		}
	}
	return p, nil
}

// Cancel stops a version that has not reached READY. Workers discard any
// result they produce afterwards.
func (m *VersionManager) Cancel(ctx context.Context, versionID string) (*domain.Version, error) {
	v, err := m.docs.CancelVersion(ctx, versionID, m.now())
	if err != nil {
		return nil, fmt.Errorf("cancel version: %w", err)
	}
	m.audit.version(ctx, v, domain.ActionVersionCancelled, domain.VersionPending, domain.VersionCancelled, "", v.UpdatedAt)
	m.logger.Info("version_cancelled", slog.String("version_id", v.ID))
	return v, nil
}

// ForceDelete marks the version DELETED, repoints the current pointer off it
// and then retracts its index entry. It is safe to call again after a failed
// retraction.
func (m *VersionManager) ForceDelete(ctx context.Context, versionID string) (domain.Deletion, error) {
	d, err := m.docs.DeleteVersion(ctx, versionID, m.now())
	if err != nil {
		return domain.Deletion{}, fmt.Errorf("delete version: %w", err)
	}
	now := m.now()
	v := &domain.Version{ID: d.VersionID, DocumentID: d.DocumentID}
	detail := ""
	if d.WasCurrent {
		detail = "current_repointed_to=" + d.NewCurrentID
	}
	m.audit.version(ctx, v, domain.ActionVersionDeleted, "", domain.VersionDeleted, detail, now)

	if err := m.indexer.Retract(ctx, versionID); err != nil {
		return d, fmt.Errorf("retract index entry: %w", err)
	}
	m.audit.version(ctx, v, domain.ActionIndexRetracted, "", "", "force_delete", m.now())
	m.logger.Info("version_deleted",
		slog.String("version_id", versionID),
		slog.Bool("was_current", d.WasCurrent),
		slog.String("new_current_id", d.NewCurrentID),
	)
	return d, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
