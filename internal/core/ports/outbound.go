package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
)

// BlobStore keeps raw bytes addressed by their SHA-256 digest. Each call is a
// single attempt; failures surface as domain.ErrStorageUnavailable.
type BlobStore interface {
	Put(ctx context.Context, body io.Reader) (hash string, size int64, err error)
	Get(ctx context.Context, hash string) (io.ReadCloser, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

// DocumentStore persists logical documents and their version chains.
// Every mutation of a document's sequence counter or current pointer is
// serialized per document.
type DocumentStore interface {
	// CreateDocument returns domain.ErrDocumentExists when the id is taken.
	CreateDocument(ctx context.Context, doc *domain.LogicalDocument) error
	GetDocument(ctx context.Context, id string) (*domain.LogicalDocument, error)
	// InsertNextVersion assigns SequenceNumber and PredecessorID, inserts the
	// version as PENDING and seeds one PENDING state row per pipeline stage.
	InsertNextVersion(ctx context.Context, v *domain.Version) error
	GetVersion(ctx context.Context, id string) (*domain.Version, error)
	ListVersions(ctx context.Context, documentID string) ([]domain.Version, error)
	// PromoteVersion marks a PENDING version READY and moves the current
	// pointer to it only when its sequence number is higher.
	PromoteVersion(ctx context.Context, versionID string, now time.Time) (domain.Promotion, error)
	// MarkVersionFailed reports false when the version had already left PENDING.
	MarkVersionFailed(ctx context.Context, versionID, reason string, now time.Time) (bool, error)
	CancelVersion(ctx context.Context, versionID string, now time.Time) (*domain.Version, error)
	DeleteVersion(ctx context.Context, versionID string, now time.Time) (domain.Deletion, error)
}

// ProcessingStore holds pipeline state rows and stage outputs. Lease
// operations apply the domain transitions under a per-row lock.
type ProcessingStore interface {
	ListStages(ctx context.Context, versionID string) ([]domain.ProcessingState, error)
	// AcquireLease starts or reclaims the stage. A reclaim that finds the
	// attempt budget spent returns the FAILED_TERMINAL state instead.
	AcquireLease(ctx context.Context, key domain.StageKey, owner string, policy domain.RetryPolicy, now, until time.Time) (domain.ProcessingState, bool, error)
	RenewLease(ctx context.Context, key domain.StageKey, owner string, now, until time.Time) (domain.ProcessingState, error)
	CompleteStage(ctx context.Context, key domain.StageKey, owner string, now time.Time) (domain.ProcessingState, error)
	FailStage(ctx context.Context, key domain.StageKey, owner string, cause error, policy domain.RetryPolicy, now time.Time) (domain.ProcessingState, error)
	// AbandonStages ends every non-terminal stage of the version that is not
	// under a live lease owned by someone other than owner.
	AbandonStages(ctx context.Context, versionID, owner, reason string, now time.Time) ([]domain.ProcessingState, error)
	// ListDue returns stages that need a worker at now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.WorkItem, error)

	SaveExtraction(ctx context.Context, ex domain.Extraction) error
	GetExtraction(ctx context.Context, versionID string) (*domain.Extraction, error)
	SaveClassification(ctx context.Context, cls domain.Classification) error
	GetClassification(ctx context.Context, versionID string) (*domain.Classification, error)
}

// TextExtractor turns stored bytes into text. Unsupported or corrupt input
// fails with domain.ErrInvalidInput; backend failures with domain.ErrExtraction.
type TextExtractor interface {
	Extract(ctx context.Context, blobHash, mimeType string) (domain.Extraction, error)
}

// Classifier derives a document type and tags from text.
type Classifier interface {
	Classify(ctx context.Context, text string) (domain.Classification, error)
}

// SearchIndexer keeps one entry per version. Both writes are idempotent.
type SearchIndexer interface {
	Upsert(ctx context.Context, entry domain.IndexEntry) error
	Retract(ctx context.Context, versionID string) error
	Exists(ctx context.Context, versionID string) (bool, error)
}

// WorkQueue delivers stage work items. Delivery is at-least-once and the
// queue is not the source of truth.
type WorkQueue interface {
	Enqueue(ctx context.Context, item domain.WorkItem) error
	Subscribe(ctx context.Context, handler func(context.Context, domain.WorkItem) error) error
}

// EventPublisher pushes version outcomes to outside collaborators.
type EventPublisher interface {
	PublishVersionEvent(ctx context.Context, event domain.VersionEvent) error
}

// AuditLog is the append-only transition record.
type AuditLog interface {
	Append(ctx context.Context, entry domain.AuditEntry) error
	List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)
}

// VersionListener is notified after a version row is committed.
type VersionListener interface {
	OnVersionCreated(ctx context.Context, v *domain.Version) error
}

// PipelineObserver receives orchestrator measurements.
type PipelineObserver interface {
	StageStarted(stage domain.Stage)
	StageFinished(stage domain.Stage, outcome string, elapsed time.Duration)
	LeaseReclaimed(stage domain.Stage)
	VersionFinalized(promoted bool)
	VersionFailed()
}
