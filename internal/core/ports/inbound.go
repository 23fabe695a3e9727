package ports

import (
	"context"

	"github.com/kirillkom/docflow/internal/core/domain"
)

// DocumentIngestor accepts uploads. It returns as soon as the version is
// recorded as PENDING.
type DocumentIngestor interface {
	Upload(ctx context.Context, req domain.UploadRequest) (*domain.Version, error)
	AddVersion(ctx context.Context, documentID string, req domain.UploadRequest) (*domain.Version, error)
}

// VersionLifecycle exposes external version mutations.
type VersionLifecycle interface {
	Cancel(ctx context.Context, versionID string) (*domain.Version, error)
	ForceDelete(ctx context.Context, versionID string) (domain.Deletion, error)
}

// DocumentReader is the inbound read model for documents and versions.
type DocumentReader interface {
	GetDocument(ctx context.Context, id string) (*domain.LogicalDocument, error)
	ListVersions(ctx context.Context, documentID string) ([]domain.Version, error)
	GetVersionDetail(ctx context.Context, versionID string) (*domain.VersionDetail, error)
	ListAudit(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)
}

// StageProcessor is the inbound contract for asynchronous stage work.
type StageProcessor interface {
	Handle(ctx context.Context, item domain.WorkItem) error
	Sweep(ctx context.Context) (int, error)
}
