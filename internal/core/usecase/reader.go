package usecase

import (
	"context"
	"fmt"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

type DocumentReaderUseCase struct {
	docs   ports.DocumentStore
	stages ports.ProcessingStore
	audit  ports.AuditLog
}

func NewDocumentReaderUseCase(docs ports.DocumentStore, stages ports.ProcessingStore, audit ports.AuditLog) *DocumentReaderUseCase {
	return &DocumentReaderUseCase{docs: docs, stages: stages, audit: audit}
}

func (uc *DocumentReaderUseCase) GetDocument(ctx context.Context, id string) (*domain.LogicalDocument, error) {
	return uc.docs.GetDocument(ctx, id)
}

func (uc *DocumentReaderUseCase) ListVersions(ctx context.Context, documentID string) ([]domain.Version, error) {
	if _, err := uc.docs.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return uc.docs.ListVersions(ctx, documentID)
}

// GetVersionDetail returns the version with its stage rows and stage outputs.
// The extracted text body is left out.
func (uc *DocumentReaderUseCase) GetVersionDetail(ctx context.Context, versionID string) (*domain.VersionDetail, error) {
	v, err := uc.docs.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	doc, err := uc.docs.GetDocument(ctx, v.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	stages, err := uc.stages.ListStages(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	detail := &domain.VersionDetail{
		Version: *v,
		Current: doc.CurrentVersionID == v.ID,
		Stages:  stages,
	}
	if ex, err := uc.stages.GetExtraction(ctx, versionID); err == nil {
		summary := ex.Summary()
		detail.Extraction = &summary
	} else if !domain.IsKind(err, domain.ErrOutputNotFound) {
		return nil, fmt.Errorf("load extraction: %w", err)
	}
	if cls, err := uc.stages.GetClassification(ctx, versionID); err == nil {
		detail.Classification = cls
	} else if !domain.IsKind(err, domain.ErrOutputNotFound) {
		return nil, fmt.Errorf("load classification: %w", err)
	}
	return detail, nil
}

func (uc *DocumentReaderUseCase) ListAudit(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultAuditLimit
	}
	if filter.Limit > maxAuditLimit {
		filter.Limit = maxAuditLimit
	}
	return uc.audit.List(ctx, filter)
}
