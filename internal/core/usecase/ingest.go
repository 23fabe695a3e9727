package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

const defaultMaxUploadBytes int64 = 64 << 20

type IngestDocumentUseCase struct {
	blobs    ports.BlobStore
	docs     ports.DocumentStore
	versions *VersionManager
	maxBytes int64
}

func NewIngestDocumentUseCase(
	blobs ports.BlobStore,
	docs ports.DocumentStore,
	versions *VersionManager,
	maxBytes int64,
) *IngestDocumentUseCase {
	if maxBytes <= 0 {
		maxBytes = defaultMaxUploadBytes
	}
	return &IngestDocumentUseCase{
		blobs:    blobs,
		docs:     docs,
		versions: versions,
		maxBytes: maxBytes,
	}
}

// Upload stores the bytes and records a PENDING version. A missing
// DocumentID creates a new logical document; an unknown one is created on
// first upload.
func (uc *IngestDocumentUseCase) Upload(ctx context.Context, req domain.UploadRequest) (*domain.Version, error) {
	if req.Body == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload", errors.New("empty body"))
	}

	hash, size, err := uc.storeBlob(ctx, req.Body)
	if err != nil {
		return nil, err
	}

	documentID := strings.TrimSpace(req.DocumentID)
	if documentID != "" {
		if _, err := uc.docs.GetDocument(ctx, documentID); err == nil {
			return uc.createVersion(ctx, documentID, hash, size, req)
		} else if !domain.IsKind(err, domain.ErrDocumentNotFound) {
			return nil, fmt.Errorf("load document: %w", err)
		}
	}

	doc, _, err := uc.versions.CreateDocument(ctx, documentID, req.OwnerRef)
	if err != nil {
		return nil, err
	}
	return uc.createVersion(ctx, doc.ID, hash, size, req)
}

// AddVersion appends a version to an existing document.
func (uc *IngestDocumentUseCase) AddVersion(ctx context.Context, documentID string, req domain.UploadRequest) (*domain.Version, error) {
	if req.Body == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "add version", errors.New("empty body"))
	}
	if _, err := uc.docs.GetDocument(ctx, documentID); err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	hash, size, err := uc.storeBlob(ctx, req.Body)
	if err != nil {
		return nil, err
	}
	return uc.createVersion(ctx, documentID, hash, size, req)
}

func (uc *IngestDocumentUseCase) storeBlob(ctx context.Context, body io.Reader) (string, int64, error) {
	limited := &limitedReader{r: body, remaining: uc.maxBytes}
	hash, size, err := uc.blobs.Put(ctx, limited)
	if limited.exceeded {
		return "", 0, domain.WrapError(domain.ErrInvalidInput, "store blob", fmt.Errorf("upload exceeds %d bytes", uc.maxBytes))
	}
	if err != nil {
		return "", 0, fmt.Errorf("store blob: %w", err)
	}
	if size == 0 {
		return "", 0, domain.WrapError(domain.ErrInvalidInput, "store blob", errors.New("empty upload"))
	}
	return hash, size, nil
}

func (uc *IngestDocumentUseCase) createVersion(ctx context.Context, documentID, hash string, size int64, req domain.UploadRequest) (*domain.Version, error) {
	meta := domain.VersionMeta{
		Filename:  sanitizeFilename(req.Filename),
		MimeType:  strings.ToLower(strings.TrimSpace(req.MimeType)),
		SizeBytes: size,
	}
	return uc.versions.CreateVersion(ctx, documentID, hash, meta)
}

// limitedReader fails the read once more than remaining bytes arrive, so an
// oversized upload never completes a blob write.
type limitedReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

var errUploadTooLarge = errors.New("upload too large")

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		l.exceeded = true
		return 0, errUploadTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		l.exceeded = true
		return 0, errUploadTooLarge
	}
	return n, err
}

func sanitizeFilename(name string) string {
	if strings.TrimSpace(name) == "" {
		return "document.bin"
	}
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." {
		return "document.bin"
	}
	return base
}
