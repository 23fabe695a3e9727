package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

const defaultMaxBlobBytes int64 = 64 << 20

type Options struct {
	MaxBlobBytes int64
	Logger       *slog.Logger
	Now          func() time.Time
}

// Extractor reads a blob by hash, detects its format from the bytes and the
// declared MIME type, and returns the text with a quality-based confidence.
type Extractor struct {
	blobs    ports.BlobStore
	maxBytes int64
	logger   *slog.Logger
	now      func() time.Time
}

func New(blobs ports.BlobStore, opts Options) *Extractor {
	if opts.MaxBlobBytes <= 0 {
		opts.MaxBlobBytes = defaultMaxBlobBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Extractor{
		blobs:    blobs,
		maxBytes: opts.MaxBlobBytes,
		logger:   opts.Logger.With(slog.String("component", "extractor")),
		now:      opts.Now,
	}
}

func (e *Extractor) Extract(ctx context.Context, blobHash, mimeType string) (domain.Extraction, error) {
	data, err := e.readBlob(ctx, blobHash)
	if err != nil {
		return domain.Extraction{}, err
	}

	format, err := detectFormat(data, mimeType)
	if err != nil {
		return domain.Extraction{}, err
	}

	var text string
	switch format {
	case FormatPDF:
		text, err = extractPDF(data)
	case FormatDocx:
		text, err = extractDocx(data)
	case FormatXlsx:
		text, err = extractXlsx(data)
	case FormatHTML:
		text = extractHTML(data, mimeType)
	case FormatText:
		text = extractText(data, mimeType)
	}
	if err != nil {
		return domain.Extraction{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Extraction{}, err
	}

	quality := measureQuality(format, text)
	e.logger.Debug("text_extracted",
		slog.String("blob_hash", blobHash),
		slog.String("format", string(format)),
		slog.Int("chars", quality.Chars),
		slog.Float64("printable_ratio", quality.PrintableRatio),
	)
	return domain.Extraction{
		Text:        text,
		Confidence:  confidence(quality),
		Quality:     quality,
		ExtractedAt: e.now(),
	}, nil
}

func (e *Extractor) readBlob(ctx context.Context, blobHash string) ([]byte, error) {
	rc, err := e.blobs.Get(ctx, blobHash)
	if err != nil {
		if domain.IsKind(err, domain.ErrBlobNotFound) || domain.IsKind(err, domain.ErrStorageUnavailable) {
			return nil, err
		}
		return nil, domain.WrapError(domain.ErrStorageUnavailable, "open blob", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, e.maxBytes+1))
	if err != nil {
		return nil, domain.WrapError(domain.ErrStorageUnavailable, "read blob", err)
	}
	if int64(len(data)) > e.maxBytes {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read blob", fmt.Errorf("blob exceeds %d bytes", e.maxBytes))
	}
	if len(data) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read blob", errors.New("empty blob"))
	}
	return data, nil
}

func collapseWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.Join(strings.Fields(s), " ")
}
