package gcs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/kirillkom/docflow/internal/core/domain"
)

// Storage is a content-addressed BlobStore on a GCS bucket. Objects are named
// <prefix>/<hash[0:2]>/<hash> and written with a DoesNotExist precondition,
// so concurrent uploads of the same bytes converge on one object.
type Storage struct {
	bucket *storage.BucketHandle
	prefix string
	logger *slog.Logger
}

func New(client *storage.Client, bucket, prefix string, logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{
		bucket: client.Bucket(bucket),
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With(slog.String("component", "gcs_blob_store"), slog.String("bucket", bucket)),
	}
}

// Put spools the stream to a temp file to learn its hash before the upload.
func (s *Storage) Put(ctx context.Context, data io.Reader) (string, int64, error) {
	spool, err := os.CreateTemp("", "docflow-blob-*")
	if err != nil {
		return "", 0, domain.WrapError(domain.ErrStorageUnavailable, "create spool file", err)
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(spool, h), data)
	if err != nil {
		return "", 0, fmt.Errorf("spool blob: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return "", 0, domain.WrapError(domain.ErrStorageUnavailable, "rewind spool file", err)
	}
	hash := hex.EncodeToString(h.Sum(nil))

	name := s.objectName(hash)
	w := s.bucket.Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := io.Copy(w, spool); err != nil {
		_ = w.Close()
		if isPreconditionFailed(err) {
			return hash, size, nil
		}
		return "", 0, wrapGCSError("upload blob", err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			s.logger.Debug("blob_already_stored", slog.String("object", name))
			return hash, size, nil
		}
		return "", 0, wrapGCSError("finalize blob", err)
	}
	return hash, size, nil
}

func (s *Storage) Get(ctx context.Context, hash string) (io.ReadCloser, error) {
	r, err := s.bucket.Object(s.objectName(hash)).NewReader(ctx)
	if err != nil {
		return nil, wrapGCSError("open blob", err)
	}
	return r, nil
}

func (s *Storage) Exists(ctx context.Context, hash string) (bool, error) {
	_, err := s.bucket.Object(s.objectName(hash)).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, wrapGCSError("stat blob", err)
	}
}

func (s *Storage) objectName(hash string) string {
	shard := hash
	if len(shard) > 2 {
		shard = shard[:2]
	}
	if s.prefix == "" {
		return shard + "/" + hash
	}
	return s.prefix + "/" + shard + "/" + hash
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func wrapGCSError(op string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return domain.WrapError(domain.ErrBlobNotFound, op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.WrapError(domain.ErrStorageUnavailable, op, err)
}
