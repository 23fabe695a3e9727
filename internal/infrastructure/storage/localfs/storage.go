package localfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kirillkom/docflow/internal/core/domain"
)

// Storage is a content-addressed BlobStore. Blobs live at
// <base>/<hash[0:2]>/<hash[2:4]>/<hash> and are written through a temp file
// and rename, so a reader never sees a partial blob.
type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/blobs"
	}
	if err := os.MkdirAll(filepath.Join(basePath, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{basePath: basePath}, nil
}

// Put stores the stream and returns its SHA-256. Storing identical bytes
// twice is a no-op returning the same hash.
func (s *Storage) Put(ctx context.Context, data io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.basePath, "tmp"), "upload-*")
	if err != nil {
		return "", 0, domain.WrapError(domain.ErrStorageUnavailable, "create temp blob", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := sha256.New()
	size, err := copyBlob(ctx, io.MultiWriter(tmp, h), data)
	if err != nil {
		_ = tmp.Close()
		return "", 0, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", 0, domain.WrapError(domain.ErrStorageUnavailable, "sync blob", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, domain.WrapError(domain.ErrStorageUnavailable, "close blob", err)
	}

	hash := hex.EncodeToString(h.Sum(nil))
	final := s.path(hash)
	if _, err := os.Stat(final); err == nil {
		return hash, size, nil
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", 0, domain.WrapError(domain.ErrStorageUnavailable, "create blob dir", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return "", 0, domain.WrapError(domain.ErrStorageUnavailable, "commit blob", err)
	}
	return hash, size, nil
}

func (s *Storage) Get(_ context.Context, hash string) (io.ReadCloser, error) {
	if !validHash(hash) {
		return nil, domain.WrapError(domain.ErrBlobNotFound, "open blob", fmt.Errorf("malformed hash %q", hash))
	}
	f, err := os.Open(s.path(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrBlobNotFound, "open blob", err)
		}
		return nil, domain.WrapError(domain.ErrStorageUnavailable, "open blob", err)
	}
	return f, nil
}

func (s *Storage) Exists(_ context.Context, hash string) (bool, error) {
	if !validHash(hash) {
		return false, nil
	}
	_, err := os.Stat(s.path(hash))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, domain.WrapError(domain.ErrStorageUnavailable, "stat blob", err)
	}
}

func (s *Storage) path(hash string) string {
	return filepath.Join(s.basePath, hash[0:2], hash[2:4], hash)
}

func validHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

// copyBlob streams src into dst. Read failures keep the caller's error, so an
// oversized upload stays a client error; write failures are the store's.
func copyBlob(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	r := &ctxReader{ctx: ctx, r: src}
	n, err := io.Copy(dst, r)
	switch {
	case err == nil:
		return n, nil
	case ctx.Err() != nil:
		return n, ctx.Err()
	case r.err != nil:
		return n, fmt.Errorf("read upload: %w", err)
	default:
		return n, domain.WrapError(domain.ErrStorageUnavailable, "write blob", err)
	}
}

// ctxReader stops a copy once ctx is done and remembers its last read error.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
	err error
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		c.err = err
		return 0, err
	}
	n, err := c.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		c.err = err
	}
	return n, err
}
