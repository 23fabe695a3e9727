package localfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kirillkom/docflow/internal/core/domain"
)

func TestPutIsContentAddressedAndIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	hash, size, err := s.Put(context.Background(), strings.NewReader("hello blob"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	sum := sha256.Sum256([]byte("hello blob"))
	if hash != hex.EncodeToString(sum[:]) || size != 10 {
		t.Fatalf("Put() = %s, %d", hash, size)
	}

	again, _, err := s.Put(context.Background(), strings.NewReader("hello blob"))
	if err != nil || again != hash {
		t.Fatalf("second Put() = %s, %v", again, err)
	}
	if _, err := os.Stat(filepath.Join(dir, hash[:2], hash[2:4], hash)); err != nil {
		t.Fatalf("blob not sharded on disk: %v", err)
	}
	tmp, _ := os.ReadDir(filepath.Join(dir, "tmp"))
	if len(tmp) != 0 {
		t.Fatalf("temp files left behind: %d", len(tmp))
	}

	rc, err := s.Get(context.Background(), hash)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer rc.Close()
	raw, _ := io.ReadAll(rc)
	if string(raw) != "hello blob" {
		t.Fatalf("Get() = %q", raw)
	}
}

func TestGetAndExistsOnMissingBlob(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	missing := strings.Repeat("ab", 32)
	if _, err := s.Get(context.Background(), missing); !domain.IsKind(err, domain.ErrBlobNotFound) {
		t.Fatalf("expected blob not found, got %v", err)
	}
	if _, err := s.Get(context.Background(), "../../etc/passwd"); !domain.IsKind(err, domain.ErrBlobNotFound) {
		t.Fatalf("malformed hash: expected blob not found, got %v", err)
	}
	ok, err := s.Exists(context.Background(), missing)
	if err != nil || ok {
		t.Fatalf("Exists() = %v, %v", ok, err)
	}
}

func TestPutHonoursCancelledContext(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := s.Put(ctx, strings.NewReader("data")); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestCopyBlobSeparatesReadAndWriteFailures(t *testing.T) {
	diskFull := errors.New("no space left on device")
	_, err := copyBlob(context.Background(), failingWriter{err: diskFull}, strings.NewReader("data"))
	if !domain.IsKind(err, domain.ErrStorageUnavailable) || !errors.Is(err, diskFull) {
		t.Fatalf("write failure: expected storage unavailable, got %v", err)
	}

	tooLarge := domain.WrapError(domain.ErrInvalidInput, "read upload", errors.New("limit exceeded"))
	_, err = copyBlob(context.Background(), io.Discard, failingReader{err: tooLarge})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("read failure: expected invalid input, got %v", err)
	}
	if domain.IsKind(err, domain.ErrStorageUnavailable) {
		t.Fatalf("read failure must not be reported as a storage fault: %v", err)
	}
}

func TestPutKeepsReaderErrorKind(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	cause := domain.WrapError(domain.ErrInvalidInput, "read upload", errors.New("truncated body"))
	if _, _, err := s.Put(context.Background(), failingReader{err: cause}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
