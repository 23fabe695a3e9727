package inmem

import (
	"context"
	"testing"

	"github.com/kirillkom/docflow/internal/core/domain"
)

func TestUpsertTwiceYieldsOneEntry(t *testing.T) {
	idx := New()
	ctx := context.Background()
	entry := domain.IndexEntry{VersionID: "v1", DocumentID: "d1", SequenceNumber: 1, Tokens: []string{"alpha"}}
	for i := 0; i < 2; i++ {
		if err := idx.Upsert(ctx, entry); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}
	if hits := idx.Lookup("alpha"); len(hits) != 1 || hits[0] != "v1" {
		t.Fatalf("Lookup() = %v, want [v1]", hits)
	}
	if idx.UpsertCount("v1") != 2 {
		t.Fatalf("expected upsert count 2, got %d", idx.UpsertCount("v1"))
	}
}

func TestRetractMissingIsNoop(t *testing.T) {
	idx := New()
	if err := idx.Retract(context.Background(), "nope"); err != nil {
		t.Fatalf("Retract() error = %v", err)
	}
	if ok, _ := idx.Exists(context.Background(), "nope"); ok {
		t.Fatalf("unexpected entry")
	}
}
