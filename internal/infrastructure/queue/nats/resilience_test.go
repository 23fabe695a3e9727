package nats

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/docflow/internal/core/domain"
)

func TestClassifyNATSError(t *testing.T) {
	if c := classifyNATSError(fmt.Errorf("publish: %w", nats.ErrNoServers)); !c.Retryable || !c.RecordFailure {
		t.Fatalf("no servers must be retryable, got %+v", c)
	}
	if c := classifyNATSError(context.Canceled); c.Retryable || c.RecordFailure {
		t.Fatalf("cancellation must be neither retried nor recorded, got %+v", c)
	}
	if c := classifyNATSError(nats.ErrMaxPayload); c.Retryable {
		t.Fatalf("max payload must not be retryable, got %+v", c)
	}
}

func TestWrapTemporaryIfNeeded(t *testing.T) {
	err := wrapTemporaryIfNeeded(fmt.Errorf("nats publish: %w", nats.ErrDisconnected))
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary kind, got %v", err)
	}
	plain := errors.New("bad subject")
	if got := wrapTemporaryIfNeeded(plain); got != plain {
		t.Fatalf("non-retryable error must pass through, got %v", got)
	}
}

func TestEventSubject(t *testing.T) {
	if got := EventSubject("docflow.events", domain.EventVersionReady); got != "docflow.events.version.ready" {
		t.Fatalf("EventSubject() = %s", got)
	}
	if got := EventSubject("", domain.EventVersionFailed); got != "version.failed" {
		t.Fatalf("EventSubject() without prefix = %s", got)
	}
}
