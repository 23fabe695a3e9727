package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/infrastructure/resilience"
)

// EventPublisher emits version outcomes on <prefix>.<event type>, e.g.
// docflow.events.version.ready.
type EventPublisher struct {
	conn          *nats.Conn
	subjectPrefix string
	executor      *resilience.Executor
}

func NewEventPublisher(conn *nats.Conn, subjectPrefix string, executor *resilience.Executor) *EventPublisher {
	return &EventPublisher{conn: conn, subjectPrefix: subjectPrefix, executor: executor}
}

func (p *EventPublisher) PublishVersionEvent(ctx context.Context, event domain.VersionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal version event: %w", err)
	}
	return publish(ctx, p.conn, p.executor, "nats.events", EventSubject(p.subjectPrefix, event.Type), payload)
}

func EventSubject(prefix, eventType string) string {
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}
