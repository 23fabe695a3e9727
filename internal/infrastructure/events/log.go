package events

import (
	"context"
	"log/slog"

	"github.com/kirillkom/docflow/internal/core/domain"
)

// LogPublisher writes version events to the structured log. It backs the
// "log" events backend used in development.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With(slog.String("component", "events"))}
}

func (p *LogPublisher) PublishVersionEvent(ctx context.Context, event domain.VersionEvent) error {
	attrs := []slog.Attr{
		slog.String("type", event.Type),
		slog.String("version_id", event.VersionID),
		slog.String("document_id", event.DocumentID),
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	p.logger.LogAttrs(ctx, slog.LevelInfo, "version_event", attrs...)
	return nil
}

// Fanout publishes to every publisher and returns the first error.
type Fanout []interface {
	PublishVersionEvent(ctx context.Context, event domain.VersionEvent) error
}

func (f Fanout) PublishVersionEvent(ctx context.Context, event domain.VersionEvent) error {
	var first error
	for _, p := range f {
		if err := p.PublishVersionEvent(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
