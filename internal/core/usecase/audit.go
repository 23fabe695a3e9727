package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

// auditTrail appends transition records. A failed append is logged and never
// fails the transition that produced it.
type auditTrail struct {
	log    ports.AuditLog
	logger *slog.Logger
	actor  string
}

func (a auditTrail) record(ctx context.Context, entry domain.AuditEntry) {
	if a.log == nil {
		return
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	if entry.Actor == "" {
		entry.Actor = a.actor
	}
	if err := a.log.Append(ctx, entry); err != nil {
		a.logger.Error("audit_append_failed",
			slog.String("action", entry.Action),
			slog.String("entity_id", entry.EntityID),
			slog.String("error", err.Error()),
		)
	}
}

func (a auditTrail) version(ctx context.Context, v *domain.Version, action string, from, to domain.VersionStatus, detail string, at time.Time) {
	a.record(ctx, domain.AuditEntry{
		OccurredAt: at,
		EntityType: domain.EntityVersion,
		EntityID:   v.ID,
		DocumentID: v.DocumentID,
		VersionID:  v.ID,
		Action:     action,
		FromStatus: string(from),
		ToStatus:   string(to),
		Detail:     detail,
	})
}

func (a auditTrail) stage(ctx context.Context, documentID string, from, to domain.ProcessingState, action, actor, detail string) {
	a.record(ctx, domain.AuditEntry{
		OccurredAt: to.UpdatedAt,
		EntityType: domain.EntityStage,
		EntityID:   to.Key().String(),
		DocumentID: documentID,
		VersionID:  to.VersionID,
		Action:     action,
		FromStatus: string(from.Status),
		ToStatus:   string(to.Status),
		Actor:      actor,
		Detail:     detail,
	})
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
