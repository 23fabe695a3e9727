package postgres

import (
	"context"
	"database/sql"

	"github.com/kirillkom/docflow/internal/core/domain"
)

const defaultAuditListLimit = 1000

// AuditRepository is the append-only transition log. Rows are never updated.
type AuditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, e domain.AuditEntry) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO audit_log (occurred_at, entity_type, entity_id, document_id, version_id, action, from_status, to_status, actor, detail)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, e.OccurredAt, e.EntityType, e.EntityID, e.DocumentID, e.VersionID, e.Action, e.FromStatus, e.ToStatus, e.Actor, e.Detail)
	if err != nil {
		return unavailable("append audit entry", err)
	}
	return nil
}

// List returns the newest matching entries first.
func (r *AuditRepository) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditListLimit
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, occurred_at, entity_type, entity_id, document_id, version_id, action, from_status, to_status, actor, detail
FROM audit_log
WHERE ($1 = '' OR document_id = $1) AND ($2 = '' OR version_id = $2)
ORDER BY id DESC
LIMIT $3
`, filter.DocumentID, filter.VersionID, limit)
	if err != nil {
		return nil, unavailable("list audit", err)
	}
	defer rows.Close()

	out := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(
			&e.ID, &e.OccurredAt, &e.EntityType, &e.EntityID, &e.DocumentID, &e.VersionID,
			&e.Action, &e.FromStatus, &e.ToStatus, &e.Actor, &e.Detail,
		); err != nil {
			return nil, unavailable("scan audit entry", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate audit", err)
	}
	return out, nil
}
