package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
)

const (
	stateColumns    = `version_id, stage, status, attempt_count, last_error, next_attempt_at, lease_owner, lease_expires_at, updated_at`
	defaultDueLimit = 500
)

// ProcessingRepository keeps stage state rows and stage outputs. Every lease
// transition reads the row FOR UPDATE, applies the domain method and writes
// the result back in the same transaction.
type ProcessingRepository struct {
	db *sql.DB
}

func NewProcessingRepository(db *sql.DB) *ProcessingRepository {
	return &ProcessingRepository{db: db}
}

func (r *ProcessingRepository) ListStages(ctx context.Context, versionID string) ([]domain.ProcessingState, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+stateColumns+`
FROM processing_states
WHERE version_id = $1
ORDER BY stage_order ASC
`, versionID)
	if err != nil {
		return nil, unavailable("list stages", err)
	}
	defer rows.Close()

	out := make([]domain.ProcessingState, 0, len(domain.PipelineStages))
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, unavailable("scan stage", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate stages", err)
	}
	if len(out) == 0 {
		return nil, domain.WrapError(domain.ErrVersionNotFound, "list stages", fmt.Errorf("id=%s", versionID))
	}
	return out, nil
}

func (r *ProcessingRepository) AcquireLease(ctx context.Context, key domain.StageKey, owner string, policy domain.RetryPolicy, now, until time.Time) (domain.ProcessingState, bool, error) {
	var reclaimed bool
	st, err := r.mutateStage(ctx, key, "acquire lease", func(cur domain.ProcessingState) (domain.ProcessingState, error) {
		next, rc, err := cur.Start(owner, policy, now, until)
		reclaimed = rc
		return next, err
	})
	return st, reclaimed, err
}

func (r *ProcessingRepository) RenewLease(ctx context.Context, key domain.StageKey, owner string, now, until time.Time) (domain.ProcessingState, error) {
	return r.mutateStage(ctx, key, "renew lease", func(cur domain.ProcessingState) (domain.ProcessingState, error) {
		return cur.Renew(owner, now, until)
	})
}

func (r *ProcessingRepository) CompleteStage(ctx context.Context, key domain.StageKey, owner string, now time.Time) (domain.ProcessingState, error) {
	return r.mutateStage(ctx, key, "complete stage", func(cur domain.ProcessingState) (domain.ProcessingState, error) {
		return cur.Succeed(owner, now)
	})
}

func (r *ProcessingRepository) FailStage(ctx context.Context, key domain.StageKey, owner string, cause error, policy domain.RetryPolicy, now time.Time) (domain.ProcessingState, error) {
	return r.mutateStage(ctx, key, "fail stage", func(cur domain.ProcessingState) (domain.ProcessingState, error) {
		return cur.Fail(owner, cause, policy, now)
	})
}

func (r *ProcessingRepository) AbandonStages(ctx context.Context, versionID, owner, reason string, now time.Time) ([]domain.ProcessingState, error) {
	var out []domain.ProcessingState
	err := withTx(ctx, r.db, "abandon stages", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT `+stateColumns+`
FROM processing_states
WHERE version_id = $1
ORDER BY stage_order ASC
FOR UPDATE
`, versionID)
		if err != nil {
			return unavailable("lock stages", err)
		}
		var states []domain.ProcessingState
		for rows.Next() {
			st, err := scanState(rows)
			if err != nil {
				_ = rows.Close()
				return unavailable("scan stage", err)
			}
			states = append(states, st)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return unavailable("iterate stages", err)
		}
		_ = rows.Close()

		for _, st := range states {
			next, err := st.Abandon(owner, reason, now)
			if err != nil {
				if domain.IsKind(err, domain.ErrStageNotRunnable) || domain.IsKind(err, domain.ErrLeaseHeld) {
					continue
				}
				return err
			}
			if err := updateState(ctx, tx, next); err != nil {
				return err
			}
			out = append(out, next)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListDue mirrors the sweeper rules: runnable pending stages whose
// predecessor succeeded, retries past their backoff, expired leases, and
// versions whose last stage finished without the version being finalized.
// Pending stages of versions that already left PENDING are returned so the
// orchestrator can abandon them.
func (r *ProcessingRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.WorkItem, error) {
	if limit <= 0 {
		limit = defaultDueLimit
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT s.version_id, s.stage
FROM processing_states s
JOIN document_versions v ON v.id = s.version_id
LEFT JOIN processing_states p ON p.version_id = s.version_id AND p.stage_order = s.stage_order - 1
WHERE (s.status = 'pending' AND (v.status <> 'pending' OR p.version_id IS NULL OR p.status = 'succeeded'))
   OR (s.status = 'failed_retryable' AND (s.next_attempt_at IS NULL OR s.next_attempt_at <= $1))
   OR (s.status = 'running' AND (s.lease_expires_at IS NULL OR s.lease_expires_at <= $1))
   OR (v.status = 'pending' AND s.status = 'succeeded' AND s.stage_order = $2)
   OR (v.status = 'pending' AND s.status = 'failed_terminal')
ORDER BY s.updated_at ASC, s.version_id ASC, s.stage ASC
LIMIT $3
`, now, len(domain.PipelineStages)-1, limit)
	if err != nil {
		return nil, unavailable("list due stages", err)
	}
	defer rows.Close()

	out := make([]domain.WorkItem, 0)
	for rows.Next() {
		var (
			item  domain.WorkItem
			stage string
		)
		if err := rows.Scan(&item.VersionID, &stage); err != nil {
			return nil, unavailable("scan due stage", err)
		}
		item.Stage = domain.Stage(stage)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate due stages", err)
	}
	return out, nil
}

func (r *ProcessingRepository) SaveExtraction(ctx context.Context, ex domain.Extraction) error {
	quality, err := json.Marshal(ex.Quality)
	if err != nil {
		return fmt.Errorf("marshal extraction quality: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO extractions (version_id, text, confidence, quality, low_confidence, extracted_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (version_id) DO UPDATE SET
	text = EXCLUDED.text,
	confidence = EXCLUDED.confidence,
	quality = EXCLUDED.quality,
	low_confidence = EXCLUDED.low_confidence,
	extracted_at = EXCLUDED.extracted_at
`, ex.VersionID, ex.Text, ex.Confidence, quality, ex.LowConfidence, ex.ExtractedAt)
	if err != nil {
		return unavailable("save extraction", err)
	}
	return nil
}

func (r *ProcessingRepository) GetExtraction(ctx context.Context, versionID string) (*domain.Extraction, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT version_id, text, confidence, quality, low_confidence, extracted_at
FROM extractions
WHERE version_id = $1
`, versionID)

	var (
		ex         domain.Extraction
		qualityRaw []byte
	)
	if err := row.Scan(&ex.VersionID, &ex.Text, &ex.Confidence, &qualityRaw, &ex.LowConfidence, &ex.ExtractedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrOutputNotFound, "get extraction", fmt.Errorf("version=%s", versionID))
		}
		return nil, unavailable("scan extraction", err)
	}
	if len(qualityRaw) > 0 {
		if err := json.Unmarshal(qualityRaw, &ex.Quality); err != nil {
			return nil, fmt.Errorf("unmarshal extraction quality: %w", err)
		}
	}
	return &ex, nil
}

func (r *ProcessingRepository) SaveClassification(ctx context.Context, cls domain.Classification) error {
	tags := cls.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO classifications (version_id, doc_type, tags, confidence, classified_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (version_id) DO UPDATE SET
	doc_type = EXCLUDED.doc_type,
	tags = EXCLUDED.tags,
	confidence = EXCLUDED.confidence,
	classified_at = EXCLUDED.classified_at
`, cls.VersionID, cls.DocType, tagsJSON, cls.Confidence, cls.ClassifiedAt)
	if err != nil {
		return unavailable("save classification", err)
	}
	return nil
}

func (r *ProcessingRepository) GetClassification(ctx context.Context, versionID string) (*domain.Classification, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT version_id, doc_type, tags, confidence, classified_at
FROM classifications
WHERE version_id = $1
`, versionID)

	var (
		cls     domain.Classification
		tagsRaw []byte
	)
	if err := row.Scan(&cls.VersionID, &cls.DocType, &tagsRaw, &cls.Confidence, &cls.ClassifiedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrOutputNotFound, "get classification", fmt.Errorf("version=%s", versionID))
		}
		return nil, unavailable("scan classification", err)
	}
	cls.Tags = []string{}
	if len(tagsRaw) > 0 {
		if err := json.Unmarshal(tagsRaw, &cls.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	return &cls, nil
}

func (r *ProcessingRepository) mutateStage(ctx context.Context, key domain.StageKey, op string, fn func(domain.ProcessingState) (domain.ProcessingState, error)) (domain.ProcessingState, error) {
	var result domain.ProcessingState
	err := withTx(ctx, r.db, op, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
SELECT `+stateColumns+`
FROM processing_states
WHERE version_id = $1 AND stage = $2
FOR UPDATE
`, key.VersionID, string(key.Stage))
		cur, err := scanState(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.WrapError(domain.ErrVersionNotFound, op, fmt.Errorf("%s", key))
			}
			return unavailable(op, err)
		}
		result = cur
		next, err := fn(cur)
		if err != nil {
			return err
		}
		if err := updateState(ctx, tx, next); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}

func updateState(ctx context.Context, tx *sql.Tx, st domain.ProcessingState) error {
	_, err := tx.ExecContext(ctx, `
UPDATE processing_states
SET status = $3, attempt_count = $4, last_error = $5, next_attempt_at = $6,
	lease_owner = $7, lease_expires_at = $8, updated_at = $9
WHERE version_id = $1 AND stage = $2
`,
		st.VersionID, string(st.Stage), string(st.Status), st.AttemptCount, st.LastError,
		nullTime(st.NextAttemptAt), st.LeaseOwner, nullTime(st.LeaseExpiresAt), st.UpdatedAt,
	)
	if err != nil {
		return unavailable("update stage", err)
	}
	return nil
}

func scanState(row rowScanner) (domain.ProcessingState, error) {
	var (
		st          domain.ProcessingState
		stage       string
		status      string
		nextAttempt sql.NullTime
		leaseUntil  sql.NullTime
	)
	err := row.Scan(
		&st.VersionID, &stage, &status, &st.AttemptCount, &st.LastError,
		&nextAttempt, &st.LeaseOwner, &leaseUntil, &st.UpdatedAt,
	)
	if err != nil {
		return domain.ProcessingState{}, err
	}
	st.Stage = domain.Stage(stage)
	st.Status = domain.StageStatus(status)
	st.NextAttemptAt = timePtr(nextAttempt)
	st.LeaseExpiresAt = timePtr(leaseUntil)
	return st, nil
}
