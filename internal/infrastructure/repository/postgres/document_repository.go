package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
)

const versionColumns = `id, document_id, blob_hash, sequence_number, status, predecessor_id, filename, mime_type, size_bytes, failure_reason, created_at, updated_at`

// DocumentRepository stores logical documents and version chains. Sequence
// assignment and current-pointer moves lock the document row.
type DocumentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) CreateDocument(ctx context.Context, doc *domain.LogicalDocument) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO documents (id, owner_ref, current_version_id, archived, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, doc.ID, doc.OwnerRef, nullString(doc.CurrentVersionID), doc.Archived, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrDocumentExists, "create document", fmt.Errorf("id=%s", doc.ID))
		}
		return unavailable("insert document", err)
	}
	return nil
}

func (r *DocumentRepository) GetDocument(ctx context.Context, id string) (*domain.LogicalDocument, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, owner_ref, current_version_id, archived, created_at, updated_at
FROM documents
WHERE id = $1
`, id)

	var doc domain.LogicalDocument
	var current sql.NullString
	if err := row.Scan(&doc.ID, &doc.OwnerRef, &current, &doc.Archived, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, unavailable("scan document", err)
	}
	doc.CurrentVersionID = current.String
	return &doc, nil
}

func (r *DocumentRepository) InsertNextVersion(ctx context.Context, v *domain.Version) error {
	return withTx(ctx, r.db, "insert version", func(tx *sql.Tx) error {
		if err := lockDocument(ctx, tx, v.DocumentID, "insert version"); err != nil {
			return err
		}

		var (
			lastID  string
			lastSeq int64
		)
		err := tx.QueryRowContext(ctx, `
SELECT id, sequence_number
FROM document_versions
WHERE document_id = $1
ORDER BY sequence_number DESC
LIMIT 1
`, v.DocumentID).Scan(&lastID, &lastSeq)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return unavailable("load chain head", err)
		}

		v.SequenceNumber = lastSeq + 1
		v.PredecessorID = lastID
		v.Status = domain.VersionPending
		_, err = tx.ExecContext(ctx, `
INSERT INTO document_versions (`+versionColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`,
			v.ID, v.DocumentID, v.BlobHash, v.SequenceNumber, string(v.Status), nullString(v.PredecessorID),
			v.Filename, v.MimeType, v.SizeBytes, v.FailureReason, v.CreatedAt, v.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.WrapError(domain.ErrSequenceConflict, "insert version", err)
			}
			return unavailable("insert version", err)
		}

		for i, stage := range domain.PipelineStages {
			st := domain.NewProcessingState(v.ID, stage, v.CreatedAt)
			if _, err := tx.ExecContext(ctx, `
INSERT INTO processing_states (version_id, stage, stage_order, status, attempt_count, updated_at)
VALUES ($1,$2,$3,$4,0,$5)
`, st.VersionID, string(st.Stage), i, string(st.Status), st.UpdatedAt); err != nil {
				return unavailable("seed processing state", err)
			}
		}
		return nil
	})
}

func (r *DocumentRepository) GetVersion(ctx context.Context, id string) (*domain.Version, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM document_versions WHERE id = $1`, id)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrVersionNotFound, "get version", fmt.Errorf("id=%s", id))
		}
		return nil, unavailable("scan version", err)
	}
	return &v, nil
}

func (r *DocumentRepository) ListVersions(ctx context.Context, documentID string) ([]domain.Version, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+versionColumns+`
FROM document_versions
WHERE document_id = $1
ORDER BY sequence_number ASC
`, documentID)
	if err != nil {
		return nil, unavailable("list versions", err)
	}
	defer rows.Close()

	out := make([]domain.Version, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, unavailable("scan version", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate versions", err)
	}
	return out, nil
}

func (r *DocumentRepository) PromoteVersion(ctx context.Context, versionID string, now time.Time) (domain.Promotion, error) {
	var p domain.Promotion
	err := withTx(ctx, r.db, "promote version", func(tx *sql.Tx) error {
		v, err := lockVersion(ctx, tx, versionID, "promote version")
		if err != nil {
			return err
		}
		currentID, currentSeq, err := lockCurrent(ctx, tx, v.DocumentID, "promote version")
		if err != nil {
			return err
		}
		p = domain.Promotion{DocumentID: v.DocumentID, VersionID: v.ID, PreviousID: currentID}

		switch v.Status {
		case domain.VersionReady:
			p.Promoted = currentID == v.ID
			return nil
		case domain.VersionPending:
		default:
			return domain.WrapError(domain.ErrVersionTerminal, "promote version", fmt.Errorf("%s is %s", v.ID, v.Status))
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE document_versions SET status = $2, updated_at = $3 WHERE id = $1
`, v.ID, string(domain.VersionReady), now); err != nil {
			return unavailable("mark version ready", err)
		}
		p.Finalized = true

		if currentID == "" || currentSeq < v.SequenceNumber {
			if err := setCurrent(ctx, tx, v.DocumentID, v.ID, now); err != nil {
				return err
			}
			p.Promoted = true
		}
		return nil
	})
	if err != nil {
		return domain.Promotion{}, err
	}
	return p, nil
}

func (r *DocumentRepository) MarkVersionFailed(ctx context.Context, versionID, reason string, now time.Time) (bool, error) {
	return r.transitionPending(ctx, versionID, domain.VersionFailed, reason, now)
}

func (r *DocumentRepository) CancelVersion(ctx context.Context, versionID string, now time.Time) (*domain.Version, error) {
	changed, err := r.transitionPending(ctx, versionID, domain.VersionCancelled, "", now)
	if err != nil {
		return nil, err
	}
	v, err := r.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if !changed && v.Status != domain.VersionCancelled {
		return nil, domain.WrapError(domain.ErrVersionTerminal, "cancel version", fmt.Errorf("%s is %s", v.ID, v.Status))
	}
	return v, nil
}

// transitionPending is a compare-and-swap on status. It reports false when
// the version had already left PENDING.
func (r *DocumentRepository) transitionPending(ctx context.Context, versionID string, to domain.VersionStatus, reason string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE document_versions
SET status = $2, failure_reason = $3, updated_at = $4
WHERE id = $1 AND status = $5
`, versionID, string(to), reason, now, string(domain.VersionPending))
	if err != nil {
		return false, unavailable("transition version", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("rows affected", err)
	}
	if affected > 0 {
		return true, nil
	}
	if _, err := r.GetVersion(ctx, versionID); err != nil {
		return false, err
	}
	return false, nil
}

func (r *DocumentRepository) DeleteVersion(ctx context.Context, versionID string, now time.Time) (domain.Deletion, error) {
	var d domain.Deletion
	err := withTx(ctx, r.db, "delete version", func(tx *sql.Tx) error {
		v, err := lockVersion(ctx, tx, versionID, "delete version")
		if err != nil {
			return err
		}
		currentID, _, err := lockCurrent(ctx, tx, v.DocumentID, "delete version")
		if err != nil {
			return err
		}
		d = domain.Deletion{DocumentID: v.DocumentID, VersionID: v.ID, NewCurrentID: currentID}
		if v.Status == domain.VersionDeleted {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE document_versions SET status = $2, updated_at = $3 WHERE id = $1
`, v.ID, string(domain.VersionDeleted), now); err != nil {
			return unavailable("mark version deleted", err)
		}
		if currentID != v.ID {
			return nil
		}

		d.WasCurrent = true
		d.NewCurrentID = ""
		err = tx.QueryRowContext(ctx, `
SELECT id
FROM document_versions
WHERE document_id = $1 AND status = $2
ORDER BY sequence_number DESC
LIMIT 1
`, v.DocumentID, string(domain.VersionReady)).Scan(&d.NewCurrentID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return unavailable("find previous ready version", err)
		}
		return setCurrent(ctx, tx, v.DocumentID, d.NewCurrentID, now)
	})
	if err != nil {
		return domain.Deletion{}, err
	}
	return d, nil
}

// Transactions that touch both rows lock the version before the document.
func lockVersion(ctx context.Context, tx *sql.Tx, versionID, op string) (domain.Version, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM document_versions WHERE id = $1 FOR UPDATE`, versionID)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Version{}, domain.WrapError(domain.ErrVersionNotFound, op, fmt.Errorf("id=%s", versionID))
		}
		return domain.Version{}, unavailable(op, err)
	}
	return v, nil
}

func lockDocument(ctx context.Context, tx *sql.Tx, documentID, op string) error {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM documents WHERE id = $1 FOR UPDATE`, documentID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WrapError(domain.ErrDocumentNotFound, op, fmt.Errorf("id=%s", documentID))
		}
		return unavailable(op, err)
	}
	return nil
}

// lockCurrent locks the document row and returns its current pointer with
// the pointed version's sequence number.
func lockCurrent(ctx context.Context, tx *sql.Tx, documentID, op string) (string, int64, error) {
	var (
		current sql.NullString
		seq     int64
	)
	err := tx.QueryRowContext(ctx, `
SELECT d.current_version_id, COALESCE(c.sequence_number, 0)
FROM documents d
LEFT JOIN document_versions c ON c.id = d.current_version_id
WHERE d.id = $1
FOR UPDATE OF d
`, documentID).Scan(&current, &seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, domain.WrapError(domain.ErrDocumentNotFound, op, fmt.Errorf("id=%s", documentID))
		}
		return "", 0, unavailable(op, err)
	}
	return current.String, seq, nil
}

func setCurrent(ctx context.Context, tx *sql.Tx, documentID, versionID string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
UPDATE documents SET current_version_id = $2, updated_at = $3 WHERE id = $1
`, documentID, nullString(versionID), now); err != nil {
		return unavailable("update current pointer", err)
	}
	return nil
}

func scanVersion(row rowScanner) (domain.Version, error) {
	var (
		v           domain.Version
		status      string
		predecessor sql.NullString
	)
	err := row.Scan(
		&v.ID, &v.DocumentID, &v.BlobHash, &v.SequenceNumber, &status, &predecessor,
		&v.Filename, &v.MimeType, &v.SizeBytes, &v.FailureReason, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return domain.Version{}, err
	}
	v.Status = domain.VersionStatus(status)
	v.PredecessorID = predecessor.String
	return v, nil
}
