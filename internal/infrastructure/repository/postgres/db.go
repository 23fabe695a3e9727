package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/docflow/internal/core/domain"
)

const (
	schemaLockKey   = int64(2026030101)
	uniqueViolation = "23505"
)

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	owner_ref TEXT NOT NULL DEFAULT '',
	current_version_id TEXT,
	archived BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS document_versions (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	blob_hash TEXT NOT NULL,
	sequence_number BIGINT NOT NULL,
	status TEXT NOT NULL,
	predecessor_id TEXT,
	filename TEXT NOT NULL DEFAULT '',
	mime_type TEXT NOT NULL DEFAULT '',
	size_bytes BIGINT NOT NULL DEFAULT 0,
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (document_id, sequence_number)
);

CREATE TABLE IF NOT EXISTS processing_states (
	version_id TEXT NOT NULL REFERENCES document_versions(id),
	stage TEXT NOT NULL,
	stage_order SMALLINT NOT NULL,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at TIMESTAMPTZ,
	lease_owner TEXT NOT NULL DEFAULT '',
	lease_expires_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (version_id, stage)
);

CREATE INDEX IF NOT EXISTS idx_processing_states_status ON processing_states(status, updated_at);

CREATE TABLE IF NOT EXISTS extractions (
	version_id TEXT PRIMARY KEY REFERENCES document_versions(id),
	text TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	quality JSONB NOT NULL DEFAULT '{}'::jsonb,
	low_confidence BOOLEAN NOT NULL DEFAULT FALSE,
	extracted_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS classifications (
	version_id TEXT PRIMARY KEY REFERENCES document_versions(id),
	doc_type TEXT NOT NULL,
	tags JSONB NOT NULL DEFAULT '[]'::jsonb,
	confidence DOUBLE PRECISION NOT NULL,
	classified_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id BIGSERIAL PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	document_id TEXT NOT NULL DEFAULT '',
	version_id TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_log_document ON audit_log(document_id, id DESC);
CREATE INDEX IF NOT EXISTS idx_audit_log_version ON audit_log(version_id, id DESC);
`

// EnsureSchema creates the metadata tables. Concurrent api and worker
// startups serialize on an advisory lock.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction and commits when fn returns nil.
func withTx(ctx context.Context, db *sql.DB, op string, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op, fmt.Errorf("begin tx: %w", err))
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(op, fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// unavailable marks a database failure as retryable storage trouble. Typed
// domain errors pass through unchanged.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{
		domain.ErrDocumentNotFound,
		domain.ErrVersionNotFound,
		domain.ErrDocumentExists,
		domain.ErrSequenceConflict,
		domain.ErrVersionTerminal,
		domain.ErrOutputNotFound,
	} {
		if domain.IsKind(err, kind) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return domain.WrapError(domain.ErrStorageUnavailable, op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
