package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kirillkom/docflow/internal/core/domain"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func versionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "document_id", "blob_hash", "sequence_number", "status", "predecessor_id",
		"filename", "mime_type", "size_bytes", "failure_reason", "created_at", "updated_at",
	})
}

func stateRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"version_id", "stage", "status", "attempt_count", "last_error",
		"next_attempt_at", "lease_owner", "lease_expires_at", "updated_at",
	})
}

func TestGetDocumentReturnsDomainNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDocumentRepository(db)

	mock.ExpectQuery("SELECT id, owner_ref, current_version_id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetDocument(context.Background(), "missing")
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestCreateDocumentMapsUniqueViolation(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDocumentRepository(db)

	mock.ExpectExec("INSERT INTO documents").
		WithArgs("doc-1", "alice", nil, false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := repo.CreateDocument(context.Background(), &domain.LogicalDocument{ID: "doc-1", OwnerRef: "alice", CreatedAt: testNow, UpdatedAt: testNow})
	if !domain.IsKind(err, domain.ErrDocumentExists) {
		t.Fatalf("expected ErrDocumentExists, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestInsertNextVersionAppendsToChain(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDocumentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM documents WHERE id = \$1 FOR UPDATE`).
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("doc-1"))
	mock.ExpectQuery("SELECT id, sequence_number").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "sequence_number"}).AddRow("v-prev", int64(4)))
	mock.ExpectExec("INSERT INTO document_versions").
		WithArgs("v-new", "doc-1", "abc", int64(5), "pending", "v-prev", "a.txt", "text/plain", int64(3), "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for i, stage := range domain.PipelineStages {
		mock.ExpectExec("INSERT INTO processing_states").
			WithArgs("v-new", string(stage), i, "pending", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	v := &domain.Version{
		ID:         "v-new",
		DocumentID: "doc-1",
		BlobHash:   "abc",
		Filename:   "a.txt",
		MimeType:   "text/plain",
		SizeBytes:  3,
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}
	if err := repo.InsertNextVersion(context.Background(), v); err != nil {
		t.Fatalf("InsertNextVersion() error = %v", err)
	}
	if v.SequenceNumber != 5 || v.PredecessorID != "v-prev" || v.Status != domain.VersionPending {
		t.Fatalf("unexpected version: %+v", v)
	}
	expectationsMet(t, mock)
}

func TestInsertNextVersionMapsDuplicateSequence(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDocumentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM documents WHERE id = \$1 FOR UPDATE`).
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("doc-1"))
	mock.ExpectQuery("SELECT id, sequence_number").
		WithArgs("doc-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO document_versions").
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err := repo.InsertNextVersion(context.Background(), &domain.Version{ID: "v1", DocumentID: "doc-1"})
	if !domain.IsKind(err, domain.ErrSequenceConflict) {
		t.Fatalf("expected ErrSequenceConflict, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestInsertNextVersionRequiresDocument(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDocumentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM documents WHERE id = \$1 FOR UPDATE`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := repo.InsertNextVersion(context.Background(), &domain.Version{ID: "v1", DocumentID: "missing"})
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestPromoteVersionMovesPointerForHigherSequence(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDocumentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, document_id, blob_hash .* FOR UPDATE").
		WithArgs("v2").
		WillReturnRows(versionRows().AddRow("v2", "doc-1", "h2", int64(2), "pending", "v1", "", "", int64(0), "", testNow, testNow))
	mock.ExpectQuery("SELECT d.current_version_id").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"current_version_id", "sequence_number"}).AddRow("v1", int64(1)))
	mock.ExpectExec("UPDATE document_versions SET status").
		WithArgs("v2", "ready", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE documents SET current_version_id").
		WithArgs("doc-1", "v2", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p, err := repo.PromoteVersion(context.Background(), "v2", testNow)
	if err != nil {
		t.Fatalf("PromoteVersion() error = %v", err)
	}
	if !p.Promoted || !p.Finalized || p.PreviousID != "v1" {
		t.Fatalf("unexpected promotion: %+v", p)
	}
	expectationsMet(t, mock)
}

func TestPromoteVersionKeepsNewerPointer(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDocumentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, document_id, blob_hash .* FOR UPDATE").
		WithArgs("v1").
		WillReturnRows(versionRows().AddRow("v1", "doc-1", "h1", int64(1), "pending", nil, "", "", int64(0), "", testNow, testNow))
	mock.ExpectQuery("SELECT d.current_version_id").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"current_version_id", "sequence_number"}).AddRow("v3", int64(3)))
	mock.ExpectExec("UPDATE document_versions SET status").
		WithArgs("v1", "ready", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p, err := repo.PromoteVersion(context.Background(), "v1", testNow)
	if err != nil {
		t.Fatalf("PromoteVersion() error = %v", err)
	}
	if p.Promoted || !p.Finalized {
		t.Fatalf("older version must finalize without promotion: %+v", p)
	}
	expectationsMet(t, mock)
}

func TestPromoteVersionRejectsCancelled(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDocumentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, document_id, blob_hash .* FOR UPDATE").
		WithArgs("v1").
		WillReturnRows(versionRows().AddRow("v1", "doc-1", "h1", int64(1), "cancelled", nil, "", "", int64(0), "", testNow, testNow))
	mock.ExpectQuery("SELECT d.current_version_id").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"current_version_id", "sequence_number"}).AddRow(nil, int64(0)))
	mock.ExpectRollback()

	_, err := repo.PromoteVersion(context.Background(), "v1", testNow)
	if !domain.IsKind(err, domain.ErrVersionTerminal) {
		t.Fatalf("expected ErrVersionTerminal, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestMarkVersionFailedReportsAlreadyTerminal(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDocumentRepository(db)

	mock.ExpectExec("UPDATE document_versions").
		WithArgs("v1", "failed", "boom", testNow, "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, document_id, blob_hash").
		WithArgs("v1").
		WillReturnRows(versionRows().AddRow("v1", "doc-1", "h1", int64(1), "ready", nil, "", "", int64(0), "", testNow, testNow))

	changed, err := repo.MarkVersionFailed(context.Background(), "v1", "boom", testNow)
	if err != nil {
		t.Fatalf("MarkVersionFailed() error = %v", err)
	}
	if changed {
		t.Fatalf("ready version must not be marked failed")
	}
	expectationsMet(t, mock)
}

func TestDeleteCurrentVersionRepointsToPreviousReady(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDocumentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, document_id, blob_hash .* FOR UPDATE").
		WithArgs("v2").
		WillReturnRows(versionRows().AddRow("v2", "doc-1", "h2", int64(2), "ready", "v1", "", "", int64(0), "", testNow, testNow))
	mock.ExpectQuery("SELECT d.current_version_id").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"current_version_id", "sequence_number"}).AddRow("v2", int64(2)))
	mock.ExpectExec("UPDATE document_versions SET status").
		WithArgs("v2", "deleted", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id FROM document_versions").
		WithArgs("doc-1", "ready").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("v1"))
	mock.ExpectExec("UPDATE documents SET current_version_id").
		WithArgs("doc-1", "v1", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d, err := repo.DeleteVersion(context.Background(), "v2", testNow)
	if err != nil {
		t.Fatalf("DeleteVersion() error = %v", err)
	}
	if !d.WasCurrent || d.NewCurrentID != "v1" {
		t.Fatalf("unexpected deletion: %+v", d)
	}
	expectationsMet(t, mock)
}

func TestAcquireLeaseStartsPendingStage(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProcessingRepository(db)
	until := testNow.Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version_id, stage, status").
		WithArgs("v1", "extraction").
		WillReturnRows(stateRows().AddRow("v1", "extraction", "pending", int64(0), "", nil, "", nil, testNow))
	mock.ExpectExec("UPDATE processing_states").
		WithArgs("v1", "extraction", "running", 1, "", nil, "worker-a", until, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	st, reclaimed, err := repo.AcquireLease(context.Background(), domain.StageKey{VersionID: "v1", Stage: domain.StageExtraction}, "worker-a", domain.DefaultRetryPolicy(), testNow, until)
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}
	if reclaimed || st.Status != domain.StageRunning || st.AttemptCount != 1 || st.LeaseOwner != "worker-a" {
		t.Fatalf("unexpected state: %+v reclaimed=%v", st, reclaimed)
	}
	expectationsMet(t, mock)
}

func TestAcquireLeaseRefusesLiveLease(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProcessingRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version_id, stage, status").
		WithArgs("v1", "extraction").
		WillReturnRows(stateRows().AddRow("v1", "extraction", "running", int64(1), "", nil, "worker-b", testNow.Add(30*time.Second), testNow))
	mock.ExpectRollback()

	_, _, err := repo.AcquireLease(context.Background(), domain.StageKey{VersionID: "v1", Stage: domain.StageExtraction}, "worker-a", domain.DefaultRetryPolicy(), testNow, testNow.Add(time.Minute))
	if !domain.IsKind(err, domain.ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestAcquireLeaseFailsExhaustedReclaim(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProcessingRepository(db)
	policy := domain.RetryPolicy{MaxAttempts: 3}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version_id, stage, status").
		WithArgs("v1", "extraction").
		WillReturnRows(stateRows().AddRow("v1", "extraction", "running", int64(3), "", nil, "worker-b/r3", testNow.Add(-time.Second), testNow.Add(-time.Minute)))
	mock.ExpectExec("UPDATE processing_states").
		WithArgs("v1", "extraction", "failed_terminal", 3, domain.LeaseExpiredReason, nil, "", nil, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	st, reclaimed, err := repo.AcquireLease(context.Background(), domain.StageKey{VersionID: "v1", Stage: domain.StageExtraction}, "worker-a/r4", policy, testNow, testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}
	if !reclaimed || st.Status != domain.StageFailedTerminal || st.LeaseOwner != "" {
		t.Fatalf("unexpected state: %+v reclaimed=%v", st, reclaimed)
	}
	expectationsMet(t, mock)
}

func TestListDuePassesCutoffAndLimit(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProcessingRepository(db)

	mock.ExpectQuery("SELECT s.version_id, s.stage").
		WithArgs(testNow, len(domain.PipelineStages)-1, defaultDueLimit).
		WillReturnRows(sqlmock.NewRows([]string{"version_id", "stage"}).
			AddRow("v1", "classification").
			AddRow("v2", "extraction"))

	items, err := repo.ListDue(context.Background(), testNow, 0)
	if err != nil {
		t.Fatalf("ListDue() error = %v", err)
	}
	if len(items) != 2 || items[0].Stage != domain.StageClassification || items[1].VersionID != "v2" {
		t.Fatalf("unexpected items: %+v", items)
	}
	expectationsMet(t, mock)
}

func TestStageOutputsMapMissingRows(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProcessingRepository(db)

	mock.ExpectQuery("FROM extractions").WithArgs("v1").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM classifications").WithArgs("v1").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM processing_states").WithArgs("v1").WillReturnRows(stateRows())

	if _, err := repo.GetExtraction(context.Background(), "v1"); !domain.IsKind(err, domain.ErrOutputNotFound) {
		t.Fatalf("extraction: expected ErrOutputNotFound, got %v", err)
	}
	if _, err := repo.GetClassification(context.Background(), "v1"); !domain.IsKind(err, domain.ErrOutputNotFound) {
		t.Fatalf("classification: expected ErrOutputNotFound, got %v", err)
	}
	if _, err := repo.ListStages(context.Background(), "v1"); !domain.IsKind(err, domain.ErrVersionNotFound) {
		t.Fatalf("stages: expected ErrVersionNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestGetClassificationDecodesTags(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProcessingRepository(db)

	mock.ExpectQuery("FROM classifications").
		WithArgs("v1").
		WillReturnRows(sqlmock.NewRows([]string{"version_id", "doc_type", "tags", "confidence", "classified_at"}).
			AddRow("v1", "invoice", []byte(`["finance","q1"]`), 0.8, testNow))

	cls, err := repo.GetClassification(context.Background(), "v1")
	if err != nil {
		t.Fatalf("GetClassification() error = %v", err)
	}
	if cls.DocType != "invoice" || len(cls.Tags) != 2 || cls.Tags[1] != "q1" {
		t.Fatalf("unexpected classification: %+v", cls)
	}
	expectationsMet(t, mock)
}

func TestDatabaseFailuresAreStorageUnavailable(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAuditRepository(db)

	mock.ExpectExec("INSERT INTO audit_log").WillReturnError(errors.New("connection reset"))

	err := repo.Append(context.Background(), domain.AuditEntry{OccurredAt: testNow, EntityType: domain.EntityVersion, EntityID: "v1", Action: domain.ActionVersionCreated})
	if !domain.IsKind(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestAuditListFiltersNewestFirst(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAuditRepository(db)

	mock.ExpectQuery("FROM audit_log").
		WithArgs("doc-1", "", 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "occurred_at", "entity_type", "entity_id", "document_id", "version_id",
			"action", "from_status", "to_status", "actor", "detail",
		}).
			AddRow(int64(2), testNow, "version", "v1", "doc-1", "v1", "version_ready", "pending", "ready", "worker-a", "").
			AddRow(int64(1), testNow, "version", "v1", "doc-1", "v1", "version_created", "", "pending", "api", ""))

	entries, err := repo.List(context.Background(), domain.AuditFilter{DocumentID: "doc-1", Limit: 10})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 || entries[0].ID != 2 || entries[0].Action != domain.ActionVersionReady {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	expectationsMet(t, mock)
}
