package domain

import "time"

const (
	EntityDocument = "document"
	EntityVersion  = "version"
	EntityStage    = "stage"
)

const (
	ActionDocumentCreated  = "document_created"
	ActionVersionCreated   = "version_created"
	ActionVersionPromoted  = "version_promoted"
	ActionVersionReady     = "version_ready"
	ActionVersionFailed    = "version_failed"
	ActionVersionCancelled = "version_cancelled"
	ActionVersionDeleted   = "version_deleted"
	ActionStageStarted     = "stage_started"
	ActionStageReclaimed   = "stage_reclaimed"
	ActionStageSucceeded   = "stage_succeeded"
	ActionStageFailed      = "stage_failed"
	ActionStageAbandoned   = "stage_abandoned"
	ActionIndexRetracted   = "index_retracted"
)

// AuditEntry records one state transition. Entries are never updated.
type AuditEntry struct {
	ID         int64     `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	DocumentID string    `json:"document_id,omitempty"`
	VersionID  string    `json:"version_id,omitempty"`
	Action     string    `json:"action"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

type AuditFilter struct {
	DocumentID string
	VersionID  string
	Limit      int
}
