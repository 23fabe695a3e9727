package domain

import (
	"io"
	"time"
)

// LogicalDocument is the stable identity shared by every version of a document.
type LogicalDocument struct {
	ID               string    `json:"id"`
	OwnerRef         string    `json:"owner_ref,omitempty"`
	CurrentVersionID string    `json:"current_version_id,omitempty"`
	Archived         bool      `json:"archived"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type VersionStatus string

const (
	VersionPending   VersionStatus = "pending"
	VersionReady     VersionStatus = "ready"
	VersionFailed    VersionStatus = "failed"
	VersionCancelled VersionStatus = "cancelled"
	VersionDeleted   VersionStatus = "deleted"
)

func (s VersionStatus) Terminal() bool {
	return s != VersionPending
}

// Version is one immutable snapshot of a document. BlobHash and
// SequenceNumber never change after insert.
type Version struct {
	ID             string        `json:"id"`
	DocumentID     string        `json:"document_id"`
	BlobHash       string        `json:"blob_hash"`
	SequenceNumber int64         `json:"sequence_number"`
	Status         VersionStatus `json:"status"`
	PredecessorID  string        `json:"predecessor_id,omitempty"`
	Filename       string        `json:"filename,omitempty"`
	MimeType       string        `json:"mime_type,omitempty"`
	SizeBytes      int64         `json:"size_bytes"`
	FailureReason  string        `json:"failure_reason,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// VersionMeta carries descriptive upload attributes. It does not take part in
// content addressing.
type VersionMeta struct {
	Filename  string
	MimeType  string
	SizeBytes int64
}

// Promotion reports the outcome of a compare-and-swap on the current pointer.
type Promotion struct {
	DocumentID string `json:"document_id"`
	VersionID  string `json:"version_id"`
	PreviousID string `json:"previous_id,omitempty"`
	Promoted   bool   `json:"promoted"`
	// Finalized is true only for the call that moved the version to READY.
	Finalized  bool   `json:"finalized"`
}

// Deletion reports the pointer movement caused by a force-delete.
type Deletion struct {
	DocumentID   string `json:"document_id"`
	VersionID    string `json:"version_id"`
	WasCurrent   bool   `json:"was_current"`
	NewCurrentID string `json:"new_current_id,omitempty"`
}

// UploadRequest is the inbound DocumentUploaded event. An empty DocumentID
// creates a new logical document.
type UploadRequest struct {
	DocumentID string
	OwnerRef   string
	Filename   string
	MimeType   string
	Body       io.Reader
}

// FirstVersionPolicy decides what happens when two uploads race to create the
// same caller-supplied document id.
type FirstVersionPolicy string

const (
	FirstVersionMerge  FirstVersionPolicy = "merge"
	FirstVersionReject FirstVersionPolicy = "reject"
)

func ParseFirstVersionPolicy(raw string) FirstVersionPolicy {
	if FirstVersionPolicy(raw) == FirstVersionReject {
		return FirstVersionReject
	}
	return FirstVersionMerge
}

// VersionDetail is the read model of one version and its pipeline progress.
type VersionDetail struct {
	Version        Version           `json:"version"`
	Current        bool              `json:"current"`
	Stages         []ProcessingState `json:"stages"`
	Extraction     *Extraction       `json:"extraction,omitempty"`
	Classification *Classification   `json:"classification,omitempty"`
}
