package domain

import "time"

const (
	EventVersionReady  = "version.ready"
	EventVersionFailed = "version.failed"
)

// VersionEvent is published to outbound collaborators when a version reaches
// a terminal pipeline outcome.
type VersionEvent struct {
	Type       string    `json:"type"`
	VersionID  string    `json:"version_id"`
	DocumentID string    `json:"document_id"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func VersionReadyEvent(v *Version, at time.Time) VersionEvent {
	return VersionEvent{Type: EventVersionReady, VersionID: v.ID, DocumentID: v.DocumentID, OccurredAt: at}
}

func VersionFailedEvent(v *Version, reason string, at time.Time) VersionEvent {
	return VersionEvent{Type: EventVersionFailed, VersionID: v.ID, DocumentID: v.DocumentID, Error: reason, OccurredAt: at}
}
