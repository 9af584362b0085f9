// Package events provides typed domain events and an in-process bus that
// fans them out to subscribers such as the websocket stream.
package events

// EventType represents different event types
type EventType string

const (
	ErrorOccurred EventType = "ERROR_OCCURRED"

	// Engine
	TrackStatusChanged EventType = "TRACK_STATUS_CHANGED"
	TrackDeleted       EventType = "TRACK_DELETED"
	CommitmentRecorded EventType = "COMMITMENT_RECORDED"
	CommitmentDeleted  EventType = "COMMITMENT_DELETED"
	ProjectSettled     EventType = "PROJECT_SETTLED"
	ProjectReopened    EventType = "PROJECT_REOPENED"
	DraftsPropagated   EventType = "DRAFTS_PROPAGATED"
	EnvelopeMissing    EventType = "ENVELOPE_MISSING"
	ExternalSyncFailed EventType = "EXTERNAL_SYNC_FAILED"
	RecomputeCompleted EventType = "RECOMPUTE_COMPLETED"

	// Maintenance
	BackupCompleted EventType = "BACKUP_COMPLETED"
)

// AllTypes returns every event type the system emits.
func AllTypes() []EventType {
	return []EventType{
		ErrorOccurred,
		TrackStatusChanged,
		TrackDeleted,
		CommitmentRecorded,
		CommitmentDeleted,
		ProjectSettled,
		ProjectReopened,
		DraftsPropagated,
		EnvelopeMissing,
		ExternalSyncFailed,
		RecomputeCompleted,
		BackupCompleted,
	}
}
