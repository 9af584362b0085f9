package events

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// TrackStatusChangedData contains data for TrackStatusChanged events
type TrackStatusChangedData struct {
	ProjectID  string `json:"project_id"`
	TrackID    string `json:"track_id"`
	Instrument string `json:"instrument"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// EventType returns the event type for TrackStatusChangedData
func (d *TrackStatusChangedData) EventType() EventType {
	return TrackStatusChanged
}

// TrackDeletedData contains data for TrackDeleted events
type TrackDeletedData struct {
	ProjectID  string `json:"project_id"`
	TrackID    string `json:"track_id"`
	Instrument string `json:"instrument"`
}

// EventType returns the event type for TrackDeletedData
func (d *TrackDeletedData) EventType() EventType {
	return TrackDeleted
}

// CommitmentRecordedData contains data for CommitmentRecorded events
type CommitmentRecordedData struct {
	ProjectID  string `json:"project_id"`
	TrackID    string `json:"track_id"`
	EnvelopeID string `json:"envelope_id"`
	Status     string `json:"status"`
	Amount     string `json:"amount"`
	Rate       string `json:"rate"`
}

// EventType returns the event type for CommitmentRecordedData
func (d *CommitmentRecordedData) EventType() EventType {
	return CommitmentRecorded
}

// CommitmentDeletedData contains data for CommitmentDeleted events
type CommitmentDeletedData struct {
	ProjectID string `json:"project_id"`
	TrackID   string `json:"track_id"`
}

// EventType returns the event type for CommitmentDeletedData
func (d *CommitmentDeletedData) EventType() EventType {
	return CommitmentDeleted
}

// ProjectSettledData contains data for ProjectSettled events
type ProjectSettledData struct {
	ProjectID     string `json:"project_id"`
	DossierNumber int64  `json:"dossier_number"`
	Status        string `json:"status"`
	NotifiedAt    string `json:"notified_at"`
}

// EventType returns the event type for ProjectSettledData
func (d *ProjectSettledData) EventType() EventType {
	return ProjectSettled
}

// ProjectReopenedData contains data for ProjectReopened events
type ProjectReopenedData struct {
	ProjectID     string `json:"project_id"`
	DossierNumber int64  `json:"dossier_number"`
}

// EventType returns the event type for ProjectReopenedData
func (d *ProjectReopenedData) EventType() EventType {
	return ProjectReopened
}

// DraftsPropagatedData contains data for DraftsPropagated events
type DraftsPropagatedData struct {
	ProjectID string `json:"project_id"`
	TrackID   string `json:"track_id"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
}

// EventType returns the event type for DraftsPropagatedData
func (d *DraftsPropagatedData) EventType() EventType {
	return DraftsPropagated
}

// EnvelopeMissingData contains data for EnvelopeMissing events
type EnvelopeMissingData struct {
	ProjectID  string `json:"project_id"`
	TrackID    string `json:"track_id"`
	Instrument string `json:"instrument"`
	Year       int    `json:"year"`
	Scope      string `json:"scope"`
}

// EventType returns the event type for EnvelopeMissingData
func (d *EnvelopeMissingData) EventType() EventType {
	return EnvelopeMissing
}

// ExternalSyncFailedData contains data for ExternalSyncFailed events
type ExternalSyncFailedData struct {
	ProjectID     string `json:"project_id"`
	DossierNumber int64  `json:"dossier_number"`
	Operation     string `json:"operation"`
	Attempts      int    `json:"attempts"`
	Error         string `json:"error"`
}

// EventType returns the event type for ExternalSyncFailedData
func (d *ExternalSyncFailedData) EventType() EventType {
	return ExternalSyncFailed
}

// RecomputeCompletedData contains data for RecomputeCompleted events
type RecomputeCompletedData struct {
	Processed  int   `json:"processed"`
	Failed     int   `json:"failed"`
	DurationMs int64 `json:"duration_ms"`
}

// EventType returns the event type for RecomputeCompletedData
func (d *RecomputeCompletedData) EventType() EventType {
	return RecomputeCompleted
}

// BackupCompletedData contains data for BackupCompleted events
type BackupCompletedData struct {
	Key       string `json:"key"`
	SizeBytes int64  `json:"size_bytes"`
}

// EventType returns the event type for BackupCompletedData
func (d *BackupCompletedData) EventType() EventType {
	return BackupCompleted
}
