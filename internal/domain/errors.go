package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by repositories when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateEnvelope is returned when an envelope already exists for (year, instrument, scope).
	ErrDuplicateEnvelope = errors.New("an envelope already exists for this year, instrument and scope")
	// ErrEnvelopeInUse is returned when deleting an envelope still referenced by
	// simulations or delegated envelopes.
	ErrEnvelopeInUse = errors.New("envelope is still referenced")
	// ErrInvalidTransition is returned for a track status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid track status transition")
)

// EnvelopeNotFoundError is returned when no delegation-root envelope exists for
// the instrument, year and scope a track resolves to.
type EnvelopeNotFoundError struct {
	Instrument Instrument
	Year       int
	ScopeKey   string
	ProjectID  string
	TrackID    string
}

func (e *EnvelopeNotFoundError) Error() string {
	return fmt.Sprintf("no root envelope for %s %d on scope %s (project %s, track %s)",
		e.Instrument, e.Year, e.ScopeKey, e.ProjectID, e.TrackID)
}

// InvalidCaseStateError is returned for a case status the engine does not know.
type InvalidCaseStateError struct {
	Status string
}

func (e *InvalidCaseStateError) Error() string {
	return fmt.Sprintf("invalid case state %q", e.Status)
}

// ValidationError rejects a write that breaks a field or cross-field invariant.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ExternalSyncError is returned once calls to the case system are exhausted.
type ExternalSyncError struct {
	Operation     string
	DossierNumber int64
	Attempts      int
	Err           error
}

func (e *ExternalSyncError) Error() string {
	return fmt.Sprintf("case system %s for dossier %d failed after %d attempt(s): %v",
		e.Operation, e.DossierNumber, e.Attempts, e.Err)
}

func (e *ExternalSyncError) Unwrap() error {
	return e.Err
}

// MissingAnnotationWarning describes a case annotation that was expected but
// absent. It is logged, never returned: the operation proceeds with null/zero.
type MissingAnnotationWarning struct {
	DossierNumber int64
	Instrument    Instrument
	Field         string
}

func (w *MissingAnnotationWarning) Error() string {
	return fmt.Sprintf("dossier %d: missing %s annotation for %s", w.DossierNumber, w.Field, w.Instrument)
}
