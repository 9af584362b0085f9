// Package domain provides the enumerations shared by the dotation modules.
package domain

import (
	"fmt"
	"strings"
)

// Instrument identifies one of the two grant programs a project can draw from.
type Instrument string

const (
	// DETR envelopes are held at department level. DETR is the only
	// instrument that carries a committee opinion.
	DETR Instrument = "DETR"
	// DSIL envelopes are held at region level.
	DSIL Instrument = "DSIL"
)

// Instruments returns every known instrument in a stable order.
func Instruments() []Instrument {
	return []Instrument{DETR, DSIL}
}

// Valid reports whether the instrument is known.
func (i Instrument) Valid() bool {
	return i == DETR || i == DSIL
}

// HasCommitteeOpinion reports whether tracks of this instrument may carry a committee opinion.
func (i Instrument) HasCommitteeOpinion() bool {
	return i == DETR
}

// ParseInstrument parses an instrument label as found in case fields ("DETR", "dsil ", ...).
func ParseInstrument(s string) (Instrument, error) {
	inst := Instrument(strings.ToUpper(strings.TrimSpace(s)))
	if !inst.Valid() {
		return "", fmt.Errorf("unknown instrument %q", s)
	}
	return inst, nil
}

// TrackStatus is the status of one project's participation in one instrument.
type TrackStatus string

const (
	TrackProcessing TrackStatus = "processing"
	TrackAccepted   TrackStatus = "accepted"
	TrackRefused    TrackStatus = "refused"
	TrackDismissed  TrackStatus = "dismissed"
)

// Valid reports whether the status is known.
func (s TrackStatus) Valid() bool {
	switch s {
	case TrackProcessing, TrackAccepted, TrackRefused, TrackDismissed:
		return true
	}
	return false
}

// IsTerminal reports whether the status is a final decision.
func (s TrackStatus) IsTerminal() bool {
	return s == TrackAccepted || s == TrackRefused || s == TrackDismissed
}

// CaseStatus is the status of a case in the external case-management system.
type CaseStatus string

const (
	CaseFiled       CaseStatus = "en_construction"
	CaseUnderReview CaseStatus = "en_instruction"
	CaseGranted     CaseStatus = "accepte"
	CaseDenied      CaseStatus = "refuse"
	CaseClosed      CaseStatus = "sans_suite"
)

// ParseCaseStatus parses an external case status. Unknown values yield an
// *InvalidCaseStateError.
func ParseCaseStatus(s string) (CaseStatus, error) {
	status := CaseStatus(strings.TrimSpace(s))
	switch status {
	case CaseFiled, CaseUnderReview, CaseGranted, CaseDenied, CaseClosed:
		return status, nil
	}
	return "", &InvalidCaseStateError{Status: s}
}

// IsTerminal reports whether the case has been decided.
func (s CaseStatus) IsTerminal() bool {
	return s == CaseGranted || s == CaseDenied || s == CaseClosed
}

// DraftStatus is the status of a draft allocation inside a simulation. It
// extends TrackStatus with the provisional decisions case workers make while planning.
type DraftStatus string

const (
	DraftProcessing            DraftStatus = "processing"
	DraftProvisionallyAccepted DraftStatus = "provisionally_accepted"
	DraftProvisionallyRefused  DraftStatus = "provisionally_refused"
	DraftAccepted              DraftStatus = "accepted"
	DraftRefused               DraftStatus = "refused"
	DraftDismissed             DraftStatus = "dismissed"
)

// Valid reports whether the status is known.
func (s DraftStatus) Valid() bool {
	switch s {
	case DraftProcessing, DraftProvisionallyAccepted, DraftProvisionallyRefused,
		DraftAccepted, DraftRefused, DraftDismissed:
		return true
	}
	return false
}

// IsProvisional reports whether the status only lives inside the simulation.
func (s DraftStatus) IsProvisional() bool {
	return s == DraftProvisionallyAccepted || s == DraftProvisionallyRefused
}

// TrackStatus returns the track status a non-provisional draft status maps to.
func (s DraftStatus) TrackStatus() (TrackStatus, bool) {
	switch s {
	case DraftProcessing:
		return TrackProcessing, true
	case DraftAccepted:
		return TrackAccepted, true
	case DraftRefused:
		return TrackRefused, true
	case DraftDismissed:
		return TrackDismissed, true
	}
	return "", false
}

// DraftStatusFor mirrors a track status into the draft vocabulary.
func DraftStatusFor(s TrackStatus) DraftStatus {
	switch s {
	case TrackAccepted:
		return DraftAccepted
	case TrackRefused:
		return DraftRefused
	case TrackDismissed:
		return DraftDismissed
	default:
		return DraftProcessing
	}
}
