// Package dossier keeps the local snapshot of each external case: status,
// milestone timestamps, requested instruments and the instructor annotations
// the engine derives decisions from.
package dossier

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/collectivites/gsl/internal/domain"
)

// Dossier is the last known state of a case in the external system.
type Dossier struct {
	Number               int64               `json:"number"`
	ProjectID            string              `json:"project_id"`
	Status               domain.CaseStatus   `json:"status"`
	FiledAt              *time.Time          `json:"filed_at,omitempty"`
	EnteredInstructionAt *time.Time          `json:"entered_instruction_at,omitempty"`
	DecidedAt            *time.Time          `json:"decided_at,omitempty"`
	RequestedInstruments []domain.Instrument `json:"requested_instruments"`
	Annotations          Annotations         `json:"annotations"`
	SyncedAt             time.Time           `json:"synced_at"`
}

// InstrumentAnnotation holds the amounts instructors annotated for one instrument.
type InstrumentAnnotation struct {
	Assiette decimal.NullDecimal `json:"assiette"`
	Awarded  decimal.NullDecimal `json:"awarded"`
}

// Annotations are the private instructor fields of a case.
type Annotations struct {
	AcceptedInstruments []domain.Instrument                        `json:"accepted_instruments"`
	Amounts             map[domain.Instrument]InstrumentAnnotation `json:"amounts"`
}

// For returns the annotation of the instrument.
func (a Annotations) For(instrument domain.Instrument) (InstrumentAnnotation, bool) {
	ann, ok := a.Amounts[instrument]
	return ann, ok
}

// Set stores the annotation of the instrument.
func (a *Annotations) Set(instrument domain.Instrument, ann InstrumentAnnotation) {
	if a.Amounts == nil {
		a.Amounts = make(map[domain.Instrument]InstrumentAnnotation)
	}
	a.Amounts[instrument] = ann
}

// IsReopeningOf reports whether d is a genuine return to instruction compared
// to the previous snapshot: the case is under review again and entered
// instruction later than previously recorded.
func (d *Dossier) IsReopeningOf(previous *Dossier) bool {
	if previous == nil || d.Status != domain.CaseUnderReview || d.EnteredInstructionAt == nil {
		return false
	}
	if previous.EnteredInstructionAt == nil {
		return previous.Status.IsTerminal()
	}
	return d.EnteredInstructionAt.After(*previous.EnteredInstructionAt)
}

// Requests reports whether the applicant asked for the instrument.
func (d *Dossier) Requests(instrument domain.Instrument) bool {
	for _, i := range d.RequestedInstruments {
		if i == instrument {
			return true
		}
	}
	return false
}
