// Package simulation holds planning sessions (simulations) and the draft
// allocations case workers edit in them, and keeps those drafts in step with
// track decisions.
package simulation

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/collectivites/gsl/internal/domain"
	"github.com/collectivites/gsl/internal/modules/territory"
)

// Simulation is a named planning session on one envelope.
type Simulation struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	EnvelopeID string    `json:"envelope_id"`
	Archived   bool      `json:"archived"`
	CreatedAt  time.Time `json:"created_at"`

	// Denormalised from the envelope
	Instrument    domain.Instrument `json:"instrument"`
	EnvelopeYear  int               `json:"envelope_year"`
	EnvelopeScope territory.Scope   `json:"envelope_scope"`
}

// Accepts reports whether a track of the instrument, on a project at scope,
// belongs in this simulation during year.
func (s *Simulation) Accepts(instrument domain.Instrument, projectScope territory.Scope, year int) bool {
	return !s.Archived &&
		s.Instrument == instrument &&
		s.EnvelopeYear >= year &&
		s.EnvelopeScope.IsAncestorOrSelf(projectScope)
}

// DraftAllocation is the proposed amount and status of one track inside one simulation.
type DraftAllocation struct {
	ID           string             `json:"id"`
	TrackID      string             `json:"track_id"`
	SimulationID string             `json:"simulation_id"`
	Amount       decimal.Decimal    `json:"amount"`
	Rate         decimal.Decimal    `json:"rate"`
	Status       domain.DraftStatus `json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Validate checks the draft's fields.
func (d *DraftAllocation) Validate() error {
	if !d.Status.Valid() {
		return &domain.ValidationError{Field: "status", Message: "unknown draft status " + string(d.Status)}
	}
	if d.Amount.IsNegative() {
		return &domain.ValidationError{Field: "amount", Message: "amount must not be negative"}
	}
	return nil
}
