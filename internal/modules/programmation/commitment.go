// Package programmation stores the final decision (commitment) of each track:
// the envelope charged, the committed amount and rate, and notification state.
package programmation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/collectivites/gsl/internal/domain"
)

// Commitment is the single authoritative final decision for a track.
type Commitment struct {
	ID         string             `json:"id"`
	TrackID    string             `json:"track_id"`
	EnvelopeID string             `json:"envelope_id"`
	Amount     decimal.Decimal    `json:"amount"`
	Rate       decimal.Decimal    `json:"rate"`
	Status     domain.TrackStatus `json:"status"`
	NotifiedAt *time.Time         `json:"notified_at,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Validate checks the commitment mirrors a terminal decision.
func (c *Commitment) Validate() error {
	if c.TrackID == "" {
		return &domain.ValidationError{Field: "track_id", Message: "commitment must reference a track"}
	}
	if c.EnvelopeID == "" {
		return &domain.ValidationError{Field: "envelope_id", Message: "commitment must reference the envelope charged"}
	}
	if !c.Status.IsTerminal() {
		return &domain.ValidationError{Field: "status", Message: fmt.Sprintf("commitment status %q is not a decision", c.Status)}
	}
	if c.Amount.IsNegative() {
		return &domain.ValidationError{Field: "amount", Message: "amount must not be negative"}
	}
	if c.Status != domain.TrackAccepted && !c.Amount.IsZero() {
		return &domain.ValidationError{Field: "amount", Message: "only accepted commitments carry an amount"}
	}
	return nil
}

// SupersedesReopening reports whether the commitment was decided after the
// case re-entered instruction, in which case the reopening must not undo it.
func (c *Commitment) SupersedesReopening(enteredInstructionAt time.Time) bool {
	return c.CreatedAt.After(enteredInstructionAt)
}

// SameDecision reports whether other records the same decision: status,
// envelope, amount and rate. Timestamps and notification state are ignored.
func (c *Commitment) SameDecision(other *Commitment) bool {
	if other == nil {
		return false
	}
	return c.Status == other.Status &&
		c.EnvelopeID == other.EnvelopeID &&
		c.Amount.Equal(other.Amount) &&
		c.Rate.Equal(other.Rate)
}
