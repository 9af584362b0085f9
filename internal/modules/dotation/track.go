// Package dotation holds the per-(project, instrument) track: its status
// machine, the awarded-rate computation and the instrument-specific rules.
package dotation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/collectivites/gsl/internal/domain"
)

// RatePrecision is the number of decimals kept on percentage rates.
const RatePrecision = 3

// Track is one project's participation in one instrument.
type Track struct {
	ID               string              `json:"id"`
	ProjectID        string              `json:"project_id"`
	Instrument       domain.Instrument   `json:"instrument"`
	Status           domain.TrackStatus  `json:"status"`
	Assiette         decimal.NullDecimal `json:"assiette"`
	AwardedAmount    decimal.NullDecimal `json:"awarded_amount"`
	AwardedRate      decimal.NullDecimal `json:"awarded_rate"`
	CommitteeOpinion *bool               `json:"committee_opinion"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// NewTrack returns a processing track for the project and instrument.
func NewTrack(projectID string, instrument domain.Instrument) *Track {
	return &Track{
		ProjectID:  projectID,
		Instrument: instrument,
		Status:     domain.TrackProcessing,
	}
}

// CanTransition reports whether the state machine allows from -> to.
// Processing moves to any terminal status and terminal statuses only move back
// to Processing. Staying in place is always allowed.
func CanTransition(from, to domain.TrackStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if from == domain.TrackProcessing {
		return to.IsTerminal()
	}
	return to == domain.TrackProcessing
}

// Transition moves the track to status, failing with domain.ErrInvalidTransition.
func (t *Track) Transition(to domain.TrackStatus) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("track %s %s -> %s: %w", t.ID, t.Status, to, domain.ErrInvalidTransition)
	}
	t.Status = to
	if to == domain.TrackProcessing {
		t.AwardedAmount = decimal.NullDecimal{}
		t.AwardedRate = decimal.NullDecimal{}
		t.CommitteeOpinion = nil
	}
	return nil
}

// Settle moves the track to a terminal status even when it already holds a
// different one, by reopening it first. Used for authoritative case decisions.
func (t *Track) Settle(to domain.TrackStatus) error {
	if !to.IsTerminal() {
		return fmt.Errorf("track %s: %s is not a decision: %w", t.ID, to, domain.ErrInvalidTransition)
	}
	if t.Status.IsTerminal() && t.Status != to {
		if err := t.Transition(domain.TrackProcessing); err != nil {
			return err
		}
	}
	return t.Transition(to)
}

// Accept records an accepted decision with its awarded amount. base is the
// amount the rate is computed on (see Base). DETR tracks get a favourable
// committee opinion.
func (t *Track) Accept(awarded decimal.Decimal, base decimal.NullDecimal) error {
	if err := t.Settle(domain.TrackAccepted); err != nil {
		return err
	}
	t.AwardedAmount = decimal.NewNullDecimal(awarded)
	t.AwardedRate = decimal.NewNullDecimal(ComputeRate(awarded, base))
	if t.Instrument.HasCommitteeOpinion() {
		opinion := true
		t.CommitteeOpinion = &opinion
	} else {
		t.CommitteeOpinion = nil
	}
	return nil
}

// Base returns the amount rates are computed on: the track's assiette, or
// the project's base cost when the assiette is unknown.
func (t *Track) Base(projectBaseCost decimal.NullDecimal) decimal.NullDecimal {
	if t.Assiette.Valid {
		return t.Assiette
	}
	return projectBaseCost
}

// ComputeRate returns awarded / base * 100 rounded to RatePrecision decimals.
// An unknown or zero base yields zero.
func ComputeRate(awarded decimal.Decimal, base decimal.NullDecimal) decimal.Decimal {
	if !base.Valid || base.Decimal.IsZero() {
		return decimal.Zero
	}
	return awarded.Div(base.Decimal).Mul(decimal.NewFromInt(100)).Round(RatePrecision)
}

// Validate enforces field and cross-field invariants before a write.
func (t *Track) Validate() error {
	if t.ProjectID == "" {
		return &domain.ValidationError{Field: "project_id", Message: "track must belong to a project"}
	}
	if !t.Instrument.Valid() {
		return &domain.ValidationError{Field: "instrument", Message: fmt.Sprintf("unknown instrument %q", t.Instrument)}
	}
	if !t.Status.Valid() {
		return &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", t.Status)}
	}
	if t.CommitteeOpinion != nil && !t.Instrument.HasCommitteeOpinion() {
		return &domain.ValidationError{
			Field:   "committee_opinion",
			Message: fmt.Sprintf("committee opinion must be empty for %s tracks", t.Instrument),
		}
	}
	if t.Assiette.Valid && t.Assiette.Decimal.IsNegative() {
		return &domain.ValidationError{Field: "assiette", Message: "assiette must not be negative"}
	}
	if t.AwardedAmount.Valid && t.AwardedAmount.Decimal.IsNegative() {
		return &domain.ValidationError{Field: "awarded_amount", Message: "awarded amount must not be negative"}
	}
	return nil
}
