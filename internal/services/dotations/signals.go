package dotations

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/collectivites/gsl/internal/domain"
	"github.com/collectivites/gsl/internal/modules/dotation"
	"github.com/collectivites/gsl/internal/modules/programmation"
)

// applyCase applies the case signal held by rn.current to the project's tracks.
func (e *Engine) applyCase(ctx context.Context, rn *run) error {
	d := rn.current
	switch d.Status {
	case domain.CaseFiled:
		return e.syncRequested(ctx, rn)
	case domain.CaseUnderReview:
		if err := e.syncRequested(ctx, rn); err != nil {
			return err
		}
		if d.EnteredInstructionAt == nil {
			return nil
		}
		if rn.previous != nil && !d.IsReopeningOf(rn.previous) {
			return nil
		}
		return e.reopen(ctx, rn, *d.EnteredInstructionAt)
	case domain.CaseGranted:
		return e.grant(ctx, rn)
	case domain.CaseDenied:
		return e.decideAll(ctx, rn, domain.TrackRefused, domain.TrackRefused)
	case domain.CaseClosed:
		return e.decideAll(ctx, rn, domain.TrackDismissed, domain.TrackRefused, domain.TrackDismissed)
	default:
		return &domain.InvalidCaseStateError{Status: string(d.Status)}
	}
}

// syncRequested aligns the tracks with the requested instruments: missing
// ones are created, processing ones no longer requested are removed. An
// empty request list leaves the tracks alone.
func (e *Engine) syncRequested(ctx context.Context, rn *run) error {
	d := rn.current
	if len(d.RequestedInstruments) == 0 {
		return nil
	}
	for _, instrument := range d.RequestedInstruments {
		t, err := e.ensureTrack(ctx, rn, instrument)
		if err != nil {
			return err
		}
		ann, ok := d.Annotations.For(instrument)
		if ok && ann.Assiette.Valid && (!t.Assiette.Valid || !ann.Assiette.Decimal.Equal(t.Assiette.Decimal)) {
			t.Assiette = ann.Assiette
			if err := rn.r.tracks.Update(ctx, t); err != nil {
				return err
			}
		}
	}
	for _, t := range rn.sortedTracks() {
		if t.Status == domain.TrackProcessing && !d.Requests(t.Instrument) {
			if err := e.removeTrack(ctx, rn, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// reopenTargets returns the decided tracks a return to instruction at
// entered must revert: those whose commitment is missing or predates it.
func reopenTargets(tracks []*dotation.Track, commitments map[string]*programmation.Commitment, entered time.Time) []*dotation.Track {
	var targets []*dotation.Track
	for _, t := range tracks {
		if !t.Status.IsTerminal() {
			continue
		}
		if c, ok := commitments[t.ID]; ok && c.SupersedesReopening(entered) {
			continue
		}
		targets = append(targets, t)
	}
	return targets
}

func (e *Engine) reopen(ctx context.Context, rn *run, entered time.Time) error {
	targets := reopenTargets(rn.sortedTracks(), rn.commitments, entered)
	for _, t := range targets {
		if err := e.revert(ctx, rn, t); err != nil {
			return err
		}
	}
	if len(targets) > 0 {
		rn.log.Info().
			Time("entered_instruction_at", entered).
			Int("reverted", len(targets)).
			Msg("Case reopened")
	}
	return nil
}

// acceptedInstruments returns the instruments a granted case awards. The
// annotated set is authoritative; without it the requested set is used,
// minus instruments already refused or dismissed.
func (e *Engine) acceptedInstruments(rn *run) []domain.Instrument {
	d := rn.current
	if len(d.Annotations.AcceptedInstruments) > 0 {
		return d.Annotations.AcceptedInstruments
	}

	var fallback []domain.Instrument
	for _, instrument := range d.RequestedInstruments {
		if t, ok := rn.tracks[instrument]; ok && (t.Status == domain.TrackRefused || t.Status == domain.TrackDismissed) {
			continue
		}
		fallback = append(fallback, instrument)
	}
	rn.log.Warn().
		Interface("requested", d.RequestedInstruments).
		Interface("fallback", fallback).
		Msg("Granted case has no accepted instruments annotated, falling back to requested instruments")
	return fallback
}

func (e *Engine) grant(ctx context.Context, rn *run) error {
	d := rn.current
	accepted := e.acceptedInstruments(rn)
	if len(accepted) == 0 {
		return &domain.ValidationError{
			Field:   "accepted_instruments",
			Message: fmt.Sprintf("granted dossier %d names no instrument", d.Number),
		}
	}

	keep := make(map[domain.Instrument]bool, len(accepted))
	for _, instrument := range accepted {
		keep[instrument] = true
	}
	for _, t := range rn.sortedTracks() {
		if keep[t.Instrument] || t.Status == domain.TrackRefused || t.Status == domain.TrackDismissed {
			continue
		}
		if err := e.removeTrack(ctx, rn, t); err != nil {
			return err
		}
	}

	decided := e.decisionDate(rn)
	for _, instrument := range accepted {
		t, err := e.ensureTrack(ctx, rn, instrument)
		if err != nil {
			return err
		}

		ann, _ := d.Annotations.For(instrument)
		if !ann.Assiette.Valid {
			e.warnMissing(rn, instrument, "assiette")
		} else {
			t.Assiette = ann.Assiette
		}
		awarded := decimal.Zero
		if !ann.Awarded.Valid {
			e.warnMissing(rn, instrument, "awarded_amount")
		} else {
			awarded = ann.Awarded.Decimal
		}

		if err := e.settle(ctx, rn, t, domain.TrackAccepted, awarded, decided, nil); err != nil {
			return err
		}
	}
	return nil
}

// decideAll settles every track not already in one of skip to status. The
// requested instruments get a track first so the decision covers them.
func (e *Engine) decideAll(ctx context.Context, rn *run, status domain.TrackStatus, skip ...domain.TrackStatus) error {
	for _, instrument := range rn.current.RequestedInstruments {
		if _, err := e.ensureTrack(ctx, rn, instrument); err != nil {
			return err
		}
	}

	decided := e.decisionDate(rn)
	for _, t := range rn.sortedTracks() {
		if containsStatus(skip, t.Status) {
			continue
		}
		if err := e.settle(ctx, rn, t, status, decimal.Zero, decided, nil); err != nil {
			return err
		}
	}
	return nil
}

// decisionDate is the case's decision timestamp, or now when the case
// carries none.
func (e *Engine) decisionDate(rn *run) time.Time {
	if d := rn.current; d != nil && d.DecidedAt != nil {
		return *d.DecidedAt
	}
	if rn.current != nil {
		rn.log.Warn().Msg("Decided case has no decision date, using current time")
	}
	return e.now()
}

func (e *Engine) warnMissing(rn *run, instrument domain.Instrument, field string) {
	w := &domain.MissingAnnotationWarning{
		DossierNumber: rn.project.DossierNumber,
		Instrument:    instrument,
		Field:         field,
	}
	rn.log.Warn().Str("instrument", string(instrument)).Str("field", field).Msg(w.Error())
}

func containsStatus(statuses []domain.TrackStatus, s domain.TrackStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// caseStatusFor maps a settled aggregate to the case decision telling it.
func caseStatusFor(aggregate domain.TrackStatus) (domain.CaseStatus, bool) {
	switch aggregate {
	case domain.TrackAccepted:
		return domain.CaseGranted, true
	case domain.TrackRefused:
		return domain.CaseDenied, true
	case domain.TrackDismissed:
		return domain.CaseClosed, true
	}
	return "", false
}
