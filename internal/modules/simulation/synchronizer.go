package simulation

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/collectivites/gsl/internal/domain"
	"github.com/collectivites/gsl/internal/modules/dotation"
	"github.com/collectivites/gsl/internal/modules/programmation"
	"github.com/collectivites/gsl/internal/modules/territory"
)

// Synchronizer propagates track state into the drafts of open simulations.
type Synchronizer struct {
	repo *Repository
	log  zerolog.Logger
	now  func() time.Time
}

// NewSynchronizer creates a synchronizer. now drives the "current year"
// lower bound on simulation envelopes.
func NewSynchronizer(repo *Repository, now func() time.Time, log zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		repo: repo,
		log:  log.With().Str("component", "simulation_sync").Logger(),
		now:  now,
	}
}

// WithTx returns a copy of the synchronizer bound to tx.
func (s *Synchronizer) WithTx(tx *sql.Tx) *Synchronizer {
	c := *s
	c.repo = s.repo.WithTx(tx)
	return &c
}

// Propagation describes a track to propagate.
type Propagation struct {
	Track        *dotation.Track
	ProjectScope territory.Scope
	// Commitment is the track's final decision; nil while Processing.
	Commitment *programmation.Commitment
}

// Result lists the drafts the propagation touched.
type Result struct {
	Created []*DraftAllocation `json:"created"`
	Updated []*DraftAllocation `json:"updated"`
}

// Propagate adds a draft for the track to every open simulation that covers
// it and does not hold one yet, then brings the track's existing drafts in
// line with its status. Drafts are never deleted.
func (s *Synchronizer) Propagate(ctx context.Context, p Propagation) (*Result, error) {
	track := p.Track
	result := &Result{}

	targets, err := s.repo.ListOpenCovering(ctx, track.Instrument, s.now().Year(), p.ProjectScope)
	if err != nil {
		return nil, err
	}

	for _, sim := range targets {
		draft := seedDraft(p)
		draft.SimulationID = sim.ID
		created, err := s.repo.InsertDraftIfAbsent(ctx, draft)
		if err != nil {
			return nil, err
		}
		if created {
			result.Created = append(result.Created, draft)
		}
	}

	drafts, err := s.repo.ListDraftsByTrack(ctx, track.ID)
	if err != nil {
		return nil, err
	}
	for _, draft := range drafts {
		if !reconcile(draft, p) {
			continue
		}
		if err := s.repo.UpdateDraft(ctx, draft); err != nil {
			return nil, err
		}
		result.Updated = append(result.Updated, draft)
	}

	if len(result.Created) > 0 || len(result.Updated) > 0 {
		s.log.Debug().
			Str("track_id", track.ID).
			Int("created", len(result.Created)).
			Int("updated", len(result.Updated)).
			Msg("Track propagated to simulations")
	}
	return result, nil
}

// seedDraft builds the initial draft for a track: decided tracks copy their
// commitment, processing tracks start at zero pending manual planning.
func seedDraft(p Propagation) *DraftAllocation {
	draft := &DraftAllocation{
		TrackID: p.Track.ID,
		Status:  domain.DraftStatusFor(p.Track.Status),
		Amount:  decimal.Zero,
		Rate:    decimal.Zero,
	}
	if p.Track.Status.IsTerminal() && p.Commitment != nil {
		draft.Amount = p.Commitment.Amount
		draft.Rate = p.Commitment.Rate
	}
	return draft
}

// reconcile aligns an existing draft with the track and reports whether it changed.
// Decided tracks impose their status and committed amount. Processing tracks
// only demote drafts that still show a final decision; provisional statuses
// and planned amounts are the case workers' and are kept.
func reconcile(d *DraftAllocation, p Propagation) bool {
	track := p.Track
	if track.Status.IsTerminal() {
		status := domain.DraftStatusFor(track.Status)
		amount, rate := d.Amount, d.Rate
		if p.Commitment != nil {
			amount, rate = p.Commitment.Amount, p.Commitment.Rate
		}
		if d.Status == status && d.Amount.Equal(amount) && d.Rate.Equal(rate) {
			return false
		}
		d.Status, d.Amount, d.Rate = status, amount, rate
		return true
	}

	if _, final := d.Status.TrackStatus(); final && d.Status != domain.DraftProcessing {
		d.Status = domain.DraftProcessing
		return true
	}
	return false
}
