// Package dotations is the dotation engine: it applies case signals to a
// project's tracks, charges decisions to their root envelope, gates applicant
// notification on the project aggregate and keeps simulation drafts in step.
//
// Every write for one project runs under that project's lock and inside a
// single transaction, so a failure leaves the project as it was.
package dotations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/collectivites/gsl/internal/clients/casefile"
	"github.com/collectivites/gsl/internal/database"
	"github.com/collectivites/gsl/internal/domain"
	"github.com/collectivites/gsl/internal/events"
	"github.com/collectivites/gsl/internal/modules/dossier"
	"github.com/collectivites/gsl/internal/modules/dotation"
	"github.com/collectivites/gsl/internal/modules/envelope"
	"github.com/collectivites/gsl/internal/modules/programmation"
	"github.com/collectivites/gsl/internal/modules/project"
	"github.com/collectivites/gsl/internal/modules/simulation"
)

const moduleName = "dotations"

// CaseClient is the part of the case-system client the engine calls.
type CaseClient interface {
	FetchDossier(ctx context.Context, number int64) (*dossier.Dossier, error)
	UpdateAnnotations(ctx context.Context, number int64, instrument domain.Instrument, update casefile.AnnotationUpdate) error
	NotifyApplicant(ctx context.Context, number int64, decision domain.CaseStatus, motivation string) error
	RevertToInstruction(ctx context.Context, number int64) error
}

// Config tunes the batch recompute.
type Config struct {
	// ChunkSize is the number of projects handed to one worker
	ChunkSize int
	// Workers bounds the chunks processed concurrently
	Workers int
}

// DefaultConfig returns the batch settings used in production.
func DefaultConfig() Config {
	return Config{ChunkSize: 500, Workers: 4}
}

// Deps are the engine's collaborators.
type Deps struct {
	DB      *sql.DB
	Locker  database.ProjectLocker
	Cases   CaseClient
	Events  *events.Manager
	Metrics *Metrics
	// Now defaults to time.Now
	Now func() time.Time
}

// Engine applies case signals and local decisions to projects.
type Engine struct {
	db      *sql.DB
	locker  database.ProjectLocker
	cases   CaseClient
	events  *events.Manager
	metrics *Metrics
	now     func() time.Time
	cfg     Config
	log     zerolog.Logger

	projects    *project.Repository
	tracks      *dotation.Repository
	commitments *programmation.Repository
	dossiers    *dossier.Repository
	envelopes   *envelope.Repository
	simulations *simulation.Repository
	sync        *simulation.Synchronizer
}

// NewEngine creates the engine and its repositories on deps.DB.
func NewEngine(deps Deps, cfg Config, log zerolog.Logger) *Engine {
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Locker == nil {
		deps.Locker = database.NewMemoryLocker()
	}
	defaults := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaults.ChunkSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}

	simulations := simulation.NewRepository(deps.DB, log).WithClock(now)
	return &Engine{
		db:          deps.DB,
		locker:      deps.Locker,
		cases:       deps.Cases,
		events:      deps.Events,
		metrics:     deps.Metrics,
		now:         now,
		cfg:         cfg,
		log:         log.With().Str("service", "dotations").Logger(),
		projects:    project.NewRepository(deps.DB, log),
		tracks:      dotation.NewRepository(deps.DB, log),
		commitments: programmation.NewRepository(deps.DB, log).WithClock(now),
		dossiers:    dossier.NewRepository(deps.DB, log),
		envelopes:   envelope.NewRepository(deps.DB, log),
		simulations: simulations,
		sync:        simulation.NewSynchronizer(simulations, now, log),
	}
}

// repos are the repositories bound to one transaction.
type repos struct {
	projects    *project.Repository
	tracks      *dotation.Repository
	commitments *programmation.Repository
	dossiers    *dossier.Repository
	envelopes   *envelope.Repository
	simulations *simulation.Repository
	sync        *simulation.Synchronizer
}

func (e *Engine) bind(tx *sql.Tx) repos {
	return repos{
		projects:    e.projects.WithTx(tx),
		tracks:      e.tracks.WithTx(tx),
		commitments: e.commitments.WithTx(tx),
		dossiers:    e.dossiers.WithTx(tx),
		envelopes:   e.envelopes.WithTx(tx),
		simulations: e.simulations.WithTx(tx),
		sync:        e.sync.WithTx(tx),
	}
}

// lockProject takes the project's single-writer lock.
func (e *Engine) lockProject(ctx context.Context, projectID string) (func(), error) {
	unlock, err := e.locker.Lock(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock project %s: %w", projectID, err)
	}
	return unlock, nil
}

// inTx runs fn in one transaction and publishes the collected events once it
// has committed.
func (e *Engine) inTx(ctx context.Context, fn func(r repos, out *outcome) error) error {
	out := &outcome{}
	err := database.WithTransaction(ctx, e.db, func(tx *sql.Tx) error {
		return fn(e.bind(tx), out)
	})
	if err != nil {
		return err
	}
	e.publish(out)
	return nil
}

// outcome collects what a transaction did, for publication after commit.
type outcome struct {
	events []events.EventData
	gate   project.Gate
}

func (o *outcome) emit(d events.EventData) {
	o.events = append(o.events, d)
}

func (e *Engine) publish(out *outcome) {
	for _, d := range out.events {
		e.events.EmitTyped(moduleName, d)
	}
	if out.gate != project.GateUnchanged {
		e.metrics.gate(out.gate.String())
	}
}

// ProjectView is the state of a project after an engine operation.
type ProjectView struct {
	Project     *project.Project            `json:"project"`
	Tracks      []*dotation.Track           `json:"tracks"`
	Commitments []*programmation.Commitment `json:"commitments"`
	Gate        string                      `json:"gate"`
}

// run is one application of engine rules to a project inside a transaction.
type run struct {
	r           repos
	out         *outcome
	project     *project.Project
	current     *dossier.Dossier
	previous    *dossier.Dossier
	tracks      map[domain.Instrument]*dotation.Track
	commitments map[string]*programmation.Commitment // by track id
	log         zerolog.Logger
}

func (e *Engine) newRun(ctx context.Context, r repos, out *outcome, p *project.Project) (*run, error) {
	tracks, err := r.tracks.ListByProject(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	commitments, err := r.commitments.ListByProject(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	rn := &run{
		r:           r,
		out:         out,
		project:     p,
		tracks:      make(map[domain.Instrument]*dotation.Track, len(tracks)),
		commitments: make(map[string]*programmation.Commitment, len(commitments)),
		log: e.log.With().
			Str("project_id", p.ID).
			Int64("dossier_number", p.DossierNumber).
			Logger(),
	}
	for _, t := range tracks {
		rn.tracks[t.Instrument] = t
	}
	for _, c := range commitments {
		rn.commitments[c.TrackID] = c
	}
	return rn, nil
}

// sortedTracks returns the run's tracks in instrument order.
func (rn *run) sortedTracks() []*dotation.Track {
	out := make([]*dotation.Track, 0, len(rn.tracks))
	for _, t := range rn.tracks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// finish recomputes the aggregate, applies the notification gate, propagates
// every track into open simulations and returns the resulting view.
func (e *Engine) finish(ctx context.Context, rn *run) (*ProjectView, error) {
	tracks := rn.sortedTracks()
	statuses := make([]domain.TrackStatus, 0, len(tracks))
	for _, t := range tracks {
		statuses = append(statuses, t.Status)
	}

	p := rn.project
	aggregate := project.AggregateStatus(statuses)
	gate := p.ApplyAggregate(aggregate, e.now())
	rn.out.gate = gate

	if gate == project.GateSettled {
		if err := rn.r.commitments.MarkProjectNotified(ctx, p.ID, *p.NotifiedAt); err != nil {
			return nil, err
		}
		for _, c := range rn.commitments {
			if c.NotifiedAt == nil {
				at := *p.NotifiedAt
				c.NotifiedAt = &at
			}
		}
	}
	if err := rn.r.projects.UpdateState(ctx, p); err != nil {
		return nil, err
	}

	switch gate {
	case project.GateSettled:
		rn.log.Info().Str("status", string(aggregate)).Msg("Project settled")
		rn.out.emit(&events.ProjectSettledData{
			ProjectID:     p.ID,
			DossierNumber: p.DossierNumber,
			Status:        string(aggregate),
			NotifiedAt:    p.NotifiedAt.Format(time.RFC3339),
		})
	case project.GateReopened:
		rn.log.Info().Msg("Project reopened")
		rn.out.emit(&events.ProjectReopenedData{ProjectID: p.ID, DossierNumber: p.DossierNumber})
	}

	view := &ProjectView{Project: p, Tracks: tracks, Gate: gate.String()}
	for _, t := range tracks {
		var c *programmation.Commitment
		if t.Status.IsTerminal() {
			c = rn.commitments[t.ID]
		}
		if c != nil {
			view.Commitments = append(view.Commitments, c)
		}
		if err := e.propagate(ctx, rn, t, c); err != nil {
			return nil, err
		}
	}
	return view, nil
}

func (e *Engine) propagate(ctx context.Context, rn *run, t *dotation.Track, c *programmation.Commitment) error {
	result, err := rn.r.sync.Propagate(ctx, simulation.Propagation{
		Track:        t,
		ProjectScope: rn.project.Scope,
		Commitment:   c,
	})
	if err != nil {
		return fmt.Errorf("failed to propagate track %s: %w", t.ID, err)
	}
	if len(result.Created) > 0 || len(result.Updated) > 0 {
		rn.out.emit(&events.DraftsPropagatedData{
			ProjectID: rn.project.ID,
			TrackID:   t.ID,
			Created:   len(result.Created),
			Updated:   len(result.Updated),
		})
	}
	return nil
}

// resolveEnvelope finds the root envelope a decision on t is charged to.
func (e *Engine) resolveEnvelope(ctx context.Context, envelopes *envelope.Repository, p *project.Project, t *dotation.Track, decisionDate time.Time, allowNextYear bool) (*envelope.Envelope, error) {
	env, err := envelopes.ResolveRoot(ctx, envelope.Query{
		Instrument:    t.Instrument,
		ProjectScope:  p.Scope,
		DecisionDate:  decisionDate,
		AllowNextYear: allowNextYear,
		ProjectID:     p.ID,
		TrackID:       t.ID,
	})
	var notFound *domain.EnvelopeNotFoundError
	if errors.As(err, &notFound) {
		e.metrics.missingEnvelope(string(t.Instrument))
		// Published even when the surrounding transaction rolls back
		e.events.EmitTyped(moduleName, &events.EnvelopeMissingData{
			ProjectID:  p.ID,
			TrackID:    t.ID,
			Instrument: string(t.Instrument),
			Year:       notFound.Year,
			Scope:      notFound.ScopeKey,
		})
	}
	return env, err
}

// settle records a decision on the track: status, amounts, and the
// commitment. A nil env keeps the envelope of an identical earlier decision,
// or charges the root envelope the decision resolves to.
func (e *Engine) settle(ctx context.Context, rn *run, t *dotation.Track, status domain.TrackStatus, awarded decimal.Decimal, decisionDate time.Time, env *envelope.Envelope) error {
	var envelopeID string
	previous := rn.commitments[t.ID]
	switch {
	case env != nil:
		envelopeID = env.ID
	case previous != nil && previous.Status == status:
		envelopeID = previous.EnvelopeID
	default:
		resolved, err := e.resolveEnvelope(ctx, rn.r.envelopes, rn.project, t, decisionDate, status != domain.TrackAccepted)
		if err != nil {
			return err
		}
		envelopeID = resolved.ID
	}

	var err error
	from := t.Status
	if status == domain.TrackAccepted {
		err = t.Accept(awarded, t.Base(rn.project.BaseCost))
	} else {
		err = t.Settle(status)
	}
	if err != nil {
		return err
	}
	if err := rn.r.tracks.Update(ctx, t); err != nil {
		return err
	}

	c := &programmation.Commitment{
		TrackID:    t.ID,
		EnvelopeID: envelopeID,
		Amount:     decimal.Zero,
		Rate:       decimal.Zero,
		Status:     status,
	}
	if status == domain.TrackAccepted {
		c.Amount = t.AwardedAmount.Decimal
		c.Rate = t.AwardedRate.Decimal
	}
	if err := rn.r.commitments.Upsert(ctx, c); err != nil {
		return err
	}
	rn.commitments[t.ID] = c

	if from != status {
		rn.out.emit(trackChanged(t, from))
	}
	if c.SameDecision(previous) {
		return nil
	}
	rn.out.emit(&events.CommitmentRecordedData{
		ProjectID:  t.ProjectID,
		TrackID:    t.ID,
		EnvelopeID: envelopeID,
		Status:     string(status),
		Amount:     c.Amount.String(),
		Rate:       c.Rate.String(),
	})
	rn.log.Debug().
		Str("track_id", t.ID).
		Str("instrument", string(t.Instrument)).
		Str("status", string(status)).
		Str("envelope_id", envelopeID).
		Msg("Track decided")
	return nil
}

// revert sends a decided track back to processing and drops its commitment.
// Drafts are kept.
func (e *Engine) revert(ctx context.Context, rn *run, t *dotation.Track) error {
	from := t.Status
	if err := t.Transition(domain.TrackProcessing); err != nil {
		return err
	}
	if err := rn.r.tracks.Update(ctx, t); err != nil {
		return err
	}
	deleted, err := rn.r.commitments.DeleteByTrack(ctx, t.ID)
	if err != nil {
		return err
	}
	delete(rn.commitments, t.ID)

	if from != domain.TrackProcessing {
		rn.out.emit(trackChanged(t, from))
	}
	if deleted {
		rn.out.emit(&events.CommitmentDeletedData{ProjectID: t.ProjectID, TrackID: t.ID})
	}
	rn.log.Info().Str("track_id", t.ID).Str("from", string(from)).Msg("Track reverted to processing")
	return nil
}

// removeTrack deletes a track the case no longer carries, reverting it first
// when it holds a decision.
func (e *Engine) removeTrack(ctx context.Context, rn *run, t *dotation.Track) error {
	if t.Status != domain.TrackProcessing {
		if err := e.revert(ctx, rn, t); err != nil {
			return err
		}
	}
	if err := rn.r.tracks.Delete(ctx, t); err != nil {
		return err
	}
	delete(rn.tracks, t.Instrument)
	rn.out.emit(&events.TrackDeletedData{ProjectID: t.ProjectID, TrackID: t.ID, Instrument: string(t.Instrument)})
	rn.log.Info().Str("track_id", t.ID).Str("instrument", string(t.Instrument)).Msg("Track removed")
	return nil
}

// ensureTrack returns the run's track for the instrument, creating a
// processing one when the project has none.
func (e *Engine) ensureTrack(ctx context.Context, rn *run, instrument domain.Instrument) (*dotation.Track, error) {
	if t, ok := rn.tracks[instrument]; ok {
		return t, nil
	}
	t := dotation.NewTrack(rn.project.ID, instrument)
	if err := rn.r.tracks.Create(ctx, t); err != nil {
		return nil, err
	}
	rn.tracks[instrument] = t
	rn.out.emit(trackChanged(t, ""))
	return t, nil
}

func trackChanged(t *dotation.Track, from domain.TrackStatus) *events.TrackStatusChangedData {
	return &events.TrackStatusChangedData{
		ProjectID:  t.ProjectID,
		TrackID:    t.ID,
		Instrument: string(t.Instrument),
		From:       string(from),
		To:         string(t.Status),
	}
}
