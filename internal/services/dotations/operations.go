package dotations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/collectivites/gsl/internal/clients/casefile"
	"github.com/collectivites/gsl/internal/domain"
	"github.com/collectivites/gsl/internal/events"
	"github.com/collectivites/gsl/internal/modules/dossier"
	"github.com/collectivites/gsl/internal/modules/dotation"
	"github.com/collectivites/gsl/internal/modules/envelope"
	"github.com/collectivites/gsl/internal/modules/programmation"
	"github.com/collectivites/gsl/internal/modules/project"
	"github.com/collectivites/gsl/internal/modules/simulation"
)

// IngestCase fetches a case from the case system and applies its status to
// the project it belongs to.
func (e *Engine) IngestCase(ctx context.Context, number int64) (view *ProjectView, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("ingest_case", start, err) }()

	p, err := e.projects.GetByDossierNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	unlock, err := e.lockProject(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := e.cases.FetchDossier(ctx, number)
	if err != nil {
		e.syncFailed(p, err)
		return nil, err
	}
	current.ProjectID = p.ID
	current.SyncedAt = e.now()

	err = e.inTx(ctx, func(r repos, out *outcome) error {
		previous, err := r.dossiers.Get(ctx, number)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if err := r.dossiers.Upsert(ctx, current); err != nil {
			return err
		}

		p, err := r.projects.Get(ctx, current.ProjectID)
		if err != nil {
			return err
		}
		rn, err := e.newRun(ctx, r, out, p)
		if err != nil {
			return err
		}
		rn.current, rn.previous = current, previous
		if err := e.applyCase(ctx, rn); err != nil {
			return err
		}
		view, err = e.finish(ctx, rn)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Int64("dossier_number", number).
		Str("case_status", string(current.Status)).
		Str("project_status", string(view.Project.Status)).
		Msg("Case ingested")
	return view, nil
}

// RecomputeProject reapplies the stored case snapshot to the project, then
// recomputes its aggregate and propagates its tracks. There is no previous
// snapshot to compare with, so a case under review only reverts tracks whose
// decision predates its return to instruction.
func (e *Engine) RecomputeProject(ctx context.Context, projectID string) (view *ProjectView, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("recompute_project", start, err) }()

	unlock, err := e.lockProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = e.inTx(ctx, func(r repos, out *outcome) error {
		p, err := r.projects.Get(ctx, projectID)
		if err != nil {
			return err
		}
		rn, err := e.newRun(ctx, r, out, p)
		if err != nil {
			return err
		}

		current, err := r.dossiers.GetByProject(ctx, projectID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			rn.log.Debug().Msg("No case snapshot, recomputing aggregate only")
		case err != nil:
			return err
		default:
			rn.current = current
			if err := e.applyCase(ctx, rn); err != nil {
				return err
			}
		}

		view, err = e.finish(ctx, rn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// ProjectAggregateStatus returns the aggregate of the project's track statuses.
func (e *Engine) ProjectAggregateStatus(ctx context.Context, projectID string) (domain.TrackStatus, error) {
	if _, err := e.projects.Get(ctx, projectID); err != nil {
		return "", err
	}
	tracks, err := e.tracks.ListByProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	statuses := make([]domain.TrackStatus, 0, len(tracks))
	for _, t := range tracks {
		statuses = append(statuses, t.Status)
	}
	return project.AggregateStatus(statuses), nil
}

// ResolveRootEnvelope returns the root envelope a decision on the track
// would be charged to today, or on the case's decision date when it has one.
func (e *Engine) ResolveRootEnvelope(ctx context.Context, trackID string, allowNextYear bool) (*envelope.Envelope, error) {
	t, err := e.tracks.Get(ctx, trackID)
	if err != nil {
		return nil, err
	}
	p, err := e.projects.Get(ctx, t.ProjectID)
	if err != nil {
		return nil, err
	}

	date := e.now()
	d, err := e.dossiers.GetByProject(ctx, p.ID)
	switch {
	case err == nil && d.DecidedAt != nil:
		date = *d.DecidedAt
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}
	return e.resolveEnvelope(ctx, e.envelopes, p, t, date, allowNextYear)
}

// PropagateTrack brings the open simulations covering the track in line with it.
func (e *Engine) PropagateTrack(ctx context.Context, trackID string) (result *simulation.Result, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("propagate_track", start, err) }()

	t, err := e.tracks.Get(ctx, trackID)
	if err != nil {
		return nil, err
	}
	unlock, err := e.lockProject(ctx, t.ProjectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = e.inTx(ctx, func(r repos, out *outcome) error {
		t, err := r.tracks.Get(ctx, trackID)
		if err != nil {
			return err
		}
		p, err := r.projects.Get(ctx, t.ProjectID)
		if err != nil {
			return err
		}

		var c *programmation.Commitment
		if t.Status.IsTerminal() {
			c, err = r.commitments.GetByTrack(ctx, t.ID)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
		}
		result, err = r.sync.Propagate(ctx, simulation.Propagation{Track: t, ProjectScope: p.Scope, Commitment: c})
		if err != nil {
			return fmt.Errorf("failed to propagate track %s: %w", t.ID, err)
		}
		if len(result.Created) > 0 || len(result.Updated) > 0 {
			out.emit(&events.DraftsPropagatedData{
				ProjectID: p.ID,
				TrackID:   t.ID,
				Created:   len(result.Created),
				Updated:   len(result.Updated),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RevertProject sends the case back to instruction in the case system, then
// reverts every decided track of the project. Drafts are kept.
func (e *Engine) RevertProject(ctx context.Context, projectID string) (view *ProjectView, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("revert_project", start, err) }()

	unlock, err := e.lockProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := e.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := e.cases.RevertToInstruction(ctx, p.DossierNumber); err != nil {
		e.syncFailed(p, err)
		return nil, err
	}
	current, err := e.cases.FetchDossier(ctx, p.DossierNumber)
	if err != nil {
		e.syncFailed(p, err)
		return nil, err
	}
	current.ProjectID = p.ID
	current.SyncedAt = e.now()

	err = e.inTx(ctx, func(r repos, out *outcome) error {
		if err := r.dossiers.Upsert(ctx, current); err != nil {
			return err
		}
		p, err := r.projects.Get(ctx, projectID)
		if err != nil {
			return err
		}
		rn, err := e.newRun(ctx, r, out, p)
		if err != nil {
			return err
		}
		rn.current = current
		for _, t := range rn.sortedTracks() {
			if !t.Status.IsTerminal() {
				continue
			}
			if err := e.revert(ctx, rn, t); err != nil {
				return err
			}
		}
		view, err = e.finish(ctx, rn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// DraftDecision is a case worker's decision on a draft allocation.
type DraftDecision struct {
	Status domain.DraftStatus `json:"status"`
	// Amount replaces the draft amount when set
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	Motivation string           `json:"motivation,omitempty"`
}

// DraftDecisionResult is the draft after a decision and its project.
type DraftDecisionResult struct {
	Draft   *simulation.DraftAllocation `json:"draft"`
	Project *ProjectView                `json:"project"`
}

// DecideDraft applies a case worker's decision on a draft allocation.
// Provisional statuses only change the draft. Final statuses decide the
// track, charging the simulation's envelope, and settle the case in the case
// system when the project aggregate settles. Processing reverts the track,
// and on a settled project sends the whole case back to instruction.
//
// The decision is first computed in a transaction that is rolled back. The
// case system calls run with no transaction open, under the project lock,
// and the decision is then applied again and committed. Case system failures
// leave the project untouched.
func (e *Engine) DecideDraft(ctx context.Context, draftID string, decision DraftDecision) (res *DraftDecisionResult, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("decide_draft", start, err) }()

	if !decision.Status.Valid() {
		return nil, &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown draft status %q", decision.Status)}
	}
	if decision.Amount != nil && decision.Amount.IsNegative() {
		return nil, &domain.ValidationError{Field: "amount", Message: "amount must not be negative"}
	}

	draft, err := e.simulations.GetDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	track, err := e.tracks.Get(ctx, draft.TrackID)
	if err != nil {
		return nil, err
	}
	unlock, err := e.lockProject(ctx, track.ProjectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	at := e.now()
	var planned *draftRun
	err = e.inTx(ctx, func(r repos, out *outcome) error {
		var err error
		planned, err = e.decide(ctx, r, out, draftID, decision, at)
		if err != nil {
			return err
		}
		if planned.push.empty() {
			return nil
		}
		return errPendingPush
	})
	switch {
	case err == nil:
		return planned.result, nil
	case !errors.Is(err, errPendingPush):
		return nil, err
	}

	p := planned.rn.project
	if err := e.pushDecision(ctx, p.DossierNumber, planned.push, decision.Motivation); err != nil {
		e.syncFailed(p, err)
		return nil, err
	}

	err = e.inTx(ctx, func(r repos, out *outcome) error {
		applied, err := e.decide(ctx, r, out, draftID, decision, at)
		if err != nil {
			return err
		}
		if !applied.push.equal(planned.push) {
			return fmt.Errorf("project %s changed while the case system was updated: %w", p.ID, domain.ErrInvalidTransition)
		}
		if err := e.recordCaseStatus(ctx, applied.rn, applied.push, at); err != nil {
			return err
		}
		res = applied.result
		return nil
	})
	if err != nil {
		// The case system already holds the decision; the next ingest of the
		// case brings the project in line with it.
		e.log.Error().Err(err).
			Str("project_id", p.ID).
			Int64("dossier_number", p.DossierNumber).
			Msg("Failed to record a decision already pushed to the case system")
		return nil, err
	}
	return res, nil
}

// errPendingPush rolls back a decision that must reach the case system first.
var errPendingPush = errors.New("decision pending case system update")

// casePush is what a local decision must tell the case system.
type casePush struct {
	instrument domain.Instrument
	// annotate carries the accepted amounts of the decided track
	annotate *casefile.AnnotationUpdate
	// notify is the case decision once the project settles
	notify domain.CaseStatus
	reopen bool
}

func (c casePush) empty() bool {
	return c.annotate == nil && c.notify == "" && !c.reopen
}

func (c casePush) equal(other casePush) bool {
	if c.instrument != other.instrument || c.notify != other.notify || c.reopen != other.reopen {
		return false
	}
	if c.annotate == nil || other.annotate == nil {
		return c.annotate == nil && other.annotate == nil
	}
	return nullEqual(c.annotate.Assiette, other.annotate.Assiette) &&
		nullEqual(c.annotate.Awarded, other.annotate.Awarded) &&
		nullEqual(c.annotate.Rate, other.annotate.Rate)
}

func nullEqual(a, b decimal.NullDecimal) bool {
	if !a.Valid || !b.Valid {
		return a.Valid == b.Valid
	}
	return a.Decimal.Equal(b.Decimal)
}

// draftRun is a draft decision applied inside a transaction.
type draftRun struct {
	rn     *run
	push   casePush
	result *DraftDecisionResult
}

func (e *Engine) decide(ctx context.Context, r repos, out *outcome, draftID string, decision DraftDecision, at time.Time) (*draftRun, error) {
	draft, err := r.simulations.GetDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	sim, err := r.simulations.GetSimulation(ctx, draft.SimulationID)
	if err != nil {
		return nil, err
	}
	if sim.Archived {
		return nil, &domain.ValidationError{Field: "simulation", Message: fmt.Sprintf("simulation %s is archived", sim.ID)}
	}
	track, err := r.tracks.Get(ctx, draft.TrackID)
	if err != nil {
		return nil, err
	}
	p, err := r.projects.Get(ctx, track.ProjectID)
	if err != nil {
		return nil, err
	}
	rn, err := e.newRun(ctx, r, out, p)
	if err != nil {
		return nil, err
	}
	t := rn.tracks[track.Instrument]
	if t == nil || t.ID != draft.TrackID {
		return nil, fmt.Errorf("track %s: %w", draft.TrackID, domain.ErrNotFound)
	}

	amount := draft.Amount
	if decision.Amount != nil {
		amount = *decision.Amount
	}
	if err := e.applyDraftDecision(ctx, rn, t, draft, sim, decision.Status, amount, at); err != nil {
		return nil, err
	}
	view, err := e.finish(ctx, rn)
	if err != nil {
		return nil, err
	}
	updated, err := r.simulations.GetDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}

	dr := &draftRun{
		rn:     rn,
		push:   casePush{instrument: t.Instrument},
		result: &DraftDecisionResult{Draft: updated, Project: view},
	}
	if t.Status == domain.TrackAccepted {
		dr.push.annotate = &casefile.AnnotationUpdate{Assiette: t.Assiette, Awarded: t.AwardedAmount, Rate: t.AwardedRate}
	}
	switch rn.out.gate {
	case project.GateSettled:
		if status, ok := caseStatusFor(p.Status); ok {
			dr.push.notify = status
		}
	case project.GateReopened:
		dr.push.reopen = true
	}
	return dr, nil
}

func (e *Engine) applyDraftDecision(ctx context.Context, rn *run, t *dotation.Track, draft *simulation.DraftAllocation, sim *simulation.Simulation, status domain.DraftStatus, amount decimal.Decimal, at time.Time) error {
	if status.IsProvisional() {
		if t.Status.IsTerminal() {
			return fmt.Errorf("track %s is %s, draft cannot be %s: %w", t.ID, t.Status, status, domain.ErrInvalidTransition)
		}
		draft.Status = status
		draft.Amount = amount
		draft.Rate = dotation.ComputeRate(amount, t.Base(rn.project.BaseCost))
		return rn.r.simulations.UpdateDraft(ctx, draft)
	}

	target, _ := status.TrackStatus()
	if target == domain.TrackProcessing {
		// A settled case goes back to instruction as of at, which the
		// recorded snapshot will say: every decision older than that reverts.
		if rn.project.NotifiedAt != nil {
			if err := e.reopen(ctx, rn, at); err != nil {
				return err
			}
		}
		if t.Status.IsTerminal() {
			if err := e.revert(ctx, rn, t); err != nil {
				return err
			}
		}
		draft.Status = domain.DraftProcessing
		draft.Amount = amount
		draft.Rate = dotation.ComputeRate(amount, t.Base(rn.project.BaseCost))
		return rn.r.simulations.UpdateDraft(ctx, draft)
	}

	if t.Status.IsTerminal() && t.Status != target {
		return fmt.Errorf("track %s is already %s: %w", t.ID, t.Status, domain.ErrInvalidTransition)
	}
	env, err := rn.r.envelopes.Get(ctx, sim.EnvelopeID)
	if err != nil {
		return err
	}
	if target != domain.TrackAccepted {
		amount = decimal.Zero
	}
	return e.settle(ctx, rn, t, target, amount, at, env)
}

// pushDecision tells the case system what a local decision changed: the
// accepted amounts, and the case decision once the project settles or its
// return to instruction once it reopens.
func (e *Engine) pushDecision(ctx context.Context, number int64, push casePush, motivation string) error {
	if push.annotate != nil {
		if err := e.cases.UpdateAnnotations(ctx, number, push.instrument, *push.annotate); err != nil {
			return err
		}
	}
	if push.notify != "" {
		if err := e.cases.NotifyApplicant(ctx, number, push.notify, motivation); err != nil {
			return err
		}
	}
	if push.reopen {
		if err := e.cases.RevertToInstruction(ctx, number); err != nil {
			return err
		}
	}
	return nil
}

// recordCaseStatus updates the stored snapshot after the engine changed the
// case itself, so a later recompute sees what the case system holds: the
// status and, for a decision, the accepted annotations just pushed. A return
// to instruction is recorded as entered at at.
func (e *Engine) recordCaseStatus(ctx context.Context, rn *run, push casePush, at time.Time) error {
	var status domain.CaseStatus
	switch {
	case push.notify != "":
		status = push.notify
		at = *rn.project.NotifiedAt
	case push.reopen:
		status = domain.CaseUnderReview
	default:
		return nil
	}

	d, err := rn.r.dossiers.GetByProject(ctx, rn.project.ID)
	if errors.Is(err, domain.ErrNotFound) {
		d = &dossier.Dossier{Number: rn.project.DossierNumber, ProjectID: rn.project.ID}
	} else if err != nil {
		return err
	}

	d.Status = status
	if status.IsTerminal() {
		d.DecidedAt = &at
		d.Annotations = dossier.Annotations{}
		for _, t := range rn.sortedTracks() {
			if t.Status != domain.TrackAccepted {
				continue
			}
			d.Annotations.AcceptedInstruments = append(d.Annotations.AcceptedInstruments, t.Instrument)
			d.Annotations.Set(t.Instrument, dossier.InstrumentAnnotation{Assiette: t.Assiette, Awarded: t.AwardedAmount})
		}
	} else {
		d.EnteredInstructionAt = &at
		d.DecidedAt = nil
	}
	d.SyncedAt = e.now()
	return rn.r.dossiers.Upsert(ctx, d)
}

// syncFailed publishes an exhausted case system call.
func (e *Engine) syncFailed(p *project.Project, err error) {
	data := &events.ExternalSyncFailedData{
		ProjectID:     p.ID,
		DossierNumber: p.DossierNumber,
		Error:         err.Error(),
	}
	var syncErr *domain.ExternalSyncError
	if errors.As(err, &syncErr) {
		data.Operation = syncErr.Operation
		data.Attempts = syncErr.Attempts
	}
	e.log.Error().Err(err).Str("project_id", p.ID).Int64("dossier_number", p.DossierNumber).Msg("Case system call failed")
	e.events.EmitTyped(moduleName, data)
}
