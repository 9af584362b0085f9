package envelope

import (
	"context"
	"errors"
	"time"

	"github.com/collectivites/gsl/internal/domain"
	"github.com/collectivites/gsl/internal/modules/territory"
)

// Query identifies the root envelope a track is charged to.
type Query struct {
	Instrument    domain.Instrument
	ProjectScope  territory.Scope
	DecisionDate  time.Time
	AllowNextYear bool

	// Carried for logging and errors only
	ProjectID string
	TrackID   string
}

// QueryScope returns the scope root envelopes of the instrument are held at:
// department level for DETR, region level for DSIL.
func QueryScope(instrument domain.Instrument, projectScope territory.Scope) territory.Scope {
	if instrument == domain.DETR {
		return projectScope.DepartmentOnly()
	}
	return projectScope.RegionOnly()
}

// QueryYear returns the budget year a decision falls into. Decisions taken in
// November or December roll over to the next year when allowNextYear is set.
func QueryYear(decisionDate time.Time, allowNextYear bool) int {
	year := decisionDate.Year()
	if allowNextYear && decisionDate.Month() >= time.November {
		return year + 1
	}
	return year
}

// ResolveRoot finds the non-delegated envelope for the query. A missing
// envelope is logged and returned as *domain.EnvelopeNotFoundError.
func (r *Repository) ResolveRoot(ctx context.Context, q Query) (*Envelope, error) {
	scope := QueryScope(q.Instrument, q.ProjectScope)
	year := QueryYear(q.DecisionDate, q.AllowNextYear)

	env, err := r.FindRoot(ctx, q.Instrument, year, scope)
	if errors.Is(err, domain.ErrNotFound) {
		notFound := &domain.EnvelopeNotFoundError{
			Instrument: q.Instrument,
			Year:       year,
			ScopeKey:   scope.Key(),
			ProjectID:  q.ProjectID,
			TrackID:    q.TrackID,
		}
		r.log.Error().
			Str("instrument", string(q.Instrument)).
			Int("year", year).
			Str("scope", scope.Key()).
			Str("project_id", q.ProjectID).
			Str("track_id", q.TrackID).
			Msg("No root envelope found")
		return nil, notFound
	}
	if err != nil {
		return nil, err
	}
	return env, nil
}

// DelegationRoot follows the envelope's delegation chain to its root.
func (r *Repository) DelegationRoot(ctx context.Context, e *Envelope) (*Envelope, error) {
	return DelegationRoot(ctx, r, e)
}
