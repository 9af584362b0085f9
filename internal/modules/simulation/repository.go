package simulation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/collectivites/gsl/internal/database"
	"github.com/collectivites/gsl/internal/domain"
	"github.com/collectivites/gsl/internal/modules/territory"
)

const simulationColumns = `m.id, m.title, m.envelope_id, m.archived, m.created_at,
	e.instrument, e.year, s.id, s.region_code, s.department_code, s.district_code`

const simulationJoins = `simulations m
	JOIN envelopes e ON e.id = m.envelope_id
	JOIN scopes s ON s.id = e.scope_id`

const draftColumns = "id, track_id, simulation_id, amount, rate, status, created_at, updated_at"

// Repository handles simulation and draft allocation database operations
type Repository struct {
	q   database.Querier
	log zerolog.Logger
	now func() time.Time
}

// NewRepository creates a new simulation repository
func NewRepository(q database.Querier, log zerolog.Logger) *Repository {
	return &Repository{
		q:   q,
		log: log.With().Str("repo", "simulation").Logger(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithTx returns a copy of the repository bound to tx.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	c := *r
	c.q = tx
	return &c
}

// WithClock returns a copy of the repository stamping rows with now.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	c := *r
	c.now = now
	return &c
}

// CreateSimulation inserts a simulation on an existing envelope.
func (r *Repository) CreateSimulation(ctx context.Context, s *Simulation) error {
	if s.Title == "" {
		return &domain.ValidationError{Field: "title", Message: "simulation title is required"}
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = r.now()
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO simulations (id, title, envelope_id, archived, created_at) VALUES (?, ?, ?, ?, ?)
	`, s.ID, s.Title, s.EnvelopeID, s.Archived, database.ToNanos(s.CreatedAt))
	if database.IsForeignKeyViolation(err) {
		return fmt.Errorf("envelope %s: %w", s.EnvelopeID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to insert simulation: %w", err)
	}
	return nil
}

// GetSimulation returns a simulation with its envelope's instrument, year and scope.
func (r *Repository) GetSimulation(ctx context.Context, id string) (*Simulation, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+simulationColumns+" FROM "+simulationJoins+" WHERE m.id = ?", id)
	s, err := scanSimulation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("simulation %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get simulation %s: %w", id, err)
	}
	return s, nil
}

// SetArchived opens or archives a simulation.
func (r *Repository) SetArchived(ctx context.Context, id string, archived bool) error {
	if _, err := r.q.ExecContext(ctx, "UPDATE simulations SET archived = ? WHERE id = ?", archived, id); err != nil {
		return fmt.Errorf("failed to archive simulation %s: %w", id, err)
	}
	return nil
}

// ListOpenCovering returns the open simulations of the instrument whose
// envelope year is at least minYear and whose envelope scope is an
// ancestor-or-self of projectScope.
func (r *Repository) ListOpenCovering(ctx context.Context, instrument domain.Instrument, minYear int, projectScope territory.Scope) ([]*Simulation, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+simulationColumns+` FROM `+simulationJoins+`
		WHERE m.archived = 0 AND e.instrument = ? AND e.year >= ?
		  AND s.region_code = ?
		  AND (s.department_code = '' OR s.department_code = ?)
		  AND (s.district_code = '' OR s.district_code = ?)
		ORDER BY e.year, m.created_at
	`, string(instrument), minYear, projectScope.RegionCode, projectScope.DepartmentCode, projectScope.DistrictCode)
	if err != nil {
		return nil, fmt.Errorf("failed to query open simulations: %w", err)
	}
	defer rows.Close()

	var out []*Simulation
	for rows.Next() {
		s, err := scanSimulation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan simulation: %w", err)
		}
		if s.Accepts(instrument, projectScope, minYear) {
			out = append(out, s)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating simulations: %w", err)
	}
	return out, nil
}

// InsertDraftIfAbsent inserts the draft unless the simulation already holds
// one for the track. It reports whether a row was inserted.
func (r *Repository) InsertDraftIfAbsent(ctx context.Context, d *DraftAllocation) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := r.now()
	d.CreatedAt, d.UpdatedAt = now, now

	result, err := r.q.ExecContext(ctx, `
		INSERT INTO draft_allocations (`+draftColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(track_id, simulation_id) DO NOTHING
	`, d.ID, d.TrackID, d.SimulationID, d.Amount.String(), d.Rate.String(), string(d.Status),
		database.ToNanos(d.CreatedAt), database.ToNanos(d.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert draft allocation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// UpdateDraft writes the draft's amount, rate and status.
func (r *Repository) UpdateDraft(ctx context.Context, d *DraftAllocation) error {
	if err := d.Validate(); err != nil {
		return err
	}
	d.UpdatedAt = r.now()
	result, err := r.q.ExecContext(ctx, `
		UPDATE draft_allocations SET amount = ?, rate = ?, status = ?, updated_at = ? WHERE id = ?
	`, d.Amount.String(), d.Rate.String(), string(d.Status), database.ToNanos(d.UpdatedAt), d.ID)
	if err != nil {
		return fmt.Errorf("failed to update draft allocation %s: %w", d.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("draft allocation %s: %w", d.ID, domain.ErrNotFound)
	}
	return nil
}

// GetDraft returns a draft allocation by id.
func (r *Repository) GetDraft(ctx context.Context, id string) (*DraftAllocation, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+draftColumns+" FROM draft_allocations WHERE id = ?", id)
	d, err := scanDraft(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("draft allocation %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get draft allocation %s: %w", id, err)
	}
	return d, nil
}

// ListDraftsByTrack returns the track's drafts in open simulations.
func (r *Repository) ListDraftsByTrack(ctx context.Context, trackID string) ([]*DraftAllocation, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT d.id, d.track_id, d.simulation_id, d.amount, d.rate, d.status, d.created_at, d.updated_at
		FROM draft_allocations d JOIN simulations m ON m.id = d.simulation_id
		WHERE d.track_id = ? AND m.archived = 0
		ORDER BY d.created_at
	`, trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to query draft allocations: %w", err)
	}
	defer rows.Close()

	var out []*DraftAllocation
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan draft allocation: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating draft allocations: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSimulation(row rowScanner) (*Simulation, error) {
	var (
		s          Simulation
		instrument string
		createdAt  int64
	)
	err := row.Scan(&s.ID, &s.Title, &s.EnvelopeID, &s.Archived, &createdAt,
		&instrument, &s.EnvelopeYear, &s.EnvelopeScope.ID,
		&s.EnvelopeScope.RegionCode, &s.EnvelopeScope.DepartmentCode, &s.EnvelopeScope.DistrictCode)
	if err != nil {
		return nil, err
	}
	s.Instrument = domain.Instrument(instrument)
	s.CreatedAt = database.FromNanos(createdAt)
	return &s, nil
}

func scanDraft(row rowScanner) (*DraftAllocation, error) {
	var (
		d                    DraftAllocation
		status               string
		createdAt, updatedAt int64
	)
	err := row.Scan(&d.ID, &d.TrackID, &d.SimulationID, &d.Amount, &d.Rate, &status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = domain.DraftStatus(status)
	d.CreatedAt = database.FromNanos(createdAt)
	d.UpdatedAt = database.FromNanos(updatedAt)
	return &d, nil
}
