package dotation

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
)

const trackColumns = `id, project_id, instrument, status, assiette, awarded_amount, awarded_rate,
	committee_opinion, created_at, updated_at`

// Repository handles track database operations
type Repository struct {
	q   database.Querier
	log zerolog.Logger
}

// NewRepository creates a new track repository
func NewRepository(q database.Querier, log zerolog.Logger) *Repository {
	return &Repository{
		q:   q,
		log: log.With().Str("repo", "dotation").Logger(),
	}
}

// WithTx returns a copy of the repository bound to tx.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	c := *r
	c.q = tx
	return &c
}

// Create validates and inserts a track.
func (r *Repository) Create(ctx context.Context, t *Track) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO tracks (`+trackColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.ProjectID, string(t.Instrument), string(t.Status), t.Assiette, t.AwardedAmount, t.AwardedRate,
		nullBool(t.CommitteeOpinion), database.ToNanos(t.CreatedAt), database.ToNanos(t.UpdatedAt))
	if database.IsUniqueViolation(err) {
		return &domain.ValidationError{
			Field:   "instrument",
			Message: fmt.Sprintf("project %s already has a %s track", t.ProjectID, t.Instrument),
		}
	}
	if err != nil {
		return fmt.Errorf("failed to insert track: %w", err)
	}
	return nil
}

// Update validates and writes every mutable field of the track.
func (r *Repository) Update(ctx context.Context, t *Track) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.UpdatedAt = time.Now().UTC()

	result, err := r.q.ExecContext(ctx, `
		UPDATE tracks SET status = ?, assiette = ?, awarded_amount = ?, awarded_rate = ?,
			committee_opinion = ?, updated_at = ?
		WHERE id = ?
	`, string(t.Status), t.Assiette, t.AwardedAmount, t.AwardedRate,
		nullBool(t.CommitteeOpinion), database.ToNanos(t.UpdatedAt), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update track %s: %w", t.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("track %s: %w", t.ID, domain.ErrNotFound)
	}
	return nil
}

// Get returns a track by id.
func (r *Repository) Get(ctx context.Context, id string) (*Track, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+trackColumns+" FROM tracks WHERE id = ?", id)
	t, err := scanTrack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("track %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get track %s: %w", id, err)
	}
	return t, nil
}

// ListByProject returns the project's tracks ordered by instrument.
func (r *Repository) ListByProject(ctx context.Context, projectID string) ([]*Track, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+trackColumns+" FROM tracks WHERE project_id = ? ORDER BY instrument", projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracks: %w", err)
	}
	defer rows.Close()

	var tracks []*Track
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan track: %w", err)
		}
		tracks = append(tracks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tracks: %w", err)
	}
	return tracks, nil
}

// Delete removes a track. Only processing tracks may be deleted.
func (r *Repository) Delete(ctx context.Context, t *Track) error {
	if t.Status != domain.TrackProcessing {
		return fmt.Errorf("track %s is %s, only processing tracks can be deleted: %w",
			t.ID, t.Status, domain.ErrInvalidTransition)
	}
	if _, err := r.q.ExecContext(ctx, "DELETE FROM tracks WHERE id = ?", t.ID); err != nil {
		return fmt.Errorf("failed to delete track %s: %w", t.ID, err)
	}
	r.log.Debug().Str("track_id", t.ID).Str("instrument", string(t.Instrument)).Msg("Track deleted")
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrack(row rowScanner) (*Track, error) {
	var (
		t                    Track
		instrument, status   string
		opinion              sql.NullBool
		createdAt, updatedAt int64
	)
	err := row.Scan(&t.ID, &t.ProjectID, &instrument, &status, &t.Assiette, &t.AwardedAmount, &t.AwardedRate,
		&opinion, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Instrument = domain.Instrument(instrument)
	t.Status = domain.TrackStatus(status)
	if opinion.Valid {
		t.CommitteeOpinion = &opinion.Bool
	}
	t.CreatedAt = database.FromNanos(createdAt)
	t.UpdatedAt = database.FromNanos(updatedAt)
	return &t, nil
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}
