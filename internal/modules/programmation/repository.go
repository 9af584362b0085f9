package programmation

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

const commitmentColumns = "id, track_id, envelope_id, amount, rate, status, notified_at, created_at, updated_at"

// Repository handles commitment database operations
type Repository struct {
	q   database.Querier
	log zerolog.Logger
	now func() time.Time
}

// NewRepository creates a new commitment repository
func NewRepository(q database.Querier, log zerolog.Logger) *Repository {
	return &Repository{
		q:   q,
		log: log.With().Str("repo", "programmation").Logger(),
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

// Upsert creates the track's commitment or updates the existing one in place.
// An update keeping the same status keeps the creation time; a different
// status is a new decision and restamps it.
func (r *Repository) Upsert(ctx context.Context, c *Commitment) error {
	if err := c.Validate(); err != nil {
		return err
	}

	existing, err := r.GetByTrack(ctx, c.TrackID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		now := r.now()
		c.CreatedAt, c.UpdatedAt = now, now
		_, err = r.q.ExecContext(ctx, `
			INSERT INTO commitments (`+commitmentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, c.TrackID, c.EnvelopeID, c.Amount.String(), c.Rate.String(), string(c.Status),
			database.NullNanos(c.NotifiedAt), database.ToNanos(c.CreatedAt), database.ToNanos(c.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert commitment for track %s: %w", c.TrackID, err)
		}
		r.log.Debug().Str("track_id", c.TrackID).Str("status", string(c.Status)).Msg("Commitment created")
		return nil
	case err != nil:
		return err
	}

	c.ID = existing.ID
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = r.now()
	if existing.Status == c.Status {
		if c.NotifiedAt == nil {
			c.NotifiedAt = existing.NotifiedAt
		}
	} else {
		c.CreatedAt = c.UpdatedAt
	}
	_, err = r.q.ExecContext(ctx, `
		UPDATE commitments SET envelope_id = ?, amount = ?, rate = ?, status = ?, notified_at = ?,
			created_at = ?, updated_at = ?
		WHERE id = ?
	`, c.EnvelopeID, c.Amount.String(), c.Rate.String(), string(c.Status),
		database.NullNanos(c.NotifiedAt), database.ToNanos(c.CreatedAt), database.ToNanos(c.UpdatedAt), c.ID)
	if err != nil {
		return fmt.Errorf("failed to update commitment %s: %w", c.ID, err)
	}
	return nil
}

// GetByTrack returns the track's commitment.
func (r *Repository) GetByTrack(ctx context.Context, trackID string) (*Commitment, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+commitmentColumns+" FROM commitments WHERE track_id = ?", trackID)
	c, err := scanCommitment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("commitment for track %s: %w", trackID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commitment for track %s: %w", trackID, err)
	}
	return c, nil
}

// ListByProject returns the commitments of every track of the project.
func (r *Repository) ListByProject(ctx context.Context, projectID string) ([]*Commitment, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT c.id, c.track_id, c.envelope_id, c.amount, c.rate, c.status, c.notified_at, c.created_at, c.updated_at
		FROM commitments c JOIN tracks t ON t.id = c.track_id
		WHERE t.project_id = ?
		ORDER BY t.instrument
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query commitments: %w", err)
	}
	defer rows.Close()

	var out []*Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan commitment: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating commitments: %w", err)
	}
	return out, nil
}

// DeleteByTrack removes the track's commitment, if any. It reports whether a
// row was deleted.
func (r *Repository) DeleteByTrack(ctx context.Context, trackID string) (bool, error) {
	result, err := r.q.ExecContext(ctx, "DELETE FROM commitments WHERE track_id = ?", trackID)
	if err != nil {
		return false, fmt.Errorf("failed to delete commitment for track %s: %w", trackID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkProjectNotified stamps every not-yet-notified commitment of the project.
func (r *Repository) MarkProjectNotified(ctx context.Context, projectID string, at time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE commitments SET notified_at = ?, updated_at = ?
		WHERE notified_at IS NULL AND track_id IN (SELECT id FROM tracks WHERE project_id = ?)
	`, database.ToNanos(at), database.ToNanos(r.now()), projectID)
	if err != nil {
		return fmt.Errorf("failed to mark commitments notified for project %s: %w", projectID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCommitment(row rowScanner) (*Commitment, error) {
	var (
		c                    Commitment
		status               string
		notifiedAt           sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&c.ID, &c.TrackID, &c.EnvelopeID, &c.Amount, &c.Rate, &status, &notifiedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = domain.TrackStatus(status)
	c.NotifiedAt = database.TimePtr(notifiedAt)
	c.CreatedAt = database.FromNanos(createdAt)
	c.UpdatedAt = database.FromNanos(updatedAt)
	return &c, nil
}
