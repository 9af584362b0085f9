package envelope

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

const envelopeColumns = `e.id, e.instrument, e.year, e.scope_id, s.region_code, s.department_code, s.district_code,
	e.amount, e.delegated_by, e.created_at`

// Repository handles envelope database operations
type Repository struct {
	q   database.Querier
	log zerolog.Logger
}

// NewRepository creates a new envelope repository
func NewRepository(q database.Querier, log zerolog.Logger) *Repository {
	return &Repository{
		q:   q,
		log: log.With().Str("repo", "envelope").Logger(),
	}
}

// WithTx returns a copy of the repository bound to tx.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	c := *r
	c.q = tx
	return &c
}

// Create inserts an envelope. The scope must already be persisted. Delegated
// envelopes must share the parent's instrument and year and sit strictly
// below its scope.
func (r *Repository) Create(ctx context.Context, e *Envelope) error {
	if !e.Instrument.Valid() {
		return &domain.ValidationError{Field: "instrument", Message: fmt.Sprintf("unknown instrument %q", e.Instrument)}
	}
	if e.Scope.ID == "" {
		return &domain.ValidationError{Field: "scope", Message: "envelope scope must be persisted first"}
	}
	if e.Amount.IsNegative() {
		return &domain.ValidationError{Field: "amount", Message: "amount must not be negative"}
	}
	if e.DelegatedBy != nil {
		parent, err := r.Get(ctx, *e.DelegatedBy)
		if err != nil {
			return fmt.Errorf("failed to load parent envelope: %w", err)
		}
		if err := validateDelegation(parent, e); err != nil {
			return err
		}
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO envelopes (id, instrument, year, scope_id, amount, delegated_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, string(e.Instrument), e.Year, e.Scope.ID, e.Amount.String(), nullString(e.DelegatedBy), database.ToNanos(e.CreatedAt))
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("envelope %s %d %s: %w", e.Instrument, e.Year, e.Scope.Key(), domain.ErrDuplicateEnvelope)
	}
	if err != nil {
		return fmt.Errorf("failed to insert envelope: %w", err)
	}

	r.log.Info().
		Str("envelope_id", e.ID).
		Str("instrument", string(e.Instrument)).
		Int("year", e.Year).
		Str("scope", e.Scope.Key()).
		Msg("Envelope created")
	return nil
}

// Get returns an envelope by id.
func (r *Repository) Get(ctx context.Context, id string) (*Envelope, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+envelopeColumns+`
		FROM envelopes e JOIN scopes s ON s.id = e.scope_id
		WHERE e.id = ?
	`, id)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("envelope %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get envelope %s: %w", id, err)
	}
	return env, nil
}

// FindRoot returns the non-delegated envelope for (instrument, year, scope).
func (r *Repository) FindRoot(ctx context.Context, instrument domain.Instrument, year int, scope territory.Scope) (*Envelope, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+envelopeColumns+`
		FROM envelopes e JOIN scopes s ON s.id = e.scope_id
		WHERE e.instrument = ? AND e.year = ?
		  AND s.region_code = ? AND s.department_code = ? AND s.district_code = ?
		  AND e.delegated_by IS NULL
	`, string(instrument), year, scope.RegionCode, scope.DepartmentCode, scope.DistrictCode)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("root envelope %s %d %s: %w", instrument, year, scope.Key(), domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find root envelope: %w", err)
	}
	return env, nil
}

// ListDelegated returns the envelopes directly delegated from id.
func (r *Repository) ListDelegated(ctx context.Context, id string) ([]*Envelope, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+envelopeColumns+`
		FROM envelopes e JOIN scopes s ON s.id = e.scope_id
		WHERE e.delegated_by = ?
		ORDER BY s.department_code, s.district_code
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query delegated envelopes: %w", err)
	}
	defer rows.Close()

	var envelopes []*Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan envelope: %w", err)
		}
		envelopes = append(envelopes, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating envelopes: %w", err)
	}
	return envelopes, nil
}

// Delete removes an envelope. It fails with domain.ErrEnvelopeInUse while
// simulations, delegated envelopes or commitments still reference it.
func (r *Repository) Delete(ctx context.Context, id string) error {
	var simulations, delegated, commitments int
	err := r.q.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM simulations WHERE envelope_id = ?),
			(SELECT COUNT(*) FROM envelopes WHERE delegated_by = ?),
			(SELECT COUNT(*) FROM commitments WHERE envelope_id = ?)
	`, id, id, id).Scan(&simulations, &delegated, &commitments)
	if err != nil {
		return fmt.Errorf("failed to count envelope references: %w", err)
	}
	if simulations > 0 || delegated > 0 || commitments > 0 {
		r.log.Warn().
			Str("envelope_id", id).
			Int("simulations", simulations).
			Int("delegated", delegated).
			Int("commitments", commitments).
			Msg("Refusing to delete referenced envelope")
		return fmt.Errorf("envelope %s (%d simulations, %d delegated, %d commitments): %w",
			id, simulations, delegated, commitments, domain.ErrEnvelopeInUse)
	}

	result, err := r.q.ExecContext(ctx, "DELETE FROM envelopes WHERE id = ?", id)
	if database.IsForeignKeyViolation(err) {
		return fmt.Errorf("envelope %s: %w", id, domain.ErrEnvelopeInUse)
	}
	if err != nil {
		return fmt.Errorf("failed to delete envelope: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("envelope %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEnvelope(row rowScanner) (*Envelope, error) {
	var (
		env         Envelope
		instrument  string
		delegatedBy sql.NullString
		createdAt   int64
	)
	err := row.Scan(&env.ID, &instrument, &env.Year, &env.Scope.ID,
		&env.Scope.RegionCode, &env.Scope.DepartmentCode, &env.Scope.DistrictCode,
		&env.Amount, &delegatedBy, &createdAt)
	if err != nil {
		return nil, err
	}
	env.Instrument = domain.Instrument(instrument)
	if delegatedBy.Valid {
		env.DelegatedBy = &delegatedBy.String
	}
	env.CreatedAt = database.FromNanos(createdAt)
	return &env, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
