package project

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

const projectColumns = `p.id, p.dossier_number, p.name, p.scope_id, s.region_code, s.department_code, s.district_code,
	p.base_cost, p.status, p.notified_at, p.created_at, p.updated_at`

// Repository handles project database operations
type Repository struct {
	q   database.Querier
	log zerolog.Logger
}

// NewRepository creates a new project repository
func NewRepository(q database.Querier, log zerolog.Logger) *Repository {
	return &Repository{
		q:   q,
		log: log.With().Str("repo", "project").Logger(),
	}
}

// WithTx returns a copy of the repository bound to tx.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	c := *r
	c.q = tx
	return &c
}

// Create inserts a project. The scope must already be persisted.
func (r *Repository) Create(ctx context.Context, p *Project) error {
	if p.Scope.ID == "" {
		return &domain.ValidationError{Field: "scope", Message: "project scope must be persisted first"}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = domain.TrackProcessing
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO projects (id, dossier_number, name, scope_id, base_cost, status, notified_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.DossierNumber, p.Name, p.Scope.ID, p.BaseCost, string(p.Status),
		database.NullNanos(p.NotifiedAt), database.ToNanos(p.CreatedAt), database.ToNanos(p.UpdatedAt))
	if database.IsUniqueViolation(err) {
		return &domain.ValidationError{Field: "dossier_number", Message: fmt.Sprintf("dossier %d already has a project", p.DossierNumber)}
	}
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	return nil
}

// Get returns a project by id.
func (r *Repository) Get(ctx context.Context, id string) (*Project, error) {
	return r.getWhere(ctx, "p.id = ?", id)
}

// GetByDossierNumber returns the project filed as the given case.
func (r *Repository) GetByDossierNumber(ctx context.Context, number int64) (*Project, error) {
	return r.getWhere(ctx, "p.dossier_number = ?", number)
}

func (r *Repository) getWhere(ctx context.Context, where string, arg interface{}) (*Project, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects p JOIN scopes s ON s.id = p.scope_id
		WHERE `+where, arg)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %v: %w", arg, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %v: %w", arg, err)
	}
	return p, nil
}

// UpdateState writes the cached aggregate status, notification time and base cost.
func (r *Repository) UpdateState(ctx context.Context, p *Project) error {
	p.UpdatedAt = time.Now().UTC()
	result, err := r.q.ExecContext(ctx, `
		UPDATE projects SET status = ?, notified_at = ?, base_cost = ?, updated_at = ?
		WHERE id = ?
	`, string(p.Status), database.NullNanos(p.NotifiedAt), p.BaseCost, database.ToNanos(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update project %s: %w", p.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("project %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

// ListIDs returns up to limit project ids greater than afterID, in id order.
// Callers page through all projects by passing the last id returned.
func (r *Repository) ListIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT id FROM projects WHERE id > ? ORDER BY id LIMIT ?", afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list project ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating project ids: %w", err)
	}
	return ids, nil
}

// CountByStatus returns the number of projects per cached aggregate status.
func (r *Repository) CountByStatus(ctx context.Context) (map[domain.TrackStatus]int, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT status, COUNT(*) FROM projects GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count projects: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.TrackStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan project count: %w", err)
		}
		counts[domain.TrackStatus(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row rowScanner) (*Project, error) {
	var (
		p                    Project
		status               string
		notifiedAt           sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&p.ID, &p.DossierNumber, &p.Name, &p.Scope.ID,
		&p.Scope.RegionCode, &p.Scope.DepartmentCode, &p.Scope.DistrictCode,
		&p.BaseCost, &status, &notifiedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = domain.TrackStatus(status)
	p.NotifiedAt = database.TimePtr(notifiedAt)
	p.CreatedAt = database.FromNanos(createdAt)
	p.UpdatedAt = database.FromNanos(updatedAt)
	return &p, nil
}
