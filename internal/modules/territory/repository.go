package territory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/collectivites/gsl/internal/database"
	"github.com/collectivites/gsl/internal/domain"
)

// Repository handles territory and scope database operations
type Repository struct {
	q   database.Querier
	log zerolog.Logger
}

// NewRepository creates a new territory repository
func NewRepository(q database.Querier, log zerolog.Logger) *Repository {
	return &Repository{
		q:   q,
		log: log.With().Str("repo", "territory").Logger(),
	}
}

// WithTx returns a copy of the repository bound to tx.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	c := *r
	c.q = tx
	return &c
}

// UpsertRegion inserts or renames a region.
func (r *Repository) UpsertRegion(ctx context.Context, region Region) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO regions (code, name) VALUES (?, ?)
		ON CONFLICT(code) DO UPDATE SET name = excluded.name
	`, region.Code, region.Name)
	if err != nil {
		return fmt.Errorf("failed to upsert region %s: %w", region.Code, err)
	}
	return nil
}

// UpsertDepartment inserts or updates a department.
func (r *Repository) UpsertDepartment(ctx context.Context, dep Department) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO departments (code, name, region_code) VALUES (?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET name = excluded.name, region_code = excluded.region_code
	`, dep.Code, dep.Name, dep.RegionCode)
	if err != nil {
		return fmt.Errorf("failed to upsert department %s: %w", dep.Code, err)
	}
	return nil
}

// UpsertDistrict inserts or updates a district.
func (r *Repository) UpsertDistrict(ctx context.Context, dis District) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO districts (code, name, department_code) VALUES (?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET name = excluded.name, department_code = excluded.department_code
	`, dis.Code, dis.Name, dis.DepartmentCode)
	if err != nil {
		return fmt.Errorf("failed to upsert district %s: %w", dis.Code, err)
	}
	return nil
}

// LoadDirectory reads the whole territory tree.
func (r *Repository) LoadDirectory(ctx context.Context) (*Directory, error) {
	var regions []Region
	rows, err := r.q.QueryContext(ctx, "SELECT code, name FROM regions ORDER BY code")
	if err != nil {
		return nil, fmt.Errorf("failed to query regions: %w", err)
	}
	for rows.Next() {
		var reg Region
		if err := rows.Scan(&reg.Code, &reg.Name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan region: %w", err)
		}
		regions = append(regions, reg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating regions: %w", err)
	}

	var departments []Department
	rows, err = r.q.QueryContext(ctx, "SELECT code, name, region_code FROM departments ORDER BY code")
	if err != nil {
		return nil, fmt.Errorf("failed to query departments: %w", err)
	}
	for rows.Next() {
		var dep Department
		if err := rows.Scan(&dep.Code, &dep.Name, &dep.RegionCode); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan department: %w", err)
		}
		departments = append(departments, dep)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating departments: %w", err)
	}

	var districts []District
	rows, err = r.q.QueryContext(ctx, "SELECT code, name, department_code FROM districts ORDER BY code")
	if err != nil {
		return nil, fmt.Errorf("failed to query districts: %w", err)
	}
	for rows.Next() {
		var dis District
		if err := rows.Scan(&dis.Code, &dis.Name, &dis.DepartmentCode); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan district: %w", err)
		}
		districts = append(districts, dis)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating districts: %w", err)
	}

	return NewDirectory(regions, departments, districts)
}

// EnsureScope returns the persisted scope for the tuple, creating it if needed.
// The tuple is checked against dir when dir is not nil.
func (r *Repository) EnsureScope(ctx context.Context, s Scope, dir *Directory) (Scope, error) {
	if err := s.Validate(dir); err != nil {
		return Scope{}, err
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO scopes (id, region_code, department_code, district_code) VALUES (?, ?, ?, ?)
		ON CONFLICT(region_code, department_code, district_code) DO NOTHING
	`, uuid.NewString(), s.RegionCode, s.DepartmentCode, s.DistrictCode)
	if err != nil {
		return Scope{}, fmt.Errorf("failed to ensure scope %s: %w", s.Key(), err)
	}

	return r.FindScope(ctx, s)
}

// FindScope looks up the persisted scope with the same tuple.
func (r *Repository) FindScope(ctx context.Context, s Scope) (Scope, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, region_code, department_code, district_code FROM scopes
		WHERE region_code = ? AND department_code = ? AND district_code = ?
	`, s.RegionCode, s.DepartmentCode, s.DistrictCode)
	return scanScope(row, s.Key())
}

// GetScope returns a scope by id.
func (r *Repository) GetScope(ctx context.Context, id string) (Scope, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT id, region_code, department_code, district_code FROM scopes WHERE id = ?", id)
	return scanScope(row, id)
}

func scanScope(row *sql.Row, ref string) (Scope, error) {
	var s Scope
	err := row.Scan(&s.ID, &s.RegionCode, &s.DepartmentCode, &s.DistrictCode)
	if errors.Is(err, sql.ErrNoRows) {
		return Scope{}, fmt.Errorf("scope %s: %w", ref, domain.ErrNotFound)
	}
	if err != nil {
		return Scope{}, fmt.Errorf("failed to scan scope %s: %w", ref, err)
	}
	return s, nil
}
