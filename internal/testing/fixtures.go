package testing

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
)

// Territory codes loaded by SeedTerritory.
const (
	RegionARA      = "84"
	DepartmentAin  = "01"
	DepartmentRhon = "69"
	DistrictBelley = "011"
	DistrictLyon   = "691"
)

// SeedTerritory inserts a small region with two departments and one district
// each, plus the scopes for every level. It returns scope ids keyed by
// "region/department/district" ("84", "84/01", "84/01/011", ...).
func SeedTerritory(t *testing.T, db *sql.DB) map[string]string {
	t.Helper()

	mustExec(t, db, "INSERT INTO regions (code, name) VALUES (?, ?)", RegionARA, "Auvergne-Rhône-Alpes")
	mustExec(t, db, "INSERT INTO departments (code, name, region_code) VALUES (?, ?, ?)", DepartmentAin, "Ain", RegionARA)
	mustExec(t, db, "INSERT INTO departments (code, name, region_code) VALUES (?, ?, ?)", DepartmentRhon, "Rhône", RegionARA)
	mustExec(t, db, "INSERT INTO districts (code, name, department_code) VALUES (?, ?, ?)", DistrictBelley, "Belley", DepartmentAin)
	mustExec(t, db, "INSERT INTO districts (code, name, department_code) VALUES (?, ?, ?)", DistrictLyon, "Lyon", DepartmentRhon)

	scopes := map[string]string{}
	for _, tuple := range [][3]string{
		{RegionARA, "", ""},
		{RegionARA, DepartmentAin, ""},
		{RegionARA, DepartmentAin, DistrictBelley},
		{RegionARA, DepartmentRhon, ""},
		{RegionARA, DepartmentRhon, DistrictLyon},
	} {
		key := tuple[0]
		if tuple[1] != "" {
			key += "/" + tuple[1]
		}
		if tuple[2] != "" {
			key += "/" + tuple[2]
		}
		scopes[key] = InsertScope(t, db, tuple[0], tuple[1], tuple[2])
	}
	return scopes
}

// InsertScope inserts a scope row and returns its id.
func InsertScope(t *testing.T, db *sql.DB, region, department, district string) string {
	t.Helper()
	id := uuid.NewString()
	mustExec(t, db, "INSERT INTO scopes (id, region_code, department_code, district_code) VALUES (?, ?, ?, ?)",
		id, region, department, district)
	return id
}

// InsertEnvelope inserts an envelope row and returns its id. delegatedBy may be empty.
func InsertEnvelope(t *testing.T, db *sql.DB, instrument string, year int, scopeID, amount, delegatedBy string) string {
	t.Helper()
	id := uuid.NewString()
	var parent sql.NullString
	if delegatedBy != "" {
		parent = sql.NullString{String: delegatedBy, Valid: true}
	}
	mustExec(t, db, `INSERT INTO envelopes (id, instrument, year, scope_id, amount, delegated_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, id, instrument, year, scopeID, amount, parent, time.Now().UnixNano())
	return id
}

// InsertProject inserts a processing project and returns its id. baseCost may be empty.
func InsertProject(t *testing.T, db *sql.DB, dossierNumber int64, scopeID, baseCost string) string {
	t.Helper()
	id := uuid.NewString()
	var cost sql.NullString
	if baseCost != "" {
		cost = sql.NullString{String: baseCost, Valid: true}
	}
	now := time.Now().UnixNano()
	mustExec(t, db, `INSERT INTO projects (id, dossier_number, name, scope_id, base_cost, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'processing', ?, ?)`, id, dossierNumber, "Projet test", scopeID, cost, now, now)
	return id
}

// InsertSimulation inserts an open simulation on the envelope and returns its id.
func InsertSimulation(t *testing.T, db *sql.DB, title, envelopeID string) string {
	t.Helper()
	id := uuid.NewString()
	mustExec(t, db, "INSERT INTO simulations (id, title, envelope_id, archived, created_at) VALUES (?, ?, ?, 0, ?)",
		id, title, envelopeID, time.Now().UnixNano())
	return id
}

// CountRows returns the number of rows of table matching where (may be empty).
func CountRows(t *testing.T, db *sql.DB, table, where string, args ...interface{}) int {
	t.Helper()
	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("Failed to count %s: %v", table, err)
	}
	return n
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...interface{}) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("Failed to exec fixture query: %v\n%s", err, query)
	}
}
