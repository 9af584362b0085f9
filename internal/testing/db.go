// Package testing provides testing utilities and helpers for the gsl project.
package testing

import (
	"os"
	"testing"

	"github.com/collectivites/gsl/internal/database"
	_ "modernc.org/sqlite"
)

// NewTestDB creates a temporary file-backed SQLite database with the full
// schema applied. The returned cleanup function closes the connection and
// removes the file; it is safe to call more than once.
func NewTestDB(t *testing.T) (*database.DB, func()) {
	t.Helper()

	// Temporary files rather than :memory: so every pooled connection sees the same data
	tmpFile, err := os.CreateTemp("", "test_gsl_*.db")
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    "gsl_test",
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	closed := false
	return db, func() {
		if closed {
			return
		}
		closed = true
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database: %v", err)
		}
		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Remove(tmpPath + suffix)
		}
	}
}

// CreateTempDBFile creates a temporary database path for tests that manage
// the database lifecycle themselves (snapshots, backups).
func CreateTempDBFile(t *testing.T, name string) (string, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", name+"_*.db")
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	return tmpPath, func() {
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			t.Logf("Warning: Failed to remove temporary database file %s: %v", tmpPath, err)
		}
	}
}
