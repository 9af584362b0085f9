package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTempDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), "gsl.db"),
		Profile: ProfileStandard,
		Name:    "gsl",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate())
	return db
}

func TestMigrate_IsIdempotent(t *testing.T) {
	db := newTempDB(t)

	require.NoError(t, db.Migrate())

	var count int
	err := db.Conn().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'draft_allocations'").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWithTransaction_CommitsOnSuccess(t *testing.T) {
	db := newTempDB(t)
	ctx := context.Background()

	err := WithTransaction(ctx, db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO regions (code, name) VALUES ('84', 'Auvergne-Rhône-Alpes')")
		return err
	})
	require.NoError(t, err)

	var name string
	require.NoError(t, db.Conn().QueryRow("SELECT name FROM regions WHERE code = '84'").Scan(&name))
	assert.Equal(t, "Auvergne-Rhône-Alpes", name)
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	db := newTempDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := WithTransaction(ctx, db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO regions (code, name) VALUES ('84', 'ARA')"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM regions").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestWithTransaction_RecoversPanic(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	err = WithTransaction(context.Background(), db, func(tx *sql.Tx) error {
		panic("unexpected")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in transaction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransaction_ReportsRollbackFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback().WillReturnError(errors.New("disk I/O error"))

	boom := errors.New("boom")
	err = WithTransaction(context.Background(), db, func(tx *sql.Tx) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "rollback also failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUniqueViolation_IsDetected(t *testing.T) {
	db := newTempDB(t)

	_, err := db.Conn().Exec("INSERT INTO regions (code, name) VALUES ('84', 'ARA')")
	require.NoError(t, err)
	_, err = db.Conn().Exec("INSERT INTO regions (code, name) VALUES ('84', 'ARA')")

	assert.True(t, IsUniqueViolation(err))
	assert.False(t, IsForeignKeyViolation(err))
}

func TestForeignKeys_AreEnforced(t *testing.T) {
	db := newTempDB(t)

	_, err := db.Conn().Exec("INSERT INTO departments (code, name, region_code) VALUES ('01', 'Ain', '99')")
	assert.True(t, IsForeignKeyViolation(err))
}

func TestSnapshotTo_WritesCopy(t *testing.T) {
	db := newTempDB(t)
	_, err := db.Conn().Exec("INSERT INTO regions (code, name) VALUES ('84', 'ARA')")
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "snapshot.db")
	require.NoError(t, db.SnapshotTo(context.Background(), dest))

	copyDB, err := New(Config{Path: dest, Name: "snapshot"})
	require.NoError(t, err)
	defer copyDB.Close()

	var count int
	require.NoError(t, copyDB.Conn().QueryRow("SELECT COUNT(*) FROM regions").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestHealthCheckAndStats(t *testing.T) {
	db := newTempDB(t)

	require.NoError(t, db.HealthCheck(context.Background()))

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Greater(t, stats.PageCount, int64(0))
	assert.Greater(t, stats.PageSize, int64(0))
}
