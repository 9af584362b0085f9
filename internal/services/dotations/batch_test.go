package dotations

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collectivites/gsl/internal/domain"
	"github.com/collectivites/gsl/internal/events"
	"github.com/collectivites/gsl/internal/modules/dossier"
)

func TestRecomputeAll_IsolatesFailures(t *testing.T) {
	f, cleanup := newEngineFixture(t)
	defer cleanup()

	reg := prometheus.NewRegistry()
	f.engine.metrics = NewMetrics(reg)

	var ids []string
	for i := int64(0); i < 5; i++ {
		ids = append(ids, f.project(t, 4000+i, ""))
	}

	// Granted without any envelope to charge: this project fails
	broken := ids[2]
	d := grantedCase(4002)
	d.ProjectID = broken
	d.SyncedAt = f.clock
	require.NoError(t, dossier.NewRepository(f.db, zerolog.Nop()).Upsert(f.ctx, d))

	var completed *events.Event
	f.bus.Subscribe(events.RecomputeCompleted, func(e *events.Event) { completed = e })

	report, err := f.engine.RecomputeAll(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Processed)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, broken, report.Failures[0].ProjectID)
	assert.Contains(t, report.Failures[0].Error, "no root envelope")

	require.NotNil(t, completed)
	assert.EqualValues(t, 5, completed.Data["processed"])
	assert.EqualValues(t, 1, completed.Data["failed"])

	assert.Equal(t, 1.0, testutil.ToFloat64(f.engine.metrics.batchFailures))
	assert.Equal(t, 4.0, testutil.ToFloat64(f.engine.metrics.operations.WithLabelValues("recompute_project", "success")))
}

func TestRecomputeAll_Empty(t *testing.T) {
	f, cleanup := newEngineFixture(t)
	defer cleanup()

	report, err := f.engine.RecomputeAll(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Processed)
	assert.Empty(t, report.Failures)
}

func TestRecomputeAll_CancelledContext(t *testing.T) {
	f, cleanup := newEngineFixture(t)
	defer cleanup()
	f.project(t, 4100, "")

	ctx, cancel := context.WithCancel(f.ctx)
	cancel()

	_, err := f.engine.RecomputeAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecomputeProject_RollsBackOnStoreError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	engine := NewEngine(Deps{DB: db}, DefaultConfig(), zerolog.Nop())

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err = engine.RecomputeProject(context.Background(), "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecomputeProject_WithoutCaseOnlyAggregates(t *testing.T) {
	f, cleanup := newEngineFixture(t)
	defer cleanup()

	projectID := f.project(t, 4200, "")
	view, err := f.engine.RecomputeProject(f.ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, domain.TrackProcessing, view.Project.Status)
	assert.Empty(t, view.Tracks)
	assert.Equal(t, "unchanged", view.Gate)

	_, err = f.engine.RecomputeProject(f.ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
