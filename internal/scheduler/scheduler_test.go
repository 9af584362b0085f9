package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/collectivites/gsl/internal/events"
	"github.com/collectivites/gsl/internal/reliability"
	"github.com/collectivites/gsl/internal/services/dotations"
)

type countingJob struct {
	runs  atomic.Int32
	err   error
	delay time.Duration
}

func (j *countingJob) Run() error {
	j.runs.Add(1)
	time.Sleep(j.delay)
	return j.err
}

func (j *countingJob) Name() string { return "counting" }

func TestScheduler_AddJobRejectsBadSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.AddJob("every night", &countingJob{})
	assert.Error(t, err)
}

func TestScheduler_RunsRegisteredJobs(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{err: errors.New("boom")}
	require.NoError(t, s.AddJob("@every 1s", job))

	s.Start()
	defer s.Stop()

	// A failing job keeps being scheduled
	assert.Eventually(t, func() bool { return job.runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{delay: 3 * time.Second}
	require.NoError(t, s.AddJob("@every 1s", job))

	s.Start()
	time.Sleep(2500 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(1), job.runs.Load())
}

func TestScheduler_RunNow(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{err: errors.New("boom")}
	assert.EqualError(t, s.RunNow(job), "boom")
	assert.Equal(t, int32(1), job.runs.Load())
}

type MockRecomputer struct {
	mock.Mock
}

func (m *MockRecomputer) RecomputeAll(ctx context.Context) (*dotations.BatchReport, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dotations.BatchReport), args.Error(1)
}

func TestRecomputeAllJob(t *testing.T) {
	t.Run("project failures do not fail the job", func(t *testing.T) {
		engine := new(MockRecomputer)
		engine.On("RecomputeAll", mock.Anything).Return(&dotations.BatchReport{Processed: 3, Failed: 1}, nil)

		job := NewRecomputeAllJob(engine, nil, zerolog.Nop())
		assert.NoError(t, job.Run())
		engine.AssertExpectations(t)
	})

	t.Run("batch failure is reported", func(t *testing.T) {
		engine := new(MockRecomputer)
		engine.On("RecomputeAll", mock.Anything).Return(nil, errors.New("database is locked"))

		bus := events.NewBus()
		var reported *events.Event
		bus.Subscribe(events.ErrorOccurred, func(e *events.Event) { reported = e })

		job := NewRecomputeAllJob(engine, events.NewManager(bus, zerolog.Nop()), zerolog.Nop())
		err := job.Run()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database is locked")
		require.NotNil(t, reported)
	})
}

type MockBackupper struct {
	mock.Mock
}

func (m *MockBackupper) CreateAndUploadBackup(ctx context.Context) (*reliability.BackupInfo, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*reliability.BackupInfo), args.Error(1)
}

func (m *MockBackupper) RotateOldBackups(ctx context.Context, retentionDays int) (int, error) {
	args := m.Called(ctx, retentionDays)
	return args.Int(0), args.Error(1)
}

func TestBackupJob(t *testing.T) {
	t.Run("uploads then rotates", func(t *testing.T) {
		backups := new(MockBackupper)
		backups.On("CreateAndUploadBackup", mock.Anything).Return(&reliability.BackupInfo{Key: "gsl/a.tar.gz"}, nil)
		backups.On("RotateOldBackups", mock.Anything, 30).Return(0, errors.New("list failed"))

		job := NewBackupJob(backups, 30, nil, zerolog.Nop())
		assert.NoError(t, job.Run())
		backups.AssertExpectations(t)
	})

	t.Run("no rotation after a failed upload", func(t *testing.T) {
		backups := new(MockBackupper)
		backups.On("CreateAndUploadBackup", mock.Anything).Return(nil, errors.New("bucket not found"))

		job := NewBackupJob(backups, 30, nil, zerolog.Nop())
		assert.Error(t, job.Run())
		backups.AssertNotCalled(t, "RotateOldBackups", mock.Anything, mock.Anything)
	})
}
