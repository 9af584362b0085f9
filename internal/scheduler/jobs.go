package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/collectivites/gsl/internal/events"
	"github.com/collectivites/gsl/internal/reliability"
	"github.com/collectivites/gsl/internal/services/dotations"
)

// Recomputer recomputes every project.
type Recomputer interface {
	RecomputeAll(ctx context.Context) (*dotations.BatchReport, error)
}

// RecomputeAllJob runs the nightly batch recompute.
type RecomputeAllJob struct {
	engine  Recomputer
	events  *events.Manager
	timeout time.Duration
	log     zerolog.Logger
}

// NewRecomputeAllJob creates a new RecomputeAllJob
func NewRecomputeAllJob(engine Recomputer, eventManager *events.Manager, log zerolog.Logger) *RecomputeAllJob {
	return &RecomputeAllJob{
		engine:  engine,
		events:  eventManager,
		timeout: 2 * time.Hour,
		log:     log.With().Str("job", "recompute_all").Logger(),
	}
}

// Name returns the job name
func (j *RecomputeAllJob) Name() string {
	return "recompute_all"
}

// Run executes the batch recompute. Per-project failures are part of the
// report and do not fail the job.
func (j *RecomputeAllJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	report, err := j.engine.RecomputeAll(ctx)
	if err != nil {
		j.events.EmitError("scheduler", err, map[string]interface{}{"job": j.Name()})
		return fmt.Errorf("batch recompute failed: %w", err)
	}

	if report.Failed > 0 {
		j.log.Warn().
			Int("processed", report.Processed).
			Int("failed", report.Failed).
			Msg("Batch recompute finished with failures")
	}
	return nil
}

// Backupper creates and rotates database backups.
type Backupper interface {
	CreateAndUploadBackup(ctx context.Context) (*reliability.BackupInfo, error)
	RotateOldBackups(ctx context.Context, retentionDays int) (int, error)
}

// BackupJob uploads a database backup and rotates old ones.
type BackupJob struct {
	backups       Backupper
	events        *events.Manager
	retentionDays int
	log           zerolog.Logger
}

// NewBackupJob creates a new BackupJob
func NewBackupJob(backups Backupper, retentionDays int, eventManager *events.Manager, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		backups:       backups,
		events:        eventManager,
		retentionDays: retentionDays,
		log:           log.With().Str("job", "backup").Logger(),
	}
}

// Name returns the job name
func (j *BackupJob) Name() string {
	return "backup"
}

// Run uploads a fresh backup, then rotates. Rotation only runs after a
// successful upload and its failure is logged.
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if _, err := j.backups.CreateAndUploadBackup(ctx); err != nil {
		j.events.EmitError("scheduler", err, map[string]interface{}{"job": j.Name()})
		return err
	}

	if _, err := j.backups.RotateOldBackups(ctx, j.retentionDays); err != nil {
		j.log.Warn().Err(err).Msg("Backup rotation failed")
	}
	return nil
}
