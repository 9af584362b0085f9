package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/collectivites/gsl/internal/config"
	"github.com/collectivites/gsl/internal/reliability"
	"github.com/collectivites/gsl/internal/scheduler"
)

// maintenanceSchedule runs daily after the backup window.
const maintenanceSchedule = "0 0 4 * * *"

// RegisterJobs creates the scheduler and registers the background jobs.
// The scheduler is not started.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) error {
	sched := scheduler.New(log)

	if cfg.Recompute.Schedule != "" {
		job := scheduler.NewRecomputeAllJob(container.Engine, container.EventManager, log)
		if err := sched.AddJob(cfg.Recompute.Schedule, job); err != nil {
			return fmt.Errorf("failed to register recompute job: %w", err)
		}
	}

	if container.BackupService != nil {
		job := scheduler.NewBackupJob(container.BackupService, cfg.Backup.RetentionDays, container.EventManager, log)
		if err := sched.AddJob(cfg.Backup.Schedule, job); err != nil {
			return fmt.Errorf("failed to register backup job: %w", err)
		}
	}

	maintenance := reliability.NewMaintenanceJob(container.DB, cfg.DataDir, log)
	if err := sched.AddJob(maintenanceSchedule, maintenance); err != nil {
		return fmt.Errorf("failed to register maintenance job: %w", err)
	}

	container.Scheduler = sched
	log.Info().Msg("Jobs registered")
	return nil
}
