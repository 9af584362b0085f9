// Package di provides dependency injection wiring and initialization.
package di

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/collectivites/gsl/internal/clients/casefile"
	"github.com/collectivites/gsl/internal/database"
	"github.com/collectivites/gsl/internal/events"
	"github.com/collectivites/gsl/internal/modules/envelope"
	"github.com/collectivites/gsl/internal/modules/territory"
	"github.com/collectivites/gsl/internal/reliability"
	"github.com/collectivites/gsl/internal/scheduler"
	"github.com/collectivites/gsl/internal/services/dotations"
)

// Container holds all application dependencies
type Container struct {
	// Database
	DB *database.DB

	// Repositories
	EnvelopeRepo  *envelope.Repository
	TerritoryRepo *territory.Repository

	// Infrastructure
	Redis        redis.UniversalClient // nil unless REDIS_ADDR is set
	Locker       database.ProjectLocker
	EventBus     *events.Bus
	EventManager *events.Manager
	Registry     *prometheus.Registry

	// Services
	CaseClient    *casefile.Client
	Engine        *dotations.Engine
	BackupService *reliability.BackupService // nil unless backups are enabled

	// Background jobs
	Scheduler *scheduler.Scheduler
}

// Close releases the container's connections.
func (c *Container) Close() error {
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}
