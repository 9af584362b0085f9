package di

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/collectivites/gsl/internal/clients/casefile"
	"github.com/collectivites/gsl/internal/config"
	"github.com/collectivites/gsl/internal/database"
	"github.com/collectivites/gsl/internal/events"
	"github.com/collectivites/gsl/internal/reliability"
	"github.com/collectivites/gsl/internal/services/dotations"
)

// InitializeServices creates infrastructure and services in dependency order:
// events, metrics, project lock, case client, engine, backups.
func InitializeServices(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	// Event bus
	container.EventBus = events.NewBus()
	container.EventManager = events.NewManager(container.EventBus, log)

	// Metrics
	container.Registry = prometheus.NewRegistry()
	container.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := dotations.NewMetrics(container.Registry)

	// Project lock
	if err := initializeLocker(ctx, container, cfg, log); err != nil {
		return err
	}

	// Case-system client
	retry := casefile.DefaultRetryConfig()
	retry.MaxAttempts = cfg.CaseFile.MaxAttempts
	retry.AttemptTimeout = cfg.CaseFile.AttemptTimeout
	container.CaseClient = casefile.NewClient(casefile.Config{
		BaseURL:       cfg.CaseFile.APIURL,
		Token:         cfg.CaseFile.Token,
		InstructeurID: cfg.CaseFile.InstructeurID,
		RatePerSecond: cfg.CaseFile.RatePerSecond,
		Retry:         retry,
	}, log)
	if cfg.CaseFile.Token == "" {
		log.Warn().Msg("CASEFILE_API_TOKEN not set - case-system calls will be rejected")
	}

	// Engine
	container.Engine = dotations.NewEngine(dotations.Deps{
		DB:      container.DB.Conn(),
		Locker:  container.Locker,
		Cases:   container.CaseClient,
		Events:  container.EventManager,
		Metrics: metrics,
	}, dotations.Config{
		ChunkSize: cfg.Recompute.ChunkSize,
		Workers:   cfg.Recompute.Workers,
	}, log)

	// Backups
	if cfg.Backup.Enabled {
		store, err := reliability.NewS3Store(ctx, reliability.S3Config{
			Bucket:          cfg.Backup.Bucket,
			Region:          cfg.Backup.Region,
			Endpoint:        cfg.Backup.Endpoint,
			AccessKeyID:     cfg.Backup.AccessKeyID,
			SecretAccessKey: cfg.Backup.SecretAccessKey,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to create backup store: %w", err)
		}
		container.BackupService = reliability.NewBackupService(
			store,
			container.DB,
			cfg.DataDir,
			cfg.Backup.Prefix,
			container.EventManager,
			log,
		)
		log.Info().Str("bucket", cfg.Backup.Bucket).Msg("Backup service initialized")
	}

	log.Info().Msg("Services initialized")
	return nil
}

func initializeLocker(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	if cfg.RedisAddr == "" {
		container.Locker = database.NewMemoryLocker()
		log.Info().Msg("Using in-process project lock")
		return nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	container.Redis = client
	container.Locker = database.NewRedisLocker(client, cfg.RedisLockTTL, log)
	log.Info().Str("addr", cfg.RedisAddr).Msg("Using redis project lock")
	return nil
}
