// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the database and backup staging (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	CaseFile  CaseFileConfig
	Recompute RecomputeConfig
	Backup    BackupConfig

	// RedisAddr enables the distributed project lock when set
	RedisAddr         string
	RedisLockTTL      time.Duration
	TerritorySeedFile string
}

// CaseFileConfig configures the case-system client.
type CaseFileConfig struct {
	APIURL         string
	Token          string
	InstructeurID  string
	MaxAttempts    int
	RatePerSecond  float64
	AttemptTimeout time.Duration
}

// RecomputeConfig configures the batch recompute job.
type RecomputeConfig struct {
	Schedule  string // Cron expression with seconds, empty disables the job
	ChunkSize int
	Workers   int
}

// BackupConfig configures database backups to S3-compatible storage.
type BackupConfig struct {
	Enabled         bool
	Schedule        string
	Bucket          string
	Region          string
	Endpoint        string // Optional, for R2/MinIO
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	RetentionDays   int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("GSL_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("GSL_PORT", 8080),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		CaseFile: CaseFileConfig{
			APIURL:         getEnv("CASEFILE_API_URL", "https://www.demarches-simplifiees.fr/api/v2/graphql"),
			Token:          getEnv("CASEFILE_API_TOKEN", ""),
			InstructeurID:  getEnv("CASEFILE_INSTRUCTEUR_ID", ""),
			MaxAttempts:    getEnvAsInt("CASEFILE_MAX_ATTEMPTS", 4),
			RatePerSecond:  getEnvAsFloat("CASEFILE_RATE_PER_SECOND", 5),
			AttemptTimeout: getEnvAsDuration("CASEFILE_ATTEMPT_TIMEOUT", 15*time.Second),
		},
		Recompute: RecomputeConfig{
			Schedule:  getEnv("RECOMPUTE_SCHEDULE", "0 30 2 * * *"), // 02:30 every night
			ChunkSize: getEnvAsInt("RECOMPUTE_CHUNK_SIZE", 500),
			Workers:   getEnvAsInt("RECOMPUTE_WORKERS", 4),
		},
		Backup: BackupConfig{
			Enabled:         getEnvAsBool("BACKUP_ENABLED", false),
			Schedule:        getEnv("BACKUP_SCHEDULE", "0 0 3 * * *"),
			Bucket:          getEnv("BACKUP_BUCKET", ""),
			Region:          getEnv("BACKUP_REGION", "auto"),
			Endpoint:        getEnv("BACKUP_ENDPOINT", ""),
			Prefix:          getEnv("BACKUP_PREFIX", "gsl/"),
			AccessKeyID:     getEnv("BACKUP_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BACKUP_SECRET_ACCESS_KEY", ""),
			RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
		},
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisLockTTL:      getEnvAsDuration("REDIS_LOCK_TTL", 30*time.Second),
		TerritorySeedFile: getEnv("TERRITORY_SEED_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DatabasePath returns the path of the SQLite database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "gsl.db")
}

// Validate checks if required configuration is present and consistent
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("GSL_PORT must be a valid port, got %d", c.Port)
	}

	if _, err := url.ParseRequestURI(c.CaseFile.APIURL); err != nil {
		return fmt.Errorf("CASEFILE_API_URL is not a valid URL: %w", err)
	}
	if c.CaseFile.MaxAttempts < 1 {
		return fmt.Errorf("CASEFILE_MAX_ATTEMPTS must be at least 1, got %d", c.CaseFile.MaxAttempts)
	}
	if c.CaseFile.RatePerSecond < 0 {
		return fmt.Errorf("CASEFILE_RATE_PER_SECOND must not be negative")
	}

	if c.Recompute.ChunkSize < 1 || c.Recompute.Workers < 1 {
		return fmt.Errorf("RECOMPUTE_CHUNK_SIZE and RECOMPUTE_WORKERS must be at least 1")
	}
	if c.Recompute.Schedule != "" {
		if _, err := cronParser.Parse(c.Recompute.Schedule); err != nil {
			return fmt.Errorf("invalid RECOMPUTE_SCHEDULE %q: %w", c.Recompute.Schedule, err)
		}
	}

	if c.RedisAddr != "" && c.RedisLockTTL < time.Second {
		return fmt.Errorf("REDIS_LOCK_TTL must be at least 1s, got %s", c.RedisLockTTL)
	}

	if c.Backup.Enabled {
		if c.Backup.Bucket == "" {
			return fmt.Errorf("BACKUP_BUCKET is required when backups are enabled")
		}
		if _, err := cronParser.Parse(c.Backup.Schedule); err != nil {
			return fmt.Errorf("invalid BACKUP_SCHEDULE %q: %w", c.Backup.Schedule, err)
		}
		if (c.Backup.AccessKeyID == "") != (c.Backup.SecretAccessKey == "") {
			return fmt.Errorf("BACKUP_ACCESS_KEY_ID and BACKUP_SECRET_ACCESS_KEY must be set together")
		}
	}
	return nil
}

// cronParser matches the scheduler's six-field (with seconds) expressions.
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
