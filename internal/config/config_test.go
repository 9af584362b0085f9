package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GSL_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.CaseFile.MaxAttempts)
	assert.Equal(t, 500, cfg.Recompute.ChunkSize)
	assert.Equal(t, 4, cfg.Recompute.Workers)
	assert.False(t, cfg.Backup.Enabled)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, 30*time.Second, cfg.RedisLockTTL)
	assert.Contains(t, cfg.DatabasePath(), "gsl.db")
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("GSL_DATA_DIR", t.TempDir())
	t.Setenv("GSL_PORT", "9090")
	t.Setenv("CASEFILE_API_TOKEN", "secret")
	t.Setenv("CASEFILE_MAX_ATTEMPTS", "6")
	t.Setenv("CASEFILE_RATE_PER_SECOND", "2.5")
	t.Setenv("RECOMPUTE_WORKERS", "8")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_LOCK_TTL", "1m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "secret", cfg.CaseFile.Token)
	assert.Equal(t, 6, cfg.CaseFile.MaxAttempts)
	assert.Equal(t, 2.5, cfg.CaseFile.RatePerSecond)
	assert.Equal(t, 8, cfg.Recompute.Workers)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, time.Minute, cfg.RedisLockTTL)
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("GSL_DATA_DIR", t.TempDir())
	t.Setenv("GSL_PORT", "not-a-port")
	t.Setenv("DEV_MODE", "maybe")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.False(t, cfg.DevMode)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:      8080,
			CaseFile:  CaseFileConfig{APIURL: "https://example.org/graphql", MaxAttempts: 3},
			Recompute: RecomputeConfig{Schedule: "0 30 2 * * *", ChunkSize: 500, Workers: 4},
			Backup:    BackupConfig{Schedule: "0 0 3 * * *"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Port = 70000 }, wantErr: "GSL_PORT"},
		{name: "bad url", mutate: func(c *Config) { c.CaseFile.APIURL = "not a url" }, wantErr: "CASEFILE_API_URL"},
		{name: "no attempts", mutate: func(c *Config) { c.CaseFile.MaxAttempts = 0 }, wantErr: "CASEFILE_MAX_ATTEMPTS"},
		{name: "no workers", mutate: func(c *Config) { c.Recompute.Workers = 0 }, wantErr: "RECOMPUTE_WORKERS"},
		{name: "bad schedule", mutate: func(c *Config) { c.Recompute.Schedule = "every night" }, wantErr: "RECOMPUTE_SCHEDULE"},
		{name: "schedule disabled", mutate: func(c *Config) { c.Recompute.Schedule = "" }},
		{name: "short lock ttl", mutate: func(c *Config) {
			c.RedisAddr, c.RedisLockTTL = "localhost:6379", 200*time.Millisecond
		}, wantErr: "REDIS_LOCK_TTL"},
		{name: "lock ttl unused without redis", mutate: func(c *Config) { c.RedisLockTTL = 0 }},
		{name: "backup without bucket", mutate: func(c *Config) { c.Backup.Enabled = true }, wantErr: "BACKUP_BUCKET"},
		{
			name: "backup with half credentials",
			mutate: func(c *Config) {
				c.Backup.Enabled = true
				c.Backup.Bucket = "gsl"
				c.Backup.AccessKeyID = "key"
			},
			wantErr: "BACKUP_SECRET_ACCESS_KEY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
