package di

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collectivites/gsl/internal/config"
	"github.com/collectivites/gsl/internal/database"
	testingpkg "github.com/collectivites/gsl/internal/testing"
)

const seedYAML = `
regions:
  - code: "84"
    name: Auvergne-Rhône-Alpes
    departments:
      - code: "01"
        name: Ain
        districts:
          - {code: "011", name: Belley}
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:  t.TempDir(),
		LogLevel: "info",
		Port:     8080,
		CaseFile: config.CaseFileConfig{
			APIURL:         "http://127.0.0.1:1/graphql",
			MaxAttempts:    1,
			AttemptTimeout: time.Second,
		},
		Recompute: config.RecomputeConfig{
			Schedule:  "0 30 2 * * *",
			ChunkSize: 10,
			Workers:   2,
		},
		RedisLockTTL: 30 * time.Second,
	}
}

func TestWire(t *testing.T) {
	cfg := testConfig(t)
	seedPath := filepath.Join(cfg.DataDir, "territories.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(seedYAML), 0644))
	cfg.TerritorySeedFile = seedPath

	container, err := Wire(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer container.Close()

	assert.NotNil(t, container.DB)
	assert.NotNil(t, container.EnvelopeRepo)
	assert.NotNil(t, container.EventManager)
	assert.NotNil(t, container.CaseClient)
	assert.NotNil(t, container.Engine)
	assert.NotNil(t, container.Scheduler)
	assert.Nil(t, container.Redis)
	assert.Nil(t, container.BackupService)
	assert.IsType(t, &database.MemoryLocker{}, container.Locker)

	assert.FileExists(t, cfg.DatabasePath())
	// region, department, district
	assert.Equal(t, 3, testingpkg.CountRows(t, container.DB.Conn(), "scopes", ""))

	families, err := container.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestWire_ReappliesSeed(t *testing.T) {
	cfg := testConfig(t)
	seedPath := filepath.Join(cfg.DataDir, "territories.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(seedYAML), 0644))
	cfg.TerritorySeedFile = seedPath

	first, err := Wire(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Wire(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, 3, testingpkg.CountRows(t, second.DB.Conn(), "scopes", ""))
}

func TestWire_MissingSeedFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.TerritorySeedFile = filepath.Join(cfg.DataDir, "missing.yaml")

	_, err := Wire(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open territory seed")
}

func TestWire_InvalidRecomputeSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recompute.Schedule = "not a schedule"

	_, err := Wire(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to register recompute job")
}

func TestWire_UnreachableRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.RedisAddr = "127.0.0.1:1"

	_, err := Wire(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}
