package reliability

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testingpkg "github.com/collectivites/gsl/internal/testing"
)

func freeSpace(gb float64) func(string) (*disk.UsageStat, error) {
	return func(path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Path: path, Free: uint64(gb * 1e9)}, nil
	}
}

func TestMaintenanceJob_Run(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t)
	defer cleanup()

	tests := []struct {
		name    string
		usage   func(string) (*disk.UsageStat, error)
		wantErr string
	}{
		{name: "healthy", usage: freeSpace(50)},
		{name: "low space only logs", usage: freeSpace(3)},
		{name: "critical space fails", usage: freeSpace(0.2), wantErr: "CRITICAL"},
		{
			name:    "stat failure",
			usage:   func(string) (*disk.UsageStat, error) { return nil, errors.New("no such device") },
			wantErr: "failed to stat filesystem",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewMaintenanceJob(db, t.TempDir(), zerolog.Nop())
			job.diskUsage = tt.usage

			err := job.Run()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMaintenanceJob_Name(t *testing.T) {
	assert.Equal(t, "daily_maintenance", NewMaintenanceJob(nil, "", zerolog.Nop()).Name())
}
