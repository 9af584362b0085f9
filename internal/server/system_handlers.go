package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/collectivites/gsl/internal/database"
)

// SystemHandlers handles system monitoring endpoints
type SystemHandlers struct {
	db          *database.DB
	dataDir     string
	startupTime time.Time
	log         zerolog.Logger
}

// NewSystemHandlers creates a new system handlers instance
func NewSystemHandlers(db *database.DB, dataDir string, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		db:          db,
		dataDir:     dataDir,
		startupTime: time.Now(),
		log:         log.With().Str("component", "system_handlers").Logger(),
	}
}

// SystemStatusResponse is the system status snapshot.
type SystemStatusResponse struct {
	Status          string          `json:"status"`
	UptimeSeconds   int64           `json:"uptime_seconds"`
	Goroutines      int             `json:"goroutines"`
	CPUPercent      float64         `json:"cpu_percent"`
	MemoryPercent   float64         `json:"memory_percent"`
	DiskFreeBytes   uint64          `json:"disk_free_bytes"`
	DiskUsedPercent float64         `json:"disk_used_percent"`
	DatabaseHealthy bool            `json:"database_healthy"`
	Database        *database.Stats `json:"database,omitempty"`
}

// HandleSystemStatus returns host and database status. Collection failures
// degrade the report rather than fail the request.
// GET /api/system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	response := SystemStatusResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(h.startupTime).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}

	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err != nil || len(cpuPercent) == 0 {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	} else {
		response.CPUPercent = cpuPercent[0]
	}

	if memStat, err := mem.VirtualMemory(); err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
	} else {
		response.MemoryPercent = memStat.UsedPercent
	}

	if h.dataDir != "" {
		if usage, err := disk.Usage(h.dataDir); err != nil {
			h.log.Warn().Err(err).Msg("Failed to get disk usage")
		} else {
			response.DiskFreeBytes = usage.Free
			response.DiskUsedPercent = usage.UsedPercent
		}
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := h.db.HealthCheck(ctx); err != nil {
			h.log.Error().Err(err).Msg("Database health check failed")
			response.Status = "degraded"
		} else {
			response.DatabaseHealthy = true
		}
		if stats, err := h.db.GetStats(); err == nil {
			response.Database = stats
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode system status")
	}
}
