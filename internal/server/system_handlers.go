package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"foresight/internal/database"
)

// SystemHandlers serves system-wide monitoring endpoints over the four
// lifecycle databases.
type SystemHandlers struct {
	log         zerolog.Logger
	dataDir     string
	startupTime time.Time

	forecastDB   *database.DB
	marketDB     *database.DB
	governanceDB *database.DB
	schedulerDB  *database.DB
}

// NewSystemHandlers creates a new system handlers instance
func NewSystemHandlers(
	log zerolog.Logger,
	dataDir string,
	forecastDB, marketDB, governanceDB, schedulerDB *database.DB,
) *SystemHandlers {
	return &SystemHandlers{
		log:          log.With().Str("component", "system_handlers").Logger(),
		dataDir:      dataDir,
		startupTime:  time.Now(),
		forecastDB:   forecastDB,
		marketDB:     marketDB,
		governanceDB: governanceDB,
		schedulerDB:  schedulerDB,
	}
}

// SystemStatusResponse is the payload of GET /api/system/status.
type SystemStatusResponse struct {
	Status           string  `json:"status"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	CPUPercent       float64 `json:"cpu_percent"`
	RAMPercent       float64 `json:"ram_percent"`
	PendingSnapshots int     `json:"pending_snapshots"`
	TotalOutcomes    int     `json:"total_outcomes"`
	HaltedSymbols    int     `json:"halted_symbols"`
	LastChecked      string  `json:"last_checked"`
}

// DBInfo represents information about a single database
type DBInfo struct {
	Name   string  `json:"name"`
	Path   string  `json:"path"`
	SizeMB float64 `json:"size_mb"`
}

// DatabaseStatsResponse is the payload of GET /api/system/database/stats.
type DatabaseStatsResponse struct {
	Databases   []DBInfo `json:"databases"`
	TotalSizeMB float64  `json:"total_size_mb"`
	LastChecked string   `json:"last_checked"`
}

// DiskUsageResponse represents disk usage statistics
type DiskUsageResponse struct {
	DataDirMB float64 `json:"data_dir_mb"`
	BackupsMB float64 `json:"backups_mb"`
	TotalMB   float64 `json:"total_mb"`
}

// HandleSystemStatus returns process health plus lifecycle counters.
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuAvg, ramPercent := h.getSystemStats()

	status := "healthy"
	var firstErr error
	recordErr := func(err error) {
		if err != nil && err != sql.ErrNoRows && firstErr == nil {
			firstErr = err
		}
	}

	var pendingSnapshots int
	err := h.forecastDB.Conn().QueryRow(`
		SELECT COUNT(*) FROM snapshots WHERE status = 'PENDING'
	`).Scan(&pendingSnapshots)
	if err != nil && err != sql.ErrNoRows {
		h.log.Error().Err(err).Msg("Failed to count pending snapshots")
		recordErr(err)
	}

	var totalOutcomes int
	err = h.forecastDB.Conn().QueryRow(`
		SELECT COUNT(*) FROM outcomes
	`).Scan(&totalOutcomes)
	if err != nil && err != sql.ErrNoRows {
		h.log.Error().Err(err).Msg("Failed to count outcomes")
		recordErr(err)
	}

	var haltedSymbols int
	err = h.governanceDB.Conn().QueryRow(`
		SELECT COUNT(*) FROM governance_state WHERE mode = 'HALT'
	`).Scan(&haltedSymbols)
	if err != nil && err != sql.ErrNoRows {
		h.log.Error().Err(err).Msg("Failed to count halted symbols")
		recordErr(err)
	}

	if firstErr != nil {
		status = "degraded"
	}

	response := SystemStatusResponse{
		Status:           status,
		UptimeSeconds:    time.Since(h.startupTime).Seconds(),
		CPUPercent:       cpuAvg,
		RAMPercent:       ramPercent,
		PendingSnapshots: pendingSnapshots,
		TotalOutcomes:    totalOutcomes,
		HaltedSymbols:    haltedSymbols,
		LastChecked:      time.Now().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// HandleDatabaseStats returns database statistics
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	databases := make([]DBInfo, 0, 4)
	totalSizeMB := 0.0

	for _, db := range []*database.DB{h.forecastDB, h.marketDB, h.governanceDB, h.schedulerDB} {
		if db == nil {
			continue
		}
		info := DBInfo{Name: db.Name(), Path: db.Path()}
		if stat, err := os.Stat(db.Path()); err == nil {
			info.SizeMB = float64(stat.Size()) / 1024 / 1024
		}
		totalSizeMB += info.SizeMB
		databases = append(databases, info)
	}

	response := DatabaseStatsResponse{
		Databases:   databases,
		TotalSizeMB: totalSizeMB,
		LastChecked: time.Now().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// HandleDiskUsage returns disk usage statistics
func (h *SystemHandlers) HandleDiskUsage(w http.ResponseWriter, r *http.Request) {
	dataDirSize := h.getDirSize(h.dataDir)
	backupsDir := filepath.Join(h.dataDir, "backups")
	backupsSize := h.getDirSize(backupsDir)

	response := DiskUsageResponse{
		DataDirMB: dataDirSize,
		BackupsMB: backupsSize,
		TotalMB:   dataDirSize + backupsSize,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// getDirSize calculates total size of a directory in MB
func (h *SystemHandlers) getDirSize(dirPath string) float64 {
	var totalSize int64

	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})
	if err != nil {
		h.log.Warn().Err(err).Str("dir", dirPath).Msg("Failed to calculate directory size")
		return 0
	}

	return float64(totalSize) / 1024 / 1024
}

// getSystemStats calculates CPU and RAM usage percentages. A 100ms CPU
// sample keeps the endpoint responsive for frequent pollers.
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}
