package reliability

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"foresight/internal/clock"
	"foresight/internal/database"
)

// BackupService writes consistent local copies of the lifecycle databases.
// Copies go under backupDir/<UTC day>/<name>.db via VACUUM INTO, so they are
// safe to take while the stores are in use.
type BackupService struct {
	databases map[string]*database.DB
	backupDir string
	clock     clock.Clock
	log       zerolog.Logger
}

func NewBackupService(databases map[string]*database.DB, backupDir string, clk clock.Clock, log zerolog.Logger) *BackupService {
	return &BackupService{
		databases: databases,
		backupDir: backupDir,
		clock:     clk,
		log:       log.With().Str("component", "backup").Logger(),
	}
}

// DatabaseNames returns the configured store names, sorted.
func (s *BackupService) DatabaseNames() []string {
	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BackupDatabase writes one store to destPath.
func (s *BackupService) BackupDatabase(name, destPath string) error {
	db, ok := s.databases[name]
	if !ok {
		return fmt.Errorf("unknown database %q", name)
	}
	// VACUUM INTO refuses to overwrite.
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear %s: %w", destPath, err)
	}
	return db.VacuumInto(destPath)
}

// RunDailyBackup copies every store into today's backup directory.
func (s *BackupService) RunDailyBackup() error {
	dir := s.todayDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	for _, name := range s.DatabaseNames() {
		dest := filepath.Join(dir, name+".db")
		if err := s.BackupDatabase(name, dest); err != nil {
			return fmt.Errorf("failed to back up %s: %w", name, err)
		}
		s.log.Debug().Str("database", name).Str("dest", dest).Msg("Database backed up")
	}

	s.log.Info().Str("dir", dir).Int("databases", len(s.databases)).Msg("Daily backup complete")
	return nil
}

// BackedUpToday reports whether today's backup directory already holds a
// copy of every store.
func (s *BackupService) BackedUpToday() bool {
	dir := s.todayDir()
	for _, name := range s.DatabaseNames() {
		if _, err := os.Stat(filepath.Join(dir, name+".db")); err != nil {
			return false
		}
	}
	return len(s.databases) > 0
}

// RotateLocal deletes daily backup directories beyond the newest keep.
func (s *BackupService) RotateLocal(keep int) error {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read backup directory: %w", err)
	}

	var days []string
	for _, e := range entries {
		if e.IsDir() {
			days = append(days, e.Name())
		}
	}
	// Day names are YYYY-MM-DD, so lexical order is chronological.
	sort.Sort(sort.Reverse(sort.StringSlice(days)))

	for i, day := range days {
		if i < keep {
			continue
		}
		path := filepath.Join(s.backupDir, day)
		if err := os.RemoveAll(path); err != nil {
			s.log.Error().Err(err).Str("dir", path).Msg("Failed to delete old backup")
			continue
		}
		s.log.Info().Str("dir", path).Msg("Deleted old local backup")
	}
	return nil
}

func (s *BackupService) todayDir() string {
	return filepath.Join(s.backupDir, s.clock.Now().UTC().Format("2006-01-02"))
}
