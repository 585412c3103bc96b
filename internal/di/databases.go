package di

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"foresight/internal/config"
	"foresight/internal/database"
)

// initDatabases opens and migrates the four lifecycle stores. The forecast
// ledger runs the safest profile; scheduler history is ephemeral and runs
// the cache profile.
func initDatabases(cfg *config.Config, log zerolog.Logger) (forecast, market, governance, scheduler *database.DB, err error) {
	if err = os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	specs := []struct {
		name    string
		profile database.Profile
		target  **database.DB
	}{
		{"forecast", database.ProfileLedger, &forecast},
		{"market", database.ProfileStandard, &market},
		{"governance", database.ProfileStandard, &governance},
		{"scheduler", database.ProfileCache, &scheduler},
	}

	opened := make([]*database.DB, 0, len(specs))
	for _, spec := range specs {
		db, openErr := database.New(database.Config{
			Path:    cfg.DatabasePath(spec.name),
			Profile: spec.profile,
			Name:    spec.name,
		})
		if openErr == nil {
			openErr = db.Migrate()
		}
		if openErr != nil {
			for _, prev := range opened {
				_ = prev.Close()
			}
			return nil, nil, nil, nil, fmt.Errorf("failed to open %s.db: %w", spec.name, openErr)
		}
		opened = append(opened, db)
		*spec.target = db
		log.Debug().Str("database", spec.name).Str("profile", string(spec.profile)).Msg("Database ready")
	}
	return forecast, market, governance, scheduler, nil
}
