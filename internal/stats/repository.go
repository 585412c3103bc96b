package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"foresight/internal/domain"
)

// ErrStatsNotFound - no rollup exists for the requested cohort and window.
var ErrStatsNotFound = errors.New("cohort stats not found")

// Repository persists derived CohortStats rollups in forecast.db. Rollups
// are regenerated from the outcome store and never authoritative.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Upsert writes a rollup, replacing any previous one for the same cohort
// and window.
func (r *Repository) Upsert(ctx context.Context, s domain.CohortStats) error {
	sharpeDefined, sampleCapped := 0, 0
	if s.SharpeDefined {
		sharpeDefined = 1
	}
	if s.SampleCapped {
		sampleCapped = 1
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cohort_stats
			(symbol, horizon, preset, role, window_size, total, wins, losses,
			 win_rate, rolling_win_rate, calibration_error, expectancy,
			 sharpe_like, sharpe_defined, max_drawdown, stability, effective_n,
			 sample_capped, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, horizon, preset, role, window_size) DO UPDATE SET
			total = excluded.total,
			wins = excluded.wins,
			losses = excluded.losses,
			win_rate = excluded.win_rate,
			rolling_win_rate = excluded.rolling_win_rate,
			calibration_error = excluded.calibration_error,
			expectancy = excluded.expectancy,
			sharpe_like = excluded.sharpe_like,
			sharpe_defined = excluded.sharpe_defined,
			max_drawdown = excluded.max_drawdown,
			stability = excluded.stability,
			effective_n = excluded.effective_n,
			sample_capped = excluded.sample_capped,
			updated_at = excluded.updated_at`,
		s.Symbol, s.Horizon, string(s.Preset), string(s.Role), s.WindowSize,
		s.Total, s.Wins, s.Losses, s.WinRate, s.RollingWinRate,
		s.CalibrationError, s.Expectancy, s.SharpeLike, sharpeDefined,
		s.MaxDrawdown, s.Stability, s.EffectiveN, sampleCapped,
		s.UpdatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert cohort stats: %w", err)
	}
	return nil
}

// Get returns the rollup for a cohort and window size.
func (r *Repository) Get(ctx context.Context, cohort domain.Cohort, windowSize int) (*domain.CohortStats, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT symbol, horizon, preset, role, window_size, total, wins, losses,
		       win_rate, rolling_win_rate, calibration_error, expectancy,
		       sharpe_like, sharpe_defined, max_drawdown, stability,
		       effective_n, sample_capped, updated_at
		FROM cohort_stats
		WHERE symbol = ? AND horizon = ? AND preset = ? AND role = ? AND window_size = ?`,
		cohort.Symbol, cohort.Horizon, string(cohort.Preset), string(cohort.Role), windowSize)

	var s domain.CohortStats
	var preset, role string
	var sharpeDefined, sampleCapped int
	var updatedAt int64

	err := row.Scan(&s.Symbol, &s.Horizon, &preset, &role, &s.WindowSize,
		&s.Total, &s.Wins, &s.Losses, &s.WinRate, &s.RollingWinRate,
		&s.CalibrationError, &s.Expectancy, &s.SharpeLike, &sharpeDefined,
		&s.MaxDrawdown, &s.Stability, &s.EffectiveN, &sampleCapped, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStatsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan cohort stats: %w", err)
	}

	s.Preset = domain.Preset(preset)
	s.Role = domain.Role(role)
	s.SharpeDefined = sharpeDefined == 1
	s.SampleCapped = sampleCapped == 1
	s.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &s, nil
}
