// Package outcome implements the outcome store and the tracker that grades
// due snapshots against the price oracle.
package outcome

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"foresight/internal/domain"
)

// Repository persists graded outcomes in forecast.db, one row per resolved
// snapshot. Outcomes are append-only and keyed by the snapshot fingerprint.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Put inserts an outcome if its snapshot_ref is absent. Returns true when
// the row was inserted. Replays after a partial failure are no-ops.
func (r *Repository) Put(ctx context.Context, o *domain.ForecastOutcome) (bool, error) {
	directionCorrect := 0
	if o.DirectionCorrect {
		directionCorrect = 1
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO outcomes
			(snapshot_ref, symbol, horizon, preset, role, policy_hash,
			 start_price, target_price, real_price, result, direction_correct,
			 deviation, confidence, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(snapshot_ref) DO NOTHING`,
		o.SnapshotRef, o.Symbol, o.Horizon, string(o.Preset), string(o.Role),
		o.PolicyHash, o.StartPrice, o.TargetPrice, o.RealPrice,
		string(o.Result), directionCorrect, o.Deviation, o.Confidence,
		o.CreatedAt.UTC().UnixMilli(), o.ResolvedAt.UTC().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to insert outcome: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return affected == 1, nil
}

// Query returns a cohort's outcomes in chronological resolution order,
// capped at the window size (most recent window rows). A window of 0 means
// unbounded.
func (r *Repository) Query(ctx context.Context, cohort domain.Cohort, window int) ([]*domain.ForecastOutcome, error) {
	query := `
		SELECT snapshot_ref, symbol, horizon, preset, role, policy_hash,
		       start_price, target_price, real_price, result, direction_correct,
		       deviation, confidence, created_at, resolved_at
		FROM (
			SELECT * FROM outcomes
			WHERE symbol = ? AND horizon = ? AND preset = ? AND role = ?
			ORDER BY resolved_at DESC
			LIMIT ?
		)
		ORDER BY resolved_at ASC`

	limit := window
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := r.db.QueryContext(ctx, query,
		cohort.Symbol, cohort.Horizon, string(cohort.Preset), string(cohort.Role), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []*domain.ForecastOutcome
	for rows.Next() {
		var o domain.ForecastOutcome
		var preset, role, result string
		var directionCorrect int
		var createdAt, resolvedAt int64

		if err := rows.Scan(&o.SnapshotRef, &o.Symbol, &o.Horizon, &preset, &role,
			&o.PolicyHash, &o.StartPrice, &o.TargetPrice, &o.RealPrice,
			&result, &directionCorrect, &o.Deviation, &o.Confidence,
			&createdAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}

		o.Preset = domain.Preset(preset)
		o.Role = domain.Role(role)
		o.Result = domain.Result(result)
		o.DirectionCorrect = directionCorrect == 1
		o.CreatedAt = time.UnixMilli(createdAt).UTC()
		o.ResolvedAt = time.UnixMilli(resolvedAt).UTC()
		outcomes = append(outcomes, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outcomes: %w", err)
	}
	return outcomes, nil
}

// DistinctCohorts lists every cohort with at least one outcome. Used by the
// stats refresher to know what to recompute.
func (r *Repository) DistinctCohorts(ctx context.Context) ([]domain.Cohort, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT symbol, horizon, preset, role FROM outcomes
		ORDER BY symbol, horizon, preset, role`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cohorts: %w", err)
	}
	defer rows.Close()

	var cohorts []domain.Cohort
	for rows.Next() {
		var c domain.Cohort
		var preset, role string
		if err := rows.Scan(&c.Symbol, &c.Horizon, &preset, &role); err != nil {
			return nil, fmt.Errorf("failed to scan cohort: %w", err)
		}
		c.Preset = domain.Preset(preset)
		c.Role = domain.Role(role)
		cohorts = append(cohorts, c)
	}
	return cohorts, rows.Err()
}

// DistinctSymbols lists symbols with at least one outcome.
func (r *Repository) DistinctSymbols(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT DISTINCT symbol FROM outcomes ORDER BY symbol")
	if err != nil {
		return nil, fmt.Errorf("failed to query outcome symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

// Count returns the total number of stored outcomes.
func (r *Repository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM outcomes").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count outcomes: %w", err)
	}
	return n, nil
}
