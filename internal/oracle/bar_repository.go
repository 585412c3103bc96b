package oracle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"foresight/internal/domain"
)

// BarRepository is the SQLite-backed price oracle over market.db daily bars.
// Bar days are stored as unix milliseconds at UTC midnight.
type BarRepository struct {
	db        *sql.DB
	tolerance time.Duration
	log       zerolog.Logger
}

// NewBarRepository creates a bar repository with the default one-bar
// tolerance.
func NewBarRepository(db *sql.DB, log zerolog.Logger) *BarRepository {
	return &BarRepository{
		db:        db,
		tolerance: DefaultTolerance,
		log:       log.With().Str("repo", "price_bars").Logger(),
	}
}

// SetTolerance overrides the lookup tolerance, clamped to MaxTolerance.
func (r *BarRepository) SetTolerance(tolerance time.Duration) {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if tolerance > MaxTolerance {
		tolerance = MaxTolerance
	}
	r.tolerance = tolerance
}

// PriceAt returns the close of the bar nearest to ts within tolerance.
func (r *BarRepository) PriceAt(ctx context.Context, symbol string, ts time.Time) (Quote, error) {
	want := domain.DayBucket(ts).UnixMilli()
	tol := r.tolerance.Milliseconds()

	query := `
		SELECT day, close FROM price_bars
		WHERE symbol = ? AND day BETWEEN ? AND ?
		ORDER BY ABS(day - ?) ASC, day ASC
		LIMIT 1`

	var day int64
	var closePrice float64
	err := r.db.QueryRowContext(ctx, query, symbol, want-tol, want+tol, want).Scan(&day, &closePrice)
	if errors.Is(err, sql.ErrNoRows) {
		return Quote{}, fmt.Errorf("%w: %s at %s", domain.ErrPriceUnavailable, symbol, ts.UTC().Format(time.RFC3339))
	}
	if err != nil {
		return Quote{}, fmt.Errorf("failed to query price bar: %w", err)
	}

	return Quote{
		Price:    closePrice,
		ActualTs: time.UnixMilli(day).UTC(),
	}, nil
}

// UpsertBar writes a daily close. The day component of ts is bucketed to
// UTC midnight; re-ingesting a day overwrites the close.
func (r *BarRepository) UpsertBar(ctx context.Context, symbol string, ts time.Time, closePrice float64) error {
	day := domain.DayBucket(ts).UnixMilli()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO price_bars (symbol, day, close)
		VALUES (?, ?, ?)
		ON CONFLICT(symbol, day) DO UPDATE SET close = excluded.close`,
		symbol, day, closePrice)
	if err != nil {
		return fmt.Errorf("failed to upsert price bar: %w", err)
	}
	return nil
}

// LatestBarDay returns the most recent bar day for a symbol, or zero time
// when the symbol has no bars.
func (r *BarRepository) LatestBarDay(ctx context.Context, symbol string) (time.Time, error) {
	var day sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		"SELECT MAX(day) FROM price_bars WHERE symbol = ?", symbol).Scan(&day)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query latest bar day: %w", err)
	}
	if !day.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(day.Int64).UTC(), nil
}

// CheckCoverage verifies the integrity prerequisite for a symbol: at least
// one bar exists and the latest bar is no older than maxStale. Used by the
// pipeline's IntegrityCheck step.
func (r *BarRepository) CheckCoverage(ctx context.Context, symbol string, now time.Time, maxStale time.Duration) error {
	latest, err := r.LatestBarDay(ctx, symbol)
	if err != nil {
		return err
	}
	if latest.IsZero() {
		return fmt.Errorf("no price bars for %s", symbol)
	}
	if now.Sub(latest) > maxStale {
		return fmt.Errorf("stale price bars for %s: latest %s", symbol, latest.Format("2006-01-02"))
	}
	return nil
}
