package oracle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"foresight/internal/domain"
)

// ModelOutputSource feeds the snapshot writer. The default implementation
// reads staged rows from market.db; a live deployment can swap in a source
// that calls the model engine directly.
type ModelOutputSource interface {
	OutputsFor(ctx context.Context, symbol string, asOf time.Time) ([]domain.ModelOutput, error)
}

// ModelOutputRepository stages model outputs in market.db and serves the
// latest staged bundle per (symbol, horizon, preset, role) for a day.
type ModelOutputRepository struct {
	db *sql.DB
}

func NewModelOutputRepository(db *sql.DB) *ModelOutputRepository {
	return &ModelOutputRepository{db: db}
}

// Stage appends a model output row. Outputs are append-only; OutputsFor
// picks the newest row per tuple.
func (r *ModelOutputRepository) Stage(ctx context.Context, out domain.ModelOutput) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO model_outputs
			(symbol, horizon, preset, role, direction, confidence,
			 expected_move_pct, current_price, policy_hash, engine_version, as_of)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.Symbol, out.Horizon, string(out.Preset), string(out.Role),
		string(out.Direction), out.Confidence, out.ExpectedMovePct,
		out.CurrentPrice, out.PolicyHash, out.EngineVersion,
		out.AsOf.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to stage model output: %w", err)
	}
	return nil
}

// OutputsFor returns the newest staged output per (horizon, preset, role)
// for a symbol within the UTC day of asOf.
func (r *ModelOutputRepository) OutputsFor(ctx context.Context, symbol string, asOf time.Time) ([]domain.ModelOutput, error) {
	dayStart := domain.DayBucket(asOf).UnixMilli()
	dayEnd := dayStart + 24*time.Hour.Milliseconds()

	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, horizon, preset, role, direction, confidence,
		       expected_move_pct, current_price, policy_hash, engine_version, as_of
		FROM model_outputs
		WHERE symbol = ? AND as_of >= ? AND as_of < ?
		ORDER BY as_of DESC, id DESC`,
		symbol, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to query model outputs: %w", err)
	}
	defer rows.Close()

	type tuple struct{ horizon, preset, role string }
	seen := make(map[tuple]bool)
	var outputs []domain.ModelOutput

	for rows.Next() {
		var out domain.ModelOutput
		var preset, role, direction string
		var asOfMs int64
		if err := rows.Scan(&out.Symbol, &out.Horizon, &preset, &role, &direction,
			&out.Confidence, &out.ExpectedMovePct, &out.CurrentPrice,
			&out.PolicyHash, &out.EngineVersion, &asOfMs); err != nil {
			return nil, fmt.Errorf("failed to scan model output: %w", err)
		}
		key := tuple{out.Horizon, preset, role}
		if seen[key] {
			continue
		}
		seen[key] = true

		out.Preset = domain.Preset(preset)
		out.Role = domain.Role(role)
		out.Direction = domain.Direction(direction)
		out.AsOf = time.UnixMilli(asOfMs).UTC()
		outputs = append(outputs, out)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate model outputs: %w", err)
	}
	return outputs, nil
}

// DistinctSymbols lists symbols with staged outputs in the UTC day of asOf.
// The pipeline uses this as the universe for snapshot writing.
func (r *ModelOutputRepository) DistinctSymbols(ctx context.Context, asOf time.Time) ([]string, error) {
	dayStart := domain.DayBucket(asOf).UnixMilli()
	dayEnd := dayStart + 24*time.Hour.Milliseconds()

	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT symbol FROM model_outputs
		WHERE as_of >= ? AND as_of < ?
		ORDER BY symbol`, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to query output symbols: %w", err)
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
