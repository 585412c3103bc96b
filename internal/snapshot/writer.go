package snapshot

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"foresight/internal/clock"
	"foresight/internal/domain"
	"foresight/internal/oracle"
)

// Writer turns staged model outputs into immutable forecast snapshots.
// Writing is idempotent within a UTC day: the deterministic fingerprint plus
// insert-if-absent makes re-runs no-ops.
type Writer struct {
	snapshots *Repository
	outputs   oracle.ModelOutputSource
	clock     clock.Clock
	log       zerolog.Logger
}

// WriteSummary reports one writer pass.
type WriteSummary struct {
	Written    int
	Duplicates int
	Rejected   int
}

func NewWriter(snapshots *Repository, outputs oracle.ModelOutputSource, clk clock.Clock, log zerolog.Logger) *Writer {
	return &Writer{
		snapshots: snapshots,
		outputs:   outputs,
		clock:     clk,
		log:       log.With().Str("component", "snapshot_writer").Logger(),
	}
}

// WriteSnapshot validates a single model output and persists it as a
// snapshot. Returns the snapshot and whether it was newly inserted.
func (w *Writer) WriteSnapshot(ctx context.Context, out domain.ModelOutput) (*domain.ForecastSnapshot, bool, error) {
	horizon, err := validateOutput(out)
	if err != nil {
		return nil, false, err
	}

	asOf := out.AsOf
	if asOf.IsZero() {
		asOf = w.clock.Now()
	}
	asOf = asOf.UTC()

	s := &domain.ForecastSnapshot{
		Fingerprint: domain.SnapshotFingerprint(
			out.Symbol, out.Horizon, out.Preset, out.Role, asOf, out.PolicyHash),
		Symbol:          out.Symbol,
		Horizon:         out.Horizon,
		Preset:          out.Preset,
		Role:            out.Role,
		PolicyHash:      out.PolicyHash,
		EngineVersion:   out.EngineVersion,
		CreatedAt:       asOf,
		ResolveAt:       asOf.Add(time.Duration(horizon.Days) * 24 * time.Hour),
		StartPrice:      out.CurrentPrice,
		TargetPrice:     out.CurrentPrice * (1 + out.ExpectedMovePct),
		ExpectedMovePct: out.ExpectedMovePct,
		Direction:       out.Direction,
		Confidence:      out.Confidence,
		Status:          domain.Evaluation{State: domain.StatusPending},
	}

	inserted, err := w.snapshots.Put(ctx, s)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		w.log.Debug().Str("fingerprint", s.Fingerprint).Msg("Snapshot already exists, skipping")
	}
	return s, inserted, nil
}

// WriteAll pulls today's staged outputs for a symbol and writes a snapshot
// per output. Invalid outputs are counted and skipped; one bad output never
// blocks the rest of the batch.
func (w *Writer) WriteAll(ctx context.Context, symbol string) (WriteSummary, error) {
	var summary WriteSummary

	outputs, err := w.outputs.OutputsFor(ctx, symbol, w.clock.Now())
	if err != nil {
		return summary, fmt.Errorf("failed to load model outputs for %s: %w", symbol, err)
	}

	for _, out := range outputs {
		_, inserted, err := w.WriteSnapshot(ctx, out)
		if err != nil {
			summary.Rejected++
			w.log.Warn().Err(err).
				Str("symbol", out.Symbol).
				Str("horizon", out.Horizon).
				Msg("Rejected model output")
			continue
		}
		if inserted {
			summary.Written++
		} else {
			summary.Duplicates++
		}
	}

	w.log.Info().
		Str("symbol", symbol).
		Int("written", summary.Written).
		Int("duplicates", summary.Duplicates).
		Int("rejected", summary.Rejected).
		Msg("Snapshot write pass complete")
	return summary, nil
}

// validateOutput enforces the snapshot input contract. Violations reject the
// single output without persisting anything.
func validateOutput(out domain.ModelOutput) (domain.Horizon, error) {
	if out.Symbol == "" {
		return domain.Horizon{}, fmt.Errorf("%w: empty symbol", domain.ErrInvalidSnapshotInput)
	}
	horizon, err := domain.HorizonByName(out.Horizon)
	if err != nil {
		return domain.Horizon{}, err
	}
	if !out.Preset.Valid() {
		return domain.Horizon{}, fmt.Errorf("%w: preset %q", domain.ErrInvalidSnapshotInput, out.Preset)
	}
	if !out.Role.Valid() {
		return domain.Horizon{}, fmt.Errorf("%w: role %q", domain.ErrInvalidSnapshotInput, out.Role)
	}
	if !out.Direction.Valid() {
		return domain.Horizon{}, fmt.Errorf("%w: direction %q", domain.ErrInvalidSnapshotInput, out.Direction)
	}
	if !isFinite(out.Confidence) || out.Confidence < 0 || out.Confidence > 1 {
		return domain.Horizon{}, fmt.Errorf("%w: confidence %.4f outside [0,1]", domain.ErrInvalidSnapshotInput, out.Confidence)
	}
	if !isFinite(out.CurrentPrice) || out.CurrentPrice <= 0 {
		return domain.Horizon{}, fmt.Errorf("%w: current price %.4f", domain.ErrInvalidSnapshotInput, out.CurrentPrice)
	}
	if !isFinite(out.ExpectedMovePct) {
		return domain.Horizon{}, fmt.Errorf("%w: expected move %.4f", domain.ErrInvalidSnapshotInput, out.ExpectedMovePct)
	}
	if out.PolicyHash == "" {
		return domain.Horizon{}, fmt.Errorf("%w: empty policy hash", domain.ErrInvalidSnapshotInput)
	}
	return horizon, nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
