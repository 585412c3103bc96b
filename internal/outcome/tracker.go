package outcome

import (
	"context"
	"errors"
	"math"

	"github.com/rs/zerolog"

	"foresight/internal/clock"
	"foresight/internal/domain"
	"foresight/internal/oracle"
	"foresight/internal/snapshot"
)

// Tracker resolves due snapshots: it asks the oracle for the realized price
// at each snapshot's resolve time, grades the forecast, flips the snapshot
// to RESOLVED and appends the outcome row. Each item is isolated; one
// failure never aborts the batch.
type Tracker struct {
	snapshots *snapshot.Repository
	outcomes  *Repository
	oracle    oracle.PriceProvider
	clock     clock.Clock
	epsilon   float64
	batchSize int
	log       zerolog.Logger
}

// Summary reports one tracker pass.
type Summary struct {
	Processed int
	Wins      int
	Losses    int
	Draws     int
	Skipped   int // price unavailable, retried next run
	Errors    int
	Repaired  int // resolved snapshots whose outcome row was missing
}

func NewTracker(snapshots *snapshot.Repository, outcomes *Repository, provider oracle.PriceProvider, clk clock.Clock, epsilon float64, batchSize int, log zerolog.Logger) *Tracker {
	return &Tracker{
		snapshots: snapshots,
		outcomes:  outcomes,
		oracle:    provider,
		clock:     clk,
		epsilon:   epsilon,
		batchSize: batchSize,
		log:       log.With().Str("component", "outcome_tracker").Logger(),
	}
}

// ResolveDue processes one batch of due snapshots plus any orphaned resolved
// snapshots left by a prior crash.
func (t *Tracker) ResolveDue(ctx context.Context) (Summary, error) {
	var summary Summary

	repaired, err := t.repairOrphans(ctx)
	if err != nil {
		return summary, err
	}
	summary.Repaired = repaired

	now := t.clock.Now()
	due, err := t.snapshots.ListPending(ctx, now, t.batchSize)
	if err != nil {
		return summary, err
	}

	for _, s := range due {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		result, err := t.resolveOne(ctx, s)
		switch {
		case errors.Is(err, domain.ErrPriceUnavailable):
			summary.Skipped++
			t.log.Debug().
				Str("fingerprint", s.Fingerprint).
				Str("symbol", s.Symbol).
				Msg("Price unavailable, snapshot stays pending")
			continue
		case errors.Is(err, domain.ErrAlreadyResolved):
			// Lost the compare-and-set to a concurrent worker.
			continue
		case err != nil:
			summary.Errors++
			t.log.Error().Err(err).
				Str("fingerprint", s.Fingerprint).
				Msg("Failed to resolve snapshot")
			continue
		}

		summary.Processed++
		switch result {
		case domain.ResultWin:
			summary.Wins++
		case domain.ResultLoss:
			summary.Losses++
		case domain.ResultDraw:
			summary.Draws++
		}
	}

	t.log.Info().
		Int("processed", summary.Processed).
		Int("wins", summary.Wins).
		Int("losses", summary.Losses).
		Int("draws", summary.Draws).
		Int("skipped", summary.Skipped).
		Int("errors", summary.Errors).
		Int("repaired", summary.Repaired).
		Msg("Outcome resolution pass complete")
	return summary, nil
}

func (t *Tracker) resolveOne(ctx context.Context, s *domain.ForecastSnapshot) (domain.Result, error) {
	quote, err := t.oracle.PriceAt(ctx, s.Symbol, s.ResolveAt)
	if err != nil {
		return "", err
	}

	eval := Grade(s, quote.Price, t.epsilon)
	eval.ResolvedAt = t.clock.Now()

	// Snapshot first, outcome second. A crash between the two leaves an
	// orphan that repairOrphans picks up on the next pass.
	if err := t.snapshots.Resolve(ctx, s.Fingerprint, eval); err != nil {
		return "", err
	}

	if _, err := t.outcomes.Put(ctx, outcomeFrom(s, eval)); err != nil {
		return "", err
	}
	return eval.Result, nil
}

// repairOrphans appends the missing outcome row for snapshots that were
// resolved but whose outcome insert never landed.
func (t *Tracker) repairOrphans(ctx context.Context) (int, error) {
	orphans, err := t.snapshots.ListResolvedMissingOutcome(ctx, t.batchSize)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, s := range orphans {
		inserted, err := t.outcomes.Put(ctx, outcomeFrom(s, s.Status))
		if err != nil {
			t.log.Error().Err(err).
				Str("fingerprint", s.Fingerprint).
				Msg("Failed to repair orphaned outcome")
			continue
		}
		if inserted {
			repaired++
			t.log.Warn().
				Str("fingerprint", s.Fingerprint).
				Msg("Repaired orphaned outcome")
		}
	}
	return repaired, nil
}

// Grade computes the evaluation of a snapshot against a realized price.
// Moves smaller than epsilon (as a fraction of start price) are DRAW; the
// rest are WIN or LOSS by directional correctness. Deviation is the absolute
// miss of the target relative to start price.
func Grade(s *domain.ForecastSnapshot, realPrice, epsilon float64) domain.Evaluation {
	move := 0.0
	if s.StartPrice != 0 {
		move = (realPrice - s.StartPrice) / s.StartPrice
	}

	var result domain.Result
	switch {
	case math.Abs(move) < epsilon:
		result = domain.ResultDraw
	case directionCorrect(s.Direction, move, epsilon):
		result = domain.ResultWin
	default:
		result = domain.ResultLoss
	}

	deviation := 0.0
	if s.StartPrice != 0 {
		deviation = math.Abs(realPrice-s.TargetPrice) / s.StartPrice
	}

	return domain.Evaluation{
		State:     domain.StatusResolved,
		RealPrice: realPrice,
		Result:    result,
		Deviation: deviation,
	}
}

func directionCorrect(d domain.Direction, move, epsilon float64) bool {
	switch d {
	case domain.DirectionUp:
		return move > 0
	case domain.DirectionDown:
		return move < 0
	case domain.DirectionFlat:
		return math.Abs(move) < epsilon
	default:
		return false
	}
}

func outcomeFrom(s *domain.ForecastSnapshot, eval domain.Evaluation) *domain.ForecastOutcome {
	// A DRAW with a FLAT call is still a correct direction read.
	correct := eval.Result == domain.ResultWin ||
		(eval.Result == domain.ResultDraw && s.Direction == domain.DirectionFlat)
	return &domain.ForecastOutcome{
		SnapshotRef:      s.Fingerprint,
		Symbol:           s.Symbol,
		Horizon:          s.Horizon,
		Preset:           s.Preset,
		Role:             s.Role,
		PolicyHash:       s.PolicyHash,
		StartPrice:       s.StartPrice,
		TargetPrice:      s.TargetPrice,
		RealPrice:        eval.RealPrice,
		Result:           eval.Result,
		DirectionCorrect: correct,
		Deviation:        eval.Deviation,
		Confidence:       s.Confidence,
		CreatedAt:        s.CreatedAt,
		ResolvedAt:       eval.ResolvedAt,
	}
}
