package stats

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"foresight/internal/clock"
	"foresight/internal/domain"
	"foresight/internal/outcome"
)

// Refresher recomputes and persists CohortStats rollups from the outcome
// store. The math per cohort is pure and CPU-only, so symbols are refreshed
// in parallel.
type Refresher struct {
	outcomes   *outcome.Repository
	stats      *Repository
	clock      clock.Clock
	windowSize int
	minSamples int
	tauDays    float64
	workers    int
	log        zerolog.Logger
}

func NewRefresher(outcomes *outcome.Repository, stats *Repository, clk clock.Clock, windowSize, minSamples int, tauDays float64, log zerolog.Logger) *Refresher {
	return &Refresher{
		outcomes:   outcomes,
		stats:      stats,
		clock:      clk,
		windowSize: windowSize,
		minSamples: minSamples,
		tauDays:    tauDays,
		workers:    4,
		log:        log.With().Str("component", "stats_refresher").Logger(),
	}
}

// RefreshAll recomputes rollups for every cohort with outcomes, parallel
// across symbols. Returns the number of cohorts refreshed.
func (r *Refresher) RefreshAll(ctx context.Context) (int, error) {
	cohorts, err := r.outcomes.DistinctCohorts(ctx)
	if err != nil {
		return 0, err
	}

	bySymbol := make(map[string][]domain.Cohort)
	for _, c := range cohorts {
		bySymbol[c.Symbol] = append(bySymbol[c.Symbol], c)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for _, symbolCohorts := range bySymbol {
		symbolCohorts := symbolCohorts
		g.Go(func() error {
			for _, c := range symbolCohorts {
				if err := r.RefreshCohort(gctx, c); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	r.log.Info().Int("cohorts", len(cohorts)).Msg("Cohort stats refreshed")
	return len(cohorts), nil
}

// RefreshCohort recomputes one cohort's rollup from the persisted
// resolvedAt order.
func (r *Refresher) RefreshCohort(ctx context.Context, cohort domain.Cohort) error {
	outcomes, err := r.outcomes.Query(ctx, cohort, 0)
	if err != nil {
		return fmt.Errorf("failed to load cohort %s/%s: %w", cohort.Symbol, cohort.Horizon, err)
	}

	rollup := Compute(cohort, outcomes, r.windowSize, r.minSamples, r.tauDays, r.clock.Now())
	if err := r.stats.Upsert(ctx, rollup); err != nil {
		return err
	}
	return nil
}
