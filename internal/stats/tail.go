package stats

import (
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"

	"foresight/internal/domain"
)

// DefaultTailTrials is the number of resampled paths per estimate.
const DefaultTailTrials = 2000

// MonteCarloP95Drawdown estimates the 95th-percentile max drawdown of a
// cohort by bootstrap-resampling its realized returns into paths of the
// given length. Deterministic for a given seed. Returns 0 when there is no
// return history to resample.
func MonteCarloP95Drawdown(returns []float64, pathLen, trials int, seed int64) float64 {
	if len(returns) == 0 || pathLen <= 0 || trials <= 0 {
		return 0
	}

	rng := rand.New(rand.NewSource(seed))
	drawdowns := make([]float64, trials)
	for i := 0; i < trials; i++ {
		equity := 1.0
		peak := 1.0
		worst := 0.0
		for j := 0; j < pathLen; j++ {
			equity *= 1 + returns[rng.Intn(len(returns))]
			if equity > peak {
				peak = equity
			}
			if dd := (peak - equity) / peak; dd > worst {
				worst = dd
			}
		}
		drawdowns[i] = worst
	}

	sort.Float64s(drawdowns)
	return stat.Quantile(0.95, stat.Empirical, drawdowns, nil)
}

// TailRisk estimates mcP95 drawdown from a cohort's outcomes, resampling
// paths as long as the observed history. The seed is derived from the
// outcome count so repeated runs over unchanged data agree exactly.
func TailRisk(outcomes []*domain.ForecastOutcome) float64 {
	returns := Returns(outcomes)
	return MonteCarloP95Drawdown(returns, len(returns), DefaultTailTrials, int64(len(returns)))
}
