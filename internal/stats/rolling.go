// Package stats implements the rolling statistics engine: pure cohort math
// plus the refresh service that persists derived CohortStats rollups.
//
// All functions take outcomes in chronological resolvedAt order, which is
// the persisted source of truth. DRAW counts in the denominator but in
// neither wins nor losses.
package stats

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"foresight/internal/domain"
)

// HitRate returns wins / total over the whole slice. DRAW dilutes the rate
// without counting as a win.
func HitRate(outcomes []*domain.ForecastOutcome) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	wins := 0
	for _, o := range outcomes {
		if o.Result == domain.ResultWin {
			wins++
		}
	}
	return float64(wins) / float64(len(outcomes))
}

// RollingHitRate returns wins in the last n outcomes divided by
// min(n, total). Exactly wins_in_last_n / min(n, total).
func RollingHitRate(outcomes []*domain.ForecastOutcome, n int) float64 {
	total := len(outcomes)
	if total == 0 || n <= 0 {
		return 0
	}
	window := outcomes
	if total > n {
		window = outcomes[total-n:]
	}
	wins := 0
	for _, o := range window {
		if o.Result == domain.ResultWin {
			wins++
		}
	}
	denom := n
	if total < n {
		denom = total
	}
	return float64(wins) / float64(denom)
}

// Returns extracts the signed realized-return series.
func Returns(outcomes []*domain.ForecastOutcome) []float64 {
	returns := make([]float64, len(outcomes))
	for i, o := range outcomes {
		returns[i] = o.RealizedReturn()
	}
	return returns
}

// Expectancy is the mean signed realized return.
func Expectancy(outcomes []*domain.ForecastOutcome) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	return stat.Mean(Returns(outcomes), nil)
}

// MaxDrawdown is the largest peak-to-trough drop of the cumulative signed
// return series, reported as a positive number.
func MaxDrawdown(outcomes []*domain.ForecastOutcome) float64 {
	var cum, peak, maxDD float64
	for _, o := range outcomes {
		cum += o.RealizedReturn()
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// SharpeLike is expectancy over return standard deviation. Undefined (and
// reported as such) when n < 2 or the deviation is zero.
func SharpeLike(outcomes []*domain.ForecastOutcome) (float64, bool) {
	if len(outcomes) < 2 {
		return 0, false
	}
	returns := Returns(outcomes)
	sd := stat.StdDev(returns, nil)
	if sd <= 0 || math.IsNaN(sd) {
		return 0, false
	}
	return stat.Mean(returns, nil) / sd, true
}

// CalibrationError is |avgConfidence − winRate|: how far stated confidence
// sits from realized accuracy.
func CalibrationError(outcomes []*domain.ForecastOutcome) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	confidences := make([]float64, len(outcomes))
	for i, o := range outcomes {
		confidences[i] = o.Confidence
	}
	return math.Abs(stat.Mean(confidences, nil) - HitRate(outcomes))
}

// DecayWeights builds exponential-decay weights w = exp(-ageDays/tau)
// relative to asOf. Older outcomes weigh less.
func DecayWeights(outcomes []*domain.ForecastOutcome, asOf time.Time, tauDays float64) []float64 {
	weights := make([]float64, len(outcomes))
	for i, o := range outcomes {
		ageDays := asOf.Sub(o.ResolvedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		weights[i] = math.Exp(-ageDays / tauDays)
	}
	return weights
}

// EffectiveSampleCount is (Σw)²/Σw², the size-equivalent of a weighted
// sample. Equals n for uniform weights.
func EffectiveSampleCount(weights []float64) float64 {
	var sum, sumSq float64
	for _, w := range weights {
		sum += w
		sumSq += w * w
	}
	if sumSq == 0 {
		return 0
	}
	return sum * sum / sumSq
}

// Stability is 1 − 2·weightedStdDev of the binary win indicator: 1 for a
// cohort that always wins or always loses, lower for coin flips.
func Stability(outcomes []*domain.ForecastOutcome, weights []float64) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	binary := make([]float64, len(outcomes))
	for i, o := range outcomes {
		if o.Result == domain.ResultWin {
			binary[i] = 1
		}
	}
	sd := math.Sqrt(stat.Variance(binary, weights))
	if math.IsNaN(sd) {
		sd = 0
	}
	return 1 - 2*sd
}

// Compute builds the full CohortStats rollup for a cohort window. Stability
// and the effective sample count use exponential-decay weights with the
// given tau; tauDays <= 0 means uniform weights.
func Compute(cohort domain.Cohort, outcomes []*domain.ForecastOutcome, windowSize, minSamples int, tauDays float64, asOf time.Time) domain.CohortStats {
	wins, losses := 0, 0
	for _, o := range outcomes {
		switch o.Result {
		case domain.ResultWin:
			wins++
		case domain.ResultLoss:
			losses++
		}
	}

	sharpe, sharpeDefined := SharpeLike(outcomes)

	var weights []float64
	effectiveN := float64(len(outcomes))
	if tauDays > 0 {
		weights = DecayWeights(outcomes, asOf, tauDays)
		effectiveN = EffectiveSampleCount(weights)
	}

	return domain.CohortStats{
		Cohort:           cohort,
		WindowSize:       windowSize,
		Total:            len(outcomes),
		Wins:             wins,
		Losses:           losses,
		WinRate:          HitRate(outcomes),
		RollingWinRate:   RollingHitRate(outcomes, windowSize),
		CalibrationError: CalibrationError(outcomes),
		Expectancy:       Expectancy(outcomes),
		SharpeLike:       sharpe,
		SharpeDefined:    sharpeDefined,
		MaxDrawdown:      MaxDrawdown(outcomes),
		Stability:        Stability(outcomes, weights),
		EffectiveN:       effectiveN,
		SampleCapped:     len(outcomes) < minSamples,
		UpdatedAt:        asOf,
	}
}
