// Package quality maps cohorts of outcomes to quality states and drift
// severities. Everything here is pure; the pipeline feeds it persisted
// CohortStats.
package quality

import "foresight/internal/domain"

// State is the quality classification of a cohort.
type State string

const (
	StateGood    State = "GOOD"
	StateNeutral State = "NEUTRAL"
	StateWeak    State = "WEAK"
)

// Assessment is a quality classification with its sample gating.
type Assessment struct {
	State        State
	WinRate      float64
	Total        int
	SampleCapped bool
}

// Thresholds for quality classification.
const (
	goodWinRate    = 0.60
	neutralWinRate = 0.50
)

// Classify maps a cohort rollup to a quality state. Below minSamples the
// classification is undefined and reported as NEUTRAL with SampleCapped set;
// callers must not treat a capped NEUTRAL as a real read.
func Classify(stats *domain.CohortStats, minSamples int) Assessment {
	a := Assessment{
		WinRate: stats.WinRate,
		Total:   stats.Total,
	}

	if stats.Total < minSamples {
		a.State = StateNeutral
		a.SampleCapped = true
		return a
	}

	switch {
	case stats.WinRate >= goodWinRate:
		a.State = StateGood
	case stats.WinRate >= neutralWinRate:
		a.State = StateNeutral
	default:
		a.State = StateWeak
	}
	return a
}
