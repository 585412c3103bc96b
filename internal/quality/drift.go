package quality

import (
	"math"
	"sort"
)

// Severity is the drift classification of a live cohort against a baseline.
type Severity string

const (
	SeverityOK       Severity = "OK"
	SeverityWatch    Severity = "WATCH"
	SeverityWarn     Severity = "WARN"
	SeverityCritical Severity = "CRITICAL"
)

// severityRank orders severities for override comparisons.
var severityRank = map[Severity]int{
	SeverityOK:       0,
	SeverityWatch:    1,
	SeverityWarn:     2,
	SeverityCritical: 3,
}

// Worse reports whether a outranks b on the ladder.
func (s Severity) Worse(than Severity) bool {
	return severityRank[s] > severityRank[than]
}

// Confidence grades how much the live sample supports the drift read.
// Governance must not act on LOW-confidence drift alone.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// CohortSummary is the slice of a rollup the drift engine compares.
type CohortSummary struct {
	Total         int
	WinRate       float64
	SharpeLike    float64
	SharpeDefined bool
	Expectancy    float64
	Calibration   float64
}

// DriftThresholds is the severity ladder. Products with different ladders
// pass their own; nothing downstream hard-codes these numbers.
type DriftThresholds struct {
	CriticalHitPP      float64 // |ΔhitRate| in percentage points
	CriticalSharpe     float64 // Δsharpe at or below
	CriticalExpectancy float64 // Δexpectancy at or below

	WarnHitPP      float64
	WarnSharpe     float64
	WarnExpectancy float64

	WatchHitPP      float64
	WatchSharpe     float64
	WatchExpectancy float64

	HighConfidenceN   int // live n for HIGH confidence
	MediumConfidenceN int
}

// DefaultThresholds is the production ladder.
func DefaultThresholds() DriftThresholds {
	return DriftThresholds{
		CriticalHitPP:      8,
		CriticalSharpe:     -0.40,
		CriticalExpectancy: -0.010,

		WarnHitPP:      5,
		WarnSharpe:     -0.25,
		WarnExpectancy: -0.006,

		WatchHitPP:      2,
		WatchSharpe:     -0.10,
		WatchExpectancy: -0.003,

		HighConfidenceN:   90,
		MediumConfidenceN: 30,
	}
}

// Comparison is the result of one live-vs-baseline drift check.
type Comparison struct {
	Baseline string // label of the vintage cohort compared against

	DeltaHitRatePP   float64 // percentage points
	DeltaSharpe      float64
	DeltaExpectancy  float64
	DeltaCalibration float64

	Severity   Severity
	Confidence Confidence
	LiveN      int
}

// Compare classifies drift of a live cohort against one baseline. An empty
// live cohort is CRITICAL with LOW confidence: no live evidence at all is
// the worst possible read, but not one to act on alone.
func Compare(live, baseline CohortSummary, label string, t DriftThresholds) Comparison {
	c := Comparison{Baseline: label, LiveN: live.Total}

	if live.Total == 0 {
		c.Severity = SeverityCritical
		c.Confidence = ConfidenceLow
		return c
	}

	c.DeltaHitRatePP = (live.WinRate - baseline.WinRate) * 100
	c.DeltaExpectancy = live.Expectancy - baseline.Expectancy
	c.DeltaCalibration = live.Calibration - baseline.Calibration
	if live.SharpeDefined && baseline.SharpeDefined {
		c.DeltaSharpe = live.SharpeLike - baseline.SharpeLike
	}

	switch {
	case math.Abs(c.DeltaHitRatePP) >= t.CriticalHitPP ||
		c.DeltaSharpe <= t.CriticalSharpe ||
		c.DeltaExpectancy <= t.CriticalExpectancy:
		c.Severity = SeverityCritical
	case math.Abs(c.DeltaHitRatePP) >= t.WarnHitPP ||
		c.DeltaSharpe <= t.WarnSharpe ||
		c.DeltaExpectancy <= t.WarnExpectancy:
		c.Severity = SeverityWarn
	case math.Abs(c.DeltaHitRatePP) >= t.WatchHitPP ||
		c.DeltaSharpe <= t.WatchSharpe ||
		c.DeltaExpectancy <= t.WatchExpectancy:
		c.Severity = SeverityWatch
	default:
		c.Severity = SeverityOK
	}

	switch {
	case live.Total >= t.HighConfidenceN:
		c.Confidence = ConfidenceHigh
	case live.Total >= t.MediumConfidenceN:
		c.Confidence = ConfidenceMedium
	default:
		c.Confidence = ConfidenceLow
	}
	return c
}

// Report aggregates per-baseline comparisons: the overall severity is the
// worst individual one, carried with that comparison's confidence.
type Report struct {
	Comparisons []Comparison
	Overall     Severity
	Confidence  Confidence
}

// Assess runs Compare against every baseline and aggregates.
func Assess(live CohortSummary, baselines map[string]CohortSummary, t DriftThresholds) Report {
	report := Report{Overall: SeverityOK, Confidence: ConfidenceLow}

	if len(baselines) == 0 {
		// Nothing to compare against: no drift signal.
		return report
	}

	labels := make([]string, 0, len(baselines))
	for label := range baselines {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	first := true
	for _, label := range labels {
		c := Compare(live, baselines[label], label, t)
		report.Comparisons = append(report.Comparisons, c)
		if first || c.Severity.Worse(report.Overall) {
			report.Overall = c.Severity
			report.Confidence = c.Confidence
			first = false
		}
	}
	return report
}
