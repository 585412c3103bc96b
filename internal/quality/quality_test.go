package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"foresight/internal/domain"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		winRate float64
		total   int
		want    State
		capped  bool
	}{
		{"good at threshold", 0.60, 20, StateGood, false},
		{"good above threshold", 0.75, 20, StateGood, false},
		{"neutral at threshold", 0.50, 20, StateNeutral, false},
		{"neutral just below good", 0.59, 20, StateNeutral, false},
		{"weak below neutral", 0.49, 20, StateWeak, false},
		{"capped below minSamples even when winning", 1.00, 4, StateNeutral, true},
		{"capped with zero samples", 0.0, 0, StateNeutral, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := Classify(&domain.CohortStats{WinRate: tc.winRate, Total: tc.total}, 5)
			assert.Equal(t, tc.want, a.State)
			assert.Equal(t, tc.capped, a.SampleCapped)
		})
	}
}

func TestCompare_SeverityLadder(t *testing.T) {
	thresholds := DefaultThresholds()
	baseline := CohortSummary{Total: 200, WinRate: 0.52, SharpeDefined: true}

	cases := []struct {
		name string
		live CohortSummary
		want Severity
	}{
		{"no drift", CohortSummary{Total: 100, WinRate: 0.52, SharpeDefined: true}, SeverityOK},
		{"1pp is ok", CohortSummary{Total: 100, WinRate: 0.53, SharpeDefined: true}, SeverityOK},
		{"2pp hits watch", CohortSummary{Total: 100, WinRate: 0.50, SharpeDefined: true}, SeverityWatch},
		{"5pp hits warn", CohortSummary{Total: 100, WinRate: 0.47, SharpeDefined: true}, SeverityWarn},
		{"8pp hits critical", CohortSummary{Total: 100, WinRate: 0.44, SharpeDefined: true}, SeverityCritical},
		{"improvement also drifts", CohortSummary{Total: 100, WinRate: 0.62, SharpeDefined: true}, SeverityCritical},
		{"sharpe collapse alone", CohortSummary{Total: 100, WinRate: 0.52, SharpeLike: -0.45, SharpeDefined: true}, SeverityCritical},
		{"expectancy bleed alone", CohortSummary{Total: 100, WinRate: 0.52, Expectancy: -0.007, SharpeDefined: true}, SeverityWarn},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Compare(tc.live, baseline, "V2020", thresholds)
			assert.Equal(t, tc.want, c.Severity)
		})
	}
}

func TestCompare_DriftCriticalScenario(t *testing.T) {
	// LIVE n=30 winRate 0.40 vs VINTAGE n=200 winRate 0.52:
	// delta -12pp, CRITICAL with MEDIUM confidence.
	live := CohortSummary{Total: 30, WinRate: 0.40, SharpeDefined: true}
	baseline := CohortSummary{Total: 200, WinRate: 0.52, SharpeDefined: true}

	c := Compare(live, baseline, "V2020", DefaultThresholds())
	assert.Equal(t, SeverityCritical, c.Severity)
	assert.Equal(t, ConfidenceMedium, c.Confidence)
	assert.InDelta(t, -12.0, c.DeltaHitRatePP, 1e-9)
}

func TestCompare_EmptyLive(t *testing.T) {
	c := Compare(CohortSummary{}, CohortSummary{Total: 200, WinRate: 0.52}, "V2020", DefaultThresholds())
	assert.Equal(t, SeverityCritical, c.Severity)
	assert.Equal(t, ConfidenceLow, c.Confidence)
}

func TestCompare_Confidence(t *testing.T) {
	baseline := CohortSummary{Total: 200, WinRate: 0.52}
	thresholds := DefaultThresholds()

	high := Compare(CohortSummary{Total: 90, WinRate: 0.52}, baseline, "V", thresholds)
	medium := Compare(CohortSummary{Total: 30, WinRate: 0.52}, baseline, "V", thresholds)
	low := Compare(CohortSummary{Total: 29, WinRate: 0.52}, baseline, "V", thresholds)

	assert.Equal(t, ConfidenceHigh, high.Confidence)
	assert.Equal(t, ConfidenceMedium, medium.Confidence)
	assert.Equal(t, ConfidenceLow, low.Confidence)
}

func TestCompare_UndefinedSharpeIgnored(t *testing.T) {
	// Sharpe delta must not fire when either side is undefined.
	live := CohortSummary{Total: 100, WinRate: 0.52, SharpeLike: 0, SharpeDefined: false}
	baseline := CohortSummary{Total: 200, WinRate: 0.52, SharpeLike: 2.0, SharpeDefined: true}

	c := Compare(live, baseline, "V", DefaultThresholds())
	assert.Equal(t, SeverityOK, c.Severity)
}

func TestCompare_InjectableThresholds(t *testing.T) {
	loose := DefaultThresholds()
	loose.WatchHitPP = 20
	loose.WarnHitPP = 30
	loose.CriticalHitPP = 40

	c := Compare(
		CohortSummary{Total: 100, WinRate: 0.40},
		CohortSummary{Total: 200, WinRate: 0.52},
		"V", loose)
	assert.Equal(t, SeverityOK, c.Severity, "12pp is OK under a loose ladder")
}

func TestAssess(t *testing.T) {
	thresholds := DefaultThresholds()
	live := CohortSummary{Total: 100, WinRate: 0.50, SharpeDefined: true}

	t.Run("worst comparison wins", func(t *testing.T) {
		report := Assess(live, map[string]CohortSummary{
			"V2016": {Total: 200, WinRate: 0.51, SharpeDefined: true}, // 1pp, OK
			"V2020": {Total: 200, WinRate: 0.59, SharpeDefined: true}, // 9pp, CRITICAL
		}, thresholds)

		assert.Equal(t, SeverityCritical, report.Overall)
		assert.Len(t, report.Comparisons, 2)
	})

	t.Run("no baselines means no signal", func(t *testing.T) {
		report := Assess(live, nil, thresholds)
		assert.Equal(t, SeverityOK, report.Overall)
		assert.Empty(t, report.Comparisons)
	})
}
