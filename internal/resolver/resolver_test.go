package resolver

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foresight/internal/domain"
)

func bullishInput() Input {
	return Input{
		Horizons: map[string]HorizonInput{
			"7d":   {SignedEdge: 0.8, Confidence: 0.9, Reliability: 0.9},
			"365d": {SignedEdge: 0.6, Confidence: 0.8, Reliability: 0.85},
		},
	}
}

func TestResolve_AvoidUnderHalt(t *testing.T) {
	r := New(DefaultWeights())
	in := bullishInput()
	in.Governance.Mode = ModeHalt

	d := r.Resolve(in)
	assert.Equal(t, ActionAvoid, d.Action)
	assert.Zero(t, d.SizeMultiplier)
	assert.Equal(t, []string{"HALT"}, d.Explain, "HALT is the sole reason")
}

func TestResolve_HaltForcesAvoidForAnyInput(t *testing.T) {
	r := New(DefaultWeights())
	rng := rand.New(rand.NewSource(7))
	names := []string{"7d", "14d", "30d", "90d", "180d", "365d"}

	for trial := 0; trial < 100; trial++ {
		in := Input{Horizons: map[string]HorizonInput{}, Governance: Directive{Mode: ModeHalt}}
		for _, name := range names {
			if rng.Float64() < 0.5 {
				continue
			}
			in.Horizons[name] = HorizonInput{
				SignedEdge:  rng.Float64()*2 - 1,
				Confidence:  rng.Float64(),
				Reliability: rng.Float64(),
				PhaseRisk:   rng.Float64(),
			}
		}
		in.Entropy = rng.Float64()
		in.Tail.MCP95DD = rng.Float64()

		d := r.Resolve(in)
		assert.Equal(t, ActionAvoid, d.Action)
		assert.Zero(t, d.SizeMultiplier)
	}
}

func TestResolve_TrendFollow(t *testing.T) {
	r := New(DefaultWeights())

	d := r.Resolve(bullishInput())
	assert.Equal(t, ModeTrendFollow, d.Mode)
	assert.Equal(t, ActionBuy, d.Action)
	assert.Positive(t, d.SizeMultiplier)
	assert.Equal(t, BiasBull, d.Bias.Direction)
	assert.Equal(t, TimingEnter, d.Timing.Action)
}

func TestResolve_BearishSell(t *testing.T) {
	r := New(DefaultWeights())
	in := Input{
		Horizons: map[string]HorizonInput{
			"7d":   {SignedEdge: -0.8, Confidence: 0.9, Reliability: 0.9},
			"365d": {SignedEdge: -0.6, Confidence: 0.8, Reliability: 0.85},
		},
	}

	d := r.Resolve(in)
	assert.Equal(t, ActionSell, d.Action)
	assert.Equal(t, BiasBear, d.Bias.Direction)
}

func TestResolve_CounterTrend(t *testing.T) {
	r := New(DefaultWeights())
	in := Input{
		Horizons: map[string]HorizonInput{
			"7d":   {SignedEdge: 0.7, Confidence: 0.9, Reliability: 0.9},
			"365d": {SignedEdge: -0.7, Confidence: 0.9, Reliability: 0.9},
		},
	}

	d := r.Resolve(in)
	assert.Equal(t, ModeCounterTrend, d.Mode)
	assert.Equal(t, ActionBuy, d.Action, "counter-trend follows the timing sign")

	// Counter-trend runs at half the timing strength.
	trend := r.Resolve(bullishInput())
	assert.Less(t, d.SizeMultiplier, trend.SizeMultiplier)
}

func TestResolve_WeakSignalsHold(t *testing.T) {
	r := New(DefaultWeights())
	in := Input{
		Horizons: map[string]HorizonInput{
			"7d":   {SignedEdge: 0.05, Confidence: 0.5, Reliability: 0.5},
			"365d": {SignedEdge: -0.05, Confidence: 0.5, Reliability: 0.5},
		},
	}

	d := r.Resolve(in)
	assert.Equal(t, ActionHold, d.Action)
	assert.Zero(t, d.SizeMultiplier)
}

func TestResolve_BlockersForceHold(t *testing.T) {
	r := New(DefaultWeights())
	in := bullishInput()
	h := in.Horizons["7d"]
	h.Blockers = []string{"EARNINGS_WINDOW"}
	in.Horizons["7d"] = h

	d := r.Resolve(in)
	assert.Equal(t, ActionHold, d.Action)
	assert.Contains(t, d.Timing.Blockers, "EARNINGS_WINDOW")
}

func TestResolve_TailPenaltySteps(t *testing.T) {
	r := New(DefaultWeights())

	sizeAt := func(mcP95 float64) float64 {
		in := bullishInput()
		in.Tail.MCP95DD = mcP95
		return r.Resolve(in).SizeMultiplier
	}

	base := sizeAt(0.10)
	assert.InDelta(t, base, sizeAt(0.24), 1e-12, "below 0.25 no penalty")
	assert.InDelta(t, base*0.7, sizeAt(0.30), 1e-9)
	assert.InDelta(t, base*0.4, sizeAt(0.50), 1e-9)
	assert.InDelta(t, base*0.1, sizeAt(0.60), 1e-9)
}

func TestResolve_EntropyPenalty(t *testing.T) {
	r := New(DefaultWeights())

	in := bullishInput()
	clear := r.Resolve(in).SizeMultiplier

	in.Entropy = 0.5
	half := r.Resolve(in).SizeMultiplier
	assert.InDelta(t, clear*0.5, half, 1e-9)

	in.Entropy = 1.0
	assert.Zero(t, r.Resolve(in).SizeMultiplier)
}

func TestResolve_ProtectionHalvesSize(t *testing.T) {
	r := New(DefaultWeights())

	in := bullishInput()
	normal := r.Resolve(in).SizeMultiplier

	in.Governance.Mode = ModeProtection
	protected := r.Resolve(in)
	assert.InDelta(t, normal*0.5, protected.SizeMultiplier, 1e-9)
	assert.Equal(t, ActionBuy, protected.Action, "PROTECTION reduces size, not action")
}

func TestResolve_FrozenOnly(t *testing.T) {
	r := New(DefaultWeights())

	t.Run("blocks unapproved policies", func(t *testing.T) {
		in := bullishInput()
		in.Governance = Directive{Mode: ModeFrozenOnly, Role: domain.RoleActive, PolicyHashMatch: false}

		d := r.Resolve(in)
		assert.Equal(t, ActionAvoid, d.Action)
		assert.Zero(t, d.SizeMultiplier)
	})

	t.Run("blocks shadow role even on hash match", func(t *testing.T) {
		in := bullishInput()
		in.Governance = Directive{Mode: ModeFrozenOnly, Role: domain.RoleShadow, PolicyHashMatch: true}

		d := r.Resolve(in)
		assert.Equal(t, ActionAvoid, d.Action)
	})

	t.Run("allows frozen active policy", func(t *testing.T) {
		in := bullishInput()
		in.Governance = Directive{Mode: ModeFrozenOnly, Role: domain.RoleActive, PolicyHashMatch: true}

		d := r.Resolve(in)
		assert.Equal(t, ActionBuy, d.Action)
	})
}

func TestResolve_ConfidenceNeverInflates(t *testing.T) {
	r := New(DefaultWeights())
	rng := rand.New(rand.NewSource(99))
	names := []string{"7d", "14d", "30d", "90d", "180d", "365d"}

	for trial := 0; trial < 300; trial++ {
		in := Input{Horizons: map[string]HorizonInput{}}
		maxConf := 0.0
		for _, name := range names {
			if rng.Float64() < 0.4 {
				continue
			}
			h := HorizonInput{
				SignedEdge:  rng.Float64()*2 - 1,
				Confidence:  rng.Float64(),
				Reliability: rng.Float64(),
				PhaseRisk:   rng.Float64(),
			}
			in.Horizons[name] = h
			if h.Confidence > maxConf {
				maxConf = h.Confidence
			}
		}
		in.Entropy = rng.Float64()
		in.Tail.MCP95DD = rng.Float64()

		d := r.Resolve(in)
		assert.LessOrEqual(t, d.Confidence, maxConf+1e-3,
			"final confidence must not exceed base confidence")
	}
}

func TestResolve_Deterministic(t *testing.T) {
	r := New(DefaultWeights())
	in := Input{
		Horizons: map[string]HorizonInput{
			"7d":   {SignedEdge: 0.31, Confidence: 0.77, Reliability: 0.81, PhaseRisk: 0.12},
			"30d":  {SignedEdge: -0.22, Confidence: 0.64, Reliability: 0.73, PhaseRisk: 0.05},
			"90d":  {SignedEdge: 0.55, Confidence: 0.58, Reliability: 0.69},
			"365d": {SignedEdge: 0.48, Confidence: 0.91, Reliability: 0.88, PhaseRisk: 0.20},
		},
		Entropy:   0.33,
		Tail:      TailStats{MCP95DD: 0.27},
		Modifiers: Modifiers{VolShock: true, Divergence: GradeC},
	}

	first := r.Resolve(in)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, r.Resolve(in), "bit-identical output required")
	}
}

func TestResolve_DominantHorizonTieBreak(t *testing.T) {
	r := New(DefaultWeights())
	// Two STRUCTURE horizons with identical contributions: the canonical
	// first (180d) must win.
	in := Input{
		Horizons: map[string]HorizonInput{
			"180d": {SignedEdge: 0.5, Confidence: 0.8, Reliability: 0.9},
			"365d": {SignedEdge: 0.5, Confidence: 0.8, Reliability: 0.9},
		},
	}

	d := r.Resolve(in)
	assert.Equal(t, "180d", d.Bias.DominantHorizon)
}

func TestResolve_VolShockShiftsWeight(t *testing.T) {
	// Opposing structure vs timing edges: VOL_SHOCK boosts structure and
	// cuts timing, so the timing score should shrink relative to baseline.
	in := Input{
		Horizons: map[string]HorizonInput{
			"7d":  {SignedEdge: 0.6, Confidence: 0.9, Reliability: 0.9},
			"30d": {SignedEdge: -0.2, Confidence: 0.9, Reliability: 0.9},
		},
	}
	r := New(DefaultWeights())

	base := r.Resolve(in)
	in.Modifiers.VolShock = true
	shocked := r.Resolve(in)

	assert.Less(t, shocked.Timing.Score, base.Timing.Score,
		"VOL_SHOCK cuts the TIMING tier weight")
}

func TestResolve_DivergenceGradeScalesScore(t *testing.T) {
	r := New(DefaultWeights())
	in := bullishInput()

	in.Modifiers.Divergence = GradeB
	gradeB := r.Resolve(in)
	in.Modifiers.Divergence = GradeF
	gradeF := r.Resolve(in)

	assert.InDelta(t, gradeB.Bias.Score*0.70, gradeF.Bias.Score, 1e-9)
}

func TestResolve_EmptyInput(t *testing.T) {
	r := New(DefaultWeights())
	d := r.Resolve(Input{})

	assert.Equal(t, ActionHold, d.Action)
	assert.Zero(t, d.SizeMultiplier)
	assert.Zero(t, d.Confidence)
}

func TestClampModifier(t *testing.T) {
	assert.Equal(t, 1.0, ClampModifier(1.8))
	assert.Equal(t, 0.9, ClampModifier(0.9))
	assert.Equal(t, 0.0, ClampModifier(-0.3))
}

func TestWeightRenormalization(t *testing.T) {
	r := New(DefaultWeights())

	// Only one horizon present: its weight must renormalize to 1, so the
	// score is exactly edge * conf * rel.
	in := Input{
		Horizons: map[string]HorizonInput{
			"365d": {SignedEdge: 0.6, Confidence: 0.8, Reliability: 0.85},
		},
	}
	d := r.Resolve(in)
	require.InDelta(t, 0.6*0.8*0.85, d.Bias.Score, 1e-12)
}
