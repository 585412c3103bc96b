package governance

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foresight/internal/clock"
	"foresight/internal/domain"
	"foresight/internal/quality"
	"foresight/internal/resolver"
	foretest "foresight/internal/testing"
)

func newMachine(t *testing.T, now time.Time) (*Machine, *Repository, *clock.Manual, func()) {
	t.Helper()
	db, cleanup := foretest.NewTestDB(t, "governance")
	repo := NewRepository(db.Conn())
	clk := clock.NewManual(now)
	return NewMachine(repo, clk, DefaultConfig(), zerolog.Nop()), repo, clk, cleanup
}

func healthyEval(symbol string) Evaluation {
	return Evaluation{
		Symbol:          symbol,
		Drift:           quality.SeverityOK,
		DriftConfidence: quality.ConfidenceHigh,
		Quality:         quality.StateGood,
	}
}

func TestMachine_LazyInitNormal(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	m, _, _, cleanup := newMachine(t, now)
	defer cleanup()

	state, err := m.Evaluate(context.Background(), healthyEval("BTC"))
	require.NoError(t, err)
	assert.Equal(t, resolver.ModeNormal, state.Mode)
}

func TestMachine_DriftCriticalHalts(t *testing.T) {
	// S4: CRITICAL drift at MEDIUM confidence forces NORMAL -> HALT with an
	// audit record.
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	m, repo, _, cleanup := newMachine(t, now)
	defer cleanup()
	ctx := context.Background()

	eval := healthyEval("BTC")
	eval.Drift = quality.SeverityCritical
	eval.DriftConfidence = quality.ConfidenceMedium

	state, err := m.Evaluate(ctx, eval)
	require.NoError(t, err)
	assert.Equal(t, resolver.ModeHalt, state.Mode)
	assert.Equal(t, now.Add(72*time.Hour), state.LatchUntil)

	history, err := repo.History(ctx, "BTC", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, resolver.ModeNormal, history[0].FromMode)
	assert.Equal(t, resolver.ModeHalt, history[0].ToMode)
	assert.Equal(t, "SYSTEM", history[0].Actor)
}

func TestMachine_LowConfidenceDriftIgnored(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	m, _, _, cleanup := newMachine(t, now)
	defer cleanup()

	eval := healthyEval("BTC")
	eval.Drift = quality.SeverityCritical
	eval.DriftConfidence = quality.ConfidenceLow

	state, err := m.Evaluate(context.Background(), eval)
	require.NoError(t, err)
	assert.Equal(t, resolver.ModeNormal, state.Mode,
		"LOW confidence drift must not drive governance")
}

func TestMachine_TailLadder(t *testing.T) {
	cases := []struct {
		mcP95 float64
		want  resolver.GovernanceMode
	}{
		{0.10, resolver.ModeNormal},
		{0.25, resolver.ModeProtection},
		{0.39, resolver.ModeProtection},
		{0.40, resolver.ModeFrozenOnly},
		{0.54, resolver.ModeFrozenOnly},
		{0.55, resolver.ModeHalt},
		{0.80, resolver.ModeHalt},
	}

	for _, tc := range cases {
		now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
		m, _, _, cleanup := newMachine(t, now)

		eval := healthyEval("BTC")
		eval.MCP95DD = tc.mcP95

		state, err := m.Evaluate(context.Background(), eval)
		require.NoError(t, err)
		assert.Equal(t, tc.want, state.Mode, "mcP95=%.2f", tc.mcP95)
		cleanup()
	}
}

func TestMachine_WeakStreakHalts(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	m, _, clk, cleanup := newMachine(t, now)
	defer cleanup()
	ctx := context.Background()

	eval := healthyEval("BTC")
	eval.Quality = quality.StateWeak

	for day := 0; day < 2; day++ {
		state, err := m.Evaluate(ctx, eval)
		require.NoError(t, err)
		assert.NotEqual(t, resolver.ModeHalt, state.Mode, "day %d", day)
		clk.Advance(24 * time.Hour)
	}

	state, err := m.Evaluate(ctx, eval)
	require.NoError(t, err)
	assert.Equal(t, resolver.ModeHalt, state.Mode, "third consecutive WEAK halts")
}

func TestMachine_SampleCappedWeakDoesNotCount(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	m, _, clk, cleanup := newMachine(t, now)
	defer cleanup()

	eval := healthyEval("BTC")
	eval.Quality = quality.StateWeak
	eval.QualityCapped = true

	for day := 0; day < 5; day++ {
		state, err := m.Evaluate(context.Background(), eval)
		require.NoError(t, err)
		assert.Equal(t, resolver.ModeNormal, state.Mode)
		clk.Advance(24 * time.Hour)
	}
}

func TestMachine_LatchedEscalatesOnly(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	m, _, clk, cleanup := newMachine(t, now)
	defer cleanup()
	ctx := context.Background()

	// Enter PROTECTION (24h latch).
	eval := healthyEval("BTC")
	eval.Drift = quality.SeverityWatch
	eval.DriftConfidence = quality.ConfidenceHigh
	state, err := m.Evaluate(ctx, eval)
	require.NoError(t, err)
	require.Equal(t, resolver.ModeProtection, state.Mode)

	// Healthy while latched: no step-down even with enough healthy days.
	for day := 0; day < 1; day++ {
		clk.Advance(6 * time.Hour)
		state, err = m.Evaluate(ctx, healthyEval("BTC"))
		require.NoError(t, err)
		assert.Equal(t, resolver.ModeProtection, state.Mode)
	}

	// Escalation is always allowed, latch or not.
	clk.Advance(time.Hour)
	eval.Drift = quality.SeverityWarn
	state, err = m.Evaluate(ctx, eval)
	require.NoError(t, err)
	assert.Equal(t, resolver.ModeFrozenOnly, state.Mode)
}

func TestMachine_RecoveryStepsOneStateDown(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	m, _, clk, cleanup := newMachine(t, now)
	defer cleanup()
	ctx := context.Background()

	eval := healthyEval("BTC")
	eval.Drift = quality.SeverityWarn
	eval.DriftConfidence = quality.ConfidenceHigh
	state, err := m.Evaluate(ctx, eval)
	require.NoError(t, err)
	require.Equal(t, resolver.ModeFrozenOnly, state.Mode)

	// Wait out the 48h latch, then three healthy evaluations.
	clk.Advance(49 * time.Hour)
	for day := 0; day < 3; day++ {
		state, err = m.Evaluate(ctx, healthyEval("BTC"))
		require.NoError(t, err)
		clk.Advance(24 * time.Hour)
	}
	assert.Equal(t, resolver.ModeProtection, state.Mode,
		"recovery steps exactly one state down")

	// Three more healthy days reach NORMAL.
	for day := 0; day < 3; day++ {
		state, err = m.Evaluate(ctx, healthyEval("BTC"))
		require.NoError(t, err)
		clk.Advance(24 * time.Hour)
	}
	assert.Equal(t, resolver.ModeNormal, state.Mode)
}

func TestMachine_UnhealthyResetsRecovery(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	m, _, clk, cleanup := newMachine(t, now)
	defer cleanup()
	ctx := context.Background()

	watch := healthyEval("BTC")
	watch.Drift = quality.SeverityWatch
	watch.DriftConfidence = quality.ConfidenceHigh
	_, err := m.Evaluate(ctx, watch)
	require.NoError(t, err)

	clk.Advance(25 * time.Hour) // latch expired

	// Two healthy days, then a WATCH day, then two healthy days: never
	// three in a row, so PROTECTION holds.
	sequence := []Evaluation{
		healthyEval("BTC"), healthyEval("BTC"), watch,
		healthyEval("BTC"), healthyEval("BTC"),
	}
	var state *State
	for _, eval := range sequence {
		state, err = m.Evaluate(ctx, eval)
		require.NoError(t, err)
		clk.Advance(24 * time.Hour)
	}
	assert.Equal(t, resolver.ModeProtection, state.Mode)
}

func TestMachine_FrozenPolicyHash(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	m, _, _, cleanup := newMachine(t, now)
	defer cleanup()

	eval := healthyEval("BTC")
	eval.Drift = quality.SeverityWarn
	eval.DriftConfidence = quality.ConfidenceHigh
	eval.ActivePolicyHash = "policy-v7"

	state, err := m.Evaluate(context.Background(), eval)
	require.NoError(t, err)
	require.Equal(t, resolver.ModeFrozenOnly, state.Mode)
	assert.Equal(t, "policy-v7", state.FrozenPolicyHash)

	d := DirectiveFor(state, domain.RoleActive, "policy-v7")
	assert.True(t, d.PolicyHashMatch)
	d = DirectiveFor(state, domain.RoleActive, "policy-v8")
	assert.False(t, d.PolicyHashMatch)
}

func TestMachine_Override(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	m, repo, _, cleanup := newMachine(t, now)
	defer cleanup()
	ctx := context.Background()

	state, err := m.Override(ctx, "BTC", resolver.ModeHalt, "ADMIN")
	require.NoError(t, err)
	assert.Equal(t, resolver.ModeHalt, state.Mode)

	history, err := repo.History(ctx, "BTC", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "ADMIN", history[0].Actor)
	assert.Equal(t, "admin override", history[0].Reason)

	t.Run("override back to normal clears latch and freeze", func(t *testing.T) {
		state, err := m.Override(ctx, "BTC", resolver.ModeNormal, "ADMIN")
		require.NoError(t, err)
		assert.Equal(t, resolver.ModeNormal, state.Mode)
		assert.True(t, state.LatchUntil.IsZero())
		assert.Empty(t, state.FrozenPolicyHash)
	})

	t.Run("unknown mode rejected", func(t *testing.T) {
		_, err := m.Override(ctx, "BTC", "PANIC", "ADMIN")
		assert.Error(t, err)
	})
}
