package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foresight/internal/alerts"
	"foresight/internal/clock"
	"foresight/internal/events"
	"foresight/internal/governance"
	"foresight/internal/oracle"
	"foresight/internal/outcome"
	"foresight/internal/quality"
	"foresight/internal/resolver"
	"foresight/internal/scheduler"
	"foresight/internal/snapshot"
	"foresight/internal/stats"
	foretest "foresight/internal/testing"

	"foresight/internal/domain"
)

type captureSink struct {
	events []alerts.Event
}

func (s *captureSink) Send(_ context.Context, event alerts.Event) error {
	s.events = append(s.events, event)
	return nil
}

type fixture struct {
	pipeline *Pipeline
	clock    *clock.Manual
	bars     *oracle.BarRepository
	outputs  *oracle.ModelOutputRepository
	govRepo  *governance.Repository
	machine  *governance.Machine
	sink     *captureSink
	bus      *events.Bus
}

func newFixture(t *testing.T, now time.Time) (*fixture, func()) {
	t.Helper()

	forecastDB, cleanForecast := foretest.NewTestDB(t, "forecast")
	marketDB, cleanMarket := foretest.NewTestDB(t, "market")
	governanceDB, cleanGovernance := foretest.NewTestDB(t, "governance")

	clk := clock.NewManual(now)
	log := zerolog.Nop()

	bars := oracle.NewBarRepository(marketDB.Conn(), log)
	outputs := oracle.NewModelOutputRepository(marketDB.Conn())
	snapshots := snapshot.NewRepository(forecastDB.Conn())
	writer := snapshot.NewWriter(snapshots, outputs, clk, log)
	outcomes := outcome.NewRepository(forecastDB.Conn())
	tracker := outcome.NewTracker(snapshots, outcomes, bars, clk, 0.001, 50, log)
	statsRepo := stats.NewRepository(forecastDB.Conn())
	refresher := stats.NewRefresher(outcomes, statsRepo, clk, 50, 5, 45, log)
	govRepo := governance.NewRepository(governanceDB.Conn())
	machine := governance.NewMachine(govRepo, clk, governance.DefaultConfig(), log)
	sink := &captureSink{}
	gate := alerts.NewGate(alerts.NewRepository(governanceDB.Conn()), sink, clk, alerts.DefaultGateConfig(), log)
	bus := events.NewBus(log)

	f := &fixture{
		pipeline: New(bars, outputs, snapshots, writer, tracker, outcomes, refresher,
			machine, govRepo, gate, bus, clk, DefaultConfig(), log),
		clock:   clk,
		bars:    bars,
		outputs: outputs,
		govRepo: govRepo,
		machine: machine,
		sink:    sink,
		bus:     bus,
	}
	return f, func() {
		cleanForecast()
		cleanMarket()
		cleanGovernance()
	}
}

func stageOutput(t *testing.T, f *fixture, symbol string, asOf time.Time) {
	t.Helper()
	require.NoError(t, f.outputs.Stage(context.Background(), domain.ModelOutput{
		Symbol:          symbol,
		Horizon:         "7d",
		Preset:          domain.PresetBalanced,
		Role:            domain.RoleActive,
		Direction:       domain.DirectionUp,
		Confidence:      0.72,
		ExpectedMovePct: 0.018,
		CurrentPrice:    68000,
		PolicyHash:      "a1b2c3d4",
		EngineVersion:   "v2",
		AsOf:            asOf,
	}))
}

func stepByName(t *testing.T, res *Result, name string) scheduler.StepRecord {
	t.Helper()
	for _, s := range res.Steps {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("step %s not found", name)
	return scheduler.StepRecord{}
}

func TestPipeline_FullCycle(t *testing.T) {
	asOf := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f, cleanup := newFixture(t, asOf)
	defer cleanup()
	ctx := context.Background()

	stageOutput(t, f, "BTC", asOf)
	require.NoError(t, f.bars.UpsertBar(ctx, "BTC", asOf, 68000))

	res, err := f.pipeline.Run(ctx, Options{})
	require.NoError(t, err)
	assert.True(t, res.Success())
	require.Len(t, res.Steps, 7)

	assert.Equal(t, 1, res.SnapshotsWritten)
	assert.Equal(t, 0, res.OutcomesResolved, "nothing due yet")
	assert.Equal(t, scheduler.StepSuccess, stepByName(t, res, StepIntegrityCheck).Status)
	assert.Equal(t, 1, stepByName(t, res, StepGovernance).Count)

	t.Run("second run a week later resolves the outcome", func(t *testing.T) {
		resolveAt := asOf.AddDate(0, 0, 7)
		f.clock.Set(resolveAt)
		require.NoError(t, f.bars.UpsertBar(ctx, "BTC", resolveAt, 70000))

		res, err := f.pipeline.Run(ctx, Options{})
		require.NoError(t, err)
		assert.True(t, res.Success())

		assert.Equal(t, 1, res.OutcomesResolved)
		assert.Equal(t, 1, stepByName(t, res, StepStatsRefresh).Count, "one cohort refreshed")
		assert.Equal(t, 1, stepByName(t, res, StepQualityAndDrift).Count)

		state, err := f.govRepo.Get(ctx, "BTC", f.clock.Now())
		require.NoError(t, err)
		assert.Equal(t, resolver.ModeNormal, state.Mode, "one win keeps governance NORMAL")
		assert.Empty(t, f.sink.events, "no alerts for a healthy symbol")
	})

	t.Run("rerunning the same day is idempotent", func(t *testing.T) {
		res, err := f.pipeline.Run(ctx, Options{})
		require.NoError(t, err)
		assert.True(t, res.Success())
		assert.Zero(t, res.SnapshotsWritten, "same-day snapshot is a duplicate")
		assert.Zero(t, res.OutcomesResolved)
	})
}

func TestPipeline_IntegrityFailureSkipsDependents(t *testing.T) {
	asOf := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f, cleanup := newFixture(t, asOf)
	defer cleanup()
	ctx := context.Background()

	// Staged output but no price bars at all.
	stageOutput(t, f, "BTC", asOf)

	res, err := f.pipeline.Run(ctx, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), StepIntegrityCheck)
	assert.False(t, res.Success())

	assert.Equal(t, scheduler.StepFailed, stepByName(t, res, StepIntegrityCheck).Status)
	for _, name := range []string{StepSnapshotWrite, StepOutcomeResolve, StepStatsRefresh,
		StepQualityAndDrift, StepGovernance, StepAlerts} {
		step := stepByName(t, res, name)
		assert.Equal(t, scheduler.StepSkipped, step.Status)
		assert.Contains(t, step.Error, "IntegrityCheck failed")
	}
}

func TestPipeline_StaleBarsFailIntegrity(t *testing.T) {
	asOf := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f, cleanup := newFixture(t, asOf)
	defer cleanup()
	ctx := context.Background()

	stageOutput(t, f, "BTC", asOf)
	require.NoError(t, f.bars.UpsertBar(ctx, "BTC", asOf.AddDate(0, 0, -10), 68000))

	_, err := f.pipeline.Run(ctx, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale price coverage")
}

func TestPipeline_Cancellation(t *testing.T) {
	asOf := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f, cleanup := newFixture(t, asOf)
	defer cleanup()

	res, err := f.pipeline.Run(context.Background(), Options{
		Cancelled: func(context.Context) bool { return true },
	})
	require.NoError(t, err, "a cancelled run is not an error")
	assert.True(t, res.Cancelled)
	assert.False(t, res.Success())
	for _, step := range res.Steps {
		assert.Equal(t, scheduler.StepSkipped, step.Status)
		assert.Contains(t, step.Error, "cancelled")
	}
}

func TestPipeline_StepRecordsReachTheSink(t *testing.T) {
	asOf := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f, cleanup := newFixture(t, asOf)
	defer cleanup()
	ctx := context.Background()

	stageOutput(t, f, "BTC", asOf)
	require.NoError(t, f.bars.UpsertBar(ctx, "BTC", asOf, 68000))

	var recorded []scheduler.StepRecord
	_, err := f.pipeline.Run(ctx, Options{
		OnStep: func(_ context.Context, step scheduler.StepRecord) error {
			recorded = append(recorded, step)
			return nil
		},
	})
	require.NoError(t, err)
	require.Len(t, recorded, 7)
	assert.Equal(t, StepIntegrityCheck, recorded[0].Name)
	assert.Equal(t, StepAlerts, recorded[6].Name)
}

func TestPipeline_WeakCohortRaisesHealthDrop(t *testing.T) {
	asOf := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f, cleanup := newFixture(t, asOf)
	defer cleanup()
	ctx := context.Background()

	// A losing history: stage outputs daily and resolve them against a price
	// that moves the wrong way.
	day := asOf
	price := 68000.0
	for i := 0; i < 8; i++ {
		require.NoError(t, f.outputs.Stage(ctx, domain.ModelOutput{
			Symbol:          "BTC",
			Horizon:         "7d",
			Preset:          domain.PresetBalanced,
			Role:            domain.RoleActive,
			Direction:       domain.DirectionUp,
			Confidence:      0.72,
			ExpectedMovePct: 0.018,
			CurrentPrice:    price,
			PolicyHash:      "a1b2c3d4",
			EngineVersion:   "v2",
			AsOf:            day,
		}))
		require.NoError(t, f.bars.UpsertBar(ctx, "BTC", day, price))
		f.clock.Set(day)
		_, err := f.pipeline.Run(ctx, Options{})
		require.NoError(t, err)

		day = day.AddDate(0, 0, 1)
		price *= 0.99 // steady decline, every UP call loses
	}

	// Jump past the last resolveAt so every snapshot is due, with fresh bars.
	finalDay := asOf.AddDate(0, 0, 15)
	for d := day; !d.After(finalDay); d = d.AddDate(0, 0, 1) {
		price *= 0.99
		require.NoError(t, f.bars.UpsertBar(ctx, "BTC", d, price))
	}
	f.clock.Set(finalDay)

	res, err := f.pipeline.Run(ctx, Options{})
	require.NoError(t, err)
	// The day-7 run already resolved the first snapshot; the rest are due now.
	assert.Equal(t, 7, res.OutcomesResolved)

	var types []alerts.Type
	for _, event := range f.sink.events {
		types = append(types, event.Type)
	}
	assert.Contains(t, types, alerts.TypeHealthDrop, "all-loss cohort is WEAK: %v", types)
}

func TestSymbolHealth_AbsorbQuality(t *testing.T) {
	tests := []struct {
		name       string
		reads      []quality.Assessment
		wantState  quality.State
		wantCapped bool
	}{
		{
			name: "worst non-capped read wins",
			reads: []quality.Assessment{
				{State: quality.StateGood, Total: 20},
				{State: quality.StateWeak, Total: 12},
				{State: quality.StateNeutral, Total: 30},
			},
			wantState: quality.StateWeak,
		},
		{
			name: "capped WEAK never outranks a real read",
			reads: []quality.Assessment{
				{State: quality.StateNeutral, Total: 10},
				{State: quality.StateWeak, Total: 2, SampleCapped: true},
			},
			wantState: quality.StateNeutral,
		},
		{
			name: "all capped stays capped",
			reads: []quality.Assessment{
				{State: quality.StateNeutral, Total: 3, SampleCapped: true},
			},
			wantState:  quality.StateNeutral,
			wantCapped: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newSymbolHealth()
			for _, read := range tt.reads {
				h.absorbQuality(read)
			}
			assert.Equal(t, tt.wantState, h.quality)
			assert.Equal(t, tt.wantCapped, h.qualityCapped)
		})
	}
}

func TestSymbolHealth_AbsorbDrift(t *testing.T) {
	h := newSymbolHealth()
	h.absorbDrift(quality.Report{Overall: quality.SeverityWatch, Confidence: quality.ConfidenceHigh})
	h.absorbDrift(quality.Report{
		Overall:    quality.SeverityCritical,
		Confidence: quality.ConfidenceMedium,
		Comparisons: []quality.Comparison{
			{Severity: quality.SeverityCritical, DeltaHitRatePP: -12},
		},
	})
	h.absorbDrift(quality.Report{Overall: quality.SeverityWarn, Confidence: quality.ConfidenceHigh})

	assert.Equal(t, quality.SeverityCritical, h.drift)
	assert.Equal(t, quality.ConfidenceMedium, h.driftConfidence)
	assert.InDelta(t, -12, h.driftHitPP, 1e-9)
}

func TestCollectTransitionAlert(t *testing.T) {
	p := &Pipeline{}
	tests := []struct {
		from, to  resolver.GovernanceMode
		wantType  alerts.Type
		wantLevel alerts.Level
	}{
		{resolver.ModeNormal, resolver.ModeHalt, alerts.TypeCrisisEnter, alerts.LevelCritical},
		{resolver.ModeHalt, resolver.ModeFrozenOnly, alerts.TypeCrisisExit, alerts.LevelHigh},
		{resolver.ModeNormal, resolver.ModeProtection, alerts.TypeRegimeShift, alerts.LevelHigh},
		{resolver.ModeProtection, resolver.ModeNormal, alerts.TypeRegimeShift, alerts.LevelHigh},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			state := &runState{}
			p.collectTransitionAlert(state, "BTC", tt.from, tt.to)
			require.Len(t, state.alerts, 1)
			assert.Equal(t, tt.wantType, state.alerts[0].Type)
			assert.Equal(t, tt.wantLevel, state.alerts[0].Level)
		})
	}
}

func TestPipeline_JobAdapter(t *testing.T) {
	asOf := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f, cleanup := newFixture(t, asOf)
	defer cleanup()
	ctx := context.Background()

	stageOutput(t, f, "BTC", asOf)
	require.NoError(t, f.bars.UpsertBar(ctx, "BTC", asOf, 68000))

	schedDB, cleanSched := foretest.NewTestDB(t, "scheduler")
	defer cleanSched()
	sched := scheduler.New(scheduler.NewRepository(schedDB.Conn()), f.clock, f.bus,
		10*time.Minute, 0, zerolog.Nop())
	require.NoError(t, sched.Register("daily-run", "", f.pipeline.Job()))

	run, err := sched.RunNow(ctx, "daily-run", scheduler.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusSuccess, run.Status)
	assert.Len(t, run.Steps, 7, "pipeline steps land on the JobRun")
	assert.Contains(t, run.Summary, "1 snapshots")
}
