package outcome

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foresight/internal/clock"
	"foresight/internal/domain"
	"foresight/internal/oracle"
	"foresight/internal/snapshot"
	foretest "foresight/internal/testing"
)

// fixedOracle serves a fixed price per symbol, erroring for anything else.
type fixedOracle struct {
	prices map[string]float64
}

func (f *fixedOracle) PriceAt(_ context.Context, symbol string, ts time.Time) (oracle.Quote, error) {
	price, ok := f.prices[symbol]
	if !ok {
		return oracle.Quote{}, domain.ErrPriceUnavailable
	}
	return oracle.Quote{Price: price, ActualTs: ts}, nil
}

type trackerFixture struct {
	snapshots *snapshot.Repository
	outcomes  *Repository
	oracle    *fixedOracle
	clock     *clock.Manual
	tracker   *Tracker
}

func newTrackerFixture(t *testing.T, now time.Time) (*trackerFixture, func()) {
	t.Helper()
	db, cleanup := foretest.NewTestDB(t, "forecast")

	f := &trackerFixture{
		snapshots: snapshot.NewRepository(db.Conn()),
		outcomes:  NewRepository(db.Conn()),
		oracle:    &fixedOracle{prices: map[string]float64{}},
		clock:     clock.NewManual(now),
	}
	f.tracker = NewTracker(f.snapshots, f.outcomes, f.oracle, f.clock, 0.001, 50, zerolog.Nop())
	return f, cleanup
}

func (f *trackerFixture) writeSnapshot(t *testing.T, symbol string, asOf time.Time) *domain.ForecastSnapshot {
	t.Helper()
	writer := snapshot.NewWriter(f.snapshots, nil, clock.NewManual(asOf), zerolog.Nop())
	s, inserted, err := writer.WriteSnapshot(context.Background(), domain.ModelOutput{
		Symbol:          symbol,
		Horizon:         "7d",
		Preset:          domain.PresetBalanced,
		Role:            domain.RoleActive,
		Direction:       domain.DirectionUp,
		Confidence:      0.72,
		ExpectedMovePct: 0.018,
		CurrentPrice:    68000.00,
		PolicyHash:      "p1",
		AsOf:            asOf,
	})
	require.NoError(t, err)
	require.True(t, inserted)
	return s
}

func TestTracker_ResolveDue_Win(t *testing.T) {
	asOf := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f, cleanup := newTrackerFixture(t, asOf.Add(8*24*time.Hour))
	defer cleanup()

	s := f.writeSnapshot(t, "BTC", asOf)
	f.oracle.prices["BTC"] = 70000.00

	summary, err := f.tracker.ResolveDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Wins)

	resolved, err := f.snapshots.Get(context.Background(), s.Fingerprint)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved())
	assert.Equal(t, domain.ResultWin, resolved.Status.Result)
	assert.Equal(t, 70000.00, resolved.Status.RealPrice)
	assert.InDelta(t, 0.0114, resolved.Status.Deviation, 0.0001)

	outcomes, err := f.outcomes.Query(context.Background(), domain.Cohort{
		Symbol: "BTC", Horizon: "7d", Preset: domain.PresetBalanced, Role: domain.RoleActive,
	}, 0)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].DirectionCorrect)
	assert.Equal(t, s.Fingerprint, outcomes[0].SnapshotRef)
}

func TestTracker_ResolveDue_DrawOnTinyMove(t *testing.T) {
	asOf := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f, cleanup := newTrackerFixture(t, asOf.Add(8*24*time.Hour))
	defer cleanup()

	s := f.writeSnapshot(t, "BTC", asOf)
	f.oracle.prices["BTC"] = 68020.00 // +0.03%, below epsilon

	summary, err := f.tracker.ResolveDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Draws)
	assert.Zero(t, summary.Wins)
	assert.Zero(t, summary.Losses)

	resolved, err := f.snapshots.Get(context.Background(), s.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultDraw, resolved.Status.Result)
}

func TestTracker_ResolveDue_PriceUnavailableStaysPending(t *testing.T) {
	asOf := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f, cleanup := newTrackerFixture(t, asOf.Add(8*24*time.Hour))
	defer cleanup()

	s := f.writeSnapshot(t, "BTC", asOf)
	// No price seeded.

	summary, err := f.tracker.ResolveDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)

	pending, err := f.snapshots.Get(context.Background(), s.Fingerprint)
	require.NoError(t, err)
	assert.False(t, pending.Resolved())

	// Retry succeeds once a bar appears.
	f.oracle.prices["BTC"] = 70000.00
	summary, err = f.tracker.ResolveDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
}

func TestTracker_ResolveDue_Idempotent(t *testing.T) {
	asOf := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f, cleanup := newTrackerFixture(t, asOf.Add(8*24*time.Hour))
	defer cleanup()

	f.writeSnapshot(t, "BTC", asOf)
	f.oracle.prices["BTC"] = 70000.00

	_, err := f.tracker.ResolveDue(context.Background())
	require.NoError(t, err)

	summary, err := f.tracker.ResolveDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Processed, "nothing left to do on a re-run")

	n, err := f.outcomes.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "exactly one outcome row")
}

func TestTracker_RepairsOrphanedOutcome(t *testing.T) {
	asOf := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f, cleanup := newTrackerFixture(t, asOf.Add(8*24*time.Hour))
	defer cleanup()

	s := f.writeSnapshot(t, "BTC", asOf)

	// Simulate a crash between resolve and outcome put: the snapshot is
	// RESOLVED but no outcome row exists.
	eval := Grade(s, 70000.00, 0.001)
	eval.ResolvedAt = f.clock.Now()
	require.NoError(t, f.snapshots.Resolve(context.Background(), s.Fingerprint, eval))

	summary, err := f.tracker.ResolveDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Repaired)

	n, err := f.outcomes.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTracker_LossIsolatedFromBatch(t *testing.T) {
	asOf := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f, cleanup := newTrackerFixture(t, asOf.Add(8*24*time.Hour))
	defer cleanup()

	f.writeSnapshot(t, "BTC", asOf)
	f.writeSnapshot(t, "ETH", asOf)
	f.oracle.prices["BTC"] = 60000.00 // down, UP call loses
	// ETH has no price: skipped, not an error.

	summary, err := f.tracker.ResolveDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Losses)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.Errors)
}

func TestGrade(t *testing.T) {
	base := &domain.ForecastSnapshot{
		StartPrice:  100.0,
		TargetPrice: 101.8,
		Direction:   domain.DirectionUp,
	}

	t.Run("up call with up move wins", func(t *testing.T) {
		eval := Grade(base, 105.0, 0.001)
		assert.Equal(t, domain.ResultWin, eval.Result)
		assert.InDelta(t, 0.032, eval.Deviation, 1e-9)
	})

	t.Run("up call with down move loses", func(t *testing.T) {
		eval := Grade(base, 95.0, 0.001)
		assert.Equal(t, domain.ResultLoss, eval.Result)
	})

	t.Run("move below epsilon draws", func(t *testing.T) {
		eval := Grade(base, 100.05, 0.001)
		assert.Equal(t, domain.ResultDraw, eval.Result)
	})

	t.Run("down call with down move wins", func(t *testing.T) {
		down := *base
		down.Direction = domain.DirectionDown
		eval := Grade(&down, 95.0, 0.001)
		assert.Equal(t, domain.ResultWin, eval.Result)
	})

	t.Run("flat call with large move loses", func(t *testing.T) {
		flat := *base
		flat.Direction = domain.DirectionFlat
		eval := Grade(&flat, 110.0, 0.001)
		assert.Equal(t, domain.ResultLoss, eval.Result)
	})
}

func TestRepository_QueryWindow(t *testing.T) {
	db, cleanup := foretest.NewTestDB(t, "forecast")
	defer cleanup()

	repo := NewRepository(db.Conn())
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cohort := domain.Cohort{Symbol: "BTC", Horizon: "7d", Preset: domain.PresetBalanced, Role: domain.RoleActive}

	for i := 0; i < 10; i++ {
		result := domain.ResultWin
		if i%2 == 1 {
			result = domain.ResultLoss
		}
		_, err := repo.Put(ctx, &domain.ForecastOutcome{
			SnapshotRef: string(rune('a' + i)),
			Symbol:      cohort.Symbol, Horizon: cohort.Horizon,
			Preset: cohort.Preset, Role: cohort.Role,
			StartPrice: 100, TargetPrice: 102, RealPrice: 105,
			Result: result, DirectionCorrect: result == domain.ResultWin,
			Deviation: 0.01, Confidence: 0.7,
			CreatedAt:  base.Add(time.Duration(i) * 24 * time.Hour),
			ResolvedAt: base.Add(time.Duration(i+7) * 24 * time.Hour),
		})
		require.NoError(t, err)
	}

	t.Run("window keeps the most recent rows in chronological order", func(t *testing.T) {
		outcomes, err := repo.Query(ctx, cohort, 4)
		require.NoError(t, err)
		require.Len(t, outcomes, 4)
		for i := 1; i < len(outcomes); i++ {
			assert.True(t, outcomes[i].ResolvedAt.After(outcomes[i-1].ResolvedAt))
		}
		assert.Equal(t, base.Add(13*24*time.Hour), outcomes[0].ResolvedAt)
	})

	t.Run("zero window returns everything", func(t *testing.T) {
		outcomes, err := repo.Query(ctx, cohort, 0)
		require.NoError(t, err)
		assert.Len(t, outcomes, 10)
	})

	t.Run("duplicate put is a no-op", func(t *testing.T) {
		inserted, err := repo.Put(ctx, &domain.ForecastOutcome{
			SnapshotRef: "a", Symbol: "BTC", Horizon: "7d",
			Preset: domain.PresetBalanced, Role: domain.RoleActive,
			StartPrice: 1, TargetPrice: 1, RealPrice: 1,
			Result: domain.ResultWin, Confidence: 0.5,
			CreatedAt: base, ResolvedAt: base,
		})
		require.NoError(t, err)
		assert.False(t, inserted)
	})
}
