package snapshot

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foresight/internal/clock"
	"foresight/internal/domain"
	foretest "foresight/internal/testing"
)

func testOutput(asOf time.Time) domain.ModelOutput {
	return domain.ModelOutput{
		Symbol:          "BTC",
		Horizon:         "7d",
		Preset:          domain.PresetBalanced,
		Role:            domain.RoleActive,
		Direction:       domain.DirectionUp,
		Confidence:      0.72,
		ExpectedMovePct: 0.018,
		CurrentPrice:    68000.00,
		PolicyHash:      "a1b2c3d4",
		EngineVersion:   "2.3.0",
		AsOf:            asOf,
	}
}

type staticOutputs struct {
	outputs []domain.ModelOutput
}

func (s *staticOutputs) OutputsFor(_ context.Context, symbol string, _ time.Time) ([]domain.ModelOutput, error) {
	var matched []domain.ModelOutput
	for _, out := range s.outputs {
		if out.Symbol == symbol {
			matched = append(matched, out)
		}
	}
	return matched, nil
}

func TestWriter_WriteSnapshot(t *testing.T) {
	db, cleanup := foretest.NewTestDB(t, "forecast")
	defer cleanup()

	asOf := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	repo := NewRepository(db.Conn())
	writer := NewWriter(repo, &staticOutputs{}, clock.NewManual(asOf), zerolog.Nop())
	ctx := context.Background()

	t.Run("derives target price and resolve time", func(t *testing.T) {
		s, inserted, err := writer.WriteSnapshot(ctx, testOutput(asOf))
		require.NoError(t, err)
		assert.True(t, inserted)

		assert.InDelta(t, 69224.00, s.TargetPrice, 0.005)
		assert.Equal(t, time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC), s.ResolveAt)
		assert.Equal(t, domain.StatusPending, s.Status.State)

		stored, err := repo.Get(ctx, s.Fingerprint)
		require.NoError(t, err)
		assert.Equal(t, s.StartPrice, stored.StartPrice)
		assert.InDelta(t, s.TargetPrice, stored.TargetPrice, 1e-9)
	})

	t.Run("same-day rewrite is a no-op", func(t *testing.T) {
		later := testOutput(asOf.Add(3 * time.Hour))
		later.CurrentPrice = 69000.00 // revised price must not overwrite

		s, inserted, err := writer.WriteSnapshot(ctx, later)
		require.NoError(t, err)
		assert.False(t, inserted)

		stored, err := repo.Get(ctx, s.Fingerprint)
		require.NoError(t, err)
		assert.Equal(t, 68000.00, stored.StartPrice)
	})

	t.Run("next day creates a new snapshot", func(t *testing.T) {
		_, inserted, err := writer.WriteSnapshot(ctx, testOutput(asOf.Add(24*time.Hour)))
		require.NoError(t, err)
		assert.True(t, inserted)
	})
}

func TestWriter_Validation(t *testing.T) {
	db, cleanup := foretest.NewTestDB(t, "forecast")
	defer cleanup()

	asOf := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := NewRepository(db.Conn())
	writer := NewWriter(repo, &staticOutputs{}, clock.NewManual(asOf), zerolog.Nop())
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*domain.ModelOutput)
	}{
		{"empty symbol", func(o *domain.ModelOutput) { o.Symbol = "" }},
		{"unknown horizon", func(o *domain.ModelOutput) { o.Horizon = "42d" }},
		{"invalid preset", func(o *domain.ModelOutput) { o.Preset = "YOLO" }},
		{"invalid role", func(o *domain.ModelOutput) { o.Role = "CANARY" }},
		{"invalid direction", func(o *domain.ModelOutput) { o.Direction = "SIDEWAYS" }},
		{"confidence above one", func(o *domain.ModelOutput) { o.Confidence = 1.2 }},
		{"negative confidence", func(o *domain.ModelOutput) { o.Confidence = -0.1 }},
		{"NaN confidence", func(o *domain.ModelOutput) { o.Confidence = math.NaN() }},
		{"zero price", func(o *domain.ModelOutput) { o.CurrentPrice = 0 }},
		{"infinite price", func(o *domain.ModelOutput) { o.CurrentPrice = math.Inf(1) }},
		{"NaN price", func(o *domain.ModelOutput) { o.CurrentPrice = math.NaN() }},
		{"infinite expected move", func(o *domain.ModelOutput) { o.ExpectedMovePct = math.Inf(-1) }},
		{"NaN expected move", func(o *domain.ModelOutput) { o.ExpectedMovePct = math.NaN() }},
		{"empty policy hash", func(o *domain.ModelOutput) { o.PolicyHash = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := testOutput(asOf)
			tc.mutate(&out)
			_, _, err := writer.WriteSnapshot(ctx, out)
			assert.ErrorIs(t, err, domain.ErrInvalidSnapshotInput)
		})
	}

	n, err := repo.CountByStatus(ctx, domain.StatusPending)
	require.NoError(t, err)
	assert.Zero(t, n, "rejected outputs must not persist anything")
}

func TestWriter_WriteAll(t *testing.T) {
	db, cleanup := foretest.NewTestDB(t, "forecast")
	defer cleanup()

	asOf := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	good := testOutput(asOf)
	other := testOutput(asOf)
	other.Horizon = "30d"
	bad := testOutput(asOf)
	bad.Confidence = 1.5

	repo := NewRepository(db.Conn())
	writer := NewWriter(repo, &staticOutputs{outputs: []domain.ModelOutput{good, other, bad}},
		clock.NewManual(asOf), zerolog.Nop())

	summary, err := writer.WriteAll(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Written)
	assert.Equal(t, 0, summary.Duplicates)
	assert.Equal(t, 1, summary.Rejected)

	summary, err = writer.WriteAll(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Written)
	assert.Equal(t, 2, summary.Duplicates)
}

func TestRepository_Resolve(t *testing.T) {
	db, cleanup := foretest.NewTestDB(t, "forecast")
	defer cleanup()

	asOf := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := NewRepository(db.Conn())
	writer := NewWriter(repo, &staticOutputs{}, clock.NewManual(asOf), zerolog.Nop())
	ctx := context.Background()

	s, _, err := writer.WriteSnapshot(ctx, testOutput(asOf))
	require.NoError(t, err)

	eval := domain.Evaluation{
		State:      domain.StatusResolved,
		RealPrice:  68450.00,
		Result:     domain.ResultWin,
		Deviation:  0.0114,
		ResolvedAt: asOf.Add(7 * 24 * time.Hour),
	}

	t.Run("first resolve succeeds", func(t *testing.T) {
		require.NoError(t, repo.Resolve(ctx, s.Fingerprint, eval))

		stored, err := repo.Get(ctx, s.Fingerprint)
		require.NoError(t, err)
		assert.True(t, stored.Resolved())
		assert.Equal(t, domain.ResultWin, stored.Status.Result)
		assert.Equal(t, 68450.00, stored.Status.RealPrice)
	})

	t.Run("second resolve loses the compare-and-set", func(t *testing.T) {
		err := repo.Resolve(ctx, s.Fingerprint, eval)
		assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
	})

	t.Run("unknown fingerprint", func(t *testing.T) {
		err := repo.Resolve(ctx, "deadbeef", eval)
		assert.ErrorIs(t, err, domain.ErrSnapshotNotFound)
	})
}

func TestRepository_ListPending(t *testing.T) {
	db, cleanup := foretest.NewTestDB(t, "forecast")
	defer cleanup()

	repo := NewRepository(db.Conn())
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	for i, horizon := range []string{"7d", "14d", "30d"} {
		out := testOutput(base.Add(time.Duration(i) * time.Hour))
		out.Horizon = horizon
		writer := NewWriter(repo, &staticOutputs{}, clock.NewManual(out.AsOf), zerolog.Nop())
		_, _, err := writer.WriteSnapshot(ctx, out)
		require.NoError(t, err)
	}

	t.Run("only due snapshots, oldest first", func(t *testing.T) {
		due, err := repo.ListPending(ctx, base.Add(15*24*time.Hour), 50)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, "7d", due[0].Horizon)
		assert.Equal(t, "14d", due[1].Horizon)
	})

	t.Run("limit respected", func(t *testing.T) {
		due, err := repo.ListPending(ctx, base.Add(400*24*time.Hour), 1)
		require.NoError(t, err)
		assert.Len(t, due, 1)
	})

	t.Run("nothing due before resolve time", func(t *testing.T) {
		due, err := repo.ListPending(ctx, base.Add(time.Hour), 50)
		require.NoError(t, err)
		assert.Empty(t, due)
	})
}
