package pool

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/defistate/clboost/protocols/clboost"
	"github.com/defistate/clboost/protocols/clboost/calculator/fullmath"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) replica(t *testing.T) *Pool {
	t.Helper()
	p, err := New(&Config{
		ID:          7,
		TickSpacing: 1,
		Fee:         3000,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registry:    prometheus.NewRegistry(),
		Clock:       f.clock,
		Authorizer:  f.auth,
		VotingPower: f.votes,
	})
	require.NoError(t, err)
	return p
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t)
	f.initialize(t, 0)
	require.NoError(t, f.pool.IncreaseObservationCardinalityNext(4))
	_, _, err := f.pool.Mint(alice, nil, -100, 100, uint256.NewInt(1000), 1)
	require.NoError(t, err)
	_, _, err = f.pool.Mint(bob, nil, -50, 200, uint256.NewInt(3000), 2)
	require.NoError(t, err)
	f.clock.Advance(600)
	require.NoError(t, f.pool.AccrueFees(uint256.NewInt(5000), uint256.NewInt(7000)))
	_, _, err = f.pool.CrossTick(-50, true)
	require.NoError(t, err)
	f.clock.Set(11*Week + 30)
	_, _, err = f.pool.Burn(alice, nil, -100, 100, uint256.NewInt(400))
	require.NoError(t, err)

	encoded, err := json.Marshal(f.pool.Snapshot())
	require.NoError(t, err)
	var state State
	require.NoError(t, json.Unmarshal(encoded, &state))

	restored := f.replica(t)
	require.NoError(t, restored.Restore(&state))

	want, err := f.pool.View()
	require.NoError(t, err)
	got, err := restored.View()
	require.NoError(t, err)
	assert.True(t, clboost.Differ([]clboost.Pool{want}, []clboost.Pool{got}).IsEmpty())
	assert.Equal(t, f.pool.Slot0(), restored.Slot0())

	f.clock.Advance(120)
	for _, period := range []uint64{10, 11} {
		wantSecs, wantBoosted, err := f.pool.PositionPeriodSecondsInRange(period, bob, nil, -50, 200)
		require.NoError(t, err)
		gotSecs, gotBoosted, err := restored.PositionPeriodSecondsInRange(period, bob, nil, -50, 200)
		require.NoError(t, err)
		assert.Equal(t, wantSecs.String(), gotSecs.String())
		assert.Equal(t, wantBoosted.String(), gotBoosted.String())
	}

	wantTicks, _, _, err := f.pool.Observe([]uint32{0, 60, 700})
	require.NoError(t, err)
	gotTicks, _, _, err := restored.Observe([]uint32{0, 60, 700})
	require.NoError(t, err)
	assert.Equal(t, wantTicks, gotTicks)

	// the restored pool keeps operating on the restored bitmap
	_, _, err = restored.CrossTick(-50, false)
	require.NoError(t, err)
}

func TestRestore_Rejects(t *testing.T) {
	f := newFixture(t)
	f.initialize(t, 0)
	_, _, err := f.pool.Mint(alice, nil, -100, 100, uint256.NewInt(1000), 0)
	require.NoError(t, err)

	t.Run("state of another pool", func(t *testing.T) {
		state := f.pool.Snapshot()
		state.ID = 8
		require.ErrorIs(t, f.replica(t).Restore(state), ErrStateMismatch)
	})

	t.Run("tick without liquidity marked initialized", func(t *testing.T) {
		state := f.pool.Snapshot()
		state.Ticks[0].LiquidityGross.Clear()
		restored := f.replica(t)
		require.Error(t, restored.Restore(state))
		assert.False(t, restored.Slot0().Unlocked)
	})

	t.Run("missing running period", func(t *testing.T) {
		state := f.pool.Snapshot()
		state.Periods = nil
		require.Error(t, f.replica(t).Restore(state))
	})

	t.Run("observation accumulator beyond 160 bits", func(t *testing.T) {
		state := f.pool.Snapshot()
		state.Observations[0].SecondsPerLiquidityCumulativeX128.Lsh(uint256.NewInt(1), 160)
		restored := f.replica(t)
		require.ErrorIs(t, restored.Restore(state), fullmath.ErrArithmeticOverflow)
		assert.False(t, restored.Slot0().Unlocked)
	})

	t.Run("cardinality beyond observations", func(t *testing.T) {
		state := f.pool.Snapshot()
		state.Slot0.ObservationCardinality = 9
		require.Error(t, f.replica(t).Restore(state))
	})
}
