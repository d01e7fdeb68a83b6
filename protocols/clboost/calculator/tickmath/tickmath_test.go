package tickmath

import (
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodePriceSqrt returns sqrt(reserve1/reserve0) * 2^96.
func encodePriceSqrt(reserve1, reserve0 int64) *uint256.Int {
	num := new(big.Int).Lsh(big.NewInt(reserve1), 192)
	num.Div(num, big.NewInt(reserve0))
	return uint256.MustFromBig(num.Sqrt(num))
}

func TestGetSqrtRatioAtTick(t *testing.T) {
	t.Run("throws for too low", func(t *testing.T) {
		err := GetSqrtRatioAtTick(new(uint256.Int), MIN_TICK-1)
		assert.ErrorIs(t, err, ErrTickOutOfBounds)
		assert.ErrorIs(t, err, ErrPriceOutOfRange)
	})

	t.Run("throws for too high", func(t *testing.T) {
		err := GetSqrtRatioAtTick(new(uint256.Int), MAX_TICK+1)
		assert.ErrorIs(t, err, ErrTickOutOfBounds)
	})

	t.Run("min tick", func(t *testing.T) {
		sqrtP := new(uint256.Int)
		require.NoError(t, GetSqrtRatioAtTick(sqrtP, MIN_TICK))
		assert.True(t, sqrtP.Eq(MIN_SQRT_RATIO))
	})

	t.Run("max tick", func(t *testing.T) {
		sqrtP := new(uint256.Int)
		require.NoError(t, GetSqrtRatioAtTick(sqrtP, MAX_TICK))
		assert.True(t, sqrtP.Eq(MAX_SQRT_RATIO))
	})

	t.Run("tick zero is 2^96", func(t *testing.T) {
		sqrtP := new(uint256.Int)
		require.NoError(t, GetSqrtRatioAtTick(sqrtP, 0))
		assert.Equal(t, new(uint256.Int).Lsh(one, 96).Dec(), sqrtP.Dec())
	})

	t.Run("strictly increasing", func(t *testing.T) {
		prev := new(uint256.Int)
		cur := new(uint256.Int)
		for _, tick := range []int32{-887272, -500000, -60, -1, 0, 1, 60, 500000, 887272} {
			require.NoError(t, GetSqrtRatioAtTick(cur, tick))
			assert.True(t, cur.Gt(prev), "tick %d", tick)
			prev.Set(cur)
		}
	})
}

func TestGetTickAtSqrtRatio(t *testing.T) {
	t.Run("throws for too low", func(t *testing.T) {
		_, err := GetTickAtSqrtRatio(new(uint256.Int).SubUint64(MIN_SQRT_RATIO, 1))
		assert.ErrorIs(t, err, ErrSqrtPriceOutOfBounds)
		assert.ErrorIs(t, err, ErrPriceOutOfRange)
	})

	t.Run("throws for too high", func(t *testing.T) {
		_, err := GetTickAtSqrtRatio(MAX_SQRT_RATIO)
		assert.ErrorIs(t, err, ErrSqrtPriceOutOfBounds)
	})

	t.Run("ratio of min tick", func(t *testing.T) {
		tick, err := GetTickAtSqrtRatio(MIN_SQRT_RATIO)
		require.NoError(t, err)
		assert.Equal(t, MIN_TICK, tick)
	})

	t.Run("ratio closest to max tick", func(t *testing.T) {
		tick, err := GetTickAtSqrtRatio(new(uint256.Int).SubUint64(MAX_SQRT_RATIO, 1))
		require.NoError(t, err)
		assert.Equal(t, MAX_TICK-1, tick)
	})

	ratios := []struct {
		name  string
		ratio *uint256.Int
	}{
		{"MIN_SQRT_RATIO", MIN_SQRT_RATIO},
		{"1e12:1", encodePriceSqrt(1_000_000_000_000, 1)},
		{"1e6:1", encodePriceSqrt(1_000_000, 1)},
		{"1:64", encodePriceSqrt(1, 64)},
		{"1:8", encodePriceSqrt(1, 8)},
		{"1:2", encodePriceSqrt(1, 2)},
		{"1:1", encodePriceSqrt(1, 1)},
		{"2:1", encodePriceSqrt(2, 1)},
		{"8:1", encodePriceSqrt(8, 1)},
		{"64:1", encodePriceSqrt(64, 1)},
		{"1:1e6", encodePriceSqrt(1, 1_000_000)},
		{"1:1e12", encodePriceSqrt(1, 1_000_000_000_000)},
		{"MAX_SQRT_RATIO-1", new(uint256.Int).SubUint64(MAX_SQRT_RATIO, 1)},
	}

	for _, tc := range ratios {
		t.Run(tc.name, func(t *testing.T) {
			tick, err := GetTickAtSqrtRatio(tc.ratio)
			require.NoError(t, err)

			ratioOfTick := new(uint256.Int)
			require.NoError(t, GetSqrtRatioAtTick(ratioOfTick, tick))
			ratioOfTickPlusOne := new(uint256.Int)
			require.NoError(t, GetSqrtRatioAtTick(ratioOfTickPlusOne, tick+1))

			// ratioOfTick <= ratio < ratioOfTickPlusOne
			assert.False(t, tc.ratio.Lt(ratioOfTick))
			assert.True(t, tc.ratio.Lt(ratioOfTickPlusOne))
		})
	}
}

func randomTick(t *testing.T) int32 {
	span := big.NewInt(int64(MAX_TICK) - int64(MIN_TICK))
	offset, err := rand.Int(rand.Reader, span)
	require.NoError(t, err)
	return MIN_TICK + int32(offset.Int64())
}

func TestInvariants_RoundTrip(t *testing.T) {
	for i := 0; i < 1000; i++ {
		tick := randomTick(t)

		sqrtP := new(uint256.Int)
		require.NoError(t, GetSqrtRatioAtTick(sqrtP, tick))

		got, err := GetTickAtSqrtRatio(sqrtP)
		require.NoError(t, err)
		assert.Equal(t, tick, got, "tick %d -> sqrtP %s -> tick %d", tick, sqrtP.Dec(), got)
	}
}

func TestInvariants_PricesBetweenTicks(t *testing.T) {
	for i := 0; i < 500; i++ {
		tick := randomTick(t)

		lower, upper := new(uint256.Int), new(uint256.Int)
		require.NoError(t, GetSqrtRatioAtTick(lower, tick))
		require.NoError(t, GetSqrtRatioAtTick(upper, tick+1))

		width := new(uint256.Int).Sub(upper, lower)
		offset, err := rand.Int(rand.Reader, width.ToBig())
		require.NoError(t, err)
		price := new(uint256.Int).Add(lower, uint256.MustFromBig(offset))

		got, err := GetTickAtSqrtRatio(price)
		require.NoError(t, err)
		assert.Equal(t, tick, got)
	}
}
