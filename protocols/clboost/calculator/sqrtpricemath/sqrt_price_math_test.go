package sqrtpricemath

import (
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/defistate/clboost/protocols/clboost/calculator/fullmath"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRandUint(bits int) *uint256.Int {
	max := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		panic(err)
	}
	v := uint256.MustFromBig(n)
	if v.IsZero() {
		v.SetOne()
	}
	return v
}

// encodePriceSqrt returns sqrt(reserve1/reserve0) * 2^96.
func encodePriceSqrt(reserve1, reserve0 int64) *uint256.Int {
	num := new(big.Int).Lsh(big.NewInt(reserve1), 192)
	num.Div(num, big.NewInt(reserve0))
	return uint256.MustFromBig(num.Sqrt(num))
}

func expandTo18(n int64) *uint256.Int {
	v := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return uint256.MustFromBig(v.Mul(v, big.NewInt(n)))
}

func TestGetAmount0Delta(t *testing.T) {
	t.Run("returns 0 if liquidity is 0", func(t *testing.T) {
		amount := new(uint256.Int)
		require.NoError(t, GetAmount0Delta(amount, encodePriceSqrt(1, 1), encodePriceSqrt(2, 1), new(uint256.Int), true))
		assert.True(t, amount.IsZero())
	})

	t.Run("returns 0 if prices are equal", func(t *testing.T) {
		amount := new(uint256.Int)
		require.NoError(t, GetAmount0Delta(amount, encodePriceSqrt(1, 1), encodePriceSqrt(1, 1), uint256.NewInt(1), true))
		assert.True(t, amount.IsZero())
	})

	t.Run("returns 0.1 amount1 for price of 1 to 1.21", func(t *testing.T) {
		amount := new(uint256.Int)
		require.NoError(t, GetAmount0Delta(amount, encodePriceSqrt(1, 1), encodePriceSqrt(121, 100), expandTo18(1), true))
		assert.Equal(t, "90909090909090910", amount.Dec())

		amountDown := new(uint256.Int)
		require.NoError(t, GetAmount0Delta(amountDown, encodePriceSqrt(1, 1), encodePriceSqrt(121, 100), expandTo18(1), false))
		assert.Equal(t, new(uint256.Int).SubUint64(amount, 1).Dec(), amountDown.Dec())
	})

	t.Run("zero price", func(t *testing.T) {
		err := GetAmount0Delta(new(uint256.Int), new(uint256.Int), encodePriceSqrt(1, 1), uint256.NewInt(1), true)
		assert.ErrorIs(t, err, ErrSqrtPriceZero)
	})
}

func TestGetAmount1Delta(t *testing.T) {
	t.Run("returns 0.1 amount1 for price of 1 to 1.21", func(t *testing.T) {
		amount := new(uint256.Int)
		require.NoError(t, GetAmount1Delta(amount, encodePriceSqrt(1, 1), encodePriceSqrt(121, 100), expandTo18(1), true))
		assert.Equal(t, "100000000000000000", amount.Dec())

		amountDown := new(uint256.Int)
		require.NoError(t, GetAmount1Delta(amountDown, encodePriceSqrt(1, 1), encodePriceSqrt(121, 100), expandTo18(1), false))
		assert.Equal(t, "99999999999999999", amountDown.Dec())
	})
}

func TestSignedDeltas(t *testing.T) {
	a := encodePriceSqrt(1, 1)
	b := encodePriceSqrt(121, 100)

	added, err := GetAmount1DeltaSigned(a, b, expandTo18(1).ToBig())
	require.NoError(t, err)
	assert.Equal(t, "100000000000000000", added.String())

	removed, err := GetAmount1DeltaSigned(a, b, new(big.Int).Neg(expandTo18(1).ToBig()))
	require.NoError(t, err)
	assert.Equal(t, "-99999999999999999", removed.String())

	added0, err := GetAmount0DeltaSigned(a, b, expandTo18(1).ToBig())
	require.NoError(t, err)
	removed0, err := GetAmount0DeltaSigned(a, b, new(big.Int).Neg(expandTo18(1).ToBig()))
	require.NoError(t, err)
	// rounding always favors the pool
	assert.True(t, new(big.Int).Add(added0, removed0).Sign() >= 0)

	_, err = GetAmount0DeltaSigned(a, b, new(big.Int).Lsh(big.NewInt(1), 128))
	assert.ErrorIs(t, err, fullmath.ErrArithmeticOverflow)
}

func TestAmountDeltas_Invariants(t *testing.T) {
	for i := 0; i < 1000; i++ {
		sqrtP := newRandUint(160)
		sqrtQ := newRandUint(160)
		liquidity := newRandUint(128)

		down, up := new(uint256.Int), new(uint256.Int)
		errDown := GetAmount0Delta(down, sqrtP, sqrtQ, liquidity, false)
		errUp := GetAmount0Delta(up, sqrtP, sqrtQ, liquidity, true)
		if errDown == nil && errUp == nil {
			assert.False(t, up.Lt(down))
			assert.True(t, new(uint256.Int).Sub(up, down).CmpUint64(2) < 0)
		}

		require.NoError(t, GetAmount1Delta(down, sqrtP, sqrtQ, liquidity, false))
		require.NoError(t, GetAmount1Delta(up, sqrtP, sqrtQ, liquidity, true))
		assert.False(t, up.Lt(down))
		assert.True(t, new(uint256.Int).Sub(up, down).CmpUint64(2) < 0)
	}
}
