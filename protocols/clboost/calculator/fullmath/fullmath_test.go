package fullmath

import (
	"crypto/rand"
	"math/big"
	"testing"

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
	return uint256.MustFromBig(n)
}

func pow2(n uint) *uint256.Int {
	return new(uint256.Int).Lsh(uint256.NewInt(1), n)
}

func TestMulDiv(t *testing.T) {
	testCases := []struct {
		name        string
		a, b, d     *uint256.Int
		expected    *uint256.Int
		expectedErr error
	}{
		{
			name:     "small values",
			a:        uint256.NewInt(6),
			b:        uint256.NewInt(7),
			d:        uint256.NewInt(4),
			expected: uint256.NewInt(10),
		},
		{
			// 2^255 * 3 / 2 = 3 * 2^254 fits in 256 bits, so it is exact.
			// The overflow cases below are (2^255, 4, 2) and (2^255, 3, 1).
			name:     "product wider than 256 bits",
			a:        pow2(255),
			b:        uint256.NewInt(3),
			d:        uint256.NewInt(2),
			expected: new(uint256.Int).Mul(pow2(254), uint256.NewInt(3)),
		},
		{
			name:     "q128 by q128 over q128",
			a:        Q128,
			b:        Q128,
			d:        Q128,
			expected: Q128,
		},
		{
			name:     "max over max",
			a:        maxUint256,
			b:        maxUint256,
			d:        maxUint256,
			expected: maxUint256,
		},
		{
			name:        "result exceeds 256 bits",
			a:           pow2(255),
			b:           uint256.NewInt(4),
			d:           uint256.NewInt(2),
			expectedErr: ErrArithmeticOverflow,
		},
		{
			name:        "result exceeds 256 bits with unit denominator",
			a:           pow2(255),
			b:           uint256.NewInt(3),
			d:           uint256.NewInt(1),
			expectedErr: ErrArithmeticOverflow,
		},
		{
			name:        "zero denominator",
			a:           uint256.NewInt(6),
			b:           uint256.NewInt(7),
			d:           new(uint256.Int),
			expectedErr: ErrArithmeticOverflow,
		},
		{
			name:        "zero denominator with wide product",
			a:           maxUint256,
			b:           maxUint256,
			d:           new(uint256.Int),
			expectedErr: ErrArithmeticOverflow,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := new(uint256.Int)
			err := MulDiv(result, tc.a, tc.b, tc.d)
			if tc.expectedErr != nil {
				require.ErrorIs(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected.Dec(), result.Dec())
		})
	}
}

// Compares against math/big on random operands, which is the reference for exactness.
func TestMulDiv_MatchesBigInt(t *testing.T) {
	for i := 0; i < 2000; i++ {
		a := newRandUint(256)
		b := newRandUint(256)
		d := newRandUint(256)
		if d.IsZero() {
			d.SetOne()
		}

		want := new(big.Int).Mul(a.ToBig(), b.ToBig())
		want.Div(want, d.ToBig())

		got := new(uint256.Int)
		err := MulDiv(got, a, b, d)
		if want.BitLen() > 256 {
			require.ErrorIs(t, err, ErrArithmeticOverflow)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, want.String(), got.Dec())
	}
}

func TestMulDivRoundingUp(t *testing.T) {
	t.Run("exact division does not round", func(t *testing.T) {
		r := new(uint256.Int)
		require.NoError(t, MulDivRoundingUp(r, uint256.NewInt(6), uint256.NewInt(4), uint256.NewInt(3)))
		assert.Equal(t, uint64(8), r.Uint64())
	})

	t.Run("remainder rounds up", func(t *testing.T) {
		r := new(uint256.Int)
		require.NoError(t, MulDivRoundingUp(r, uint256.NewInt(6), uint256.NewInt(7), uint256.NewInt(4)))
		assert.Equal(t, uint64(11), r.Uint64())
	})

	t.Run("rounding past max fails", func(t *testing.T) {
		// max*max/(max-1) floors to max and has a remainder.
		d := new(uint256.Int).SubUint64(maxUint256, 1)
		err := MulDivRoundingUp(new(uint256.Int), maxUint256, maxUint256, d)
		require.ErrorIs(t, err, ErrArithmeticOverflow)
	})

	t.Run("invariant: up minus down is at most one", func(t *testing.T) {
		for i := 0; i < 500; i++ {
			a := newRandUint(200)
			b := newRandUint(200)
			d := newRandUint(160)
			if d.IsZero() {
				d.SetOne()
			}
			down, up := new(uint256.Int), new(uint256.Int)
			errDown := MulDiv(down, a, b, d)
			errUp := MulDivRoundingUp(up, a, b, d)
			if errDown != nil || errUp != nil {
				continue
			}
			diff := new(uint256.Int).Sub(up, down)
			assert.True(t, diff.CmpUint64(1) <= 0)
		}
	})
}

func TestDivRoundingUp(t *testing.T) {
	r := new(uint256.Int)
	require.NoError(t, DivRoundingUp(r, uint256.NewInt(7), uint256.NewInt(2)))
	assert.Equal(t, uint64(4), r.Uint64())

	require.NoError(t, DivRoundingUp(r, uint256.NewInt(8), uint256.NewInt(2)))
	assert.Equal(t, uint64(4), r.Uint64())

	require.ErrorIs(t, DivRoundingUp(r, uint256.NewInt(8), new(uint256.Int)), ErrArithmeticOverflow)
}

func TestSafeCasts(t *testing.T) {
	max128 := MaxUint128.ToBig()

	v, err := ToUint128(max128)
	require.NoError(t, err)
	assert.True(t, v.Eq(MaxUint128))

	_, err = ToUint128(new(big.Int).Add(max128, big.NewInt(1)))
	assert.ErrorIs(t, err, ErrArithmeticOverflow)

	_, err = ToUint128(big.NewInt(-1))
	assert.ErrorIs(t, err, ErrArithmeticOverflow)

	assert.NoError(t, ToInt128(maxInt128))
	assert.NoError(t, ToInt128(minInt128))
	assert.ErrorIs(t, ToInt128(new(big.Int).Add(maxInt128, big.NewInt(1))), ErrArithmeticOverflow)
	assert.ErrorIs(t, ToInt128(new(big.Int).Sub(minInt128, big.NewInt(1))), ErrArithmeticOverflow)

	assert.NoError(t, ToUint160(MaxUint160))
	assert.ErrorIs(t, ToUint160(pow2(160)), ErrArithmeticOverflow)

	_, err = ToInt256(maxUint256)
	assert.ErrorIs(t, err, ErrArithmeticOverflow)
	s, err := ToInt256(pow2(254))
	require.NoError(t, err)
	assert.Equal(t, 255, s.BitLen())
}
