package liquiditymath

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddDelta(t *testing.T) {
	max128 := uint256.MustFromBig(maxUint128)

	testCases := []struct {
		name        string
		x           *uint256.Int
		y           *big.Int
		expected    *uint256.Int
		expectedErr error
	}{
		{"1 + 0", uint256.NewInt(1), big.NewInt(0), uint256.NewInt(1), nil},
		{"1 + -1", uint256.NewInt(1), big.NewInt(-1), uint256.NewInt(0), nil},
		{"1 + 1", uint256.NewInt(1), big.NewInt(1), uint256.NewInt(2), nil},
		{"max + 0", max128, big.NewInt(0), max128, nil},
		{"max + 1 overflows", max128, big.NewInt(1), nil, ErrLiquidityOverflow},
		{"0 + -1 underflows", uint256.NewInt(0), big.NewInt(-1), nil, ErrLiquidityUnderflow},
		{"3 + -4 underflows", uint256.NewInt(3), big.NewInt(-4), nil, ErrLiquidityUnderflow},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dest := uint256.NewInt(42)
			err := AddDelta(dest, tc.x, tc.y)
			if tc.expectedErr != nil {
				assert.ErrorIs(t, err, tc.expectedErr)
				assert.Equal(t, uint64(42), dest.Uint64(), "dest must not change on error")
				return
			}
			require.NoError(t, err)
			assert.True(t, tc.expected.Eq(dest))
		})
	}

	t.Run("overflow and underflow are distinct", func(t *testing.T) {
		assert.NotErrorIs(t, ErrLiquidityOverflow, ErrLiquidityUnderflow)
	})
}
