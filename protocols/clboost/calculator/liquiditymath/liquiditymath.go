package liquiditymath

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	// maxUint128 is the maximum value for a uint128 (2^128 - 1).
	maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

	ErrLiquidityOverflow  = errors.New("liquidity overflow")
	ErrLiquidityUnderflow = errors.New("liquidity underflow")
)

// AddDelta adds a signed delta to an unsigned 128-bit liquidity value.
// dest is left untouched when an error is returned.
func AddDelta(dest *uint256.Int, x *uint256.Int, y *big.Int) error {
	sum := x.ToBig()
	sum.Add(sum, y)

	if sum.Sign() < 0 {
		return ErrLiquidityUnderflow
	}
	if sum.Cmp(maxUint128) > 0 {
		return ErrLiquidityOverflow
	}

	dest.SetFromBig(sum)
	return nil
}
