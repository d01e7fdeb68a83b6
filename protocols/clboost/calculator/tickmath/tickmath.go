package tickmath

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/defistate/clboost/protocols/clboost/calculator/bitmath"
	"github.com/holiman/uint256"
)

const (
	// MIN_TICK is the minimum tick that may be passed to GetSqrtRatioAtTick.
	MIN_TICK = int32(-887272)
	// MAX_TICK is the maximum tick that may be passed to GetSqrtRatioAtTick.
	MAX_TICK = int32(887272)
)

var (
	// MIN_SQRT_RATIO is the value returned by GetSqrtRatioAtTick(MIN_TICK).
	MIN_SQRT_RATIO = uint256.MustFromDecimal("4295128739")
	// MAX_SQRT_RATIO is the value returned by GetSqrtRatioAtTick(MAX_TICK).
	MAX_SQRT_RATIO = uint256.MustFromDecimal("1461446703485210103287273052203988822378723970342")

	// ErrPriceOutOfRange is the class of every tick or price domain failure.
	ErrPriceOutOfRange      = errors.New("price out of range")
	ErrTickOutOfBounds      = fmt.Errorf("%w: tick out of bounds", ErrPriceOutOfRange)
	ErrSqrtPriceOutOfBounds = fmt.Errorf("%w: sqrt price out of bounds", ErrPriceOutOfRange)

	one        = uint256.NewInt(1)
	maxUint256 = new(uint256.Int).SetAllOne()
	roundMask  = uint256.NewInt(0xffffffff)

	// ratioConstants[i] is 1/sqrt(1.0001^(2^i)) in Q128.128.
	ratioConstants = [20]*uint256.Int{
		uint256.MustFromHex("0xfffcb933bd6fad37aa2d162d1a594001"),
		uint256.MustFromHex("0xfff97272373d413259a46990580e213a"),
		uint256.MustFromHex("0xfff2e50f5f656932ef12357cf3c7fdcc"),
		uint256.MustFromHex("0xffe5caca7e10e4e61c3624eaa0941cd0"),
		uint256.MustFromHex("0xffcb9843d60f6159c9db58835c926644"),
		uint256.MustFromHex("0xff973b41fa98c081472e6896dfb254c0"),
		uint256.MustFromHex("0xff2ea16466c96a3843ec78b326b52861"),
		uint256.MustFromHex("0xfe5dee046a99a2a811c461f1969c3053"),
		uint256.MustFromHex("0xfcbe86c7900a88aedcffc83b479aa3a4"),
		uint256.MustFromHex("0xf987a7253ac413176f2b074cf7815e54"),
		uint256.MustFromHex("0xf3392b0822b70005940c7a398e4b70f3"),
		uint256.MustFromHex("0xe7159475a2c29b7443b29c7fa6e889d9"),
		uint256.MustFromHex("0xd097f3bdfd2022b8845ad8f792aa5825"),
		uint256.MustFromHex("0xa9f746462d870fdf8a65dc1f90e061e5"),
		uint256.MustFromHex("0x70d869a156d2a1b890bb3df62baf32f7"),
		uint256.MustFromHex("0x31be135f97d08fd981231505542fcfa6"),
		uint256.MustFromHex("0x9aa508b5b7a84e1c677de54f3e99bc9"),
		uint256.MustFromHex("0x5d6af8dedb81196699c329225ee604"),
		uint256.MustFromHex("0x2216e584f5fa1ea926041bedfe98"),
		uint256.MustFromHex("0x48a170391f7dc42444e8fa2"),
	}
	q128 = new(uint256.Int).Lsh(one, 128)

	// log_sqrt(1.0001)(2) in Q128.128, and the error bounds of the log2 estimate.
	logSqrt10001 = fromHex("0x3627a301d71055774c85")
	tickLowBias  = fromHex("0x28f6481ab7f045a5af012a19d003aaa")
	tickHighBias = fromHex("0xdb2df09e81959a81455e260799a0632f")
)

// log2FractionBits is the number of fractional log2 bits resolved by squaring.
// 14 bits keep the tick estimate within one of the true value.
const log2FractionBits = 14

type tickMath struct {
	ratio  *uint256.Int
	rem    *uint256.Int
	log2   *big.Int
	term   *big.Int
	scaled *big.Int
	bound  *uint256.Int
}

var pool = sync.Pool{
	New: func() any {
		return &tickMath{
			ratio:  new(uint256.Int),
			rem:    new(uint256.Int),
			log2:   new(big.Int),
			term:   new(big.Int),
			scaled: new(big.Int),
			bound:  new(uint256.Int),
		}
	},
}

// GetSqrtRatioAtTick writes sqrt(1.0001^tick) * 2^96 into dest, rounded up.
func GetSqrtRatioAtTick(dest *uint256.Int, tick int32) error {
	if tick < MIN_TICK || tick > MAX_TICK {
		return fmt.Errorf("%w: %d", ErrTickOutOfBounds, tick)
	}

	tm := pool.Get().(*tickMath)
	defer pool.Put(tm)
	tm.sqrtRatioAtTick(dest, tick)
	return nil
}

func (tm *tickMath) sqrtRatioAtTick(dest *uint256.Int, tick int32) {
	absTick := int64(tick)
	if absTick < 0 {
		absTick = -absTick
	}

	if absTick&0x1 != 0 {
		tm.ratio.Set(ratioConstants[0])
	} else {
		tm.ratio.Set(q128)
	}
	for i := 1; i < len(ratioConstants); i++ {
		if absTick&(1<<i) != 0 {
			tm.ratio.Mul(tm.ratio, ratioConstants[i]).Rsh(tm.ratio, 128)
		}
	}

	if tick > 0 {
		tm.ratio.Div(maxUint256, tm.ratio)
	}

	// Q128.128 -> Q64.96, rounding up so the result is never below the true ratio.
	tm.rem.And(tm.ratio, roundMask)
	tm.ratio.Rsh(tm.ratio, 32)
	if !tm.rem.IsZero() {
		tm.ratio.Add(tm.ratio, one)
	}
	dest.Set(tm.ratio)
}

// GetTickAtSqrtRatio returns the greatest tick such that
// GetSqrtRatioAtTick(tick) <= sqrtPriceX96.
func GetTickAtSqrtRatio(sqrtPriceX96 *uint256.Int) (int32, error) {
	if sqrtPriceX96.Lt(MIN_SQRT_RATIO) || !sqrtPriceX96.Lt(MAX_SQRT_RATIO) {
		return 0, fmt.Errorf("%w: %s", ErrSqrtPriceOutOfBounds, sqrtPriceX96.Dec())
	}

	tm := pool.Get().(*tickMath)
	defer pool.Put(tm)

	// ratio is the price in Q128.128; it fits because the input is below 2^160.
	tm.ratio.Lsh(sqrtPriceX96, 32)
	msb, err := bitmath.MostSignificantBit(tm.ratio)
	if err != nil {
		return 0, err
	}

	// Normalize to [2^127, 2^128).
	r := tm.rem
	if msb >= 128 {
		r.Rsh(tm.ratio, uint(msb-127))
	} else {
		r.Lsh(tm.ratio, uint(127-msb))
	}

	// Integer part of log2 in Q64.64.
	tm.log2.SetInt64(int64(msb) - 128)
	tm.log2.Lsh(tm.log2, 64)

	// Each squaring yields one more fractional bit.
	for i := 0; i < log2FractionBits; i++ {
		r.Mul(r, r).Rsh(r, 127)
		if r.BitLen() > 128 {
			tm.term.SetUint64(1)
			tm.term.Lsh(tm.term, uint(63-i))
			tm.log2.Add(tm.log2, tm.term)
			r.Rsh(r, 1)
		}
	}

	// log2 -> log_sqrt(1.0001), Q128.128.
	tm.scaled.Mul(tm.log2, logSqrt10001)

	tickLow := int32(tm.term.Rsh(tm.term.Sub(tm.scaled, tickLowBias), 128).Int64())
	tickHigh := int32(tm.term.Rsh(tm.term.Add(tm.scaled, tickHighBias), 128).Int64())

	if tickLow == tickHigh {
		return tickLow, nil
	}
	tm.sqrtRatioAtTick(tm.bound, tickHigh)
	if !tm.bound.Gt(sqrtPriceX96) {
		return tickHigh, nil
	}
	return tickLow, nil
}

func fromHex(s string) *big.Int {
	n, _ := new(big.Int).SetString(s[2:], 16)
	return n
}
