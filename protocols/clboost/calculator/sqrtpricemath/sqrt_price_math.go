// Package sqrtpricemath converts liquidity over a price range into token amounts.
package sqrtpricemath

import (
	"errors"
	"math/big"
	"sync"

	"github.com/defistate/clboost/protocols/clboost/calculator/fullmath"
	"github.com/holiman/uint256"
)

var (
	// Resolution is the number of fractional bits in the Q64.96 format.
	Resolution = uint(96)

	ErrSqrtPriceZero = errors.New("sqrt price must be greater than zero")
)

// SqrtPriceMath holds reusable scratch values. Instances are managed by a
// sync.Pool for safe concurrent use.
type SqrtPriceMath struct {
	numerator1 uint256.Int
	numerator2 uint256.Int
	term       uint256.Int
	amount     uint256.Int
}

var pool = sync.Pool{
	New: func() any { return new(SqrtPriceMath) },
}

// GetAmount0Delta writes liquidity * (sqrtB - sqrtA) / (sqrtA * sqrtB) into dest,
// the token0 amount spanned by liquidity between the two prices.
func GetAmount0Delta(dest, sqrtRatioAX96, sqrtRatioBX96, liquidity *uint256.Int, roundUp bool) error {
	s := pool.Get().(*SqrtPriceMath)
	defer pool.Put(s)
	return s.getAmount0Delta(dest, sqrtRatioAX96, sqrtRatioBX96, liquidity, roundUp)
}

// GetAmount1Delta writes liquidity * (sqrtB - sqrtA) into dest, the token1
// amount spanned by liquidity between the two prices.
func GetAmount1Delta(dest, sqrtRatioAX96, sqrtRatioBX96, liquidity *uint256.Int, roundUp bool) error {
	s := pool.Get().(*SqrtPriceMath)
	defer pool.Put(s)
	return s.getAmount1Delta(dest, sqrtRatioAX96, sqrtRatioBX96, liquidity, roundUp)
}

// GetAmount0DeltaSigned returns the signed token0 amount for a signed
// liquidity delta. Adding liquidity rounds up (owed to the pool), removing
// rounds down (paid by the pool).
func GetAmount0DeltaSigned(sqrtRatioAX96, sqrtRatioBX96 *uint256.Int, liquidity *big.Int) (*big.Int, error) {
	s := pool.Get().(*SqrtPriceMath)
	defer pool.Put(s)
	return s.signed(sqrtRatioAX96, sqrtRatioBX96, liquidity, s.getAmount0Delta)
}

// GetAmount1DeltaSigned is the token1 counterpart of GetAmount0DeltaSigned.
func GetAmount1DeltaSigned(sqrtRatioAX96, sqrtRatioBX96 *uint256.Int, liquidity *big.Int) (*big.Int, error) {
	s := pool.Get().(*SqrtPriceMath)
	defer pool.Put(s)
	return s.signed(sqrtRatioAX96, sqrtRatioBX96, liquidity, s.getAmount1Delta)
}

type amountFunc func(dest, sqrtRatioAX96, sqrtRatioBX96, liquidity *uint256.Int, roundUp bool) error

func (s *SqrtPriceMath) signed(sqrtRatioAX96, sqrtRatioBX96 *uint256.Int, liquidity *big.Int, fn amountFunc) (*big.Int, error) {
	negative := liquidity.Sign() < 0
	abs := new(big.Int).Abs(liquidity)
	l, err := fullmath.ToUint128(abs)
	if err != nil {
		return nil, err
	}

	if err := fn(&s.amount, sqrtRatioAX96, sqrtRatioBX96, l, !negative); err != nil {
		return nil, err
	}
	out, err := fullmath.ToInt256(&s.amount)
	if err != nil {
		return nil, err
	}
	if negative {
		out.Neg(out)
	}
	return out, nil
}

func (s *SqrtPriceMath) getAmount0Delta(dest, sqrtRatioAX96, sqrtRatioBX96, liquidity *uint256.Int, roundUp bool) error {
	if sqrtRatioAX96.Gt(sqrtRatioBX96) {
		sqrtRatioAX96, sqrtRatioBX96 = sqrtRatioBX96, sqrtRatioAX96
	}
	if sqrtRatioAX96.IsZero() {
		return ErrSqrtPriceZero
	}

	s.numerator1.Lsh(liquidity, Resolution)
	s.numerator2.Sub(sqrtRatioBX96, sqrtRatioAX96)

	if roundUp {
		if err := fullmath.MulDivRoundingUp(&s.term, &s.numerator1, &s.numerator2, sqrtRatioBX96); err != nil {
			return err
		}
		return fullmath.DivRoundingUp(dest, &s.term, sqrtRatioAX96)
	}
	if err := fullmath.MulDiv(&s.term, &s.numerator1, &s.numerator2, sqrtRatioBX96); err != nil {
		return err
	}
	dest.Div(&s.term, sqrtRatioAX96)
	return nil
}

func (s *SqrtPriceMath) getAmount1Delta(dest, sqrtRatioAX96, sqrtRatioBX96, liquidity *uint256.Int, roundUp bool) error {
	if sqrtRatioAX96.Gt(sqrtRatioBX96) {
		sqrtRatioAX96, sqrtRatioBX96 = sqrtRatioBX96, sqrtRatioAX96
	}

	s.numerator1.Sub(sqrtRatioBX96, sqrtRatioAX96)
	if roundUp {
		return fullmath.MulDivRoundingUp(dest, liquidity, &s.numerator1, fullmath.Q96)
	}
	return fullmath.MulDiv(dest, liquidity, &s.numerator1, fullmath.Q96)
}
