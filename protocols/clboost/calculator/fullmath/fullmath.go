// Package fullmath implements 512-bit intermediate multiply-divide and the
// checked narrowing casts used by the accounting ledgers.
package fullmath

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	// ErrArithmeticOverflow is returned when a result does not fit its target width
	// or a division by zero is attempted.
	ErrArithmeticOverflow = errors.New("arithmetic overflow")

	maxUint256 = new(uint256.Int).SetAllOne()

	// MaxUint128 is 2^128 - 1.
	MaxUint128 = new(uint256.Int).Rsh(maxUint256, 128)
	// MaxUint160 is 2^160 - 1.
	MaxUint160 = new(uint256.Int).Rsh(maxUint256, 96)

	// Q32, Q96 and Q128 are the powers of two used by the fixed-point formats.
	Q32  = new(uint256.Int).Lsh(uint256.NewInt(1), 32)
	Q96  = new(uint256.Int).Lsh(uint256.NewInt(1), 96)
	Q128 = new(uint256.Int).Lsh(uint256.NewInt(1), 128)

	maxInt128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minInt128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	maxInt256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
)

// newtonIterations doubles the number of correct inverse bits each round,
// starting from 4 correct bits: 8, 16, 32, 64, 128, 256.
const newtonIterations = 6

// MulDiv writes floor(a*b/denominator) into dest. The product is held at full
// 512-bit precision so the result is exact whenever it fits in 256 bits.
func MulDiv(dest, a, b, denominator *uint256.Int) error {
	var prod0, prod1 uint256.Int
	mul512(&prod0, &prod1, a, b)

	if prod1.IsZero() {
		if denominator.IsZero() {
			return ErrArithmeticOverflow
		}
		dest.Div(&prod0, denominator)
		return nil
	}

	// The result must be smaller than 2^256; this also rules out a zero denominator.
	if !denominator.Gt(&prod1) {
		return ErrArithmeticOverflow
	}

	// Make the division exact by subtracting the remainder from [prod1 prod0].
	var remainder uint256.Int
	remainder.MulMod(a, b, denominator)
	if remainder.Gt(&prod0) {
		prod1.SubUint64(&prod1, 1)
	}
	prod0.Sub(&prod0, &remainder)

	// Factor the largest power of two out of the denominator.
	var twos, d uint256.Int
	twos.Neg(denominator)
	twos.And(&twos, denominator)
	d.Div(denominator, &twos)
	prod0.Div(&prod0, &twos)

	// Shift bits from prod1 into prod0: twos becomes 2^256 / twos.
	var flip uint256.Int
	flip.Neg(&twos)
	flip.Div(&flip, &twos)
	flip.AddUint64(&flip, 1)
	prod1.Mul(&prod1, &flip)
	prod0.Or(&prod0, &prod1)

	// d is odd now, so it has an inverse modulo 2^256.
	inv := inverse(&d)
	dest.Mul(&prod0, inv)
	return nil
}

// MulDivRoundingUp writes ceil(a*b/denominator) into dest.
func MulDivRoundingUp(dest, a, b, denominator *uint256.Int) error {
	var result uint256.Int
	if err := MulDiv(&result, a, b, denominator); err != nil {
		return err
	}
	var rem uint256.Int
	if !rem.MulMod(a, b, denominator).IsZero() {
		if result.Eq(maxUint256) {
			return ErrArithmeticOverflow
		}
		result.AddUint64(&result, 1)
	}
	dest.Set(&result)
	return nil
}

// DivRoundingUp writes ceil(x/y) into dest.
func DivRoundingUp(dest, x, y *uint256.Int) error {
	if y.IsZero() {
		return ErrArithmeticOverflow
	}
	var q, r uint256.Int
	q.DivMod(x, y, &r)
	if !r.IsZero() {
		q.AddUint64(&q, 1)
	}
	dest.Set(&q)
	return nil
}

// mul512 splits a*b into its low (prod0) and high (prod1) 256-bit halves.
func mul512(prod0, prod1, a, b *uint256.Int) {
	var mm uint256.Int
	mm.MulMod(a, b, maxUint256)
	prod0.Mul(a, b)
	borrow := mm.Lt(prod0)
	prod1.Sub(&mm, prod0)
	if borrow {
		prod1.SubUint64(prod1, 1)
	}
}

// inverse returns d^-1 mod 2^256 for odd d.
func inverse(d *uint256.Int) *uint256.Int {
	two := uint256.NewInt(2)

	// (3d) xor 2 is correct to four bits.
	inv := new(uint256.Int).Mul(d, uint256.NewInt(3))
	inv.Xor(inv, two)

	var t uint256.Int
	for i := 0; i < newtonIterations; i++ {
		t.Mul(d, inv)
		t.Sub(two, &t)
		inv.Mul(inv, &t)
	}
	return inv
}

// ToUint128 converts x to a uint256 after checking it fits in 128 bits.
func ToUint128(x *big.Int) (*uint256.Int, error) {
	if x.Sign() < 0 {
		return nil, ErrArithmeticOverflow
	}
	v, overflow := uint256.FromBig(x)
	if overflow || v.Gt(MaxUint128) {
		return nil, ErrArithmeticOverflow
	}
	return v, nil
}

// ToUint160 checks that x fits in 160 bits.
func ToUint160(x *uint256.Int) error {
	if x.Gt(MaxUint160) {
		return ErrArithmeticOverflow
	}
	return nil
}

// ToInt128 checks that x fits in a signed 128-bit integer.
func ToInt128(x *big.Int) error {
	if x.Cmp(maxInt128) > 0 || x.Cmp(minInt128) < 0 {
		return ErrArithmeticOverflow
	}
	return nil
}

// ToInt256 converts an unsigned value to a signed big.Int, failing when it
// would not fit in a signed 256-bit integer.
func ToInt256(x *uint256.Int) (*big.Int, error) {
	v := x.ToBig()
	if v.Cmp(maxInt256) > 0 {
		return nil, ErrArithmeticOverflow
	}
	return v, nil
}
