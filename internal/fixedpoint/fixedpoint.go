// Package fixedpoint implements the checked integer arithmetic used by the
// ledger. Amounts, prices and annual rates are 64-bit integers scaled by
// Decimals; reward accumulators are 256-bit integers scaled by Scale.
// Intermediates are widened to 256 bits so that only the final result can
// overflow, and every overflow, underflow or division by zero is reported as
// an error wrapping ErrArithmetic.
package fixedpoint

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// Decimals is the scale of amounts, prices and rates (1e9 == 1.0).
	Decimals uint64 = 1_000_000_000
	// PercentBase is the denominator of percentage ratios.
	PercentBase uint64 = 100
	// SecondsPerYear is the accrual year length.
	SecondsPerYear uint64 = 31_536_000
)

var (
	// ErrArithmetic is the fault kind shared by all arithmetic failures.
	ErrArithmetic = errors.New("arithmetic fault")
	// ErrOverflow reports a result that does not fit its type.
	ErrOverflow = fmt.Errorf("%w: overflow", ErrArithmetic)
	// ErrUnderflow reports a subtraction below zero.
	ErrUnderflow = fmt.Errorf("%w: underflow", ErrArithmetic)
	// ErrDivisionByZero reports a zero divisor.
	ErrDivisionByZero = fmt.Errorf("%w: division by zero", ErrArithmetic)
)

// Scale is the 1e18 precision used by per-unit reward accumulators.
var Scale = *uint256.NewInt(1_000_000_000_000_000_000)

// Add returns a+b.
func Add(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, fmt.Errorf("add %d + %d: %w", a, b, ErrOverflow)
	}
	return sum, nil
}

// Sub returns a-b.
func Sub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, fmt.Errorf("sub %d - %d: %w", a, b, ErrUnderflow)
	}
	return a - b, nil
}

// SubFloor returns a-b clamped at zero.
func SubFloor(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

// Mul returns a*b.
func Mul(a, b uint64) (uint64, error) {
	product, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if overflow || !product.IsUint64() {
		return 0, fmt.Errorf("mul %d * %d: %w", a, b, ErrOverflow)
	}
	return product.Uint64(), nil
}

// MulDiv returns floor(a*b/d) with a 256-bit intermediate product.
func MulDiv(a, b, d uint64) (uint64, error) {
	return MulMulDiv(a, b, 1, d)
}

// MulMulDiv returns floor(a*b*c/d) with a 256-bit intermediate product.
func MulMulDiv(a, b, c, d uint64) (uint64, error) {
	if d == 0 {
		return 0, ErrDivisionByZero
	}
	num := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	num.Mul(num, uint256.NewInt(c)) // three 64-bit factors fit in 256 bits
	q := num.Div(num, uint256.NewInt(d))
	if !q.IsUint64() {
		return 0, fmt.Errorf("muldiv %d*%d*%d/%d: %w", a, b, c, d, ErrOverflow)
	}
	return q.Uint64(), nil
}

// Percent returns floor(amount*pct/100).
func Percent(amount, pct uint64) (uint64, error) {
	return MulDiv(amount, pct, PercentBase)
}

// Value converts a collateral amount to debt units at price.
func Value(collateral, price uint64) (uint64, error) {
	return MulDiv(collateral, price, Decimals)
}

// RatioPercent returns floor(value*100/debt). Callers must guard debt == 0.
func RatioPercent(value, debt uint64) (uint64, error) {
	return MulDiv(value, PercentBase, debt)
}

// PerUnit returns floor(amount*Scale/total), the accumulator increment for
// distributing amount over total units.
func PerUnit(amount, total uint64) (uint256.Int, error) {
	if total == 0 {
		return uint256.Int{}, ErrDivisionByZero
	}
	num, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(amount), &Scale)
	if overflow {
		return uint256.Int{}, fmt.Errorf("per unit %d: %w", amount, ErrOverflow)
	}
	return *num.Div(num, uint256.NewInt(total)), nil
}

// Share returns floor(units*delta/Scale), a holder's part of an accumulator
// delta.
func Share(units uint64, delta uint256.Int) (uint64, error) {
	q, overflow := new(uint256.Int).MulDivOverflow(uint256.NewInt(units), &delta, &Scale)
	if overflow || !q.IsUint64() {
		return 0, fmt.Errorf("share of %d units: %w", units, ErrOverflow)
	}
	return q.Uint64(), nil
}

// AddScaled returns a+b for accumulator values.
func AddScaled(a, b uint256.Int) (uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(&a, &b)
	if overflow {
		return uint256.Int{}, fmt.Errorf("accumulator add: %w", ErrOverflow)
	}
	return *sum, nil
}

// SubScaled returns a-b for accumulator values.
func SubScaled(a, b uint256.Int) (uint256.Int, error) {
	diff, underflow := new(uint256.Int).SubOverflow(&a, &b)
	if underflow {
		return uint256.Int{}, fmt.Errorf("accumulator sub: %w", ErrUnderflow)
	}
	return *diff, nil
}
