package fixedpoint

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const decimalsExp int32 = 9

// ToDecimal renders a scaled amount as a decimal value.
func ToDecimal(amount uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -decimalsExp)
}

// FromDecimal converts a decimal value to a scaled amount, truncating digits
// beyond the ninth decimal place.
func FromDecimal(d decimal.Decimal) (uint64, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("negative amount %s: %w", d.String(), ErrUnderflow)
	}
	scaled := d.Shift(decimalsExp).Truncate(0).BigInt()
	if !scaled.IsUint64() {
		return 0, fmt.Errorf("amount %s: %w", d.String(), ErrOverflow)
	}
	return scaled.Uint64(), nil
}

// ParseAmount parses a human readable amount such as "100.5".
func ParseAmount(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// Format renders a scaled amount with trailing zeros trimmed.
func Format(amount uint64) string {
	return ToDecimal(amount).String()
}

// FormatScaled renders a 1e18-scaled accumulator value.
func FormatScaled(v uint256.Int) string {
	return decimal.NewFromBigInt(v.ToBig(), -18).String()
}
