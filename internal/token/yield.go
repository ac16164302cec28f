package token

import "cdp-ledger/internal/fixedpoint"

// Yield tracks the exchange rate of a yield-bearing token against its
// underlying asset. The rate starts at Base and grows by simple interest at
// AnnualRate (a Decimals fraction) from Since. A zero Yield is a 1:1 token.
type Yield struct {
	AnnualRate uint64
	Base       uint64
	Since      uint64
}

// StartYield makes the token accrue value at annualRate from now on, starting
// from a 1:1 rate.
func (l *Ledger) StartYield(annualRate, now uint64) {
	l.yield.Set(Yield{AnnualRate: annualRate, Base: fixedpoint.Decimals, Since: now})
}

// Yield returns the exchange-rate parameters.
func (l *Ledger) Yield() Yield { return l.yield.Get() }

// ExchangeRate returns how much underlying one whole token is worth at now.
func (l *Ledger) ExchangeRate(now uint64) (uint64, error) {
	y := l.yield.Get()
	if y.Base == 0 {
		return fixedpoint.Decimals, nil
	}
	if now <= y.Since || y.AnnualRate == 0 {
		return y.Base, nil
	}
	growth, err := fixedpoint.MulMulDiv(y.Base, y.AnnualRate, now-y.Since, fixedpoint.Decimals*fixedpoint.SecondsPerYear)
	if err != nil {
		return 0, err
	}
	return fixedpoint.Add(y.Base, growth)
}

// UnderlyingValue converts amount of the token into the underlying asset.
func (l *Ledger) UnderlyingValue(amount, now uint64) (uint64, error) {
	rate, err := l.ExchangeRate(now)
	if err != nil {
		return 0, err
	}
	return fixedpoint.MulDiv(amount, rate, fixedpoint.Decimals)
}

// AmountFor converts an underlying amount into tokens, rounding down.
func (l *Ledger) AmountFor(underlying, now uint64) (uint64, error) {
	rate, err := l.ExchangeRate(now)
	if err != nil {
		return 0, err
	}
	return fixedpoint.MulDiv(underlying, fixedpoint.Decimals, rate)
}
