package protocol

import (
	"github.com/ethereum/go-ethereum/common"

	"cdp-ledger/internal/stabilitypool"
	"cdp-ledger/internal/trove"
)

// Status is a summary of the whole protocol at one instant.
type Status struct {
	Time       uint64
	Price      uint64
	Twap       uint64
	LastUpdate uint64
	Stale      bool

	Totals   trove.Totals
	Reserves trove.Reserves
	// TotalCollateralRatio is zero when the price is unavailable.
	TotalCollateralRatio uint64
	RedemptionFeeRate    uint64

	Pool       stabilitypool.Globals
	Depositors int

	CollateralSupply uint64
	DebtSupply       uint64

	// CollateralExchangeRate is the underlying value of one collateral token.
	CollateralExchangeRate uint64
}

// Status reports the current protocol summary.
func (p *Protocol) Status() Status {
	var st Status
	p.view(func(now uint64) {
		st = Status{
			Time:              now,
			Price:             p.oracle.LastPrice(),
			LastUpdate:        p.oracle.LastUpdate(),
			Stale:             p.oracle.IsStale(now),
			Totals:            p.troves.Totals(),
			Reserves:          p.troves.Reserves(),
			RedemptionFeeRate: p.troves.RedemptionFeeRate(),
			Pool:              p.pool.Globals(),
			Depositors:        p.pool.Depositors(),
			CollateralSupply:  p.collateral.TotalSupply(),
			DebtSupply:        p.debt.TotalSupply(),
		}
		st.Twap = p.oracle.Export().Twap
		if rate, err := p.collateral.ExchangeRate(now); err == nil {
			st.CollateralExchangeRate = rate
		}
		if tcr, err := p.troves.TotalCollateralRatio(now); err == nil {
			st.TotalCollateralRatio = tcr
		}
	})
	return st
}

// TroveView is a trove together with its live figures.
type TroveView struct {
	Owner       common.Address
	Trove       trove.Trove
	CurrentDebt uint64
	// Ratio is zero when the price is unavailable.
	Ratio        uint64
	Liquidatable bool
}

// Trove reports owner's trove. The zero trove is returned for owners
// without one.
func (p *Protocol) Trove(owner common.Address) TroveView {
	var v TroveView
	p.view(func(now uint64) {
		v = p.troveView(owner, now)
	})
	return v
}

// Troves reports every active trove ordered by owner.
func (p *Protocol) Troves() []TroveView {
	var out []TroveView
	p.view(func(now uint64) {
		for _, owner := range p.troves.ActiveOwners() {
			out = append(out, p.troveView(owner, now))
		}
	})
	return out
}

func (p *Protocol) troveView(owner common.Address, now uint64) TroveView {
	v := TroveView{Owner: owner, Trove: p.troves.Trove(owner)}
	if !v.Trove.Active {
		return v
	}
	if d, err := p.troves.CurrentDebt(owner, now); err == nil {
		v.CurrentDebt = d
	}
	if r, err := p.troves.CollateralRatio(owner, now); err == nil {
		v.Ratio = r
	}
	if ok, err := p.troves.IsLiquidatable(owner, now); err == nil {
		v.Liquidatable = ok
	}
	return v
}

// DepositView is a stability pool position with its unsettled gains.
type DepositView struct {
	Depositor common.Address
	Deposit   stabilitypool.Deposit
	Pending   stabilitypool.Settlement
}

// DepositOf reports depositor's stability pool position.
func (p *Protocol) DepositOf(depositor common.Address) (DepositView, error) {
	var (
		v   DepositView
		err error
	)
	p.view(func(uint64) {
		v = DepositView{Depositor: depositor, Deposit: p.pool.DepositOf(depositor)}
		v.Pending, err = p.pool.Pending(depositor)
	})
	return v, err
}

// BalanceOf reports account's balance of asset.
func (p *Protocol) BalanceOf(asset Asset, account common.Address) (uint64, error) {
	var (
		bal uint64
		err error
	)
	p.view(func(uint64) {
		l, lerr := p.asset(asset)
		if lerr != nil {
			err = lerr
			return
		}
		bal = l.BalanceOf(account)
	})
	return bal, err
}

// UnderlyingValue converts a collateral token amount into the underlying
// asset at the current exchange rate.
func (p *Protocol) UnderlyingValue(amount uint64) (uint64, error) {
	var (
		v   uint64
		err error
	)
	p.view(func(now uint64) {
		v, err = p.collateral.UnderlyingValue(amount, now)
	})
	return v, err
}

// Feeders reports the authorized price feeders.
func (p *Protocol) Feeders() []common.Address {
	var out []common.Address
	p.view(func(uint64) {
		out = p.oracle.Export().Feeders
	})
	return out
}
