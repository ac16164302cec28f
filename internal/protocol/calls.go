package protocol

import (
	"github.com/ethereum/go-ethereum/common"

	"cdp-ledger/internal/stabilitypool"
	"cdp-ledger/internal/trove"
)

// OpenTrove opens a trove for caller.
func (p *Protocol) OpenTrove(caller common.Address, collateral, debt, rate uint64) error {
	return p.call("open_trove", caller, func(now uint64) error {
		return p.troves.Open(caller, collateral, debt, rate, now)
	})
}

// AdjustInterestRate changes caller's annual rate.
func (p *Protocol) AdjustInterestRate(caller common.Address, rate uint64) error {
	return p.call("adjust_rate", caller, func(now uint64) error {
		return p.troves.AdjustInterestRate(caller, rate, now)
	})
}

// AddCollateral locks more collateral in caller's trove.
func (p *Protocol) AddCollateral(caller common.Address, amount uint64) error {
	return p.call("add_collateral", caller, func(now uint64) error {
		return p.troves.AddCollateral(caller, amount, now)
	})
}

// WithdrawCollateral releases collateral from caller's trove.
func (p *Protocol) WithdrawCollateral(caller common.Address, amount uint64) error {
	return p.call("withdraw_collateral", caller, func(now uint64) error {
		return p.troves.WithdrawCollateral(caller, amount, now)
	})
}

// Borrow mints more debt against caller's trove.
func (p *Protocol) Borrow(caller common.Address, amount uint64) error {
	return p.call("borrow", caller, func(now uint64) error {
		return p.troves.Borrow(caller, amount, now)
	})
}

// Repay burns debt tokens against caller's trove and returns the amount
// repaid.
func (p *Protocol) Repay(caller common.Address, amount uint64) (uint64, error) {
	var repaid uint64
	err := p.call("repay", caller, func(now uint64) error {
		var err error
		repaid, err = p.troves.Repay(caller, amount, now)
		return err
	})
	return repaid, err
}

// CloseTrove closes caller's debt-free trove and returns the released
// collateral.
func (p *Protocol) CloseTrove(caller common.Address) (uint64, error) {
	var returned uint64
	err := p.call("close_trove", caller, func(now uint64) error {
		var err error
		returned, err = p.troves.Close(caller, now)
		return err
	})
	return returned, err
}

// Liquidate liquidates owner's trove on behalf of caller.
func (p *Protocol) Liquidate(caller, owner common.Address) (trove.Liquidation, error) {
	var liq trove.Liquidation
	err := p.call("liquidate", caller, func(now uint64) error {
		var err error
		liq, err = p.troves.Liquidate(caller, owner, now)
		return err
	})
	return liq, err
}

// LiquidationFailure is a trove that could not be liquidated in a sweep.
type LiquidationFailure struct {
	Owner common.Address
	Err   error
}

// LiquidateAll liquidates every trove below the liquidation ratio, each in
// its own call. A failure leaves that trove untouched and the sweep
// continues.
func (p *Protocol) LiquidateAll(caller common.Address) ([]trove.Liquidation, []LiquidationFailure, error) {
	var (
		owners []common.Address
		err    error
	)
	p.view(func(now uint64) {
		owners, err = p.troves.Liquidatable(now)
	})
	if err != nil {
		return nil, nil, err
	}

	var (
		done   []trove.Liquidation
		failed []LiquidationFailure
	)
	for _, owner := range owners {
		liq, err := p.Liquidate(caller, owner)
		if err != nil {
			failed = append(failed, LiquidationFailure{Owner: owner, Err: err})
			continue
		}
		done = append(done, liq)
	}
	return done, failed, nil
}

// ForwardRevenue moves accrued interest and fees to the stability pool.
func (p *Protocol) ForwardRevenue(caller common.Address) (uint64, error) {
	var forwarded uint64
	err := p.call("forward_revenue", caller, func(uint64) error {
		var err error
		forwarded, err = p.troves.ForwardRevenue()
		return err
	})
	return forwarded, err
}

// Deposit adds caller's debt tokens to the stability pool.
func (p *Protocol) Deposit(caller common.Address, amount uint64) (stabilitypool.Settlement, error) {
	var s stabilitypool.Settlement
	err := p.call("pool_deposit", caller, func(uint64) error {
		var err error
		s, err = p.pool.Deposit(caller, amount)
		return err
	})
	return s, err
}

// Withdraw returns part of caller's stability pool deposit.
func (p *Protocol) Withdraw(caller common.Address, amount uint64) (stabilitypool.Settlement, error) {
	var s stabilitypool.Settlement
	err := p.call("pool_withdraw", caller, func(uint64) error {
		var err error
		s, err = p.pool.Withdraw(caller, amount)
		return err
	})
	return s, err
}

// ClaimRewards settles caller's stability pool gains.
func (p *Protocol) ClaimRewards(caller common.Address) (stabilitypool.Settlement, error) {
	var s stabilitypool.Settlement
	err := p.call("pool_claim", caller, func(uint64) error {
		var err error
		s, err = p.pool.ClaimRewards(caller)
		return err
	})
	return s, err
}

// UpdatePrice pushes a new collateral price from a feeder.
func (p *Protocol) UpdatePrice(caller common.Address, price uint64) error {
	return p.call("update_price", caller, func(now uint64) error {
		return p.oracle.UpdatePrice(caller, price, now)
	})
}

// AddFeeder authorizes a price feeder.
func (p *Protocol) AddFeeder(caller, feeder common.Address) error {
	return p.call("add_feeder", caller, func(uint64) error {
		return p.oracle.AddFeeder(caller, feeder)
	})
}

// RemoveFeeder revokes a price feeder.
func (p *Protocol) RemoveFeeder(caller, feeder common.Address) error {
	return p.call("remove_feeder", caller, func(uint64) error {
		return p.oracle.RemoveFeeder(caller, feeder)
	})
}

// Transfer moves tokens of asset from caller to to.
func (p *Protocol) Transfer(asset Asset, caller, to common.Address, amount uint64) error {
	return p.call("transfer", caller, func(uint64) error {
		l, err := p.asset(asset)
		if err != nil {
			return err
		}
		return l.Transfer(caller, to, amount)
	})
}

// Approve sets spender's allowance over caller's tokens of asset.
func (p *Protocol) Approve(asset Asset, caller, spender common.Address, amount uint64) error {
	return p.call("approve", caller, func(uint64) error {
		l, err := p.asset(asset)
		if err != nil {
			return err
		}
		return l.Approve(caller, spender, amount)
	})
}

// TransferFrom moves tokens of asset out of from using caller's allowance.
func (p *Protocol) TransferFrom(asset Asset, caller, from, to common.Address, amount uint64) error {
	return p.call("transfer_from", caller, func(uint64) error {
		l, err := p.asset(asset)
		if err != nil {
			return err
		}
		return l.TransferFrom(caller, from, to, amount)
	})
}

// Mint creates tokens of asset; caller must be a minter of that token.
func (p *Protocol) Mint(asset Asset, caller, to common.Address, amount uint64) error {
	return p.call("mint", caller, func(uint64) error {
		l, err := p.asset(asset)
		if err != nil {
			return err
		}
		return l.Mint(caller, to, amount)
	})
}
