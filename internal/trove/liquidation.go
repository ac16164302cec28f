package trove

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"cdp-ledger/internal/fixedpoint"
)

// Liquidation describes a completed liquidation.
type Liquidation struct {
	Owner      common.Address
	Liquidator common.Address
	Debt       uint64
	Collateral uint64
	Penalty    uint64
	// ToPool is the collateral handed to the stability pool.
	ToPool uint64
	// Absorbed is false when the pool was empty and the proceeds were
	// stranded in the ledger.
	Absorbed bool
	Time     uint64
}

// Liquidate closes owner's trove wholly if it is below the liquidation
// ratio. A penalty share of the collateral is retained; the rest and the
// full debt are offset against the stability pool.
func (l *Ledger) Liquidate(liquidator, owner common.Address, now uint64) (Liquidation, error) {
	var out Liquidation
	err := l.journal.Atomic(func() error {
		if l.pool == nil {
			return ErrPoolNotConfigured
		}
		t, ok := l.troves.Get(owner)
		if !ok || !t.Active {
			return fmt.Errorf("%w: no active trove", ErrNotLiquidatable)
		}
		if err := l.accrue(&t, now); err != nil {
			return err
		}
		below, err := l.belowLiquidationRatio(t.Collateral, t.Debt, now)
		if err != nil {
			return err
		}
		if !below {
			return ErrNotLiquidatable
		}

		penalty, err := fixedpoint.Percent(t.Collateral, l.params.LiquidationPenaltyPct)
		if err != nil {
			return err
		}
		toPool := t.Collateral - penalty
		if err := l.removeTrove(owner, t); err != nil {
			return err
		}

		absorbed, err := l.pool.Offset(l.address, t.Debt, toPool)
		if err != nil {
			return fmt.Errorf("trove: offset: %w", err)
		}
		r := l.reserves.Get()
		if r.RetainedCollateral, err = fixedpoint.Add(r.RetainedCollateral, penalty); err != nil {
			return err
		}
		if absorbed {
			if err := l.collateral.Transfer(l.address, l.pool.Address(), toPool); err != nil {
				return fmt.Errorf("trove: hand collateral to pool: %w", err)
			}
		} else {
			if r.StrandedCollateral, err = fixedpoint.Add(r.StrandedCollateral, toPool); err != nil {
				return err
			}
			if r.StrandedDebt, err = fixedpoint.Add(r.StrandedDebt, t.Debt); err != nil {
				return err
			}
		}
		l.reserves.Set(r)

		out = Liquidation{
			Owner:      owner,
			Liquidator: liquidator,
			Debt:       t.Debt,
			Collateral: t.Collateral,
			Penalty:    penalty,
			ToPool:     toPool,
			Absorbed:   absorbed,
			Time:       now,
		}
		return nil
	})
	if err != nil {
		return Liquidation{}, err
	}
	return out, nil
}
