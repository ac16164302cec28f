package trove

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"cdp-ledger/internal/fixedpoint"
)

// Open creates a trove for owner, locking collateral and minting debt. The
// origination fee is added to the recorded debt after the ratio check on the
// requested amount.
func (l *Ledger) Open(owner common.Address, collateral, debt, rate, now uint64) error {
	return l.journal.Atomic(func() error {
		if t, ok := l.troves.Get(owner); ok && t.Active {
			return ErrTroveExists
		}
		if collateral == 0 {
			return ErrZeroCollateral
		}
		if debt < l.params.MinDebt {
			return fmt.Errorf("%w: %d < %d", ErrDebtBelowMinimum, debt, l.params.MinDebt)
		}
		if err := l.checkRate(rate); err != nil {
			return err
		}
		if err := l.checkMinimumRatio(collateral, debt, now); err != nil {
			return err
		}
		fee, err := l.borrowingFee(debt)
		if err != nil {
			return err
		}
		recorded, err := fixedpoint.Add(debt, fee)
		if err != nil {
			return err
		}

		if err := l.collateral.Transfer(owner, l.address, collateral); err != nil {
			return fmt.Errorf("trove: lock collateral: %w", err)
		}
		if err := l.debt.Mint(l.address, owner, debt); err != nil {
			return fmt.Errorf("trove: mint debt: %w", err)
		}

		totals := l.totals.Get()
		if totals.Collateral, err = fixedpoint.Add(totals.Collateral, collateral); err != nil {
			return err
		}
		if totals.Debt, err = fixedpoint.Add(totals.Debt, recorded); err != nil {
			return err
		}
		totals.ActiveCount++
		l.totals.Set(totals)
		l.troves.Set(owner, Trove{
			Collateral:   collateral,
			Debt:         recorded,
			InterestRate: rate,
			LastAccrual:  now,
			Active:       true,
		})
		return l.addRevenue(fee)
	})
}

// AdjustInterestRate changes the annual rate after accruing at the old one.
func (l *Ledger) AdjustInterestRate(owner common.Address, rate, now uint64) error {
	return l.journal.Atomic(func() error {
		t, err := l.activeTrove(owner)
		if err != nil {
			return err
		}
		if err := l.checkRate(rate); err != nil {
			return err
		}
		if err := l.accrue(&t, now); err != nil {
			return err
		}
		t.InterestRate = rate
		l.troves.Set(owner, t)
		return nil
	})
}

// AddCollateral locks more collateral.
func (l *Ledger) AddCollateral(owner common.Address, amount, now uint64) error {
	return l.journal.Atomic(func() error {
		if amount == 0 {
			return ErrInvalidAmount
		}
		t, err := l.activeTrove(owner)
		if err != nil {
			return err
		}
		if err := l.accrue(&t, now); err != nil {
			return err
		}
		if t.Collateral, err = fixedpoint.Add(t.Collateral, amount); err != nil {
			return err
		}
		totals := l.totals.Get()
		if totals.Collateral, err = fixedpoint.Add(totals.Collateral, amount); err != nil {
			return err
		}
		if err := l.collateral.Transfer(owner, l.address, amount); err != nil {
			return fmt.Errorf("trove: lock collateral: %w", err)
		}
		l.totals.Set(totals)
		l.troves.Set(owner, t)
		return nil
	})
}

// WithdrawCollateral releases collateral if the trove stays above the
// minimum ratio.
func (l *Ledger) WithdrawCollateral(owner common.Address, amount, now uint64) error {
	return l.journal.Atomic(func() error {
		if amount == 0 {
			return ErrInvalidAmount
		}
		t, err := l.activeTrove(owner)
		if err != nil {
			return err
		}
		if amount > t.Collateral {
			return fmt.Errorf("%w: %d > %d", ErrInsufficientCollateral, amount, t.Collateral)
		}
		if err := l.accrue(&t, now); err != nil {
			return err
		}
		t.Collateral -= amount
		if err := l.checkMinimumRatio(t.Collateral, t.Debt, now); err != nil {
			return err
		}
		totals := l.totals.Get()
		if totals.Collateral, err = fixedpoint.Sub(totals.Collateral, amount); err != nil {
			return err
		}
		if err := l.collateral.Transfer(l.address, owner, amount); err != nil {
			return fmt.Errorf("trove: release collateral: %w", err)
		}
		l.totals.Set(totals)
		l.troves.Set(owner, t)
		return nil
	})
}

// Borrow mints amount more debt tokens to owner; the fee is added to debt.
func (l *Ledger) Borrow(owner common.Address, amount, now uint64) error {
	return l.journal.Atomic(func() error {
		if amount == 0 {
			return ErrInvalidAmount
		}
		t, err := l.activeTrove(owner)
		if err != nil {
			return err
		}
		if err := l.accrue(&t, now); err != nil {
			return err
		}
		fee, err := l.borrowingFee(amount)
		if err != nil {
			return err
		}
		added, err := fixedpoint.Add(amount, fee)
		if err != nil {
			return err
		}
		if t.Debt, err = fixedpoint.Add(t.Debt, added); err != nil {
			return err
		}
		if err := l.checkMinimumRatio(t.Collateral, t.Debt, now); err != nil {
			return err
		}
		totals := l.totals.Get()
		if totals.Debt, err = fixedpoint.Add(totals.Debt, added); err != nil {
			return err
		}
		if err := l.debt.Mint(l.address, owner, amount); err != nil {
			return fmt.Errorf("trove: mint debt: %w", err)
		}
		l.totals.Set(totals)
		l.troves.Set(owner, t)
		return l.addRevenue(fee)
	})
}

// Repay burns up to amount debt tokens from owner, clamped to the
// outstanding debt, and returns what was repaid.
func (l *Ledger) Repay(owner common.Address, amount, now uint64) (uint64, error) {
	var repaid uint64
	err := l.journal.Atomic(func() error {
		if amount == 0 {
			return ErrInvalidAmount
		}
		t, err := l.activeTrove(owner)
		if err != nil {
			return err
		}
		if err := l.accrue(&t, now); err != nil {
			return err
		}
		repaid = min(amount, t.Debt)
		t.Debt -= repaid
		totals := l.totals.Get()
		if totals.Debt, err = fixedpoint.Sub(totals.Debt, repaid); err != nil {
			return err
		}
		if repaid > 0 {
			if err := l.debt.Burn(l.address, owner, repaid); err != nil {
				return fmt.Errorf("trove: burn repayment: %w", err)
			}
		}
		l.totals.Set(totals)
		l.troves.Set(owner, t)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return repaid, nil
}

// Close returns all collateral of a debt-free trove and deactivates it.
func (l *Ledger) Close(owner common.Address, now uint64) (uint64, error) {
	var returned uint64
	err := l.journal.Atomic(func() error {
		t, err := l.activeTrove(owner)
		if err != nil {
			return err
		}
		if err := l.accrue(&t, now); err != nil {
			return err
		}
		if t.Debt > 0 {
			return fmt.Errorf("%w: %d outstanding", ErrOutstandingDebt, t.Debt)
		}
		if err := l.removeTrove(owner, t); err != nil {
			return err
		}
		if err := l.collateral.Transfer(l.address, owner, t.Collateral); err != nil {
			return fmt.Errorf("trove: release collateral: %w", err)
		}
		returned = t.Collateral
		return nil
	})
	if err != nil {
		return 0, err
	}
	return returned, nil
}

// ForwardRevenue mints accrued interest and fees to the stability pool and
// credits them to depositors.
func (l *Ledger) ForwardRevenue() (uint64, error) {
	var forwarded uint64
	err := l.journal.Atomic(func() error {
		if l.pool == nil {
			return ErrPoolNotConfigured
		}
		r := l.reserves.Get()
		if r.PendingRevenue == 0 {
			return nil
		}
		forwarded = r.PendingRevenue
		r.PendingRevenue = 0
		l.reserves.Set(r)
		if err := l.debt.Mint(l.address, l.pool.Address(), forwarded); err != nil {
			return fmt.Errorf("trove: mint revenue: %w", err)
		}
		if err := l.pool.ReceiveInterest(l.address, forwarded); err != nil {
			return fmt.Errorf("trove: forward revenue: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return forwarded, nil
}

// removeTrove deletes an active trove and takes it out of the totals.
func (l *Ledger) removeTrove(owner common.Address, t Trove) error {
	totals := l.totals.Get()
	var err error
	if totals.Collateral, err = fixedpoint.Sub(totals.Collateral, t.Collateral); err != nil {
		return err
	}
	if totals.Debt, err = fixedpoint.Sub(totals.Debt, t.Debt); err != nil {
		return err
	}
	if totals.ActiveCount, err = fixedpoint.Sub(totals.ActiveCount, 1); err != nil {
		return err
	}
	l.totals.Set(totals)
	l.troves.Delete(owner)
	return nil
}
