// Package stabilitypool implements the Stability Pool: depositors of the debt
// token absorb liquidated debt and share the seized collateral and the
// protocol's interest revenue. Distribution is O(1) per liquidation through
// per-unit accumulators; each depositor realizes their share lazily against
// the accumulator snapshot taken at their last interaction.
package stabilitypool

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdp-ledger/internal/fixedpoint"
	"cdp-ledger/internal/state"
)

var (
	ErrInvalidAmount       = errors.New("stability pool: amount must be positive")
	ErrInsufficientDeposit = errors.New("stability pool: insufficient deposit")
	ErrUnauthorized        = errors.New("stability pool: caller is not the trove manager")
)

// CollateralToken moves seized collateral out to depositors.
type CollateralToken interface {
	Transfer(from, to common.Address, amount uint64) error
}

// DebtToken moves deposits in and out and burns absorbed debt.
type DebtToken interface {
	Transfer(from, to common.Address, amount uint64) error
	Burn(caller, from common.Address, amount uint64) error
}

// Deposit is a depositor's principal and the accumulator values it was last
// settled against.
type Deposit struct {
	Amount             uint64
	CollateralSnapshot uint256.Int
	LossSnapshot       uint256.Int
	InterestSnapshot   uint256.Int
}

// Globals are the pool-wide totals and accumulators.
type Globals struct {
	TotalDeposits          uint64
	CollateralBalance      uint64
	PendingInterestRevenue uint64
	// UndistributedInterest is revenue received while the pool was empty. It
	// is folded into the next distribution.
	UndistributedInterest uint64

	CumulativeCollateralPerUnit uint256.Int
	CumulativeLossPerUnit       uint256.Int
	CumulativeInterestPerUnit   uint256.Int
}

// Settlement is what a depositor realizes when settled.
type Settlement struct {
	CollateralGain uint64
	Loss           uint64
	InterestGain   uint64
	// Deposit is the principal after the loss was applied.
	Deposit uint64
}

// Pool is the Stability Pool state machine.
type Pool struct {
	address      common.Address
	troveManager common.Address
	journal      *state.Journal

	deposits *state.Map[common.Address, Deposit]
	globals  *state.Value[Globals]

	collateral CollateralToken
	debt       DebtToken
}

// New creates an empty pool holding its tokens at address. Only troveManager
// may call Offset and ReceiveInterest.
func New(j *state.Journal, address, troveManager common.Address, collateral CollateralToken, debt DebtToken) *Pool {
	return &Pool{
		address:      address,
		troveManager: troveManager,
		journal:      j,
		deposits:     state.NewMap[common.Address, Deposit](j),
		globals:      state.NewValue(j, Globals{}),
		collateral:   collateral,
		debt:         debt,
	}
}

// Address is the identity holding the pool's tokens.
func (p *Pool) Address() common.Address { return p.address }

// Globals returns the pool totals.
func (p *Pool) Globals() Globals { return p.globals.Get() }

// DepositOf returns the recorded deposit of u.
func (p *Pool) DepositOf(u common.Address) Deposit {
	d, _ := p.deposits.Get(u)
	return d
}

// Pending returns what settling u now would realize, without settling.
func (p *Pool) Pending(u common.Address) (Settlement, error) {
	d, _ := p.deposits.Get(u)
	return pending(d, p.globals.Get())
}

// Depositors returns the number of recorded deposits.
func (p *Pool) Depositors() int { return p.deposits.Len() }

// Deposit adds amount debt tokens from caller to the pool.
func (p *Pool) Deposit(caller common.Address, amount uint64) (Settlement, error) {
	var s Settlement
	err := p.journal.Atomic(func() error {
		if amount == 0 {
			return ErrInvalidAmount
		}
		d, settled, err := p.settle(caller)
		if err != nil {
			return err
		}
		s = settled
		if err := p.debt.Transfer(caller, p.address, amount); err != nil {
			return fmt.Errorf("stability pool: pull deposit: %w", err)
		}
		if d.Amount, err = fixedpoint.Add(d.Amount, amount); err != nil {
			return err
		}
		g := p.globals.Get()
		if g.TotalDeposits, err = fixedpoint.Add(g.TotalDeposits, amount); err != nil {
			return err
		}
		p.deposits.Set(caller, d)
		p.globals.Set(g)
		s.Deposit = d.Amount
		return nil
	})
	return s, err
}

// Withdraw returns amount of caller's settled deposit.
func (p *Pool) Withdraw(caller common.Address, amount uint64) (Settlement, error) {
	var s Settlement
	err := p.journal.Atomic(func() error {
		if amount == 0 {
			return ErrInvalidAmount
		}
		d, settled, err := p.settle(caller)
		if err != nil {
			return err
		}
		s = settled
		if amount > d.Amount {
			return fmt.Errorf("%w: %d > %d", ErrInsufficientDeposit, amount, d.Amount)
		}
		d.Amount -= amount
		g := p.globals.Get()
		if g.TotalDeposits, err = fixedpoint.Sub(g.TotalDeposits, amount); err != nil {
			return err
		}
		p.storeDeposit(caller, d)
		p.globals.Set(g)
		if err := p.debt.Transfer(p.address, caller, amount); err != nil {
			return fmt.Errorf("stability pool: return deposit: %w", err)
		}
		s.Deposit = d.Amount
		return nil
	})
	return s, err
}

// ClaimRewards settles caller without changing the principal.
func (p *Pool) ClaimRewards(caller common.Address) (Settlement, error) {
	var s Settlement
	err := p.journal.Atomic(func() error {
		var err error
		_, s, err = p.settle(caller)
		return err
	})
	return s, err
}

// Offset absorbs a liquidation: debt is cancelled against the pool and
// collateral is credited to depositors pro rata. An empty pool absorbs
// nothing and reports false.
func (p *Pool) Offset(caller common.Address, debt, collateral uint64) (bool, error) {
	absorbed := false
	err := p.journal.Atomic(func() error {
		if caller != p.troveManager {
			return ErrUnauthorized
		}
		g := p.globals.Get()
		if g.TotalDeposits == 0 {
			return nil
		}
		collInc, err := fixedpoint.PerUnit(collateral, g.TotalDeposits)
		if err != nil {
			return err
		}
		lossInc, err := fixedpoint.PerUnit(debt, g.TotalDeposits)
		if err != nil {
			return err
		}
		if g.CumulativeCollateralPerUnit, err = fixedpoint.AddScaled(g.CumulativeCollateralPerUnit, collInc); err != nil {
			return err
		}
		if g.CumulativeLossPerUnit, err = fixedpoint.AddScaled(g.CumulativeLossPerUnit, lossInc); err != nil {
			return err
		}
		if g.CollateralBalance, err = fixedpoint.Add(g.CollateralBalance, collateral); err != nil {
			return err
		}
		if g.TotalDeposits, err = fixedpoint.Sub(g.TotalDeposits, debt); err != nil {
			return fmt.Errorf("stability pool: offset exceeds deposits: %w", err)
		}
		p.globals.Set(g)
		if err := p.debt.Burn(p.address, p.address, debt); err != nil {
			return fmt.Errorf("stability pool: burn offset debt: %w", err)
		}
		absorbed = true
		return nil
	})
	return absorbed, err
}

// ReceiveInterest credits protocol revenue already transferred to the pool.
func (p *Pool) ReceiveInterest(caller common.Address, amount uint64) error {
	return p.journal.Atomic(func() error {
		if caller != p.troveManager {
			return ErrUnauthorized
		}
		if amount == 0 {
			return nil
		}
		g := p.globals.Get()
		var err error
		if g.PendingInterestRevenue, err = fixedpoint.Add(g.PendingInterestRevenue, amount); err != nil {
			return err
		}
		if g.TotalDeposits == 0 {
			if g.UndistributedInterest, err = fixedpoint.Add(g.UndistributedInterest, amount); err != nil {
				return err
			}
			p.globals.Set(g)
			return nil
		}
		distributed, err := fixedpoint.Add(amount, g.UndistributedInterest)
		if err != nil {
			return err
		}
		inc, err := fixedpoint.PerUnit(distributed, g.TotalDeposits)
		if err != nil {
			return err
		}
		if g.CumulativeInterestPerUnit, err = fixedpoint.AddScaled(g.CumulativeInterestPerUnit, inc); err != nil {
			return err
		}
		g.UndistributedInterest = 0
		p.globals.Set(g)
		return nil
	})
}

// settle realizes u's gains and loss since the last snapshot and returns the
// deposit with its snapshot refreshed.
func (p *Pool) settle(u common.Address) (Deposit, Settlement, error) {
	g := p.globals.Get()
	d, _ := p.deposits.Get(u)
	s, err := pending(d, g)
	if err != nil {
		return Deposit{}, Settlement{}, err
	}
	d.Amount = s.Deposit
	if s.CollateralGain > 0 {
		if g.CollateralBalance, err = fixedpoint.Sub(g.CollateralBalance, s.CollateralGain); err != nil {
			return Deposit{}, Settlement{}, fmt.Errorf("stability pool: collateral gain exceeds balance: %w", err)
		}
	}
	if s.InterestGain > 0 {
		if g.PendingInterestRevenue, err = fixedpoint.Sub(g.PendingInterestRevenue, s.InterestGain); err != nil {
			return Deposit{}, Settlement{}, fmt.Errorf("stability pool: interest gain exceeds revenue: %w", err)
		}
	}
	d.CollateralSnapshot = g.CumulativeCollateralPerUnit
	d.LossSnapshot = g.CumulativeLossPerUnit
	d.InterestSnapshot = g.CumulativeInterestPerUnit
	p.globals.Set(g)
	p.storeDeposit(u, d)

	if s.CollateralGain > 0 {
		if err := p.collateral.Transfer(p.address, u, s.CollateralGain); err != nil {
			return Deposit{}, Settlement{}, fmt.Errorf("stability pool: pay collateral gain: %w", err)
		}
	}
	if s.InterestGain > 0 {
		if err := p.debt.Transfer(p.address, u, s.InterestGain); err != nil {
			return Deposit{}, Settlement{}, fmt.Errorf("stability pool: pay interest gain: %w", err)
		}
	}
	return d, s, nil
}

func (p *Pool) storeDeposit(u common.Address, d Deposit) {
	if d.Amount == 0 {
		p.deposits.Delete(u)
		return
	}
	p.deposits.Set(u, d)
}

// pending computes a settlement of d against g. Loss is a flat subtraction
// clamped at zero, and the remaining principal never exceeds the pool total.
// Interest is paid on the principal left after the loss, since the interest
// accumulator is divided by deposits that already exclude every offset.
func pending(d Deposit, g Globals) (Settlement, error) {
	if d.Amount == 0 {
		return Settlement{}, nil
	}
	var (
		s   Settlement
		err error
	)
	if s.CollateralGain, err = share(d.Amount, g.CumulativeCollateralPerUnit, d.CollateralSnapshot); err != nil {
		return Settlement{}, err
	}
	if s.Loss, err = share(d.Amount, g.CumulativeLossPerUnit, d.LossSnapshot); err != nil {
		return Settlement{}, err
	}
	s.Deposit = min(fixedpoint.SubFloor(d.Amount, s.Loss), g.TotalDeposits)
	if s.InterestGain, err = share(s.Deposit, g.CumulativeInterestPerUnit, d.InterestSnapshot); err != nil {
		return Settlement{}, err
	}
	// Rounding dust in the loss may still leave the shares summing above the
	// distributed revenue; the last claimant gets what is left.
	s.InterestGain = min(s.InterestGain, fixedpoint.SubFloor(g.PendingInterestRevenue, g.UndistributedInterest))
	return s, nil
}

func share(amount uint64, cumulative, snapshot uint256.Int) (uint64, error) {
	delta, err := fixedpoint.SubScaled(cumulative, snapshot)
	if err != nil {
		return 0, err
	}
	if delta.IsZero() {
		return 0, nil
	}
	return fixedpoint.Share(amount, delta)
}
