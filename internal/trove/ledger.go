// Package trove implements the Trove Ledger: per-account collateralized debt
// positions with self-chosen annual interest rates, minimum-ratio enforcement
// on every risk-increasing change, and whole-trove liquidation into the
// Stability Pool.
package trove

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"cdp-ledger/internal/fixedpoint"
	"cdp-ledger/internal/state"
)

var (
	ErrNotOwner               = errors.New("trove: caller is not the owner")
	ErrTroveExists            = errors.New("trove: trove already active")
	ErrNoActiveTrove          = errors.New("trove: no active trove")
	ErrZeroCollateral         = errors.New("trove: collateral must be positive")
	ErrInvalidAmount          = errors.New("trove: amount must be positive")
	ErrDebtBelowMinimum       = errors.New("trove: debt below minimum")
	ErrRateOutOfRange         = errors.New("trove: interest rate out of range")
	ErrInsufficientCollateral = errors.New("trove: insufficient collateral")
	ErrBelowMinimumRatio      = errors.New("trove: collateral ratio below minimum")
	ErrOutstandingDebt        = errors.New("trove: must repay all debt first")
	ErrNotLiquidatable        = errors.New("trove: trove is not liquidatable")
	ErrPoolNotConfigured      = errors.New("trove: stability pool not configured")
)

// PriceFeed supplies the collateral price in debt units.
type PriceFeed interface {
	Price(now uint64) (uint64, error)
}

// StabilityPool absorbs liquidations and receives protocol revenue.
type StabilityPool interface {
	Address() common.Address
	Offset(caller common.Address, debt, collateral uint64) (bool, error)
	ReceiveInterest(caller common.Address, amount uint64) error
}

// CollateralToken moves collateral in and out of ledger custody.
type CollateralToken interface {
	Transfer(from, to common.Address, amount uint64) error
}

// DebtToken is minted on borrow and burned on repay.
type DebtToken interface {
	Mint(caller, to common.Address, amount uint64) error
	Burn(caller, from common.Address, amount uint64) error
}

// Trove is one account's position.
type Trove struct {
	Collateral   uint64
	Debt         uint64
	InterestRate uint64
	LastAccrual  uint64
	Active       bool
}

// Totals are maintained incrementally over active troves.
type Totals struct {
	Collateral  uint64
	Debt        uint64
	ActiveCount uint64
}

// Reserves is protocol-side accounting outside any trove.
type Reserves struct {
	// PendingRevenue is accrued interest and origination fees not yet
	// forwarded to the pool.
	PendingRevenue uint64
	// RetainedCollateral is collateral kept as liquidation penalty.
	RetainedCollateral uint64
	// StrandedCollateral and StrandedDebt record liquidations that met an
	// empty pool.
	StrandedCollateral uint64
	StrandedDebt       uint64
	BaseRate           uint64
}

// Ledger is the Trove Ledger. Its address is the custody account for
// collateral and the minter identity for the debt token.
type Ledger struct {
	address common.Address
	owner   common.Address
	params  Params
	journal *state.Journal

	troves   *state.Map[common.Address, Trove]
	totals   *state.Value[Totals]
	reserves *state.Value[Reserves]

	feed       PriceFeed
	collateral CollateralToken
	debt       DebtToken
	pool       StabilityPool
}

// New creates an empty ledger. The stability pool is wired afterwards with
// SetStabilityPool.
func New(j *state.Journal, address, owner common.Address, params Params, feed PriceFeed, collateral CollateralToken, debt DebtToken) *Ledger {
	return &Ledger{
		address:    address,
		owner:      owner,
		params:     params,
		journal:    j,
		troves:     state.NewMap[common.Address, Trove](j),
		totals:     state.NewValue(j, Totals{}),
		reserves:   state.NewValue(j, Reserves{}),
		feed:       feed,
		collateral: collateral,
		debt:       debt,
	}
}

// SetStabilityPool wires the pool that absorbs liquidations.
func (l *Ledger) SetStabilityPool(caller common.Address, pool StabilityPool) error {
	if caller != l.owner {
		return ErrNotOwner
	}
	l.pool = pool
	return nil
}

// Address is the ledger's custody and minter identity.
func (l *Ledger) Address() common.Address { return l.address }

// Params returns the active parameters.
func (l *Ledger) Params() Params { return l.params }

// Trove returns the position of owner; inactive if none.
func (l *Ledger) Trove(owner common.Address) Trove {
	t, _ := l.troves.Get(owner)
	return t
}

// Totals returns the aggregate over active troves.
func (l *Ledger) Totals() Totals { return l.totals.Get() }

// Reserves returns protocol-side accounting.
func (l *Ledger) Reserves() Reserves { return l.reserves.Get() }

// RedemptionFeeRate returns max(base rate, fee floor).
func (l *Ledger) RedemptionFeeRate() uint64 {
	base := l.reserves.Get().BaseRate
	if base > l.params.RedemptionFeeFloor {
		return base
	}
	return l.params.RedemptionFeeFloor
}

// ActiveOwners lists owners of active troves in address order.
func (l *Ledger) ActiveOwners() []common.Address {
	owners := make([]common.Address, 0, l.troves.Len())
	l.troves.Range(func(owner common.Address, t Trove) bool {
		if t.Active {
			owners = append(owners, owner)
		}
		return true
	})
	sort.Slice(owners, func(i, j int) bool { return owners[i].Cmp(owners[j]) < 0 })
	return owners
}

// CurrentDebt returns the debt of owner including interest pending at now.
func (l *Ledger) CurrentDebt(owner common.Address, now uint64) (uint64, error) {
	t, ok := l.troves.Get(owner)
	if !ok || !t.Active {
		return 0, ErrNoActiveTrove
	}
	interest, err := l.pendingInterest(t, now)
	if err != nil {
		return 0, err
	}
	return fixedpoint.Add(t.Debt, interest)
}

// CollateralRatio returns the ratio of owner at now as a percentage, or
// math.MaxUint64 when the trove carries no debt.
func (l *Ledger) CollateralRatio(owner common.Address, now uint64) (uint64, error) {
	debt, err := l.CurrentDebt(owner, now)
	if err != nil {
		return 0, err
	}
	return l.ratio(l.Trove(owner).Collateral, debt, now)
}

// TotalCollateralRatio returns the system-wide ratio, or math.MaxUint64 when
// there is no debt.
func (l *Ledger) TotalCollateralRatio(now uint64) (uint64, error) {
	t := l.totals.Get()
	return l.ratio(t.Collateral, t.Debt, now)
}

// IsLiquidatable reports whether owner's trove is below the liquidation
// ratio at now, counting pending interest.
func (l *Ledger) IsLiquidatable(owner common.Address, now uint64) (bool, error) {
	t, ok := l.troves.Get(owner)
	if !ok || !t.Active {
		return false, nil
	}
	interest, err := l.pendingInterest(t, now)
	if err != nil {
		return false, err
	}
	debt, err := fixedpoint.Add(t.Debt, interest)
	if err != nil {
		return false, err
	}
	return l.belowLiquidationRatio(t.Collateral, debt, now)
}

// Liquidatable lists the owners of troves that can be liquidated at now.
func (l *Ledger) Liquidatable(now uint64) ([]common.Address, error) {
	var out []common.Address
	for _, owner := range l.ActiveOwners() {
		ok, err := l.IsLiquidatable(owner, now)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", owner.Hex(), err)
		}
		if ok {
			out = append(out, owner)
		}
	}
	return out, nil
}

func (l *Ledger) ratio(collateral, debt, now uint64) (uint64, error) {
	if debt == 0 {
		return math.MaxUint64, nil
	}
	price, err := l.feed.Price(now)
	if err != nil {
		return 0, err
	}
	value, err := fixedpoint.Value(collateral, price)
	if err != nil {
		return 0, err
	}
	return fixedpoint.RatioPercent(value, debt)
}

func (l *Ledger) checkMinimumRatio(collateral, debt, now uint64) error {
	r, err := l.ratio(collateral, debt, now)
	if err != nil {
		return err
	}
	if r < l.params.MinCollateralRatio {
		return fmt.Errorf("%w: %d%% < %d%%", ErrBelowMinimumRatio, r, l.params.MinCollateralRatio)
	}
	return nil
}

func (l *Ledger) belowLiquidationRatio(collateral, debt, now uint64) (bool, error) {
	if debt == 0 {
		return false, nil
	}
	r, err := l.ratio(collateral, debt, now)
	if err != nil {
		return false, err
	}
	return r < l.params.LiquidationRatio, nil
}

func (l *Ledger) pendingInterest(t Trove, now uint64) (uint64, error) {
	elapsed, err := fixedpoint.Sub(now, t.LastAccrual)
	if err != nil {
		return 0, fmt.Errorf("clock behind last accrual: %w", err)
	}
	if elapsed == 0 || t.Debt == 0 || t.InterestRate == 0 {
		return 0, nil
	}
	return fixedpoint.MulMulDiv(t.Debt, t.InterestRate, elapsed, fixedpoint.Decimals*fixedpoint.SecondsPerYear)
}

// accrue brings t's debt current and stamps the accrual time.
func (l *Ledger) accrue(t *Trove, now uint64) error {
	interest, err := l.pendingInterest(*t, now)
	if err != nil {
		return err
	}
	t.LastAccrual = now
	if interest == 0 {
		return nil
	}
	if t.Debt, err = fixedpoint.Add(t.Debt, interest); err != nil {
		return err
	}
	totals := l.totals.Get()
	if totals.Debt, err = fixedpoint.Add(totals.Debt, interest); err != nil {
		return err
	}
	l.totals.Set(totals)
	return l.addRevenue(interest)
}

func (l *Ledger) addRevenue(amount uint64) error {
	if amount == 0 {
		return nil
	}
	r := l.reserves.Get()
	var err error
	if r.PendingRevenue, err = fixedpoint.Add(r.PendingRevenue, amount); err != nil {
		return err
	}
	l.reserves.Set(r)
	return nil
}

func (l *Ledger) activeTrove(owner common.Address) (Trove, error) {
	t, ok := l.troves.Get(owner)
	if !ok || !t.Active {
		return Trove{}, ErrNoActiveTrove
	}
	return t, nil
}

func (l *Ledger) checkRate(rate uint64) error {
	if rate < l.params.MinInterestRate || rate > l.params.MaxInterestRate {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrRateOutOfRange, rate, l.params.MinInterestRate, l.params.MaxInterestRate)
	}
	return nil
}

func (l *Ledger) borrowingFee(amount uint64) (uint64, error) {
	return fixedpoint.MulDiv(amount, l.params.BorrowingFee, fixedpoint.Decimals)
}
