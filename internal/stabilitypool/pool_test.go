package stabilitypool

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"cdp-ledger/internal/fixedpoint"
	"cdp-ledger/internal/state"
	"cdp-ledger/internal/token"
)

const unit = fixedpoint.Decimals

var (
	owner    = common.HexToAddress("0x0a")
	manager  = common.HexToAddress("0x7e")
	poolAddr = common.HexToAddress("0x5b")
	alice    = common.HexToAddress("0xa1")
	bob      = common.HexToAddress("0xb0")
)

type fixture struct {
	pool       *Pool
	collateral *token.Ledger
	debt       *token.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	j := state.NewJournal()
	coll := token.New(j, "Collateral", "COLL", owner)
	debt := token.New(j, "Debt", "DEBT", owner)
	require.NoError(t, debt.AddMinter(owner, poolAddr))
	return &fixture{
		pool:       New(j, poolAddr, manager, coll, debt),
		collateral: coll,
		debt:       debt,
	}
}

func (f *fixture) fund(t *testing.T, who common.Address, amount uint64) {
	t.Helper()
	require.NoError(t, f.debt.Mint(owner, who, amount))
}

// liquidate mimics the trove ledger: collateral arrives with the offset.
func (f *fixture) liquidate(t *testing.T, debt, coll uint64) bool {
	t.Helper()
	absorbed, err := f.pool.Offset(manager, debt, coll)
	require.NoError(t, err)
	if absorbed && coll > 0 {
		require.NoError(t, f.collateral.Mint(owner, poolAddr, coll))
	}
	return absorbed
}

func TestOffsetScenario(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, 1000*unit)
	f.fund(t, bob, 1000*unit)

	_, err := f.pool.Deposit(alice, 1000*unit)
	require.NoError(t, err)
	_, err = f.pool.Deposit(bob, 1000*unit)
	require.NoError(t, err)
	require.Equal(t, 2000*unit, f.pool.Globals().TotalDeposits)

	require.True(t, f.liquidate(t, 200*unit, 20*unit))

	g := f.pool.Globals()
	require.Equal(t, 1800*unit, g.TotalDeposits, "total drops at offset time")
	require.Equal(t, 20*unit, g.CollateralBalance)
	require.Equal(t, 1800*unit, f.debt.BalanceOf(poolAddr))
	// Recorded principal is only reduced on settlement.
	require.Equal(t, 1000*unit, f.pool.DepositOf(alice).Amount)

	pendingA, err := f.pool.Pending(alice)
	require.NoError(t, err)
	require.Equal(t, 10*unit, pendingA.CollateralGain)
	require.Equal(t, 100*unit, pendingA.Loss)

	for _, who := range []common.Address{alice, bob} {
		s, err := f.pool.ClaimRewards(who)
		require.NoError(t, err)
		require.Equal(t, 10*unit, s.CollateralGain)
		require.Equal(t, 100*unit, s.Loss)
		require.Equal(t, 900*unit, s.Deposit)
		require.Equal(t, 10*unit, f.collateral.BalanceOf(who))
		require.Equal(t, 900*unit, f.pool.DepositOf(who).Amount)
	}
	require.Zero(t, f.pool.Globals().CollateralBalance)

	// A second claim realizes nothing.
	s, err := f.pool.ClaimRewards(alice)
	require.NoError(t, err)
	require.Equal(t, Settlement{Deposit: 900 * unit}, s)
}

func TestRewardFairness(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, 300*unit)
	f.fund(t, bob, 700*unit)
	_, err := f.pool.Deposit(alice, 300*unit)
	require.NoError(t, err)
	_, err = f.pool.Deposit(bob, 700*unit)
	require.NoError(t, err)

	before := f.pool.Globals()
	require.True(t, f.liquidate(t, 100*unit, 33*unit))
	after := f.pool.Globals()
	require.True(t, after.CumulativeCollateralPerUnit.Gt(&before.CumulativeCollateralPerUnit))
	require.True(t, after.CumulativeLossPerUnit.Gt(&before.CumulativeLossPerUnit))

	a, err := f.pool.Pending(alice)
	require.NoError(t, err)
	b, err := f.pool.Pending(bob)
	require.NoError(t, err)
	require.InDelta(t, 33*unit*300/1000, a.CollateralGain, 1)
	require.InDelta(t, 33*unit*700/1000, b.CollateralGain, 1)
	require.LessOrEqual(t, a.CollateralGain+b.CollateralGain, 33*unit)
}

func TestFlatLossOverchargesInterleavedDeposits(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, 100*unit)
	f.fund(t, bob, 100*unit)
	_, err := f.pool.Deposit(alice, 100*unit)
	require.NoError(t, err)
	_, err = f.pool.Deposit(bob, 100*unit)
	require.NoError(t, err)

	require.True(t, f.liquidate(t, 100*unit, 0))

	s, err := f.pool.Withdraw(bob, 50*unit)
	require.NoError(t, err)
	require.Equal(t, 50*unit, s.Loss)
	require.Zero(t, s.Deposit)
	require.Equal(t, 50*unit, f.pool.Globals().TotalDeposits)

	require.True(t, f.liquidate(t, 40*unit, 0))

	// Alice is charged 100*0.5 + 100*0.8 against a principal of 100 and is
	// floored at zero, while a proportional model would leave her 10. The
	// pool total keeps the 10 that no depositor can withdraw.
	s, err = f.pool.ClaimRewards(alice)
	require.NoError(t, err)
	require.Equal(t, 130*unit, s.Loss)
	require.Zero(t, s.Deposit)
	require.Zero(t, f.pool.DepositOf(alice).Amount)
	require.Equal(t, 10*unit, f.pool.Globals().TotalDeposits)
}

func TestFlatLossRoundingFavorsEarlyWithdrawals(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, 1)
	f.fund(t, bob, 2)
	_, err := f.pool.Deposit(alice, 1)
	require.NoError(t, err)
	_, err = f.pool.Deposit(bob, 2)
	require.NoError(t, err)

	// Each flat loss rounds down to zero, so the depositors together still
	// claim 3 against a pool total of 2. The first out is paid in full and
	// the last one out is capped at what the pool holds.
	require.True(t, f.liquidate(t, 1, 0))

	s, err := f.pool.Withdraw(alice, 1)
	require.NoError(t, err)
	require.Zero(t, s.Loss)
	require.Equal(t, uint64(1), f.pool.Globals().TotalDeposits)

	pendingB, err := f.pool.Pending(bob)
	require.NoError(t, err)
	require.Equal(t, uint64(1), pendingB.Deposit)
	_, err = f.pool.Withdraw(bob, 2)
	require.ErrorIs(t, err, ErrInsufficientDeposit)

	_, err = f.pool.Withdraw(bob, 1)
	require.NoError(t, err)
	require.Zero(t, f.pool.Globals().TotalDeposits)
	require.Zero(t, f.pool.Depositors())
	require.Zero(t, f.debt.BalanceOf(poolAddr))
	require.Equal(t, uint64(1), f.debt.BalanceOf(alice))
	require.Equal(t, uint64(1), f.debt.BalanceOf(bob))
}

func TestOffsetGuards(t *testing.T) {
	f := newFixture(t)

	_, err := f.pool.Offset(alice, 1, 1)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.ErrorIs(t, f.pool.ReceiveInterest(alice, 1), ErrUnauthorized)

	absorbed, err := f.pool.Offset(manager, 100*unit, 10*unit)
	require.NoError(t, err)
	require.False(t, absorbed, "empty pool absorbs nothing")
	require.Equal(t, Globals{}, f.pool.Globals())

	f.fund(t, alice, 50*unit)
	_, err = f.pool.Deposit(alice, 50*unit)
	require.NoError(t, err)
	before := f.pool.Globals()

	_, err = f.pool.Offset(manager, 60*unit, 1*unit)
	require.ErrorIs(t, err, fixedpoint.ErrArithmetic)
	require.Equal(t, before, f.pool.Globals())
	require.Equal(t, 50*unit, f.debt.BalanceOf(poolAddr))
}

func TestDepositWithdrawPreconditions(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, 10*unit)

	_, err := f.pool.Deposit(alice, 0)
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.pool.Deposit(alice, 11*unit)
	require.ErrorIs(t, err, token.ErrInsufficientBalance)
	require.Zero(t, f.pool.Globals().TotalDeposits)

	_, err = f.pool.Deposit(alice, 10*unit)
	require.NoError(t, err)
	_, err = f.pool.Withdraw(alice, 0)
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.pool.Withdraw(alice, 11*unit)
	require.ErrorIs(t, err, ErrInsufficientDeposit)

	_, err = f.pool.Withdraw(alice, 10*unit)
	require.NoError(t, err)
	require.Equal(t, 10*unit, f.debt.BalanceOf(alice))
	require.Zero(t, f.pool.Depositors())
}

func TestInterestDistribution(t *testing.T) {
	f := newFixture(t)

	// Revenue arriving at an empty pool is held back.
	f.fund(t, poolAddr, 10*unit)
	require.NoError(t, f.pool.ReceiveInterest(manager, 10*unit))
	g := f.pool.Globals()
	require.Equal(t, 10*unit, g.UndistributedInterest)
	require.True(t, g.CumulativeInterestPerUnit.IsZero())

	f.fund(t, alice, 100*unit)
	f.fund(t, bob, 300*unit)
	_, err := f.pool.Deposit(alice, 100*unit)
	require.NoError(t, err)
	_, err = f.pool.Deposit(bob, 300*unit)
	require.NoError(t, err)

	f.fund(t, poolAddr, 30*unit)
	require.NoError(t, f.pool.ReceiveInterest(manager, 30*unit))
	g = f.pool.Globals()
	require.Zero(t, g.UndistributedInterest)
	require.Equal(t, 40*unit, g.PendingInterestRevenue)

	s, err := f.pool.ClaimRewards(alice)
	require.NoError(t, err)
	require.Equal(t, 10*unit, s.InterestGain)
	require.Equal(t, 10*unit, f.debt.BalanceOf(alice))

	s, err = f.pool.Withdraw(bob, 300*unit)
	require.NoError(t, err)
	require.Equal(t, 30*unit, s.InterestGain)
	require.Equal(t, 330*unit, f.debt.BalanceOf(bob))
	require.Zero(t, f.pool.Globals().PendingInterestRevenue)
}

func TestInterestAfterAbsorbedLiquidation(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, 1000*unit)
	f.fund(t, bob, 1000*unit)
	_, err := f.pool.Deposit(alice, 1000*unit)
	require.NoError(t, err)
	_, err = f.pool.Deposit(bob, 1000*unit)
	require.NoError(t, err)

	require.True(t, f.liquidate(t, 1000*unit, 100*unit))
	f.fund(t, poolAddr, 100*unit)
	require.NoError(t, f.pool.ReceiveInterest(manager, 100*unit))

	pendingA, err := f.pool.Pending(alice)
	require.NoError(t, err)
	require.Equal(t, 50*unit, pendingA.InterestGain)

	for _, who := range []common.Address{alice, bob} {
		s, err := f.pool.ClaimRewards(who)
		require.NoError(t, err)
		require.Equal(t, 50*unit, s.CollateralGain)
		require.Equal(t, 500*unit, s.Loss)
		require.Equal(t, 50*unit, s.InterestGain)
		require.Equal(t, 500*unit, s.Deposit)

		s, err = f.pool.Withdraw(who, 500*unit)
		require.NoError(t, err)
		require.Zero(t, s.Deposit)
		require.Equal(t, 550*unit, f.debt.BalanceOf(who))
		require.Equal(t, 50*unit, f.collateral.BalanceOf(who))
	}
	g := f.pool.Globals()
	require.Zero(t, g.TotalDeposits)
	require.Zero(t, g.PendingInterestRevenue)
	require.Zero(t, g.CollateralBalance)
	require.Zero(t, f.debt.BalanceOf(poolAddr))
}

func TestInterestRoundingNeverLocksLastClaimant(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, 1)
	f.fund(t, bob, 2)
	_, err := f.pool.Deposit(alice, 1)
	require.NoError(t, err)
	_, err = f.pool.Deposit(bob, 2)
	require.NoError(t, err)

	// Both losses round down to zero, so the settled principals (1 and 2)
	// sum above the pool total of 2.
	require.True(t, f.liquidate(t, 1, 0))
	f.fund(t, poolAddr, 100)
	require.NoError(t, f.pool.ReceiveInterest(manager, 100))

	s, err := f.pool.ClaimRewards(bob)
	require.NoError(t, err)
	require.Equal(t, uint64(2), s.Deposit)
	require.Equal(t, uint64(100), s.InterestGain)

	s, err = f.pool.ClaimRewards(alice)
	require.NoError(t, err)
	require.Zero(t, s.InterestGain)
	require.Zero(t, f.pool.Globals().PendingInterestRevenue)
}

func TestExportImport(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, 100*unit)
	_, err := f.pool.Deposit(alice, 100*unit)
	require.NoError(t, err)
	require.True(t, f.liquidate(t, 10*unit, 1*unit))

	st := f.pool.Export()
	g := newFixture(t)
	g.pool.Import(st)
	require.Equal(t, st, g.pool.Export())
}
