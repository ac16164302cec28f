package protocol

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"cdp-ledger/internal/fixedpoint"
	"cdp-ledger/internal/pricefeed"
	"cdp-ledger/internal/trove"
)

const (
	unit = fixedpoint.Decimals
	t0   = uint64(1_700_000_000)
)

var (
	addrs = Addresses{
		Owner:         common.HexToAddress("0x0a"),
		TroveLedger:   common.HexToAddress("0x7e"),
		StabilityPool: common.HexToAddress("0x5b"),
	}
	keeper = common.HexToAddress("0x4e")
	alice  = common.HexToAddress("0xa1")
	bob    = common.HexToAddress("0xb0")
)

type recordingObserver struct {
	calls map[string][]string
}

func (r *recordingObserver) ObserveCall(op, fault string) {
	if r.calls == nil {
		r.calls = make(map[string][]string)
	}
	r.calls[op] = append(r.calls[op], fault)
}

func newProtocol(t *testing.T) (*Protocol, *ManualClock) {
	t.Helper()
	clock := NewManualClock(t0)
	p, err := New(DefaultParams(), addrs, clock, zerolog.Nop())
	require.NoError(t, err)
	return p, clock
}

func requireDebtBalanced(t *testing.T, p *Protocol) {
	t.Helper()
	st := p.Status()
	require.Equal(t, st.Totals.Debt, st.DebtSupply+st.Reserves.PendingRevenue)
}

// walkPriceDown pushes prices 5% under the twap until the spot is at or
// below target.
func walkPriceDown(t *testing.T, p *Protocol, target uint64) {
	t.Helper()
	for i := 0; i < 500 && p.Status().Price > target; i++ {
		twap := p.Status().Twap
		require.NoError(t, p.UpdatePrice(addrs.Owner, twap*95/100))
	}
	require.LessOrEqual(t, p.Status().Price, target)
}

func TestNewValidatesInputs(t *testing.T) {
	_, err := New(DefaultParams(), Addresses{Owner: addrs.Owner}, nil, zerolog.Nop())
	require.Error(t, err)

	dup := addrs
	dup.StabilityPool = dup.TroveLedger
	_, err = New(DefaultParams(), dup, nil, zerolog.Nop())
	require.Error(t, err)

	params := DefaultParams()
	params.InitialPrice = 0
	_, err = New(params, addrs, nil, zerolog.Nop())
	require.Error(t, err)

	params = DefaultParams()
	params.Trove.LiquidationRatio = params.Trove.MinCollateralRatio + 1
	_, err = New(params, addrs, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestZeroCallerIsRejected(t *testing.T) {
	p, _ := newProtocol(t)
	obs := &recordingObserver{}
	p.SetObserver(obs)

	err := p.OpenTrove(common.Address{}, 3000*unit, 100*unit, 5_000_000)
	require.ErrorIs(t, err, ErrZeroCaller)
	require.Equal(t, FaultAuthorization, Classify(err))
	require.Equal(t, []string{"authorization"}, obs.calls["open_trove"])
}

func TestFailedCallLeavesNoTrace(t *testing.T) {
	p, _ := newProtocol(t)
	require.NoError(t, p.Mint(AssetCollateral, addrs.Owner, alice, 3000*unit))
	before := p.Export()

	// 100.5 units of debt against 150 units of value is under 150%.
	err := p.OpenTrove(alice, 3000*unit, 100_500_000_000, 5_000_000)
	require.ErrorIs(t, err, trove.ErrBelowMinimumRatio)
	require.Equal(t, FaultInvariant, Classify(err))
	require.Equal(t, before, p.Export())

	require.NoError(t, p.OpenTrove(alice, 3000*unit, 100*unit, 5_000_000))
	requireDebtBalanced(t, p)
}

func TestUnauthorizedOperations(t *testing.T) {
	p, _ := newProtocol(t)

	err := p.Mint(AssetDebt, alice, alice, unit)
	require.Equal(t, FaultAuthorization, Classify(err))
	err = p.UpdatePrice(alice, 50_000_000)
	require.ErrorIs(t, err, pricefeed.ErrNotFeeder)
	err = p.AddFeeder(alice, alice)
	require.Equal(t, FaultAuthorization, Classify(err))

	require.NoError(t, p.AddFeeder(addrs.Owner, alice))
	require.NoError(t, p.UpdatePrice(alice, 51_000_000))
	require.Contains(t, p.Feeders(), alice)
	require.NoError(t, p.RemoveFeeder(addrs.Owner, alice))
	require.ErrorIs(t, p.UpdatePrice(alice, 51_000_000), pricefeed.ErrNotFeeder)

	err = p.Transfer(Asset("gold"), alice, bob, 1)
	require.ErrorIs(t, err, ErrUnknownAsset)
	require.Equal(t, FaultPrecondition, Classify(err))
}

func TestStaleOracleBlocksRatioChecks(t *testing.T) {
	p, clock := newProtocol(t)
	require.NoError(t, p.Mint(AssetCollateral, addrs.Owner, alice, 3000*unit))

	clock.Advance(DefaultParams().Oracle.MaxStaleness + 1)
	require.True(t, p.Status().Stale)
	err := p.OpenTrove(alice, 3000*unit, 100*unit, 5_000_000)
	require.ErrorIs(t, err, pricefeed.ErrStalePrice)
	require.Equal(t, FaultPrecondition, Classify(err))

	require.NoError(t, p.UpdatePrice(addrs.Owner, 50_000_000))
	require.NoError(t, p.OpenTrove(alice, 3000*unit, 100*unit, 5_000_000))
}

func TestLiquidationThroughOracle(t *testing.T) {
	p, clock := newProtocol(t)
	obs := &recordingObserver{}
	p.SetObserver(obs)
	rate := DefaultParams().Trove.MinInterestRate

	require.NoError(t, p.Mint(AssetCollateral, addrs.Owner, alice, 3000*unit))
	require.NoError(t, p.Mint(AssetCollateral, addrs.Owner, bob, 10_000*unit))
	require.NoError(t, p.OpenTrove(alice, 3000*unit, 100*unit, rate))
	require.NoError(t, p.OpenTrove(bob, 10_000*unit, 200*unit, rate))
	_, err := p.Deposit(bob, 200*unit)
	require.NoError(t, err)

	done, failed, err := p.LiquidateAll(keeper)
	require.NoError(t, err)
	require.Empty(t, done)
	require.Empty(t, failed)

	walkPriceDown(t, p, 36_000_000)
	require.True(t, p.Trove(alice).Liquidatable)
	require.False(t, p.Trove(bob).Liquidatable)

	done, failed, err = p.LiquidateAll(keeper)
	require.NoError(t, err)
	require.Empty(t, failed)
	require.Len(t, done, 1)
	liq := done[0]
	require.Equal(t, alice, liq.Owner)
	require.True(t, liq.Absorbed)
	require.Equal(t, 2850*unit, liq.ToPool)
	require.False(t, p.Trove(alice).Trove.Active)
	require.Len(t, p.Troves(), 1)
	requireDebtBalanced(t, p)

	pos, err := p.DepositOf(bob)
	require.NoError(t, err)
	require.Equal(t, 2850*unit, pos.Pending.CollateralGain)

	s, err := p.ClaimRewards(bob)
	require.NoError(t, err)
	require.Equal(t, 2850*unit, s.CollateralGain)
	bal, err := p.BalanceOf(AssetCollateral, bob)
	require.NoError(t, err)
	require.Equal(t, 2850*unit, bal)

	clock.Advance(600)
	require.NoError(t, p.UpdatePrice(addrs.Owner, p.Status().Price))
	pending := p.Status().Reserves.PendingRevenue
	require.NotZero(t, pending)
	forwarded, err := p.ForwardRevenue(keeper)
	require.NoError(t, err)
	require.Equal(t, pending, forwarded)
	require.Zero(t, p.Status().Reserves.PendingRevenue)
	requireDebtBalanced(t, p)

	require.Equal(t, []string{"none"}, obs.calls["liquidate"])
}

func TestRepayAndCloseReleaseCollateral(t *testing.T) {
	p, clock := newProtocol(t)
	require.NoError(t, p.Mint(AssetCollateral, addrs.Owner, alice, 3000*unit))
	require.NoError(t, p.OpenTrove(alice, 3000*unit, 100*unit, 5_000_000))

	// The borrowing fee is owed but was never minted to alice.
	require.NoError(t, p.Mint(AssetDebt, addrs.Owner, alice, unit))
	clock.Advance(60)
	owed := p.Trove(alice).CurrentDebt
	repaid, err := p.Repay(alice, owed)
	require.NoError(t, err)
	require.Equal(t, owed, repaid)

	returned, err := p.CloseTrove(alice)
	require.NoError(t, err)
	require.Equal(t, 3000*unit, returned)
	bal, err := p.BalanceOf(AssetCollateral, alice)
	require.NoError(t, err)
	require.Equal(t, 3000*unit, bal)
	require.Empty(t, p.Troves())
}

func TestSnapshotRoundTrip(t *testing.T) {
	p, clock := newProtocol(t)
	require.NoError(t, p.Mint(AssetCollateral, addrs.Owner, alice, 3000*unit))
	require.NoError(t, p.OpenTrove(alice, 3000*unit, 100*unit, 5_000_000))
	_, err := p.Deposit(alice, 50*unit)
	require.NoError(t, err)
	require.NoError(t, p.Approve(AssetDebt, alice, bob, 10*unit))
	snap := p.Export()

	q, err := New(DefaultParams(), addrs, clock, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, q.Import(snap))
	require.Equal(t, snap, q.Export())

	require.NoError(t, q.TransferFrom(AssetDebt, bob, alice, bob, 10*unit))
	bal, err := q.BalanceOf(AssetDebt, bob)
	require.NoError(t, err)
	require.Equal(t, 10*unit, bal)

	require.Error(t, q.Import(Snapshot{}))
}

func TestCollateralExchangeRate(t *testing.T) {
	p, clock := newProtocol(t)
	require.Equal(t, unit, p.Status().CollateralExchangeRate)

	clock.Advance(fixedpoint.SecondsPerYear)
	require.Equal(t, uint64(1_100_000_000), p.Status().CollateralExchangeRate)
	v, err := p.UnderlyingValue(100 * unit)
	require.NoError(t, err)
	require.Equal(t, 110*unit, v)

	// A restored instance keeps the original accrual start.
	snap := p.Export()
	q, err := New(DefaultParams(), addrs, clock, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, unit, q.Status().CollateralExchangeRate)
	require.NoError(t, q.Import(snap))
	require.Equal(t, uint64(1_100_000_000), q.Status().CollateralExchangeRate)

	params := DefaultParams()
	params.CollateralYield = 0
	flat, err := New(params, addrs, clock, zerolog.Nop())
	require.NoError(t, err)
	clock.Advance(fixedpoint.SecondsPerYear)
	require.Equal(t, unit, flat.Status().CollateralExchangeRate)
}
