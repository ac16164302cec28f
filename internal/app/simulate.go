package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"cdp-ledger/internal/fetcher"
	"cdp-ledger/internal/fixedpoint"
	"cdp-ledger/internal/protocol"
	"cdp-ledger/internal/service"
)

var (
	simBorrower  = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	simDepositor = common.HexToAddress("0x000000000000000000000000000000000000b0b0")
)

// SimulateLiquidation 在内存中构造仓位，逐步下调价格直到触发清算，
// 并通过 keeper 流程输出结果。
func (a *App) SimulateLiquidation(ctx context.Context, opts SimulateOptions) error {
	params, err := a.Config.Protocol.Params()
	if err != nil {
		return err
	}
	addrs, err := a.Config.Protocol.Addresses()
	if err != nil {
		return err
	}
	keeper, err := a.Config.Protocol.KeeperAddress()
	if err != nil {
		return err
	}

	clock := protocol.NewManualClock(uint64(time.Now().Unix()))
	p, err := protocol.New(params, addrs, clock, a.Logger)
	if err != nil {
		return err
	}
	if keeper != addrs.Owner {
		if err := p.AddFeeder(addrs.Owner, keeper); err != nil {
			return err
		}
	}

	initial := fixedpoint.ToDecimal(params.InitialPrice)
	if err := seedPositions(p, addrs.Owner, params, initial); err != nil {
		return fmt.Errorf("seed positions: %w", err)
	}

	target := opts.TargetPrice
	if target.IsZero() {
		// 借款人仓位的抵押率落到清算线以下 5 个百分点
		target = initial.Mul(decimal.NewFromInt(int64(params.Trove.LiquidationRatio) - 5)).Div(decimal.NewFromInt(160))
	}
	if !target.IsPositive() || !target.LessThan(initial) {
		return errors.New("target price must be positive and below the initial price")
	}

	feed := &steppingFeed{protocol: p, target: target, maxStepPct: params.Oracle.MaxDeviationPct}
	deps := service.Deps{
		Protocol:  p,
		Reference: feed,
		Market:    feed,
		Keeper:    keeper,
	}
	if opts.Notify {
		if !a.Config.Alerting.Enabled {
			return errors.New("alerting 未启用")
		}
		if deps.Notifier = a.newNotifier(); deps.Notifier == nil {
			return errors.New("未配置任何告警通道")
		}
	}
	svc, err := service.New(a.Config, deps, a.Logger)
	if err != nil {
		return err
	}

	interval := a.Config.Scheduler.Interval
	bucket := time.Unix(int64(clock.Now()), 0).UTC()
	for i := 0; i < 1000; i++ {
		clock.Advance(uint64(interval / time.Second))
		bucket = bucket.Add(interval)
		res, err := svc.Tick(ctx, bucket)
		if err != nil {
			return err
		}
		if len(res.Liquidations) > 0 || len(res.Failures) > 0 {
			fmt.Fprintf(a.stdout(), "liquidation triggered after %d ticks\n", i+1)
			printTick(a.stdout(), res)
			return nil
		}
		if !fixedpoint.ToDecimal(res.Status.Price).GreaterThan(target) {
			break
		}
	}
	fmt.Fprintf(a.stdout(), "price reached %s without liquidations\n", target.String())
	return nil
}

// seedPositions opens a borrower trove at 160% and a safe trove whose debt
// backs a stability pool deposit.
func seedPositions(p *protocol.Protocol, owner common.Address, params protocol.Params, price decimal.Decimal) error {
	minDebt := fixedpoint.ToDecimal(params.Trove.MinDebt)
	rate := params.Trove.MinInterestRate

	borrowerColl, err := fixedpoint.FromDecimal(minDebt.Mul(decimal.RequireFromString("1.6")).Div(price))
	if err != nil {
		return err
	}
	depositorColl, err := fixedpoint.FromDecimal(minDebt.Mul(decimal.NewFromInt(30)).Div(price))
	if err != nil {
		return err
	}

	if err := p.Mint(protocol.AssetCollateral, owner, simBorrower, borrowerColl); err != nil {
		return err
	}
	if err := p.Mint(protocol.AssetCollateral, owner, simDepositor, depositorColl); err != nil {
		return err
	}
	if err := p.OpenTrove(simBorrower, borrowerColl, params.Trove.MinDebt, rate); err != nil {
		return err
	}
	if err := p.OpenTrove(simDepositor, depositorColl, 3*params.Trove.MinDebt, rate); err != nil {
		return err
	}
	_, err = p.Deposit(simDepositor, 2*params.Trove.MinDebt)
	return err
}

// steppingFeed walks the price toward target in steps the oracle accepts.
type steppingFeed struct {
	protocol   *protocol.Protocol
	target     decimal.Decimal
	maxStepPct uint64
}

func (s *steppingFeed) FetchReference(ctx context.Context) (fetcher.ReferenceRound, error) {
	st := s.protocol.Status()
	step := decimal.NewFromInt(int64(100 - s.maxStepPct)).Div(decimal.NewFromInt(100))
	next := fixedpoint.ToDecimal(st.Twap).Mul(step)
	if next.LessThan(s.target) {
		next = s.target
	}
	return fetcher.ReferenceRound{Price: next, UpdatedAt: st.Time}, nil
}

func (s *steppingFeed) FetchMarket(ctx context.Context) (decimal.Decimal, json.RawMessage, string, error) {
	round, err := s.FetchReference(ctx)
	return round.Price, json.RawMessage("{}"), "simulated", err
}

var _ fetcher.ReferencePriceFetcher = (*steppingFeed)(nil)
var _ fetcher.MarketPriceFetcher = (*steppingFeed)(nil)
