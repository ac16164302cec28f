// Package service runs the keeper: each tick it samples the reference and
// market prices, feeds the oracle, sweeps liquidatable troves, forwards
// revenue to the stability pool and persists the outcome.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cdp-ledger/internal/alerting"
	"cdp-ledger/internal/config"
	"cdp-ledger/internal/fetcher"
	"cdp-ledger/internal/fixedpoint"
	"cdp-ledger/internal/metrics"
	"cdp-ledger/internal/pricefeed"
	"cdp-ledger/internal/protocol"
	"cdp-ledger/internal/scheduler"
	"cdp-ledger/internal/storage"
	"cdp-ledger/internal/trove"
)

// Oracle submission outcomes.
const (
	SubmitAccepted = "accepted"
	SubmitClamped  = "clamped"
	SubmitRejected = "rejected"
	SubmitFailed   = "failed"
	SubmitSkipped  = "skipped"
)

// StateSaver persists protocol snapshots.
type StateSaver interface {
	Save(protocol.Snapshot) error
}

// Deps are the collaborators of a Service. Only Protocol and Reference are
// required.
type Deps struct {
	Scheduler    *scheduler.Scheduler
	Protocol     *protocol.Protocol
	Reference    fetcher.ReferencePriceFetcher
	Market       fetcher.MarketPriceFetcher
	State        StateSaver
	Samples      storage.PriceSampleStore
	Liquidations storage.LiquidationStore
	Alerts       storage.AlertStore
	Notifier     alerting.Notifier
	Metrics      *metrics.Collector
	Keeper       common.Address
}

// TickResult summarises one keeper tick.
type TickResult struct {
	Bucket         time.Time
	ReferencePrice decimal.Decimal
	MarketPrice    decimal.Decimal
	DeviationPct   decimal.Decimal
	Submission     string
	Liquidations   []trove.Liquidation
	Failures       []protocol.LiquidationFailure
	Forwarded      uint64
	Status         protocol.Status
}

// Service orchestrates the keeper tick.
type Service struct {
	deps   Deps
	logger zerolog.Logger

	symbol         string
	threshold      decimal.Decimal
	notional       decimal.Decimal
	channels       []string
	alertsOn       bool
	liqAlerts      bool
	cooldown       time.Duration
	locker         storage.AdvisoryLocker
	lockKey        int64
	clamp          bool
	mu             sync.Mutex
	lastDeviation  time.Time
	lastLiquidated time.Time
}

// New constructs the keeper service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) (*Service, error) {
	if deps.Protocol == nil {
		return nil, errors.New("service: protocol required")
	}
	if deps.Reference == nil {
		return nil, errors.New("service: reference fetcher required")
	}
	if deps.Keeper == (common.Address{}) {
		return nil, errors.New("service: keeper address required")
	}

	threshold := decimal.Zero
	if cfg.Alerting.Enabled && cfg.Alerting.ThresholdPct > 0 {
		threshold = decimal.NewFromFloat(cfg.Alerting.ThresholdPct)
	}

	var locker storage.AdvisoryLocker
	if l, ok := deps.Samples.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		deps:      deps,
		logger:    logger.With().Str("component", "keeper").Logger(),
		symbol:    cfg.Protocol.CollateralSymbol,
		threshold: threshold,
		notional:  decimal.NewFromFloat(cfg.Cow.NotionalCollateral),
		channels:  cfg.Alerting.Channels,
		alertsOn:  cfg.Alerting.Enabled,
		liqAlerts: cfg.Alerting.Enabled && cfg.Alerting.Liquidations,
		cooldown:  cfg.Alerting.Cooldown,
		locker:    locker,
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
		clamp:     cfg.Protocol.Oracle.ClampSubmissions,
	}, nil
}

// Run begins the aligned keeper loop.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket 执行单个时间桶的 keeper 逻辑。
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	_, err := s.Tick(ctx, bucket)
	return err
}

// Tick runs one keeper tick under the advisory lock. A nil result with a nil
// error means another instance holds the lock.
func (s *Service) Tick(ctx context.Context, bucket time.Time) (*TickResult, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil, nil
	}
	if unlock != nil {
		defer unlock()
	}

	started := time.Now()
	res, err := s.executeBucket(ctx, bucket)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.deps.Metrics.ObserveTick(outcome, time.Since(started))
	return res, err
}

func (s *Service) executeBucket(ctx context.Context, bucket time.Time) (*TickResult, error) {
	res := &TickResult{Bucket: bucket, Submission: SubmitSkipped}
	sample := storage.PriceSample{
		Bucket:             bucket,
		NotionalCollateral: s.notional,
		Status:             "complete",
		CreatedAt:          time.Now().UTC(),
	}
	var problems []string

	round, refErr := s.deps.Reference.FetchReference(ctx)
	if refErr != nil {
		s.logger.Warn().Err(refErr).Time("bucket", bucket).Msg("reference price unavailable")
		problems = append(problems, "reference: "+refErr.Error())
	} else {
		res.ReferencePrice = round.Price
		sample.ReferencePrice = round.Price
		if round.RoundID <= uint64(1<<63-1) {
			id := int64(round.RoundID)
			sample.RoundID = &id
		}
		res.Submission = s.submitPrice(round.Price)
		sample.Submitted = res.Submission == SubmitAccepted || res.Submission == SubmitClamped
	}

	if s.deps.Market != nil {
		marketPrice, quote, quality, err := s.deps.Market.FetchMarket(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Time("bucket", bucket).Msg("market price unavailable")
			problems = append(problems, "market: "+err.Error())
		} else {
			res.MarketPrice = marketPrice
			sample.MarketPrice = marketPrice
			sample.CowQuote = quote
			sample.CowQuality = quality
			if refErr == nil && round.Price.IsPositive() {
				res.DeviationPct = marketPrice.Div(round.Price).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))
				sample.DeviationPct = res.DeviationPct
				s.deps.Metrics.SetDeviation(res.DeviationPct.InexactFloat64())
			}
		}
	}

	liqs, failures, err := s.deps.Protocol.LiquidateAll(s.deps.Keeper)
	if err != nil {
		s.logger.Warn().Err(err).Time("bucket", bucket).Msg("liquidation sweep skipped")
		problems = append(problems, "liquidations: "+err.Error())
	}
	res.Liquidations = liqs
	res.Failures = failures
	for _, l := range liqs {
		s.deps.Metrics.ObserveLiquidation(l)
		s.logger.Info().Str("owner", l.Owner.Hex()).
			Str("debt", fixedpoint.Format(l.Debt)).
			Str("collateral", fixedpoint.Format(l.Collateral)).
			Bool("absorbed", l.Absorbed).
			Msg("trove liquidated")
	}
	for _, f := range failures {
		s.logger.Error().Err(f.Err).Str("owner", f.Owner.Hex()).Msg("liquidation failed")
	}

	forwarded, err := s.deps.Protocol.ForwardRevenue(s.deps.Keeper)
	if err != nil {
		s.logger.Warn().Err(err).Msg("revenue forwarding failed")
		problems = append(problems, "revenue: "+err.Error())
	}
	res.Forwarded = forwarded

	if s.deps.State != nil {
		if err := s.deps.State.Save(s.deps.Protocol.Export()); err != nil {
			return res, fmt.Errorf("persist protocol state: %w", err)
		}
	}

	res.Status = s.deps.Protocol.Status()
	s.deps.Metrics.ObserveStatus(res.Status)
	sample.OraclePrice = fixedpoint.ToDecimal(res.Status.Price)
	sample.OracleTwap = fixedpoint.ToDecimal(res.Status.Twap)
	if len(problems) > 0 {
		sample.Status = "partial"
		msg := strings.Join(problems, "; ")
		sample.Error = &msg
	}

	s.record(ctx, sample, res)

	s.logger.Info().Time("bucket", bucket).
		Str("reference", res.ReferencePrice.String()).
		Str("deviation_pct", res.DeviationPct.String()).
		Str("submission", res.Submission).
		Int("liquidations", len(liqs)).
		Str("forwarded", fixedpoint.Format(forwarded)).
		Msg("keeper tick recorded")

	s.maybeAlertDeviation(ctx, res)
	s.maybeAlertLiquidations(ctx, res)

	return res, nil
}

func (s *Service) submitPrice(price decimal.Decimal) string {
	scaled, err := fixedpoint.FromDecimal(price)
	if err != nil {
		s.logger.Error().Err(err).Str("price", price.String()).Msg("reference price not representable")
		s.deps.Metrics.ObserveOracleUpdate(SubmitFailed)
		return SubmitFailed
	}
	err = s.deps.Protocol.UpdatePrice(s.deps.Keeper, scaled)
	result := SubmitAccepted
	if errors.Is(err, pricefeed.ErrDeviationTooHigh) && s.clamp {
		var bounded uint64
		if bounded, err = s.clampToBand(scaled); err == nil {
			err = s.deps.Protocol.UpdatePrice(s.deps.Keeper, bounded)
		}
		if err == nil {
			s.logger.Warn().Str("price", price.String()).Str("submitted", fixedpoint.Format(bounded)).Msg("reference price clamped to oracle band")
			result = SubmitClamped
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, pricefeed.ErrDeviationTooHigh):
		s.logger.Warn().Err(err).Str("price", price.String()).Msg("oracle rejected reference price")
		result = SubmitRejected
	default:
		s.logger.Error().Err(err).Str("price", price.String()).Msg("oracle update failed")
		result = SubmitFailed
	}
	s.deps.Metrics.ObserveOracleUpdate(result)
	return result
}

// clampToBand moves price to the nearest edge of the deviation band around
// the oracle TWAP.
func (s *Service) clampToBand(price uint64) (uint64, error) {
	twap := s.deps.Protocol.Status().Twap
	maxDev := s.deps.Protocol.Params().Oracle.MaxDeviationPct
	if price > twap {
		return fixedpoint.Percent(twap, fixedpoint.PercentBase+maxDev)
	}
	return fixedpoint.Percent(twap, fixedpoint.SubFloor(fixedpoint.PercentBase, maxDev))
}

func (s *Service) record(ctx context.Context, sample storage.PriceSample, res *TickResult) {
	if s.deps.Samples != nil {
		if err := s.deps.Samples.UpsertPriceSample(ctx, sample); err != nil {
			s.logger.Error().Err(err).Time("bucket", sample.Bucket).Msg("failed to upsert sample")
		}
	}
	if s.deps.Liquidations == nil {
		return
	}
	for _, l := range res.Liquidations {
		rec := storage.LiquidationRecord{
			Bucket:       res.Bucket,
			Owner:        l.Owner.Hex(),
			Liquidator:   l.Liquidator.Hex(),
			Debt:         fixedpoint.ToDecimal(l.Debt),
			Collateral:   fixedpoint.ToDecimal(l.Collateral),
			Penalty:      fixedpoint.ToDecimal(l.Penalty),
			ToPool:       fixedpoint.ToDecimal(l.ToPool),
			Absorbed:     l.Absorbed,
			LiquidatedAt: time.Unix(int64(l.Time), 0).UTC(),
		}
		if err := s.deps.Liquidations.InsertLiquidation(ctx, rec); err != nil {
			s.logger.Error().Err(err).Str("owner", rec.Owner).Msg("failed to record liquidation")
		}
	}
}

func (s *Service) maybeAlertDeviation(ctx context.Context, res *TickResult) {
	if !s.alertsOn || s.deps.Notifier == nil || s.threshold.IsZero() {
		return
	}
	if !res.DeviationPct.Abs().GreaterThan(s.threshold) {
		return
	}
	if !s.cooledDown(&s.lastDeviation, res.Bucket) {
		s.logger.Debug().Time("bucket", res.Bucket).Msg("deviation alert suppressed by cooldown")
		return
	}

	direction := classifyDeviation(res.DeviationPct)
	note := alerting.Notification{
		Kind:               alerting.KindDeviation,
		Bucket:             res.Bucket,
		Symbol:             s.symbol,
		ReferencePrice:     res.ReferencePrice,
		MarketPrice:        res.MarketPrice,
		OraclePrice:        fixedpoint.ToDecimal(res.Status.Price),
		DeviationPct:       res.DeviationPct,
		ThresholdPct:       s.threshold,
		Direction:          direction,
		Channels:           s.channels,
		NotionalCollateral: s.notional,
	}
	s.dispatch(ctx, note, storage.AlertRecord{
		SampleTS:     res.Bucket,
		Kind:         storage.AlertKindDeviation,
		DeviationPct: res.DeviationPct,
		ThresholdPct: s.threshold,
		Direction:    direction,
		Channels:     s.channels,
	})
}

func (s *Service) maybeAlertLiquidations(ctx context.Context, res *TickResult) {
	if !s.liqAlerts || s.deps.Notifier == nil || len(res.Liquidations) == 0 {
		return
	}
	if !s.cooledDown(&s.lastLiquidated, res.Bucket) {
		s.logger.Debug().Time("bucket", res.Bucket).Msg("liquidation alert suppressed by cooldown")
		return
	}

	note := alerting.Notification{
		Kind:        alerting.KindLiquidation,
		Bucket:      res.Bucket,
		Symbol:      s.symbol,
		OraclePrice: fixedpoint.ToDecimal(res.Status.Price),
		Channels:    s.channels,
	}
	absorbed := 0
	for _, l := range res.Liquidations {
		note.Liquidations = append(note.Liquidations, alerting.Liquidation{
			Owner:      l.Owner.Hex(),
			Debt:       fixedpoint.ToDecimal(l.Debt),
			Collateral: fixedpoint.ToDecimal(l.Collateral),
			Absorbed:   l.Absorbed,
		})
		if l.Absorbed {
			absorbed++
		}
	}
	direction := "absorbed"
	switch {
	case absorbed == 0:
		direction = "stranded"
	case absorbed < len(res.Liquidations):
		direction = "mixed"
	}
	s.dispatch(ctx, note, storage.AlertRecord{
		SampleTS:  res.Bucket,
		Kind:      storage.AlertKindLiquidation,
		Direction: direction,
		Channels:  s.channels,
	})
}

func (s *Service) dispatch(ctx context.Context, note alerting.Notification, record storage.AlertRecord) {
	if s.deps.Alerts != nil {
		if _, err := s.deps.Alerts.InsertAlert(ctx, record); err != nil {
			s.logger.Error().Err(err).Time("bucket", note.Bucket).Msg("failed to persist alert record")
		}
	}
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Time("bucket", note.Bucket).Str("kind", string(note.Kind)).Msg("failed to dispatch alert")
	}
}

// cooledDown reports whether an alert may fire at bucket and, if so, marks it.
func (s *Service) cooledDown(last *time.Time, bucket time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cooldown > 0 && !last.IsZero() && bucket.Sub(*last) < s.cooldown {
		return false
	}
	*last = bucket
	return true
}

func classifyDeviation(d decimal.Decimal) string {
	switch d.Sign() {
	case 1:
		return "premium"
	case -1:
		return "discount"
	default:
		return "flat"
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
