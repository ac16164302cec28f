package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cdp-ledger/internal/alerting"
	"cdp-ledger/internal/config"
	"cdp-ledger/internal/fetcher"
	"cdp-ledger/internal/fixedpoint"
	"cdp-ledger/internal/metrics"
	"cdp-ledger/internal/protocol"
	"cdp-ledger/internal/storage"
)

const unit = fixedpoint.Decimals

var (
	addrs = protocol.Addresses{
		Owner:         common.HexToAddress("0x0a"),
		TroveLedger:   common.HexToAddress("0x7e"),
		StabilityPool: common.HexToAddress("0x5b"),
	}
	keeper = common.HexToAddress("0x4e")
	alice  = common.HexToAddress("0xa1")
	bob    = common.HexToAddress("0xb0")
)

type fakeReference struct {
	round fetcher.ReferenceRound
	err   error
}

func (f *fakeReference) FetchReference(context.Context) (fetcher.ReferenceRound, error) {
	return f.round, f.err
}

type fakeMarket struct {
	price decimal.Decimal
	err   error
}

func (f *fakeMarket) FetchMarket(context.Context) (decimal.Decimal, json.RawMessage, string, error) {
	return f.price, json.RawMessage(`{"quote":{}}`), "optimal", f.err
}

type memStore struct {
	mu           sync.Mutex
	samples      []storage.PriceSample
	liquidations []storage.LiquidationRecord
	alerts       []storage.AlertRecord
}

func (m *memStore) UpsertPriceSample(_ context.Context, s storage.PriceSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	return nil
}

func (m *memStore) ListSamplesBetween(context.Context, time.Time, time.Time) ([]storage.PriceSample, error) {
	return m.samples, nil
}

func (m *memStore) ListRecentSamples(context.Context, int) ([]storage.PriceSample, error) {
	return m.samples, nil
}

func (m *memStore) MarkSampleErrored(context.Context, time.Time, string) error { return nil }

func (m *memStore) CountSamples(context.Context) (int64, error) { return int64(len(m.samples)), nil }

func (m *memStore) InsertLiquidation(_ context.Context, rec storage.LiquidationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liquidations = append(m.liquidations, rec)
	return nil
}

func (m *memStore) ListRecentLiquidations(context.Context, int) ([]storage.LiquidationRecord, error) {
	return m.liquidations, nil
}

func (m *memStore) InsertAlert(_ context.Context, a storage.AlertRecord) (storage.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return a, nil
}

func (m *memStore) ListRecentAlerts(context.Context, int) ([]storage.AlertRecord, error) {
	return m.alerts, nil
}

func (m *memStore) DeleteAlertsBefore(context.Context, time.Time) error { return nil }

type lockingStore struct {
	*memStore
	held bool
}

func (l *lockingStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if l.held {
		return nil, false, nil
	}
	return func() {}, true, nil
}

type recordingNotifier struct {
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n alerting.Notification) error {
	r.notes = append(r.notes, n)
	return nil
}

type memState struct {
	saved []protocol.Snapshot
	err   error
}

func (m *memState) Save(s protocol.Snapshot) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, s)
	return nil
}

type fixture struct {
	proto    *protocol.Protocol
	clock    *protocol.ManualClock
	ref      *fakeReference
	market   *fakeMarket
	store    *memStore
	state    *memState
	notifier *recordingNotifier
	metrics  *metrics.Collector
	svc      *Service
}

func testConfig() *config.Config {
	return &config.Config{
		Alerting: config.AlertingConfig{
			Enabled:      true,
			ThresholdPct: 2,
			Cooldown:     30 * time.Minute,
			Liquidations: true,
			Channels:     []string{"telegram"},
		},
		Cow:      config.CowConfig{NotionalCollateral: 1000},
		Protocol: config.ProtocolConfig{CollateralSymbol: "stCOLL"},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := protocol.NewManualClock(1_700_000_000)
	p, err := protocol.New(protocol.DefaultParams(), addrs, clock, zerolog.Nop())
	if err != nil {
		t.Fatalf("创建协议失败: %v", err)
	}
	if err := p.AddFeeder(addrs.Owner, keeper); err != nil {
		t.Fatalf("添加 keeper 喂价权限失败: %v", err)
	}

	f := &fixture{
		proto:    p,
		clock:    clock,
		ref:      &fakeReference{round: fetcher.ReferenceRound{Price: decimal.RequireFromString("0.05"), RoundID: 7}},
		market:   &fakeMarket{price: decimal.RequireFromString("0.05")},
		store:    &memStore{},
		state:    &memState{},
		notifier: &recordingNotifier{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	f.svc, err = New(testConfig(), Deps{
		Protocol:     p,
		Reference:    f.ref,
		Market:       f.market,
		State:        f.state,
		Samples:      f.store,
		Liquidations: f.store,
		Alerts:       f.store,
		Notifier:     f.notifier,
		Metrics:      f.metrics,
		Keeper:       keeper,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("创建 keeper 失败: %v", err)
	}
	return f
}

func mustNoErr(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

// openPositions gives alice a trove at the minimum ratio and bob a safe trove
// backing a stability pool deposit.
func openPositions(t *testing.T, f *fixture) {
	t.Helper()
	p := f.proto
	mustNoErr(t, p.Mint(protocol.AssetCollateral, addrs.Owner, alice, 3000*unit), "铸造抵押品失败")
	mustNoErr(t, p.Mint(protocol.AssetCollateral, addrs.Owner, bob, 10_000*unit), "铸造抵押品失败")
	mustNoErr(t, p.OpenTrove(alice, 3000*unit, 100*unit, 5_000_000), "alice 开仓失败")
	mustNoErr(t, p.OpenTrove(bob, 10_000*unit, 200*unit, 5_000_000), "bob 开仓失败")
	_, err := p.Deposit(bob, 150*unit)
	mustNoErr(t, err, "存入稳定池失败")
}

func walkPriceDown(t *testing.T, p *protocol.Protocol, target uint64) {
	t.Helper()
	for i := 0; i < 500 && p.Status().Price > target; i++ {
		mustNoErr(t, p.UpdatePrice(addrs.Owner, p.Status().Twap*95/100), "喂价失败")
	}
	if p.Status().Price > target {
		t.Fatalf("价格未能降到 %d", target)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(testConfig(), Deps{}, zerolog.Nop()); err == nil {
		t.Fatal("缺少协议实例时应报错")
	}
	p, err := protocol.New(protocol.DefaultParams(), addrs, nil, zerolog.Nop())
	mustNoErr(t, err, "创建协议失败")
	if _, err := New(testConfig(), Deps{Protocol: p}, zerolog.Nop()); err == nil {
		t.Fatal("缺少参考价格源时应报错")
	}
	if _, err := New(testConfig(), Deps{Protocol: p, Reference: &fakeReference{}}, zerolog.Nop()); err == nil {
		t.Fatal("缺少 keeper 地址时应报错")
	}
}

func TestTickFeedsOracleAndRecordsSample(t *testing.T) {
	f := newFixture(t)
	f.ref.round.Price = decimal.RequireFromString("0.051")
	bucket := time.Date(2025, 1, 1, 0, 1, 0, 0, time.UTC)

	res, err := f.svc.Tick(context.Background(), bucket)
	mustNoErr(t, err, "tick 应成功")
	if res.Submission != SubmitAccepted {
		t.Fatalf("喂价应被接受, 实际 %s", res.Submission)
	}
	if res.Status.Price != 51_000_000 {
		t.Fatalf("预言机价格应为 0.051, 实际 %d", res.Status.Price)
	}
	if len(f.state.saved) != 1 {
		t.Fatalf("每次 tick 应保存一次状态, 实际 %d", len(f.state.saved))
	}
	if len(f.store.samples) != 1 {
		t.Fatalf("应记录一条样本, 实际 %d", len(f.store.samples))
	}
	sample := f.store.samples[0]
	if !sample.Submitted || sample.Status != "complete" || sample.RoundID == nil || *sample.RoundID != 7 {
		t.Fatalf("样本内容不正确: %+v", sample)
	}
	if !sample.OraclePrice.Equal(decimal.RequireFromString("0.051")) {
		t.Fatalf("样本中的预言机价格不正确: %s", sample.OraclePrice)
	}
	// market 0.05 against reference 0.051
	if !res.DeviationPct.Round(4).Equal(decimal.RequireFromString("-1.9608")) {
		t.Fatalf("偏离度计算不正确: %s", res.DeviationPct)
	}
	if len(f.notifier.notes) != 0 {
		t.Fatal("偏离未超过阈值时不应告警")
	}
}

func TestTickRejectsOutlierPrice(t *testing.T) {
	f := newFixture(t)
	f.ref.round.Price = decimal.RequireFromString("0.06")

	res, err := f.svc.Tick(context.Background(), time.Now().UTC())
	mustNoErr(t, err, "异常价格不应导致 tick 失败")
	if res.Submission != SubmitRejected {
		t.Fatalf("偏离过大的价格应被拒绝, 实际 %s", res.Submission)
	}
	if res.Status.Price != 50_000_000 {
		t.Fatalf("被拒绝后价格不应变化, 实际 %d", res.Status.Price)
	}
	if f.store.samples[0].Submitted {
		t.Fatal("样本不应标记为已提交")
	}
}

func TestTickClampsOutlierPriceToBand(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	cfg.Protocol.Oracle.ClampSubmissions = true
	svc, err := New(cfg, Deps{
		Protocol:  f.proto,
		Reference: f.ref,
		Market:    f.market,
		State:     f.state,
		Samples:   f.store,
		Keeper:    keeper,
	}, zerolog.Nop())
	mustNoErr(t, err, "创建 keeper 失败")
	f.ref.round.Price = decimal.RequireFromString("0.06")
	bucket := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	res, err := svc.Tick(context.Background(), bucket)
	mustNoErr(t, err, "tick 应成功")
	if res.Submission != SubmitClamped {
		t.Fatalf("偏离过大的价格应被截断后提交, 实际 %s", res.Submission)
	}
	if res.Status.Price != 52_500_000 {
		t.Fatalf("截断后的价格应为 TWAP 上浮 5%%, 实际 %d", res.Status.Price)
	}
	if !f.store.samples[0].Submitted {
		t.Fatal("截断提交的样本应标记为已提交")
	}

	// The TWAP catches up until the reference price fits the band.
	for i := 1; i < 100 && res.Submission == SubmitClamped; i++ {
		f.clock.Advance(60)
		res, err = svc.Tick(context.Background(), bucket.Add(time.Duration(i)*time.Minute))
		mustNoErr(t, err, "tick 应成功")
	}
	if res.Submission != SubmitAccepted || res.Status.Price != 60_000_000 {
		t.Fatalf("TWAP 追上后应直接接受参考价格, 实际 %s %d", res.Submission, res.Status.Price)
	}
	if res.Status.Stale {
		t.Fatal("预言机不应过期")
	}
}

func TestTickLiquidatesUndercollateralizedTrove(t *testing.T) {
	f := newFixture(t)
	openPositions(t, f)
	walkPriceDown(t, f.proto, 36_000_000)

	f.ref.round.Price = fixedpoint.ToDecimal(f.proto.Status().Price)
	f.market.price = f.ref.round.Price
	bucket := time.Date(2025, 1, 1, 0, 2, 0, 0, time.UTC)

	res, err := f.svc.Tick(context.Background(), bucket)
	mustNoErr(t, err, "tick 应成功")
	if res.Submission != SubmitAccepted {
		t.Fatalf("喂价应被接受, 实际 %s", res.Submission)
	}
	if len(res.Liquidations) != 1 || res.Liquidations[0].Owner != alice {
		t.Fatalf("应清算 alice 的仓位, 实际 %+v", res.Liquidations)
	}
	if !res.Liquidations[0].Absorbed {
		t.Fatal("稳定池应吸收该清算")
	}
	if len(res.Failures) != 0 {
		t.Fatalf("不应有失败的清算: %+v", res.Failures)
	}
	if f.proto.Trove(alice).Trove.Active {
		t.Fatal("被清算的仓位应已关闭")
	}
	if !f.proto.Trove(bob).Trove.Active {
		t.Fatal("bob 的仓位应保持有效")
	}
	if res.Forwarded == 0 {
		t.Fatal("应转发借款手续费到稳定池")
	}

	if len(f.store.liquidations) != 1 {
		t.Fatalf("应记录一条清算, 实际 %d", len(f.store.liquidations))
	}
	rec := f.store.liquidations[0]
	if rec.Owner != alice.Hex() || !rec.Absorbed || !rec.ToPool.Equal(decimal.NewFromInt(2850)) {
		t.Fatalf("清算记录不正确: %+v", rec)
	}

	if len(f.notifier.notes) != 1 || f.notifier.notes[0].Kind != alerting.KindLiquidation {
		t.Fatalf("应发送一条清算告警, 实际 %+v", f.notifier.notes)
	}
	if len(f.store.alerts) != 1 || f.store.alerts[0].Kind != storage.AlertKindLiquidation || f.store.alerts[0].Direction != "absorbed" {
		t.Fatalf("告警记录不正确: %+v", f.store.alerts)
	}
}

func TestDeviationAlertCooldown(t *testing.T) {
	f := newFixture(t)
	f.market.price = decimal.RequireFromString("0.052")
	bucket := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := f.svc.Tick(context.Background(), bucket.Add(time.Duration(i)*time.Minute))
		mustNoErr(t, err, "tick 应成功")
	}
	if len(f.notifier.notes) != 1 {
		t.Fatalf("冷却期内只应告警一次, 实际 %d", len(f.notifier.notes))
	}
	note := f.notifier.notes[0]
	if note.Kind != alerting.KindDeviation || note.Direction != "premium" {
		t.Fatalf("偏离告警内容不正确: %+v", note)
	}

	_, err := f.svc.Tick(context.Background(), bucket.Add(31*time.Minute))
	mustNoErr(t, err, "tick 应成功")
	if len(f.notifier.notes) != 2 {
		t.Fatalf("冷却期后应再次告警, 实际 %d", len(f.notifier.notes))
	}
}

func TestTickSurvivesSourceFailures(t *testing.T) {
	f := newFixture(t)
	f.ref.err = errors.New("rpc down")
	f.market.err = errors.New("cow down")

	res, err := f.svc.Tick(context.Background(), time.Now().UTC())
	mustNoErr(t, err, "价格源失败不应中断 tick")
	if res.Submission != SubmitSkipped {
		t.Fatalf("无参考价格时不应喂价, 实际 %s", res.Submission)
	}
	sample := f.store.samples[0]
	if sample.Status != "partial" || sample.Error == nil {
		t.Fatalf("样本应标记为 partial: %+v", sample)
	}
	if len(f.state.saved) != 1 {
		t.Fatal("仍应保存协议状态")
	}
}

func TestTickFailsWhenStateCannotBePersisted(t *testing.T) {
	f := newFixture(t)
	f.state.err = errors.New("disk full")

	if _, err := f.svc.Tick(context.Background(), time.Now().UTC()); err == nil {
		t.Fatal("状态保存失败时 tick 应报错")
	}
	if len(f.store.samples) != 0 {
		t.Fatal("状态未保存时不应记录样本")
	}
}

func TestTickSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	cfg.Scheduler.AdvisoryLockKey = 42
	locked := &lockingStore{memStore: f.store, held: true}
	svc, err := New(cfg, Deps{
		Protocol:  f.proto,
		Reference: f.ref,
		Samples:   locked,
		Keeper:    keeper,
	}, zerolog.Nop())
	mustNoErr(t, err, "创建 keeper 失败")

	res, err := svc.Tick(context.Background(), time.Now().UTC())
	mustNoErr(t, err, "锁被占用时不应报错")
	if res != nil {
		t.Fatal("锁被占用时应跳过 tick")
	}

	locked.held = false
	res, err = svc.Tick(context.Background(), time.Now().UTC())
	mustNoErr(t, err, "tick 应成功")
	if res == nil {
		t.Fatal("获取锁后应执行 tick")
	}
}
