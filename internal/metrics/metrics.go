// Package metrics exposes protocol and keeper metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdp-ledger/internal/fixedpoint"
	"cdp-ledger/internal/protocol"
	"cdp-ledger/internal/trove"
)

const namespace = "cdp"

// Collector holds the protocol metrics. A nil Collector discards
// observations.
type Collector struct {
	registry prometheus.Gatherer

	calls           *prometheus.CounterVec
	liquidations    *prometheus.CounterVec
	liquidatedDebt  prometheus.Counter
	oracleUpdates   *prometheus.CounterVec
	price           prometheus.Gauge
	twap            prometheus.Gauge
	priceStale      prometheus.Gauge
	deviation       prometheus.Gauge
	tcr             prometheus.Gauge
	totalDebt       prometheus.Gauge
	totalCollateral prometheus.Gauge
	activeTroves    prometheus.Gauge
	poolDeposits    prometheus.Gauge
	pendingRevenue  prometheus.Gauge
	strandedDebt    prometheus.Gauge
	tickDuration    *prometheus.HistogramVec
}

var (
	defaultOnce      sync.Once
	defaultCollector *Collector
)

// Default returns a collector registered with the global registry.
func Default() *Collector {
	defaultOnce.Do(func() {
		defaultCollector = New(prometheus.DefaultRegisterer)
	})
	return defaultCollector
}

// New builds a collector and registers it with reg. When reg is also a
// Gatherer, Handler serves it.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Protocol calls by operation and fault kind.",
		}, []string{"op", "fault"}),
		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Liquidated troves by whether the stability pool absorbed them.",
		}, []string{"absorbed"}),
		liquidatedDebt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidated_debt_total",
			Help:      "Debt removed by liquidations, in debt token units.",
		}),
		oracleUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_updates_total",
			Help:      "Oracle price submissions by result.",
		}, []string{"result"}),
		price: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "oracle_price",
			Help:      "Spot collateral price.",
		}),
		twap: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "oracle_twap",
			Help:      "Smoothed collateral price.",
		}),
		priceStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "oracle_stale",
			Help:      "1 when the oracle price is stale.",
		}),
		deviation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_deviation_percent",
			Help:      "Deviation of the market price from the reference price.",
		}),
		tcr: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_collateral_ratio_percent",
			Help:      "System-wide collateral ratio.",
		}),
		totalDebt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_debt",
			Help:      "Debt recorded across active troves.",
		}),
		totalCollateral: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_collateral",
			Help:      "Collateral locked in active troves.",
		}),
		activeTroves: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_troves",
			Help:      "Number of active troves.",
		}),
		poolDeposits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stability_pool_deposits",
			Help:      "Debt tokens deposited in the stability pool.",
		}),
		pendingRevenue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_revenue",
			Help:      "Interest and fees not yet forwarded to the stability pool.",
		}),
		strandedDebt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stranded_debt",
			Help:      "Debt of liquidations the stability pool could not absorb.",
		}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keeper_tick_duration_seconds",
			Help:      "Keeper tick duration by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		c.calls,
		c.liquidations,
		c.liquidatedDebt,
		c.oracleUpdates,
		c.price,
		c.twap,
		c.priceStale,
		c.deviation,
		c.tcr,
		c.totalDebt,
		c.totalCollateral,
		c.activeTroves,
		c.poolDeposits,
		c.pendingRevenue,
		c.strandedDebt,
		c.tickDuration,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.registry = g
	}
	return c
}

// Handler serves the registry the collector was registered with.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveCall implements protocol.Observer.
func (c *Collector) ObserveCall(op, fault string) {
	if c == nil {
		return
	}
	if fault == "" {
		fault = "unknown"
	}
	c.calls.WithLabelValues(op, fault).Inc()
}

// ObserveLiquidation records one liquidated trove.
func (c *Collector) ObserveLiquidation(l trove.Liquidation) {
	if c == nil {
		return
	}
	c.liquidations.WithLabelValues(strconv.FormatBool(l.Absorbed)).Inc()
	c.liquidatedDebt.Add(units(l.Debt))
}

// ObserveOracleUpdate records a price submission outcome such as
// "accepted" or "rejected".
func (c *Collector) ObserveOracleUpdate(result string) {
	if c == nil {
		return
	}
	c.oracleUpdates.WithLabelValues(result).Inc()
}

// SetDeviation records the latest deviation between price sources.
func (c *Collector) SetDeviation(pct float64) {
	if c == nil {
		return
	}
	c.deviation.Set(pct)
}

// ObserveStatus refreshes the protocol gauges.
func (c *Collector) ObserveStatus(st protocol.Status) {
	if c == nil {
		return
	}
	c.price.Set(units(st.Price))
	c.twap.Set(units(st.Twap))
	if st.Stale {
		c.priceStale.Set(1)
	} else {
		c.priceStale.Set(0)
	}
	if st.Totals.Debt > 0 {
		c.tcr.Set(float64(st.TotalCollateralRatio))
	} else {
		c.tcr.Set(0)
	}
	c.totalDebt.Set(units(st.Totals.Debt))
	c.totalCollateral.Set(units(st.Totals.Collateral))
	c.activeTroves.Set(float64(st.Totals.ActiveCount))
	c.poolDeposits.Set(units(st.Pool.TotalDeposits))
	c.pendingRevenue.Set(units(st.Reserves.PendingRevenue))
	c.strandedDebt.Set(units(st.Reserves.StrandedDebt))
}

// ObserveTick records the duration of one keeper tick.
func (c *Collector) ObserveTick(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.tickDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func units(amount uint64) float64 {
	return fixedpoint.ToDecimal(amount).InexactFloat64()
}
