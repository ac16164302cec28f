package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"cdp-ledger/internal/protocol"
	"cdp-ledger/internal/trove"
)

func TestCollectorCounters(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.ObserveCall("open_trove", "none")
	c.ObserveCall("open_trove", "none")
	c.ObserveCall("open_trove", "invariant")
	c.ObserveCall("borrow", "")
	require.Equal(t, 2.0, testutil.ToFloat64(c.calls.WithLabelValues("open_trove", "none")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.calls.WithLabelValues("open_trove", "invariant")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.calls.WithLabelValues("borrow", "unknown")))

	c.ObserveLiquidation(trove.Liquidation{Debt: 100_500_000_000, Absorbed: true})
	c.ObserveLiquidation(trove.Liquidation{Debt: 1_000_000_000, Absorbed: false})
	require.Equal(t, 1.0, testutil.ToFloat64(c.liquidations.WithLabelValues("true")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.liquidations.WithLabelValues("false")))
	require.InDelta(t, 101.5, testutil.ToFloat64(c.liquidatedDebt), 1e-9)

	c.ObserveOracleUpdate("accepted")
	require.Equal(t, 1.0, testutil.ToFloat64(c.oracleUpdates.WithLabelValues("accepted")))
}

func TestCollectorStatusGauges(t *testing.T) {
	c := New(prometheus.NewRegistry())
	st := protocol.Status{
		Price:                50_000_000,
		Twap:                 49_000_000,
		Stale:                true,
		Totals:               trove.Totals{Collateral: 3000_000_000_000, Debt: 100_500_000_000, ActiveCount: 1},
		Reserves:             trove.Reserves{PendingRevenue: 500_000_000},
		TotalCollateralRatio: 149,
	}
	c.ObserveStatus(st)

	require.InDelta(t, 0.05, testutil.ToFloat64(c.price), 1e-12)
	require.InDelta(t, 0.049, testutil.ToFloat64(c.twap), 1e-12)
	require.Equal(t, 1.0, testutil.ToFloat64(c.priceStale))
	require.Equal(t, 149.0, testutil.ToFloat64(c.tcr))
	require.Equal(t, 1.0, testutil.ToFloat64(c.activeTroves))
	require.InDelta(t, 100.5, testutil.ToFloat64(c.totalDebt), 1e-9)
	require.InDelta(t, 0.5, testutil.ToFloat64(c.pendingRevenue), 1e-9)

	st.Totals = trove.Totals{}
	st.Stale = false
	c.ObserveStatus(st)
	require.Zero(t, testutil.ToFloat64(c.tcr))
	require.Zero(t, testutil.ToFloat64(c.priceStale))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.ObserveCall("borrow", "none")
	c.ObserveLiquidation(trove.Liquidation{})
	c.ObserveOracleUpdate("rejected")
	c.SetDeviation(1)
	c.ObserveStatus(protocol.Status{})
	c.ObserveTick("ok", time.Second)
	require.NotNil(t, c.Handler())
}

func TestHandlerServesRegistry(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.ObserveTick("ok", 250*time.Millisecond)
	c.SetDeviation(1.25)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	require.True(t, strings.Contains(out, "cdp_keeper_tick_duration_seconds_count{outcome=\"ok\"} 1"))
	require.True(t, strings.Contains(out, "cdp_source_deviation_percent 1.25"))
}
