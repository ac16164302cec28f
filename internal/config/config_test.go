package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cdp-ledger/internal/protocol"
)

func TestLoadDefaultsMatchProtocolDefaults(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err, "显式指定的配置文件不存在时应报错")

	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	params, err := cfg.Protocol.Params()
	require.NoError(t, err)
	require.Equal(t, protocol.DefaultParams().Trove, params.Trove)
	require.Equal(t, protocol.DefaultParams().Oracle, params.Oracle)
	require.Equal(t, protocol.DefaultParams().InitialPrice, params.InitialPrice)
	require.Equal(t, protocol.DefaultParams().CollateralYield, params.CollateralYield)
	require.Equal(t, time.Minute, cfg.Scheduler.Interval)
	require.Equal(t, "data/state", cfg.State.Path)
	require.True(t, cfg.Protocol.Oracle.ClampSubmissions)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
protocol:
  min_debt: "250"
  liquidation_ratio: 120
  oracle:
    max_staleness: 30m
state:
  path: /var/lib/cdpd
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CDPD_PROTOCOL_BORROWING_FEE", "0.01")

	cfg, err := Load(path)
	require.NoError(t, err)
	params, err := cfg.Protocol.Params()
	require.NoError(t, err)
	require.Equal(t, uint64(250_000_000_000), params.Trove.MinDebt)
	require.Equal(t, uint64(120), params.Trove.LiquidationRatio)
	require.Equal(t, uint64(10_000_000), params.Trove.BorrowingFee)
	require.Equal(t, uint64(1800), params.Oracle.MaxStaleness)
	require.Equal(t, "/var/lib/cdpd", cfg.State.Path)
}

func TestValidateRejectsBadProtocolValues(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	bad := *cfg
	bad.Protocol.Owner = "not-an-address"
	require.Error(t, bad.Validate())

	bad = *cfg
	bad.Protocol.StabilityPool = "0x0000000000000000000000000000000000000000"
	require.Error(t, bad.Validate())

	bad = *cfg
	bad.Protocol.LiquidationRatio = 200
	require.Error(t, bad.Validate())

	bad = *cfg
	bad.Protocol.MinDebt = "abc"
	require.Error(t, bad.Validate())

	bad = *cfg
	bad.Protocol.InitialPrice = "0"
	require.Error(t, bad.Validate())

	bad = *cfg
	bad.State.Path = ""
	require.Error(t, bad.Validate())

	require.Equal(t, 10, cfg.ResolveMaxPoints(10))
	require.Equal(t, cfg.Export.MaxDataPoints, cfg.ResolveMaxPoints(0))
}
