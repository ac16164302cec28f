package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"cdp-ledger/internal/app"
	"cdp-ledger/internal/config"
	"cdp-ledger/internal/protocol"
)

func setupApp(t *testing.T) *bytes.Buffer {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}
	cfg.State.Path = filepath.Join(t.TempDir(), "state")

	out := &bytes.Buffer{}
	appHandle = app.NewApp(cfg, zerolog.Nop())
	appHandle.Out = out
	t.Cleanup(func() { appHandle = nil })
	return out
}

func execute(t *testing.T, out *bytes.Buffer, args ...string) (string, error) {
	t.Helper()
	callerFlag = ""
	out.Reset()
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestTroveLifecycleThroughCLI(t *testing.T) {
	out := setupApp(t)
	alice := "0x00000000000000000000000000000000000000a1"

	if _, err := execute(t, out, "token", "mint", "collateral", alice, "3000"); err != nil {
		t.Fatalf("铸造抵押品失败: %v", err)
	}
	got, err := execute(t, out, "trove", "open", "3000", "100", "0.05", "--as", alice)
	if err != nil {
		t.Fatalf("开仓失败: %v", err)
	}
	if !strings.Contains(got, "collateral 3000 debt 100.5") {
		t.Fatalf("开仓输出不正确: %q", got)
	}

	if _, err := execute(t, out, "pool", "deposit", "50", "--as", alice); err != nil {
		t.Fatalf("存入稳定池失败: %v", err)
	}
	got, err = execute(t, out, "token", "balance", "debt", alice)
	if err != nil {
		t.Fatalf("查询余额失败: %v", err)
	}
	if strings.TrimSpace(got) != "50 debt" {
		t.Fatalf("债务代币余额应为 50, 实际 %q", got)
	}

	got, err = execute(t, out, "trove", "list")
	if err != nil {
		t.Fatalf("列出仓位失败: %v", err)
	}
	if !strings.Contains(strings.ToLower(got), alice) {
		t.Fatalf("仓位列表应包含 alice: %q", got)
	}

	got, err = execute(t, out, "status")
	if err != nil {
		t.Fatalf("查询状态失败: %v", err)
	}
	if !strings.Contains(got, "Active troves") || !strings.Contains(got, "Pool deposits") {
		t.Fatalf("状态输出不完整: %q", got)
	}
}

func TestFailedCallIsNotPersisted(t *testing.T) {
	out := setupApp(t)
	alice := "0x00000000000000000000000000000000000000a1"

	if _, err := execute(t, out, "trove", "open", "3000", "100", "0.05", "--as", alice); err == nil {
		t.Fatal("没有抵押品余额时开仓应失败")
	}
	got, err := execute(t, out, "trove", "list")
	if err != nil {
		t.Fatalf("列出仓位失败: %v", err)
	}
	if !strings.Contains(got, "no active troves") {
		t.Fatalf("失败的调用不应留下仓位: %q", got)
	}
}

func TestCallerIsRequired(t *testing.T) {
	out := setupApp(t)
	if _, err := execute(t, out, "trove", "close"); err == nil || !strings.Contains(err.Error(), "--as") {
		t.Fatalf("缺少 --as 时应报错, 实际 %v", err)
	}
	if _, err := execute(t, out, "trove", "borrow", "abc", "--as", "0x00000000000000000000000000000000000000a1"); err == nil {
		t.Fatal("非法金额应报错")
	}
}

func TestOracleUpdateDefaultsToKeeper(t *testing.T) {
	out := setupApp(t)
	got, err := execute(t, out, "oracle", "update", "0.051")
	if err != nil {
		t.Fatalf("keeper 喂价失败: %v", err)
	}
	if !strings.Contains(got, "price 0.051") {
		t.Fatalf("喂价输出不正确: %q", got)
	}
	if _, err := execute(t, out, "oracle", "update", "0.06"); err == nil {
		t.Fatal("偏离过大的价格应被拒绝")
	}
}

func TestParseHelpers(t *testing.T) {
	if _, err := parseAsset("gold"); err == nil {
		t.Fatal("未知资产应报错")
	}
	if a, err := parseAsset("debt"); err != nil || a != protocol.AssetDebt {
		t.Fatalf("解析资产失败: %v %v", a, err)
	}
	if v, err := parseAmount("amount", "1.5"); err != nil || v != 1_500_000_000 {
		t.Fatalf("解析金额失败: %d %v", v, err)
	}
	if _, err := parseAddress("owner", "nope"); err == nil {
		t.Fatal("非法地址应报错")
	}
}

func TestCollateralBalanceShowsUnderlying(t *testing.T) {
	out := setupApp(t)
	alice := "0x00000000000000000000000000000000000000a1"

	if _, err := execute(t, out, "token", "mint", "collateral", alice, "10"); err != nil {
		t.Fatalf("铸造抵押品失败: %v", err)
	}
	got, err := execute(t, out, "token", "balance", "collateral", alice)
	if err != nil {
		t.Fatalf("查询余额失败: %v", err)
	}
	if !strings.HasPrefix(got, "10 collateral (10") || !strings.Contains(got, "underlying)") {
		t.Fatalf("抵押品余额应附带底层价值, 实际 %q", got)
	}

	got, err = execute(t, out, "status")
	if err != nil {
		t.Fatalf("查询状态失败: %v", err)
	}
	if !strings.Contains(got, "Collateral rate") {
		t.Fatalf("状态输出缺少抵押品汇率: %q", got)
	}
}
