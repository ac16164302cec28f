package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"cdp-ledger/internal/fixedpoint"
	"cdp-ledger/internal/logging"
	"cdp-ledger/internal/pricefeed"
	"cdp-ledger/internal/protocol"
	"cdp-ledger/internal/trove"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Cow       CowConfig       `mapstructure:"cow"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
	Protocol  ProtocolConfig  `mapstructure:"protocol"`
	State     StateConfig     `mapstructure:"state"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs keeper cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	TickTimeout     time.Duration `mapstructure:"tick_timeout"`
}

// EthereumConfig covers the on-chain reference feed.
type EthereumConfig struct {
	RPCURL            string        `mapstructure:"rpc_url"`
	AggregatorAddress string        `mapstructure:"aggregator_address"`
	MaxRoundAge       time.Duration `mapstructure:"max_round_age"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// CowConfig captures CoW Protocol connectivity.
type CowConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	PriceQuality       string        `mapstructure:"price_quality"`
	NotionalCollateral float64       `mapstructure:"notional_collateral"`
	SellToken          string        `mapstructure:"sell_token"`
	SellDecimals       int32         `mapstructure:"sell_decimals"`
	BuyToken           string        `mapstructure:"buy_token"`
	BuyDecimals        int32         `mapstructure:"buy_decimals"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	UserAgent          string        `mapstructure:"user_agent"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	ThresholdPct float64        `mapstructure:"threshold_pct"`
	Cooldown     time.Duration  `mapstructure:"cooldown"`
	Liquidations bool           `mapstructure:"liquidations"`
	Channels     []string       `mapstructure:"channels"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// ProtocolConfig holds protocol identities and parameters. Amounts and rates
// are decimal strings in whole units, e.g. "100" or "0.005".
type ProtocolConfig struct {
	Owner         string `mapstructure:"owner"`
	TroveLedger   string `mapstructure:"trove_ledger"`
	StabilityPool string `mapstructure:"stability_pool"`
	Keeper        string `mapstructure:"keeper"`

	CollateralSymbol string `mapstructure:"collateral_symbol"`
	DebtSymbol       string `mapstructure:"debt_symbol"`
	InitialPrice     string `mapstructure:"initial_price"`

	MinCollateralRatio    uint64 `mapstructure:"min_collateral_ratio"`
	LiquidationRatio      uint64 `mapstructure:"liquidation_ratio"`
	LiquidationPenaltyPct uint64 `mapstructure:"liquidation_penalty_pct"`
	MinDebt               string `mapstructure:"min_debt"`
	MinInterestRate       string `mapstructure:"min_interest_rate"`
	MaxInterestRate       string `mapstructure:"max_interest_rate"`
	BorrowingFee          string `mapstructure:"borrowing_fee"`
	RedemptionFeeFloor    string `mapstructure:"redemption_fee_floor"`
	CollateralYield       string `mapstructure:"collateral_yield"`

	Oracle OracleConfig `mapstructure:"oracle"`
}

// OracleConfig bounds oracle updates.
type OracleConfig struct {
	MaxDeviationPct uint64        `mapstructure:"max_deviation_pct"`
	MaxStaleness    time.Duration `mapstructure:"max_staleness"`
	TwapWeight      uint64        `mapstructure:"twap_weight"`

	// ClampSubmissions lets the keeper submit the band edge when the
	// reference price is outside the deviation limit.
	ClampSubmissions bool `mapstructure:"clamp_submissions"`
}

// StateConfig locates the protocol state database.
type StateConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CDPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "cdpd")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.stream", "stderr")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x63647064))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.tick_timeout", "45s")

	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.max_round_age", "2h")

	v.SetDefault("cow.base_url", "https://api.cow.fi/mainnet/api/v1")
	v.SetDefault("cow.price_quality", "optimal")
	v.SetDefault("cow.notional_collateral", 1000.0)
	v.SetDefault("cow.sell_decimals", 18)
	v.SetDefault("cow.buy_decimals", 18)
	v.SetDefault("cow.request_timeout", "10s")
	v.SetDefault("cow.user_agent", "cdpd/1.0")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.threshold_pct", 2.0)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.liquidations", true)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("protocol.owner", "0x000000000000000000000000000000000000c0de")
	v.SetDefault("protocol.trove_ledger", "0x0000000000000000000000000000000000007e11")
	v.SetDefault("protocol.stability_pool", "0x0000000000000000000000000000000000005b01")
	v.SetDefault("protocol.keeper", "0x000000000000000000000000000000000000c0de")
	v.SetDefault("protocol.collateral_symbol", "stCOLL")
	v.SetDefault("protocol.debt_symbol", "cUSD")
	v.SetDefault("protocol.initial_price", "0.05")
	v.SetDefault("protocol.min_collateral_ratio", 150)
	v.SetDefault("protocol.liquidation_ratio", 110)
	v.SetDefault("protocol.liquidation_penalty_pct", 5)
	v.SetDefault("protocol.min_debt", "100")
	v.SetDefault("protocol.min_interest_rate", "0.005")
	v.SetDefault("protocol.max_interest_rate", "2")
	v.SetDefault("protocol.borrowing_fee", "0.005")
	v.SetDefault("protocol.redemption_fee_floor", "0.005")
	v.SetDefault("protocol.collateral_yield", "0.1")
	v.SetDefault("protocol.oracle.max_deviation_pct", 5)
	v.SetDefault("protocol.oracle.max_staleness", "1h")
	v.SetDefault("protocol.oracle.twap_weight", 9)
	v.SetDefault("protocol.oracle.clamp_submissions", true)

	v.SetDefault("state.path", "data/state")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9464")
	v.SetDefault("metrics.path", "/metrics")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Cow.NotionalCollateral <= 0 {
		return fmt.Errorf("cow.notional_collateral must be greater than zero")
	}
	if c.Alerting.ThresholdPct < 0 {
		return fmt.Errorf("alerting.threshold_pct cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.State.Path == "" {
		return fmt.Errorf("state.path 必须配置")
	}
	if _, err := c.Protocol.Addresses(); err != nil {
		return err
	}
	if _, err := c.Protocol.KeeperAddress(); err != nil {
		return err
	}
	if _, err := c.Protocol.Params(); err != nil {
		return err
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Addresses parses the protocol identities.
func (p ProtocolConfig) Addresses() (protocol.Addresses, error) {
	var (
		out protocol.Addresses
		err error
	)
	if out.Owner, err = parseAddress("protocol.owner", p.Owner); err != nil {
		return out, err
	}
	if out.TroveLedger, err = parseAddress("protocol.trove_ledger", p.TroveLedger); err != nil {
		return out, err
	}
	if out.StabilityPool, err = parseAddress("protocol.stability_pool", p.StabilityPool); err != nil {
		return out, err
	}
	return out, nil
}

// KeeperAddress parses the identity the keeper signs calls with.
func (p ProtocolConfig) KeeperAddress() (common.Address, error) {
	return parseAddress("protocol.keeper", p.Keeper)
}

// Params converts the configured values into protocol parameters.
func (p ProtocolConfig) Params() (protocol.Params, error) {
	out := protocol.Params{
		CollateralSymbol: p.CollateralSymbol,
		DebtSymbol:       p.DebtSymbol,
		Trove: trove.Params{
			MinCollateralRatio:    p.MinCollateralRatio,
			LiquidationRatio:      p.LiquidationRatio,
			LiquidationPenaltyPct: p.LiquidationPenaltyPct,
		},
		Oracle: pricefeed.Params{
			MaxDeviationPct: p.Oracle.MaxDeviationPct,
			MaxStaleness:    uint64(p.Oracle.MaxStaleness / time.Second),
			TwapWeight:      p.Oracle.TwapWeight,
		},
	}
	amounts := []struct {
		key string
		raw string
		dst *uint64
	}{
		{"protocol.initial_price", p.InitialPrice, &out.InitialPrice},
		{"protocol.min_debt", p.MinDebt, &out.Trove.MinDebt},
		{"protocol.min_interest_rate", p.MinInterestRate, &out.Trove.MinInterestRate},
		{"protocol.max_interest_rate", p.MaxInterestRate, &out.Trove.MaxInterestRate},
		{"protocol.borrowing_fee", p.BorrowingFee, &out.Trove.BorrowingFee},
		{"protocol.redemption_fee_floor", p.RedemptionFeeFloor, &out.Trove.RedemptionFeeFloor},
		{"protocol.collateral_yield", p.CollateralYield, &out.CollateralYield},
	}
	for _, a := range amounts {
		v, err := fixedpoint.ParseAmount(a.raw)
		if err != nil {
			return out, fmt.Errorf("%s: %w", a.key, err)
		}
		*a.dst = v
	}
	if out.InitialPrice == 0 {
		return out, fmt.Errorf("protocol.initial_price must be greater than zero")
	}
	if out.Oracle.MaxStaleness == 0 {
		return out, fmt.Errorf("protocol.oracle.max_staleness must be at least one second")
	}
	if err := out.Trove.Validate(); err != nil {
		return out, fmt.Errorf("protocol: %w", err)
	}
	return out, nil
}

func parseAddress(key, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", key, raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s: zero address", key)
	}
	return addr, nil
}
