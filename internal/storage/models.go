package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PriceSample is one keeper tick: the sampled prices and what the oracle
// held afterwards.
type PriceSample struct {
	Bucket             time.Time
	ReferencePrice     decimal.Decimal
	MarketPrice        decimal.Decimal
	DeviationPct       decimal.Decimal
	NotionalCollateral decimal.Decimal
	OraclePrice        decimal.Decimal
	OracleTwap         decimal.Decimal
	Submitted          bool
	CowQuality         string
	CowQuote           json.RawMessage
	RoundID            *int64
	Status             string
	Error              *string
	CreatedAt          time.Time
}

// LiquidationRecord is the audit entry of one liquidated trove.
type LiquidationRecord struct {
	ID           int64
	Bucket       time.Time
	Owner        string
	Liquidator   string
	Debt         decimal.Decimal
	Collateral   decimal.Decimal
	Penalty      decimal.Decimal
	ToPool       decimal.Decimal
	Absorbed     bool
	LiquidatedAt time.Time
	CreatedAt    time.Time
}

// Alert kinds.
const (
	AlertKindDeviation   = "deviation"
	AlertKindLiquidation = "liquidation"
)

// AlertRecord captures an emitted alert for de-duplication/auditing.
type AlertRecord struct {
	ID           int64
	SampleTS     time.Time
	Kind         string
	DeviationPct decimal.Decimal
	ThresholdPct decimal.Decimal
	Direction    string
	Channels     []string
	CreatedAt    time.Time
}
