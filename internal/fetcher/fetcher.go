// Package fetcher samples the collateral price from an on-chain reference
// feed and from a DEX aggregator quote.
package fetcher

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// ReferenceRound is one answer of an on-chain price feed.
type ReferenceRound struct {
	Price     decimal.Decimal
	RoundID   uint64
	UpdatedAt uint64
}

// ReferencePriceFetcher retrieves the on-chain reference price of the collateral.
type ReferencePriceFetcher interface {
	FetchReference(ctx context.Context) (ReferenceRound, error)
}

// MarketPriceFetcher retrieves the secondary market price from CoW Protocol.
type MarketPriceFetcher interface {
	FetchMarket(ctx context.Context) (decimal.Decimal, json.RawMessage, string, error)
}
