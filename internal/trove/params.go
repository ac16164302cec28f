package trove

import (
	"fmt"

	"cdp-ledger/internal/fixedpoint"
)

// Params are the ledger's risk and fee parameters. Ratios are percentages;
// rates and fees are scaled by fixedpoint.Decimals.
type Params struct {
	MinCollateralRatio    uint64
	LiquidationRatio      uint64
	MinDebt               uint64
	MinInterestRate       uint64
	MaxInterestRate       uint64
	BorrowingFee          uint64
	LiquidationPenaltyPct uint64
	RedemptionFeeFloor    uint64
}

// DefaultParams returns the production parameters.
func DefaultParams() Params {
	return Params{
		MinCollateralRatio:    150,
		LiquidationRatio:      110,
		MinDebt:               100 * fixedpoint.Decimals,
		MinInterestRate:       5_000_000,
		MaxInterestRate:       2 * fixedpoint.Decimals,
		BorrowingFee:          5_000_000,
		LiquidationPenaltyPct: 5,
		RedemptionFeeFloor:    5_000_000,
	}
}

// Validate rejects inconsistent parameter sets.
func (p Params) Validate() error {
	if p.LiquidationRatio == 0 {
		return fmt.Errorf("liquidation ratio must be positive")
	}
	if p.MinCollateralRatio < p.LiquidationRatio {
		return fmt.Errorf("min collateral ratio %d below liquidation ratio %d", p.MinCollateralRatio, p.LiquidationRatio)
	}
	if p.MinInterestRate > p.MaxInterestRate {
		return fmt.Errorf("min interest rate %d above max %d", p.MinInterestRate, p.MaxInterestRate)
	}
	if p.LiquidationPenaltyPct > fixedpoint.PercentBase {
		return fmt.Errorf("liquidation penalty %d%% above 100%%", p.LiquidationPenaltyPct)
	}
	if p.BorrowingFee >= fixedpoint.Decimals {
		return fmt.Errorf("borrowing fee must be below 100%%")
	}
	return nil
}
