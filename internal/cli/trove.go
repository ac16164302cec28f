package cli

import (
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"cdp-ledger/internal/app"
	"cdp-ledger/internal/fixedpoint"
	"cdp-ledger/internal/protocol"
)

// callFunc performs one protocol call for who with the parsed amounts.
type callFunc func(p *protocol.Protocol, who common.Address, amounts []uint64) (string, error)

// mutation builds a RunE that resolves the caller and parses the named
// decimal arguments before running fn against the persisted state.
func mutation(def func() (common.Address, error), names []string, fn callFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		who, err := caller(def)
		if err != nil {
			return err
		}
		amounts := make([]uint64, len(names))
		for i, name := range names {
			if amounts[i], err = parseAmount(name, args[i]); err != nil {
				return err
			}
		}
		return getApp().Mutate(func(p *protocol.Protocol) (string, error) {
			return fn(p, who, amounts)
		})
	}
}

var troveCmd = &cobra.Command{
	Use:   "trove",
	Short: "Open, adjust, close and liquidate troves",
}

var troveOpenCmd = &cobra.Command{
	Use:   "open <collateral> <debt> <rate>",
	Short: "Open a trove; rate is an annual fraction such as 0.05",
	Args:  cobra.ExactArgs(3),
	RunE: mutation(nil, []string{"collateral", "debt", "rate"}, func(p *protocol.Protocol, who common.Address, v []uint64) (string, error) {
		if err := p.OpenTrove(who, v[0], v[1], v[2]); err != nil {
			return "", err
		}
		return describeTrove(p, who), nil
	}),
}

var troveAdjustRateCmd = &cobra.Command{
	Use:   "adjust-rate <rate>",
	Short: "Change the interest rate of the caller's trove",
	Args:  cobra.ExactArgs(1),
	RunE: mutation(nil, []string{"rate"}, func(p *protocol.Protocol, who common.Address, v []uint64) (string, error) {
		if err := p.AdjustInterestRate(who, v[0]); err != nil {
			return "", err
		}
		return describeTrove(p, who), nil
	}),
}

var troveAddCollateralCmd = &cobra.Command{
	Use:   "add-collateral <amount>",
	Short: "Move collateral into the caller's trove",
	Args:  cobra.ExactArgs(1),
	RunE: mutation(nil, []string{"amount"}, func(p *protocol.Protocol, who common.Address, v []uint64) (string, error) {
		if err := p.AddCollateral(who, v[0]); err != nil {
			return "", err
		}
		return describeTrove(p, who), nil
	}),
}

var troveWithdrawCollateralCmd = &cobra.Command{
	Use:   "withdraw-collateral <amount>",
	Short: "Take collateral out of the caller's trove",
	Args:  cobra.ExactArgs(1),
	RunE: mutation(nil, []string{"amount"}, func(p *protocol.Protocol, who common.Address, v []uint64) (string, error) {
		if err := p.WithdrawCollateral(who, v[0]); err != nil {
			return "", err
		}
		return describeTrove(p, who), nil
	}),
}

var troveBorrowCmd = &cobra.Command{
	Use:   "borrow <amount>",
	Short: "Mint more debt against the caller's trove",
	Args:  cobra.ExactArgs(1),
	RunE: mutation(nil, []string{"amount"}, func(p *protocol.Protocol, who common.Address, v []uint64) (string, error) {
		if err := p.Borrow(who, v[0]); err != nil {
			return "", err
		}
		return describeTrove(p, who), nil
	}),
}

var troveRepayCmd = &cobra.Command{
	Use:   "repay <amount>",
	Short: "Repay debt; amounts above the current debt are capped",
	Args:  cobra.ExactArgs(1),
	RunE: mutation(nil, []string{"amount"}, func(p *protocol.Protocol, who common.Address, v []uint64) (string, error) {
		repaid, err := p.Repay(who, v[0])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("repaid %s\n%s", fixedpoint.Format(repaid), describeTrove(p, who)), nil
	}),
}

var troveCloseCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the caller's debt-free trove and return its collateral",
	Args:  cobra.NoArgs,
	RunE: mutation(nil, nil, func(p *protocol.Protocol, who common.Address, _ []uint64) (string, error) {
		returned, err := p.CloseTrove(who)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("closed; returned %s collateral", fixedpoint.Format(returned)), nil
	}),
}

var troveLiquidateCmd = &cobra.Command{
	Use:   "liquidate [owner]",
	Short: "Liquidate one trove, or every liquidatable trove when no owner is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		who, err := caller(nil)
		if err != nil {
			return err
		}
		if len(args) == 1 {
			owner, err := parseAddress("owner", args[0])
			if err != nil {
				return err
			}
			return getApp().Mutate(func(p *protocol.Protocol) (string, error) {
				l, err := p.Liquidate(who, owner)
				if err != nil {
					return "", err
				}
				return describeLiquidation(l.Owner, l.Debt, l.Collateral, l.Absorbed), nil
			})
		}
		return getApp().Mutate(func(p *protocol.Protocol) (string, error) {
			done, failed, err := p.LiquidateAll(who)
			if err != nil {
				return "", err
			}
			out := fmt.Sprintf("liquidated %d troves", len(done))
			for _, l := range done {
				out += "\n" + describeLiquidation(l.Owner, l.Debt, l.Collateral, l.Absorbed)
			}
			for _, f := range failed {
				out += fmt.Sprintf("\n%s failed: %v", f.Owner.Hex(), f.Err)
			}
			return out, nil
		})
	},
}

var troveForwardRevenueCmd = &cobra.Command{
	Use:   "forward-revenue",
	Short: "Forward accrued interest and fees to the stability pool",
	Args:  cobra.NoArgs,
	RunE: mutation(nil, nil, func(p *protocol.Protocol, who common.Address, _ []uint64) (string, error) {
		n, err := p.ForwardRevenue(who)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("forwarded %s", fixedpoint.Format(n)), nil
	}),
}

var troveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active troves",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Inspect(func(p *protocol.Protocol, out io.Writer) error {
			app.PrintTroves(out, p)
			return nil
		})
	},
}

func describeTrove(p *protocol.Protocol, owner common.Address) string {
	v := p.Trove(owner)
	return fmt.Sprintf("%s collateral %s debt %s rate %s ratio %d%%",
		owner.Hex(),
		fixedpoint.Format(v.Trove.Collateral),
		fixedpoint.Format(v.CurrentDebt),
		fixedpoint.Format(v.Trove.InterestRate),
		v.Ratio,
	)
}

func describeLiquidation(owner common.Address, debt, coll uint64, absorbed bool) string {
	return fmt.Sprintf("%s debt %s collateral %s absorbed=%t", owner.Hex(), fixedpoint.Format(debt), fixedpoint.Format(coll), absorbed)
}

func init() {
	addCallerFlag(troveCmd, "Address issuing the call")
	troveCmd.AddCommand(
		troveOpenCmd,
		troveAdjustRateCmd,
		troveAddCollateralCmd,
		troveWithdrawCollateralCmd,
		troveBorrowCmd,
		troveRepayCmd,
		troveCloseCmd,
		troveLiquidateCmd,
		troveForwardRevenueCmd,
		troveListCmd,
	)
}
