package cli

import (
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"cdp-ledger/internal/app"
	"cdp-ledger/internal/fixedpoint"
	"cdp-ledger/internal/protocol"
	"cdp-ledger/internal/stabilitypool"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Manage stability pool deposits",
}

var poolDepositCmd = &cobra.Command{
	Use:   "deposit <amount>",
	Short: "Deposit debt tokens into the stability pool",
	Args:  cobra.ExactArgs(1),
	RunE: mutation(nil, []string{"amount"}, func(p *protocol.Protocol, who common.Address, v []uint64) (string, error) {
		s, err := p.Deposit(who, v[0])
		if err != nil {
			return "", err
		}
		return describeSettlement("deposited "+fixedpoint.Format(v[0]), s), nil
	}),
}

var poolWithdrawCmd = &cobra.Command{
	Use:   "withdraw <amount>",
	Short: "Withdraw debt tokens from the stability pool",
	Args:  cobra.ExactArgs(1),
	RunE: mutation(nil, []string{"amount"}, func(p *protocol.Protocol, who common.Address, v []uint64) (string, error) {
		s, err := p.Withdraw(who, v[0])
		if err != nil {
			return "", err
		}
		return describeSettlement("withdrew "+fixedpoint.Format(v[0]), s), nil
	}),
}

var poolClaimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim collateral and interest gains",
	Args:  cobra.NoArgs,
	RunE: mutation(nil, nil, func(p *protocol.Protocol, who common.Address, _ []uint64) (string, error) {
		s, err := p.ClaimRewards(who)
		if err != nil {
			return "", err
		}
		return describeSettlement("claimed", s), nil
	}),
}

var poolShowCmd = &cobra.Command{
	Use:   "show [depositor]",
	Short: "Show a stability pool position; defaults to --as",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			who common.Address
			err error
		)
		if len(args) == 1 {
			who, err = parseAddress("depositor", args[0])
		} else {
			who, err = caller(nil)
		}
		if err != nil {
			return err
		}
		return getApp().Inspect(func(p *protocol.Protocol, out io.Writer) error {
			return app.PrintDeposit(out, p, who)
		})
	},
}

func describeSettlement(action string, s stabilitypool.Settlement) string {
	return fmt.Sprintf("%s; deposit %s, collateral gain %s, interest gain %s, loss %s",
		action,
		fixedpoint.Format(s.Deposit),
		fixedpoint.Format(s.CollateralGain),
		fixedpoint.Format(s.InterestGain),
		fixedpoint.Format(s.Loss),
	)
}

func init() {
	addCallerFlag(poolCmd, "Depositor issuing the call")
	poolCmd.AddCommand(poolDepositCmd, poolWithdrawCmd, poolClaimCmd, poolShowCmd)
}
