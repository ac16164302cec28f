package cli

import (
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"cdp-ledger/internal/fixedpoint"
	"cdp-ledger/internal/protocol"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint, transfer and inspect collateral and debt tokens",
}

// tokenCall parses <asset> followed by addresses and a trailing amount.
func tokenCall(def func() (common.Address, error), addrNames []string, fn func(p *protocol.Protocol, asset protocol.Asset, who common.Address, addrs []common.Address, amount uint64) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		who, err := caller(def)
		if err != nil {
			return err
		}
		asset, err := parseAsset(args[0])
		if err != nil {
			return err
		}
		addrs := make([]common.Address, len(addrNames))
		for i, name := range addrNames {
			if addrs[i], err = parseAddress(name, args[1+i]); err != nil {
				return err
			}
		}
		amount, err := parseAmount("amount", args[len(args)-1])
		if err != nil {
			return err
		}
		return getApp().Mutate(func(p *protocol.Protocol) (string, error) {
			if err := fn(p, asset, who, addrs, amount); err != nil {
				return "", err
			}
			return fmt.Sprintf("%s %s %s ok", cmd.Name(), fixedpoint.Format(amount), asset), nil
		})
	}
}

var tokenMintCmd = &cobra.Command{
	Use:   "mint <asset> <to> <amount>",
	Short: "Mint tokens; --as defaults to the owner",
	Args:  cobra.ExactArgs(3),
	RunE: tokenCall(ownerAddress, []string{"to"}, func(p *protocol.Protocol, asset protocol.Asset, who common.Address, a []common.Address, amount uint64) error {
		return p.Mint(asset, who, a[0], amount)
	}),
}

var tokenTransferCmd = &cobra.Command{
	Use:   "transfer <asset> <to> <amount>",
	Short: "Transfer tokens",
	Args:  cobra.ExactArgs(3),
	RunE: tokenCall(nil, []string{"to"}, func(p *protocol.Protocol, asset protocol.Asset, who common.Address, a []common.Address, amount uint64) error {
		return p.Transfer(asset, who, a[0], amount)
	}),
}

var tokenApproveCmd = &cobra.Command{
	Use:   "approve <asset> <spender> <amount>",
	Short: "Set a spender allowance",
	Args:  cobra.ExactArgs(3),
	RunE: tokenCall(nil, []string{"spender"}, func(p *protocol.Protocol, asset protocol.Asset, who common.Address, a []common.Address, amount uint64) error {
		return p.Approve(asset, who, a[0], amount)
	}),
}

var tokenTransferFromCmd = &cobra.Command{
	Use:   "transfer-from <asset> <from> <to> <amount>",
	Short: "Spend an allowance",
	Args:  cobra.ExactArgs(4),
	RunE: tokenCall(nil, []string{"from", "to"}, func(p *protocol.Protocol, asset protocol.Asset, who common.Address, a []common.Address, amount uint64) error {
		return p.TransferFrom(asset, who, a[0], a[1], amount)
	}),
}

var tokenBalanceCmd = &cobra.Command{
	Use:   "balance <asset> [account]",
	Short: "Print a token balance; account defaults to --as",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		asset, err := parseAsset(args[0])
		if err != nil {
			return err
		}
		var account common.Address
		if len(args) == 2 {
			account, err = parseAddress("account", args[1])
		} else {
			account, err = caller(nil)
		}
		if err != nil {
			return err
		}
		return getApp().Inspect(func(p *protocol.Protocol, out io.Writer) error {
			bal, err := p.BalanceOf(asset, account)
			if err != nil {
				return err
			}
			if asset != protocol.AssetCollateral {
				fmt.Fprintf(out, "%s %s\n", fixedpoint.Format(bal), asset)
				return nil
			}
			underlying, err := p.UnderlyingValue(bal)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s (%s underlying)\n", fixedpoint.Format(bal), asset, fixedpoint.Format(underlying))
			return nil
		})
	},
}

func init() {
	addCallerFlag(tokenCmd, "Address issuing the call")
	tokenCmd.AddCommand(tokenMintCmd, tokenTransferCmd, tokenApproveCmd, tokenTransferFromCmd, tokenBalanceCmd)
}
