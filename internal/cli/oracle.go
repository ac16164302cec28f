package cli

import (
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"cdp-ledger/internal/fixedpoint"
	"cdp-ledger/internal/protocol"
)

func ownerAddress() (common.Address, error) {
	addrs, err := getApp().Config.Protocol.Addresses()
	return addrs.Owner, err
}

func keeperAddress() (common.Address, error) {
	return getApp().Config.Protocol.KeeperAddress()
}

var oracleCmd = &cobra.Command{
	Use:   "oracle",
	Short: "Push prices and manage price feeders",
}

var oracleUpdateCmd = &cobra.Command{
	Use:   "update <price>",
	Short: "Submit a collateral price; --as defaults to the keeper",
	Args:  cobra.ExactArgs(1),
	RunE: mutation(keeperAddress, []string{"price"}, func(p *protocol.Protocol, who common.Address, v []uint64) (string, error) {
		if err := p.UpdatePrice(who, v[0]); err != nil {
			return "", err
		}
		st := p.Status()
		return fmt.Sprintf("price %s twap %s", fixedpoint.Format(st.Price), fixedpoint.Format(st.Twap)), nil
	}),
}

func feederCommand(use, short string, fn func(p *protocol.Protocol, who, feeder common.Address) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <address>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			who, err := caller(ownerAddress)
			if err != nil {
				return err
			}
			feeder, err := parseAddress("feeder", args[0])
			if err != nil {
				return err
			}
			return getApp().Mutate(func(p *protocol.Protocol) (string, error) {
				if err := fn(p, who, feeder); err != nil {
					return "", err
				}
				return fmt.Sprintf("%s %s", use, feeder.Hex()), nil
			})
		},
	}
}

var oracleFeedersCmd = &cobra.Command{
	Use:   "feeders",
	Short: "List authorized price feeders",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Inspect(func(p *protocol.Protocol, out io.Writer) error {
			for _, f := range p.Feeders() {
				fmt.Fprintln(out, f.Hex())
			}
			return nil
		})
	},
}

func init() {
	addCallerFlag(oracleCmd, "Address issuing the call (defaults to keeper or owner)")
	oracleCmd.AddCommand(
		oracleUpdateCmd,
		feederCommand("add-feeder", "Authorize a price feeder", func(p *protocol.Protocol, who, feeder common.Address) error {
			return p.AddFeeder(who, feeder)
		}),
		feederCommand("remove-feeder", "Revoke a price feeder", func(p *protocol.Protocol, who, feeder common.Address) error {
			return p.RemoveFeeder(who, feeder)
		}),
		oracleFeedersCmd,
	)
}
