package cli

import (
	"io"

	"github.com/spf13/cobra"

	"cdp-ledger/internal/app"
	"cdp-ledger/internal/protocol"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the protocol summary from the state database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Inspect(func(p *protocol.Protocol, out io.Writer) error {
			app.PrintStatus(out, p)
			return nil
		})
	},
}
