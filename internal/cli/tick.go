package cli

import (
	"github.com/spf13/cobra"

	"cdp-ledger/internal/app"
)

var tickDryRun bool

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single keeper tick now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Tick(cmd.Context(), app.TickOptions{DryRun: tickDryRun})
	},
}

func init() {
	tickCmd.Flags().BoolVar(&tickDryRun, "dry-run", false, "Run without saving protocol state or writing to storage")
}
