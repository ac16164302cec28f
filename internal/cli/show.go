package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"cdp-ledger/internal/app"
)

var (
	showLimit        int
	showLiquidations bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent keeper samples or liquidations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:        showLimit,
			Liquidations: showLiquidations,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showLiquidations, "liquidations", false, "Show liquidations instead of price samples")
}
