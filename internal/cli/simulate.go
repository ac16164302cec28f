package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"cdp-ledger/internal/app"
)

var (
	simulateTarget string
	simulateNotify bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-liquidation",
	Short: "在内存中模拟价格下跌并走一遍清算流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SimulateOptions{Notify: simulateNotify}
		if simulateTarget != "" {
			target, err := decimal.NewFromString(simulateTarget)
			if err != nil {
				return fmt.Errorf("invalid --target: %w", err)
			}
			opts.TargetPrice = target
		}
		return getApp().SimulateLiquidation(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateTarget, "target", "", "目标价格，默认取刚好触发清算的价格")
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "通过已配置的告警通道发送清算告警")
}
