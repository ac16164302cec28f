package cli

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"cdp-ledger/internal/fixedpoint"
	"cdp-ledger/internal/protocol"
)

// callerFlag is the --as flag shared by the protocol command groups.
var callerFlag string

func addCallerFlag(cmd *cobra.Command, usage string) {
	cmd.PersistentFlags().StringVar(&callerFlag, "as", "", usage)
}

// caller resolves --as, falling back to def when the flag is empty.
func caller(def func() (common.Address, error)) (common.Address, error) {
	if callerFlag == "" {
		if def == nil {
			return common.Address{}, fmt.Errorf("--as is required")
		}
		return def()
	}
	return parseAddress("--as", callerFlag)
}

func parseAddress(name, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", name, raw)
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(name, raw string) (uint64, error) {
	v, err := fixedpoint.ParseAmount(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func parseAsset(raw string) (protocol.Asset, error) {
	switch protocol.Asset(raw) {
	case protocol.AssetCollateral, protocol.AssetDebt:
		return protocol.Asset(raw), nil
	default:
		return "", fmt.Errorf("unknown asset %q (want collateral or debt)", raw)
	}
}
