package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"cdp-ledger/internal/storage"
)

// Show prints recent keeper samples, or liquidations when requested.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show samples")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Liquidations {
		return a.showLiquidations(ctx, store, opts.Limit)
	}

	samples, err := store.ListRecentSamples(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tReference\tMarket\tDeviation%\tOracle\tTWAP\tSubmitted\tStatus\tError")

	for _, sample := range samples {
		errMsg := ""
		if sample.Error != nil {
			errMsg = sanitizeInline(*sample.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			sample.Bucket.UTC().Format(time.RFC3339),
			formatDecimal(sample.ReferencePrice, 6),
			formatDecimal(sample.MarketPrice, 6),
			formatDecimal(sample.DeviationPct, 3),
			formatDecimal(sample.OraclePrice, 6),
			formatDecimal(sample.OracleTwap, 6),
			sample.Submitted,
			sample.Status,
			errMsg,
		)
	}

	writer.Flush()
	return nil
}

func (a *App) showLiquidations(ctx context.Context, store storage.LiquidationStore, limit int) error {
	records, err := store.ListRecentLiquidations(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no liquidations found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tOwner\tDebt\tCollateral\tPenalty\tTo Pool\tAbsorbed")
	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			rec.LiquidatedAt.UTC().Format(time.RFC3339),
			rec.Owner,
			rec.Debt.String(),
			rec.Collateral.String(),
			rec.Penalty.String(),
			rec.ToPool.String(),
			rec.Absorbed,
		)
	}
	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
