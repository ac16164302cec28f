package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"cdp-ledger/internal/fixedpoint"
	"cdp-ledger/internal/protocol"
	"cdp-ledger/internal/service"
	"cdp-ledger/internal/statedb"
	"cdp-ledger/internal/storage"
)

// Tick runs a single keeper tick against the persisted state.
func (a *App) Tick(ctx context.Context, opts TickOptions) error {
	db, err := statedb.Open(a.Config.State.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := a.openProtocol(db, protocol.SystemClock{}, nil)
	if err != nil {
		return err
	}

	var store *storage.Store
	if opts.DryRun {
		a.Logger.Warn().Msg("tick dry-run：不会保存状态或写入数据库")
		db = nil
	} else {
		var closeStore func()
		store, closeStore, err = a.openStore(ctx)
		if err != nil {
			return err
		}
		if closeStore != nil {
			defer closeStore()
		}
	}

	deps, err := a.keeperDeps(p, db, store, nil)
	if err != nil {
		return err
	}
	if opts.DryRun {
		deps.Notifier = nil
	}
	svc, err := service.New(a.Config, deps, a.Logger)
	if err != nil {
		return err
	}

	bucket := time.Now().UTC()
	if a.Config.Scheduler.AlignToBucket {
		bucket = bucket.Truncate(a.Config.Scheduler.Interval)
	}
	res, err := svc.Tick(ctx, bucket)
	if err != nil {
		return err
	}
	if res == nil {
		return errors.New("advisory lock held by another keeper")
	}
	printTick(a.stdout(), res)
	return nil
}

func printTick(out io.Writer, res *service.TickResult) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Bucket\t%s\n", res.Bucket.Format(time.RFC3339))
	fmt.Fprintf(w, "Reference\t%s\n", res.ReferencePrice.String())
	fmt.Fprintf(w, "Market\t%s\n", res.MarketPrice.String())
	fmt.Fprintf(w, "Deviation%%\t%s\n", formatDecimal(res.DeviationPct, 3))
	fmt.Fprintf(w, "Submission\t%s\n", res.Submission)
	fmt.Fprintf(w, "Oracle\t%s (twap %s)\n", fixedpoint.Format(res.Status.Price), fixedpoint.Format(res.Status.Twap))
	fmt.Fprintf(w, "Liquidated\t%d\n", len(res.Liquidations))
	for _, l := range res.Liquidations {
		fmt.Fprintf(w, "  %s\tdebt %s coll %s absorbed=%t\n", l.Owner.Hex(), fixedpoint.Format(l.Debt), fixedpoint.Format(l.Collateral), l.Absorbed)
	}
	for _, f := range res.Failures {
		fmt.Fprintf(w, "  %s\tfailed: %s\n", f.Owner.Hex(), sanitizeInline(f.Err.Error()))
	}
	fmt.Fprintf(w, "Forwarded\t%s\n", fixedpoint.Format(res.Forwarded))
	w.Flush()
}
