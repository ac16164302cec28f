package app

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"cdp-ledger/internal/fixedpoint"
	"cdp-ledger/internal/protocol"
	"cdp-ledger/internal/statedb"
)

// Mutation is one protocol call issued from the command line. It returns a
// line describing the outcome.
type Mutation func(p *protocol.Protocol) (string, error)

// Mutate applies m to the persisted protocol state and saves the result.
// Nothing is saved when m fails.
func (a *App) Mutate(m Mutation) error {
	db, err := statedb.Open(a.Config.State.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := a.openProtocol(db, protocol.SystemClock{}, nil)
	if err != nil {
		return err
	}
	msg, err := m(p)
	if err != nil {
		return err
	}
	if err := db.Save(p.Export()); err != nil {
		return err
	}
	if msg != "" {
		fmt.Fprintln(a.stdout(), msg)
	}
	return nil
}

// Inspect runs fn against the persisted protocol state without saving.
func (a *App) Inspect(fn func(p *protocol.Protocol, out io.Writer) error) error {
	db, err := statedb.Open(a.Config.State.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := a.openProtocol(db, protocol.SystemClock{}, nil)
	if err != nil {
		return err
	}
	return fn(p, a.stdout())
}

func (a *App) stdout() io.Writer {
	if a.Out != nil {
		return a.Out
	}
	return os.Stdout
}

// PrintStatus writes the protocol summary.
func PrintStatus(out io.Writer, p *protocol.Protocol) {
	st := p.Status()
	params := p.Params()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Time\t%s\n", time.Unix(int64(st.Time), 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Price\t%s %s/%s (twap %s, stale=%t)\n", fixedpoint.Format(st.Price), params.DebtSymbol, params.CollateralSymbol, fixedpoint.Format(st.Twap), st.Stale)
	fmt.Fprintf(w, "Last update\t%s\n", time.Unix(int64(st.LastUpdate), 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Active troves\t%d\n", st.Totals.ActiveCount)
	fmt.Fprintf(w, "Total collateral\t%s\n", fixedpoint.Format(st.Totals.Collateral))
	fmt.Fprintf(w, "Total debt\t%s\n", fixedpoint.Format(st.Totals.Debt))
	fmt.Fprintf(w, "TCR\t%s\n", formatRatio(st.Totals.Debt, st.TotalCollateralRatio))
	fmt.Fprintf(w, "Redemption fee\t%s\n", fixedpoint.Format(st.RedemptionFeeRate))
	fmt.Fprintf(w, "Pending revenue\t%s\n", fixedpoint.Format(st.Reserves.PendingRevenue))
	fmt.Fprintf(w, "Retained collateral\t%s\n", fixedpoint.Format(st.Reserves.RetainedCollateral))
	fmt.Fprintf(w, "Stranded\tcoll %s debt %s\n", fixedpoint.Format(st.Reserves.StrandedCollateral), fixedpoint.Format(st.Reserves.StrandedDebt))
	fmt.Fprintf(w, "Pool deposits\t%s (%d depositors)\n", fixedpoint.Format(st.Pool.TotalDeposits), st.Depositors)
	fmt.Fprintf(w, "Pool collateral\t%s\n", fixedpoint.Format(st.Pool.CollateralBalance))
	fmt.Fprintf(w, "Pool interest\tpending %s undistributed %s\n", fixedpoint.Format(st.Pool.PendingInterestRevenue), fixedpoint.Format(st.Pool.UndistributedInterest))
	fmt.Fprintf(w, "Collateral rate\t%s underlying per %s\n", fixedpoint.Format(st.CollateralExchangeRate), params.CollateralSymbol)
	fmt.Fprintf(w, "Supply\t%s %s, %s %s\n", fixedpoint.Format(st.CollateralSupply), params.CollateralSymbol, fixedpoint.Format(st.DebtSupply), params.DebtSymbol)
	w.Flush()
}

// PrintTroves writes every active trove.
func PrintTroves(out io.Writer, p *protocol.Protocol) {
	troves := p.Troves()
	if len(troves) == 0 {
		fmt.Fprintln(out, "no active troves")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Owner\tCollateral\tDebt\tRate\tRatio%\tLiquidatable")
	for _, v := range troves {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
			v.Owner.Hex(),
			fixedpoint.Format(v.Trove.Collateral),
			fixedpoint.Format(v.CurrentDebt),
			fixedpoint.Format(v.Trove.InterestRate),
			formatRatio(v.CurrentDebt, v.Ratio),
			v.Liquidatable,
		)
	}
	w.Flush()
}

// PrintDeposit writes a stability pool position.
func PrintDeposit(out io.Writer, p *protocol.Protocol, depositor common.Address) error {
	v, err := p.DepositOf(depositor)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Depositor\t%s\n", v.Depositor.Hex())
	fmt.Fprintf(w, "Deposit\t%s (compounded %s)\n", fixedpoint.Format(v.Deposit.Amount), fixedpoint.Format(v.Pending.Deposit))
	fmt.Fprintf(w, "Collateral gain\t%s\n", fixedpoint.Format(v.Pending.CollateralGain))
	fmt.Fprintf(w, "Interest gain\t%s\n", fixedpoint.Format(v.Pending.InterestGain))
	fmt.Fprintf(w, "Loss\t%s\n", fixedpoint.Format(v.Pending.Loss))
	w.Flush()
	return nil
}

func formatRatio(debt, ratio uint64) string {
	if debt == 0 {
		return "-"
	}
	if ratio == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%d", ratio)
}
