package trove

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Entry pairs an owner with their trove.
type Entry struct {
	Owner common.Address
	Trove Trove
}

// State is a point-in-time copy of the ledger.
type State struct {
	Totals   Totals
	Reserves Reserves
	Troves   []Entry
}

// Export copies the ledger state, troves ordered by owner.
func (l *Ledger) Export() State {
	st := State{Totals: l.totals.Get(), Reserves: l.reserves.Get()}
	l.troves.Range(func(owner common.Address, t Trove) bool {
		st.Troves = append(st.Troves, Entry{Owner: owner, Trove: t})
		return true
	})
	sort.Slice(st.Troves, func(i, j int) bool {
		return st.Troves[i].Owner.Cmp(st.Troves[j].Owner) < 0
	})
	return st
}

// Import replaces the ledger state with st.
func (l *Ledger) Import(st State) {
	var current []common.Address
	l.troves.Range(func(owner common.Address, _ Trove) bool {
		current = append(current, owner)
		return true
	})
	for _, owner := range current {
		l.troves.Delete(owner)
	}
	for _, e := range st.Troves {
		l.troves.Set(e.Owner, e.Trove)
	}
	l.totals.Set(st.Totals)
	l.reserves.Set(st.Reserves)
}
