package stabilitypool

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// DepositEntry pairs a depositor with their record.
type DepositEntry struct {
	Depositor common.Address
	Deposit   Deposit
}

// State is a point-in-time copy of the pool.
type State struct {
	Globals  Globals
	Deposits []DepositEntry
}

// Export copies the pool state, deposits ordered by depositor.
func (p *Pool) Export() State {
	st := State{Globals: p.globals.Get()}
	p.deposits.Range(func(u common.Address, d Deposit) bool {
		st.Deposits = append(st.Deposits, DepositEntry{Depositor: u, Deposit: d})
		return true
	})
	sort.Slice(st.Deposits, func(i, j int) bool {
		return st.Deposits[i].Depositor.Cmp(st.Deposits[j].Depositor) < 0
	})
	return st
}

// Import replaces the pool state with st.
func (p *Pool) Import(st State) {
	var current []common.Address
	p.deposits.Range(func(u common.Address, _ Deposit) bool {
		current = append(current, u)
		return true
	})
	for _, u := range current {
		p.deposits.Delete(u)
	}
	for _, e := range st.Deposits {
		p.deposits.Set(e.Depositor, e.Deposit)
	}
	p.globals.Set(st.Globals)
}
