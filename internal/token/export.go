package token

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Balance is an exported account balance.
type Balance struct {
	Account common.Address
	Amount  uint64
}

// Allowance is an exported spending allowance.
type Allowance struct {
	Owner   common.Address
	Spender common.Address
	Amount  uint64
}

// State is a point-in-time copy of a ledger.
type State struct {
	Supply     uint64
	Balances   []Balance
	Allowances []Allowance
	Minters    []common.Address
	Yield      Yield
}

// Export copies the ledger contents in a deterministic order.
func (l *Ledger) Export() State {
	st := State{Supply: l.supply.Get(), Minters: l.Minters(), Yield: l.yield.Get()}
	l.balances.Range(func(a common.Address, amount uint64) bool {
		st.Balances = append(st.Balances, Balance{Account: a, Amount: amount})
		return true
	})
	sort.Slice(st.Balances, func(i, j int) bool {
		return st.Balances[i].Account.Cmp(st.Balances[j].Account) < 0
	})
	l.allowances.Range(func(k allowanceKey, amount uint64) bool {
		if amount > 0 {
			st.Allowances = append(st.Allowances, Allowance{Owner: k.owner, Spender: k.spender, Amount: amount})
		}
		return true
	})
	sort.Slice(st.Allowances, func(i, j int) bool {
		if c := st.Allowances[i].Owner.Cmp(st.Allowances[j].Owner); c != 0 {
			return c < 0
		}
		return st.Allowances[i].Spender.Cmp(st.Allowances[j].Spender) < 0
	})
	return st
}

// Import replaces the ledger contents with st. The owner keeps minting
// rights whether or not st lists it.
func (l *Ledger) Import(st State) {
	l.Reset()
	l.supply.Set(st.Supply)
	l.yield.Set(st.Yield)
	for _, b := range st.Balances {
		l.setBalance(b.Account, b.Amount)
	}
	for _, a := range st.Allowances {
		l.allowances.Set(allowanceKey{owner: a.Owner, spender: a.Spender}, a.Amount)
	}
	for _, m := range st.Minters {
		l.minters.Set(m, true)
	}
	l.minters.Set(l.owner, true)
}

// Reset clears all balances, allowances, extra minters and the yield.
func (l *Ledger) Reset() {
	var keys []common.Address
	l.balances.Range(func(a common.Address, _ uint64) bool {
		keys = append(keys, a)
		return true
	})
	for _, k := range keys {
		l.balances.Delete(k)
	}
	var allowances []allowanceKey
	l.allowances.Range(func(k allowanceKey, _ uint64) bool {
		allowances = append(allowances, k)
		return true
	})
	for _, k := range allowances {
		l.allowances.Delete(k)
	}
	keys = keys[:0]
	l.minters.Range(func(a common.Address, _ bool) bool {
		keys = append(keys, a)
		return true
	})
	for _, k := range keys {
		l.minters.Delete(k)
	}
	l.supply.Set(0)
	l.yield.Set(Yield{})
}
