// Package token implements the fungible token balances used for collateral
// custody and the debt token.
package token

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"cdp-ledger/internal/fixedpoint"
	"cdp-ledger/internal/state"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrNotMinter             = errors.New("token: caller is not a minter")
	ErrNotOwner              = errors.New("token: caller is not the owner")
	ErrZeroAddress           = errors.New("token: zero address")
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Ledger tracks balances, allowances and the minter allow-list of a single
// fungible token.
type Ledger struct {
	Name     string
	Symbol   string
	Decimals uint8

	journal    *state.Journal
	owner      common.Address
	balances   *state.Map[common.Address, uint64]
	allowances *state.Map[allowanceKey, uint64]
	minters    *state.Map[common.Address, bool]
	supply     *state.Value[uint64]
	yield      *state.Value[Yield]
}

// New creates an empty token ledger. The owner starts as the only minter.
func New(j *state.Journal, name, symbol string, owner common.Address) *Ledger {
	l := &Ledger{
		Name:       name,
		Symbol:     symbol,
		Decimals:   9,
		journal:    j,
		owner:      owner,
		balances:   state.NewMap[common.Address, uint64](j),
		allowances: state.NewMap[allowanceKey, uint64](j),
		minters:    state.NewMap[common.Address, bool](j),
		supply:     state.NewValue[uint64](j, 0),
		yield:      state.NewValue(j, Yield{}),
	}
	l.minters.Set(owner, true)
	return l
}

// Owner returns the administrative identity.
func (l *Ledger) Owner() common.Address { return l.owner }

// BalanceOf returns the balance held by account.
func (l *Ledger) BalanceOf(account common.Address) uint64 {
	bal, _ := l.balances.Get(account)
	return bal
}

// Allowance returns what spender may still move on behalf of owner.
func (l *Ledger) Allowance(owner, spender common.Address) uint64 {
	v, _ := l.allowances.Get(allowanceKey{owner: owner, spender: spender})
	return v
}

// TotalSupply returns the circulating supply.
func (l *Ledger) TotalSupply() uint64 { return l.supply.Get() }

// IsMinter reports whether account may mint and burn.
func (l *Ledger) IsMinter(account common.Address) bool {
	ok, _ := l.minters.Get(account)
	return ok
}

// Minters lists the minter allow-list in address order.
func (l *Ledger) Minters() []common.Address {
	out := make([]common.Address, 0, l.minters.Len())
	l.minters.Range(func(a common.Address, ok bool) bool {
		if ok {
			out = append(out, a)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// AddMinter grants minting rights.
func (l *Ledger) AddMinter(caller, minter common.Address) error {
	return l.journal.Atomic(func() error {
		if caller != l.owner {
			return ErrNotOwner
		}
		if minter == (common.Address{}) {
			return ErrZeroAddress
		}
		l.minters.Set(minter, true)
		return nil
	})
}

// RemoveMinter revokes minting rights.
func (l *Ledger) RemoveMinter(caller, minter common.Address) error {
	return l.journal.Atomic(func() error {
		if caller != l.owner {
			return ErrNotOwner
		}
		l.minters.Delete(minter)
		return nil
	})
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(from, to common.Address, amount uint64) error {
	return l.journal.Atomic(func() error {
		return l.move(from, to, amount)
	})
}

// Approve sets the allowance of spender over owner's balance.
func (l *Ledger) Approve(owner, spender common.Address, amount uint64) error {
	return l.journal.Atomic(func() error {
		if spender == (common.Address{}) {
			return ErrZeroAddress
		}
		l.allowances.Set(allowanceKey{owner: owner, spender: spender}, amount)
		return nil
	})
}

// TransferFrom moves amount out of from using spender's allowance.
func (l *Ledger) TransferFrom(spender, from, to common.Address, amount uint64) error {
	return l.journal.Atomic(func() error {
		key := allowanceKey{owner: from, spender: spender}
		allowed, _ := l.allowances.Get(key)
		if allowed < amount {
			return fmt.Errorf("%w: %d < %d", ErrInsufficientAllowance, allowed, amount)
		}
		l.allowances.Set(key, allowed-amount)
		return l.move(from, to, amount)
	})
}

// Mint creates amount new tokens for to.
func (l *Ledger) Mint(caller, to common.Address, amount uint64) error {
	return l.journal.Atomic(func() error {
		if !l.IsMinter(caller) {
			return ErrNotMinter
		}
		if to == (common.Address{}) {
			return ErrZeroAddress
		}
		supply, err := fixedpoint.Add(l.supply.Get(), amount)
		if err != nil {
			return fmt.Errorf("mint %s: %w", l.Symbol, err)
		}
		bal, err := fixedpoint.Add(l.BalanceOf(to), amount)
		if err != nil {
			return fmt.Errorf("mint %s: %w", l.Symbol, err)
		}
		l.supply.Set(supply)
		l.balances.Set(to, bal)
		return nil
	})
}

// Burn destroys amount tokens held by from.
func (l *Ledger) Burn(caller, from common.Address, amount uint64) error {
	return l.journal.Atomic(func() error {
		if !l.IsMinter(caller) {
			return ErrNotMinter
		}
		bal := l.BalanceOf(from)
		if bal < amount {
			return fmt.Errorf("%w: %s holds %d, burning %d", ErrInsufficientBalance, from.Hex(), bal, amount)
		}
		supply, err := fixedpoint.Sub(l.supply.Get(), amount)
		if err != nil {
			return fmt.Errorf("burn %s: %w", l.Symbol, err)
		}
		l.setBalance(from, bal-amount)
		l.supply.Set(supply)
		return nil
	})
}

func (l *Ledger) move(from, to common.Address, amount uint64) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	bal := l.BalanceOf(from)
	if bal < amount {
		return fmt.Errorf("%w: %s holds %d, moving %d", ErrInsufficientBalance, from.Hex(), bal, amount)
	}
	if from == to || amount == 0 {
		return nil
	}
	credited, err := fixedpoint.Add(l.BalanceOf(to), amount)
	if err != nil {
		return fmt.Errorf("transfer %s: %w", l.Symbol, err)
	}
	l.setBalance(from, bal-amount)
	l.balances.Set(to, credited)
	return nil
}

func (l *Ledger) setBalance(account common.Address, amount uint64) {
	if amount == 0 {
		l.balances.Delete(account)
		return
	}
	l.balances.Set(account, amount)
}
