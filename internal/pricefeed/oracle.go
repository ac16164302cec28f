// Package pricefeed holds the collateral price oracle: a spot price pushed by
// allow-listed feeders, an exponentially smoothed TWAP, and staleness checks.
package pricefeed

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"cdp-ledger/internal/fixedpoint"
	"cdp-ledger/internal/state"
)

var (
	ErrNotOwner         = errors.New("pricefeed: caller is not the owner")
	ErrNotFeeder        = errors.New("pricefeed: caller is not an authorized feeder")
	ErrInvalidPrice     = errors.New("pricefeed: price must be positive")
	ErrDeviationTooHigh = errors.New("pricefeed: price deviates too far from twap")
	ErrStalePrice       = errors.New("pricefeed: price is stale")
)

// Params bound oracle updates.
type Params struct {
	MaxDeviationPct uint64
	MaxStaleness    uint64
	// TwapWeight is the weight of the previous TWAP out of TwapWeight+1.
	TwapWeight uint64
}

// DefaultParams returns the production oracle bounds.
func DefaultParams() Params {
	return Params{MaxDeviationPct: 5, MaxStaleness: 3600, TwapWeight: 9}
}

// Oracle is the collateral price source consulted by the trove ledger.
type Oracle struct {
	params  Params
	journal *state.Journal
	owner   common.Address

	feeders    *state.Map[common.Address, bool]
	price      *state.Value[uint64]
	twap       *state.Value[uint64]
	lastUpdate *state.Value[uint64]
}

// New creates an oracle seeded with initialPrice at time now. The owner is
// registered as a feeder.
func New(j *state.Journal, owner common.Address, initialPrice, now uint64, params Params) *Oracle {
	o := &Oracle{
		params:     params,
		journal:    j,
		owner:      owner,
		feeders:    state.NewMap[common.Address, bool](j),
		price:      state.NewValue(j, initialPrice),
		twap:       state.NewValue(j, initialPrice),
		lastUpdate: state.NewValue(j, now),
	}
	o.feeders.Set(owner, true)
	return o
}

// Params returns the configured bounds.
func (o *Oracle) Params() Params { return o.params }

// IsStale reports whether the last update is older than MaxStaleness.
func (o *Oracle) IsStale(now uint64) bool {
	last := o.lastUpdate.Get()
	return now > last && now-last > o.params.MaxStaleness
}

// Price returns the spot price, failing when stale.
func (o *Oracle) Price(now uint64) (uint64, error) {
	if o.IsStale(now) {
		return 0, fmt.Errorf("%w: last update %d, now %d", ErrStalePrice, o.lastUpdate.Get(), now)
	}
	return o.price.Get(), nil
}

// TwapPrice returns the smoothed price, failing when stale.
func (o *Oracle) TwapPrice(now uint64) (uint64, error) {
	if o.IsStale(now) {
		return 0, fmt.Errorf("%w: last update %d, now %d", ErrStalePrice, o.lastUpdate.Get(), now)
	}
	return o.twap.Get(), nil
}

// LastPrice returns the spot price regardless of staleness.
func (o *Oracle) LastPrice() uint64 { return o.price.Get() }

// LastUpdate returns the timestamp of the last accepted update.
func (o *Oracle) LastUpdate() uint64 { return o.lastUpdate.Get() }

// IsFeeder reports whether account may push prices.
func (o *Oracle) IsFeeder(account common.Address) bool {
	ok, _ := o.feeders.Get(account)
	return ok
}

// UpdatePrice records a new spot price from an authorized feeder.
func (o *Oracle) UpdatePrice(caller common.Address, price, now uint64) error {
	return o.journal.Atomic(func() error {
		if !o.IsFeeder(caller) {
			return ErrNotFeeder
		}
		if price == 0 {
			return ErrInvalidPrice
		}
		twap := o.twap.Get()
		if twap > 0 {
			diff := price - twap
			if twap > price {
				diff = twap - price
			}
			deviation, err := fixedpoint.MulDiv(diff, fixedpoint.PercentBase, twap)
			if err != nil {
				return err
			}
			if deviation > o.params.MaxDeviationPct {
				return fmt.Errorf("%w: %d%% > %d%%", ErrDeviationTooHigh, deviation, o.params.MaxDeviationPct)
			}
		}
		weighted, err := fixedpoint.Mul(twap, o.params.TwapWeight)
		if err != nil {
			return err
		}
		sum, err := fixedpoint.Add(weighted, price)
		if err != nil {
			return err
		}
		o.twap.Set(sum / (o.params.TwapWeight + 1))
		o.price.Set(price)
		o.lastUpdate.Set(now)
		return nil
	})
}

// AddFeeder authorizes a feeder.
func (o *Oracle) AddFeeder(caller, feeder common.Address) error {
	return o.journal.Atomic(func() error {
		if caller != o.owner {
			return ErrNotOwner
		}
		o.feeders.Set(feeder, true)
		return nil
	})
}

// RemoveFeeder revokes a feeder.
func (o *Oracle) RemoveFeeder(caller, feeder common.Address) error {
	return o.journal.Atomic(func() error {
		if caller != o.owner {
			return ErrNotOwner
		}
		o.feeders.Delete(feeder)
		return nil
	})
}

// State is a point-in-time copy of the oracle.
type State struct {
	Price      uint64
	Twap       uint64
	LastUpdate uint64
	Feeders    []common.Address
}

// Export copies the oracle state.
func (o *Oracle) Export() State {
	st := State{Price: o.price.Get(), Twap: o.twap.Get(), LastUpdate: o.lastUpdate.Get()}
	o.feeders.Range(func(a common.Address, ok bool) bool {
		if ok {
			st.Feeders = append(st.Feeders, a)
		}
		return true
	})
	sort.Slice(st.Feeders, func(i, j int) bool { return st.Feeders[i].Cmp(st.Feeders[j]) < 0 })
	return st
}

// Import replaces the oracle state with st.
func (o *Oracle) Import(st State) {
	var current []common.Address
	o.feeders.Range(func(a common.Address, _ bool) bool {
		current = append(current, a)
		return true
	})
	for _, a := range current {
		o.feeders.Delete(a)
	}
	for _, a := range st.Feeders {
		o.feeders.Set(a, true)
	}
	o.price.Set(st.Price)
	o.twap.Set(st.Twap)
	o.lastUpdate.Set(st.LastUpdate)
}
