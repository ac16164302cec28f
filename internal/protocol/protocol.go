// Package protocol assembles the tokens, oracle, trove ledger and stability
// pool into one serialized state machine. Every exported mutation runs under
// a single lock inside one journal transaction, reads the clock once, and
// leaves no trace when it fails.
package protocol

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"cdp-ledger/internal/pricefeed"
	"cdp-ledger/internal/stabilitypool"
	"cdp-ledger/internal/state"
	"cdp-ledger/internal/token"
	"cdp-ledger/internal/trove"
)

var (
	// ErrZeroCaller rejects calls without a caller identity.
	ErrZeroCaller = errors.New("protocol: zero caller")
	// ErrUnknownAsset rejects token operations on an unknown asset.
	ErrUnknownAsset = errors.New("protocol: unknown asset")
)

// Asset names one of the two protocol tokens.
type Asset string

const (
	AssetCollateral Asset = "collateral"
	AssetDebt       Asset = "debt"
)

// Params configure a protocol instance.
type Params struct {
	Trove            trove.Params
	Oracle           pricefeed.Params
	InitialPrice     uint64
	// CollateralYield is the annual growth of the collateral exchange rate.
	CollateralYield  uint64
	CollateralSymbol string
	DebtSymbol       string
}

// DefaultParams returns production parameters.
func DefaultParams() Params {
	return Params{
		Trove:            trove.DefaultParams(),
		Oracle:           pricefeed.DefaultParams(),
		InitialPrice:     50_000_000,
		CollateralYield:  100_000_000,
		CollateralSymbol: "stCOLL",
		DebtSymbol:       "cUSD",
	}
}

// Addresses are the fixed identities of the protocol.
type Addresses struct {
	Owner         common.Address
	TroveLedger   common.Address
	StabilityPool common.Address
}

func (a Addresses) validate() error {
	zero := common.Address{}
	if a.Owner == zero || a.TroveLedger == zero || a.StabilityPool == zero {
		return errors.New("protocol: owner, trove ledger and stability pool addresses are required")
	}
	if a.Owner == a.TroveLedger || a.Owner == a.StabilityPool || a.TroveLedger == a.StabilityPool {
		return errors.New("protocol: addresses must be distinct")
	}
	return nil
}

// Observer receives the outcome of every call.
type Observer interface {
	ObserveCall(op string, fault string)
}

// Protocol is the serialized protocol state machine.
type Protocol struct {
	mu       sync.Mutex
	journal  *state.Journal
	clock    Clock
	logger   zerolog.Logger
	observer Observer

	params Params
	addrs  Addresses

	collateral *token.Ledger
	debt       *token.Ledger
	oracle     *pricefeed.Oracle
	troves     *trove.Ledger
	pool       *stabilitypool.Pool
}

// New wires a fresh protocol instance.
func New(params Params, addrs Addresses, clock Clock, logger zerolog.Logger) (*Protocol, error) {
	if err := addrs.validate(); err != nil {
		return nil, err
	}
	if err := params.Trove.Validate(); err != nil {
		return nil, fmt.Errorf("protocol: trove params: %w", err)
	}
	if params.InitialPrice == 0 {
		return nil, errors.New("protocol: initial price must be positive")
	}
	if clock == nil {
		clock = SystemClock{}
	}

	j := state.NewJournal()
	coll := token.New(j, "Staked Collateral", params.CollateralSymbol, addrs.Owner)
	debt := token.New(j, "Debt Token", params.DebtSymbol, addrs.Owner)
	if params.CollateralYield > 0 {
		coll.StartYield(params.CollateralYield, clock.Now())
	}
	oracle := pricefeed.New(j, addrs.Owner, params.InitialPrice, clock.Now(), params.Oracle)
	ledger := trove.New(j, addrs.TroveLedger, addrs.Owner, params.Trove, oracle, coll, debt)
	pool := stabilitypool.New(j, addrs.StabilityPool, addrs.TroveLedger, coll, debt)

	if err := debt.AddMinter(addrs.Owner, addrs.TroveLedger); err != nil {
		return nil, err
	}
	if err := debt.AddMinter(addrs.Owner, addrs.StabilityPool); err != nil {
		return nil, err
	}
	if err := ledger.SetStabilityPool(addrs.Owner, pool); err != nil {
		return nil, err
	}

	return &Protocol{
		journal:    j,
		clock:      clock,
		logger:     logger.With().Str("component", "protocol").Logger(),
		params:     params,
		addrs:      addrs,
		collateral: coll,
		debt:       debt,
		oracle:     oracle,
		troves:     ledger,
		pool:       pool,
	}, nil
}

// SetObserver installs a call observer.
func (p *Protocol) SetObserver(o Observer) {
	p.mu.Lock()
	p.observer = o
	p.mu.Unlock()
}

// Addresses returns the protocol identities.
func (p *Protocol) Addresses() Addresses { return p.addrs }

// Params returns the protocol parameters.
func (p *Protocol) Params() Params { return p.params }

// Now reads the protocol clock.
func (p *Protocol) Now() uint64 { return p.clock.Now() }

// call runs fn as one atomic invocation on behalf of caller.
func (p *Protocol) call(op string, caller common.Address, fn func(now uint64) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	err := p.journal.Atomic(func() error {
		if caller == (common.Address{}) {
			return ErrZeroCaller
		}
		return fn(now)
	})

	kind := Classify(err)
	if p.observer != nil {
		p.observer.ObserveCall(op, kind.String())
	}
	switch kind {
	case FaultNone:
		p.logger.Debug().Str("op", op).Str("caller", caller.Hex()).Uint64("now", now).Msg("call committed")
	case FaultArithmetic:
		p.logger.Error().Err(err).Str("op", op).Str("caller", caller.Hex()).Msg("arithmetic fault; call aborted")
	default:
		p.logger.Debug().Err(err).Str("op", op).Str("caller", caller.Hex()).Str("fault", kind.String()).Msg("call rejected")
	}
	return err
}

// view runs fn under the lock without a transaction.
func (p *Protocol) view(fn func(now uint64)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.clock.Now())
}

func (p *Protocol) asset(a Asset) (*token.Ledger, error) {
	switch a {
	case AssetCollateral:
		return p.collateral, nil
	case AssetDebt:
		return p.debt, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAsset, a)
	}
}
