package protocol

import (
	"errors"

	"cdp-ledger/internal/pricefeed"
	"cdp-ledger/internal/stabilitypool"
	"cdp-ledger/internal/token"
	"cdp-ledger/internal/trove"
)

// Snapshot is the complete protocol state at one instant.
type Snapshot struct {
	Time       uint64
	Collateral token.State
	Debt       token.State
	Oracle     pricefeed.State
	Troves     trove.State
	Pool       stabilitypool.State
}

// Export copies the protocol state.
func (p *Protocol) Export() Snapshot {
	var s Snapshot
	p.view(func(now uint64) {
		s = Snapshot{
			Time:       now,
			Collateral: p.collateral.Export(),
			Debt:       p.debt.Export(),
			Oracle:     p.oracle.Export(),
			Troves:     p.troves.Export(),
			Pool:       p.pool.Export(),
		}
	})
	return s
}

// Import replaces the protocol state with s.
func (p *Protocol) Import(s Snapshot) error {
	if s.Oracle.Price == 0 {
		return errors.New("protocol: snapshot has no price")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.journal.Atomic(func() error {
		p.collateral.Import(s.Collateral)
		p.debt.Import(s.Debt)
		p.oracle.Import(s.Oracle)
		p.troves.Import(s.Troves)
		p.pool.Import(s.Pool)
		return nil
	})
}
