// Package statedb persists protocol snapshots in LevelDB. Each balance,
// trove and deposit lives under its own key, RLP encoded, and a snapshot is
// written in one batch.
package statedb

import (
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"cdp-ledger/internal/pricefeed"
	"cdp-ledger/internal/protocol"
	"cdp-ledger/internal/stabilitypool"
	"cdp-ledger/internal/token"
	"cdp-ledger/internal/trove"
)

const schemaVersion = 2

var (
	keyMeta     = []byte("meta")
	keyOracle   = []byte("oracle")
	keyTotals   = []byte("trove/totals")
	keyReserves = []byte("trove/reserves")
	keyGlobals  = []byte("pool/globals")

	prefixFeeder  = []byte("oracle/feeder/")
	prefixTrove   = []byte("trove/t/")
	prefixDeposit = []byte("pool/d/")
)

// ErrSchemaVersion is returned for databases written by another schema.
var ErrSchemaVersion = errors.New("statedb: unsupported schema version")

// DB is a LevelDB-backed snapshot store.
type DB struct {
	mu sync.Mutex
	db *leveldb.DB
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("statedb: path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

type metaRecord struct {
	Version uint64
	Time    uint64
}

type tokenMeta struct {
	Supply     uint64
	AnnualRate uint64
	YieldBase  uint64
	YieldSince uint64
}

type oracleRecord struct {
	Price      uint64
	Twap       uint64
	LastUpdate uint64
}

type depositRecord struct {
	Amount             uint64
	CollateralSnapshot *big.Int
	LossSnapshot       *big.Int
	InterestSnapshot   *big.Int
}

type globalsRecord struct {
	TotalDeposits               uint64
	CollateralBalance           uint64
	PendingInterestRevenue      uint64
	UndistributedInterest       uint64
	CumulativeCollateralPerUnit *big.Int
	CumulativeLossPerUnit       *big.Int
	CumulativeInterestPerUnit   *big.Int
}

// Save replaces the stored state with s.
func (d *DB) Save(s protocol.Snapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return leveldb.ErrClosed
	}

	batch := new(leveldb.Batch)
	iter := d.db.NewIterator(nil, nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan state db: %w", err)
	}

	w := &writer{batch: batch}
	w.put(keyMeta, metaRecord{Version: schemaVersion, Time: s.Time})
	w.putToken("collateral", s.Collateral)
	w.putToken("debt", s.Debt)

	w.put(keyOracle, oracleRecord{Price: s.Oracle.Price, Twap: s.Oracle.Twap, LastUpdate: s.Oracle.LastUpdate})
	for _, f := range s.Oracle.Feeders {
		w.put(addrKey(prefixFeeder, f), true)
	}

	w.put(keyTotals, s.Troves.Totals)
	w.put(keyReserves, s.Troves.Reserves)
	for _, e := range s.Troves.Troves {
		w.put(addrKey(prefixTrove, e.Owner), e.Trove)
	}

	g := s.Pool.Globals
	w.put(keyGlobals, globalsRecord{
		TotalDeposits:               g.TotalDeposits,
		CollateralBalance:           g.CollateralBalance,
		PendingInterestRevenue:      g.PendingInterestRevenue,
		UndistributedInterest:       g.UndistributedInterest,
		CumulativeCollateralPerUnit: g.CumulativeCollateralPerUnit.ToBig(),
		CumulativeLossPerUnit:       g.CumulativeLossPerUnit.ToBig(),
		CumulativeInterestPerUnit:   g.CumulativeInterestPerUnit.ToBig(),
	})
	for _, e := range s.Pool.Deposits {
		w.put(addrKey(prefixDeposit, e.Depositor), depositRecord{
			Amount:             e.Deposit.Amount,
			CollateralSnapshot: e.Deposit.CollateralSnapshot.ToBig(),
			LossSnapshot:       e.Deposit.LossSnapshot.ToBig(),
			InterestSnapshot:   e.Deposit.InterestSnapshot.ToBig(),
		})
	}
	if w.err != nil {
		return w.err
	}
	if err := d.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("write state db: %w", err)
	}
	return nil
}

// Load reads the stored state. ok is false when nothing has been saved.
func (d *DB) Load() (s protocol.Snapshot, ok bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return s, false, leveldb.ErrClosed
	}

	var meta metaRecord
	found, err := d.get(keyMeta, &meta)
	if err != nil || !found {
		return s, false, err
	}
	if meta.Version != schemaVersion {
		return s, false, fmt.Errorf("%w: %d", ErrSchemaVersion, meta.Version)
	}
	s.Time = meta.Time

	if s.Collateral, err = d.loadToken("collateral"); err != nil {
		return s, false, err
	}
	if s.Debt, err = d.loadToken("debt"); err != nil {
		return s, false, err
	}

	var or oracleRecord
	if _, err := d.get(keyOracle, &or); err != nil {
		return s, false, err
	}
	s.Oracle = pricefeed.State{Price: or.Price, Twap: or.Twap, LastUpdate: or.LastUpdate}
	err = d.each(prefixFeeder, func(a common.Address, _ []byte) error {
		s.Oracle.Feeders = append(s.Oracle.Feeders, a)
		return nil
	})
	if err != nil {
		return s, false, err
	}

	if _, err := d.get(keyTotals, &s.Troves.Totals); err != nil {
		return s, false, err
	}
	if _, err := d.get(keyReserves, &s.Troves.Reserves); err != nil {
		return s, false, err
	}
	err = d.each(prefixTrove, func(a common.Address, v []byte) error {
		var t trove.Trove
		if err := rlp.DecodeBytes(v, &t); err != nil {
			return err
		}
		s.Troves.Troves = append(s.Troves.Troves, trove.Entry{Owner: a, Trove: t})
		return nil
	})
	if err != nil {
		return s, false, err
	}

	var gr globalsRecord
	if _, err := d.get(keyGlobals, &gr); err != nil {
		return s, false, err
	}
	s.Pool.Globals = stabilitypool.Globals{
		TotalDeposits:               gr.TotalDeposits,
		CollateralBalance:           gr.CollateralBalance,
		PendingInterestRevenue:      gr.PendingInterestRevenue,
		UndistributedInterest:       gr.UndistributedInterest,
		CumulativeCollateralPerUnit: fromBig(gr.CumulativeCollateralPerUnit),
		CumulativeLossPerUnit:       fromBig(gr.CumulativeLossPerUnit),
		CumulativeInterestPerUnit:   fromBig(gr.CumulativeInterestPerUnit),
	}
	err = d.each(prefixDeposit, func(a common.Address, v []byte) error {
		var r depositRecord
		if err := rlp.DecodeBytes(v, &r); err != nil {
			return err
		}
		s.Pool.Deposits = append(s.Pool.Deposits, stabilitypool.DepositEntry{
			Depositor: a,
			Deposit: stabilitypool.Deposit{
				Amount:             r.Amount,
				CollateralSnapshot: fromBig(r.CollateralSnapshot),
				LossSnapshot:       fromBig(r.LossSnapshot),
				InterestSnapshot:   fromBig(r.InterestSnapshot),
			},
		})
		return nil
	})
	if err != nil {
		return s, false, err
	}
	return s, true, nil
}

func (d *DB) loadToken(name string) (token.State, error) {
	var st token.State
	var meta tokenMeta
	if _, err := d.get(tokenKey(name, "supply"), &meta); err != nil {
		return st, err
	}
	st.Supply = meta.Supply
	st.Yield = token.Yield{AnnualRate: meta.AnnualRate, Base: meta.YieldBase, Since: meta.YieldSince}

	err := d.each(tokenKey(name, "balance/"), func(a common.Address, v []byte) error {
		var amount uint64
		if err := rlp.DecodeBytes(v, &amount); err != nil {
			return err
		}
		st.Balances = append(st.Balances, token.Balance{Account: a, Amount: amount})
		return nil
	})
	if err != nil {
		return st, err
	}
	err = d.each(tokenKey(name, "minter/"), func(a common.Address, _ []byte) error {
		st.Minters = append(st.Minters, a)
		return nil
	})
	if err != nil {
		return st, err
	}

	prefix := tokenKey(name, "allowance/")
	iter := d.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		k := iter.Key()[len(prefix):]
		if len(k) != 2*common.AddressLength {
			return st, fmt.Errorf("statedb: malformed allowance key %x", iter.Key())
		}
		var amount uint64
		if err := rlp.DecodeBytes(iter.Value(), &amount); err != nil {
			return st, fmt.Errorf("decode allowance: %w", err)
		}
		st.Allowances = append(st.Allowances, token.Allowance{
			Owner:   common.BytesToAddress(k[:common.AddressLength]),
			Spender: common.BytesToAddress(k[common.AddressLength:]),
			Amount:  amount,
		})
	}
	return st, iter.Error()
}

func (d *DB) get(key []byte, out any) (bool, error) {
	raw, err := d.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// each visits keys under prefix in key order, which is address order.
func (d *DB) each(prefix []byte, fn func(common.Address, []byte) error) error {
	iter := d.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		k := iter.Key()[len(prefix):]
		if len(k) != common.AddressLength {
			return fmt.Errorf("statedb: malformed key %x", iter.Key())
		}
		if err := fn(common.BytesToAddress(k), iter.Value()); err != nil {
			return fmt.Errorf("decode %x: %w", iter.Key(), err)
		}
	}
	return iter.Error()
}

type writer struct {
	batch *leveldb.Batch
	err   error
}

func (w *writer) put(key []byte, v any) {
	if w.err != nil {
		return
	}
	raw, err := rlp.EncodeToBytes(v)
	if err != nil {
		w.err = fmt.Errorf("encode %s: %w", key, err)
		return
	}
	w.batch.Put(key, raw)
}

func (w *writer) putToken(name string, st token.State) {
	w.put(tokenKey(name, "supply"), tokenMeta{
		Supply:     st.Supply,
		AnnualRate: st.Yield.AnnualRate,
		YieldBase:  st.Yield.Base,
		YieldSince: st.Yield.Since,
	})
	for _, b := range st.Balances {
		w.put(addrKey(tokenKey(name, "balance/"), b.Account), b.Amount)
	}
	for _, m := range st.Minters {
		w.put(addrKey(tokenKey(name, "minter/"), m), true)
	}
	for _, a := range st.Allowances {
		key := addrKey(addrKey(tokenKey(name, "allowance/"), a.Owner), a.Spender)
		w.put(key, a.Amount)
	}
}

func tokenKey(name, suffix string) []byte {
	return []byte("token/" + name + "/" + suffix)
}

func addrKey(prefix []byte, a common.Address) []byte {
	key := make([]byte, 0, len(prefix)+common.AddressLength)
	key = append(key, prefix...)
	return append(key, a.Bytes()...)
}

func fromBig(b *big.Int) uint256.Int {
	var v uint256.Int
	if b != nil {
		v.SetFromBig(b)
	}
	return v
}
