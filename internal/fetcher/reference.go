package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`
)

var (
	aggregatorABI abi.ABI

	// ErrStaleRound is returned when the feed has not updated within MaxAge.
	ErrStaleRound = errors.New("reference feed round is stale")
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// ReferenceOptions parameterise the on-chain fetcher.
type ReferenceOptions struct {
	RPCURL            string
	AggregatorAddress string
	Timeout           time.Duration
	// MaxAge rejects rounds older than this; zero disables the check.
	MaxAge time.Duration
}

// Reference reads a Chainlink-style aggregator over Ethereum RPC.
type Reference struct {
	opts      ReferenceOptions
	logger    zerolog.Logger
	now       func() time.Time
	caller    ethereum.ContractCaller
	callerMux sync.Mutex
	decimals  *uint8
}

// NewReference builds a reference price fetcher that dials RPCURL lazily.
func NewReference(opts ReferenceOptions, logger zerolog.Logger) *Reference {
	return &Reference{opts: opts, logger: logger.With().Str("component", "reference_fetcher").Logger(), now: time.Now}
}

// NewReferenceWithCaller builds a fetcher over an existing contract caller.
func NewReferenceWithCaller(opts ReferenceOptions, caller ethereum.ContractCaller, logger zerolog.Logger) *Reference {
	r := NewReference(opts, logger)
	r.caller = caller
	return r
}

// FetchReference retrieves the latest aggregator answer.
func (r *Reference) FetchReference(ctx context.Context) (ReferenceRound, error) {
	if r.opts.RPCURL == "" && r.caller == nil {
		return ReferenceRound{}, errors.New("ethereum rpc url not configured")
	}
	if !common.IsHexAddress(r.opts.AggregatorAddress) {
		return ReferenceRound{}, errors.New("aggregator contract address not configured")
	}

	timeout := r.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	caller, err := r.getCaller(ctx)
	if err != nil {
		return ReferenceRound{}, err
	}
	addr := common.HexToAddress(r.opts.AggregatorAddress)

	dec, err := r.feedDecimals(ctx, caller, addr)
	if err != nil {
		return ReferenceRound{}, err
	}

	outputs, err := call(ctx, caller, addr, "latestRoundData")
	if err != nil {
		return ReferenceRound{}, err
	}
	if len(outputs) != 5 {
		return ReferenceRound{}, errors.New("unexpected latestRoundData response")
	}
	roundID, ok1 := outputs[0].(*big.Int)
	answer, ok2 := outputs[1].(*big.Int)
	updatedAt, ok3 := outputs[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return ReferenceRound{}, errors.New("failed to decode latestRoundData output")
	}
	if answer.Sign() <= 0 {
		return ReferenceRound{}, fmt.Errorf("reference feed returned non-positive answer %s", answer)
	}
	if !updatedAt.IsUint64() || !roundID.IsUint64() {
		return ReferenceRound{}, errors.New("latestRoundData fields out of range")
	}

	round := ReferenceRound{
		Price:     decimal.NewFromBigInt(answer, -int32(dec)),
		RoundID:   roundID.Uint64(),
		UpdatedAt: updatedAt.Uint64(),
	}
	if r.opts.MaxAge > 0 {
		age := r.now().Sub(time.Unix(int64(round.UpdatedAt), 0))
		if age > r.opts.MaxAge {
			return round, fmt.Errorf("%w: updated %s ago", ErrStaleRound, age.Truncate(time.Second))
		}
	}
	r.logger.Debug().Str("price", round.Price.String()).Uint64("round", round.RoundID).Msg("reference round fetched")
	return round, nil
}

func (r *Reference) feedDecimals(ctx context.Context, caller ethereum.ContractCaller, addr common.Address) (uint8, error) {
	r.callerMux.Lock()
	cached := r.decimals
	r.callerMux.Unlock()
	if cached != nil {
		return *cached, nil
	}

	outputs, err := call(ctx, caller, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	dec, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	r.callerMux.Lock()
	r.decimals = &dec
	r.callerMux.Unlock()
	return dec, nil
}

func call(ctx context.Context, caller ethereum.ContractCaller, addr common.Address, method string) ([]any, error) {
	payload, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("call %s: empty response", method)
	}
	return aggregatorABI.Unpack(method, res)
}

func (r *Reference) getCaller(ctx context.Context) (ethereum.ContractCaller, error) {
	r.callerMux.Lock()
	defer r.callerMux.Unlock()

	if r.caller != nil {
		return r.caller, nil
	}

	client, err := ethclient.DialContext(ctx, r.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	r.caller = client
	return client, nil
}

var _ ReferencePriceFetcher = (*Reference)(nil)
