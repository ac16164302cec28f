package protocol

import (
	"errors"

	"cdp-ledger/internal/fixedpoint"
	"cdp-ledger/internal/pricefeed"
	"cdp-ledger/internal/stabilitypool"
	"cdp-ledger/internal/token"
	"cdp-ledger/internal/trove"
)

// FaultKind classifies a failed call.
type FaultKind int

const (
	FaultNone FaultKind = iota
	FaultPrecondition
	FaultAuthorization
	FaultInvariant
	FaultArithmetic
)

func (k FaultKind) String() string {
	switch k {
	case FaultNone:
		return "none"
	case FaultPrecondition:
		return "precondition"
	case FaultAuthorization:
		return "authorization"
	case FaultInvariant:
		return "invariant"
	case FaultArithmetic:
		return "arithmetic"
	default:
		return "unknown"
	}
}

var (
	authorizationErrors = []error{
		ErrZeroCaller,
		token.ErrNotMinter,
		token.ErrNotOwner,
		pricefeed.ErrNotOwner,
		pricefeed.ErrNotFeeder,
		stabilitypool.ErrUnauthorized,
		trove.ErrNotOwner,
	}
	invariantErrors = []error{
		trove.ErrBelowMinimumRatio,
		trove.ErrInsufficientCollateral,
		trove.ErrOutstandingDebt,
		trove.ErrNotLiquidatable,
		token.ErrInsufficientBalance,
		token.ErrInsufficientAllowance,
		stabilitypool.ErrInsufficientDeposit,
	}
)

// Classify maps an error returned by a protocol call to its fault kind.
// Anything not recognized as an authorization, invariant or arithmetic
// failure is a precondition failure.
func Classify(err error) FaultKind {
	if err == nil {
		return FaultNone
	}
	if errors.Is(err, fixedpoint.ErrArithmetic) {
		return FaultArithmetic
	}
	for _, target := range authorizationErrors {
		if errors.Is(err, target) {
			return FaultAuthorization
		}
	}
	for _, target := range invariantErrors {
		if errors.Is(err, target) {
			return FaultInvariant
		}
	}
	return FaultPrecondition
}
