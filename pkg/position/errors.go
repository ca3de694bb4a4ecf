package position

import (
	"errors"

	"github.com/luxfi/margin/pkg/journal"
)

var (
	// Input validation
	ErrPoolNotOfficial           = errors.New("pool not created by trusted factory")
	ErrTokenNotSupported         = errors.New("token not supported by pool")
	ErrNoPriceFeed               = errors.New("no price feed for pair")
	ErrLeverageOutOfRange        = errors.New("leverage out of range")
	ErrTokenNotSupportedOnMargin = errors.New("token not supported on margin")
	ErrAmountTooSmall            = errors.New("amount too small")
	ErrInconsistentTriggerPrice  = errors.New("inconsistent trigger price")
	ErrInvalidPrice              = errors.New("price must be positive")

	// Authorization
	ErrNotOwner         = errors.New("caller does not own position")
	ErrNotLiquidableYet = errors.New("position not liquidable yet")

	// Lookup and batching
	ErrPositionNotFound = errors.New("position not found")
	ErrBatchTooLarge    = errors.New("too many positions in batch")

	// Invariant violation
	ErrTokenMismatch = errors.New("repayment asset equals received asset")

	// ErrReentrantCall is returned when an entry point is invoked from
	// inside another engine operation.
	ErrReentrantCall = journal.ErrReentrant
)
