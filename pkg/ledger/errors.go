package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/margin/pkg/assets"
)

var (
	ErrUnauthorized          = errors.New("caller does not hold the ledger capability")
	ErrEntryNotFound         = errors.New("ledger entry not found")
	ErrEntryExists           = errors.New("ledger entry already exists")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrOverRefund            = errors.New("refund exceeds borrowed funds")
	ErrLossesExceedRepayment = errors.New("losses exceed repayment")
	ErrFirstDepositTooSmall  = errors.New("first deposit below minimum")
	ErrWithdrawExceedsOnHand = errors.New("withdrawal exceeds on-hand balance")
	ErrInsufficientShares    = errors.New("insufficient shares")
	ErrZeroShares            = errors.New("deposit too small to mint shares")
	ErrInvalidBorrowRatio    = errors.New("max borrow ratio out of range")
)

// InsufficientLiquidityError reports how much could have been borrowed.
type InsufficientLiquidityError struct {
	Asset     assets.ID
	Requested *big.Int
	Capacity  *big.Int
}

func (e *InsufficientLiquidityError) Error() string {
	return fmt.Sprintf("insufficient liquidity for %s: requested %s, capacity %s", e.Asset, e.Requested, e.Capacity)
}

func (e *InsufficientLiquidityError) Unwrap() error {
	return ErrInsufficientLiquidity
}
