// Package venue is the boundary to the automated market maker that executes
// swaps and holds concentrated-liquidity tickets for the engine.
package venue

import (
	"context"
	"errors"
	"math"
	"math/big"

	"github.com/luxfi/margin/pkg/assets"
)

// FeeDenominator is the unit of pool fees: 3000 means 0.3%.
const FeeDenominator = 1_000_000

var (
	ErrPoolNotFound    = errors.New("pool not found")
	ErrPoolExists      = errors.New("pool already exists")
	ErrUnfillable      = errors.New("swap unfillable within slippage bound")
	ErrSlippage        = errors.New("swap output below slippage bound")
	ErrNoLiquidity     = errors.New("pool has no liquidity")
	ErrTicketNotFound  = errors.New("liquidity ticket not found")
	ErrNotTicketOwner  = errors.New("caller does not own liquidity ticket")
	ErrInvalidTicks    = errors.New("invalid tick range")
	ErrAssetNotInPool  = errors.New("asset not in pool")
	ErrIdenticalAssets = errors.New("identical assets")
)

// Pool identifies a two-asset pool. Asset0 sorts before Asset1.
type Pool struct {
	Asset0  assets.ID
	Asset1  assets.ID
	Fee     uint32
	Factory string
	Account assets.Account
}

// Has reports whether asset is one of the pool's two assets.
func (p Pool) Has(asset assets.ID) bool {
	return asset == p.Asset0 || asset == p.Asset1
}

// TicketID references a concentrated-liquidity position. Zero means none.
type TicketID uint64

// Venue is everything the engine needs from the market maker. Swap and mint
// calls pull funds from the caller through a custody allowance granted to
// Spender().
type Venue interface {
	Factory() string
	Spender() assets.Account
	Pool(a, b assets.ID, fee uint32) (Pool, error)
	SwapExactIn(ctx context.Context, caller assets.Account, in, out assets.ID, fee uint32, amountIn *big.Int) (*big.Int, error)
	SwapExactOut(ctx context.Context, caller assets.Account, in, out assets.ID, fee uint32, amountOut, maxIn *big.Int) (*big.Int, error)
	MintNarrowRange(ctx context.Context, caller assets.Account, pool Pool, amount0, amount1 *big.Int, tickLow, tickHigh int) (TicketID, error)
	WithdrawLiquidity(ctx context.Context, caller assets.Account, ticket TicketID) (*big.Int, *big.Int, error)
}

// SortAssets orders a pair the way pools store it.
func SortAssets(a, b assets.ID) (assets.ID, assets.ID) {
	if a < b {
		return a, b
	}
	return b, a
}

const tickBase = 1.0001

// TickAtPrice returns the greatest tick whose price does not exceed price,
// where price is asset1 smallest units per asset0 smallest unit.
func TickAtPrice(price float64) int {
	return int(math.Floor(math.Log(price) / math.Log(tickBase)))
}

// PriceAtTick returns 1.0001^tick.
func PriceAtTick(tick int) float64 {
	return math.Pow(tickBase, float64(tick))
}
