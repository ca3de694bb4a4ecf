// Package position is the margin position lifecycle engine: it opens, edits,
// closes and liquidates positions, composing the price oracle, the liquidity
// ledger and the execution venue into atomic operations.
package position

import (
	"math/big"
	"time"

	"github.com/luxfi/margin/pkg/assets"
	"github.com/luxfi/margin/pkg/venue"
)

// Position is the stored state of one open position. Prices are the value
// of one whole base asset in smallest units of the quote asset.
type Position struct {
	ID           uint64         `json:"id"`
	BaseAsset    assets.ID      `json:"baseAsset"`
	QuoteAsset   assets.ID      `json:"quoteAsset"`
	Fee          uint32         `json:"fee"`
	IsShort      bool           `json:"isShort"`
	IsBaseAsset0 bool           `json:"isBaseAsset0"`
	Leverage     int64          `json:"leverage"`
	OpenedAt     time.Time      `json:"openedAt"`
	Opener       assets.Account `json:"opener"`

	// CollateralSize is what the trader sent in, in CollateralAsset units.
	CollateralSize *big.Int `json:"collateralSize"`
	// PositionSize is held in base for longs and in quote for shorts.
	PositionSize *big.Int `json:"positionSize"`
	InitialPrice *big.Int `json:"initialPrice"`

	TotalBorrow        *big.Int `json:"totalBorrow"`
	HourlyInterestRate *big.Int `json:"hourlyInterestRate"`
	BreakEvenLimit     *big.Int `json:"breakEvenLimit"`

	LimitPrice    *big.Int `json:"limitPrice"`
	StopLossPrice *big.Int `json:"stopLossPrice"`

	LiquidityTicket venue.TicketID `json:"liquidityTicket"`
	// LiquidationReward is escrowed from the collateral at open and paid to
	// whoever closes the position.
	LiquidationReward *big.Int `json:"liquidationReward"`
}

// IsMargin reports whether the position borrowed from the ledger.
func (p *Position) IsMargin() bool {
	return p.Leverage != 1 || p.IsShort
}

// CollateralAsset is the asset the trader supplied: base for longs, quote
// for shorts.
func (p *Position) CollateralAsset() assets.ID {
	if p.IsShort {
		return p.QuoteAsset
	}
	return p.BaseAsset
}

// HeldAsset is the asset PositionSize is denominated in.
func (p *Position) HeldAsset() assets.ID {
	return p.CollateralAsset()
}

// DebtAsset is the asset borrowed from the ledger.
func (p *Position) DebtAsset() assets.ID {
	if p.IsShort {
		return p.BaseAsset
	}
	return p.QuoteAsset
}

// AccruedInterest is TotalBorrow * rate * whole hours elapsed.
func (p *Position) AccruedInterest(now time.Time) *big.Int {
	if !assets.IsPositive(p.TotalBorrow) || !assets.IsPositive(p.HourlyInterestRate) {
		return new(big.Int)
	}
	elapsed := now.Sub(p.OpenedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	hours := big.NewInt(int64(elapsed / time.Hour))
	out := new(big.Int).Mul(p.TotalBorrow, p.HourlyInterestRate)
	out.Mul(out, hours)
	return out.Quo(out, assets.WAD)
}

func (p *Position) clone() *Position {
	out := *p
	out.CollateralSize = assets.Clone(p.CollateralSize)
	out.PositionSize = assets.Clone(p.PositionSize)
	out.InitialPrice = assets.Clone(p.InitialPrice)
	out.TotalBorrow = assets.Clone(p.TotalBorrow)
	out.HourlyInterestRate = assets.Clone(p.HourlyInterestRate)
	out.BreakEvenLimit = assets.Clone(p.BreakEvenLimit)
	out.LimitPrice = assets.Clone(p.LimitPrice)
	out.StopLossPrice = assets.Clone(p.StopLossPrice)
	out.LiquidationReward = assets.Clone(p.LiquidationReward)
	return &out
}

// OpenRequest describes a new position. LimitPrice and StopLossPrice are
// optional; nil or zero means unset.
type OpenRequest struct {
	Trader        assets.Account
	BaseAsset     assets.ID
	QuoteAsset    assets.ID
	Fee           uint32
	IsShort       bool
	Leverage      int64
	Amount        *big.Int
	LimitPrice    *big.Int
	StopLossPrice *big.Int
}

// Params is a live projection of a position at the current price.
type Params struct {
	Position        *Position
	Owner           assets.Account
	State           State
	CurrentPrice    *big.Int
	AccruedInterest *big.Int
	// PnL is in PositionSize units; negative is a loss.
	PnL            *big.Int
	CollateralLeft *big.Int
}

// LiquidationResult is the outcome of one id in a batch.
type LiquidationResult struct {
	ID  uint64
	Err error
}

// OK reports whether the liquidation succeeded.
func (r LiquidationResult) OK() bool {
	return r.Err == nil
}

// Page is one slice of a bounded liquidatable scan. Next is the first id
// not yet scanned; Done is set once the scan reached the id counter.
type Page struct {
	IDs  []uint64
	Next uint64
	Done bool
}
