package position

import (
	"fmt"
	"math/big"

	"github.com/luxfi/margin/pkg/assets"
)

// State is derived on demand from a position and the current price.
type State int

const (
	StateNone        State = 0
	StateLimitHit    State = 1
	StateOpen        State = 2
	StateStopLoss    State = 3
	StateLiquidation State = 4
	StateInsolvent   State = 5
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateLimitHit:
		return "limit"
	case StateOpen:
		return "open"
	case StateStopLoss:
		return "stop_loss"
	case StateLiquidation:
		return "liquidation"
	case StateInsolvent:
		return "insolvent"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Liquidatable reports whether a third party may close the position.
func (s State) Liquidatable() bool {
	return s == StateStopLoss || s == StateLiquidation || s == StateInsolvent
}

// stateAt classifies p at price. Checks run from most to least severe.
func stateAt(p *Position, price *big.Int, thresholdBps int64) State {
	short := p.IsShort

	// crossed reports price at or beyond level in the losing direction.
	crossed := func(level *big.Int) bool {
		if short {
			return price.Cmp(level) >= 0
		}
		return price.Cmp(level) <= 0
	}

	if p.IsMargin() && p.BreakEvenLimit.Sign() > 0 {
		if crossed(p.BreakEvenLimit) {
			return StateInsolvent
		}
		if crossed(liquidationBuffer(p.BreakEvenLimit, thresholdBps, short)) {
			return StateLiquidation
		}
	}
	if p.StopLossPrice.Sign() > 0 && crossed(p.StopLossPrice) {
		return StateStopLoss
	}
	if p.LimitPrice.Sign() > 0 {
		if short && price.Cmp(p.LimitPrice) <= 0 || !short && price.Cmp(p.LimitPrice) >= 0 {
			return StateLimitHit
		}
	}
	return StateOpen
}

// liquidationBuffer is the price thresholdBps before break-even.
func liquidationBuffer(breakEven *big.Int, thresholdBps int64, short bool) *big.Int {
	if short {
		return assets.MulBps(breakEven, assets.BPS-thresholdBps)
	}
	return assets.MulBps(breakEven, assets.BPS+thresholdBps)
}
