package position

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/margin/pkg/assets"
	"github.com/luxfi/margin/pkg/events"
	"github.com/luxfi/margin/pkg/venue"
)

// Close settles a position on behalf of its owner. The escrowed reward goes
// back to the caller.
func (e *Engine) Close(ctx context.Context, caller assets.Account, id uint64) error {
	return e.run(ctx, "close", func(o *op) error {
		return e.closePosition(o, caller, id, false)
	})
}

// Liquidate closes a position whose state is stop-loss, liquidation or
// insolvent. Anyone may call it; the caller earns the escrowed reward.
func (e *Engine) Liquidate(ctx context.Context, liquidator assets.Account, id uint64) error {
	return e.run(ctx, "liquidate", func(o *op) error {
		return e.closePosition(o, liquidator, id, true)
	})
}

// closePosition removes the position before touching the venue or the
// ledger, so nothing a collaborator observes mid-close can see it open.
func (e *Engine) closePosition(o *op, caller assets.Account, id uint64, liquidation bool) error {
	p, err := e.get(id)
	if err != nil {
		return err
	}
	owner, err := e.owners.OwnerOf(id)
	if err != nil {
		return err
	}

	mode := "close"
	var state State
	if liquidation {
		mode = "liquidate"
		price, err := e.price(o.ctx, p.BaseAsset, p.QuoteAsset)
		if err != nil {
			return err
		}
		state = stateAt(p, price, e.cfg.LiquidationThresholdBps)
		if !state.Liquidatable() {
			return fmt.Errorf("%w: %d is %s", ErrNotLiquidableYet, id, state)
		}
	} else if caller != owner {
		return fmt.Errorf("%w: %d", ErrNotOwner, id)
	}

	e.removePosition(id)
	e.owners.burn(id)
	o.changes.remove(id)

	fields := map[string]string{"caller": string(caller)}
	if liquidation {
		fields["state"] = state.String()
	}

	switch {
	case p.LiquidityTicket != 0:
		if err := e.settleTicket(o, p, owner); err != nil {
			return err
		}
	case p.IsMargin():
		losses, err := e.settleMargin(o, p, owner)
		if err != nil {
			return err
		}
		fields["losses"] = losses.String()
	default:
		e.approveVenue(p.BaseAsset, p.PositionSize)
		proceeds, err := e.venue.SwapExactIn(o.ctx, e.cfg.Account, p.BaseAsset, p.QuoteAsset, p.Fee, p.PositionSize)
		if err != nil {
			return err
		}
		if err := e.custody.Transfer(e.cfg.Account, owner, p.QuoteAsset, proceeds); err != nil {
			return err
		}
	}

	if assets.IsPositive(p.LiquidationReward) {
		if err := e.custody.Transfer(e.cfg.Account, caller, p.CollateralAsset(), p.LiquidationReward); err != nil {
			return err
		}
	}

	e.metrics.RecordClose(mode)
	e.logger.Info("position closed", "id", id, "mode", mode, "owner", owner, "caller", caller)
	evType := events.Closed
	if liquidation {
		evType = events.Liquidated
	}
	o.events = append(o.events, events.New(evType, id, owner, fields))
	return nil
}

// settleTicket withdraws the limit-order liquidity and hands both legs to
// the owner.
func (e *Engine) settleTicket(o *op, p *Position, owner assets.Account) error {
	amount0, amount1, err := e.venue.WithdrawLiquidity(o.ctx, e.cfg.Account, p.LiquidityTicket)
	if err != nil {
		return err
	}
	asset0, asset1 := p.QuoteAsset, p.BaseAsset
	if p.IsBaseAsset0 {
		asset0, asset1 = p.BaseAsset, p.QuoteAsset
	}
	if assets.IsPositive(amount0) {
		if err := e.custody.Transfer(e.cfg.Account, owner, asset0, amount0); err != nil {
			return err
		}
	}
	if assets.IsPositive(amount1) {
		if err := e.custody.Transfer(e.cfg.Account, owner, asset1, amount1); err != nil {
			return err
		}
	}
	return nil
}

// settleMargin repays the loan plus interest out of the held asset and
// returns whatever shortfall the ledger had to absorb.
func (e *Engine) settleMargin(o *op, p *Position, owner assets.Account) (*big.Int, error) {
	held, debt := p.HeldAsset(), p.DebtAsset()
	if held == debt {
		e.logger.Error("position holds its debt asset", "id", p.ID, "asset", held)
		return nil, fmt.Errorf("%w: %s", ErrTokenMismatch, held)
	}

	interest := p.AccruedInterest(e.cfg.Now())
	due := new(big.Int).Add(p.TotalBorrow, interest)
	losses := new(big.Int)

	e.approveVenue(held, p.PositionSize)
	spent, err := e.venue.SwapExactOut(o.ctx, e.cfg.Account, held, debt, p.Fee, due, p.PositionSize)
	switch {
	case err == nil:
		if err := e.ledger.Refund(e.cap, debt, e.cfg.Account, p.TotalBorrow, interest, losses); err != nil {
			return nil, err
		}
		surplus := new(big.Int).Sub(p.PositionSize, spent)
		if surplus.Sign() > 0 {
			if err := e.custody.Transfer(e.cfg.Account, owner, held, surplus); err != nil {
				return nil, err
			}
		}
		return losses, nil

	case errors.Is(err, venue.ErrUnfillable):
		// Not enough to buy back the debt at a fair price: sell everything
		// and let the ledger absorb the difference.
		got, err := e.venue.SwapExactIn(o.ctx, e.cfg.Account, held, debt, p.Fee, p.PositionSize)
		if err != nil {
			return nil, err
		}
		if got.Cmp(due) < 0 {
			losses.Sub(due, got)
		}
		if err := e.ledger.Refund(e.cap, debt, e.cfg.Account, p.TotalBorrow, interest, losses); err != nil {
			return nil, err
		}
		if surplus := new(big.Int).Sub(got, due); surplus.Sign() > 0 {
			if err := e.custody.Transfer(e.cfg.Account, owner, debt, surplus); err != nil {
				return nil, err
			}
		}
		if losses.Sign() > 0 {
			e.logger.Warn("position closed underwater", "id", p.ID, "due", due, "repaid", got)
		}
		return losses, nil

	default:
		return nil, err
	}
}
