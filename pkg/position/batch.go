package position

import (
	"context"
	"fmt"

	"github.com/luxfi/margin/pkg/assets"
	"github.com/luxfi/margin/pkg/events"
)

// LiquidateMany liquidates every id it can in one operation. A failing id is
// reverted on its own and reported in its result; the rest still apply.
// More than MaxBatch ids is rejected outright.
func (e *Engine) LiquidateMany(ctx context.Context, liquidator assets.Account, ids []uint64) ([]LiquidationResult, error) {
	if len(ids) > e.cfg.MaxBatch {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(ids), e.cfg.MaxBatch)
	}

	results := make([]LiquidationResult, 0, len(ids))
	err := e.run(ctx, "liquidate_many", func(o *op) error {
		for _, id := range ids {
			sp := e.journal.Savepoint()
			item := &op{ctx: o.ctx, changes: newChanges()}
			if err := e.closePosition(item, liquidator, id, true); err != nil {
				e.journal.RevertTo(sp)
				e.metrics.RecordLiquidationFailure()
				e.logger.Debug("batch liquidation skipped position", "id", id, "error", err)
				o.events = append(o.events, events.New(events.LiquidationFailed, id, liquidator, map[string]string{
					"error": err.Error(),
				}))
				results = append(results, LiquidationResult{ID: id, Err: err})
				continue
			}
			o.merge(item)
			results = append(results, LiquidationResult{ID: id})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// GetLiquidatablePositions scans at most count ids starting at start and
// returns those currently liquidatable. A count of zero or above MaxScan
// scans MaxScan ids. Positions whose price cannot be read are skipped.
func (e *Engine) GetLiquidatablePositions(ctx context.Context, start, count uint64) (Page, error) {
	if count == 0 || count > e.cfg.MaxScan {
		count = e.cfg.MaxScan
	}
	if start == 0 {
		start = 1
	}
	limit := e.NextID()
	end := start + count
	if end > limit || end < start {
		end = limit
	}

	page := Page{Next: end, Done: end >= limit}
	for id := start; id < end; id++ {
		if err := ctx.Err(); err != nil {
			return Page{}, err
		}
		if _, err := e.get(id); err != nil {
			continue
		}
		state, err := e.PositionState(ctx, id)
		if err != nil {
			e.logger.Debug("skipping position in scan", "id", id, "error", err)
			continue
		}
		if state.Liquidatable() {
			page.IDs = append(page.IDs, id)
		}
	}
	if start >= limit {
		page.Next = start
		page.Done = true
	}
	return page, nil
}
