package position

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/margin/pkg/events"
	"github.com/luxfi/margin/pkg/oracle"
)

// openMixedBook opens WETH, WBTC and WETH 3x longs in that order.
func openMixedBook(t *testing.T, f *fixture) {
	t.Helper()
	f.open(t, longWETH(3))
	f.open(t, OpenRequest{
		Trader:     trader,
		BaseAsset:  "WBTC",
		QuoteAsset: "USDC",
		Fee:        poolFee,
		Leverage:   3,
		Amount:     units(1, 8),
	})
	f.open(t, longWETH(3))
}

func TestLiquidateManyContinuesOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	openMixedBook(t, f)

	f.setPrice("WETH", 1390)
	f.feeds.SetRound("WBTC", units(20_000, 8), 8, f.now.Add(-2*time.Hour))

	results, err := f.engine.LiquidateMany(ctx, keeper, []uint64{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].OK())
	assert.Equal(t, uint64(2), results[1].ID)
	assert.ErrorIs(t, results[1].Err, oracle.ErrStalePrice)
	assert.True(t, results[2].OK())

	assert.Equal(t, 1, f.engine.Count())
	_, err = f.engine.Position(2)
	require.NoError(t, err)
	assert.Equal(t, "60000000000", f.borrowed(t, "USDC"))
	assert.Equal(t, "10000000000000000", f.balance(keeper, "WETH").String())

	assert.Len(t, f.pub.ofType(events.Liquidated), 2)
	failed := f.pub.ofType(events.LiquidationFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, uint64(2), failed[0].PositionID)
}

func TestLiquidateManyReportsHealthyPositions(t *testing.T) {
	f := newFixture(t)
	f.open(t, longWETH(3))

	results, err := f.engine.LiquidateMany(context.Background(), keeper, []uint64{1, 7})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.ErrorIs(t, results[0].Err, ErrNotLiquidableYet)
	assert.ErrorIs(t, results[1].Err, ErrPositionNotFound)
	assert.Equal(t, 1, f.engine.Count())
	assert.Equal(t, "4000000000", f.borrowed(t, "USDC"))
}

func TestLiquidateManyBatchCap(t *testing.T) {
	f := newFixture(t)
	ids := make([]uint64, 51)
	for i := range ids {
		ids[i] = uint64(i + 1)
	}
	_, err := f.engine.LiquidateMany(context.Background(), keeper, ids)
	assert.ErrorIs(t, err, ErrBatchTooLarge)

	results, err := f.engine.LiquidateMany(context.Background(), keeper, ids[:50])
	require.NoError(t, err)
	assert.Len(t, results, 50)
}

func TestGetLiquidatablePositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	openMixedBook(t, f)

	page, err := f.engine.GetLiquidatablePositions(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page.IDs)
	assert.True(t, page.Done)

	f.setPrice("WETH", 1390)
	f.feeds.SetRound("WBTC", units(20_000, 8), 8, f.now.Add(-2*time.Hour))

	page, err = f.engine.GetLiquidatablePositions(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3}, page.IDs)
	assert.Equal(t, uint64(4), page.Next)
	assert.True(t, page.Done)

	page, err = f.engine.GetLiquidatablePositions(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, page.IDs)
	assert.Equal(t, uint64(3), page.Next)
	assert.False(t, page.Done)

	page, err = f.engine.GetLiquidatablePositions(ctx, page.Next, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, page.IDs)
	assert.True(t, page.Done)

	page, err = f.engine.GetLiquidatablePositions(ctx, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, page.IDs)
	assert.True(t, page.Done)
}
