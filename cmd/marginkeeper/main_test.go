package main

import (
	"context"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/margin/pkg/assets"
	"github.com/luxfi/margin/pkg/config"
	"github.com/luxfi/margin/pkg/ledger"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Storage = "memory"
	cfg.DataDir = t.TempDir()
	cfg.Assets = append(cfg.Assets,
		config.Asset{ID: "USDC", Decimals: 6},
		config.Asset{ID: "WETH", Decimals: 18},
	)
	cfg.Oracle.StaticPrices = map[string]string{"USDC": "1", "WETH": "2000"}
	cfg.Ledger = []config.LedgerEntry{
		{Asset: "USDC", MaxBorrowRatioBps: 8000, MinFirstDeposit: "100"},
		{Asset: "WETH", MaxBorrowRatioBps: 8000},
	}
	cfg.Venue.Pools = []config.Pool{
		{Base: "WETH", Quote: "USDC", Fee: 3000, BaseReserve: "1000", QuoteReserve: "2000000"},
	}
	cfg.Health.Base = "WETH"
	cfg.Health.Quote = "USDC"
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNodeWiring(t *testing.T) {
	level, _ := log.ToLevel("debug")
	logger := log.NewTestLogger(level)

	n, err := NewNode(testConfig(t), logger)
	require.NoError(t, err)
	defer n.Shutdown()

	ctx := context.Background()
	price, err := n.oracle.GetPrice(ctx, "WETH", "USDC")
	require.NoError(t, err)
	assert.Equal(t, "2000000000", price.String())

	pool, err := n.venue.Pool("WETH", "USDC", 3000)
	require.NoError(t, err)
	r0, r1 := n.venue.Reserves(pool)
	reserves := map[assets.ID]string{pool.Asset0: r0.String(), pool.Asset1: r1.String()}
	assert.Equal(t, "1000000000000000000000", reserves["WETH"])
	assert.Equal(t, "2000000000000", reserves["USDC"])

	assert.ElementsMatch(t, []assets.ID{"USDC", "WETH"}, n.ledger.Assets())
	assert.Equal(t, uint64(1), n.engine.NextID())

	families, err := n.metrics.Registry().Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "margin_keeper_rounds_total")

	probes := n.probes()
	require.Contains(t, probes, "oracle")
	for name, probe := range probes {
		assert.NoError(t, probe(ctx), name)
	}
}

func TestNodeRejectsBadLedgerAsset(t *testing.T) {
	level, _ := log.ToLevel("debug")
	logger := log.NewTestLogger(level)

	cfg := testConfig(t)
	cfg.Ledger = append(cfg.Ledger, config.LedgerEntry{Asset: "USDC", MaxBorrowRatioBps: 8000})

	_, err := NewNode(cfg, logger)
	require.ErrorIs(t, err, ledger.ErrEntryExists)
}
