package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/shopspring/decimal"

	"github.com/luxfi/margin/pkg/api"
	"github.com/luxfi/margin/pkg/assets"
	"github.com/luxfi/margin/pkg/config"
	"github.com/luxfi/margin/pkg/custody"
	"github.com/luxfi/margin/pkg/events"
	mgrpc "github.com/luxfi/margin/pkg/grpc"
	"github.com/luxfi/margin/pkg/journal"
	"github.com/luxfi/margin/pkg/keeper"
	"github.com/luxfi/margin/pkg/ledger"
	"github.com/luxfi/margin/pkg/log"
	"github.com/luxfi/margin/pkg/metrics"
	"github.com/luxfi/margin/pkg/oracle"
	"github.com/luxfi/margin/pkg/position"
	"github.com/luxfi/margin/pkg/venue"
	"github.com/luxfi/margin/pkg/websocket"
)

const (
	staticSource   = "static"
	staticDecimals = 8
	seedAccount    = assets.Account("seed")
)

type Node struct {
	config *config.Config
	logger log.Logger

	db       database.Database
	registry *assets.Registry
	metrics  *metrics.Metrics
	oracle   *oracle.Aggregator
	static   *oracle.FeedSource
	pyth     *oracle.PythSource
	ledger   *ledger.Ledger
	venue    *venue.Simulated
	engine   *position.Engine
	keeper   *keeper.Keeper
	hub      *websocket.Server
	nats     *events.NATSPublisher
	rpc      *api.JSONRPCServer
	health   *mgrpc.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNode(cfg *config.Config, logger log.Logger) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{config: cfg, logger: logger, ctx: ctx, cancel: cancel}
	if err := n.init(); err != nil {
		n.Shutdown()
		return nil, err
	}
	return n, nil
}

func (n *Node) init() error {
	cfg := n.config

	n.registry = assets.NewRegistry()
	for _, a := range cfg.Assets {
		if err := n.registry.Register(assets.ID(a.ID), a.Decimals); err != nil {
			return err
		}
	}

	db, err := openDatabase(cfg, n.logger)
	if err != nil {
		return err
	}
	n.db = db

	j := journal.New()
	vault := custody.New(j)
	n.metrics = metrics.New("margin", n.logger)

	if err := n.initOracle(); err != nil {
		return err
	}

	capability := ledger.NewCapability("engine")
	n.ledger = ledger.New(capability, vault, j, n.logger, n.metrics)
	for _, e := range cfg.Ledger {
		entry := ledger.EntryConfig{
			MaxBorrowRatioBps: e.MaxBorrowRatioBps,
			InterestModel:     ledger.DefaultInterestModel(),
		}
		if e.MinFirstDeposit != "" {
			if entry.MinFirstDeposit, err = n.registry.Parse(assets.ID(e.Asset), e.MinFirstDeposit); err != nil {
				return fmt.Errorf("ledger.%s: %w", e.Asset, err)
			}
		}
		if err := n.ledger.CreateEntry(assets.ID(e.Asset), entry); err != nil {
			return err
		}
	}

	n.venue = venue.NewSimulated(venue.SimulatedConfig{
		Factory:        cfg.Venue.Factory,
		MaxSlippageBps: cfg.Venue.MaxSlippageBps,
	}, vault, j, n.logger)
	if err := n.seedPools(j, vault); err != nil {
		return err
	}

	n.hub = websocket.NewServer(n.logger, websocket.DefaultConfig())
	publishers := events.Multi{n.hub}
	if cfg.NATS.URL != "" {
		np, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, n.logger)
		if err != nil {
			return err
		}
		n.nats = np
		publishers = append(publishers, np)
	}

	minNotional, err := decimal.NewFromString(strings.TrimSpace(cfg.Engine.MinNotionalUSD))
	if err != nil {
		return fmt.Errorf("engine.min_notional_usd: %w", err)
	}
	engineCfg := position.Config{
		Account:                 assets.Account(cfg.Engine.Account),
		TrustedFactory:          cfg.Engine.TrustedFactory,
		MaxLeverage:             cfg.Engine.MaxLeverage,
		LiquidationThresholdBps: cfg.Engine.LiquidationThresholdBps,
		LiquidationRewardBps:    cfg.Engine.LiquidationRewardBps,
		OpeningFeeBps:           cfg.Engine.OpeningFeeBps,
		MinNotionalUSD:          minNotional.Shift(oracle.PriceDecimals).BigInt(),
		TicketWidth:             cfg.Engine.TicketWidth,
		MaxBatch:                cfg.Engine.MaxBatch,
		MaxScan:                 cfg.Engine.MaxScan,
	}
	n.engine, err = position.New(engineCfg, position.Deps{
		Oracle:     n.oracle,
		Ledger:     n.ledger,
		Capability: capability,
		Venue:      n.venue,
		Custody:    vault,
		Registry:   n.registry,
		Journal:    j,
		Store:      position.NewStore(n.db, n.logger),
		Publisher:  publishers,
		Metrics:    n.metrics,
		Logger:     n.logger,
	})
	if err != nil {
		return err
	}
	if err := n.engine.Load(); err != nil {
		return fmt.Errorf("failed to load positions: %w", err)
	}

	n.keeper = keeper.New(keeper.Config{
		Account:          assets.Account(cfg.Keeper.Account),
		Interval:         cfg.Keeper.Interval,
		PageSize:         cfg.Keeper.PageSize,
		BatchSize:        cfg.Keeper.BatchSize,
		BatchesPerSecond: cfg.Keeper.BatchesPerSecond,
		Burst:            cfg.Keeper.Burst,
		Registry:         n.metrics.Registry(),
	}, n.engine, n.logger)

	n.rpc = api.NewJSONRPCServer(n.engine, n.oracle, n.ledger, n.registry, cfg.Network, n.logger)
	n.health = mgrpc.NewServer(n.probes(), n.logger)
	return nil
}

func openDatabase(cfg *config.Config, logger log.Logger) (database.Database, error) {
	dataPath, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbManager := manager.NewManager(dataPath, nil)
	if cfg.Storage == "memory" {
		logger.Warn("using in-memory database, positions will not survive a restart")
		return dbManager.New(manager.DefaultMemoryConfig())
	}

	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "margin"
	db, err := dbManager.New(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
	return db, nil
}

func (n *Node) initOracle() error {
	cfg := n.config.Oracle
	agg, err := oracle.NewAggregator(oracle.Config{
		Reference:       assets.ID(cfg.Reference),
		MaxStaleness:    cfg.MaxStaleness,
		MaxDeviationBps: cfg.MaxDeviationBps,
	}, n.registry, n.logger, n.metrics)
	if err != nil {
		return err
	}
	n.oracle = agg

	if len(cfg.StaticPrices) > 0 {
		n.static = oracle.NewFeedSource(staticSource)
		if err := agg.AddSource(n.static); err != nil {
			return err
		}
		n.publishStaticPrices()
		for asset := range cfg.StaticPrices {
			if err := agg.AddPriceSource(assets.ID(asset), staticSource, asset); err != nil {
				return err
			}
		}
	}

	if cfg.Pyth.URL != "" {
		var ids []string
		for _, f := range cfg.Feeds {
			if f.Source == cfg.Pyth.Name {
				ids = append(ids, f.FeedID)
			}
		}
		n.pyth = oracle.NewPythSource(cfg.Pyth.Name, cfg.Pyth.URL, ids, n.logger)
		if err := agg.AddSource(n.pyth); err != nil {
			return err
		}
	}

	for _, f := range cfg.Feeds {
		if err := agg.AddPriceSource(assets.ID(f.Asset), f.Source, f.FeedID); err != nil {
			return err
		}
	}
	return nil
}

// publishStaticPrices stamps every configured static price with the
// current time.
func (n *Node) publishStaticPrices() {
	now := time.Now()
	for asset, price := range n.config.Oracle.StaticPrices {
		d, err := decimal.NewFromString(price)
		if err != nil {
			continue
		}
		n.static.SetRound(asset, d.Shift(staticDecimals).BigInt(), staticDecimals, now)
	}
}

func (n *Node) seedPools(j *journal.Journal, vault *custody.Vault) error {
	for _, p := range n.config.Venue.Pools {
		pool, err := n.venue.CreatePool(assets.ID(p.Base), assets.ID(p.Quote), p.Fee)
		if err != nil {
			return err
		}
		if p.BaseReserve == "" || p.QuoteReserve == "" {
			continue
		}
		amounts := map[assets.ID]string{
			assets.ID(p.Base):  p.BaseReserve,
			assets.ID(p.Quote): p.QuoteReserve,
		}
		reserves := make(map[assets.ID]*big.Int, 2)
		for asset, amount := range amounts {
			v, err := n.registry.Parse(asset, amount)
			if err != nil {
				return err
			}
			reserves[asset] = v
		}
		err = j.Run(n.ctx, func(context.Context) error {
			for asset, v := range reserves {
				if err := vault.Mint(seedAccount, asset, v); err != nil {
					return err
				}
			}
			return n.venue.AddLiquidity(seedAccount, pool, reserves[pool.Asset0], reserves[pool.Asset1])
		})
		if err != nil {
			return fmt.Errorf("seed %s: %w", pool.Account, err)
		}
		n.logger.Info("pool seeded", "pool", pool.Account, "reserve0", reserves[pool.Asset0], "reserve1", reserves[pool.Asset1])
	}
	return nil
}

func (n *Node) probes() map[string]mgrpc.Probe {
	probes := map[string]mgrpc.Probe{
		"engine": func(context.Context) error {
			if len(n.ledger.Assets()) == 0 {
				return errors.New("no lendable assets")
			}
			return nil
		},
	}
	base, quote := assets.ID(n.config.Health.Base), assets.ID(n.config.Health.Quote)
	if base != "" && quote != "" {
		probes["oracle"] = func(ctx context.Context) error {
			_, err := n.oracle.GetPrice(ctx, base, quote)
			return err
		}
	}
	return probes
}

func (n *Node) Start() error {
	cfg := n.config
	n.logger.Info("starting margin node",
		"network", cfg.Network,
		"dataDir", cfg.DataDir,
		"openPositions", n.engine.Count(),
		"nextID", n.engine.NextID(),
	)

	if n.pyth != nil {
		if err := n.pyth.Connect(n.ctx); err != nil {
			return err
		}
	}

	n.goServe("metrics", func() error { return n.metrics.StartServer(n.ctx, cfg.Listen.Metrics) })
	n.goServe("rpc", func() error { return api.StartJSONRPCServer(n.ctx, cfg.Listen.RPC, n.rpc, n.logger) })
	n.goServe("grpc", func() error {
		return mgrpc.StartGRPCServer(n.ctx, cfg.Listen.GRPC, n.health, cfg.Health.Interval, n.logger)
	})
	n.goServe("websocket", func() error { return n.hub.Start(cfg.Listen.WS) })

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.metrics.CollectSystemMetrics(n.ctx)
	}()

	if n.static != nil {
		n.wg.Add(1)
		go n.refreshStaticPrices()
	}

	if cfg.Keeper.Enabled {
		n.goServe("keeper", func() error { return n.keeper.Run(n.ctx) })
	}

	n.logger.Info("margin node started")
	return nil
}

func (n *Node) goServe(name string, fn func() error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := fn(); err != nil {
			n.logger.Error("service stopped", "service", name, "error", err)
		}
	}()
}

func (n *Node) refreshStaticPrices() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.Oracle.MaxStaleness / 2)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.publishStaticPrices()
		}
	}
}

func (n *Node) Shutdown() {
	n.logger.Info("shutting down margin node")
	n.cancel()

	if n.hub != nil {
		n.hub.Stop()
	}
	n.wg.Wait()

	if n.pyth != nil {
		if err := n.pyth.Close(); err != nil {
			n.logger.Debug("pyth close", "error", err)
		}
	}
	if n.nats != nil {
		n.nats.Close()
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			n.logger.Warn("failed to close database", "error", err)
		}
	}
	n.logger.Info("margin node shutdown complete")
}

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	dataDir := flag.String("data-dir", "", "Data directory override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	logger, err := log.NewLeveled("marginkeeper", cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	logger.Info("platform", "os", runtime.GOOS, "arch", runtime.GOARCH, "cpus", runtime.NumCPU())

	node, err := NewNode(cfg, logger)
	if err != nil {
		logger.Error("failed to create node", "error", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		logger.Error("failed to start node", "error", err)
		node.Shutdown()
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("received signal", "signal", sig.String())

	node.Shutdown()
}
