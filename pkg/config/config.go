// Package config loads the margin daemon's YAML configuration and applies
// MARGIN_* environment overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Network  string `yaml:"network"`
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`
	// Storage is "badgerdb" or "memory".
	Storage string `yaml:"storage"`

	Listen struct {
		RPC     string `yaml:"rpc"`
		GRPC    string `yaml:"grpc"`
		WS      string `yaml:"ws"`
		Metrics string `yaml:"metrics"`
	} `yaml:"listen"`

	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Assets []Asset       `yaml:"assets"`
	Oracle OracleConfig  `yaml:"oracle"`
	Ledger []LedgerEntry `yaml:"ledger"`
	Venue  VenueConfig   `yaml:"venue"`
	Engine EngineConfig  `yaml:"engine"`
	Keeper KeeperConfig  `yaml:"keeper"`

	Health struct {
		Base     string        `yaml:"base"`
		Quote    string        `yaml:"quote"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"health"`
}

type Asset struct {
	ID       string `yaml:"id"`
	Decimals uint8  `yaml:"decimals"`
}

type OracleConfig struct {
	Reference       string        `yaml:"reference"`
	MaxStaleness    time.Duration `yaml:"max_staleness"`
	MaxDeviationBps int64         `yaml:"max_deviation_bps"`
	Pyth            struct {
		Name string `yaml:"name"`
		URL  string `yaml:"url"`
	} `yaml:"pyth"`
	// StaticPrices are reference-currency prices republished on a timer,
	// for development without a live feed.
	StaticPrices map[string]string `yaml:"static_prices"`
	Feeds        []Feed            `yaml:"feeds"`
}

type Feed struct {
	Asset  string `yaml:"asset"`
	Source string `yaml:"source"`
	FeedID string `yaml:"feed_id"`
}

type LedgerEntry struct {
	Asset             string `yaml:"asset"`
	MaxBorrowRatioBps int64  `yaml:"max_borrow_ratio_bps"`
	// MinFirstDeposit is in whole tokens.
	MinFirstDeposit string `yaml:"min_first_deposit"`
}

type VenueConfig struct {
	Factory        string `yaml:"factory"`
	MaxSlippageBps int64  `yaml:"max_slippage_bps"`
	Pools          []Pool `yaml:"pools"`
}

type Pool struct {
	Base  string `yaml:"base"`
	Quote string `yaml:"quote"`
	Fee   uint32 `yaml:"fee"`
	// Reserves in whole tokens seeded at startup.
	BaseReserve  string `yaml:"base_reserve"`
	QuoteReserve string `yaml:"quote_reserve"`
}

type EngineConfig struct {
	Account                 string `yaml:"account"`
	TrustedFactory          string `yaml:"trusted_factory"`
	MaxLeverage             int64  `yaml:"max_leverage"`
	LiquidationThresholdBps int64  `yaml:"liquidation_threshold_bps"`
	LiquidationRewardBps    int64  `yaml:"liquidation_reward_bps"`
	OpeningFeeBps           int64  `yaml:"opening_fee_bps"`
	// MinNotionalUSD is in whole units of the reference currency.
	MinNotionalUSD string `yaml:"min_notional_usd"`
	TicketWidth    int    `yaml:"ticket_width"`
	MaxBatch       int    `yaml:"max_batch"`
	MaxScan        uint64 `yaml:"max_scan"`
}

type KeeperConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Account          string        `yaml:"account"`
	Interval         time.Duration `yaml:"interval"`
	PageSize         uint64        `yaml:"page_size"`
	BatchSize        int           `yaml:"batch_size"`
	BatchesPerSecond float64       `yaml:"batches_per_second"`
	Burst            int           `yaml:"burst"`
}

// Default returns a configuration that runs a single in-memory node.
func Default() *Config {
	cfg := &Config{
		Network:  "local",
		LogLevel: "info",
		DataDir:  "./data",
		Storage:  "badgerdb",
	}
	cfg.Listen.RPC = ":8545"
	cfg.Listen.GRPC = ":9090"
	cfg.Listen.WS = ":8081"
	cfg.Listen.Metrics = ":9100"
	cfg.NATS.SubjectPrefix = "margin"
	cfg.Assets = []Asset{{ID: "USD", Decimals: 18}}
	cfg.Oracle = OracleConfig{
		Reference:       "USD",
		MaxStaleness:    time.Hour,
		MaxDeviationBps: 100,
	}
	cfg.Venue = VenueConfig{Factory: "sim", MaxSlippageBps: 300}
	cfg.Engine = EngineConfig{
		Account:                 "margin:engine",
		TrustedFactory:          "sim",
		MaxLeverage:             5,
		LiquidationThresholdBps: 500,
		LiquidationRewardBps:    50,
		OpeningFeeBps:           10,
		MinNotionalUSD:          "10",
		TicketWidth:             20,
		MaxBatch:                50,
		MaxScan:                 1000,
	}
	cfg.Keeper = KeeperConfig{
		Enabled:          true,
		Account:          "keeper",
		Interval:         15 * time.Second,
		PageSize:         1000,
		BatchSize:        50,
		BatchesPerSecond: 5,
		Burst:            1,
	}
	cfg.Health.Interval = 10 * time.Second
	return cfg
}

// Load reads path on top of Default, then .env and the environment. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"MARGIN_NETWORK":        &c.Network,
		"MARGIN_LOG_LEVEL":      &c.LogLevel,
		"MARGIN_DATA_DIR":       &c.DataDir,
		"MARGIN_STORAGE":        &c.Storage,
		"MARGIN_RPC_ADDR":       &c.Listen.RPC,
		"MARGIN_GRPC_ADDR":      &c.Listen.GRPC,
		"MARGIN_WS_ADDR":        &c.Listen.WS,
		"MARGIN_METRICS_ADDR":   &c.Listen.Metrics,
		"MARGIN_NATS_URL":       &c.NATS.URL,
		"MARGIN_PYTH_URL":       &c.Oracle.Pyth.URL,
		"MARGIN_KEEPER_ACCOUNT": &c.Keeper.Account,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	if v, ok := lookup("MARGIN_KEEPER_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MARGIN_KEEPER_ENABLED: %w", err)
		}
		c.Keeper.Enabled = enabled
	}
	if v, ok := lookup("MARGIN_KEEPER_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MARGIN_KEEPER_INTERVAL: %w", err)
		}
		c.Keeper.Interval = d
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Storage != "badgerdb" && c.Storage != "memory" {
		add("storage must be badgerdb or memory, got %q", c.Storage)
	}

	known := make(map[string]bool, len(c.Assets))
	for _, a := range c.Assets {
		if a.ID == "" {
			add("asset with empty id")
		}
		if known[a.ID] {
			add("asset %s listed twice", a.ID)
		}
		known[a.ID] = true
	}
	requireAsset := func(where, id string) {
		if !known[id] {
			add("%s: unknown asset %q", where, id)
		}
	}

	requireAsset("oracle.reference", c.Oracle.Reference)
	if c.Oracle.MaxStaleness <= 0 {
		add("oracle.max_staleness must be positive")
	}
	if c.Oracle.MaxDeviationBps < 0 {
		add("oracle.max_deviation_bps must not be negative")
	}
	for asset, price := range c.Oracle.StaticPrices {
		requireAsset("oracle.static_prices", asset)
		if !positiveDecimal(price) {
			add("oracle.static_prices.%s: %q is not a positive number", asset, price)
		}
	}
	for _, f := range c.Oracle.Feeds {
		requireAsset("oracle.feeds", f.Asset)
		if f.Source == "" || f.FeedID == "" {
			add("oracle.feeds.%s: source and feed_id required", f.Asset)
		}
		if f.Source == c.Oracle.Pyth.Name && c.Oracle.Pyth.URL == "" {
			add("oracle.feeds.%s: pyth source without oracle.pyth.url", f.Asset)
		}
	}

	for _, e := range c.Ledger {
		requireAsset("ledger", e.Asset)
		if e.MaxBorrowRatioBps <= 0 || e.MaxBorrowRatioBps > 10_000 {
			add("ledger.%s: max_borrow_ratio_bps %d out of range", e.Asset, e.MaxBorrowRatioBps)
		}
		if e.MinFirstDeposit != "" && !positiveDecimal(e.MinFirstDeposit) {
			add("ledger.%s: min_first_deposit %q is not a positive number", e.Asset, e.MinFirstDeposit)
		}
	}

	if c.Venue.Factory == "" {
		add("venue.factory required")
	}
	for _, p := range c.Venue.Pools {
		requireAsset("venue.pools", p.Base)
		requireAsset("venue.pools", p.Quote)
		if p.Base == p.Quote {
			add("venue.pools: %s paired with itself", p.Base)
		}
		for _, r := range []string{p.BaseReserve, p.QuoteReserve} {
			if r != "" && !positiveDecimal(r) {
				add("venue.pools.%s/%s: reserve %q is not a positive number", p.Base, p.Quote, r)
			}
		}
	}

	if c.Engine.Account == "" {
		add("engine.account required")
	}
	if c.Engine.MaxLeverage < 1 {
		add("engine.max_leverage must be at least 1")
	}
	if !positiveDecimal(c.Engine.MinNotionalUSD) {
		add("engine.min_notional_usd %q is not a positive number", c.Engine.MinNotionalUSD)
	}
	if c.Engine.MaxBatch < 1 || c.Engine.MaxBatch > 50 {
		add("engine.max_batch %d must be in [1, 50]", c.Engine.MaxBatch)
	}

	if c.Keeper.Enabled && c.Keeper.Interval <= 0 {
		add("keeper.interval must be positive")
	}
	if c.Health.Interval <= 0 {
		add("health.interval must be positive")
	}
	if c.Health.Base != "" || c.Health.Quote != "" {
		requireAsset("health.base", c.Health.Base)
		requireAsset("health.quote", c.Health.Quote)
	}
	return errors.Join(errs...)
}

func positiveDecimal(s string) bool {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	return err == nil && d.IsPositive()
}
