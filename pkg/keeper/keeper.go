// Package keeper periodically scans the position book and liquidates
// whatever has become liquidatable.
package keeper

import (
	"context"
	"errors"
	"time"

	metric "github.com/luxfi/metric"
	"golang.org/x/time/rate"

	"github.com/luxfi/margin/pkg/assets"
	"github.com/luxfi/margin/pkg/log"
	"github.com/luxfi/margin/pkg/position"
)

// Liquidator is the part of the engine a keeper drives.
type Liquidator interface {
	GetLiquidatablePositions(ctx context.Context, start, count uint64) (position.Page, error)
	LiquidateMany(ctx context.Context, liquidator assets.Account, ids []uint64) ([]position.LiquidationResult, error)
}

type Config struct {
	// Account receives liquidation rewards.
	Account  assets.Account
	Interval time.Duration
	// PageSize ids are scanned per GetLiquidatablePositions call.
	PageSize uint64
	// BatchSize ids are submitted per LiquidateMany call.
	BatchSize int
	// BatchesPerSecond and Burst throttle LiquidateMany calls.
	BatchesPerSecond float64
	Burst            int
	// Registry receives the keeper counters. Nil keeps them on a private
	// registry.
	Registry metric.Registry
}

func DefaultConfig() Config {
	return Config{
		Account:          "keeper",
		Interval:         15 * time.Second,
		PageSize:         1000,
		BatchSize:        50,
		BatchesPerSecond: 5,
		Burst:            1,
	}
}

// Metrics counts keeper activity.
type Metrics struct {
	Rounds     metric.Counter
	Liquidated metric.Counter
	Failed     metric.Counter
}

// NewMetrics registers the keeper counters on reg under namespace.
func NewMetrics(namespace string, reg metric.Registry) *Metrics {
	if reg == nil {
		reg = metric.NewPrometheusRegistry()
	}
	m := metric.NewPrometheusMetrics(namespace, reg)
	return &Metrics{
		Rounds:     m.NewCounter("keeper_rounds_total", "Keeper scan rounds started"),
		Liquidated: m.NewCounter("keeper_liquidated_total", "Positions liquidated by the keeper"),
		Failed:     m.NewCounter("keeper_failed_total", "Keeper liquidation attempts that failed"),
	}
}

// Report summarizes one round.
type Report struct {
	Pages      int
	Candidates int
	Liquidated int
	Failed     int
}

type Keeper struct {
	cfg     Config
	engine  Liquidator
	limiter *rate.Limiter
	metrics *Metrics
	logger  log.Logger
}

func New(cfg Config, engine Liquidator, logger log.Logger) *Keeper {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > def.BatchSize {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchesPerSecond <= 0 {
		cfg.BatchesPerSecond = def.BatchesPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Account == "" {
		cfg.Account = def.Account
	}
	return &Keeper{
		cfg:     cfg,
		engine:  engine,
		limiter: rate.NewLimiter(rate.Limit(cfg.BatchesPerSecond), cfg.Burst),
		metrics: NewMetrics("margin", cfg.Registry),
		logger:  logger,
	}
}

// Metrics returns the keeper's counters.
func (k *Keeper) Metrics() *Metrics {
	return k.metrics
}

// Run executes a round every Interval until ctx is done.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	k.logger.Info("keeper started", "interval", k.cfg.Interval, "account", k.cfg.Account)
	for {
		select {
		case <-ctx.Done():
			k.logger.Info("keeper stopped")
			return nil
		case <-ticker.C:
			if _, err := k.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				k.logger.Warn("keeper round failed", "error", err)
			}
		}
	}
}

// RunOnce pages through the whole id space and liquidates every candidate
// it finds.
func (k *Keeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	k.metrics.Rounds.Inc()

	start := uint64(1)
	for {
		page, err := k.engine.GetLiquidatablePositions(ctx, start, k.cfg.PageSize)
		if err != nil {
			return report, err
		}
		report.Pages++
		report.Candidates += len(page.IDs)

		for len(page.IDs) > 0 {
			n := min(len(page.IDs), k.cfg.BatchSize)
			batch := page.IDs[:n]
			page.IDs = page.IDs[n:]

			if err := k.limiter.Wait(ctx); err != nil {
				return report, err
			}
			results, err := k.engine.LiquidateMany(ctx, k.cfg.Account, batch)
			if err != nil {
				return report, err
			}
			for _, r := range results {
				if r.OK() {
					report.Liquidated++
					continue
				}
				report.Failed++
				k.logger.Debug("liquidation failed", "id", r.ID, "error", r.Err)
			}
		}

		if page.Done || page.Next <= start {
			break
		}
		start = page.Next
	}

	k.metrics.Liquidated.Add(float64(report.Liquidated))
	k.metrics.Failed.Add(float64(report.Failed))
	if report.Candidates > 0 {
		k.logger.Info("keeper round complete",
			"candidates", report.Candidates,
			"liquidated", report.Liquidated,
			"failed", report.Failed,
		)
	}
	return report, nil
}
