package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/margin/pkg/assets"
	"github.com/luxfi/margin/pkg/log"
	"github.com/luxfi/margin/pkg/metrics"
)

// PriceDecimals is the precision of reference prices returned by the aggregator.
const PriceDecimals = 18

// Config controls aggregation policy.
type Config struct {
	// Reference is the currency all source quotes are denominated in.
	// It is always supported and always priced at exactly one.
	Reference assets.ID
	// MaxStaleness rejects any quote older than this.
	MaxStaleness time.Duration
	// MaxDeviationBps is the largest distance, in basis points, any single
	// source may sit from the cross-source mean.
	MaxDeviationBps int64
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

type feedRef struct {
	source string
	feed   string
}

// Aggregator prices assets against a reference currency by averaging every
// configured source. A stale, non-positive or outlying source fails the call
// instead of being dropped.
type Aggregator struct {
	cfg      Config
	registry *assets.Registry
	sources  map[string]Source
	feeds    map[assets.ID][]feedRef
	logger   log.Logger
	metrics  *metrics.Metrics
	mu       sync.RWMutex
}

func NewAggregator(cfg Config, registry *assets.Registry, logger log.Logger, m *metrics.Metrics) (*Aggregator, error) {
	if cfg.Reference == "" {
		return nil, errors.New("oracle: reference asset required")
	}
	if !registry.Known(cfg.Reference) {
		return nil, fmt.Errorf("oracle: reference %w: %s", assets.ErrUnknownAsset, cfg.Reference)
	}
	if cfg.MaxStaleness <= 0 {
		return nil, errors.New("oracle: max staleness must be positive")
	}
	if cfg.MaxDeviationBps < 0 {
		return nil, errors.New("oracle: max deviation must not be negative")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Aggregator{
		cfg:      cfg,
		registry: registry,
		sources:  make(map[string]Source),
		feeds:    make(map[assets.ID][]feedRef),
		logger:   logger,
		metrics:  m,
	}, nil
}

// Reference returns the reference currency.
func (a *Aggregator) Reference() assets.ID {
	return a.cfg.Reference
}

// AddSource registers a price source under its name.
func (a *Aggregator) AddSource(src Source) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.sources[src.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrSourceExists, src.Name())
	}
	a.sources[src.Name()] = src
	a.logger.Info("price source registered", "source", src.Name())
	return nil
}

// AddPriceSource appends a feed of a registered source to asset's source list.
func (a *Aggregator) AddPriceSource(asset assets.ID, sourceName, feedID string) error {
	if !a.registry.Known(asset) {
		return fmt.Errorf("%w: %s", assets.ErrUnknownAsset, asset)
	}
	if asset == a.cfg.Reference {
		return fmt.Errorf("oracle: %s is the reference currency", asset)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.sources[sourceName]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, sourceName)
	}
	for _, ref := range a.feeds[asset] {
		if ref.source == sourceName && ref.feed == feedID {
			return fmt.Errorf("%w: %s/%s for %s", ErrSourceExists, sourceName, feedID, asset)
		}
	}
	a.feeds[asset] = append(a.feeds[asset], feedRef{source: sourceName, feed: feedID})
	a.logger.Info("price feed added", "asset", asset, "source", sourceName, "feed", feedID)
	return nil
}

func (a *Aggregator) supported(asset assets.ID) bool {
	if asset == a.cfg.Reference {
		return true
	}
	return len(a.feeds[asset]) > 0
}

// IsPairSupported reports whether both assets have at least one feed.
func (a *Aggregator) IsPairSupported(x, y assets.ID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.supported(x) && a.supported(y)
}

// ReferencePrice returns one whole unit of asset in the reference currency,
// scaled to PriceDecimals.
func (a *Aggregator) ReferencePrice(ctx context.Context, asset assets.ID) (*big.Int, error) {
	if asset == a.cfg.Reference {
		return assets.Pow10(PriceDecimals), nil
	}

	a.mu.RLock()
	refs := append([]feedRef(nil), a.feeds[asset]...)
	srcs := make([]Source, len(refs))
	for i, ref := range refs {
		srcs[i] = a.sources[ref.source]
	}
	a.mu.RUnlock()

	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}

	now := a.cfg.Now()
	values := make([]*big.Int, 0, len(refs))
	for i, ref := range refs {
		q, err := srcs[i].LatestPrice(ctx, ref.feed)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.logger.Warn("price source unavailable", "asset", asset, "source", ref.source, "feed", ref.feed, "error", err)
			continue
		}
		if now.Sub(q.UpdatedAt) > a.cfg.MaxStaleness {
			a.metrics.RecordOracleError("stale")
			return nil, fmt.Errorf("%w: %s from %s updated %s ago", ErrStalePrice, asset, ref.source, now.Sub(q.UpdatedAt))
		}
		if q.Price == nil || q.Price.Sign() <= 0 {
			a.metrics.RecordOracleError("invalid")
			return nil, fmt.Errorf("%w: %s from %s", ErrInvalidPrice, asset, ref.source)
		}
		values = append(values, normalize(q.Price, q.Decimals))
	}

	if len(values) == 0 {
		a.metrics.RecordOracleError("no_sources")
		return nil, fmt.Errorf("%w: %s", ErrNoValidSources, asset)
	}

	mean := new(big.Int)
	for _, v := range values {
		mean.Add(mean, v)
	}
	mean.Quo(mean, big.NewInt(int64(len(values))))

	if len(values) > 1 {
		if mean.Sign() <= 0 {
			a.metrics.RecordOracleError("invalid")
			return nil, fmt.Errorf("%w: %s mean rounds to zero", ErrInvalidPrice, asset)
		}
		limit := big.NewInt(a.cfg.MaxDeviationBps)
		for i, v := range values {
			if dev := assets.DeviationBps(v, mean); dev.Cmp(limit) > 0 {
				a.metrics.RecordOracleError("mismatch")
				return nil, fmt.Errorf("%w: %s source %s deviates %s bps", ErrSourceMismatch, asset, refs[i].source, dev)
			}
		}
	}
	return mean, nil
}

// GetPrice returns the price of one whole x in smallest units of y.
func (a *Aggregator) GetPrice(ctx context.Context, x, y assets.ID) (*big.Int, error) {
	if !a.IsPairSupported(x, y) {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnsupportedAsset, x, y)
	}
	scaleY, err := a.registry.Scale(y)
	if err != nil {
		return nil, err
	}
	px, err := a.ReferencePrice(ctx, x)
	if err != nil {
		return nil, err
	}
	py, err := a.ReferencePrice(ctx, y)
	if err != nil {
		return nil, err
	}
	price := assets.MulDiv(px, scaleY, py)
	if price.Sign() <= 0 {
		a.metrics.RecordOracleError("invalid")
		return nil, fmt.Errorf("%w: %s/%s rounds to zero", ErrInvalidPrice, x, y)
	}
	return price, nil
}

// USDValue converts a smallest-unit amount of asset into reference units
// scaled to PriceDecimals.
func (a *Aggregator) USDValue(ctx context.Context, asset assets.ID, amount *big.Int) (*big.Int, error) {
	scale, err := a.registry.Scale(asset)
	if err != nil {
		return nil, err
	}
	p, err := a.ReferencePrice(ctx, asset)
	if err != nil {
		return nil, err
	}
	return assets.MulDiv(amount, p, scale), nil
}

func normalize(price *big.Int, decimals int32) *big.Int {
	switch {
	case decimals == PriceDecimals:
		return new(big.Int).Set(price)
	case decimals < PriceDecimals:
		return new(big.Int).Mul(price, assets.Pow10(int(PriceDecimals-decimals)))
	default:
		return new(big.Int).Quo(price, assets.Pow10(int(decimals-PriceDecimals)))
	}
}
