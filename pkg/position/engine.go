package position

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/luxfi/margin/pkg/assets"
	"github.com/luxfi/margin/pkg/events"
	"github.com/luxfi/margin/pkg/journal"
	"github.com/luxfi/margin/pkg/ledger"
	"github.com/luxfi/margin/pkg/log"
	"github.com/luxfi/margin/pkg/metrics"
	"github.com/luxfi/margin/pkg/venue"
)

// PriceOracle is the aggregated price feed the engine reads.
type PriceOracle interface {
	IsPairSupported(a, b assets.ID) bool
	GetPrice(ctx context.Context, a, b assets.ID) (*big.Int, error)
	USDValue(ctx context.Context, asset assets.ID, amount *big.Int) (*big.Int, error)
}

// Ledger is the liquidity the engine borrows from.
type Ledger interface {
	HasEntry(asset assets.ID) bool
	HourlyRate(asset assets.ID) (*big.Int, error)
	Borrow(capability *ledger.Capability, asset assets.ID, to assets.Account, amount *big.Int) error
	Refund(capability *ledger.Capability, asset assets.ID, from assets.Account, borrowed, interest, losses *big.Int) error
}

// Custody moves balances between accounts.
type Custody interface {
	Transfer(from, to assets.Account, asset assets.ID, amount *big.Int) error
	TransferFrom(spender, from, to assets.Account, asset assets.ID, amount *big.Int) error
	Approve(owner, spender assets.Account, asset assets.ID, amount *big.Int)
}

// Config holds the engine's risk parameters.
type Config struct {
	// Account is the custody account the engine trades and escrows from.
	Account        assets.Account
	TrustedFactory string
	MaxLeverage    int64
	// LiquidationThresholdBps is the buffer before break-even inside which
	// a margin position becomes liquidatable.
	LiquidationThresholdBps int64
	// LiquidationRewardBps of the collateral is escrowed at open and paid
	// to whoever closes the position.
	LiquidationRewardBps int64
	// OpeningFeeBps of the levered notional is paid to the ledger at open.
	OpeningFeeBps int64
	// MinNotionalUSD is the smallest accepted collateral value, scaled to
	// 18 decimals of the reference currency.
	MinNotionalUSD *big.Int
	// TicketWidth is the tick span of limit-order liquidity tickets.
	TicketWidth int
	MaxBatch    int
	MaxScan     uint64
	Now         func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Account:                 "margin:engine",
		MaxLeverage:             5,
		LiquidationThresholdBps: 500,
		LiquidationRewardBps:    50,
		OpeningFeeBps:           10,
		MinNotionalUSD:          new(big.Int).Mul(big.NewInt(10), assets.WAD),
		TicketWidth:             20,
		MaxBatch:                50,
		MaxScan:                 1000,
	}
}

func (c Config) validate() error {
	var errs []error
	if c.Account == "" {
		errs = append(errs, errors.New("engine account required"))
	}
	if c.MaxLeverage < 1 {
		errs = append(errs, fmt.Errorf("max leverage %d below 1", c.MaxLeverage))
	}
	if c.LiquidationThresholdBps < 0 || c.LiquidationThresholdBps >= assets.BPS {
		errs = append(errs, fmt.Errorf("liquidation threshold %d bps out of range", c.LiquidationThresholdBps))
	}
	// A fresh position at max leverage must open outside its own buffer.
	if c.MaxLeverage > 1 && (c.MaxLeverage-1)*(assets.BPS+c.LiquidationThresholdBps) >= c.MaxLeverage*assets.BPS {
		errs = append(errs, fmt.Errorf("liquidation threshold %d bps too wide for leverage %d", c.LiquidationThresholdBps, c.MaxLeverage))
	}
	// Shorts are margin at every leverage, 1x included.
	if c.MaxLeverage >= 1 && (c.MaxLeverage+1)*(assets.BPS-c.LiquidationThresholdBps) <= c.MaxLeverage*assets.BPS {
		errs = append(errs, fmt.Errorf("liquidation threshold %d bps too wide for a %dx short", c.LiquidationThresholdBps, c.MaxLeverage))
	}
	if c.LiquidationRewardBps < 0 || c.OpeningFeeBps < 0 || c.LiquidationRewardBps+c.OpeningFeeBps*c.MaxLeverage >= assets.BPS {
		errs = append(errs, errors.New("reward and fee must leave collateral"))
	}
	if c.TicketWidth < 2 {
		errs = append(errs, fmt.Errorf("ticket width %d below 2", c.TicketWidth))
	}
	if c.MaxBatch < 1 || c.MaxScan < 1 {
		errs = append(errs, errors.New("batch and scan caps must be positive"))
	}
	return errors.Join(errs...)
}

// Deps are the engine's collaborators. Store, Publisher and Metrics are
// optional.
type Deps struct {
	Oracle     PriceOracle
	Ledger     Ledger
	Capability *ledger.Capability
	Venue      venue.Venue
	Custody    Custody
	Registry   *assets.Registry
	Journal    *journal.Journal
	Store      *Store
	Publisher  events.Publisher
	Metrics    *metrics.Metrics
	Logger     log.Logger
}

// Engine owns every open position. Lifecycle operations are serialized
// through the shared journal and either apply completely or not at all.
// Reads never wait for a running operation.
type Engine struct {
	cfg       Config
	oracle    PriceOracle
	ledger    Ledger
	cap       *ledger.Capability
	venue     venue.Venue
	custody   Custody
	registry  *assets.Registry
	journal   *journal.Journal
	store     *Store
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    log.Logger

	positions map[uint64]*Position
	nextID    uint64
	owners    *Ownership
	mu        sync.RWMutex
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.MinNotionalUSD = assets.Clone(cfg.MinNotionalUSD)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if deps.Oracle == nil || deps.Ledger == nil || deps.Venue == nil || deps.Custody == nil || deps.Registry == nil || deps.Journal == nil {
		return nil, errors.New("engine: oracle, ledger, venue, custody, registry and journal are required")
	}
	if deps.Capability == nil {
		return nil, ledger.ErrUnauthorized
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Discard{}
	}
	return &Engine{
		cfg:       cfg,
		oracle:    deps.Oracle,
		ledger:    deps.Ledger,
		cap:       deps.Capability,
		venue:     deps.Venue,
		custody:   deps.Custody,
		registry:  deps.Registry,
		journal:   deps.Journal,
		store:     deps.Store,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		positions: make(map[uint64]*Position),
		nextID:    1,
		owners:    NewOwnership(deps.Journal),
	}, nil
}

// Load restores positions and the id counter from the store.
func (e *Engine) Load() error {
	if e.store == nil {
		return nil
	}
	records, nextID, err := e.store.Load()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range records {
		p := rec.Position.clone()
		e.positions[p.ID] = p
		e.owners.restore(p.ID, rec.Owner)
	}
	if nextID > e.nextID {
		e.nextID = nextID
	}
	e.metrics.SetOpenPositions(len(e.positions))
	return nil
}

// op is one running lifecycle operation.
type op struct {
	ctx     context.Context
	changes *changes
	events  []events.Event
}

func (o *op) merge(sub *op) {
	for id, rec := range sub.changes.puts {
		delete(o.changes.deletes, id)
		o.changes.puts[id] = rec
	}
	for id := range sub.changes.deletes {
		o.changes.remove(id)
	}
	if sub.changes.nextID > o.changes.nextID {
		o.changes.nextID = sub.changes.nextID
	}
	o.events = append(o.events, sub.events...)
}

// run executes fn as one atomic operation. Nothing fn did survives an error.
func (e *Engine) run(ctx context.Context, name string, fn func(o *op) error) error {
	started := time.Now()
	opCtx, tx, err := e.journal.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	o := &op{ctx: opCtx, changes: newChanges()}
	if err := fn(o); err != nil {
		e.metrics.ObserveOperation(name, started, err)
		return err
	}
	tx.Commit()

	e.persist(o.changes)
	for _, ev := range o.events {
		if err := e.publisher.Publish(ctx, ev); err != nil {
			e.logger.Warn("failed to publish event", "type", ev.Type, "position", ev.PositionID, "error", err)
		}
	}
	e.mu.RLock()
	open := len(e.positions)
	e.mu.RUnlock()
	e.metrics.SetOpenPositions(open)
	e.metrics.ObserveOperation(name, started, nil)
	return nil
}

func (e *Engine) persist(c *changes) {
	if e.store == nil || c.empty() {
		return
	}
	if err := e.store.apply(c); err != nil {
		e.logger.Error("failed to persist positions", "error", err)
	}
}

// Open validates req, pulls the trader's funds and creates a position. The
// trader must have approved the engine account for Amount.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (uint64, error) {
	var id uint64
	err := e.run(ctx, "open", func(o *op) error {
		var err error
		id, err = e.open(o, req)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (e *Engine) open(o *op, req OpenRequest) (uint64, error) {
	pool, err := e.venue.Pool(req.BaseAsset, req.QuoteAsset, req.Fee)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTokenNotSupported, err)
	}
	if pool.Factory != e.cfg.TrustedFactory {
		return 0, fmt.Errorf("%w: %s", ErrPoolNotOfficial, pool.Factory)
	}
	if req.BaseAsset == req.QuoteAsset || !pool.Has(req.BaseAsset) || !pool.Has(req.QuoteAsset) {
		return 0, fmt.Errorf("%w: %s/%s", ErrTokenNotSupported, req.BaseAsset, req.QuoteAsset)
	}

	p := &Position{
		BaseAsset:          req.BaseAsset,
		QuoteAsset:         req.QuoteAsset,
		Fee:                req.Fee,
		IsShort:            req.IsShort,
		IsBaseAsset0:       pool.Asset0 == req.BaseAsset,
		Leverage:           req.Leverage,
		OpenedAt:           e.cfg.Now(),
		Opener:             req.Trader,
		LimitPrice:         assets.Clone(req.LimitPrice),
		StopLossPrice:      assets.Clone(req.StopLossPrice),
		TotalBorrow:        new(big.Int),
		HourlyInterestRate: new(big.Int),
		BreakEvenLimit:     new(big.Int),
	}

	if !e.oracle.IsPairSupported(p.BaseAsset, p.QuoteAsset) {
		return 0, fmt.Errorf("%w: %s/%s", ErrNoPriceFeed, p.BaseAsset, p.QuoteAsset)
	}
	price, err := e.price(o.ctx, p.BaseAsset, p.QuoteAsset)
	if err != nil {
		return 0, err
	}
	p.InitialPrice = price

	if req.Leverage < 1 || req.Leverage > e.cfg.MaxLeverage {
		return 0, fmt.Errorf("%w: %d not in [1, %d]", ErrLeverageOutOfRange, req.Leverage, e.cfg.MaxLeverage)
	}
	if p.IsMargin() && !e.ledger.HasEntry(p.DebtAsset()) {
		return 0, fmt.Errorf("%w: %s", ErrTokenNotSupportedOnMargin, p.DebtAsset())
	}

	supplied := p.CollateralAsset()
	if !assets.IsPositive(req.Amount) {
		return 0, fmt.Errorf("%w: %s", ErrAmountTooSmall, assets.Clone(req.Amount))
	}
	notional, err := e.oracle.USDValue(o.ctx, supplied, req.Amount)
	if err != nil {
		return 0, err
	}
	if notional.Cmp(e.cfg.MinNotionalUSD) < 0 {
		return 0, fmt.Errorf("%w: worth %s, minimum %s", ErrAmountTooSmall, notional, e.cfg.MinNotionalUSD)
	}

	if err := checkTriggers(p.IsShort, price, p.LimitPrice, p.StopLossPrice); err != nil {
		return 0, err
	}

	amount := new(big.Int).Set(req.Amount)
	if err := e.custody.TransferFrom(e.cfg.Account, req.Trader, e.cfg.Account, supplied, amount); err != nil {
		return 0, err
	}
	p.CollateralSize = amount
	p.LiquidationReward = assets.MulBps(amount, e.cfg.LiquidationRewardBps)
	working := new(big.Int).Sub(amount, p.LiquidationReward)

	path := "spot"
	switch {
	case p.IsMargin():
		path = "margin"
		if err := e.openMargin(o, p, pool, working); err != nil {
			return 0, err
		}
	case p.LimitPrice.Sign() > 0:
		path = "ticket"
		if err := e.openTicket(o, p, pool, working); err != nil {
			return 0, err
		}
	default:
		p.PositionSize = working
	}

	e.mu.Lock()
	p.ID = e.nextID
	e.nextID++
	next := e.nextID
	e.mu.Unlock()
	e.journal.Append(func() {
		e.mu.Lock()
		e.nextID = p.ID
		e.mu.Unlock()
	})

	e.storePosition(p)
	e.owners.mint(p.ID, req.Trader)
	o.changes.put(p, req.Trader)
	o.changes.nextID = next

	direction := "long"
	if p.IsShort {
		direction = "short"
	}
	e.metrics.RecordOpen(direction, path)
	e.logger.Info("position opened",
		"id", p.ID,
		"trader", req.Trader,
		"pair", string(p.BaseAsset)+"/"+string(p.QuoteAsset),
		"direction", direction,
		"path", path,
		"leverage", p.Leverage,
		"collateral", e.registry.Format(supplied, p.CollateralSize),
		"price", price,
	)
	o.events = append(o.events, events.New(events.Opened, p.ID, req.Trader, map[string]string{
		"direction": direction,
		"path":      path,
		"leverage":  strconv.FormatInt(p.Leverage, 10),
		"price":     price.String(),
	}))
	return p.ID, nil
}

// openMargin borrows against the collateral and converts the loan into the
// held asset. Borrow size is computed before the opening fee comes off.
func (e *Engine) openMargin(o *op, p *Position, pool venue.Pool, working *big.Int) error {
	lev := big.NewInt(p.Leverage)
	held, debt := p.HeldAsset(), p.DebtAsset()

	if p.IsShort {
		// Borrow lev times the collateral's worth of base.
		scaleQuote, err := e.registry.Scale(p.QuoteAsset)
		if err != nil {
			return err
		}
		inverse, err := e.price(o.ctx, p.QuoteAsset, p.BaseAsset)
		if err != nil {
			return err
		}
		notional := new(big.Int).Mul(p.CollateralSize, lev)
		p.TotalBorrow = assets.MulDiv(notional, inverse, scaleQuote)
		p.BreakEvenLimit = new(big.Int).Add(p.InitialPrice, new(big.Int).Quo(p.InitialPrice, lev))
	} else {
		// Borrow (lev-1) times the collateral's worth of quote.
		scaleBase, err := e.registry.Scale(p.BaseAsset)
		if err != nil {
			return err
		}
		notional := new(big.Int).Mul(p.CollateralSize, new(big.Int).Sub(lev, big.NewInt(1)))
		p.TotalBorrow = assets.MulDiv(notional, p.InitialPrice, scaleBase)
		p.BreakEvenLimit = new(big.Int).Sub(p.InitialPrice, new(big.Int).Quo(p.InitialPrice, lev))
	}
	if p.TotalBorrow.Sign() == 0 {
		return fmt.Errorf("%w: borrow rounds to zero", ErrAmountTooSmall)
	}

	fee := assets.MulBps(new(big.Int).Mul(p.CollateralSize, lev), e.cfg.OpeningFeeBps)
	if fee.Sign() > 0 {
		e.approveVenue(held, fee)
		income, err := e.venue.SwapExactIn(o.ctx, e.cfg.Account, held, debt, pool.Fee, fee)
		if err != nil {
			return fmt.Errorf("opening fee swap: %w", err)
		}
		if err := e.ledger.Refund(e.cap, debt, e.cfg.Account, new(big.Int), income, new(big.Int)); err != nil {
			return err
		}
		working.Sub(working, fee)
	}

	if err := e.ledger.Borrow(e.cap, debt, e.cfg.Account, p.TotalBorrow); err != nil {
		return err
	}
	e.approveVenue(debt, p.TotalBorrow)
	bought, err := e.venue.SwapExactIn(o.ctx, e.cfg.Account, debt, held, pool.Fee, p.TotalBorrow)
	if err != nil {
		return err
	}
	p.PositionSize = new(big.Int).Add(working, bought)

	rate, err := e.ledger.HourlyRate(debt)
	if err != nil {
		return err
	}
	p.HourlyInterestRate = rate
	return nil
}

// openTicket parks the base collateral in a narrow liquidity range around
// the limit price so the venue sells it when the price gets there.
func (e *Engine) openTicket(o *op, p *Position, pool venue.Pool, working *big.Int) error {
	scaleBase, err := e.registry.Scale(p.BaseAsset)
	if err != nil {
		return err
	}
	// Venue prices are asset1 smallest units per asset0 smallest unit.
	raw := new(big.Rat).SetFrac(p.LimitPrice, scaleBase)
	if !p.IsBaseAsset0 {
		raw.Inv(raw)
	}
	rawF, _ := raw.Float64()
	tick := venue.TickAtPrice(rawF)
	half := e.cfg.TicketWidth / 2

	amount0, amount1 := new(big.Int), new(big.Int)
	if p.IsBaseAsset0 {
		amount0.Set(working)
	} else {
		amount1.Set(working)
	}
	e.approveVenue(p.BaseAsset, working)
	ticket, err := e.venue.MintNarrowRange(o.ctx, e.cfg.Account, pool, amount0, amount1, tick-half, tick+half)
	if err != nil {
		return err
	}
	p.LiquidityTicket = ticket
	p.PositionSize = new(big.Int).Set(working)
	return nil
}

func (e *Engine) approveVenue(asset assets.ID, amount *big.Int) {
	e.custody.Approve(e.cfg.Account, e.venue.Spender(), asset, amount)
}

// checkTriggers requires take-profit on the winning side of price and
// stop-loss on the losing side.
func checkTriggers(short bool, price, limit, stop *big.Int) error {
	if limit.Sign() < 0 || stop.Sign() < 0 {
		return fmt.Errorf("%w: negative trigger", ErrInconsistentTriggerPrice)
	}
	if limit.Sign() > 0 {
		if !short && limit.Cmp(price) < 0 || short && limit.Cmp(price) > 0 {
			return fmt.Errorf("%w: limit %s against price %s", ErrInconsistentTriggerPrice, limit, price)
		}
	}
	return checkStopLoss(short, price, stop)
}

func checkStopLoss(short bool, price, stop *big.Int) error {
	if stop.Sign() < 0 {
		return fmt.Errorf("%w: negative stop-loss", ErrInconsistentTriggerPrice)
	}
	if stop.Sign() > 0 {
		if !short && stop.Cmp(price) > 0 || short && stop.Cmp(price) < 0 {
			return fmt.Errorf("%w: stop-loss %s against price %s", ErrInconsistentTriggerPrice, stop, price)
		}
	}
	return nil
}

// EditStopLoss replaces the stop-loss of a position the trader owns. Zero
// clears it.
func (e *Engine) EditStopLoss(ctx context.Context, trader assets.Account, id uint64, stopLoss *big.Int) error {
	return e.run(ctx, "edit", func(o *op) error {
		p, err := e.get(id)
		if err != nil {
			return err
		}
		owner, err := e.owners.OwnerOf(id)
		if err != nil {
			return err
		}
		if owner != trader {
			return fmt.Errorf("%w: %d", ErrNotOwner, id)
		}
		price, err := e.price(o.ctx, p.BaseAsset, p.QuoteAsset)
		if err != nil {
			return err
		}
		stop := assets.Clone(stopLoss)
		if err := checkStopLoss(p.IsShort, price, stop); err != nil {
			return err
		}

		edited := p.clone()
		edited.StopLossPrice = stop
		e.storePosition(edited)
		o.changes.put(edited, owner)

		e.logger.Info("position edited", "id", id, "stopLoss", stop)
		o.events = append(o.events, events.New(events.Edited, id, owner, map[string]string{
			"stopLoss": stop.String(),
		}))
		return nil
	})
}

// TransferPosition hands the trading right of id from one account to another.
func (e *Engine) TransferPosition(ctx context.Context, from, to assets.Account, id uint64) error {
	return e.run(ctx, "transfer", func(o *op) error {
		p, err := e.get(id)
		if err != nil {
			return err
		}
		if err := e.owners.transfer(id, from, to); err != nil {
			return err
		}
		o.changes.put(p, to)
		return nil
	})
}

func (e *Engine) storePosition(p *Position) {
	e.mu.Lock()
	prev, existed := e.positions[p.ID]
	e.positions[p.ID] = p
	e.mu.Unlock()

	e.journal.Append(func() {
		e.mu.Lock()
		if existed {
			e.positions[p.ID] = prev
		} else {
			delete(e.positions, p.ID)
		}
		e.mu.Unlock()
	})
}

func (e *Engine) removePosition(id uint64) {
	e.mu.Lock()
	prev, existed := e.positions[id]
	delete(e.positions, id)
	e.mu.Unlock()
	if !existed {
		return
	}

	e.journal.Append(func() {
		e.mu.Lock()
		e.positions[id] = prev
		e.mu.Unlock()
	})
}

// get returns the stored position. Callers must not mutate it.
func (e *Engine) get(id uint64) (*Position, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	return p, nil
}

// Position returns a copy of the stored position.
func (e *Engine) Position(id uint64) (*Position, error) {
	p, err := e.get(id)
	if err != nil {
		return nil, err
	}
	return p.clone(), nil
}

// OwnerOf returns the holder of the position's trading right.
func (e *Engine) OwnerOf(id uint64) (assets.Account, error) {
	return e.owners.OwnerOf(id)
}

// TraderPositions lists the ids held by trader.
func (e *Engine) TraderPositions(trader assets.Account) []uint64 {
	return e.owners.TokensOf(trader)
}

// NextID is the id the next opened position will receive.
func (e *Engine) NextID() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nextID
}

// Count returns the number of open positions.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.positions)
}

// PositionState classifies id at the current price. A missing position is
// StateNone.
func (e *Engine) PositionState(ctx context.Context, id uint64) (State, error) {
	p, err := e.get(id)
	if err != nil {
		return StateNone, nil
	}
	price, err := e.price(ctx, p.BaseAsset, p.QuoteAsset)
	if err != nil {
		return StateNone, err
	}
	return stateAt(p, price, e.cfg.LiquidationThresholdBps), nil
}

// price reads base in units of quote. A zero quote cannot anchor a position.
func (e *Engine) price(ctx context.Context, base, quote assets.ID) (*big.Int, error) {
	price, err := e.oracle.GetPrice(ctx, base, quote)
	if err != nil {
		return nil, err
	}
	if !assets.IsPositive(price) {
		return nil, fmt.Errorf("%w: %s/%s at %s", ErrInvalidPrice, base, quote, price)
	}
	return price, nil
}

// PositionParams projects id at the current price.
func (e *Engine) PositionParams(ctx context.Context, id uint64) (Params, error) {
	p, err := e.Position(id)
	if err != nil {
		return Params{}, err
	}
	if !assets.IsPositive(p.InitialPrice) {
		return Params{}, fmt.Errorf("%w: position %d opened at %s", ErrInvalidPrice, id, p.InitialPrice)
	}
	owner, err := e.owners.OwnerOf(id)
	if err != nil {
		return Params{}, err
	}
	price, err := e.price(ctx, p.BaseAsset, p.QuoteAsset)
	if err != nil {
		return Params{}, err
	}
	interest := p.AccruedInterest(e.cfg.Now())

	// PnL is the proportional move of PositionSize, flipped for shorts.
	move := new(big.Int).Sub(price, p.InitialPrice)
	if p.IsShort {
		move.Neg(move)
	}
	pnl := assets.MulDiv(p.PositionSize, move, p.InitialPrice)

	// Interest accrues in the debt asset; convert it to PositionSize units.
	if interest.Sign() > 0 {
		scaleBase, err := e.registry.Scale(p.BaseAsset)
		if err != nil {
			return Params{}, err
		}
		var owed *big.Int
		if p.IsShort {
			owed = assets.MulDiv(interest, price, scaleBase)
		} else {
			owed = assets.MulDiv(interest, scaleBase, price)
		}
		pnl.Sub(pnl, owed)
	}

	return Params{
		Position:        p,
		Owner:           owner,
		State:           stateAt(p, price, e.cfg.LiquidationThresholdBps),
		CurrentPrice:    price,
		AccruedInterest: interest,
		PnL:             pnl,
		CollateralLeft:  new(big.Int).Add(p.CollateralSize, pnl),
	}, nil
}
