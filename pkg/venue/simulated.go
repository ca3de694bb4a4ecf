package venue

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/margin/pkg/assets"
	"github.com/luxfi/margin/pkg/custody"
	"github.com/luxfi/margin/pkg/journal"
	"github.com/luxfi/margin/pkg/log"
)

const ticketAccount assets.Account = "venue:tickets"

// Hook runs in the middle of every swap and ticket call, after funds were
// pulled from the caller and before anything is paid out. It stands in for
// token callbacks an external venue may trigger.
type Hook func(ctx context.Context, op string)

// SimulatedConfig configures a Simulated venue.
type SimulatedConfig struct {
	Factory string
	// MaxSlippageBps bounds every swap against the pool's spot price.
	MaxSlippageBps int64
}

type ticket struct {
	id       TicketID
	owner    assets.Account
	pool     Pool
	amount0  *big.Int
	amount1  *big.Int
	tickLow  int
	tickHigh int
}

// Simulated is a constant-product market maker whose reserves live in
// custody. Narrow-range tickets fill linearly as the pool price crosses
// their range and settle against the pool on withdrawal.
type Simulated struct {
	cfg        SimulatedConfig
	vault      *custody.Vault
	journal    *journal.Journal
	logger     log.Logger
	pools      map[string]Pool
	tickets    map[TicketID]*ticket
	nextTicket TicketID
	hook       Hook
	mu         sync.RWMutex
}

func NewSimulated(cfg SimulatedConfig, vault *custody.Vault, j *journal.Journal, logger log.Logger) *Simulated {
	return &Simulated{
		cfg:        cfg,
		vault:      vault,
		journal:    j,
		logger:     logger,
		pools:      make(map[string]Pool),
		tickets:    make(map[TicketID]*ticket),
		nextTicket: 1,
	}
}

func poolKey(a0, a1 assets.ID, fee uint32) string {
	return fmt.Sprintf("%s/%s/%d", a0, a1, fee)
}

func (s *Simulated) Factory() string {
	return s.cfg.Factory
}

func (s *Simulated) Spender() assets.Account {
	return assets.Account("venue:" + s.cfg.Factory)
}

// SetHook installs h; nil removes it.
func (s *Simulated) SetHook(h Hook) {
	s.mu.Lock()
	s.hook = h
	s.mu.Unlock()
}

func (s *Simulated) callHook(ctx context.Context, op string) {
	s.mu.RLock()
	h := s.hook
	s.mu.RUnlock()
	if h != nil {
		h(ctx, op)
	}
}

// CreatePool registers an empty pool for the pair.
func (s *Simulated) CreatePool(a, b assets.ID, fee uint32) (Pool, error) {
	if a == b {
		return Pool{}, ErrIdenticalAssets
	}
	a0, a1 := SortAssets(a, b)
	key := poolKey(a0, a1, fee)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pools[key]; exists {
		return Pool{}, fmt.Errorf("%w: %s", ErrPoolExists, key)
	}
	p := Pool{
		Asset0:  a0,
		Asset1:  a1,
		Fee:     fee,
		Factory: s.cfg.Factory,
		Account: assets.Account("pool:" + key),
	}
	s.pools[key] = p
	return p, nil
}

// AddLiquidity seeds pool reserves from provider.
func (s *Simulated) AddLiquidity(provider assets.Account, p Pool, amount0, amount1 *big.Int) error {
	if err := s.vault.Transfer(provider, p.Account, p.Asset0, amount0); err != nil {
		return err
	}
	return s.vault.Transfer(provider, p.Account, p.Asset1, amount1)
}

func (s *Simulated) Pool(a, b assets.ID, fee uint32) (Pool, error) {
	a0, a1 := SortAssets(a, b)
	key := poolKey(a0, a1, fee)

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[key]
	if !ok {
		return Pool{}, fmt.Errorf("%w: %s", ErrPoolNotFound, key)
	}
	return p, nil
}

// Reserves returns the pool's balances of asset0 and asset1.
func (s *Simulated) Reserves(p Pool) (*big.Int, *big.Int) {
	return s.vault.BalanceOf(p.Account, p.Asset0), s.vault.BalanceOf(p.Account, p.Asset1)
}

// SpotPrice returns asset1 smallest units per asset0 smallest unit.
func (s *Simulated) SpotPrice(p Pool) (*big.Rat, error) {
	r0, r1 := s.Reserves(p)
	if r0.Sign() == 0 || r1.Sign() == 0 {
		return nil, ErrNoLiquidity
	}
	return new(big.Rat).SetFrac(r1, r0), nil
}

func (s *Simulated) reservesFor(p Pool, in, out assets.ID) (*big.Int, *big.Int, error) {
	if in == out {
		return nil, nil, ErrIdenticalAssets
	}
	if !p.Has(in) || !p.Has(out) {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrAssetNotInPool, in, out)
	}
	rIn, rOut := s.vault.BalanceOf(p.Account, in), s.vault.BalanceOf(p.Account, out)
	if rIn.Sign() == 0 || rOut.Sign() == 0 {
		return nil, nil, ErrNoLiquidity
	}
	return rIn, rOut, nil
}

// SwapExactIn sells amountIn of in. The output must be within MaxSlippageBps
// of what the spot price promises.
func (s *Simulated) SwapExactIn(ctx context.Context, caller assets.Account, in, out assets.ID, fee uint32, amountIn *big.Int) (*big.Int, error) {
	if !assets.IsPositive(amountIn) {
		return nil, custody.ErrInvalidAmount
	}
	p, err := s.Pool(in, out, fee)
	if err != nil {
		return nil, err
	}
	rIn, rOut, err := s.reservesFor(p, in, out)
	if err != nil {
		return nil, err
	}

	afterFee := assets.MulDiv(amountIn, big.NewInt(int64(FeeDenominator-p.Fee)), big.NewInt(FeeDenominator))
	amountOut := assets.MulDiv(rOut, afterFee, new(big.Int).Add(rIn, afterFee))

	spotOut := assets.MulDiv(amountIn, rOut, rIn)
	minOut := assets.MulBps(spotOut, assets.BPS-s.cfg.MaxSlippageBps)
	if amountOut.Sign() == 0 || amountOut.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("%w: %s %s -> %s %s, min %s", ErrSlippage, amountIn, in, amountOut, out, minOut)
	}

	if err := s.settle(ctx, "swap", caller, p, in, amountIn, out, amountOut); err != nil {
		return nil, err
	}
	return amountOut, nil
}

// SwapExactOut buys amountOut of out for at most maxIn of in. It fails with
// ErrUnfillable when the input would exceed maxIn or the slippage bound, so
// the caller can fall back to SwapExactIn.
func (s *Simulated) SwapExactOut(ctx context.Context, caller assets.Account, in, out assets.ID, fee uint32, amountOut, maxIn *big.Int) (*big.Int, error) {
	if !assets.IsPositive(amountOut) {
		return nil, custody.ErrInvalidAmount
	}
	p, err := s.Pool(in, out, fee)
	if err != nil {
		return nil, err
	}
	rIn, rOut, err := s.reservesFor(p, in, out)
	if err != nil {
		return nil, err
	}
	if amountOut.Cmp(rOut) >= 0 {
		return nil, fmt.Errorf("%w: pool holds %s %s", ErrUnfillable, rOut, out)
	}

	// amountIn = ceil(rIn*out / ((rOut-out)*(1-fee)))
	num := new(big.Int).Mul(rIn, amountOut)
	num.Mul(num, big.NewInt(FeeDenominator))
	den := new(big.Int).Sub(rOut, amountOut)
	den.Mul(den, big.NewInt(int64(FeeDenominator-p.Fee)))
	amountIn := new(big.Int).Quo(num, den)
	amountIn.Add(amountIn, big.NewInt(1))

	spotIn := assets.MulDiv(amountOut, rIn, rOut)
	bound := assets.MulBps(spotIn, assets.BPS+s.cfg.MaxSlippageBps)
	if maxIn != nil {
		bound = assets.Min(bound, maxIn)
	}
	if amountIn.Cmp(bound) > 0 {
		return nil, fmt.Errorf("%w: needs %s %s, bound %s", ErrUnfillable, amountIn, in, bound)
	}

	if err := s.settle(ctx, "swap", caller, p, in, amountIn, out, amountOut); err != nil {
		return nil, err
	}
	return amountIn, nil
}

func (s *Simulated) settle(ctx context.Context, op string, caller assets.Account, p Pool, in assets.ID, amountIn *big.Int, out assets.ID, amountOut *big.Int) error {
	if err := s.vault.TransferFrom(s.Spender(), caller, p.Account, in, amountIn); err != nil {
		return err
	}
	s.callHook(ctx, op)
	return s.vault.Transfer(p.Account, caller, out, amountOut)
}

// MintNarrowRange locks amount0 and amount1 in a ticket spanning
// [tickLow, tickHigh].
func (s *Simulated) MintNarrowRange(ctx context.Context, caller assets.Account, p Pool, amount0, amount1 *big.Int, tickLow, tickHigh int) (TicketID, error) {
	if tickLow >= tickHigh {
		return 0, fmt.Errorf("%w: [%d, %d]", ErrInvalidTicks, tickLow, tickHigh)
	}
	amount0, amount1 = assets.Clone(amount0), assets.Clone(amount1)
	if amount0.Sign() < 0 || amount1.Sign() < 0 || (amount0.Sign() == 0 && amount1.Sign() == 0) {
		return 0, custody.ErrInvalidAmount
	}
	if _, err := s.Pool(p.Asset0, p.Asset1, p.Fee); err != nil {
		return 0, err
	}

	for _, leg := range []struct {
		asset  assets.ID
		amount *big.Int
	}{{p.Asset0, amount0}, {p.Asset1, amount1}} {
		if leg.amount.Sign() == 0 {
			continue
		}
		if err := s.vault.TransferFrom(s.Spender(), caller, ticketAccount, leg.asset, leg.amount); err != nil {
			return 0, err
		}
	}
	s.callHook(ctx, "mint")

	s.mu.Lock()
	id := s.nextTicket
	s.nextTicket++
	s.tickets[id] = &ticket{
		id:       id,
		owner:    caller,
		pool:     p,
		amount0:  amount0,
		amount1:  amount1,
		tickLow:  tickLow,
		tickHigh: tickHigh,
	}
	s.mu.Unlock()

	s.journal.Append(func() {
		s.mu.Lock()
		delete(s.tickets, id)
		s.nextTicket = id
		s.mu.Unlock()
	})
	s.logger.Debug("liquidity ticket minted", "ticket", id, "pool", p.Account, "tickLow", tickLow, "tickHigh", tickHigh)
	return id, nil
}

// TicketFill returns the filled fraction of a ticket's asset0 and asset1 legs
// at the pool's current price. Asset0 fills as the price rises through the
// range, asset1 as it falls.
func (s *Simulated) TicketFill(id TicketID) (*big.Rat, *big.Rat, error) {
	s.mu.RLock()
	t, ok := s.tickets[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrTicketNotFound, id)
	}
	return s.fill(t)
}

func (s *Simulated) fill(t *ticket) (*big.Rat, *big.Rat, error) {
	spot, err := s.SpotPrice(t.pool)
	if err != nil {
		return nil, nil, err
	}
	lo := new(big.Rat).SetFloat64(PriceAtTick(t.tickLow))
	hi := new(big.Rat).SetFloat64(PriceAtTick(t.tickHigh))
	width := new(big.Rat).Sub(hi, lo)

	up := new(big.Rat).Sub(spot, lo)
	up.Quo(up, width)
	up = clampUnit(up)
	down := new(big.Rat).Sub(big.NewRat(1, 1), up)
	return up, down, nil
}

func clampUnit(r *big.Rat) *big.Rat {
	if r.Sign() < 0 {
		return new(big.Rat)
	}
	if r.Cmp(big.NewRat(1, 1)) > 0 {
		return big.NewRat(1, 1)
	}
	return r
}

// WithdrawLiquidity closes a ticket and pays its holdings to the caller.
// Filled portions settle against the pool at the range's mid price, so a
// partly filled ticket returns both assets.
func (s *Simulated) WithdrawLiquidity(ctx context.Context, caller assets.Account, id TicketID) (*big.Int, *big.Int, error) {
	s.mu.RLock()
	t, ok := s.tickets[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrTicketNotFound, id)
	}
	if t.owner != caller {
		return nil, nil, fmt.Errorf("%w: %d", ErrNotTicketOwner, id)
	}
	fill0, fill1, err := s.fill(t)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	delete(s.tickets, id)
	s.mu.Unlock()
	s.journal.Append(func() {
		s.mu.Lock()
		s.tickets[id] = t
		s.mu.Unlock()
	})
	mid := new(big.Rat).SetFloat64(PriceAtTick((t.tickLow + t.tickHigh) / 2))

	// Filled asset0 leaves for the pool as asset1 at mid, and vice versa.
	sold0 := ratFloor(new(big.Rat).Mul(new(big.Rat).SetInt(t.amount0), fill0))
	sold1 := ratFloor(new(big.Rat).Mul(new(big.Rat).SetInt(t.amount1), fill1))
	bought1 := ratFloor(new(big.Rat).Mul(new(big.Rat).SetInt(sold0), mid))
	bought0 := ratFloor(new(big.Rat).Quo(new(big.Rat).SetInt(sold1), mid))

	out0 := new(big.Int).Sub(t.amount0, sold0)
	out0.Add(out0, bought0)
	out1 := new(big.Int).Sub(t.amount1, sold1)
	out1.Add(out1, bought1)

	moves := []struct {
		from, to assets.Account
		asset    assets.ID
		amount   *big.Int
	}{
		{ticketAccount, t.pool.Account, t.pool.Asset0, sold0},
		{ticketAccount, t.pool.Account, t.pool.Asset1, sold1},
		{t.pool.Account, ticketAccount, t.pool.Asset0, bought0},
		{t.pool.Account, ticketAccount, t.pool.Asset1, bought1},
	}
	for _, m := range moves {
		if m.amount.Sign() == 0 {
			continue
		}
		if err := s.vault.Transfer(m.from, m.to, m.asset, m.amount); err != nil {
			return nil, nil, err
		}
	}
	s.callHook(ctx, "withdraw")

	if out0.Sign() > 0 {
		if err := s.vault.Transfer(ticketAccount, caller, t.pool.Asset0, out0); err != nil {
			return nil, nil, err
		}
	}
	if out1.Sign() > 0 {
		if err := s.vault.Transfer(ticketAccount, caller, t.pool.Asset1, out1); err != nil {
			return nil, nil, err
		}
	}
	s.logger.Debug("liquidity ticket withdrawn", "ticket", id, "amount0", out0, "amount1", out1)
	return out0, out1, nil
}

func ratFloor(r *big.Rat) *big.Int {
	return new(big.Int).Quo(r.Num(), r.Denom())
}
