// Package ledger is the pooled liquidity that funds leveraged positions.
// Liquidity providers deposit against shares; the position engine, and only
// the engine, borrows from and refunds to it.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/margin/pkg/assets"
	"github.com/luxfi/margin/pkg/custody"
	"github.com/luxfi/margin/pkg/journal"
	"github.com/luxfi/margin/pkg/log"
	"github.com/luxfi/margin/pkg/metrics"
)

// MinimumShares are minted to an unowned account when an entry is created.
// While the share supply sits at this floor the next deposit must meet the
// entry's MinFirstDeposit.
const MinimumShares = 1000

const floorAccount assets.Account = "ledger:floor"

// Capability authorizes Borrow and Refund. Only the holder of the value
// passed to New can call them.
type Capability struct {
	name string
}

func NewCapability(name string) *Capability {
	return &Capability{name: name}
}

func (c *Capability) String() string {
	return c.name
}

// EntryConfig configures one lendable asset.
type EntryConfig struct {
	// MaxBorrowRatioBps caps borrowed funds as a share of total assets.
	MaxBorrowRatioBps int64
	// MinFirstDeposit guards the share price while supply is at its floor.
	MinFirstDeposit *big.Int
	InterestModel   InterestRateModel
}

type entry struct {
	asset       assets.ID
	account     assets.Account
	cfg         EntryConfig
	borrowed    *big.Int
	shareSupply *big.Int
	shares      map[assets.Account]*big.Int
}

// Stats is a point-in-time view of an entry.
type Stats struct {
	Asset       assets.ID
	Account     assets.Account
	OnHand      *big.Int
	Borrowed    *big.Int
	TotalAssets *big.Int
	ShareSupply *big.Int
	Capacity    *big.Int
	Utilization float64
	HourlyRate  *big.Int
}

// Ledger holds one entry per lendable asset. On-hand balances live in
// custody under each entry's account.
type Ledger struct {
	cap     *Capability
	vault   *custody.Vault
	journal *journal.Journal
	entries map[assets.ID]*entry
	logger  log.Logger
	metrics *metrics.Metrics
	mu      sync.RWMutex
}

func New(capability *Capability, vault *custody.Vault, j *journal.Journal, logger log.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{
		cap:     capability,
		vault:   vault,
		journal: j,
		entries: make(map[assets.ID]*entry),
		logger:  logger,
		metrics: m,
	}
}

// AccountFor returns the custody account holding asset's on-hand balance.
func AccountFor(asset assets.ID) assets.Account {
	return assets.Account("ledger:" + string(asset))
}

// CreateEntry opens a lendable pool for asset.
func (l *Ledger) CreateEntry(asset assets.ID, cfg EntryConfig) error {
	if cfg.MaxBorrowRatioBps <= 0 || cfg.MaxBorrowRatioBps > assets.BPS {
		return fmt.Errorf("%w: %d", ErrInvalidBorrowRatio, cfg.MaxBorrowRatioBps)
	}
	cfg.MinFirstDeposit = assets.Clone(cfg.MinFirstDeposit)
	if cfg.InterestModel == (InterestRateModel{}) {
		cfg.InterestModel = DefaultInterestModel()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[asset]; exists {
		return fmt.Errorf("%w: %s", ErrEntryExists, asset)
	}
	l.entries[asset] = &entry{
		asset:       asset,
		account:     AccountFor(asset),
		cfg:         cfg,
		borrowed:    new(big.Int),
		shareSupply: big.NewInt(MinimumShares),
		shares: map[assets.Account]*big.Int{
			floorAccount: big.NewInt(MinimumShares),
		},
	}
	l.logger.Info("ledger entry created", "asset", asset, "maxBorrowBps", cfg.MaxBorrowRatioBps)
	return nil
}

// HasEntry reports whether asset can be borrowed.
func (l *Ledger) HasEntry(asset assets.ID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[asset]
	return ok
}

func (l *Ledger) entry(asset assets.ID) (*entry, error) {
	e, ok := l.entries[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, asset)
	}
	return e, nil
}

func (l *Ledger) onHand(e *entry) *big.Int {
	return l.vault.BalanceOf(e.account, e.asset)
}

func (l *Ledger) totalAssets(e *entry) *big.Int {
	return new(big.Int).Add(l.onHand(e), e.borrowed)
}

// capacity is min(totalAssets*ratio - borrowed, onHand), floored at zero.
func (l *Ledger) capacity(e *entry) *big.Int {
	onHand := l.onHand(e)
	total := new(big.Int).Add(onHand, e.borrowed)
	byRatio := assets.MulBps(total, e.cfg.MaxBorrowRatioBps)
	byRatio.Sub(byRatio, e.borrowed)
	if byRatio.Sign() < 0 {
		byRatio.SetInt64(0)
	}
	return new(big.Int).Set(assets.Min(byRatio, onHand))
}

// Capacity returns how much of asset can be borrowed right now.
func (l *Ledger) Capacity(asset assets.ID) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, err := l.entry(asset)
	if err != nil {
		return nil, err
	}
	return l.capacity(e), nil
}

// HourlyRate returns the current hourly borrow rate of asset as a 1e18 fraction.
func (l *Ledger) HourlyRate(asset assets.ID) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, err := l.entry(asset)
	if err != nil {
		return nil, err
	}
	return e.cfg.InterestModel.HourlyRateWAD(Utilization(e.borrowed, l.totalAssets(e))), nil
}

func (l *Ledger) Stats(asset assets.ID) (Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, err := l.entry(asset)
	if err != nil {
		return Stats{}, err
	}
	onHand := l.onHand(e)
	total := new(big.Int).Add(onHand, e.borrowed)
	util := Utilization(e.borrowed, total)
	return Stats{
		Asset:       asset,
		Account:     e.account,
		OnHand:      onHand,
		Borrowed:    new(big.Int).Set(e.borrowed),
		TotalAssets: total,
		ShareSupply: new(big.Int).Set(e.shareSupply),
		Capacity:    l.capacity(e),
		Utilization: util,
		HourlyRate:  e.cfg.InterestModel.HourlyRateWAD(util),
	}, nil
}

// Assets lists every asset with an entry.
func (l *Ledger) Assets() []assets.ID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]assets.ID, 0, len(l.entries))
	for a := range l.entries {
		out = append(out, a)
	}
	return out
}

// SharesOf returns lp's share balance in asset's entry.
func (l *Ledger) SharesOf(lp assets.Account, asset assets.ID) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[asset]
	if !ok {
		return new(big.Int)
	}
	return assets.Clone(e.shares[lp])
}

// Borrow sends amount of asset from the entry to the capability holder's account.
func (l *Ledger) Borrow(capability *Capability, asset assets.ID, to assets.Account, amount *big.Int) error {
	if capability == nil || capability != l.cap {
		return ErrUnauthorized
	}
	if !assets.IsPositive(amount) {
		return custody.ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.entry(asset)
	if err != nil {
		return err
	}
	capacity := l.capacity(e)
	if amount.Cmp(capacity) > 0 {
		return &InsufficientLiquidityError{Asset: asset, Requested: new(big.Int).Set(amount), Capacity: capacity}
	}
	if err := l.vault.Transfer(e.account, to, asset, amount); err != nil {
		return err
	}
	l.addBorrowed(e, amount)
	l.record(e)
	return nil
}

// Refund settles a loan: it pulls borrowed+interest-losses from the capability
// holder and retires borrowed from the entry's debt. Losses are absorbed by
// share value.
func (l *Ledger) Refund(capability *Capability, asset assets.ID, from assets.Account, borrowed, interest, losses *big.Int) error {
	if capability == nil || capability != l.cap {
		return ErrUnauthorized
	}
	borrowed, interest, losses = assets.Clone(borrowed), assets.Clone(interest), assets.Clone(losses)
	if borrowed.Sign() < 0 || interest.Sign() < 0 || losses.Sign() < 0 {
		return custody.ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.entry(asset)
	if err != nil {
		return err
	}
	if borrowed.Cmp(e.borrowed) > 0 {
		return fmt.Errorf("%w: %s refunds %s of %s", ErrOverRefund, asset, borrowed, e.borrowed)
	}
	due := new(big.Int).Add(borrowed, interest)
	if losses.Cmp(due) > 0 {
		return fmt.Errorf("%w: losses %s, due %s", ErrLossesExceedRepayment, losses, due)
	}
	due.Sub(due, losses)
	if due.Sign() > 0 {
		if err := l.vault.Transfer(from, e.account, asset, due); err != nil {
			return err
		}
	}
	l.addBorrowed(e, new(big.Int).Neg(borrowed))
	if losses.Sign() > 0 {
		l.logger.Warn("ledger absorbed losses", "asset", asset, "losses", losses)
	}
	l.record(e)
	return nil
}

// Deposit moves amount from lp into the entry and mints shares at the
// current share price.
func (l *Ledger) Deposit(ctx context.Context, lp assets.Account, asset assets.ID, amount *big.Int) (*big.Int, error) {
	if !assets.IsPositive(amount) {
		return nil, custody.ErrInvalidAmount
	}
	_, tx, err := l.journal.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.entry(asset)
	if err != nil {
		return nil, err
	}
	total := l.totalAssets(e)
	atFloor := e.shareSupply.Cmp(big.NewInt(MinimumShares)) == 0
	if atFloor && amount.Cmp(e.cfg.MinFirstDeposit) < 0 {
		return nil, fmt.Errorf("%w: %s < %s", ErrFirstDepositTooSmall, amount, e.cfg.MinFirstDeposit)
	}

	var shares *big.Int
	if total.Sign() == 0 {
		shares = new(big.Int).Set(amount)
	} else {
		shares = assets.MulDiv(amount, e.shareSupply, total)
	}
	if shares.Sign() == 0 {
		return nil, ErrZeroShares
	}

	if err := l.vault.Transfer(lp, e.account, asset, amount); err != nil {
		return nil, err
	}
	l.addShares(e, lp, shares)
	tx.Commit()

	l.logger.Info("liquidity deposited", "asset", asset, "lp", lp, "amount", amount, "shares", shares)
	l.record(e)
	return shares, nil
}

// Withdraw burns shares and pays out their value, which must be on hand.
func (l *Ledger) Withdraw(ctx context.Context, lp assets.Account, asset assets.ID, shares *big.Int) (*big.Int, error) {
	if !assets.IsPositive(shares) {
		return nil, custody.ErrInvalidAmount
	}
	_, tx, err := l.journal.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.entry(asset)
	if err != nil {
		return nil, err
	}
	held := assets.Clone(e.shares[lp])
	if held.Cmp(shares) < 0 {
		return nil, fmt.Errorf("%w: %s holds %s", ErrInsufficientShares, lp, held)
	}

	amount := assets.MulDiv(shares, l.totalAssets(e), e.shareSupply)
	if onHand := l.onHand(e); amount.Cmp(onHand) > 0 {
		return nil, fmt.Errorf("%w: %s > %s", ErrWithdrawExceedsOnHand, amount, onHand)
	}

	l.addShares(e, lp, new(big.Int).Neg(shares))
	if amount.Sign() > 0 {
		if err := l.vault.Transfer(e.account, lp, asset, amount); err != nil {
			return nil, err
		}
	}
	tx.Commit()

	l.logger.Info("liquidity withdrawn", "asset", asset, "lp", lp, "amount", amount, "shares", shares)
	l.record(e)
	return amount, nil
}

func (l *Ledger) addBorrowed(e *entry, delta *big.Int) {
	e.borrowed.Add(e.borrowed, delta)
	l.journal.Append(func() {
		l.mu.Lock()
		e.borrowed.Sub(e.borrowed, delta)
		l.mu.Unlock()
	})
}

func (l *Ledger) addShares(e *entry, lp assets.Account, delta *big.Int) {
	bal, ok := e.shares[lp]
	if !ok {
		bal = new(big.Int)
		e.shares[lp] = bal
	}
	bal.Add(bal, delta)
	e.shareSupply.Add(e.shareSupply, delta)
	l.journal.Append(func() {
		l.mu.Lock()
		bal.Sub(bal, delta)
		e.shareSupply.Sub(e.shareSupply, delta)
		l.mu.Unlock()
	})
}

func (l *Ledger) record(e *entry) {
	if l.metrics == nil {
		return
	}
	total := l.totalAssets(e)
	borrowed, _ := new(big.Float).SetInt(e.borrowed).Float64()
	l.metrics.SetLedger(string(e.asset), borrowed, Utilization(e.borrowed, total))
}
