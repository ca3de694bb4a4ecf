// Package custody holds asset balances for every account in the system:
// traders, the engine, liquidity ledger entries and venue pools.
package custody

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/margin/pkg/assets"
	"github.com/luxfi/margin/pkg/journal"
)

var (
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

type allowanceKey struct {
	owner   assets.Account
	spender assets.Account
	asset   assets.ID
}

// Vault is an in-memory custody implementation. Every mutation is journaled
// so callers can revert a failed operation.
type Vault struct {
	balances   map[assets.Account]map[assets.ID]*big.Int
	allowances map[allowanceKey]*big.Int
	journal    *journal.Journal
	mu         sync.RWMutex
}

func New(j *journal.Journal) *Vault {
	return &Vault{
		balances:   make(map[assets.Account]map[assets.ID]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		journal:    j,
	}
}

// Mint credits new units of asset to account.
func (v *Vault) Mint(to assets.Account, asset assets.ID, amount *big.Int) error {
	if !assets.IsPositive(amount) {
		return ErrInvalidAmount
	}

	v.mu.Lock()
	v.addLocked(to, asset, amount)
	v.mu.Unlock()

	v.journal.Append(func() {
		v.mu.Lock()
		v.addLocked(to, asset, new(big.Int).Neg(amount))
		v.mu.Unlock()
	})
	return nil
}

// Transfer moves amount of asset between accounts.
func (v *Vault) Transfer(from, to assets.Account, asset assets.ID, amount *big.Int) error {
	if !assets.IsPositive(amount) {
		return ErrInvalidAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	return v.transferLocked(from, to, asset, amount)
}

// Approve sets the amount spender may move out of owner's balance.
func (v *Vault) Approve(owner, spender assets.Account, asset assets.ID, amount *big.Int) {
	key := allowanceKey{owner, spender, asset}

	v.mu.Lock()
	prev := assets.Clone(v.allowances[key])
	v.allowances[key] = assets.Clone(amount)
	v.mu.Unlock()

	v.journal.Append(func() {
		v.mu.Lock()
		v.allowances[key] = prev
		v.mu.Unlock()
	})
}

// TransferFrom moves amount out of from on behalf of spender, consuming allowance.
func (v *Vault) TransferFrom(spender, from, to assets.Account, asset assets.ID, amount *big.Int) error {
	if !assets.IsPositive(amount) {
		return ErrInvalidAmount
	}
	key := allowanceKey{from, spender, asset}

	v.mu.Lock()
	defer v.mu.Unlock()

	allowed := v.allowances[key]
	if allowed == nil || allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s for %s", ErrInsufficientAllowance, from, asset)
	}
	if err := v.transferLocked(from, to, asset, amount); err != nil {
		return err
	}

	prev := new(big.Int).Set(allowed)
	v.allowances[key] = new(big.Int).Sub(allowed, amount)
	v.journal.Append(func() {
		v.mu.Lock()
		v.allowances[key] = prev
		v.mu.Unlock()
	})
	return nil
}

// BalanceOf returns a copy of account's balance of asset.
func (v *Vault) BalanceOf(account assets.Account, asset assets.ID) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return assets.Clone(v.balances[account][asset])
}

// Allowance returns how much spender may still move out of owner's balance.
func (v *Vault) Allowance(owner, spender assets.Account, asset assets.ID) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return assets.Clone(v.allowances[allowanceKey{owner, spender, asset}])
}

func (v *Vault) transferLocked(from, to assets.Account, asset assets.ID, amount *big.Int) error {
	bal := v.balances[from][asset]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", ErrInsufficientBalance, from, assets.Clone(bal), asset, amount)
	}

	v.addLocked(from, asset, new(big.Int).Neg(amount))
	v.addLocked(to, asset, amount)

	v.journal.Append(func() {
		v.mu.Lock()
		v.addLocked(to, asset, new(big.Int).Neg(amount))
		v.addLocked(from, asset, amount)
		v.mu.Unlock()
	})
	return nil
}

func (v *Vault) addLocked(account assets.Account, asset assets.ID, delta *big.Int) {
	byAsset, ok := v.balances[account]
	if !ok {
		byAsset = make(map[assets.ID]*big.Int)
		v.balances[account] = byAsset
	}
	bal, ok := byAsset[asset]
	if !ok {
		bal = new(big.Int)
		byAsset[asset] = bal
	}
	bal.Add(bal, delta)
}
