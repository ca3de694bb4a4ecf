// Package assets defines asset and account identifiers, the decimals registry,
// and the fixed-point helpers shared by the oracle, ledger and engine.
package assets

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// ID identifies a fungible asset, e.g. "WETH".
type ID string

// Account identifies a holder of balances in custody.
type Account string

var (
	ErrUnknownAsset  = errors.New("unknown asset")
	ErrAssetExists   = errors.New("asset already registered")
	ErrInvalidDigits = errors.New("decimals out of range")
)

// Registry maps assets to their decimal precision.
type Registry struct {
	decimals map[ID]uint8
	mu       sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{decimals: make(map[ID]uint8)}
}

// Register adds an asset with the given number of decimals.
func (r *Registry) Register(asset ID, decimals uint8) error {
	if decimals > 36 {
		return fmt.Errorf("%w: %s has %d", ErrInvalidDigits, asset, decimals)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.decimals[asset]; exists {
		return fmt.Errorf("%w: %s", ErrAssetExists, asset)
	}
	r.decimals[asset] = decimals
	return nil
}

// Decimals returns the precision of asset.
func (r *Registry) Decimals(asset ID) (uint8, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.decimals[asset]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return d, nil
}

// Scale returns 10^decimals(asset), the smallest-unit count of one whole token.
func (r *Registry) Scale(asset ID) (*big.Int, error) {
	d, err := r.Decimals(asset)
	if err != nil {
		return nil, err
	}
	return Pow10(int(d)), nil
}

// Known reports whether asset is registered.
func (r *Registry) Known(asset ID) bool {
	_, err := r.Decimals(asset)
	return err == nil
}

// Format renders a smallest-unit amount as a decimal string of whole tokens.
func (r *Registry) Format(asset ID, amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	d, err := r.Decimals(asset)
	if err != nil {
		return amount.String()
	}
	return decimal.NewFromBigInt(amount, -int32(d)).String()
}

// Parse converts a decimal string of whole tokens into smallest units,
// truncating any precision beyond the asset's decimals.
func (r *Registry) Parse(asset ID, s string) (*big.Int, error) {
	d, err := r.Decimals(asset)
	if err != nil {
		return nil, err
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s amount %q: %w", asset, s, err)
	}
	return v.Shift(int32(d)).Truncate(0).BigInt(), nil
}
