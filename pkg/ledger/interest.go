package ledger

import (
	"math/big"

	"github.com/luxfi/margin/pkg/assets"
)

const hoursPerYear = 365 * 24

// InterestRateModel prices borrowing from utilization with a kink: rates rise
// slowly up to Kink and steeply beyond it. Rates are annual fractions.
type InterestRateModel struct {
	BaseRate       float64
	Multiplier     float64
	JumpMultiplier float64
	Kink           float64
}

// DefaultInterestModel is 2% base, 15% slope, 200% jump above 80% utilization.
func DefaultInterestModel() InterestRateModel {
	return InterestRateModel{
		BaseRate:       0.02,
		Multiplier:     0.15,
		JumpMultiplier: 2.0,
		Kink:           0.80,
	}
}

// BorrowRate returns the annual borrow rate at utilization.
func (m InterestRateModel) BorrowRate(utilization float64) float64 {
	if utilization <= m.Kink {
		return m.BaseRate + utilization*m.Multiplier
	}
	normalRate := m.BaseRate + m.Kink*m.Multiplier
	excess := utilization - m.Kink
	return normalRate + excess*m.JumpMultiplier
}

// HourlyRateWAD returns the hourly borrow rate at utilization as a 1e18 fraction.
func (m InterestRateModel) HourlyRateWAD(utilization float64) *big.Int {
	hourly := new(big.Float).SetFloat64(m.BorrowRate(utilization) / hoursPerYear)
	hourly.Mul(hourly, new(big.Float).SetInt(assets.WAD))
	out, _ := hourly.Int(nil)
	return out
}

// Utilization returns borrowed/total as a float, zero for an empty pool.
func Utilization(borrowed, total *big.Int) float64 {
	if total.Sign() == 0 {
		return 0
	}
	u, _ := new(big.Rat).SetFrac(borrowed, total).Float64()
	return u
}
