package assets

import "math/big"

// BPS is the basis-point denominator.
const BPS = 10_000

var (
	bpsDenom = big.NewInt(BPS)
	// WAD is the 1e18 fixed-point unit used for rates.
	WAD = Pow10(18)
)

// Pow10 returns 10^n.
func Pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// MulDiv returns a*b/d, truncated toward zero. The product is formed before
// dividing so no precision is lost to an intermediate quotient.
func MulDiv(a, b, d *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, d)
}

// MulBps returns amount*bps/10_000.
func MulBps(amount *big.Int, bps int64) *big.Int {
	return MulDiv(amount, big.NewInt(bps), bpsDenom)
}

// DeviationBps returns |v-ref|*10_000/ref. ref must be positive.
func DeviationBps(v, ref *big.Int) *big.Int {
	diff := new(big.Int).Sub(v, ref)
	diff.Abs(diff)
	return MulDiv(diff, bpsDenom, ref)
}

// Min returns the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Clone returns a copy of v, or zero for nil.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// IsPositive reports v > 0.
func IsPositive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
