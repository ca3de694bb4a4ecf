package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/margin/pkg/assets"
	"github.com/luxfi/margin/pkg/custody"
	"github.com/luxfi/margin/pkg/journal"
)

const (
	lp     assets.Account = "lp"
	engine assets.Account = "engine"
)

type fixture struct {
	j      *journal.Journal
	vault  *custody.Vault
	cap    *Capability
	ledger *Ledger
}

func newFixture(t *testing.T, ratioBps int64) *fixture {
	t.Helper()
	level, _ := log.ToLevel("debug")
	j := journal.New()
	vault := custody.New(j)
	capability := NewCapability("engine")
	l := New(capability, vault, j, log.NewTestLogger(level), nil)
	require.NoError(t, l.CreateEntry("USDC", EntryConfig{
		MaxBorrowRatioBps: ratioBps,
		MinFirstDeposit:   big.NewInt(1_000_000),
	}))
	require.NoError(t, vault.Mint(lp, "USDC", big.NewInt(10_000_000_000)))
	return &fixture{j: j, vault: vault, cap: capability, ledger: l}
}

func (f *fixture) deposit(t *testing.T, amount int64) *big.Int {
	t.Helper()
	shares, err := f.ledger.Deposit(context.Background(), lp, "USDC", big.NewInt(amount))
	require.NoError(t, err)
	return shares
}

func TestCreateEntry(t *testing.T) {
	f := newFixture(t, 8000)
	assert.True(t, f.ledger.HasEntry("USDC"))
	assert.False(t, f.ledger.HasEntry("WETH"))

	assert.ErrorIs(t, f.ledger.CreateEntry("USDC", EntryConfig{MaxBorrowRatioBps: 8000}), ErrEntryExists)
	assert.ErrorIs(t, f.ledger.CreateEntry("WETH", EntryConfig{MaxBorrowRatioBps: 0}), ErrInvalidBorrowRatio)
	assert.ErrorIs(t, f.ledger.CreateEntry("WETH", EntryConfig{MaxBorrowRatioBps: 10_001}), ErrInvalidBorrowRatio)

	_, err := f.ledger.Capacity("WETH")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestFirstDepositMinimum(t *testing.T) {
	f := newFixture(t, 8000)

	_, err := f.ledger.Deposit(context.Background(), lp, "USDC", big.NewInt(999_999))
	assert.ErrorIs(t, err, ErrFirstDepositTooSmall)
	assert.Equal(t, int64(0), f.vault.BalanceOf(AccountFor("USDC"), "USDC").Int64())

	shares := f.deposit(t, 1_000_000_000)
	assert.Equal(t, int64(1_000_000_000), shares.Int64())

	// Supply is above the floor now, small deposits are fine.
	small := f.deposit(t, 10)
	assert.True(t, small.Sign() > 0)
}

func TestBorrowCapacity(t *testing.T) {
	f := newFixture(t, 8000)
	f.deposit(t, 1_000_000_000)

	capacity, err := f.ledger.Capacity("USDC")
	require.NoError(t, err)
	assert.Equal(t, int64(800_000_000), capacity.Int64())

	err = f.ledger.Borrow(f.cap, "USDC", engine, big.NewInt(800_000_001))
	var liqErr *InsufficientLiquidityError
	require.True(t, errors.As(err, &liqErr))
	assert.Equal(t, int64(800_000_000), liqErr.Capacity.Int64())
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	require.NoError(t, f.ledger.Borrow(f.cap, "USDC", engine, big.NewInt(600_000_000)))
	assert.Equal(t, int64(600_000_000), f.vault.BalanceOf(engine, "USDC").Int64())

	stats, err := f.ledger.Stats("USDC")
	require.NoError(t, err)
	assert.Equal(t, int64(400_000_000), stats.OnHand.Int64())
	assert.Equal(t, int64(600_000_000), stats.Borrowed.Int64())
	assert.Equal(t, int64(1_000_000_000), stats.TotalAssets.Int64())
	assert.Equal(t, int64(200_000_000), stats.Capacity.Int64())
	assert.InDelta(t, 0.6, stats.Utilization, 1e-9)
}

func TestBorrowNeverExceedsOnHand(t *testing.T) {
	f := newFixture(t, assets.BPS)
	f.deposit(t, 1_000_000_000)
	require.NoError(t, f.ledger.Borrow(f.cap, "USDC", engine, big.NewInt(600_000_000)))

	err := f.ledger.Borrow(f.cap, "USDC", engine, big.NewInt(400_000_001))
	var liqErr *InsufficientLiquidityError
	require.True(t, errors.As(err, &liqErr))
	assert.Equal(t, int64(400_000_000), liqErr.Capacity.Int64())
}

func TestBorrowRequiresCapability(t *testing.T) {
	f := newFixture(t, 8000)
	f.deposit(t, 1_000_000_000)

	assert.ErrorIs(t, f.ledger.Borrow(NewCapability("engine"), "USDC", engine, big.NewInt(1)), ErrUnauthorized)
	assert.ErrorIs(t, f.ledger.Borrow(nil, "USDC", engine, big.NewInt(1)), ErrUnauthorized)
	assert.ErrorIs(t, f.ledger.Refund(NewCapability("x"), "USDC", engine, nil, nil, nil), ErrUnauthorized)
}

func TestRefund(t *testing.T) {
	f := newFixture(t, 8000)
	f.deposit(t, 1_000_000_000)
	require.NoError(t, f.ledger.Borrow(f.cap, "USDC", engine, big.NewInt(500_000_000)))

	err := f.ledger.Refund(f.cap, "USDC", engine, big.NewInt(500_000_001), big.NewInt(0), big.NewInt(0))
	assert.ErrorIs(t, err, ErrOverRefund)

	err = f.ledger.Refund(f.cap, "USDC", engine, big.NewInt(100), big.NewInt(10), big.NewInt(111))
	assert.ErrorIs(t, err, ErrLossesExceedRepayment)

	require.NoError(t, f.vault.Mint(engine, "USDC", big.NewInt(5_000_000)))
	require.NoError(t, f.ledger.Refund(f.cap, "USDC", engine, big.NewInt(500_000_000), big.NewInt(5_000_000), big.NewInt(0)))

	stats, err := f.ledger.Stats("USDC")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Borrowed.Int64())
	assert.Equal(t, int64(1_005_000_000), stats.OnHand.Int64())
	assert.Equal(t, int64(0), f.vault.BalanceOf(engine, "USDC").Int64())
}

func TestLossesReduceShareValue(t *testing.T) {
	f := newFixture(t, 8000)
	shares := f.deposit(t, 1_000_000_000)
	require.NoError(t, f.ledger.Borrow(f.cap, "USDC", engine, big.NewInt(500_000_000)))

	// Only 400M of the 500M comes back.
	require.NoError(t, f.ledger.Refund(f.cap, "USDC", engine, big.NewInt(500_000_000), big.NewInt(0), big.NewInt(100_000_000)))
	assert.Equal(t, int64(100_000_000), f.vault.BalanceOf(engine, "USDC").Int64())

	amount, err := f.ledger.Withdraw(context.Background(), lp, "USDC", shares)
	require.NoError(t, err)
	// 1e9 shares of 1e9+1000 supply over 900M total assets.
	assert.Equal(t, int64(899_999_100), amount.Int64())
}

func TestWithdrawCappedAtOnHand(t *testing.T) {
	f := newFixture(t, 8000)
	shares := f.deposit(t, 1_000_000_000)
	require.NoError(t, f.ledger.Borrow(f.cap, "USDC", engine, big.NewInt(600_000_000)))

	_, err := f.ledger.Withdraw(context.Background(), lp, "USDC", shares)
	assert.ErrorIs(t, err, ErrWithdrawExceedsOnHand)
	assert.Equal(t, shares.Int64(), f.ledger.SharesOf(lp, "USDC").Int64())

	amount, err := f.ledger.Withdraw(context.Background(), lp, "USDC", big.NewInt(300_000_000))
	require.NoError(t, err)
	assert.Equal(t, int64(299_999_700), amount.Int64())

	_, err = f.ledger.Withdraw(context.Background(), "stranger", "USDC", big.NewInt(1))
	assert.ErrorIs(t, err, ErrInsufficientShares)
}

func TestBorrowRevertsWithOperation(t *testing.T) {
	f := newFixture(t, 8000)
	f.deposit(t, 1_000_000_000)

	ctx, tx, err := f.j.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.ledger.Borrow(f.cap, "USDC", engine, big.NewInt(100_000_000)))

	// A deposit from inside a running operation is refused.
	_, err = f.ledger.Deposit(ctx, lp, "USDC", big.NewInt(1_000))
	assert.ErrorIs(t, err, journal.ErrReentrant)

	tx.Rollback()

	stats, err := f.ledger.Stats("USDC")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Borrowed.Int64())
	assert.Equal(t, int64(1_000_000_000), stats.OnHand.Int64())
	assert.Equal(t, int64(0), f.vault.BalanceOf(engine, "USDC").Int64())
}

func TestInterestModel(t *testing.T) {
	m := DefaultInterestModel()
	assert.InDelta(t, 0.02, m.BorrowRate(0), 1e-12)
	assert.InDelta(t, 0.095, m.BorrowRate(0.5), 1e-12)
	assert.InDelta(t, 0.34, m.BorrowRate(0.9), 1e-12)

	low := m.HourlyRateWAD(0.1)
	high := m.HourlyRateWAD(0.9)
	assert.True(t, low.Sign() > 0)
	assert.True(t, high.Cmp(low) > 0)

	assert.Equal(t, 0.0, Utilization(big.NewInt(5), big.NewInt(0)))
	assert.InDelta(t, 0.25, Utilization(big.NewInt(1), big.NewInt(4)), 1e-12)
}
