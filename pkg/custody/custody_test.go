package custody

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/margin/pkg/journal"
)

func TestTransfer(t *testing.T) {
	v := New(journal.New())
	require.NoError(t, v.Mint("alice", "USDC", big.NewInt(1000)))

	require.NoError(t, v.Transfer("alice", "bob", "USDC", big.NewInt(400)))
	assert.Equal(t, int64(600), v.BalanceOf("alice", "USDC").Int64())
	assert.Equal(t, int64(400), v.BalanceOf("bob", "USDC").Int64())

	err := v.Transfer("alice", "bob", "USDC", big.NewInt(601))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	assert.ErrorIs(t, v.Transfer("alice", "bob", "USDC", big.NewInt(0)), ErrInvalidAmount)
	assert.ErrorIs(t, v.Mint("alice", "USDC", big.NewInt(-1)), ErrInvalidAmount)
}

func TestTransferFrom(t *testing.T) {
	v := New(journal.New())
	require.NoError(t, v.Mint("alice", "WETH", big.NewInt(50)))

	err := v.TransferFrom("engine", "alice", "engine", "WETH", big.NewInt(10))
	assert.ErrorIs(t, err, ErrInsufficientAllowance)

	v.Approve("alice", "engine", "WETH", big.NewInt(30))
	require.NoError(t, v.TransferFrom("engine", "alice", "engine", "WETH", big.NewInt(10)))
	assert.Equal(t, int64(20), v.Allowance("alice", "engine", "WETH").Int64())
	assert.Equal(t, int64(10), v.BalanceOf("engine", "WETH").Int64())

	err = v.TransferFrom("engine", "alice", "engine", "WETH", big.NewInt(21))
	assert.ErrorIs(t, err, ErrInsufficientAllowance)
}

func TestRevertRestoresBalances(t *testing.T) {
	j := journal.New()
	v := New(j)
	require.NoError(t, v.Mint("alice", "USDC", big.NewInt(100)))
	v.Approve("alice", "engine", "USDC", big.NewInt(100))

	_, tx, err := j.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, v.TransferFrom("engine", "alice", "engine", "USDC", big.NewInt(70)))
	require.NoError(t, v.Transfer("engine", "pool", "USDC", big.NewInt(70)))
	tx.Rollback()

	assert.Equal(t, int64(100), v.BalanceOf("alice", "USDC").Int64())
	assert.Equal(t, int64(0), v.BalanceOf("engine", "USDC").Int64())
	assert.Equal(t, int64(0), v.BalanceOf("pool", "USDC").Int64())
	assert.Equal(t, int64(100), v.Allowance("alice", "engine", "USDC").Int64())
}
