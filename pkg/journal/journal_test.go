package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollbackOrder(t *testing.T) {
	j := New()
	var trace []int

	_, tx, err := j.Begin(context.Background())
	require.NoError(t, err)
	j.Append(func() { trace = append(trace, 1) })
	j.Append(func() { trace = append(trace, 2) })
	j.Append(func() { trace = append(trace, 3) })

	tx.Rollback()
	assert.Equal(t, []int{3, 2, 1}, trace)
	assert.Equal(t, 0, j.Len())

	// Rollback after close does nothing.
	tx.Rollback()
	assert.Len(t, trace, 3)
}

func TestSavepoint(t *testing.T) {
	j := New()
	value := 0

	_, tx, err := j.Begin(context.Background())
	require.NoError(t, err)
	value = 1
	j.Append(func() { value = 0 })

	sp := j.Savepoint()
	value = 2
	j.Append(func() { value = 1 })

	j.RevertTo(sp)
	assert.Equal(t, 1, value)
	assert.Equal(t, 1, j.Len())

	tx.Commit()
	tx.Rollback()
	assert.Equal(t, 1, value)
	assert.Equal(t, 0, j.Len())
}

func TestAppendOutsideOperationIsDropped(t *testing.T) {
	j := New()
	j.Append(func() {})
	assert.Equal(t, 0, j.Len())
}

func TestBeginRejectsReentry(t *testing.T) {
	j := New()

	ctx, tx, err := j.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	assert.True(t, InOperation(ctx))

	child, cancel := context.WithCancel(ctx)
	defer cancel()
	_, _, err = j.Begin(child)
	assert.ErrorIs(t, err, ErrReentrant)
}

func TestBeginSerializesWriters(t *testing.T) {
	j := New()

	_, tx, err := j.Begin(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	entered := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, tx2, err := j.Begin(context.Background())
		if err == nil {
			close(entered)
			tx2.Commit()
		}
	}()

	select {
	case <-entered:
		t.Fatal("second writer entered while first was open")
	case <-time.After(50 * time.Millisecond):
	}

	tx.Commit()
	wg.Wait()
	select {
	case <-entered:
	default:
		t.Fatal("second writer never entered")
	}
}

func TestRunWaitsForOpenOperation(t *testing.T) {
	j := New()
	var mu sync.Mutex
	balance := 100
	add := func(delta int) {
		mu.Lock()
		balance += delta
		mu.Unlock()
		j.Append(func() {
			mu.Lock()
			balance -= delta
			mu.Unlock()
		})
	}

	_, tx, err := j.Begin(context.Background())
	require.NoError(t, err)
	add(-30)

	done := make(chan error, 1)
	go func() {
		done <- j.Run(context.Background(), func(context.Context) error {
			add(50)
			return nil
		})
	}()

	select {
	case <-done:
		t.Fatal("writer ran inside another operation")
	case <-time.After(50 * time.Millisecond):
	}

	// Only the first operation's mutation is undone.
	tx.Rollback()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 150, balance)
	assert.Equal(t, 0, j.Len())
}

func TestRunRollsBackOnError(t *testing.T) {
	j := New()
	value := 1
	failed := errors.New("failed")

	err := j.Run(context.Background(), func(ctx context.Context) error {
		assert.True(t, InOperation(ctx))
		value = 2
		j.Append(func() { value = 1 })
		return failed
	})
	assert.ErrorIs(t, err, failed)
	assert.Equal(t, 1, value)

	err = j.Run(context.Background(), func(context.Context) error {
		value = 3
		j.Append(func() { value = 1 })
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, value)

	// A nested Run on the operation context is refused.
	err = j.Run(context.Background(), func(ctx context.Context) error {
		return j.Run(ctx, func(context.Context) error { return nil })
	})
	assert.ErrorIs(t, err, ErrReentrant)
}
