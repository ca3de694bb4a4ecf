// Package journal records undo steps for state mutations so that an
// operation either applies completely or is reverted to its starting point.
// It also serializes writers: at most one operation is open at a time.
package journal

import (
	"context"
	"errors"
	"sync"
)

// ErrReentrant is returned by Begin when ctx already belongs to an open
// operation.
var ErrReentrant = errors.New("reentrant operation")

type opKey struct{}

// Journal is a stack of undo closures shared by every component that takes
// part in an operation. Mutations made while no operation is open are not
// recorded.
//
// Append does not know which caller made a mutation: anything appended while
// an operation is open belongs to that operation and is reverted with it.
// Every writer of journaled state must therefore hold an operation, either
// through Begin or Run, so that it waits for the open one to finish.
type Journal struct {
	writer  sync.Mutex
	entries []func()
	active  bool
	mu      sync.Mutex
}

func New() *Journal {
	return &Journal{}
}

// Tx is an open operation. Exactly one of Commit or Rollback takes effect;
// calling Rollback after Commit is a no-op so it can be deferred.
type Tx struct {
	j    *Journal
	done bool
}

// Begin opens an operation, blocking until no other operation is open. The
// returned context marks the operation; passing it (or a child) back into
// Begin fails with ErrReentrant instead of deadlocking.
func (j *Journal) Begin(ctx context.Context) (context.Context, *Tx, error) {
	if InOperation(ctx) {
		return ctx, nil, ErrReentrant
	}
	j.writer.Lock()

	j.mu.Lock()
	j.active = true
	j.entries = j.entries[:0]
	j.mu.Unlock()

	return context.WithValue(ctx, opKey{}, j), &Tx{j: j}, nil
}

// InOperation reports whether ctx was returned by Begin.
func InOperation(ctx context.Context) bool {
	_, ok := ctx.Value(opKey{}).(*Journal)
	return ok
}

// Run executes fn inside a new operation. The operation commits when fn
// returns nil and rolls back otherwise.
func (j *Journal) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	opCtx, tx, err := j.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(opCtx); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

// Append records the inverse of a mutation that was just applied. The caller
// must hold the open operation.
func (j *Journal) Append(undo func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.active {
		j.entries = append(j.entries, undo)
	}
}

// Savepoint marks the current position inside the open operation.
func (j *Journal) Savepoint() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// RevertTo undoes every mutation recorded after sp, newest first.
func (j *Journal) RevertTo(sp int) {
	j.mu.Lock()
	if sp < 0 || sp > len(j.entries) {
		j.mu.Unlock()
		return
	}
	undo := append([]func(){}, j.entries[sp:]...)
	clear(j.entries[sp:])
	j.entries = j.entries[:sp]
	j.mu.Unlock()

	// Undo steps re-enter component locks, never the journal's.
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

// Len returns the number of pending undo steps.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Commit keeps every mutation and closes the operation.
func (tx *Tx) Commit() {
	if tx.done {
		return
	}
	tx.done = true
	tx.j.finish()
}

// Rollback reverts every mutation of the operation and closes it.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	tx.j.RevertTo(0)
	tx.j.finish()
}

func (j *Journal) finish() {
	j.mu.Lock()
	clear(j.entries)
	j.entries = j.entries[:0]
	j.active = false
	j.mu.Unlock()
	j.writer.Unlock()
}
