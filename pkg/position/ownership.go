package position

import (
	"fmt"
	"sort"
	"sync"

	"github.com/luxfi/margin/pkg/assets"
	"github.com/luxfi/margin/pkg/journal"
)

// Ownership records who holds the trading right of each position. Records
// are minted at open, burned at close and may be transferred in between.
type Ownership struct {
	owners  map[uint64]assets.Account
	byOwner map[assets.Account]map[uint64]struct{}
	journal *journal.Journal
	mu      sync.RWMutex
}

func NewOwnership(j *journal.Journal) *Ownership {
	return &Ownership{
		owners:  make(map[uint64]assets.Account),
		byOwner: make(map[assets.Account]map[uint64]struct{}),
		journal: j,
	}
}

// OwnerOf returns the holder of id.
func (o *Ownership) OwnerOf(id uint64) (assets.Account, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	owner, ok := o.owners[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	return owner, nil
}

// TokensOf lists the ids held by owner in ascending order.
func (o *Ownership) TokensOf(owner assets.Account) []uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	ids := make([]uint64, 0, len(o.byOwner[owner]))
	for id := range o.byOwner[owner] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (o *Ownership) mint(id uint64, to assets.Account) {
	o.mu.Lock()
	o.setLocked(id, to)
	o.mu.Unlock()

	o.journal.Append(func() {
		o.mu.Lock()
		o.clearLocked(id)
		o.mu.Unlock()
	})
}

func (o *Ownership) burn(id uint64) {
	o.mu.Lock()
	prev, ok := o.owners[id]
	o.clearLocked(id)
	o.mu.Unlock()
	if !ok {
		return
	}

	o.journal.Append(func() {
		o.mu.Lock()
		o.setLocked(id, prev)
		o.mu.Unlock()
	})
}

func (o *Ownership) transfer(id uint64, from, to assets.Account) error {
	o.mu.Lock()
	owner, ok := o.owners[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	if owner != from {
		o.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotOwner, id)
	}
	o.clearLocked(id)
	o.setLocked(id, to)
	o.mu.Unlock()

	o.journal.Append(func() {
		o.mu.Lock()
		o.clearLocked(id)
		o.setLocked(id, from)
		o.mu.Unlock()
	})
	return nil
}

// restore sets an owner without journaling, for records loaded from disk.
func (o *Ownership) restore(id uint64, owner assets.Account) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clearLocked(id)
	o.setLocked(id, owner)
}

func (o *Ownership) setLocked(id uint64, owner assets.Account) {
	o.owners[id] = owner
	set, ok := o.byOwner[owner]
	if !ok {
		set = make(map[uint64]struct{})
		o.byOwner[owner] = set
	}
	set[id] = struct{}{}
}

func (o *Ownership) clearLocked(id uint64) {
	owner, ok := o.owners[id]
	if !ok {
		return
	}
	delete(o.owners, id)
	delete(o.byOwner[owner], id)
	if len(o.byOwner[owner]) == 0 {
		delete(o.byOwner, owner)
	}
}
