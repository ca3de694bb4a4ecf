package position

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/luxfi/database"

	"github.com/luxfi/margin/pkg/assets"
	"github.com/luxfi/margin/pkg/log"
)

var (
	positionPrefix = []byte("position:")
	nextIDKey      = []byte("meta:next_id")
)

// Record is the persisted form of a position and its owner.
type Record struct {
	Position *Position     `json:"position"`
	Owner    assets.Account `json:"owner"`
}

// Store writes positions and the id counter through to a key-value database.
type Store struct {
	db     database.Database
	logger log.Logger
}

func NewStore(db database.Database, logger log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func positionKey(id uint64) []byte {
	key := make([]byte, len(positionPrefix)+8)
	copy(key, positionPrefix)
	binary.BigEndian.PutUint64(key[len(positionPrefix):], id)
	return key
}

// changes accumulates the writes of one committed operation.
type changes struct {
	puts    map[uint64]Record
	deletes map[uint64]struct{}
	nextID  uint64
}

func newChanges() *changes {
	return &changes{
		puts:    make(map[uint64]Record),
		deletes: make(map[uint64]struct{}),
	}
}

func (c *changes) put(p *Position, owner assets.Account) {
	delete(c.deletes, p.ID)
	c.puts[p.ID] = Record{Position: p.clone(), Owner: owner}
}

func (c *changes) remove(id uint64) {
	delete(c.puts, id)
	c.deletes[id] = struct{}{}
}

func (c *changes) empty() bool {
	return len(c.puts) == 0 && len(c.deletes) == 0 && c.nextID == 0
}

// apply writes c in one batch.
func (s *Store) apply(c *changes) error {
	batch := s.db.NewBatch()
	defer batch.Reset()

	for id, rec := range c.puts {
		value, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode position %d: %w", id, err)
		}
		if err := batch.Put(positionKey(id), value); err != nil {
			return err
		}
	}
	for id := range c.deletes {
		if err := batch.Delete(positionKey(id)); err != nil {
			return err
		}
	}
	if c.nextID != 0 {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, c.nextID)
		if err := batch.Put(nextIDKey, buf); err != nil {
			return err
		}
	}
	return batch.Write()
}

// Load returns every stored record and the next id to issue. An empty
// database yields no records and id 1.
func (s *Store) Load() ([]Record, uint64, error) {
	nextID := uint64(1)
	val, err := s.db.Get(nextIDKey)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return nil, 0, err
	case len(val) == 8:
		nextID = binary.BigEndian.Uint64(val)
	default:
		return nil, 0, fmt.Errorf("corrupt id counter: %d bytes", len(val))
	}

	it := s.db.NewIteratorWithPrefix(positionPrefix)
	defer it.Release()

	var records []Record
	for it.Next() {
		var rec Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, 0, fmt.Errorf("failed to decode %x: %w", it.Key(), err)
		}
		if rec.Position == nil {
			continue
		}
		if rec.Position.ID >= nextID {
			nextID = rec.Position.ID + 1
		}
		records = append(records, rec)
	}
	if err := it.Error(); err != nil {
		return nil, 0, err
	}
	s.logger.Info("positions loaded", "count", len(records), "nextID", nextID)
	return records, nextID, nil
}
