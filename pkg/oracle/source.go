package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// Quote is a single reading from a price source, denominated in the
// aggregator's reference currency.
type Quote struct {
	Price     *big.Int
	Decimals  int32
	UpdatedAt time.Time
}

// Source is a price feed network. A source serves many feeds, each addressed
// by a source-specific feed id (a Chainlink aggregator address, a Pyth price id).
type Source interface {
	Name() string
	LatestPrice(ctx context.Context, feedID string) (Quote, error)
}

// Round is the latest answer of a round-based feed.
type Round struct {
	RoundID   uint64
	Answer    *big.Int
	Decimals  int32
	UpdatedAt time.Time
}

// FeedSource serves round-based feeds in the style of Chainlink aggregators.
// Rounds are pushed by whatever reads the chain; the source only serves the
// latest answer per feed.
type FeedSource struct {
	name   string
	rounds map[string]*Round
	mu     sync.RWMutex
}

func NewFeedSource(name string) *FeedSource {
	return &FeedSource{
		name:   name,
		rounds: make(map[string]*Round),
	}
}

func (fs *FeedSource) Name() string {
	return fs.name
}

// SetRound records a new answer for feedID and advances its round id.
func (fs *FeedSource) SetRound(feedID string, answer *big.Int, decimals int32, updatedAt time.Time) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var next uint64 = 1
	if prev, ok := fs.rounds[feedID]; ok {
		next = prev.RoundID + 1
	}
	fs.rounds[feedID] = &Round{
		RoundID:   next,
		Answer:    new(big.Int).Set(answer),
		Decimals:  decimals,
		UpdatedAt: updatedAt,
	}
}

// LatestRound returns a copy of the latest round of feedID.
func (fs *FeedSource) LatestRound(feedID string) (Round, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	r, ok := fs.rounds[feedID]
	if !ok {
		return Round{}, fmt.Errorf("%w: %s/%s", ErrFeedNotFound, fs.name, feedID)
	}
	out := *r
	out.Answer = new(big.Int).Set(r.Answer)
	return out, nil
}

func (fs *FeedSource) LatestPrice(ctx context.Context, feedID string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	r, err := fs.LatestRound(feedID)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Price: r.Answer, Decimals: r.Decimals, UpdatedAt: r.UpdatedAt}, nil
}
