package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luxfi/margin/pkg/assets"
	"github.com/luxfi/margin/pkg/log"
)

var errNotConnected = errors.New("pyth: not connected")

// PythSource streams price updates from a Pyth Hermes websocket endpoint and
// serves the latest cached price per feed id.
type PythSource struct {
	name   string
	wsURL  string
	ids    []string
	logger log.Logger

	conn   *websocket.Conn
	prices map[string]Quote

	healthy        bool
	lastHeartbeat  time.Time
	reconnectDelay time.Duration
	maxReconnect   int

	mu     sync.RWMutex
	writeM sync.Mutex
	done   chan struct{}
	closed bool
}

type pythSubscribe struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

type pythMessage struct {
	Type      string         `json:"type"`
	PriceFeed *pythPriceFeed `json:"price_feed,omitempty"`
}

type pythPriceFeed struct {
	ID    string    `json:"id"`
	Price pythPrice `json:"price"`
}

type pythPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

// NewPythSource creates a source subscribing to the given price ids.
func NewPythSource(name, wsURL string, ids []string, logger log.Logger) *PythSource {
	norm := make([]string, len(ids))
	for i, id := range ids {
		norm[i] = normalizeFeedID(id)
	}
	return &PythSource{
		name:           name,
		wsURL:          wsURL,
		ids:            norm,
		logger:         logger,
		prices:         make(map[string]Quote),
		reconnectDelay: time.Second,
		maxReconnect:   10,
		done:           make(chan struct{}),
	}
}

func (ps *PythSource) Name() string {
	return ps.name
}

// Connect dials the endpoint, subscribes to every configured id and starts
// the read loop. A dropped connection is re-dialled in the background.
func (ps *PythSource) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, ps.wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to pyth: %w", err)
	}

	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		conn.Close()
		return errNotConnected
	}
	if ps.conn != nil {
		ps.conn.Close()
	}
	ps.conn = conn
	ps.healthy = true
	ps.lastHeartbeat = time.Now()
	ps.mu.Unlock()

	if err := ps.write(pythSubscribe{Type: "subscribe", IDs: ps.ids}); err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go ps.readMessages(conn)
	return nil
}

func (ps *PythSource) write(v interface{}) error {
	ps.mu.RLock()
	conn := ps.conn
	ps.mu.RUnlock()
	if conn == nil {
		return errNotConnected
	}

	ps.writeM.Lock()
	defer ps.writeM.Unlock()
	return conn.WriteJSON(v)
}

func (ps *PythSource) readMessages(conn *websocket.Conn) {
	for {
		var msg pythMessage
		if err := conn.ReadJSON(&msg); err != nil {
			ps.mu.Lock()
			stale := ps.conn != conn
			ps.healthy = false
			closed := ps.closed
			ps.mu.Unlock()
			if !closed && !stale {
				ps.logger.Warn("pyth connection lost", "source", ps.name, "error", err)
				go ps.reconnect()
			}
			return
		}
		ps.handleMessage(msg)
	}
}

func (ps *PythSource) handleMessage(msg pythMessage) {
	switch msg.Type {
	case "price_update":
		if msg.PriceFeed == nil {
			return
		}
		q, err := msg.PriceFeed.quote()
		if err != nil {
			ps.logger.Debug("dropping malformed pyth update", "error", err)
			return
		}
		ps.mu.Lock()
		ps.prices[normalizeFeedID(msg.PriceFeed.ID)] = q
		ps.lastHeartbeat = time.Now()
		ps.mu.Unlock()
	case "heartbeat":
		ps.mu.Lock()
		ps.lastHeartbeat = time.Now()
		ps.mu.Unlock()
	}
}

func (f *pythPriceFeed) quote() (Quote, error) {
	mantissa, ok := new(big.Int).SetString(f.Price.Price, 10)
	if !ok {
		return Quote{}, fmt.Errorf("bad price %q", f.Price.Price)
	}
	// Pyth publishes price * 10^expo, expo is negative for fractional prices.
	price, decimals := mantissa, -f.Price.Expo
	if decimals < 0 {
		price = new(big.Int).Mul(mantissa, assets.Pow10(int(-decimals)))
		decimals = 0
	}
	return Quote{
		Price:     price,
		Decimals:  decimals,
		UpdatedAt: time.Unix(f.Price.PublishTime, 0),
	}, nil
}

func (ps *PythSource) reconnect() {
	delay := ps.reconnectDelay
	for attempt := 1; attempt <= ps.maxReconnect; attempt++ {
		select {
		case <-ps.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := ps.Connect(ctx)
		cancel()
		if err == nil {
			ps.logger.Info("pyth reconnected", "source", ps.name, "attempt", attempt)
			return
		}
		ps.logger.Warn("pyth reconnect failed", "source", ps.name, "attempt", attempt, "error", err)
		if delay < 30*time.Second {
			delay *= 2
		}
	}
	ps.logger.Error("pyth reconnect attempts exhausted", "source", ps.name)
}

// LatestPrice returns the last update received for feedID. Staleness is
// judged by the aggregator against the publish time.
func (ps *PythSource) LatestPrice(ctx context.Context, feedID string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	q, ok := ps.prices[normalizeFeedID(feedID)]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s/%s", ErrFeedNotFound, ps.name, feedID)
	}
	q.Price = new(big.Int).Set(q.Price)
	return q, nil
}

// IsHealthy reports whether the stream is connected and has spoken within maxSilence.
func (ps *PythSource) IsHealthy(maxSilence time.Duration) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.healthy && time.Since(ps.lastHeartbeat) <= maxSilence
}

func (ps *PythSource) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil
	}
	ps.closed = true
	ps.healthy = false
	close(ps.done)
	if ps.conn != nil {
		return ps.conn.Close()
	}
	return nil
}

func normalizeFeedID(id string) string {
	return strings.TrimPrefix(strings.ToLower(id), "0x")
}
