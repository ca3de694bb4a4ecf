// Package websocket streams position lifecycle events to browser clients.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luxfi/margin/pkg/events"
	"github.com/luxfi/margin/pkg/log"
)

// ChannelAll carries every event. Clients may also subscribe to
// "position:<id>" and "account:<account>".
const ChannelAll = "positions"

var ErrQueueFull = errors.New("websocket broadcast queue full")

// Server fans lifecycle events out to subscribed websocket clients. All
// client and subscription state is owned by the hub goroutine.
type Server struct {
	cfg    Config
	logger log.Logger

	clients       map[*Client]bool
	subscriptions map[string]map[*Client]bool
	register      chan *Client
	unregister    chan *Client
	broadcast     chan events.Event
	ops           chan func()

	messagesOut uint64
	clientCount int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Client is one websocket connection.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte
	closed bool // hub only
}

// Message is the envelope of everything written to clients.
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type request struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// Config holds websocket server configuration.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
	SendBuffer      int
}

func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  64 * 1024,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // Must be less than PongTimeout
		SendBuffer:      256,
	}
}

func NewServer(logger log.Logger, cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:           cfg,
		logger:        logger,
		clients:       make(map[*Client]bool),
		subscriptions: make(map[string]map[*Client]bool),
		register:      make(chan *Client, 100),
		unregister:    make(chan *Client, 100),
		broadcast:     make(chan events.Event, 1000),
		ops:           make(chan func(), 100),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Run starts the hub. It must be called before clients connect.
func (s *Server) Run() {
	s.wg.Add(1)
	go s.runHub()
}

// Handler serves /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start runs the hub and serves on addr until Stop.
func (s *Server) Start(addr string) error {
	s.Run()

	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-s.ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	s.logger.Info("WebSocket server starting", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("WebSocket server error: %w", err)
	}
	return nil
}

// Stop closes every client and stops the hub.
func (s *Server) Stop() {
	s.logger.Info("Stopping WebSocket server")
	s.cancel()
	s.wg.Wait()
}

// Publish queues ev for delivery without blocking the caller.
func (s *Server) Publish(_ context.Context, ev events.Event) error {
	select {
	case s.broadcast <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Server) runHub() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			for client := range s.clients {
				s.removeClient(client)
			}
			return

		case client := <-s.register:
			if client.closed {
				continue
			}
			s.clients[client] = true
			atomic.AddInt32(&s.clientCount, 1)
			s.logger.Debug("Client connected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))

		case client := <-s.unregister:
			s.removeClient(client)
			s.logger.Debug("Client disconnected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))

		case ev := <-s.broadcast:
			s.broadcastEvent(ev)

		case op := <-s.ops:
			op()

		case <-ticker.C:
			s.logger.Debug("WebSocket stats",
				"clients", atomic.LoadInt32(&s.clientCount),
				"messages", atomic.LoadUint64(&s.messagesOut))
		}
	}
}

// do runs fn on the hub goroutine.
func (s *Server) do(fn func()) {
	select {
	case s.ops <- fn:
	case <-s.ctx.Done():
	}
}

func (s *Server) removeClient(c *Client) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	if s.clients[c] {
		delete(s.clients, c)
		atomic.AddInt32(&s.clientCount, -1)
	}
	for channel, clients := range s.subscriptions {
		delete(clients, c)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// deliver queues data for c, dropping the client if it cannot keep up.
func (s *Server) deliver(c *Client, data []byte) {
	if c.closed {
		return
	}
	select {
	case c.send <- data:
		atomic.AddUint64(&s.messagesOut, 1)
	default:
		s.logger.Warn("dropping slow websocket client", "id", c.id)
		s.removeClient(c)
	}
}

func (s *Server) broadcastEvent(ev events.Event) {
	channels := []string{
		ChannelAll,
		"position:" + strconv.FormatUint(ev.PositionID, 10),
		"account:" + string(ev.Account),
	}

	targets := make(map[*Client]string)
	for _, ch := range channels {
		for client := range s.subscriptions[ch] {
			if _, seen := targets[client]; !seen {
				targets[client] = ch
			}
		}
	}
	if len(targets) == 0 {
		return
	}

	for client, ch := range targets {
		data, err := json.Marshal(Message{
			Type:      "event",
			Channel:   ch,
			Data:      ev,
			Timestamp: ev.Time.Unix(),
		})
		if err != nil {
			s.logger.Error("Failed to marshal broadcast message", "error", err)
			return
		}
		s.deliver(client, data)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.cfg.ReadBufferSize,
		WriteBufferSize: s.cfg.WriteBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:     generateClientID(),
		conn:   conn,
		server: s,
		send:   make(chan []byte, s.cfg.SendBuffer),
	}
	s.register <- client

	go client.writePump()
	go client.readPump()

	client.reply(Message{
		Type: "welcome",
		Data: map[string]interface{}{"id": client.id},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.GetStats())
}

func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.server.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongTimeout))
	})

	for {
		var req request
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Debug("WebSocket read error", "error", err)
			}
			return
		}
		c.handleRequest(req)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.server.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleRequest(req request) {
	switch req.Type {
	case "subscribe":
		channels := append([]string(nil), req.Channels...)
		c.server.do(func() {
			if c.closed {
				return
			}
			for _, ch := range channels {
				if c.server.subscriptions[ch] == nil {
					c.server.subscriptions[ch] = make(map[*Client]bool)
				}
				c.server.subscriptions[ch][c] = true
			}
		})
		c.reply(Message{Type: "subscribed", Data: map[string]interface{}{"channels": channels}})
	case "unsubscribe":
		channels := append([]string(nil), req.Channels...)
		c.server.do(func() {
			for _, ch := range channels {
				if clients, ok := c.server.subscriptions[ch]; ok {
					delete(clients, c)
					if len(clients) == 0 {
						delete(c.server.subscriptions, ch)
					}
				}
			}
		})
		c.reply(Message{Type: "unsubscribed", Data: map[string]interface{}{"channels": channels}})
	case "ping":
		c.reply(Message{Type: "pong"})
	default:
		c.reply(Message{Type: "error", Data: map[string]interface{}{"message": "unknown message type: " + req.Type}})
	}
}

// reply queues msg for this client through the hub.
func (c *Client) reply(msg Message) {
	msg.Timestamp = time.Now().Unix()
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("Failed to marshal message", "error", err)
		return
	}
	c.server.do(func() { c.server.deliver(c, data) })
}

// GetStats returns server statistics.
func (s *Server) GetStats() map[string]interface{} {
	channels := make(chan int, 1)
	s.do(func() { channels <- len(s.subscriptions) })

	numChannels := 0
	select {
	case numChannels = <-channels:
	case <-time.After(time.Second):
	}
	return map[string]interface{}{
		"status":        "healthy",
		"clients":       atomic.LoadInt32(&s.clientCount),
		"messages_sent": atomic.LoadUint64(&s.messagesOut),
		"channels":      numChannels,
	}
}

func generateClientID() string {
	return fmt.Sprintf("client-%d-%d", time.Now().Unix(), time.Now().Nanosecond())
}
