package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/margin/pkg/events"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	level, _ := log.ToLevel("debug")
	s := NewServer(log.NewTestLogger(level), DefaultConfig())
	s.Run()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop()
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readType(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestEventFanOut(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dial(t, ts)

	assert.Equal(t, "welcome", readType(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":     "subscribe",
		"channels": []string{"account:alice"},
	}))
	assert.Equal(t, "subscribed", readType(t, conn)["type"])

	// Events for other accounts are not delivered.
	require.NoError(t, s.Publish(context.Background(), events.New(events.Opened, 1, "bob", nil)))
	require.NoError(t, s.Publish(context.Background(), events.New(events.Liquidated, 2, "alice", nil)))

	msg := readType(t, conn)
	assert.Equal(t, "event", msg["type"])
	assert.Equal(t, "account:alice", msg["channel"])
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, "liquidated", data["type"])
	assert.Equal(t, float64(2), data["positionId"])
}

func TestPingAndUnknown(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts)
	readType(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readType(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "dance"}))
	assert.Equal(t, "error", readType(t, conn)["type"])
}

func TestStats(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dial(t, ts)
	readType(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":     "subscribe",
		"channels": []string{ChannelAll},
	}))
	readType(t, conn)

	require.Eventually(t, func() bool {
		stats := s.GetStats()
		return stats["clients"].(int32) == 1 && stats["channels"].(int) == 1
	}, 5*time.Second, 10*time.Millisecond)
}
