package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ethFeedID = "ff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace"

func TestPythSourceStreamsUpdates(t *testing.T) {
	publish := time.Now().Unix()
	subscribed := make(chan []string, 1)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub pythSubscribe
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub.IDs

		_ = conn.WriteJSON(map[string]interface{}{
			"type": "price_update",
			"price_feed": map[string]interface{}{
				"id": ethFeedID,
				"price": map[string]interface{}{
					"price":        "200012345678",
					"conf":         "1000",
					"expo":         -8,
					"publish_time": publish,
				},
			},
		})
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	level, _ := log.ToLevel("debug")
	src := NewPythSource("pyth", "ws"+strings.TrimPrefix(srv.URL, "http"), []string{"0x" + ethFeedID}, log.NewTestLogger(level))
	require.NoError(t, src.Connect(context.Background()))
	defer src.Close()

	select {
	case ids := <-subscribed:
		assert.Equal(t, []string{ethFeedID}, ids)
	case <-time.After(5 * time.Second):
		t.Fatal("no subscription received")
	}

	require.Eventually(t, func() bool {
		_, err := src.LatestPrice(context.Background(), "0x"+ethFeedID)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	q, err := src.LatestPrice(context.Background(), ethFeedID)
	require.NoError(t, err)
	assert.Equal(t, "200012345678", q.Price.String())
	assert.Equal(t, int32(8), q.Decimals)
	assert.Equal(t, publish, q.UpdatedAt.Unix())
	assert.True(t, src.IsHealthy(time.Minute))

	_, err = src.LatestPrice(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, ErrFeedNotFound)
}

func TestPythQuotePositiveExponent(t *testing.T) {
	f := &pythPriceFeed{ID: "x", Price: pythPrice{Price: "12", Expo: 2, PublishTime: 1}}
	q, err := f.quote()
	require.NoError(t, err)
	assert.Equal(t, "1200", q.Price.String())
	assert.Equal(t, int32(0), q.Decimals)

	f.Price.Price = "abc"
	_, err = f.quote()
	assert.Error(t, err)
}
