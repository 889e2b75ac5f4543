package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity-jackpot/internal/model"
)

func dial(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readMsg(t *testing.T, c *websocket.Conn) Msg {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := c.ReadMessage()
	require.NoError(t, err)
	var m Msg
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestSubscribeAndPublish(t *testing.T) {
	hub := NewHub(nil)
	c := dial(t, hub)

	market := "0xABCDEF"
	require.NoError(t, c.WriteJSON(map[string]string{"action": "subscribe", "market_id": market}))
	ack := readMsg(t, c)
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, "0xabcdef", ack.MarketID)
	assert.Equal(t, 1, hub.Subscribers(market))

	hub.Publish("0xabcdef", "bet_placed", map[string]string{"stake": "5"})
	msg := readMsg(t, c)
	assert.Equal(t, "bet_placed", msg.Type)
	assert.Equal(t, map[string]any{"stake": "5"}, msg.Data)
}

func TestSubscribeBySlug(t *testing.T) {
	hub := NewHub(nil)
	c := dial(t, hub)

	id := model.MarketIDFromSlug("eth-usdc").Hex()
	require.NoError(t, c.WriteJSON(map[string]string{"action": "subscribe", "market_id": "eth-usdc"}))
	ack := readMsg(t, c)
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, id, ack.MarketID)
	assert.Equal(t, 1, hub.Subscribers(id))

	hub.Publish(id, "bet_placed", nil)
	assert.Equal(t, "bet_placed", readMsg(t, c).Type)
}

func TestAllMarketsSubscription(t *testing.T) {
	hub := NewHub(nil)
	c := dial(t, hub)

	require.NoError(t, c.WriteJSON(map[string]string{"action": "subscribe", "market_id": AllMarkets}))
	assert.Equal(t, "subscribed", readMsg(t, c).Type)

	hub.Publish("0x01", "round_settled", nil)
	msg := readMsg(t, c)
	assert.Equal(t, "round_settled", msg.Type)
	assert.Equal(t, "0x01", msg.MarketID)
}

func TestUnsubscribe(t *testing.T) {
	hub := NewHub(nil)
	c := dial(t, hub)

	require.NoError(t, c.WriteJSON(map[string]string{"action": "subscribe", "market_id": "0x01"}))
	readMsg(t, c)
	require.NoError(t, c.WriteJSON(map[string]string{"action": "subscribe", "market_id": "0x02"}))
	readMsg(t, c)
	require.NoError(t, c.WriteJSON(map[string]string{"action": "unsubscribe", "market_id": "0x01"}))
	assert.Equal(t, "unsubscribed", readMsg(t, c).Type)

	assert.Equal(t, 0, hub.Subscribers("0x01"))
	assert.Equal(t, 1, hub.Subscribers("0x02"))
}

func TestBadRequestGetsError(t *testing.T) {
	hub := NewHub(nil)
	c := dial(t, hub)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("nope")))
	assert.Equal(t, "error", readMsg(t, c).Type)
}
