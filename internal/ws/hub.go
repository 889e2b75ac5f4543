// Package ws fans committed market events out to WebSocket clients.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"liquidity-jackpot/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64

	// AllMarkets subscribes a connection to every market.
	AllMarkets = "*"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Msg is a message sent to clients.
type Msg struct {
	Type     string `json:"type"`
	MarketID string `json:"market_id"`
	Data     any    `json:"data,omitempty"`
}

// Hub tracks which connections follow which markets. A connection may
// follow several markets at once.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*conn]struct{}
	conns map[*conn]struct{}
	log   *slog.Logger
}

type conn struct {
	ws      *websocket.Conn
	send    chan []byte
	hub     *Hub
	markets map[string]struct{} // guarded by hub.mu
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		rooms: make(map[string]map[*conn]struct{}),
		conns: make(map[*conn]struct{}),
		log:   log.With("component", "ws"),
	}
}

// Publish delivers to subscribers of marketID and of AllMarkets. Clients
// whose buffers are full miss the message.
func (h *Hub) Publish(marketID, msgType string, data any) {
	marketID = normalize(marketID)
	b, err := json.Marshal(Msg{Type: msgType, MarketID: marketID, Data: data})
	if err != nil {
		h.log.Warn("marshal message", "type", msgType, "err", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	dropped := 0
	for _, room := range []map[*conn]struct{}{h.rooms[marketID], h.rooms[AllMarkets]} {
		for c := range room {
			select {
			case c.send <- b:
			default:
				dropped++
			}
		}
	}
	if dropped > 0 {
		h.log.Debug("slow clients skipped", "market", marketID, "type", msgType, "dropped", dropped)
	}
}

// Subscribers returns how many connections follow marketID directly.
func (h *Hub) Subscribers(marketID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[normalize(marketID)])
}

// HandleWS upgrades the request and serves subscribe/unsubscribe requests
// of the form {"action":"subscribe","market_id":"0x…"}. market_id may also
// be a market slug.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := &conn{
		ws:      wsConn,
		send:    make(chan []byte, sendBuffer),
		hub:     h,
		markets: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(4096)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			Action   string `json:"action"`
			MarketID string `json:"market_id"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || req.MarketID == "" {
			c.reply("error", req.MarketID)
			continue
		}
		switch req.Action {
		case "subscribe":
			c.hub.subscribe(c, req.MarketID)
			c.reply("subscribed", req.MarketID)
		case "unsubscribe":
			c.hub.unsubscribe(c, req.MarketID)
			c.reply("unsubscribed", req.MarketID)
		default:
			c.reply("error", req.MarketID)
		}
	}
}

// reply is only called from readPump, before removeConn closes send.
func (c *conn) reply(typ, marketID string) {
	b, _ := json.Marshal(Msg{Type: typ, MarketID: normalize(marketID)})
	select {
	case c.send <- b:
	default:
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) subscribe(c *conn, marketID string) {
	marketID = normalize(marketID)
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[marketID]
	if !ok {
		room = make(map[*conn]struct{})
		h.rooms[marketID] = room
	}
	room[c] = struct{}{}
	c.markets[marketID] = struct{}{}
}

func (h *Hub) unsubscribe(c *conn, marketID string) {
	marketID = normalize(marketID)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(c, marketID)
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for m := range c.markets {
		h.leave(c, m)
	}
	delete(h.conns, c)
	close(c.send)
}

// leave requires h.mu held.
func (h *Hub) leave(c *conn, marketID string) {
	if room, ok := h.rooms[marketID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, marketID)
		}
	}
	delete(c.markets, marketID)
}

// normalize maps a market slug or 0x id onto the lowercase hex id events
// are published under.
func normalize(marketID string) string {
	marketID = strings.TrimSpace(marketID)
	if marketID == "" || marketID == AllMarkets {
		return marketID
	}
	if !strings.HasPrefix(marketID, "0x") && !strings.HasPrefix(marketID, "0X") {
		marketID = model.MarketIDFromSlug(marketID).Hex()
	}
	return strings.ToLower(marketID)
}
