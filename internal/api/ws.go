package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is same-host for the dashboard; cross-origin reads are
	// harmless for a read-only event feed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	channels map[string]bool // empty set means all channels
}

func (c *client) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return true
	}
	return c.channels[channel]
}

// replaceChannels swaps the subscription set wholesale.
func (c *client) replaceChannels(channels []string) {
	set := make(map[string]bool, len(channels))
	for _, ch := range channels {
		if ch = strings.TrimSpace(ch); ch != "" {
			set[ch] = true
		}
	}
	c.mu.Lock()
	c.channels = set
	c.mu.Unlock()
}

// clearChannels drops every subscription, which means the client
// receives all channels again.
func (c *client) clearChannels() {
	c.mu.Lock()
	c.channels = nil
	c.mu.Unlock()
}

// Hub fans engine events out to WebSocket clients. Clients that stop
// reading are evicted, never waited on.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	log     *logrus.Logger
}

// NewHub returns an empty hub.
func NewHub(log *logrus.Logger) *Hub {
	return &Hub{clients: make(map[*client]struct{}), log: log}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends one event to every client subscribed to its channel.
func (h *Hub) Broadcast(channel string, data map[string]any) {
	payload, err := json.Marshal(map[string]any{
		"channel": channel,
		"data":    sanitize(data),
	})
	if err != nil {
		h.log.WithError(err).Error("event marshal failed")
		return
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.subscribed(channel) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			// Slow consumer; drop it.
			h.remove(c)
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// HandleWS upgrades the connection and runs the read/write pumps. An
// optional comma-separated "channels" query parameter seeds the
// subscription set; without it the client receives every channel.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if param := r.URL.Query().Get("channels"); param != "" {
		c.replaceChannels(strings.Split(param, ","))
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.WithField("clients", h.ClientCount()).Debug("websocket client connected")

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		// Bare-text keepalive, checked before any JSON decoding.
		if strings.EqualFold(strings.TrimSpace(string(raw)), "ping") {
			h.reply(c, map[string]any{"type": "pong"})
			continue
		}

		var frame map[string]json.RawMessage
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.reply(c, map[string]any{"type": "error", "error": "unparseable frame"})
			continue
		}

		if rawList, ok := frame["subscribe"]; ok {
			var channels []string
			if err := json.Unmarshal(rawList, &channels); err != nil {
				h.reply(c, map[string]any{"type": "error", "error": "subscribe wants a list of channels"})
				continue
			}
			c.replaceChannels(channels)
			h.reply(c, map[string]any{"type": "subscribed", "channels": channels})
			continue
		}
		if _, ok := frame["unsubscribe"]; ok {
			c.clearChannels()
			h.reply(c, map[string]any{"type": "unsubscribed"})
			continue
		}
		// Other well-formed frames are ignored.
	}
}

func (h *Hub) reply(c *client, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
