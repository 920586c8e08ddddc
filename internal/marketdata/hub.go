package marketdata

import (
	"MemePerp/internal/observability"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type HubConfig struct {
	SendBuffer   int
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

func (c *HubConfig) defaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = 2 * c.PingInterval
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
}

// Hub fans messages out to WebSocket clients by topic. A client whose send
// buffer is full is dropped rather than slowing the others down.
type Hub struct {
	cfg      HubConfig
	upgrader websocket.Upgrader
	metrics  *observability.Metrics
	log      zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(cfg HubConfig, metrics *observability.Metrics, logger zerolog.Logger) *Hub {
	cfg.defaults()
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		metrics: metrics,
		log:     logger,
		clients: make(map[*client]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
	h.setClientGauge(0)
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request. Topics listed in the "topics" query
// parameter (comma separated) are subscribed immediately.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendBuffer),
		topics: make(map[string]bool),
	}
	for _, t := range strings.Split(r.URL.Query().Get("topics"), ",") {
		if t = strings.TrimSpace(t); ValidTopic(t) {
			c.topics[t] = true
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.setClientGauge(n)

	c.reply(newMessage("connected", "", map[string]any{"topics": c.topicList()}, time.Now()))

	go c.writePump()
	go c.readPump()
}

// Broadcast delivers msg to every client subscribed to its topic.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("topic", msg.Topic).Msg("marshal push message")
		return
	}

	var slow []*client
	sent := 0
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscribed(msg.Topic) {
			continue
		}
		if c.trySend(data) {
			sent++
		} else {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if h.metrics != nil && sent > 0 {
		h.metrics.WSMessagesSent.WithLabelValues(msg.Type).Add(float64(sent))
	}
	for _, c := range slow {
		h.log.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("dropping slow websocket client")
		if h.metrics != nil {
			h.metrics.WSClientsDropped.Inc()
		}
		h.remove(c)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	if ok {
		h.setClientGauge(n)
	}
}

func (h *Hub) setClientGauge(n int) {
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(n))
	}
}

// --- client ---

type client struct {
	hub  *Hub
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	topics map[string]bool
	done   bool
}

// controlMessage is what clients send: {"op":"subscribe","topics":["trade"]}.
type controlMessage struct {
	Op     string   `json:"op"`
	Topics []string `json:"topics"`
}

func (c *client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

func (c *client) topicList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

// trySend queues data without blocking. False means the buffer is full.
func (c *client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) reply(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		c.done = true
		close(c.send)
	}
}

func (c *client) readPump() {
	defer c.hub.remove(c)

	cfg := c.hub.cfg
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ctl controlMessage
		if err := json.Unmarshal(data, &ctl); err != nil {
			c.reply(newMessage("error", "", "invalid control message", time.Now()))
			continue
		}
		c.handle(ctl)
	}
}

func (c *client) handle(ctl controlMessage) {
	now := time.Now()
	for _, t := range ctl.Topics {
		if !ValidTopic(t) {
			c.reply(newMessage("error", t, "unknown topic", now))
			continue
		}
		c.mu.Lock()
		switch ctl.Op {
		case "subscribe":
			c.topics[t] = true
		case "unsubscribe":
			delete(c.topics, t)
		}
		c.mu.Unlock()

		switch ctl.Op {
		case "subscribe":
			c.reply(newMessage("subscribed", t, nil, now))
		case "unsubscribe":
			c.reply(newMessage("unsubscribed", t, nil, now))
		default:
			c.reply(newMessage("error", t, "unknown op "+ctl.Op, now))
		}
	}
}

func (c *client) writePump() {
	cfg := c.hub.cfg
	ping := time.NewTicker(cfg.PingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.remove(c)
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.remove(c)
				return
			}
		}
	}
}
