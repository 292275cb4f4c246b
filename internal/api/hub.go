package api

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"perf-analytics/internal/analytics"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
	maxReadSize  = 512
)

// Message types on the event stream.
const (
	MessageConnected = "connected"
	MessageEvent     = "event"
)

// Message is one frame of the event stream.
type Message struct {
	Type      string           `json:"type"`
	ClientID  string           `json:"clientId,omitempty"`
	Event     *analytics.Event `json:"event,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type client struct {
	id    string
	conn  *websocket.Conn
	send  chan Message
	kinds map[analytics.EventKind]bool // empty means every kind

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, kinds string) *client {
	c := &client{
		id:    uuid.New().String(),
		conn:  conn,
		send:  make(chan Message, sendBuffer),
		kinds: make(map[analytics.EventKind]bool),
	}
	for _, k := range strings.Split(kinds, ",") {
		if k = strings.TrimSpace(k); k != "" {
			c.kinds[analytics.EventKind(k)] = true
		}
	}
	return c
}

func (c *client) wants(kind analytics.EventKind) bool {
	return len(c.kinds) == 0 || c.kinds[kind]
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Hub fans engine events out to the websocket clients. Slow clients whose
// buffer is full are dropped.
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*client]bool

	register   chan *client
	unregister chan *client
	broadcast  chan Message

	onCount func(int)
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Message, 256),
		onCount:    func(int) {},
	}
}

// Run dispatches registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for c := range h.clients {
			c.close()
			_ = c.conn.Close()
		}
		h.clients = make(map[*client]bool)
		h.mu.Unlock()
		h.onCount(0)
	}()

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.onCount(count)

			h.logger.Debug("event stream client registered", zap.String("client", c.id), zap.Int("clients", count))
			c.send <- Message{Type: MessageConnected, ClientID: c.id, Timestamp: time.Now().UTC()}

		case c := <-h.unregister:
			h.remove(c)

		case msg := <-h.broadcast:
			var slow []*client
			h.mu.RLock()
			for c := range h.clients {
				if msg.Event != nil && !c.wants(msg.Event.Kind) {
					continue
				}
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()

			for _, c := range slow {
				h.logger.Warn("event stream client too slow, dropping", zap.String("client", c.id))
				h.remove(c)
			}

		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.close()
		h.onCount(count)
		h.logger.Debug("event stream client removed", zap.String("client", c.id), zap.Int("clients", count))
	}
}

// Broadcast queues ev for every interested client. It never blocks; events
// are dropped when the hub is backed up.
func (h *Hub) Broadcast(ev analytics.Event) {
	select {
	case h.broadcast <- Message{Type: MessageEvent, Event: &ev, Timestamp: ev.Timestamp}:
	default:
		h.logger.Warn("broadcast channel full, dropping event", zap.String("event", string(ev.Kind)))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// serve registers c and runs its pumps until the connection ends.
func (h *Hub) serve(ctx context.Context, c *client) {
	select {
	case h.register <- c:
	case <-ctx.Done():
		_ = c.conn.Close()
		return
	}

	go h.writePump(ctx, c)
	h.readPump(ctx, c)
}

func (h *Hub) writePump(ctx context.Context, c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				h.logger.Debug("event stream write failed", zap.String("client", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// readPump only drains control frames; clients do not send commands.
func (h *Hub) readPump(ctx context.Context, c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-ctx.Done():
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxReadSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("event stream read failed", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
	}
}
