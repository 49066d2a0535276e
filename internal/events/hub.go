package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loykin/enginectl/internal/metrics"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	// must be less than pongWait
	pingPeriod  = (pongWait * 9) / 10
	sendBufSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the control API listens on loopback only
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub relays bus events to connected WebSocket clients.
type Hub struct {
	bus *Bus
	log *slog.Logger

	// Greeting, when set, returns events sent to each client right after
	// it connects (e.g. the current status).
	Greeting func() []Event

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(bus *Bus, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{bus: bus, log: log, clients: make(map[*client]struct{})}
}

// Run forwards bus events until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	sub := h.bus.Subscribe(256)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev, ok := <-sub.C:
			if !ok {
				h.closeAll()
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Warn("encode event failed", "event", ev.Topic, "error", err)
				continue
			}
			h.broadcast(data)
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBufSize)}
	if h.Greeting != nil {
		for _, ev := range h.Greeting() {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			select {
			case c.send <- data:
			default:
			}
		}
	}
	h.register(c)
	defer h.unregister(c)

	go c.writePump()
	c.readPump()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast(data []byte) {
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	// a client that cannot keep up is disconnected
	for _, c := range slow {
		metrics.IncClientDropped()
		h.unregister(c)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only handles control frames and detects disconnects.
func (c *client) readPump() {
	defer func() { _ = c.conn.Close() }()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
