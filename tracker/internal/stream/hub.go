// Package stream pushes engine events to dashboard clients over websockets.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/pilot-net/geotrack/tracker/internal/events"
)

const defaultClientBuffer = 256

// Hub maintains the set of active clients and broadcasts events to them.
type Hub struct {
	upgrader     websocket.Upgrader
	clientBuffer int
	logger       *slog.Logger

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub creates a hub. allowedOrigin "*" or "" accepts any origin.
func NewHub(clientBuffer int, allowedOrigin string, logger *slog.Logger) *Hub {
	if clientBuffer <= 0 {
		clientBuffer = defaultClientBuffer
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" || allowedOrigin == "*" {
					return true
				}
				return r.Header.Get("Origin") == allowedOrigin
			},
		},
		clientBuffer: clientBuffer,
		logger:       logger.With("component", "stream"),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		done:         make(chan struct{}),
		clients:      make(map[*Client]bool),
	}
}

// Run fans events from bus out to clients until ctx is cancelled or the bus
// closes. All clients are disconnected on return. Run must be called once.
func (h *Hub) Run(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe("websocket-hub", h.clientBuffer)
	defer sub.Unsubscribe()
	defer close(h.done)
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Debug("client connected", "remote", c.conn.RemoteAddr())

		case c := <-h.unregister:
			h.remove(c)

		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev events.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event for broadcast", "event", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// Slow client: drop it rather than stall the hub.
			h.logger.Warn("client send buffer full, disconnecting", "remote", c.conn.RemoteAddr())
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Debug("client disconnected", "remote", c.conn.RemoteAddr())
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

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{hub: h, conn: conn, send: make(chan []byte, h.clientBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
