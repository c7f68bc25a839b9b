package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Notification is pushed to websocket clients.
type Notification struct {
	Type    string    `json:"type"`
	Version uint64    `json:"version,omitempty"`
	Lines   int       `json:"lines,omitempty"`
	Anchor  string    `json:"anchor,omitempty"`
	Name    string    `json:"name,omitempty"`
	Time    time.Time `json:"time"`
}

// Notification types.
const (
	NoteRendered = "rendered"
	NoteImage    = "image"
	NoteExported = "exported"
)

// Hub fans render notifications out to websocket clients. One goroutine owns
// the client set.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	count      atomic.Int64
	log        *slog.Logger
}

// NewHub returns a hub; call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 32),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        logger,
	}
}

// Run serves the hub until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int64(len(h.clients)))
			h.log.Debug("websocket client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.count.Store(int64(len(h.clients)))
				h.log.Debug("websocket client disconnected", "clients", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
			h.count.Store(int64(len(h.clients)))

		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.count.Store(0)
			return
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int { return int(h.count.Load()) }

// Publish queues n for every client. It never blocks; notifications are
// dropped while the queue is full.
func (h *Hub) Publish(n Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	data, err := json.Marshal(n)
	if err != nil {
		h.log.Error("failed to encode notification", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("notification queue full, dropping", "type", n.Type)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and registers the connection. Incoming
// messages are read and discarded until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
