package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"lora-trainer/internal/interfaces"
	"lora-trainer/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// StatusEvent is pushed to websocket subscribers for every queue update
type StatusEvent struct {
	Type   string                 `json:"type"`
	JobID  string                 `json:"job_id"`
	Model  string                 `json:"model,omitempty"`
	Status interfaces.QueueStatus `json:"status"`
	Time   int64                  `json:"time"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID     string
	Conn   *websocket.Conn
	Send   chan []byte
	Hub    *StatusHub
	mu     sync.Mutex
	closed bool
}

// StatusHub fans queue status updates out to websocket clients
type StatusHub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan StatusEvent
	done       chan struct{}
	count      atomic.Int64
	metrics    *metrics.Metrics
	mu         sync.RWMutex
	log        *log.Entry
}

// NewStatusHub creates a hub. m may be nil.
func NewStatusHub(m *metrics.Metrics) *StatusHub {
	return &StatusHub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan StatusEvent, 256),
		done:       make(chan struct{}),
		metrics:    m,
		log:        log.WithField("component", "hub"),
	}
}

// Run starts the hub's event loop and returns when ctx is done
func (h *StatusHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

func (h *StatusHub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.ID] = client
	h.setCount(len(h.clients))
	h.log.WithFields(log.Fields{"client": client.ID, "total": len(h.clients)}).Debug("client connected")

	go client.writePump()
}

func (h *StatusHub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
		h.setCount(len(h.clients))
		h.log.WithFields(log.Fields{"client": client.ID, "total": len(h.clients)}).Debug("client disconnected")
	}
}

func (h *StatusHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, client := range h.clients {
		close(client.Send)
		delete(h.clients, id)
	}
	h.setCount(0)
}

func (h *StatusHub) broadcastEvent(event StatusEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.WithError(err).Warn("failed to marshal status event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.Send <- data:
		default:
			h.log.WithField("client", client.ID).Debug("client send buffer full")
		}
	}
}

// Broadcast queues event for all connected clients; it never blocks
func (h *StatusHub) Broadcast(event StatusEvent) {
	if event.Time == 0 {
		event.Time = time.Now().Unix()
	}
	select {
	case h.broadcast <- event:
	default:
		h.log.Debug("broadcast channel full, dropping status event")
	}
}

// ClientCount returns the number of connected clients
func (h *StatusHub) ClientCount() int {
	return int(h.count.Load())
}

func (h *StatusHub) setCount(n int) {
	h.count.Store(int64(n))
	h.metrics.SetSubscribers(int64(n))
}

// Serve upgrades the request and attaches the connection to the hub
func (h *StatusHub) Serve(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:   uuid.NewString(),
		Conn: conn,
		Send: make(chan []byte, 64),
		Hub:  h,
	}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return nil
	}

	welcome, _ := json.Marshal(map[string]interface{}{
		"type": "connected",
		"id":   client.ID,
		"time": time.Now().Unix(),
	})
	select {
	case client.Send <- welcome:
	default:
	}

	go client.readPump()
	return nil
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.mu.Lock()
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.mu.Unlock()
				return
			}
			err := c.Conn.WriteMessage(websocket.TextMessage, message)
			c.mu.Unlock()
			if err != nil {
				return
			}

		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.Conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Close closes the client connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	_ = c.Conn.Close()
}

// readPump drains the connection until the peer goes away
func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Close()
	}()

	c.Conn.SetReadLimit(512)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.log.WithError(err).WithField("client", c.ID).Debug("unexpected close")
			}
			return
		}
	}
}
