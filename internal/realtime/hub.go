// Package realtime streams milestone transitions to WebSocket clients.
//
// The hub is an events.Publisher, so it sees exactly the transitions that
// go to the broker: confirmed on chain and persisted. Clients narrow the
// stream with query parameters on connect and can replace their filter at
// any time by sending a Subscription as JSON.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/workescrow/internal/events"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// ErrBacklogged is returned by Publish when the broadcast buffer is full.
var ErrBacklogged = errors.New("realtime: broadcast buffer full")

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 5000

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 4 * 1024
)

// Message is the frame written to clients.
type Message struct {
	Type string            `json:"type"`
	Data events.Transition `json:"data"`
}

// Subscription filters the stream. Empty lists match everything; a
// transition must match every non-empty list.
type Subscription struct {
	MilestoneIDs []string `json:"milestoneIds,omitempty"`
	JobIDs       []string `json:"jobIds,omitempty"`
	Statuses     []string `json:"statuses,omitempty"`
}

// Matches reports whether t passes the filter.
func (s Subscription) Matches(t events.Transition) bool {
	return matchAny(s.MilestoneIDs, t.MilestoneID) &&
		matchAny(s.JobIDs, t.JobID) &&
		matchAny(s.Statuses, t.To)
}

func matchAny(want []string, got string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if w == got {
			return true
		}
	}
	return false
}

// subscriptionFromQuery reads comma-separated milestone, job and status
// query parameters.
func subscriptionFromQuery(c *gin.Context) Subscription {
	split := func(key string) []string {
		var out []string
		for _, v := range c.QueryArray(key) {
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
		}
		return out
	}
	return Subscription{
		MilestoneIDs: split("milestone"),
		JobIDs:       split("job"),
		Statuses:     split("status"),
	}
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// Hub fans transitions out to connected clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan events.Transition
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents atomic.Int64
	peakClients atomic.Int64
	droppedSlow atomic.Int64
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan events.Transition, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run owns the client set until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("transition stream started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends a close frame
				delete(h.clients, client)
			}
			h.mu.Unlock()
			streamClients.Set(0)
			h.logger.Info("transition stream stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			streamClients.Set(float64(n))
			h.logger.Debug("stream client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			streamClients.Set(float64(n))
			h.logger.Debug("stream client disconnected", "total", n)

		case t := <-h.broadcast:
			h.deliver(t)
		}
	}
}

func (h *Hub) deliver(t events.Transition) {
	h.totalEvents.Add(1)
	streamEvents.WithLabelValues(t.To).Inc()

	frame, err := json.Marshal(Message{Type: "transition", Data: t})
	if err != nil {
		h.logger.Error("failed to encode transition", "milestoneId", t.MilestoneID, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !client.subscription().Matches(t) {
			continue
		}
		select {
		case client.send <- frame:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			close(client.send)
			delete(h.clients, client)
			h.droppedSlow.Add(1)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	streamClients.Set(float64(n))
	h.logger.Warn("dropped slow stream clients", "count", len(slow))
}

// Publish queues t for delivery. It never blocks the caller.
func (h *Hub) Publish(_ context.Context, t events.Transition) error {
	select {
	case h.broadcast <- t:
		return nil
	default:
		return ErrBacklogged
	}
}

// Close is a no-op; the hub stops when the context passed to Run is done.
func (h *Hub) Close() error { return nil }

// Stats is a point-in-time view of the hub.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	PeakClients      int64 `json:"peakClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedSlow      int64 `json:"droppedSlow"`
}

// Stats returns hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: n,
		PeakClients:      h.peakClients.Load(),
		TotalEvents:      h.totalEvents.Load(),
		DroppedSlow:      h.droppedSlow.Load(),
	}
}

// RegisterRoutes mounts GET /stream.
func (h *Hub) RegisterRoutes(r gin.IRoutes) {
	r.GET("/stream", h.HandleWebSocket)
}

// HandleWebSocket upgrades the request and attaches a client.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down", "message": "Server is shutting down"})
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too_many_connections", "message": "Stream connection limit reached"})
		return
	}

	sub := subscriptionFromQuery(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
		sub:  sub,
	}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription updates and detects disconnects.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ events.Publisher = (*Hub)(nil)
