// Package eventstream pushes billing events to connected WebSocket clients
// the moment they are appended. The hub is registered as the event store's
// sink, so the super-admin console sees seat changes, rollovers, and
// payments live instead of polling the per-tenant event endpoint.
package eventstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/condohq/seatbill/internal/events"
	"github.com/condohq/seatbill/internal/metrics"
)

const (
	// MaxClients caps concurrent stream connections. The feed serves
	// operator consoles, not tenants, so the cap is modest.
	MaxClients = 1024

	clientBuffer   = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFilterBytes = 4 << 10 // inbound frames carry filter updates only
)

// Close codes that mean the peer left on purpose.
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
			// Non-browser clients send no Origin.
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// Subscription narrows what a client receives. A client starts with all
// events and can send an updated filter as a JSON text frame at any time.
type Subscription struct {
	AllEvents  bool     `json:"allEvents"`
	EventTypes []string `json:"eventTypes"` // e.g. "payment_confirmed"
	TenantIDs  []string `json:"tenantIds"`  // watch specific condominiums
}

// Client is one connected stream consumer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu  sync.RWMutex
	sub Subscription
}

// wants reports whether the client's current filter admits evt. An empty
// filter admits everything.
func (c *Client) wants(evt *events.Event) bool {
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()

	if sub.AllEvents {
		return true
	}
	if len(sub.EventTypes) > 0 && !slices.Contains(sub.EventTypes, evt.Type) {
		return false
	}
	if len(sub.TenantIDs) > 0 && !slices.Contains(sub.TenantIDs, evt.TenantID) {
		return false
	}
	return true
}

// Hub fans billing events out to every connected client. Connection
// add and remove go through the mutex; only the fan-out runs on the
// Run goroutine.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	stopped bool

	broadcast  chan *events.Event
	maxClients int
	logger     *slog.Logger
}

// NewHub creates the stream hub. Call Run to start delivery.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *events.Event, 256),
		maxClients: MaxClients,
		logger:     logger,
	}
}

// Run delivers queued events until ctx is cancelled, then closes every
// client connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("event stream hub started")
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("event stream hub stopped")
			return
		case evt := <-h.broadcast:
			h.fanOut(evt)
		}
	}
}

// Broadcast queues an event for all matching clients. It never blocks; the
// feed is best-effort and drops under backpressure. The signature matches
// the event store's sink, so the hub can be registered directly.
func (h *Hub) Broadcast(evt *events.Event) {
	select {
	case h.broadcast <- evt:
	default:
		h.logger.Warn("broadcast channel full, dropping event")
	}
}

// admit adds the client unless the hub is stopped or full.
func (h *Hub) admit(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || len(h.clients) >= h.maxClients {
		return false
	}
	h.clients[c] = true
	n := len(h.clients)
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("stream client connected", "total", n)
	return true
}

// drop removes the client and closes its send channel. Safe to call more
// than once for the same client.
func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("stream client disconnected", "total", n)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for c := range h.clients {
		close(c.send) // writePump answers with a close frame
		delete(h.clients, c)
	}
	metrics.ActiveWebSocketClients.Set(0)
}

// fanOut hands evt to every interested client. A client whose buffer is
// full is dropped rather than allowed to stall the feed.
func (h *Hub) fanOut(evt *events.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(evt) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow stream client")
		h.drop(c)
	}
}

// HandleWebSocket upgrades the request and starts the client's pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	full := h.stopped || len(h.clients) >= h.maxClients
	h.mu.RUnlock()
	if full {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientBuffer),
		sub:  Subscription{AllEvents: true},
	}
	if !h.admit(c) {
		// Lost the race with shutdown or a connection burst.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "stream unavailable"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump consumes filter updates until the peer goes away.
func (c *Client) readPump() {
	defer func() {
		c.hub.drop(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFilterBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(frame, &sub); err != nil {
			continue // not a filter update, ignore
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

// writePump moves queued payloads onto the wire and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
