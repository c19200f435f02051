// Package stream implements the real-time WebSocket fan-out: per-client
// subscription sets over named channels, post-commit event delivery,
// heartbeat supervision, a connection cap and per-client backpressure.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
)

// Channels clients may subscribe to. None are public: every subscription
// requires a prior authenticate message.
var knownChannels = map[string]bool{
	"logs":     true,
	"alerts":   true,
	"metrics":  true,
	"sessions": true,
}

const (
	// maxClients caps concurrent connections; the oldest client is
	// terminated on overflow.
	maxClients = 500

	// pingInterval is the transport heartbeat period.
	pingInterval = 30 * time.Second

	// deadAfter terminates a client that hasn't answered within it.
	deadAfter = 35 * time.Second

	writeTimeout = 10 * time.Second
)

// TokenVerifier authenticates client-supplied tokens. Implemented by the
// auth service.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (username string, role models.Role, err error)
}

// Message is the wire envelope for server-to-client events.
type Message struct {
	Event     string    `json:"event"`
	Channel   string    `json:"channel,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// clientMessage is the client-to-server envelope.
type clientMessage struct {
	Event    string   `json:"event"`
	Token    string   `json:"token,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

// Hub owns the client set and fans out published events.
type Hub struct {
	verifier TokenVerifier
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	clients map[string]*Client // id → client
	byAge   []string           // connection order, for cap eviction

	upgrader websocket.Upgrader
	closed   bool
}

// NewHub creates the hub.
func NewHub(verifier TokenVerifier, m *metrics.Metrics) *Hub {
	return &Hub{
		verifier: verifier,
		metrics:  m,
		clients:  make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The API serves browsers on arbitrary origins; auth happens
			// in-band via the authenticate message.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades the request and runs the connection until it closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn)
	if !h.register(c) {
		_ = conn.Close()
		return
	}

	c.send(Message{Event: "connected", Data: map[string]string{"clientId": c.id}, Timestamp: time.Now().UTC()})

	go c.writePump()
	c.readPump(r.Context())
}

// register adds a client, evicting the oldest when at capacity.
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}

	for len(h.clients) >= maxClients {
		// Evict the oldest still-connected client.
		oldestID := h.byAge[0]
		h.byAge = h.byAge[1:]
		oldest, ok := h.clients[oldestID]
		if !ok {
			continue
		}
		delete(h.clients, oldestID)
		h.metrics.StreamEvicted.Inc()
		go oldest.terminate("connection cap reached")
	}

	h.clients[c.id] = c
	h.byAge = append(h.byAge, c.id)
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.StreamClients.Set(float64(n))
	slog.Info("Stream client connected", "client_id", c.id, "clients", n)
	return true
}

// unregister removes a client after its read loop exits.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	for i, id := range h.byAge {
		if id == c.id {
			h.byAge = append(h.byAge[:i], h.byAge[i+1:]...)
			break
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.StreamClients.Set(float64(n))
	slog.Info("Stream client disconnected", "client_id", c.id, "clients", n)
}

// Publish fans one event out to every client subscribed to channel.
// Events enqueue in call order per client, so per-channel ordering follows
// pipeline order.
func (h *Hub) Publish(channel, event string, data any) {
	msg := Message{Event: event, Channel: channel, Data: data, Timestamp: time.Now().UTC()}
	blob, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Stream payload marshal failed", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.subscribed(channel) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(blob)
	}
}

// PublishLogs is the batch writer's post-commit hook.
func (h *Hub) PublishLogs(events []*models.LogEvent) {
	for _, ev := range events {
		h.Publish("logs", "logs", ev)
	}
}

// ClientCount returns current connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown notifies all clients and closes their connections.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.byAge = nil
	h.mu.Unlock()

	for _, c := range clients {
		c.send(Message{Event: "server_shutdown", Timestamp: time.Now().UTC()})
		c.close()
	}
	h.metrics.StreamClients.Set(0)
	slog.Info("Stream hub shut down", "notified", len(clients))
}

func newClientID() string { return uuid.New().String() }
