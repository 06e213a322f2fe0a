package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Sender fans messages out to connections. Satisfied by *Hub; tests substitute
// recorders.
type Sender interface {
	Broadcast(msg Message)
	SendTo(connID string, msg Message) bool
}

// EventPublisher publishes broadcast events to peer instances (Redis pub/sub).
type EventPublisher interface {
	PublishStreamEvent(op string, payload []byte) error
}

// Hub owns the connection table: connID -> client. Session records reference
// connections by id only, so the registry and the transport layer never hold
// each other.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	pub     EventPublisher
	logger  *zap.Logger
}

// NewHub creates a connection hub. pub may be nil for single-instance deployments.
func NewHub(logger *zap.Logger, pub EventPublisher) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		pub:     pub,
		logger:  logger,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.connID] = c
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("connection registered", zap.String("conn_id", c.connID), zap.Int("total", total))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.connID)
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("connection unregistered", zap.String("conn_id", c.connID), zap.Int("total", total))
}

// Broadcast sends a message to every open connection. Clients with a full send
// buffer are skipped so one slow socket cannot stall the caller's tick.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.enqueue(msg) {
			h.logger.Warn("send buffer full, dropping broadcast message", zap.String("conn_id", c.connID))
		}
	}
}

// SendTo sends a message to a single connection. Returns false when the
// connection is gone or its buffer is full; both are non-fatal.
func (h *Hub) SendTo(connID string, msg Message) bool {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.enqueue(msg)
}

// ConnectionCount returns the number of open connections (handshaken or not).
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastAndPublish sends to local connections and publishes the envelope for
// peer instances to rebroadcast.
func (h *Hub) BroadcastAndPublish(msg Message) {
	h.Broadcast(msg)
	if h.pub == nil {
		return
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := h.pub.PublishStreamEvent(msg.Op, raw); err != nil {
		h.logger.Warn("publish stream event", zap.String("op", msg.Op), zap.Error(err))
	}
}
