package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	readLimit    = 65536
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	sendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // anonymous viewers; origin is not a trust boundary here
	},
}

// connState is the per-connection protocol state.
type connState int

const (
	statePending connState = iota // open, no session yet
	stateActive                   // handshake done, session established
	stateClosed                   // terminal
)

// Client drives the protocol state machine for one viewer connection. It is
// the only place inbound messages are parsed.
type Client struct {
	connID    string
	conn      *websocket.Conn
	send      chan Message
	hub       *Hub
	registry  *Registry
	cache     *StateCache
	clock     clockwork.Clock
	logger    *zap.Logger
	state     connState
	sessionID string
	done      chan struct{}
}

// ServeWs upgrades the request and runs the connection until it closes.
func ServeWs(hub *Hub, registry *Registry, cache *StateCache, clock clockwork.Clock, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			connID:   uuid.New().String(),
			conn:     conn,
			send:     make(chan Message, sendBuffer),
			hub:      hub,
			registry: registry,
			cache:    cache,
			clock:    clock,
			logger:   logger,
			state:    statePending,
			done:     make(chan struct{}),
		}
		hub.register(client)
		go client.writePump()
		client.readPump()
	}
}

// enqueue offers a message to the connection's send buffer without blocking.
func (c *Client) enqueue(msg Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			// malformed frame: ignore, keep the connection
			continue
		}

		switch msg.Op {
		case OpHandshake:
			c.handleHandshake(msg)
		case OpPing:
			c.handlePing(msg)
		default:
			// unknown ops are ignored for forward compatibility
		}
	}
}

// handleHandshake allocates a session and replies with its id followed by the
// current broadcast snapshot (null when nothing is live). A second HANDSHAKE on
// an already-active connection re-issues: the old session is evicted first so
// one socket never counts as two viewers.
func (c *Client) handleHandshake(msg Message) {
	if c.state == stateClosed {
		return
	}
	if c.state == stateActive && c.sessionID != "" {
		if _, ok := c.registry.Evict(c.sessionID); ok {
			c.logger.Debug("handshake re-issued, previous session evicted",
				zap.String("conn_id", c.connID), zap.String("session_id", c.sessionID))
		}
	}

	session := c.registry.Create(c.connID)
	c.sessionID = session.ID
	c.state = stateActive

	c.enqueue(Message{Op: OpHandshake, D: mustJSON(SessionRef{Session: session.ID}), T: msg.T})
	c.enqueue(NewMessage(OpHello, liveSnapshot(c.cache, c.registry), c.clock.Now()))
}

// handlePing refreshes the carried session. An unknown id (evicted, expired,
// or from before a restart) gets a RE_HANDSHAKE instead of a PONG; the
// connection stays open.
func (c *Client) handlePing(msg Message) {
	var ref SessionRef
	if err := json.Unmarshal(msg.D, &ref); err != nil || ref.Session == "" {
		return
	}

	session, ok := c.registry.Refresh(ref.Session, c.connID)
	if !ok {
		c.logger.Debug("ping for unknown session", zap.String("session_id", ref.Session))
		c.enqueue(Message{Op: OpReHandshake, D: mustJSON(ReHandshakePayload{Message: "Session not found"}), T: msg.T})
		return
	}
	c.sessionID = session.ID
	c.enqueue(NewMessage(OpPong, session, c.clock.Now()))
}

// close tears the connection down: evict the session if one exists, leave the
// hub, close the socket. Safe to race with sweeper eviction; Evict is atomic,
// so only one side sees the session.
func (c *Client) close() {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	if c.sessionID != "" {
		c.registry.Evict(c.sessionID)
	}
	c.hub.unregister(c)
	close(c.done)
	_ = c.conn.Close()
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug("write failed", zap.String("conn_id", c.connID), zap.Error(err))
				return
			}
		case <-c.done:
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
