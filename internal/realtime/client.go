package realtime

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	// A write that does not complete within this window closes the
	// connection — the per-send timeout that keeps a stalled client from
	// blocking the write pump.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong (or any inbound
	// frame) after sending a ping before treating the peer as gone.
	pongWait = 60 * time.Second

	// pingPeriod is how often the server pings the client. Must be less
	// than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the largest inbound frame accepted from a client.
	// Control messages are tiny; anything larger is misbehavior.
	maxMessageSize = 4096

	// defaultSendBuffer is the minimum capacity of the per-client outbound
	// channel. The hub raises it above the offline backlog cap so a full
	// connect-time drain fits before the write pump starts moving frames.
	// When the buffer fills, the dispatcher treats the client as dead and
	// disconnects it.
	defaultSendBuffer = 256
)

// upgrader performs the HTTP → WebSocket protocol upgrade. CheckOrigin
// always returns true — origin validation is the reverse proxy's job in
// production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is the session protocol handler for one WebSocket peer. Each
// client runs two goroutines: readPump (control messages, pong frames,
// disconnect detection) and writePump (the only goroutine writing to the
// wire — gorilla connections are not safe for concurrent writes).
//
// Lifecycle: NewClient completes the handshake (CONNECTING); Run registers
// with the hub, drains the owner's offline backlog, emits the connected
// confirmation, and serves until the connection dies (CONNECTED); teardown
// runs exactly once through Registry.Disconnect regardless of whether the
// client closed, a write failed, or the heartbeat sweep fired.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	id       uuid.UUID
	identity Identity

	// send hands frames from publishers to the write pump. Closed by the
	// registry (via Close) when the client is removed.
	send chan Frame

	// mu guards closed so Enqueue never races a send onto a closed channel.
	mu     sync.Mutex
	closed bool

	logger *zap.Logger
}

// NewClient upgrades the HTTP connection and returns a Client ready to Run.
// identity must already be resolved by the caller; channels is the initial
// subscription request (the default channel is added automatically).
//
// Returns an error if the upgrade fails; the upgrader has then already
// written the error response.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, identity Identity, channels []Channel, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		hub:      hub,
		conn:     conn,
		identity: identity,
		send:     make(chan Frame, hub.SendBuffer()),
		logger:   logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}
	c.register(channels)
	return c, nil
}

// register enters the connection into the registry, drains the owner's
// offline backlog into the send buffer, and queues the connected
// confirmation. Ordering matters: the confirmation precedes the backlog,
// and the drain happens before Run starts the pumps, so a reconnecting
// client sees `connected` followed by its missed messages in FIFO order
// before any live traffic.
func (c *Client) register(channels []Channel) {
	id, resolved := c.hub.Registry().Connect(c, c.identity, channels)
	c.id = id
	c.logger = c.logger.With(zap.String("connection_id", id.String()))

	// Enqueue (not a bare channel send) so a racing disconnect — shutdown,
	// heartbeat sweep — cannot panic on a closed channel. The buffer is
	// fresh and sized above the backlog cap, so nothing here is refused.
	c.Enqueue(NewFrame(EventConnected, map[string]any{
		"connection_id": id.String(),
		"channels":      resolved,
	}))

	backlog := c.hub.Queue().Drain(c.identity.UserID)
	for _, msg := range backlog {
		c.Enqueue(Frame{Event: msg.Event, Data: msg.Payload, Timestamp: msg.CreatedAt})
	}
	if len(backlog) > 0 {
		c.logger.Info("drained offline backlog",
			zap.String("user_id", c.identity.UserID),
			zap.Int("messages", len(backlog)),
		)
	}
}

// ID returns the connection id assigned at registration.
func (c *Client) ID() uuid.UUID { return c.id }

// Enqueue implements Sender. It never blocks: false means the buffer is
// full or the client is closed, and the caller disconnects this client.
func (c *Client) Enqueue(f Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// Close implements Sender. Idempotent; closing the send channel makes the
// write pump emit a close frame and exit.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Run serves the connection until it dies. It blocks — WebSocket handlers
// are expected to block for the life of the connection.
func (c *Client) Run() {
	go c.writePump()
	c.readPump()
}

// controlMessage is the shape of inbound client frames.
type controlMessage struct {
	Event string `json:"event"`
	Data  struct {
		Channels []string `json:"channels"`
	} `json:"data"`
}

// readPump consumes inbound frames: subscribe/unsubscribe/ping control
// messages and transport pongs. Malformed input earns that one connection
// an error event and never affects its existing state; a read error of any
// kind tears the session down.
func (c *Client) readPump() {
	defer func() {
		c.hub.Registry().Disconnect(c.id)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		// A pong is a heartbeat: refresh both the registry timestamp used
		// by the background sweep and the transport read deadline.
		c.hub.Registry().Touch(c.id)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
		// Any inbound frame proves liveness, not just transport pongs —
		// some client stacks never surface ping frames and heartbeat via
		// the ping control message instead.
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("ws: failed to reset read deadline", zap.Error(err))
			return
		}
		c.handleControl(raw)
	}
}

// handleControl dispatches one inbound control message.
func (c *Client) handleControl(raw []byte) {
	var msg controlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("malformed control message: " + err.Error())
		return
	}

	switch msg.Event {
	case controlSubscribe:
		channels, errMsg := validateChannels(msg.Data.Channels)
		if errMsg != "" {
			c.sendError(errMsg)
			return
		}
		if after := c.hub.Registry().Subscribe(c.id, channels); after != nil {
			c.Enqueue(NewFrame(EventSubscribed, map[string]any{"channels": after}))
		}

	case controlUnsubscribe:
		channels, errMsg := validateChannels(msg.Data.Channels)
		if errMsg != "" {
			c.sendError(errMsg)
			return
		}
		if after := c.hub.Registry().Unsubscribe(c.id, channels); after != nil {
			c.Enqueue(NewFrame(EventUnsubscribed, map[string]any{"channels": after}))
		}

	case controlPing:
		// Explicit application-level heartbeat for clients whose WebSocket
		// stack does not surface transport ping frames.
		c.hub.Registry().Touch(c.id)
		c.Enqueue(NewFrame(EventPong, map[string]any{}))

	default:
		c.sendError("unknown event: " + msg.Event)
	}
}

// validateChannels rejects empty requests and blank channel names.
// Returns the parsed channels and an empty message, or an error message.
func validateChannels(names []string) ([]Channel, string) {
	if len(names) == 0 {
		return nil, "channels must be a non-empty array of strings"
	}
	channels := make([]Channel, 0, len(names))
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			return nil, "channel names must be non-empty strings"
		}
		channels = append(channels, Channel(name))
	}
	return channels, ""
}

// sendError reports a rejected control message back to this one connection.
func (c *Client) sendError(message string) {
	c.Enqueue(NewFrame(EventError, map[string]any{"message": message}))
}

// writePump moves frames from the send channel to the wire and pings the
// peer every pingPeriod. It is the only writer on conn. A closed send
// channel (registry removal) produces a close frame; any write error exits,
// which in turn fails readPump and completes teardown.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ws: ping error", zap.Error(err))
				return
			}
		}
	}
}
