package executor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	// If the write does not complete within this window the connection is
	// closed so a stalled executor cannot block the writePump.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after sending
	// a ping. The connection is closed if no pong arrives in time.
	pongWait = 60 * time.Second

	// pingPeriod is how often the server sends a ping frame to the executor.
	// Must be less than pongWait so the executor has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum frame size accepted from an executor.
	// Responses carry whole model answers and base64 upload results, so the
	// limit is generous.
	maxMessageSize = 64 << 20

	// sendBufferSize is the capacity of the per-executor command channel.
	// A full buffer fails the Send instead of blocking the dispatcher.
	sendBufferSize = 64
)

// upgrader performs the protocol upgrade. CheckOrigin always returns true:
// executors connect from browser-extension and local-page origins that
// cannot be enumerated up front.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one connected executor. Each client runs two goroutines:
// readPump (parses response envelopes, detects disconnection) and writePump
// (serialises outgoing commands onto the wire).
//
// The send channel is the handoff point between Send calls and the
// writePump. Close closes it exactly once, which makes writePump emit a
// close frame and exit.
type Client struct {
	registry *Registry
	conn     *websocket.Conn
	id       string

	send chan Command

	mu     sync.Mutex
	closed bool

	connectedAt time.Time
	logger      *zap.Logger
}

// NewClient upgrades the HTTP connection and wraps it as an executor client.
// The id comes from the connect path and identifies the executor across
// reconnects.
func NewClient(registry *Registry, w http.ResponseWriter, r *http.Request, id string, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		registry:    registry,
		conn:        conn,
		id:          id,
		send:        make(chan Command, sendBufferSize),
		connectedAt: time.Now().UTC(),
		logger: logger.With(
			zap.String("executor_id", id),
			zap.String("remote_addr", r.RemoteAddr),
		),
	}, nil
}

// ID returns the executor id supplied at connect time.
func (c *Client) ID() string { return c.id }

// ConnectedAt returns when the current connection was established.
func (c *Client) ConnectedAt() time.Time { return c.connectedAt }

// Run registers the client and starts the pumps. It blocks until the
// connection closes, which suits the HTTP handler that has already finished
// the upgrade.
func (c *Client) Run() {
	c.registry.Register(c)

	go c.writePump()
	c.readPump()
}

// Send queues a command for the wire. It never blocks: a closed client or a
// full buffer fail immediately so the dispatcher can report the executor as
// unusable.
func (c *Client) Send(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrExecutorGone
	}
	select {
	case c.send <- cmd:
		return nil
	default:
		return fmt.Errorf("%w: command buffer full", ErrExecutorGone)
	}
}

// Close shuts the outbound channel, which terminates writePump with a close
// frame. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump parses incoming response envelopes and hands them to the
// registry's message handler. When the loop exits the client is
// deregistered so its in-flight requests fail over.
func (c *Client) readPump() {
	defer func() {
		c.registry.Deregister(c)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}

	c.conn.SetPongHandler(func(string) error {
		// Reset the deadline each time a pong arrives so the connection
		// stays alive as long as the executor is responsive.
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
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

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			// A malformed frame is the executor's bug, not a reason to
			// drop the connection.
			c.logger.Warn("ws: unparseable response envelope",
				zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}
		if resp.ID == "" {
			c.logger.Warn("ws: response envelope without id")
			continue
		}
		c.registry.deliver(c.id, resp)
	}
}

// writePump forwards commands from the send channel to the wire and sends
// periodic ping frames so readPump can detect stale connections.
//
// writePump is the only goroutine that writes to conn; gorilla/websocket
// connections are not safe for concurrent writes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case cmd, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}

			if !ok {
				// Close was called: send a close frame and exit.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(cmd); err != nil {
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
