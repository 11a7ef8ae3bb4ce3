package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tvgrid/pairgate/internal/session"
	"github.com/tvgrid/pairgate/pkg/protocol"
)

// maxWSMessageSize is the maximum allowed WebSocket message size. Pairing
// frames are tiny; anything larger is a misbehaving client.
// Gorilla/websocket closes the connection with ErrReadLimit if exceeded.
const maxWSMessageSize = 8 * 1024

const writeWait = 10 * time.Second

// outbound is one queued write: either a data frame or a close frame.
// Using one queue keeps ordering: a close enqueued after a delivery can
// never overtake it.
type outbound struct {
	data  []byte
	close *protocol.CloseReason
}

// Client is a single device WebSocket connection. It owns the read and
// write pumps and implements session.Transport for its session.
type Client struct {
	id       string
	identity string
	conn     *websocket.Conn
	server   *Server
	sess     *session.Session
	send     chan outbound

	readTimeout  time.Duration
	pingInterval time.Duration

	closeOnce sync.Once
	authed    bool // an accepted pair.auth was seen
	mu        sync.Mutex

	// releaseAdmission frees the admission lease taken at auth. Set by
	// the server after a successful admit; idempotent. It fires when the
	// session parks (a parked session holds a socket, not admission
	// capacity) and again unconditionally when the connection ends.
	releaseAdmission func()
}

func newClient(conn *websocket.Conn, server *Server, identity string) *Client {
	return &Client{
		id:           uuid.NewString(),
		identity:     identity,
		conn:         conn,
		server:       server,
		send:         make(chan outbound, 64),
		readTimeout:  server.sessCfg.InactivityTimeout,
		pingInterval: server.sessCfg.PingInterval,
	}
}

// run starts the write pump and blocks on the read pump. cancel is
// invoked when the read pump exits so the session observes the
// disconnect.
func (c *Client) run(ctx context.Context, cancel context.CancelFunc) {
	go c.writePump()
	c.readPump(ctx)
	cancel()
}

func (c *Client) readPump(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxWSMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		c.sess.Touch()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read ended", "client", c.id, "error", err)
			}
			return
		}

		// Reset read deadline on activity
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		c.sess.Touch()

		c.handleFrame(ctx, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if msg.close != nil {
				payload := websocket.FormatCloseMessage(msg.close.Code, msg.close.Text())
				c.conn.WriteMessage(websocket.CloseMessage, payload)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame parses and dispatches a single frame.
func (c *Client) handleFrame(ctx context.Context, data []byte) {
	frameType, err := protocol.ParseFrameType(data)
	if err != nil {
		c.sendError("", protocol.ErrInvalidRequest, "invalid frame: "+err.Error())
		return
	}

	switch frameType {
	case protocol.FrameTypeRequest:
		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendError("", protocol.ErrInvalidRequest, "malformed request: "+err.Error())
			return
		}
		c.server.router.Handle(ctx, c, &req)

	default:
		c.sendError("", protocol.ErrInvalidRequest, "unexpected frame type: "+frameType)
	}
}

// SendResponse sends a response frame to this client.
func (c *Client) SendResponse(resp *protocol.ResponseFrame) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("marshal response failed", "error", err)
		return
	}
	c.enqueue(outbound{data: data})
}

// SendEvent sends an event frame to this client.
func (c *Client) SendEvent(event *protocol.EventFrame) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	c.enqueue(outbound{data: data})
	return nil
}

func (c *Client) enqueue(msg outbound) {
	select {
	case c.send <- msg:
	default:
		slog.Warn("client send buffer full, dropping message", "client", c.id)
	}
}

func (c *Client) sendError(id, code, message string) {
	c.SendResponse(protocol.NewErrorResponse(id, code, message))
}

// --- session.Transport ---

// Deliver pushes the credential payload as a pair.credentials event.
func (c *Client) Deliver(payload []byte) error {
	return c.SendEvent(protocol.NewEvent(protocol.EventCredentials, json.RawMessage(payload)))
}

// Park tells the device its token is awaiting validation and releases
// this connection's admission slot.
func (c *Client) Park() {
	c.SendEvent(protocol.NewEvent(protocol.EventParked, map[string]interface{}{
		"status": "awaiting_validation",
	}))
	c.releaseAdmissionNow()
}

func (c *Client) setReleaseAdmission(f func()) {
	c.mu.Lock()
	c.releaseAdmission = f
	c.mu.Unlock()
}

func (c *Client) releaseAdmissionNow() {
	c.mu.Lock()
	rel := c.releaseAdmission
	c.mu.Unlock()
	if rel != nil {
		rel()
	}
}

// CloseWith enqueues a typed close frame. Only the first close wins;
// the session's run loop guarantees one terminal state, and this guards
// the transport edge the same way.
func (c *Client) CloseWith(code int, reason string, retryAfter time.Duration) {
	c.closeOnce.Do(func() {
		c.enqueue(outbound{close: &protocol.CloseReason{
			Code:       code,
			Reason:     reason,
			RetryAfter: int64(retryAfter / time.Second),
		}})
	})
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Identity returns the device identity bound at connect.
func (c *Client) Identity() string { return c.identity }
