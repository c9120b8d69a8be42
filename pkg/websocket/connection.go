package websocket

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/coder/websocket"
	"github.com/google/uuid"
)

// Connection represents an active WebSocket connection.
type Connection struct {
	id            string
	conn          *ws.Conn
	subprotocol   string
	remoteAddr    string
	userAgent     string
	connectedAt   time.Time
	lastMessageAt atomic.Value // time.Time
	messagesSent  atomic.Int64
	messagesRecv  atomic.Int64
	writeTimeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	sendMu sync.RWMutex // Coordinates Send/Ping with Close
	closed atomic.Bool
}

// GenerateConnectionID returns a new random connection id.
func GenerateConnectionID() string {
	return "conn-" + uuid.NewString()
}

// NewConnection creates a new Connection wrapping a websocket.Conn.
func NewConnection(wsConn *ws.Conn, r *http.Request, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		id:           GenerateConnectionID(),
		conn:         wsConn,
		connectedAt:  time.Now(),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	if wsConn != nil {
		c.subprotocol = wsConn.Subprotocol()
	}
	if r != nil {
		c.remoteAddr = r.RemoteAddr
		c.userAgent = r.UserAgent()
	}

	c.lastMessageAt.Store(c.connectedAt)

	return c
}

// ID returns the unique connection ID.
func (c *Connection) ID() string {
	return c.id
}

// Subprotocol returns the negotiated subprotocol.
func (c *Connection) Subprotocol() string {
	return c.subprotocol
}

// ConnectedAt returns the connection establishment time.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// LastMessageAt returns the last message time.
func (c *Connection) LastMessageAt() time.Time {
	t, ok := c.lastMessageAt.Load().(time.Time)
	if !ok {
		return c.connectedAt
	}
	return t
}

// MessagesSent returns the total messages sent.
func (c *Connection) MessagesSent() int64 {
	return c.messagesSent.Load()
}

// MessagesReceived returns the total messages received.
func (c *Connection) MessagesReceived() int64 {
	return c.messagesRecv.Load()
}

// Context returns the connection context. It is cancelled on Close.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// IsClosed returns whether the connection is closed.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// Send writes one text frame to the client.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	writeCtx := c.ctx
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(c.ctx, c.writeTimeout)
		defer cancel()
	}

	if err := c.conn.Write(writeCtx, ws.MessageText, data); err != nil {
		return err
	}

	c.messagesSent.Add(1)
	c.lastMessageAt.Store(time.Now())
	return nil
}

// Read reads the next message from the connection. Text and binary frames
// are both returned as raw bytes.
func (c *Connection) Read() ([]byte, error) {
	// Close() cancels the context, which unblocks Read().
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}

	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		return nil, err
	}

	c.messagesRecv.Add(1)
	c.lastMessageAt.Store(time.Now())
	return data, nil
}

// Close closes the connection with the given close code and reason.
func (c *Connection) Close(code CloseCode, reason string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed.Swap(true) {
		return ErrConnectionClosed
	}

	c.cancel()
	return c.conn.Close(ws.StatusCode(code), reason)
}

// Info returns public information about this connection.
func (c *Connection) Info() *ConnectionInfo {
	return &ConnectionInfo{
		ID:               c.id,
		Subprotocol:      c.subprotocol,
		RemoteAddr:       c.remoteAddr,
		UserAgent:        c.userAgent,
		ConnectedAt:      c.connectedAt,
		LastMessageAt:    c.LastMessageAt(),
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesRecv.Load(),
	}
}
