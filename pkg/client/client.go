// Package client is a small client for the subscription protocol, used by the
// CLI and by integration tests.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/getmockd/subtransport/pkg/subscriptions"
)

// ErrClosed is returned by Next once the connection is gone.
var ErrClosed = errors.New("client closed")

// DefaultSubprotocol is requested when Options.Subprotocols is empty.
const DefaultSubprotocol = "graphql-subscriptions"

// Options configures Dial.
type Options struct {
	Header           http.Header
	Subprotocols     []string
	HandshakeTimeout time.Duration
}

// Frame is one decoded server frame. Liveness notices have no Type and carry
// Data instead.
type Frame struct {
	Type    subscriptions.MessageType `json:"type,omitempty"`
	ID      json.RawMessage           `json:"id,omitempty"`
	Payload json.RawMessage           `json:"payload,omitempty"`
	Room    string                    `json:"room,omitempty"`
	Data    json.RawMessage           `json:"data,omitempty"`

	Raw []byte `json:"-"`
}

// Notice returns the liveness notice text ("connected", "disconnected") or "".
func (f *Frame) Notice() string {
	if f.Type != "" || f.Data == nil {
		return ""
	}
	var s string
	_ = json.Unmarshal(f.Data, &s)
	return s
}

// Client is one protocol connection.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	frames chan *Frame
	done   chan struct{}
	errMu  sync.Mutex
	err    error
}

// Dial connects to a subscription endpoint such as ws://localhost:4000/ws.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		Subprotocols:     opts.Subprotocols,
	}
	if len(dialer.Subprotocols) == 0 {
		dialer.Subprotocols = []string{DefaultSubprotocol}
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	conn, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connection failed: %w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("connection failed: %w", err)
	}

	c := &Client{
		conn:   conn,
		frames: make(chan *Frame, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Subprotocol returns the subprotocol the server selected.
func (c *Client) Subprotocol() string {
	return c.conn.Subprotocol()
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.setErr(err)
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.setErr(fmt.Errorf("decode frame: %w", err))
			return
		}
		f.Raw = data
		select {
		case c.frames <- &f:
		case <-c.done:
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Err returns the error that ended the read loop, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Next returns the next frame, waiting until one arrives, ctx is done or the
// connection closes.
func (c *Client) Next(ctx context.Context) (*Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	default:
	}

	select {
	case f := <-c.frames:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		// drain frames read before the connection ended
		select {
		case f := <-c.frames:
			return f, nil
		default:
		}
		if err := c.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return nil, ErrClosed
	}
}

// Init sends an init message with the given payload.
func (c *Client) Init(payload any) error {
	return c.send(map[string]any{
		"type":    subscriptions.TypeInit,
		"payload": payload,
	})
}

// Start begins a subscription. id may be any JSON scalar.
func (c *Client) Start(id any, query string, variables map[string]any, operationName string) error {
	if variables == nil {
		variables = map[string]any{}
	}
	msg := map[string]any{
		"type":      subscriptions.TypeSubscriptionStart,
		"id":        id,
		"query":     query,
		"variables": variables,
	}
	if operationName != "" {
		msg["operationName"] = operationName
	}
	return c.send(msg)
}

// End stops a subscription.
func (c *Client) End(id any) error {
	return c.send(map[string]any{
		"type": subscriptions.TypeSubscriptionEnd,
		"id":   id,
	})
}

// SendRaw writes an arbitrary text frame.
func (c *Client) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) send(msg map[string]any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// IsNormalClose reports whether err is a clean close from the server.
func IsNormalClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
}
