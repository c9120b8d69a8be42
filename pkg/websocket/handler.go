package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	ws "github.com/coder/websocket"

	"github.com/getmockd/subtransport/pkg/logging"
	"github.com/getmockd/subtransport/pkg/subscriptions"
)

// Engine is the protocol engine a Handler feeds. *subscriptions.Engine
// satisfies it.
type Engine interface {
	Connect(ctx context.Context, connID string)
	HandleMessage(ctx context.Context, connID string, raw []byte)
	Disconnect(ctx context.Context, connID string)
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// Subprotocols offered during the upgrade (default: graphql-subscriptions).
	// Clients that request none are still accepted.
	Subprotocols []string

	// OriginPatterns lists extra hosts allowed to connect cross-origin.
	OriginPatterns []string

	// InsecureSkipVerify disables origin checks entirely.
	InsecureSkipVerify bool

	// MaxMessageSize limits inbound frames (default: 64 KiB).
	MaxMessageSize int64

	// KeepAlive is the interval between keepalive frames. Zero disables them.
	KeepAlive time.Duration

	// WriteTimeout bounds each outbound write (default: 10s).
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Handler upgrades HTTP requests to WebSocket connections and runs each
// connection against an Engine.
type Handler struct {
	engine  Engine
	manager *Manager
	opts    HandlerOptions
	log     *slog.Logger
}

// NewHandler creates a Handler. The manager must be the Transport the engine
// was built with.
func NewHandler(engine Engine, manager *Manager, opts HandlerOptions) *Handler {
	if len(opts.Subprotocols) == 0 {
		opts.Subprotocols = []string{Subprotocol}
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	return &Handler{
		engine:  engine,
		manager: manager,
		opts:    opts,
		log:     logging.Component(opts.Logger, "websocket"),
	}
}

// Manager returns the handler's connection manager.
func (h *Handler) Manager() *Manager {
	return h.manager
}

// ServeHTTP implements http.Handler. It blocks for the life of the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !IsWebSocketRequest(r) {
		http.Error(w, ErrUpgradeRequired.Error(), http.StatusBadRequest)
		return
	}

	wsConn, err := ws.Accept(w, r, &ws.AcceptOptions{
		Subprotocols:       h.opts.Subprotocols,
		OriginPatterns:     h.opts.OriginPatterns,
		InsecureSkipVerify: h.opts.InsecureSkipVerify,
	})
	if err != nil {
		// Accept has already written the HTTP error response
		h.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	wsConn.SetReadLimit(h.opts.MaxMessageSize)

	conn := NewConnection(wsConn, r, h.opts.WriteTimeout)
	h.manager.Add(conn)

	h.serve(conn, r)
}

// serve runs the read loop of one connection.
func (h *Handler) serve(conn *Connection, r *http.Request) {
	ctx := withRequest(conn.Context(), r)
	id := conn.ID()

	h.log.Info("connection opened", "conn", id, "remote", r.RemoteAddr, "subprotocol", conn.Subprotocol())

	defer func() {
		// the connection context is already cancelled here
		h.engine.Disconnect(context.WithoutCancel(ctx), id)
		h.manager.Remove(id)
		_ = conn.Close(CloseNormalClosure, "")
	}()

	h.engine.Connect(ctx, id)

	if h.opts.KeepAlive > 0 {
		keepAliveCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go h.runKeepAlive(keepAliveCtx, conn)
	}

	for {
		data, err := conn.Read()
		if err != nil {
			h.logClose(id, err)
			return
		}
		h.engine.HandleMessage(ctx, id, data)
	}
}

// runKeepAlive sends keepalive frames until ctx is done or a write fails.
func (h *Handler) runKeepAlive(ctx context.Context, conn *Connection) {
	frame, err := subscriptions.EncodeKeepAlive()
	if err != nil {
		return
	}

	ticker := time.NewTicker(h.opts.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Send(ctx, frame); err != nil {
				h.log.Debug("keepalive failed", "conn", conn.ID(), "error", err)
				_ = conn.Close(CloseGoingAway, "keepalive failed")
				return
			}
		}
	}
}

func (h *Handler) logClose(id string, err error) {
	status := ws.CloseStatus(err)
	switch {
	case status == ws.StatusNormalClosure || status == ws.StatusGoingAway:
		h.log.Info("connection closed", "conn", id, "status", status)
	case errors.Is(err, context.Canceled) || errors.Is(err, ErrConnectionClosed):
		h.log.Info("connection closed by server", "conn", id)
	default:
		h.log.Warn("connection read failed", "conn", id, "status", status, "error", err)
	}
}

// IsWebSocketRequest returns true if the request is a WebSocket upgrade request.
func IsWebSocketRequest(r *http.Request) bool {
	if !strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") {
		return false
	}
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
