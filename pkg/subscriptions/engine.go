package subscriptions

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/getmockd/subtransport/pkg/logging"
	"github.com/getmockd/subtransport/pkg/metrics"
)

const tracerName = "github.com/getmockd/subtransport/pkg/subscriptions"

// Engine runs the subscription protocol for every connection of a transport.
type Engine struct {
	backend   Backend
	transport Transport
	opts      Options
	log       *slog.Logger
	metrics   *metrics.Collector
	tracer    trace.Tracer
	table     *Table

	mu    sync.RWMutex
	conns map[string]*connection
}

// connection is the engine-side state of one transport session. mu is held
// for the whole processing of one inbound message and during teardown.
type connection struct {
	id     string
	mu     sync.Mutex
	state  atomic.Int32
	closed bool
}

func (c *connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *connection) setState(s ConnState) {
	c.state.Store(int32(s))
}

// New creates an Engine that executes subscriptions on backend and writes
// frames through transport.
func New(backend Backend, transport Transport, opts Options) *Engine {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return &Engine{
		backend:   backend,
		transport: transport,
		opts:      opts,
		log:       logging.Component(opts.Logger, "engine"),
		metrics:   opts.Metrics,
		tracer:    tracer,
		table:     NewTable(),
		conns:     make(map[string]*connection),
	}
}

// Table returns the engine's subscription table.
func (e *Engine) Table() *Table {
	return e.table
}

// register returns the state for connID, creating it if needed.
func (e *Engine) register(connID string) *connection {
	e.mu.Lock()
	defer e.mu.Unlock()

	if conn, ok := e.conns[connID]; ok {
		return conn
	}
	conn := &connection{id: connID}
	e.conns[connID] = conn
	e.metrics.ConnectionOpened()
	return conn
}

// connection returns the state for connID, or nil if it is not connected.
func (e *Engine) connection(connID string) *connection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conns[connID]
}

func (e *Engine) detach(connID string) *connection {
	e.mu.Lock()
	defer e.mu.Unlock()

	conn, ok := e.conns[connID]
	if !ok {
		return nil
	}
	delete(e.conns, connID)
	e.metrics.ConnectionClosed()
	return conn
}

// Connect registers a new transport connection, runs the OnConnect hook and
// sends the "connected" notification.
func (e *Engine) Connect(ctx context.Context, connID string) {
	e.register(connID)

	if e.opts.OnConnect != nil {
		e.opts.OnConnect(ctx, connID)
	}

	e.sendNotice(ctx, connID, NoticeConnected)
	e.log.Debug("connection opened", "conn", connID)
}

// Disconnect runs the OnDisconnect hook, sends the "disconnected"
// notification and tears down every subscription of the connection. It waits
// for any message of that connection still being processed. Disconnecting a
// connection that is not connected does nothing.
func (e *Engine) Disconnect(ctx context.Context, connID string) {
	conn := e.detach(connID)
	if conn == nil {
		return
	}
	conn.mu.Lock()
	conn.closed = true
	defer conn.mu.Unlock()

	if e.opts.OnDisconnect != nil {
		e.opts.OnDisconnect(ctx, connID)
	}

	e.sendNotice(ctx, connID, NoticeDisconnected)

	n := e.teardownAll(ctx, connID)
	e.log.Debug("connection closed", "conn", connID, "subscriptions", n)
}

// CloseAll disconnects every known connection.
func (e *Engine) CloseAll(ctx context.Context) {
	e.mu.RLock()
	ids := make([]string, 0, len(e.conns))
	for id := range e.conns {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		e.Disconnect(ctx, id)
	}
}

// HandleMessage decodes and processes one inbound frame from connID.
// Frames of one connection are processed one at a time. Frames for a
// connection that was never connected, or was already disconnected, are
// dropped.
func (e *Engine) HandleMessage(ctx context.Context, connID string, raw []byte) {
	conn := e.connection(connID)
	if conn == nil {
		e.metrics.FrameReceived("unknown_connection")
		e.log.Debug("dropping frame for unknown connection", "conn", connID)
		return
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.closed {
		e.log.Debug("dropping frame for closed connection", "conn", connID)
		return
	}

	ctx, span := e.tracer.Start(ctx, "subtransport.message",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("connection.id", connID)),
	)
	defer span.End()

	msg, err := ParseMessage(raw)
	if err != nil {
		span.SetAttributes(attribute.String("message.type", "malformed"))
		e.metrics.FrameReceived("malformed")
		e.log.Debug("malformed frame", "conn", connID, "error", err)
		e.sendFail(ctx, connID, nil, err.Error())
		return
	}

	span.SetAttributes(attribute.String("message.type", string(msg.Type)))
	e.log.Debug("frame received", "conn", connID, "type", msg.Type, "id", msg.ID.String())

	switch msg.Type {
	case TypeInit:
		e.metrics.FrameReceived(string(msg.Type))
		e.handleInit(ctx, conn, msg)

	case TypeSubscriptionStart:
		e.metrics.FrameReceived(string(msg.Type))
		e.handleStart(ctx, conn, msg)

	case TypeSubscriptionEnd:
		e.metrics.FrameReceived(string(msg.Type))
		e.handleEnd(ctx, conn, msg)

	default:
		e.metrics.FrameReceived("unknown")
		e.sendFail(ctx, connID, msg.ID, ErrInvalidMessageType.Error())
	}
}

// State returns the handshake state of connID.
func (e *Engine) State(connID string) ConnState {
	e.mu.RLock()
	conn, ok := e.conns[connID]
	e.mu.RUnlock()
	if !ok {
		return StateNotInitialized
	}
	return conn.State()
}

// Stats returns connection and subscription counts.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	n := len(e.conns)
	e.mu.RUnlock()

	return Stats{
		Connections:   n,
		Subscriptions: e.table.Len(),
	}
}

// send writes an encoded frame to connID.
func (e *Engine) send(ctx context.Context, connID string, msgType MessageType, frame []byte, err error) {
	if err != nil {
		e.log.Error("failed to encode frame", "conn", connID, "type", msgType, "error", err)
		return
	}
	if err := e.transport.Send(ctx, connID, frame); err != nil {
		e.log.Error("failed to send frame", "conn", connID, "type", msgType, "error", err)
		return
	}
	e.metrics.FrameSent(string(msgType))
}

func (e *Engine) sendFail(ctx context.Context, connID string, id ID, reason string) {
	frame, err := EncodeSubscriptionFail(id, reason)
	e.send(ctx, connID, TypeSubscriptionFail, frame, err)
}

func (e *Engine) sendNotice(ctx context.Context, connID, notice string) {
	frame, err := EncodeNotice(notice)
	if err != nil {
		return
	}
	if err := e.transport.Send(ctx, connID, frame); err != nil {
		// the peer is often gone by the time "disconnected" is sent
		e.log.Debug("failed to send notice", "conn", connID, "notice", notice, "error", err)
	}
}
