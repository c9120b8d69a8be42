package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/getmockd/subtransport/pkg/metrics"
)

// ============================================================================
// Test doubles
// ============================================================================

type fakeBackend struct {
	mu        sync.Mutex
	next      int
	events    []string
	params    []*Params
	callbacks map[int]Callback
	err       error
	onSub     func(p *Params)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{callbacks: make(map[int]Callback)}
}

func (b *fakeBackend) Subscribe(_ context.Context, p *Params) (Handle, error) {
	b.mu.Lock()
	if b.err != nil {
		err := b.err
		b.events = append(b.events, "subscribe-error")
		b.mu.Unlock()
		return nil, err
	}
	b.next++
	h := b.next
	b.events = append(b.events, fmt.Sprintf("subscribe:%d", h))
	b.params = append(b.params, p)
	b.callbacks[h] = p.Callback
	hook := b.onSub
	b.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return h, nil
}

func (b *fakeBackend) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, fmt.Sprintf("unsubscribe:%d", h))
}

func (b *fakeBackend) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

func (b *fakeBackend) Callback(h int) Callback {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callbacks[h]
}

func (b *fakeBackend) LastParams() *Params {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.params) == 0 {
		return nil
	}
	return b.params[len(b.params)-1]
}

type sentFrame struct {
	ConnID string
	Body   map[string]any
}

type fakeTransport struct {
	mu     sync.Mutex
	frames []sentFrame
	err    error
}

func (t *fakeTransport) Send(_ context.Context, connID string, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	var body map[string]any
	if err := json.Unmarshal(frame, &body); err != nil {
		return err
	}
	t.frames = append(t.frames, sentFrame{ConnID: connID, Body: body})
	return nil
}

func (t *fakeTransport) Frames() []sentFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentFrame(nil), t.frames...)
}

// Protocol frames only, without connected/disconnected notices.
func (t *fakeTransport) Typed() []sentFrame {
	var out []sentFrame
	for _, f := range t.Frames() {
		if _, ok := f.Body["type"]; ok {
			out = append(out, f)
		}
	}
	return out
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *fakeBackend, *fakeTransport) {
	t.Helper()
	backend := newFakeBackend()
	transport := &fakeTransport{}
	return New(backend, transport, opts), backend, transport
}

// connect registers connID with e unless it is already connected.
func connect(e *Engine, connID string) {
	if e.connection(connID) == nil {
		e.Connect(context.Background(), connID)
	}
}

func send(t *testing.T, e *Engine, connID string, msg map[string]any) {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	connect(e, connID)
	e.HandleMessage(context.Background(), connID, raw)
}

func startMsg(id any) map[string]any {
	return map[string]any{
		"type":      "subscription_start",
		"id":        id,
		"query":     "subscription { testString }",
		"variables": map[string]any{},
	}
}

// ============================================================================
// Start
// ============================================================================

func TestEngine_StartSucceeds(t *testing.T) {
	e, backend, transport := newTestEngine(t, Options{})

	send(t, e, "c1", map[string]any{
		"type":      "subscription_start",
		"id":        1,
		"query":     "{ testString }",
		"variables": map[string]any{},
	})

	assert.Equal(t, []string{"subscribe:1"}, backend.Events())

	frames := transport.Typed()
	require.Len(t, frames, 1)
	assert.Equal(t, "c1", frames[0].ConnID)
	assert.Equal(t, "subscription_success", frames[0].Body["type"])
	assert.Equal(t, 1.0, frames[0].Body["id"])

	p := backend.LastParams()
	require.NotNil(t, p)
	assert.Equal(t, "{ testString }", p.Query)
	assert.Empty(t, p.Variables)
	assert.NotNil(t, p.Callback)
	assert.Equal(t, map[string]any{}, p.Context)
	assert.Equal(t, 1, e.Table().Len())
}

func TestEngine_StartPassesOperationName(t *testing.T) {
	e, backend, _ := newTestEngine(t, Options{})

	msg := startMsg("a")
	msg["operationName"] = "OnTick"
	msg["variables"] = map[string]any{"channel": "news"}
	send(t, e, "c1", msg)

	p := backend.LastParams()
	require.NotNil(t, p)
	assert.Equal(t, "OnTick", p.OperationName)
	assert.Equal(t, map[string]any{"channel": "news"}, p.Variables)

	legacy := startMsg("b")
	legacy["operation_name"] = "Legacy"
	send(t, e, "c1", legacy)
	assert.Equal(t, "Legacy", backend.LastParams().OperationName)
}

func TestEngine_DuplicateStartReplaces(t *testing.T) {
	var unsubscribed []string
	e, backend, transport := newTestEngine(t, Options{
		OnUnsubscribe: func(_ context.Context, connID, subID string) {
			unsubscribed = append(unsubscribed, connID+"/"+subID)
		},
	})

	send(t, e, "c1", startMsg(1))
	send(t, e, "c1", startMsg(1))

	assert.Equal(t, []string{"subscribe:1", "unsubscribe:1", "subscribe:2"}, backend.Events())
	assert.Equal(t, []string{"c1/1"}, unsubscribed)
	assert.Equal(t, 1, e.Table().Len())

	h, ok := e.Table().Get(ScopedKey{ConnID: "c1", SubID: "1"})
	require.True(t, ok)
	assert.Equal(t, 2, h)

	frames := transport.Typed()
	require.Len(t, frames, 2)
	for _, f := range frames {
		assert.Equal(t, "subscription_success", f.Body["type"])
	}
}

func TestEngine_SameClientIDOnDifferentConnections(t *testing.T) {
	e, backend, _ := newTestEngine(t, Options{})

	send(t, e, "c1", startMsg(1))
	send(t, e, "c2", startMsg(1))

	assert.Equal(t, []string{"subscribe:1", "subscribe:2"}, backend.Events())
	assert.Equal(t, 2, e.Table().Len())
}

func TestEngine_StringAndNumberIDShareKey(t *testing.T) {
	e, backend, _ := newTestEngine(t, Options{})

	send(t, e, "c1", startMsg(7))
	send(t, e, "c1", startMsg("7"))

	assert.Equal(t, []string{"subscribe:1", "unsubscribe:1", "subscribe:2"}, backend.Events())
}

func TestEngine_StartMissingFields(t *testing.T) {
	tests := []struct {
		name    string
		msg     map[string]any
		wantErr string
	}{
		{
			name:    "missing query",
			msg:     map[string]any{"type": "subscription_start", "id": 1, "variables": map[string]any{}},
			wantErr: "missing required field: query",
		},
		{
			name:    "missing variables",
			msg:     map[string]any{"type": "subscription_start", "id": 1, "query": "{ a }"},
			wantErr: "missing required field: variables",
		},
		{
			name:    "non-string query",
			msg:     map[string]any{"type": "subscription_start", "id": 1, "query": 5, "variables": map[string]any{}},
			wantErr: "query must be a string",
		},
		{
			name:    "non-object variables",
			msg:     map[string]any{"type": "subscription_start", "id": 1, "query": "{ a }", "variables": "baz"},
			wantErr: "variables must be an object",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, backend, transport := newTestEngine(t, Options{})
			send(t, e, "c1", tt.msg)

			assert.Empty(t, backend.Events())
			frames := transport.Typed()
			require.Len(t, frames, 1)
			assert.Equal(t, "subscription_fail", frames[0].Body["type"])
			assert.Equal(t, 1.0, frames[0].Body["id"])
			assert.Contains(t, frames[0].Body["payload"], tt.wantErr)
		})
	}
}

func TestEngine_NullVariablesAccepted(t *testing.T) {
	e, backend, transport := newTestEngine(t, Options{})

	msg := startMsg(1)
	msg["variables"] = nil
	send(t, e, "c1", msg)

	assert.Equal(t, []string{"subscribe:1"}, backend.Events())
	assert.Equal(t, "subscription_success", transport.Typed()[0].Body["type"])
}

func TestEngine_ParseContext(t *testing.T) {
	t.Run("value reaches backend", func(t *testing.T) {
		e, backend, _ := newTestEngine(t, Options{
			ParseContext: func(_ context.Context, connID string) (any, error) {
				return map[string]any{"user": "u-" + connID}, nil
			},
		})
		send(t, e, "c1", startMsg(1))

		require.NotNil(t, backend.LastParams())
		assert.Equal(t, map[string]any{"user": "u-c1"}, backend.LastParams().Context)
	})

	t.Run("error fails the start", func(t *testing.T) {
		e, backend, transport := newTestEngine(t, Options{
			ParseContext: func(context.Context, string) (any, error) {
				return nil, errors.New("no session")
			},
		})
		send(t, e, "c1", startMsg(1))

		assert.Empty(t, backend.Events())
		frames := transport.Typed()
		require.Len(t, frames, 1)
		assert.Equal(t, "subscription_fail", frames[0].Body["type"])
		assert.Equal(t, "parse context: no session", frames[0].Body["payload"])
	})
}

func TestEngine_OnSubscribe(t *testing.T) {
	t.Run("modifies params", func(t *testing.T) {
		e, backend, _ := newTestEngine(t, Options{
			OnSubscribe: func(_ context.Context, msg *Message, p *Params) (*Params, error) {
				p.Variables = map[string]any{"injected": true}
				p.Extensions = map[string]any{"type": string(msg.Type)}
				return p, nil
			},
		})
		send(t, e, "c1", startMsg(1))

		p := backend.LastParams()
		require.NotNil(t, p)
		assert.Equal(t, map[string]any{"injected": true}, p.Variables)
		assert.Equal(t, "subscription_start", p.Extensions["type"])
	})

	t.Run("callback cannot be overridden", func(t *testing.T) {
		called := false
		e, backend, _ := newTestEngine(t, Options{
			OnSubscribe: func(_ context.Context, _ *Message, p *Params) (*Params, error) {
				p.Callback = func(any, error) { called = true }
				return p, nil
			},
		})
		send(t, e, "c1", startMsg(1))

		backend.Callback(1)("x", nil)
		assert.False(t, called)
	})

	t.Run("nil result is not an object", func(t *testing.T) {
		e, backend, transport := newTestEngine(t, Options{
			OnSubscribe: func(context.Context, *Message, *Params) (*Params, error) {
				return nil, nil
			},
		})
		send(t, e, "c1", startMsg(1))

		assert.Empty(t, backend.Events())
		frames := transport.Typed()
		require.Len(t, frames, 1)
		assert.Equal(t, "subscription_fail", frames[0].Body["type"])
		assert.Equal(t, "params must be an object", frames[0].Body["payload"])
	})

	t.Run("nil result does not tear down existing subscription", func(t *testing.T) {
		reject := false
		e, backend, _ := newTestEngine(t, Options{
			OnSubscribe: func(_ context.Context, _ *Message, p *Params) (*Params, error) {
				if reject {
					return nil, nil
				}
				return p, nil
			},
		})
		send(t, e, "c1", startMsg(1))
		reject = true
		send(t, e, "c1", startMsg(1))

		assert.Equal(t, []string{"subscribe:1"}, backend.Events())
		assert.Equal(t, 1, e.Table().Len())
	})

	t.Run("error fails the start", func(t *testing.T) {
		e, backend, transport := newTestEngine(t, Options{
			OnSubscribe: func(context.Context, *Message, *Params) (*Params, error) {
				return nil, errors.New("forbidden channel")
			},
		})
		send(t, e, "c1", startMsg(1))

		assert.Empty(t, backend.Events())
		frames := transport.Typed()
		require.Len(t, frames, 1)
		assert.Equal(t, "forbidden channel", frames[0].Body["payload"])
	})
}

func TestEngine_BackendSubscribeErrors(t *testing.T) {
	t.Run("runtime error", func(t *testing.T) {
		e, backend, transport := newTestEngine(t, Options{})
		backend.err = errors.New("backend down")
		send(t, e, "c1", startMsg(1))

		frames := transport.Typed()
		require.Len(t, frames, 1)
		assert.Equal(t, "subscription_fail", frames[0].Body["type"])
		assert.Equal(t, "backend down", frames[0].Body["payload"])
		assert.Equal(t, 0, e.Table().Len())
	})

	t.Run("graphql errors are unwrapped", func(t *testing.T) {
		e, backend, transport := newTestEngine(t, Options{})
		backend.err = fmt.Errorf("validate: %w", gqlerror.List{
			{Message: "Cannot query field \"nope\""},
			{Message: "Unknown argument"},
		})
		send(t, e, "c1", startMsg(1))

		frames := transport.Typed()
		require.Len(t, frames, 1)
		assert.Equal(t, "subscription_fail", frames[0].Body["type"])
		assert.Equal(t, "Cannot query field \"nope\"; Unknown argument", frames[0].Body["payload"])
	})

	t.Run("execution error", func(t *testing.T) {
		e, backend, transport := newTestEngine(t, Options{})
		backend.err = NewExecutionError("bad subscription")
		send(t, e, "c1", startMsg(1))

		frames := transport.Typed()
		require.Len(t, frames, 1)
		assert.Equal(t, "bad subscription", frames[0].Body["payload"])
	})
}

func TestEngine_RequireInit(t *testing.T) {
	e, backend, transport := newTestEngine(t, Options{RequireInit: true})

	send(t, e, "c1", startMsg(1))
	assert.Empty(t, backend.Events())
	frames := transport.Typed()
	require.Len(t, frames, 1)
	assert.Equal(t, "connection not initialized", frames[0].Body["payload"])

	send(t, e, "c1", map[string]any{"type": "init"})
	send(t, e, "c1", startMsg(1))
	assert.Equal(t, []string{"subscribe:1"}, backend.Events())
}

func TestEngine_PermissiveOrderingByDefault(t *testing.T) {
	e, backend, _ := newTestEngine(t, Options{})

	send(t, e, "c1", startMsg(1))

	assert.Equal(t, StateNotInitialized, e.State("c1"))
	assert.Equal(t, []string{"subscribe:1"}, backend.Events())
}

// ============================================================================
// End
// ============================================================================

func TestEngine_EndUnsubscribes(t *testing.T) {
	var hooked []string
	e, backend, transport := newTestEngine(t, Options{
		OnUnsubscribe: func(_ context.Context, _ string, subID string) {
			hooked = append(hooked, subID)
		},
	})

	send(t, e, "c1", startMsg("sub-1"))
	send(t, e, "c1", map[string]any{"type": "subscription_end", "id": "sub-1"})

	assert.Equal(t, []string{"subscribe:1", "unsubscribe:1"}, backend.Events())
	assert.Equal(t, []string{"sub-1"}, hooked)
	assert.Equal(t, 0, e.Table().Len())
	assert.Len(t, transport.Typed(), 1)
}

func TestEngine_EndUnknownIsNoop(t *testing.T) {
	unsubscribeCalled := false
	e, backend, transport := newTestEngine(t, Options{
		OnUnsubscribe: func(context.Context, string, string) { unsubscribeCalled = true },
	})

	send(t, e, "c1", map[string]any{"type": "subscription_end", "id": 42})

	assert.Empty(t, backend.Events())
	assert.Empty(t, transport.Typed())
	assert.False(t, unsubscribeCalled)
}

// ============================================================================
// Results
// ============================================================================

func TestEngine_CallbackData(t *testing.T) {
	e, backend, transport := newTestEngine(t, Options{})
	send(t, e, "c1", startMsg(1))

	backend.Callback(1)(map[string]any{"testString": "value"}, nil)

	frames := transport.Typed()
	require.Len(t, frames, 2)
	data := frames[1]
	assert.Equal(t, "c1", data.ConnID)
	assert.Equal(t, "subscription_data", data.Body["type"])
	assert.Equal(t, 1.0, data.Body["id"])
	assert.Equal(t, "c1", data.Body["room"])
	assert.Equal(t, map[string]any{"data": map[string]any{"testString": "value"}}, data.Body["payload"])
}

func TestEngine_CallbackGraphQLErrorsAreData(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"list", gqlerror.List{{Message: "boom"}}},
		{"single", &gqlerror.Error{Message: "boom"}},
		{"execution error", NewExecutionError("boom")},
		{"wrapped", fmt.Errorf("resolve: %w", gqlerror.List{{Message: "boom"}})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, backend, transport := newTestEngine(t, Options{})
			send(t, e, "c1", startMsg(1))

			backend.Callback(1)(nil, tt.err)

			frames := transport.Typed()
			require.Len(t, frames, 2)
			assert.Equal(t, "subscription_data", frames[1].Body["type"])
			payload, ok := frames[1].Body["payload"].(map[string]any)
			require.True(t, ok)
			errs, ok := payload["errors"].([]any)
			require.True(t, ok)
			require.Len(t, errs, 1)
			assert.Equal(t, "boom", errs[0].(map[string]any)["message"])
		})
	}
}

func TestEngine_CallbackRuntimeErrorFails(t *testing.T) {
	e, backend, transport := newTestEngine(t, Options{})
	send(t, e, "c1", startMsg(1))

	backend.Callback(1)(nil, errors.New("resolver crashed"))

	frames := transport.Typed()
	require.Len(t, frames, 2)
	assert.Equal(t, "subscription_fail", frames[1].Body["type"])
	assert.Equal(t, "resolver crashed", frames[1].Body["payload"])
	// a callback failure does not end the subscription
	assert.Equal(t, 1, e.Table().Len())
}

func TestEngine_StalePushes(t *testing.T) {
	t.Run("dropped after end", func(t *testing.T) {
		e, backend, transport := newTestEngine(t, Options{})
		send(t, e, "c1", startMsg(1))
		cb := backend.Callback(1)
		send(t, e, "c1", map[string]any{"type": "subscription_end", "id": 1})

		cb("late", nil)
		assert.Len(t, transport.Typed(), 1)
	})

	t.Run("dropped after replace", func(t *testing.T) {
		e, backend, transport := newTestEngine(t, Options{})
		send(t, e, "c1", startMsg(1))
		old := backend.Callback(1)
		send(t, e, "c1", startMsg(1))

		old("late", nil)
		backend.Callback(2)("fresh", nil)

		frames := transport.Typed()
		require.Len(t, frames, 3)
		assert.Equal(t, map[string]any{"data": "fresh"}, frames[2].Body["payload"])
	})

	t.Run("delivered when enabled", func(t *testing.T) {
		e, backend, transport := newTestEngine(t, Options{DeliverStalePushes: true})
		send(t, e, "c1", startMsg(1))
		cb := backend.Callback(1)
		send(t, e, "c1", map[string]any{"type": "subscription_end", "id": 1})

		cb("late", nil)
		frames := transport.Typed()
		require.Len(t, frames, 2)
		assert.Equal(t, "subscription_data", frames[1].Body["type"])
	})
}

func TestEngine_SynchronousCallbackDuringSubscribe(t *testing.T) {
	e, backend, transport := newTestEngine(t, Options{})
	backend.onSub = func(p *Params) {
		p.Callback("initial", nil)
	}

	send(t, e, "c1", startMsg(1))

	frames := transport.Typed()
	require.Len(t, frames, 2)
	assert.Equal(t, "subscription_data", frames[0].Body["type"])
	assert.Equal(t, "subscription_success", frames[1].Body["type"])
}

// ============================================================================
// Framing
// ============================================================================

func TestEngine_MalformedFrame(t *testing.T) {
	e, backend, transport := newTestEngine(t, Options{})

	connect(e, "c1")
	e.HandleMessage(context.Background(), "c1", []byte(`{not json`))

	assert.Empty(t, backend.Events())
	frames := transport.Typed()
	require.Len(t, frames, 1)
	assert.Equal(t, "subscription_fail", frames[0].Body["type"])
	assert.Contains(t, frames[0].Body, "id")
	assert.Nil(t, frames[0].Body["id"])
	assert.Contains(t, frames[0].Body["payload"], "decode message")
}

func TestEngine_NonObjectFrame(t *testing.T) {
	e, _, transport := newTestEngine(t, Options{})

	connect(e, "c1")
	e.HandleMessage(context.Background(), "c1", []byte(`["already", "decoded"]`))

	frames := transport.Typed()
	require.Len(t, frames, 1)
	assert.Equal(t, "subscription_fail", frames[0].Body["type"])
	assert.Nil(t, frames[0].Body["id"])
}

func TestEngine_NullFrame(t *testing.T) {
	e, backend, transport := newTestEngine(t, Options{})
	connect(e, "c1")

	e.HandleMessage(context.Background(), "c1", []byte(` null `))

	assert.Empty(t, backend.Events())
	frames := transport.Typed()
	require.Len(t, frames, 1)
	assert.Equal(t, "subscription_fail", frames[0].Body["type"])
	assert.Nil(t, frames[0].Body["id"])
	assert.Contains(t, frames[0].Body["payload"], "decode message")
}

func TestEngine_UnknownType(t *testing.T) {
	e, backend, transport := newTestEngine(t, Options{})

	send(t, e, "c1", map[string]any{"type": "bogus", "id": "x"})
	send(t, e, "c1", map[string]any{"payload": "no type"})

	assert.Empty(t, backend.Events())
	frames := transport.Typed()
	require.Len(t, frames, 2)
	assert.Equal(t, "invalid message type", frames[0].Body["payload"])
	assert.Equal(t, "x", frames[0].Body["id"])
	assert.Nil(t, frames[1].Body["id"])
}

// ============================================================================
// Handshake
// ============================================================================

func TestEngine_Init(t *testing.T) {
	t.Run("accepted without hook", func(t *testing.T) {
		e, _, transport := newTestEngine(t, Options{})
		send(t, e, "c1", map[string]any{"type": "init", "payload": "foo"})

		frames := transport.Typed()
		require.Len(t, frames, 1)
		assert.Equal(t, "init_success", frames[0].Body["type"])
		assert.Contains(t, frames[0].Body, "payload")
		assert.Nil(t, frames[0].Body["payload"])
		assert.Equal(t, StateAccepted, e.State("c1"))
	})

	t.Run("hook receives payload", func(t *testing.T) {
		var got json.RawMessage
		e, _, _ := newTestEngine(t, Options{
			OnInit: func(_ context.Context, _ string, payload json.RawMessage) (bool, error) {
				got = payload
				return true, nil
			},
		})
		send(t, e, "c1", map[string]any{"type": "init", "payload": map[string]any{"token": "t"}})

		assert.JSONEq(t, `{"token":"t"}`, string(got))
	})

	t.Run("hook returns false", func(t *testing.T) {
		e, _, transport := newTestEngine(t, Options{
			OnInit: func(context.Context, string, json.RawMessage) (bool, error) { return false, nil },
		})
		send(t, e, "c1", map[string]any{"type": "init", "payload": "foo"})

		frames := transport.Typed()
		require.Len(t, frames, 1)
		assert.Equal(t, "init_fail", frames[0].Body["type"])
		assert.Equal(t, "prohibited connection", frames[0].Body["payload"])
		assert.Equal(t, StateRejected, e.State("c1"))
	})

	t.Run("hook error", func(t *testing.T) {
		e, _, transport := newTestEngine(t, Options{
			OnInit: func(context.Context, string, json.RawMessage) (bool, error) {
				return true, errors.New("token expired")
			},
		})
		send(t, e, "c1", map[string]any{"type": "init"})

		frames := transport.Typed()
		require.Len(t, frames, 1)
		assert.Equal(t, "init_fail", frames[0].Body["type"])
		assert.Equal(t, "token expired", frames[0].Body["payload"])
	})

	t.Run("rejection does not block operations", func(t *testing.T) {
		e, backend, _ := newTestEngine(t, Options{
			OnInit: func(context.Context, string, json.RawMessage) (bool, error) { return false, nil },
		})
		send(t, e, "c1", map[string]any{"type": "init"})
		send(t, e, "c1", startMsg(1))

		assert.Equal(t, []string{"subscribe:1"}, backend.Events())
	})
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func TestEngine_ConnectSendsNotice(t *testing.T) {
	connected := ""
	e, _, transport := newTestEngine(t, Options{
		OnConnect: func(_ context.Context, connID string) { connected = connID },
	})

	e.Connect(context.Background(), "c1")

	assert.Equal(t, "c1", connected)
	frames := transport.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, map[string]any{"data": "connected"}, frames[0].Body)
	assert.Equal(t, 1, e.Stats().Connections)
}

func TestEngine_DisconnectTearsDown(t *testing.T) {
	disconnected := ""
	var hooked []string
	e, backend, transport := newTestEngine(t, Options{
		OnDisconnect: func(_ context.Context, connID string) { disconnected = connID },
		OnUnsubscribe: func(_ context.Context, _ string, subID string) {
			hooked = append(hooked, subID)
		},
	})

	ctx := context.Background()
	e.Connect(ctx, "c1")
	e.Connect(ctx, "c2")
	send(t, e, "c1", startMsg(1))
	send(t, e, "c1", startMsg(2))
	send(t, e, "c1", startMsg(3))
	send(t, e, "c2", startMsg(1))

	e.Disconnect(ctx, "c1")

	assert.Equal(t, "c1", disconnected)
	assert.ElementsMatch(t, []string{"1", "2", "3"}, hooked)
	assert.ElementsMatch(t,
		[]string{"subscribe:1", "subscribe:2", "subscribe:3", "subscribe:4",
			"unsubscribe:1", "unsubscribe:2", "unsubscribe:3"},
		backend.Events())
	assert.Equal(t, 0, e.Table().ConnLen("c1"))
	assert.Equal(t, 1, e.Table().ConnLen("c2"))
	assert.Equal(t, Stats{Connections: 1, Subscriptions: 1}, e.Stats())

	frames := transport.Frames()
	last := frames[len(frames)-1]
	assert.Equal(t, map[string]any{"data": "disconnected"}, last.Body)
}

func TestEngine_DisconnectIgnoresSendFailure(t *testing.T) {
	e, backend, transport := newTestEngine(t, Options{})
	send(t, e, "c1", startMsg(1))

	transport.err = errors.New("connection closed")
	e.Disconnect(context.Background(), "c1")

	assert.Equal(t, []string{"subscribe:1", "unsubscribe:1"}, backend.Events())
}

func TestEngine_CloseAll(t *testing.T) {
	e, backend, _ := newTestEngine(t, Options{})
	send(t, e, "c1", startMsg(1))
	send(t, e, "c2", startMsg(1))

	e.CloseAll(context.Background())

	assert.Equal(t, Stats{}, e.Stats())
	assert.ElementsMatch(t,
		[]string{"subscribe:1", "subscribe:2", "unsubscribe:1", "unsubscribe:2"},
		backend.Events())
}

func TestEngine_FramesAfterDisconnectAreDropped(t *testing.T) {
	e, backend, _ := newTestEngine(t, Options{})
	send(t, e, "c1", startMsg(1))
	cb := backend.Callback(1)

	e.Disconnect(context.Background(), "c1")
	cb("late", nil)

	assert.Equal(t, 0, e.Table().Len())
}

func TestEngine_DisconnectIsIdempotent(t *testing.T) {
	disconnects := 0
	e, backend, transport := newTestEngine(t, Options{
		OnDisconnect: func(context.Context, string) { disconnects++ },
	})
	ctx := context.Background()

	e.Connect(ctx, "c1")
	send(t, e, "c1", startMsg(1))
	e.CloseAll(ctx)
	e.Disconnect(ctx, "c1")
	e.Disconnect(ctx, "never-connected")

	assert.Equal(t, 1, disconnects)
	assert.Equal(t, []string{"subscribe:1", "unsubscribe:1"}, backend.Events())

	var notices []any
	for _, f := range transport.Frames() {
		if data, ok := f.Body["data"]; ok && f.Body["type"] == nil {
			notices = append(notices, data)
		}
	}
	assert.Equal(t, []any{"connected", "disconnected"}, notices)
}

func TestEngine_MessagesAfterDisconnectAreDropped(t *testing.T) {
	e, backend, transport := newTestEngine(t, Options{})
	ctx := context.Background()

	e.Connect(ctx, "c1")
	e.Disconnect(ctx, "c1")

	raw, err := json.Marshal(startMsg(1))
	require.NoError(t, err)
	e.HandleMessage(ctx, "c1", raw)
	e.HandleMessage(ctx, "ghost", raw)

	assert.Empty(t, backend.Events())
	assert.Empty(t, transport.Typed())
	assert.Equal(t, Stats{}, e.Stats())
	assert.Equal(t, 0, e.Table().Len())
}

func TestEngine_ConcurrentCallbacksAndEnds(t *testing.T) {
	e, backend, _ := newTestEngine(t, Options{})

	for i := 0; i < 20; i++ {
		send(t, e, "c1", startMsg(i))
	}

	var wg sync.WaitGroup
	for h := 1; h <= 20; h++ {
		cb := backend.Callback(h)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				cb(j, nil)
			}
		}()
	}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			send(t, e, "c1", map[string]any{"type": "subscription_end", "id": i})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, e.Table().Len())
}

// ============================================================================
// Metrics
// ============================================================================

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestEngine_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, _, _ := newTestEngine(t, Options{Metrics: metrics.New(metrics.WithRegistry(reg))})

	e.Connect(context.Background(), "c1")
	send(t, e, "c1", startMsg(1))
	send(t, e, "c1", startMsg(2))
	assert.Equal(t, 2.0, gaugeValue(t, reg, "subtransport_active_subscriptions"))
	assert.Equal(t, 1.0, gaugeValue(t, reg, "subtransport_active_connections"))

	send(t, e, "c1", map[string]any{"type": "subscription_end", "id": 1})
	assert.Equal(t, 1.0, gaugeValue(t, reg, "subtransport_active_subscriptions"))

	e.Disconnect(context.Background(), "c1")
	assert.Equal(t, 0.0, gaugeValue(t, reg, "subtransport_active_subscriptions"))
	assert.Equal(t, 0.0, gaugeValue(t, reg, "subtransport_active_connections"))
}
