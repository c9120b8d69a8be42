package subscriptions

import "context"

// Handle is the opaque value a Backend returns from Subscribe. The engine
// only stores it and passes it back to Unsubscribe.
type Handle any

// Callback receives subscription results from a Backend. A nil err delivers
// data. An err carrying GraphQL errors is reported to the client as data;
// any other err is reported as a subscription failure.
type Callback func(data any, err error)

// Params is the parameter set built for one subscription start.
type Params struct {
	Query         string
	Variables     map[string]any
	OperationName string
	Context       any

	// FormatResponse and FormatError are optional result transforms for
	// backends that support them.
	FormatResponse func(data any) any
	FormatError    func(err error) error

	// Callback is always set by the engine before Subscribe is called.
	Callback Callback

	// Extensions holds free-form fields added by an OnSubscribe hook.
	Extensions map[string]any
}

// Backend executes subscriptions.
type Backend interface {
	// Subscribe registers a subscription and returns its handle. Results are
	// delivered later through p.Callback, possibly from another goroutine.
	Subscribe(ctx context.Context, p *Params) (Handle, error)
	// Unsubscribe stops delivery for a handle.
	Unsubscribe(h Handle)
}

// Transport delivers encoded frames to a connection.
type Transport interface {
	Send(ctx context.Context, connID string, frame []byte) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, connID string, frame []byte) error

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, connID string, frame []byte) error {
	return f(ctx, connID, frame)
}

// ConnState is the handshake state of a connection.
type ConnState int

// Handshake states.
const (
	StateNotInitialized ConnState = iota
	StateAccepted
	StateRejected
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	default:
		return "not-initialized"
	}
}

// Stats is a point-in-time view of engine state.
type Stats struct {
	Connections   int `json:"connections"`
	Subscriptions int `json:"subscriptions"`
}
