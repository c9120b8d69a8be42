package subscriptions

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/getmockd/subtransport/pkg/metrics"
)

// Options configures an Engine. Every field is optional.
type Options struct {
	// OnConnect runs when the transport reports a new connection.
	OnConnect func(ctx context.Context, connID string)

	// OnDisconnect runs when the transport reports a closed connection,
	// before its subscriptions are torn down.
	OnDisconnect func(ctx context.Context, connID string)

	// OnInit decides the handshake. Returning false or an error rejects the
	// connection; the error text, or "prohibited connection", is sent back.
	// When nil every init is accepted.
	OnInit func(ctx context.Context, connID string, payload json.RawMessage) (bool, error)

	// OnSubscribe may inspect or replace the parameter set of a start
	// request. Returning a nil *Params rejects the start with
	// ErrParamsNotObject; returning an error rejects it with that error.
	OnSubscribe func(ctx context.Context, msg *Message, params *Params) (*Params, error)

	// OnUnsubscribe runs after a subscription is torn down. subID is the
	// client id in key form (see ID.Key).
	OnUnsubscribe func(ctx context.Context, connID, subID string)

	// ParseContext builds the per-subscription context value handed to the
	// backend. Transports put request data on ctx for it to read.
	ParseContext func(ctx context.Context, connID string) (any, error)

	// RequireInit rejects starts on connections without an accepted init.
	RequireInit bool

	// DeliverStalePushes forwards backend results for subscriptions that
	// were already ended or replaced. By default they are dropped.
	DeliverStalePushes bool

	Logger  *slog.Logger
	Metrics *metrics.Collector
	Tracer  trace.Tracer
}
