// Package subscriptions implements the connection-level protocol engine for
// GraphQL subscriptions carried over a persistent message channel
// (subscriptions-transport-ws, pre-1.0 message set).
//
// The Engine sits between a Transport, which delivers raw text frames tagged
// with a connection identity, and a Backend, which executes subscriptions and
// reports results through a callback. For each connection it runs the init
// handshake, maps client subscription ids to backend handles, and tears
// everything down when the connection goes away.
//
// # Messages
//
// Inbound: init, subscription_start, subscription_end. Outbound:
// init_success, init_fail, subscription_success, subscription_fail,
// subscription_data, keepalive.
//
//	{"type":"subscription_start","id":1,"query":"subscription { tick }","variables":{}}
//	{"type":"subscription_success","id":1}
//	{"type":"subscription_data","id":1,"payload":{"data":{"tick":3}},"room":"<conn>"}
//
// # Subscription ids
//
// Client ids are scoped by connection: the table key is the pair
// (connection id, client id). Starting an id that is already active first
// unsubscribes the old handle. Results that arrive for an ended or replaced
// subscription are dropped unless Options.DeliverStalePushes is set.
//
// # Concurrency
//
// Frames of one connection are processed one at a time, and Disconnect waits
// for the frame in progress. Backend callbacks may fire from any goroutine;
// the Table they consult is internally synchronized.
//
// # Usage
//
//	engine := subscriptions.New(backend, transport, subscriptions.Options{
//	    OnInit: func(ctx context.Context, connID string, payload json.RawMessage) (bool, error) {
//	        return checkToken(payload), nil
//	    },
//	    Logger: logger,
//	})
//
//	engine.Connect(ctx, connID)
//	engine.HandleMessage(ctx, connID, frame)
//	engine.Disconnect(ctx, connID)
package subscriptions
