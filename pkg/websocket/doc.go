// Package websocket carries the subscription protocol over WebSocket
// connections.
//
// A Handler accepts upgrades on one path, assigns every connection a unique
// id and feeds its inbound frames, one at a time, to a protocol engine. The
// Manager tracks live connections and is the engine's Transport: frames the
// engine addresses to a connection id are written to that socket.
//
// Usage:
//
//	manager := websocket.NewManager()
//	engine := subscriptions.New(backend, manager, subscriptions.Options{})
//	handler := websocket.NewHandler(engine, manager, websocket.HandlerOptions{
//		KeepAlive: 30 * time.Second,
//	})
//	http.Handle("/ws", handler)
//
// The package uses github.com/coder/websocket for the underlying WebSocket
// protocol implementation.
package websocket
