package websocket

import "errors"

// Common errors for the websocket package.
var (
	// ErrConnectionClosed indicates the connection is closed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrConnectionNotFound indicates the connection was not found.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrUpgradeRequired indicates a plain HTTP request reached the endpoint.
	ErrUpgradeRequired = errors.New("websocket upgrade required")
)
