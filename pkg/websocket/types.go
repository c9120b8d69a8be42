package websocket

import "time"

// Subprotocol is the WebSocket subprotocol spoken by the subscription engine.
const Subprotocol = "graphql-subscriptions"

// Transport defaults.
const (
	DefaultMaxMessageSize int64 = 64 * 1024
	DefaultWriteTimeout         = 10 * time.Second
)

// CloseCode represents a WebSocket close status code per RFC 6455.
type CloseCode int

const (
	// CloseNormalClosure indicates a normal closure (1000).
	CloseNormalClosure CloseCode = 1000
	// CloseGoingAway indicates the endpoint is going away (1001).
	CloseGoingAway CloseCode = 1001
)

// ConnectionInfo represents public information about a connection.
type ConnectionInfo struct {
	ID               string    `json:"id"`
	Subprotocol      string    `json:"subprotocol,omitempty"`
	RemoteAddr       string    `json:"remoteAddr,omitempty"`
	UserAgent        string    `json:"userAgent,omitempty"`
	ConnectedAt      time.Time `json:"connectedAt"`
	LastMessageAt    time.Time `json:"lastMessageAt,omitempty"`
	MessagesSent     int64     `json:"messagesSent"`
	MessagesReceived int64     `json:"messagesReceived"`
}

// Stats represents aggregate transport statistics.
type Stats struct {
	TotalConnections      int    `json:"totalConnections"`
	TotalMessagesSent     int64  `json:"totalMessagesSent"`
	TotalMessagesReceived int64  `json:"totalMessagesReceived"`
	Uptime                string `json:"uptime"`
}
