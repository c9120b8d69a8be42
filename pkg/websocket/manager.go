package websocket

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getmockd/subtransport/pkg/subscriptions"
)

// Manager tracks live connections and delivers engine frames to them.
type Manager struct {
	connections map[string]*Connection

	totalMsgSent atomic.Int64
	totalMsgRecv atomic.Int64
	startTime    time.Time

	mu sync.RWMutex
}

var _ subscriptions.Transport = (*Manager)(nil)

// NewManager creates a new Manager.
func NewManager() *Manager {
	return &Manager{
		connections: make(map[string]*Connection),
		startTime:   time.Now(),
	}
}

// Add registers a new connection.
func (m *Manager) Add(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[conn.ID()] = conn
}

// Remove unregisters a connection.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, exists := m.connections[id]
	if !exists {
		return
	}

	// Track stats before removal
	m.totalMsgSent.Add(conn.MessagesSent())
	m.totalMsgRecv.Add(conn.MessagesReceived())

	delete(m.connections, id)
}

// Get returns a connection by ID.
func (m *Manager) Get(id string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connections[id]
}

// Count returns the live connection count.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// Send writes frame to the connection with the given id.
func (m *Manager) Send(ctx context.Context, connID string, frame []byte) error {
	conn := m.Get(connID)
	if conn == nil {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	return conn.Send(ctx, frame)
}

// ListConnectionInfos returns info for all connections.
func (m *Manager) ListConnectionInfos() []*ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]*ConnectionInfo, 0, len(m.connections))
	for _, conn := range m.connections {
		infos = append(infos, conn.Info())
	}
	return infos
}

// Stats returns aggregate transport statistics.
func (m *Manager) Stats() *Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var totalSent, totalRecv int64
	for _, conn := range m.connections {
		totalSent += conn.MessagesSent()
		totalRecv += conn.MessagesReceived()
	}

	return &Stats{
		TotalConnections:      len(m.connections),
		TotalMessagesSent:     totalSent + m.totalMsgSent.Load(),
		TotalMessagesReceived: totalRecv + m.totalMsgRecv.Load(),
		Uptime:                time.Since(m.startTime).String(),
	}
}

// CloseAll closes every live connection. Their handlers notice the closed
// socket and run the engine's disconnect path.
func (m *Manager) CloseAll(reason string) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close(CloseGoingAway, reason)
	}
}
