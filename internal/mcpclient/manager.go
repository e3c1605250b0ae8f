package mcpclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/rakunlabs/mawi-gateway/internal/domain"
)

// Manager holds one Connection per configured MCP server behind a shared
// map. The map lock (spec.md §5) is released before a long-running tool
// call runs — callers fetch the *Connection first, then call it, so a
// slow tool never blocks another goroutine's unrelated Get/Connect.
type Manager struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewManager builds an empty Manager.
func NewManager() *Manager {
	return &Manager{conns: make(map[string]*Connection)}
}

// Ensure returns the existing connection for server.Key, connecting one if
// none exists yet or the existing one has failed/closed.
func (m *Manager) Ensure(ctx context.Context, server domain.McpServer) (*Connection, error) {
	m.mu.RLock()
	existing, ok := m.conns[server.Key]
	m.mu.RUnlock()

	if ok && existing.State() == StateConnected {
		return existing, nil
	}

	conn, err := Connect(ctx, server)
	if err != nil {
		m.mu.Lock()
		m.conns[server.Key] = conn // keep the failed connection visible for Status()
		m.mu.Unlock()
		return nil, fmt.Errorf("mcpclient: connect %s: %w", server.Key, err)
	}

	m.mu.Lock()
	m.conns[server.Key] = conn
	m.mu.Unlock()

	return conn, nil
}

// Get returns the connection for a server key without connecting, or nil
// if none exists.
func (m *Manager) Get(key string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[key]
}

// Connected returns the keys of every currently-connected server, per
// spec.md §4.2's "tools from any MCP server... currently in connected
// state" filter.
func (m *Manager) Connected() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key, c := range m.conns {
		if c.State() == StateConnected {
			keys = append(keys, key)
		}
	}
	return keys
}

// CloseAll closes every tracked connection.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
