// ABOUTME: Tracks agent connections held by this gateway instance and their tenant groups
// ABOUTME: Local view only; the shared presence registry is the authoritative cross-instance map

package gateway

import (
	"log/slog"
	"sync"
)

// Manager tracks the agent connections owned by this process, grouped
// by tenant for broadcast. It deliberately holds no authority over
// presence: the registry decides what the rest of the system sees.
type Manager struct {
	mu      sync.RWMutex
	agents  map[string]*Connection
	tenants map[string]map[string]*Connection
	logger  *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		agents:  make(map[string]*Connection),
		tenants: make(map[string]map[string]*Connection),
		logger:  logger,
	}
}

// Register adds an agent connection, replacing and returning any prior
// connection for the same agent (nil if there was none). The caller is
// responsible for closing the replaced connection.
func (m *Manager) Register(conn *Connection) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	prior := m.agents[conn.AgentID]
	if prior != nil {
		m.removeLocked(prior)
	}

	m.agents[conn.AgentID] = conn
	group, ok := m.tenants[conn.TenantID]
	if !ok {
		group = make(map[string]*Connection)
		m.tenants[conn.TenantID] = group
	}
	group[conn.AgentID] = conn

	m.logger.Info("agent connected",
		"agent_id", conn.AgentID,
		"tenant_id", conn.TenantID,
		"total_agents", len(m.agents),
	)
	return prior
}

// Unregister removes a connection. It is a no-op if the agent has
// already reconnected with a newer connection, so a late cleanup from
// a dying socket never evicts its replacement.
func (m *Manager) Unregister(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.agents[conn.AgentID]; !ok || current != conn {
		return
	}
	m.removeLocked(conn)

	m.logger.Info("agent disconnected",
		"agent_id", conn.AgentID,
		"tenant_id", conn.TenantID,
		"total_agents", len(m.agents),
	)
}

// removeLocked deletes a connection from both indexes. Must be called with mu held.
func (m *Manager) removeLocked(conn *Connection) {
	delete(m.agents, conn.AgentID)
	if group, ok := m.tenants[conn.TenantID]; ok {
		delete(group, conn.AgentID)
		if len(group) == 0 {
			delete(m.tenants, conn.TenantID)
		}
	}
}

// Get retrieves a specific agent connection by ID.
func (m *Manager) Get(agentID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.agents[agentID]
	return conn, ok
}

// TenantConnections returns the connections in a tenant's local group.
func (m *Manager) TenantConnections(tenantID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	group := m.tenants[tenantID]
	conns := make([]*Connection, 0, len(group))
	for _, conn := range group {
		conns = append(conns, conn)
	}
	return conns
}

// All returns every connection held by this instance.
func (m *Manager) All() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*Connection, 0, len(m.agents))
	for _, conn := range m.agents {
		conns = append(conns, conn)
	}
	return conns
}

// Count returns the number of connected agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}
