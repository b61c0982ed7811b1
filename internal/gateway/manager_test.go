// ABOUTME: Tests for the local connection manager's replacement semantics
// ABOUTME: A stale connection's teardown must never evict its replacement

package gateway

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBareConnection(agentID, tenantID string) *Connection {
	return &Connection{AgentID: agentID, TenantID: tenantID, logger: slog.Default()}
}

func TestManagerRegister_ReturnsPrior(t *testing.T) {
	m := NewManager(slog.Default())

	first := newBareConnection("agent-1", "tenant-1")
	require.Nil(t, m.Register(first))

	second := newBareConnection("agent-1", "tenant-1")
	prior := m.Register(second)
	assert.Same(t, first, prior)

	got, ok := m.Get("agent-1")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, m.Count())
}

func TestManagerUnregister_StaleConnectionKeepsReplacement(t *testing.T) {
	m := NewManager(slog.Default())

	first := newBareConnection("agent-1", "tenant-1")
	m.Register(first)
	second := newBareConnection("agent-1", "tenant-1")
	m.Register(second)

	// The superseded connection's read loop tears down after the
	// replacement registered. It must not remove the new connection.
	m.Unregister(first)

	got, ok := m.Get("agent-1")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestManagerTenantConnections(t *testing.T) {
	m := NewManager(slog.Default())

	m.Register(newBareConnection("agent-a", "tenant-1"))
	m.Register(newBareConnection("agent-b", "tenant-1"))
	m.Register(newBareConnection("agent-c", "tenant-2"))

	assert.Len(t, m.TenantConnections("tenant-1"), 2)
	assert.Len(t, m.TenantConnections("tenant-2"), 1)
	assert.Empty(t, m.TenantConnections("tenant-3"))

	m.Unregister(m.mustGet("agent-a"))
	assert.Len(t, m.TenantConnections("tenant-1"), 1)
}

func (m *Manager) mustGet(agentID string) *Connection {
	conn, _ := m.Get(agentID)
	return conn
}
