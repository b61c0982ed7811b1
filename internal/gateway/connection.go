// ABOUTME: Represents a single connected agent and manages writes to its WebSocket
// ABOUTME: Serializes outbound frames so concurrent emitters never interleave writes

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/itamar-marom/oblivion/internal/events"
)

// writeTimeout bounds a single outbound frame write.
const writeTimeout = 5 * time.Second

// Connection represents a connected agent with its WebSocket.
type Connection struct {
	AgentID      string
	TenantID     string
	Capabilities []string

	ws      *websocket.Conn
	writeMu sync.Mutex
	logger  *slog.Logger
}

// NewConnection creates a new Connection for a connected agent.
func NewConnection(agentID, tenantID string, ws *websocket.Conn, logger *slog.Logger) *Connection {
	return &Connection{
		AgentID:  agentID,
		TenantID: tenantID,
		ws:       ws,
		logger:   logger,
	}
}

// Send transmits an event envelope to the agent. Writes are serialized;
// emitters from any goroutine may call Send concurrently.
func (c *Connection) Send(ctx context.Context, env events.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, c.ws, env)
}

// Read blocks until the next inbound envelope arrives.
func (c *Connection) Read(ctx context.Context) (events.Envelope, error) {
	var env events.Envelope
	err := wsjson.Read(ctx, c.ws, &env)
	return env, err
}

// Close closes the underlying WebSocket with the given status.
func (c *Connection) Close(code websocket.StatusCode, reason string) {
	_ = c.ws.Close(code, reason)
}
