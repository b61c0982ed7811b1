// ABOUTME: Outbound event delivery keyed on the shared presence registry
// ABOUTME: Delivers only to agents routed to this instance; remote agents are skipped

package gateway

import (
	"context"

	"github.com/itamar-marom/oblivion/internal/events"
)

// EmitToAgent delivers one event to one agent. It reports true only
// when the agent is present, routed to this instance, and the write
// succeeded. An absent or remotely routed agent is not an error.
func (g *Gateway) EmitToAgent(ctx context.Context, agentID string, env events.Envelope) (bool, error) {
	rec, err := g.registry.Lookup(ctx, agentID)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.RoutingKey != g.serverID {
		return false, nil
	}

	conn, ok := g.manager.Get(agentID)
	if !ok {
		// Registry says here, manager says gone: the connection dropped
		// between lookup and delivery.
		g.logger.Debug("agent routed here but not connected", "agent_id", agentID)
		return false, nil
	}

	if err := conn.Send(ctx, env); err != nil {
		g.logger.Warn("emit to agent failed", "agent_id", agentID, "error", err)
		return false, nil
	}
	return true, nil
}

// EmitToMany fans an event out to a set of agents, tolerating per-agent
// failures. It returns the number of agents the event reached.
func (g *Gateway) EmitToMany(ctx context.Context, agentIDs []string, env events.Envelope) int {
	delivered := 0
	for _, agentID := range agentIDs {
		ok, err := g.EmitToAgent(ctx, agentID, env)
		if err != nil {
			g.logger.Warn("emit lookup failed", "agent_id", agentID, "error", err)
			continue
		}
		if ok {
			delivered++
		}
	}
	return delivered
}

// EmitToTenant broadcasts to every agent of a tenant connected to this
// instance. Agents routed to other instances receive nothing from this
// call.
func (g *Gateway) EmitToTenant(ctx context.Context, tenantID string, env events.Envelope) int {
	delivered := 0
	for _, conn := range g.manager.TenantConnections(tenantID) {
		if err := conn.Send(ctx, env); err != nil {
			g.logger.Warn("tenant broadcast failed", "agent_id", conn.AgentID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}
