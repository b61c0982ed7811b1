// ABOUTME: Connection Gateway terminating agent WebSockets with an explicit dispatch table
// ABOUTME: Authenticates on connect, registers presence, and routes inbound messages to handlers

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/itamar-marom/oblivion/internal/auth"
	"github.com/itamar-marom/oblivion/internal/events"
	"github.com/itamar-marom/oblivion/internal/presence"
)

// TaskClaimer is the claim arbitrator as seen from the gateway. The
// realtime claim_task message and the REST claim endpoint go through
// the same collaborator.
type TaskClaimer interface {
	Claim(ctx context.Context, agentID, taskID string) (events.ClaimResultPayload, error)
}

// handlerFunc processes one inbound envelope for a connection.
type handlerFunc func(ctx context.Context, conn *Connection, env events.Envelope) error

// Gateway terminates agent connections for this server instance.
type Gateway struct {
	serverID string
	manager  *Manager
	registry *presence.Registry
	verifier auth.TokenVerifier
	claimer  TaskClaimer
	logger   *slog.Logger

	// handlers is the fixed dispatch table for inbound message types.
	handlers map[events.Type]handlerFunc
}

// New creates a Gateway. The serverID doubles as this instance's
// presence routing key.
func New(registry *presence.Registry, verifier auth.TokenVerifier, claimer TaskClaimer) *Gateway {
	logger := slog.Default().With("component", "gateway")
	g := &Gateway{
		serverID: uuid.New().String(),
		manager:  NewManager(logger),
		registry: registry,
		verifier: verifier,
		claimer:  claimer,
		logger:   logger,
	}
	g.handlers = map[events.Type]handlerFunc{
		events.TypeHeartbeat:    g.handleHeartbeat,
		events.TypeAgentReady:   g.handleAgentReady,
		events.TypeStatusUpdate: g.handleStatusUpdate,
		events.TypeClaimTask:    g.handleClaimTask,
		events.TypeToolRequest:  g.handleToolRequest,
	}
	return g
}

// ServerID returns this instance's presence routing key.
func (g *Gateway) ServerID() string {
	return g.serverID
}

// HandleAgentSocket upgrades an agent connection. The bearer credential
// is verified before the upgrade; an invalid credential is rejected
// with 401 and no registry write happens.
func (g *Gateway) HandleAgentSocket(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		http.Error(w, `{"error":"missing credential"}`, http.StatusUnauthorized)
		return
	}

	id, err := g.verifier.Verify(token)
	if err != nil {
		g.logger.Warn("agent connection rejected", "error", err)
		http.Error(w, `{"error":"invalid credential"}`, http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket accept failed", "agent_id", id.AgentID, "error", err)
		return
	}

	conn := NewConnection(id.AgentID, id.TenantID, ws, g.logger)

	// The socket is live; record it in the shared registry so other
	// instances can route to us. If the registry is unreachable the
	// connection is refused: an unregistered agent is invisible to the
	// rest of the system.
	if err := g.registry.Register(r.Context(), id.AgentID, id.TenantID, g.serverID); err != nil {
		g.logger.Error("presence register failed", "agent_id", id.AgentID, "error", err)
		conn.Close(websocket.StatusInternalError, "presence unavailable")
		return
	}

	if prior := g.manager.Register(conn); prior != nil {
		prior.Close(websocket.StatusPolicyViolation, "superseded by new connection")
	}

	ack, err := events.New(events.TypeConnected, events.ConnectedPayload{
		Message:    "connected",
		AgentID:    id.AgentID,
		ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err == nil {
		if err := conn.Send(r.Context(), ack); err != nil {
			g.logger.Warn("sending connected ack failed", "agent_id", id.AgentID, "error", err)
		}
	}

	g.readLoop(conn)
}

// readLoop processes inbound frames for one connection until it drops.
// Messages on a single connection are handled strictly in order;
// ordering across connections is not defined.
func (g *Gateway) readLoop(conn *Connection) {
	ctx := context.Background()
	defer g.cleanup(ctx, conn)

	for {
		env, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				g.logger.Debug("agent closed connection", "agent_id", conn.AgentID)
			} else {
				g.logger.Debug("agent connection dropped", "agent_id", conn.AgentID, "error", err)
			}
			return
		}

		handler, ok := g.handlers[env.Type]
		if !ok {
			// Unknown message types are ignored, not fatal.
			g.logger.Warn("unknown message type", "agent_id", conn.AgentID, "type", env.Type)
			continue
		}

		if err := handler(ctx, conn, env); err != nil {
			g.logger.Warn("message handler failed",
				"agent_id", conn.AgentID,
				"type", env.Type,
				"error", err,
			)
		}
	}
}

// cleanup removes a dropped connection from the local manager and the
// shared registry. When a replacement connection has already taken over
// the agent id, locally or on another gateway instance, the registry
// entry belongs to it and is left alone. Registry removal is
// best-effort: if it fails, the record's TTL retires it.
func (g *Gateway) cleanup(ctx context.Context, conn *Connection) {
	g.manager.Unregister(conn)
	if _, stillConnected := g.manager.Get(conn.AgentID); stillConnected {
		return
	}
	rec, err := g.registry.Lookup(ctx, conn.AgentID)
	if err != nil {
		g.logger.Warn("presence lookup on disconnect failed", "agent_id", conn.AgentID, "error", err)
		return
	}
	if rec == nil || rec.RoutingKey != g.serverID {
		return
	}
	if _, err := g.registry.Remove(ctx, conn.AgentID); err != nil {
		g.logger.Warn("presence remove failed", "agent_id", conn.AgentID, "error", err)
	}
}

// handleHeartbeat answers a ping with a pong and renews the agent's
// presence record. The renewal is detached from the reply path: a slow
// or unavailable registry must not delay the pong.
func (g *Gateway) handleHeartbeat(ctx context.Context, conn *Connection, env events.Envelope) error {
	payload, err := events.DecodePayload[events.HeartbeatPayload](env)
	if err != nil {
		return err
	}

	pong, err := events.New(events.TypeHeartbeat, events.HeartbeatPayload{
		Pong:       true,
		ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, pong); err != nil {
		return err
	}

	go g.renewPresence(conn, payload.Status)
	return nil
}

// renewPresence refreshes the registry entry, re-registering if the
// record expired. Errors are swallowed and logged; liveness renewal
// must never disturb the connection it describes.
func (g *Gateway) renewPresence(conn *Connection, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err := g.registry.Renew(ctx, conn.AgentID, status)
	if errors.Is(err, presence.ErrNotRegistered) {
		err = g.registry.Register(ctx, conn.AgentID, conn.TenantID, g.serverID)
	}
	if err != nil {
		g.logger.Warn("presence renew failed", "agent_id", conn.AgentID, "error", err)
	}
}

func (g *Gateway) handleAgentReady(ctx context.Context, conn *Connection, env events.Envelope) error {
	payload, err := events.DecodePayload[events.AgentReadyPayload](env)
	if err != nil {
		return err
	}

	conn.Capabilities = payload.Capabilities
	g.logger.Info("agent ready",
		"agent_id", conn.AgentID,
		"capabilities", payload.Capabilities,
		"version", payload.Version,
	)

	go g.renewPresence(conn, presence.StatusIdle)
	return nil
}

func (g *Gateway) handleStatusUpdate(ctx context.Context, conn *Connection, env events.Envelope) error {
	payload, err := events.DecodePayload[events.StatusUpdatePayload](env)
	if err != nil {
		return err
	}

	g.logger.Debug("agent status update",
		"agent_id", conn.AgentID,
		"status", payload.Status,
		"task_id", payload.TaskID,
	)

	go g.renewPresence(conn, payload.Status)
	return nil
}

// handleClaimTask runs the claim through the arbitrator and answers the
// requesting agent with a claim_result. Losing a race is a normal
// result, not an error.
func (g *Gateway) handleClaimTask(ctx context.Context, conn *Connection, env events.Envelope) error {
	payload, err := events.DecodePayload[events.ClaimTaskPayload](env)
	if err != nil {
		return err
	}

	result, err := g.claimer.Claim(ctx, conn.AgentID, payload.TaskID)
	if err != nil {
		result = events.ClaimResultPayload{
			TaskID:  payload.TaskID,
			Success: false,
			Error:   "claim failed, try again",
		}
		g.logger.Error("claim failed", "agent_id", conn.AgentID, "task_id", payload.TaskID, "error", err)
	}

	reply, err := events.New(events.TypeClaimResult, result)
	if err != nil {
		return err
	}
	return conn.Send(ctx, reply)
}

// handleToolRequest acknowledges tool requests. No tool backend is
// wired into the gateway; agents get an explicit failure instead of a
// silently dropped request.
func (g *Gateway) handleToolRequest(ctx context.Context, conn *Connection, env events.Envelope) error {
	payload, err := events.DecodePayload[events.ToolRequestPayload](env)
	if err != nil {
		return err
	}

	reply, err := events.New(events.TypeToolResult, events.ToolResultPayload{
		RequestID: payload.RequestID,
		Success:   false,
		Error:     "no tool backend configured",
	})
	if err != nil {
		return err
	}
	return conn.Send(ctx, reply)
}

// Shutdown closes every live connection. Presence cleanup happens in
// each connection's read-loop teardown.
func (g *Gateway) Shutdown(ctx context.Context) {
	conns := g.manager.All()
	g.logger.Info("closing agent connections", "count", len(conns))
	for _, conn := range conns {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
