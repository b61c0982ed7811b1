// Package presence implements the shared agent presence registry.
//
// # Overview
//
// Every gateway instance records which agents it currently serves in a
// shared Redis store. A record maps an agent to a routing key (the id
// of the gateway instance holding the live socket) plus status and
// liveness timestamps, and carries a TTL of heartbeat-interval times a
// configurable multiplier (default 30s x 10 = 5 minutes).
//
// Records are written on connect, refreshed on every heartbeat, and
// deleted on disconnect. An agent whose transport half-opens stops
// renewing, so its record expires on its own and the rest of the
// system observes it as offline without any gateway cooperation.
//
// # Keys
//
//	presence:agent:<agentId>   hash, TTL-keyed connection record
//	presence:tenant:<tenantId> set of agent ids (pruned lazily)
//
// # Failure semantics
//
// Store unavailability surfaces as an error from every operation. It is
// never collapsed into "agent absent": callers decide how to degrade.
package presence
