// Package gateway terminates agent WebSocket connections for one
// server instance.
//
// Each connection is authenticated before the upgrade, recorded in the
// shared presence registry with this instance's server ID as its
// routing key, and serviced by a per-connection read loop that
// dispatches inbound messages through a fixed handler table. Outbound
// delivery consults the registry first: events reach an agent only
// through the instance that owns its socket.
package gateway
