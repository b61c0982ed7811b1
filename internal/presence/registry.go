// ABOUTME: Shared presence registry mapping agents to the server instance holding their connection
// ABOUTME: Backed by Redis with TTL-keyed records so half-open connections expire on their own

package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Agent connection statuses stored in the registry.
const (
	StatusConnected = "connected"
	StatusIdle      = "idle"
	StatusWorking   = "working"
	StatusError     = "error"
)

// ErrNotRegistered indicates a renew was attempted for an agent with no
// live record. The caller must re-register before renewing.
var ErrNotRegistered = errors.New("agent not registered")

// Record is a live agent connection entry. It is owned exclusively by
// the registry and rebuildable from live connections at any time; it is
// never the durable source of truth for anything.
type Record struct {
	AgentID     string
	TenantID    string
	RoutingKey  string // id of the gateway instance holding the socket
	Status      string
	ConnectedAt time.Time
	LastSeen    time.Time
}

const (
	agentKeyPrefix  = "presence:agent:"
	tenantKeyPrefix = "presence:tenant:"
)

// Registry is the Redis-backed presence store. All gateway instances
// share one registry; none of them cache its contents locally, so every
// instance observes the same view.
type Registry struct {
	rdb    *redis.Client
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// New creates a registry with the given record TTL. The clock is
// injectable so tests control timestamps without sleeping.
func New(rdb *redis.Client, ttl time.Duration, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		rdb:    rdb,
		ttl:    ttl,
		now:    now,
		logger: slog.Default().With("component", "presence"),
	}
}

func agentKey(agentID string) string   { return agentKeyPrefix + agentID }
func tenantKey(tenantID string) string { return tenantKeyPrefix + tenantID }

// Register upserts the connection record for an agent, replacing any
// prior record, and adds the agent to its tenant's membership set.
func (r *Registry) Register(ctx context.Context, agentID, tenantID, routingKey string) error {
	now := r.now().UTC()

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, agentKey(agentID), map[string]interface{}{
		"tenant_id":    tenantID,
		"routing_key":  routingKey,
		"status":       StatusConnected,
		"connected_at": now.Format(time.RFC3339Nano),
		"last_seen":    now.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, agentKey(agentID), r.ttl)
	pipe.SAdd(ctx, tenantKey(tenantID), agentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence register: %w", err)
	}

	r.logger.Debug("agent registered",
		"agent_id", agentID,
		"tenant_id", tenantID,
		"routing_key", routingKey,
		"ttl", r.ttl,
	)
	return nil
}

// Renew refreshes the TTL and last-seen timestamp for an agent, and
// optionally updates its status (empty status leaves it unchanged).
// Returns ErrNotRegistered if the record has expired or never existed;
// the caller must re-register in that case.
//
// The full record is written back, not just the refreshed fields. An
// expiry racing the read-then-write would otherwise resurrect a hash
// holding only last_seen, with no tenant or routing key for Lookup to
// return.
func (r *Registry) Renew(ctx context.Context, agentID, status string) error {
	rec, err := r.Lookup(ctx, agentID)
	if err != nil {
		return fmt.Errorf("presence renew: %w", err)
	}
	if rec == nil {
		return ErrNotRegistered
	}

	if status != "" {
		rec.Status = status
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, agentKey(agentID), map[string]interface{}{
		"tenant_id":    rec.TenantID,
		"routing_key":  rec.RoutingKey,
		"status":       rec.Status,
		"connected_at": rec.ConnectedAt.Format(time.RFC3339Nano),
		"last_seen":    r.now().UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, agentKey(agentID), r.ttl)
	pipe.SAdd(ctx, tenantKey(rec.TenantID), agentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence renew: %w", err)
	}
	return nil
}

// Remove deletes the agent's record and returns the prior record, or
// nil if no record existed. It is idempotent and safe to call on
// disconnect regardless of whether the record already expired.
func (r *Registry) Remove(ctx context.Context, agentID string) (*Record, error) {
	rec, err := r.Lookup(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, agentKey(agentID))
	pipe.SRem(ctx, tenantKey(rec.TenantID), agentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence remove: %w", err)
	}

	r.logger.Debug("agent removed", "agent_id", agentID, "tenant_id", rec.TenantID)
	return rec, nil
}

// Lookup returns the live record for an agent, or nil if the record is
// absent or has expired. A store failure is returned as an error, never
// as "absent": callers must not treat an unreachable store as a
// disconnected agent.
func (r *Registry) Lookup(ctx context.Context, agentID string) (*Record, error) {
	fields, err := r.rdb.HGetAll(ctx, agentKey(agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence lookup: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return recordFromFields(agentID, fields), nil
}

// MembersOf returns the agent ids currently registered under a tenant.
// Expired agents are pruned from the membership set lazily: the set
// itself carries no TTL, so entries whose agent record has expired are
// removed here before the result is returned.
func (r *Registry) MembersOf(ctx context.Context, tenantID string) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, tenantKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence members: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := r.rdb.Pipeline()
	checks := make([]*redis.IntCmd, len(members))
	for i, agentID := range members {
		checks[i] = pipe.Exists(ctx, agentKey(agentID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence members: %w", err)
	}

	live := make([]string, 0, len(members))
	var stale []interface{}
	for i, agentID := range members {
		if checks[i].Val() > 0 {
			live = append(live, agentID)
		} else {
			stale = append(stale, agentID)
		}
	}

	if len(stale) > 0 {
		if err := r.rdb.SRem(ctx, tenantKey(tenantID), stale...).Err(); err != nil {
			// Pruning is an optimization; the live list is already correct.
			r.logger.Warn("pruning stale tenant members failed", "tenant_id", tenantID, "error", err)
		}
	}

	return live, nil
}

// TTL returns the record TTL the registry applies on register and renew.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

func recordFromFields(agentID string, fields map[string]string) *Record {
	rec := &Record{
		AgentID:    agentID,
		TenantID:   fields["tenant_id"],
		RoutingKey: fields["routing_key"],
		Status:     fields["status"],
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["connected_at"]); err == nil {
		rec.ConnectedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["last_seen"]); err == nil {
		rec.LastSeen = t
	}
	return rec
}
