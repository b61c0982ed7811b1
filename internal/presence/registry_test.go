// ABOUTME: Tests for the Redis-backed presence registry
// ABOUTME: Covers register/renew/remove/lookup, TTL expiry, and tenant membership pruning

package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, ttl time.Duration) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return New(rdb, ttl, func() time.Time { return base }), mr
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg, _ := newTestRegistry(t, 5*time.Minute)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "agent-1", "tenant-a", "server-1"))

	rec, err := reg.Lookup(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "agent-1", rec.AgentID)
	assert.Equal(t, "tenant-a", rec.TenantID)
	assert.Equal(t, "server-1", rec.RoutingKey)
	assert.Equal(t, StatusConnected, rec.Status)
	assert.False(t, rec.ConnectedAt.IsZero())
}

func TestRegistry_Lookup_Absent(t *testing.T) {
	reg, _ := newTestRegistry(t, 5*time.Minute)

	rec, err := reg.Lookup(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRegistry_Register_Replaces(t *testing.T) {
	reg, _ := newTestRegistry(t, 5*time.Minute)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "agent-1", "tenant-a", "server-1"))
	// Reconnect through a different gateway instance
	require.NoError(t, reg.Register(ctx, "agent-1", "tenant-a", "server-2"))

	rec, err := reg.Lookup(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "server-2", rec.RoutingKey)
}

func TestRegistry_TTLExpiry(t *testing.T) {
	reg, mr := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "agent-1", "tenant-a", "server-1"))

	mr.FastForward(61 * time.Second)

	rec, err := reg.Lookup(ctx, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, rec, "record should expire without renewal")
}

func TestRegistry_RenewExtendsLiveness(t *testing.T) {
	reg, mr := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "agent-1", "tenant-a", "server-1"))

	// Renew just before expiry, repeatedly: the record must stay alive
	// indefinitely under periodic heartbeats.
	for i := 0; i < 5; i++ {
		mr.FastForward(59 * time.Second)
		require.NoError(t, reg.Renew(ctx, "agent-1", ""))
	}

	rec, err := reg.Lookup(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestRegistry_RenewUpdatesStatus(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "agent-1", "tenant-a", "server-1"))
	require.NoError(t, reg.Renew(ctx, "agent-1", StatusWorking))

	rec, err := reg.Lookup(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusWorking, rec.Status)
}

func TestRegistry_RenewKeepsFullRecord(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "agent-1", "tenant-a", "server-1"))
	require.NoError(t, reg.Renew(ctx, "agent-1", StatusWorking))

	// A renew rewrites the whole record; tenant and routing key must
	// survive it intact or Emit routing goes blind.
	rec, err := reg.Lookup(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "tenant-a", rec.TenantID)
	assert.Equal(t, "server-1", rec.RoutingKey)
	assert.False(t, rec.ConnectedAt.IsZero())
}

func TestRegistry_Renew_NotRegistered(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)

	err := reg.Renew(context.Background(), "ghost", "")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegistry_Remove(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "agent-1", "tenant-a", "server-1"))

	rec, err := reg.Remove(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "server-1", rec.RoutingKey)

	// Record gone and membership cleaned up
	got, err := reg.Lookup(ctx, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	members, err := reg.MembersOf(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Empty(t, members)

	// Idempotent
	rec, err = reg.Remove(ctx, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRegistry_MembersOf(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "agent-1", "tenant-a", "server-1"))
	require.NoError(t, reg.Register(ctx, "agent-2", "tenant-a", "server-2"))
	require.NoError(t, reg.Register(ctx, "agent-3", "tenant-b", "server-1"))

	members, err := reg.MembersOf(ctx, "tenant-a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"agent-1", "agent-2"}, members)
}

func TestRegistry_MembersOf_PrunesExpired(t *testing.T) {
	reg, mr := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "agent-1", "tenant-a", "server-1"))
	require.NoError(t, reg.Register(ctx, "agent-2", "tenant-a", "server-1"))

	// agent-2 stops heartbeating; agent-1 keeps renewing
	mr.FastForward(45 * time.Second)
	require.NoError(t, reg.Renew(ctx, "agent-1", ""))
	mr.FastForward(30 * time.Second)

	members, err := reg.MembersOf(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, members)

	// The stale entry was removed from the set itself, not just filtered
	raw, err := reg.rdb.SMembers(ctx, tenantKey("tenant-a")).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, raw)
}

func TestRegistry_StoreUnavailable(t *testing.T) {
	reg, mr := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "agent-1", "tenant-a", "server-1"))

	mr.Close()

	// Unreachable store must surface as an error, never as "absent".
	_, err := reg.Lookup(ctx, "agent-1")
	assert.Error(t, err)

	_, err = reg.MembersOf(ctx, "tenant-a")
	assert.Error(t, err)

	err = reg.Register(ctx, "agent-2", "tenant-a", "server-1")
	assert.Error(t, err)
}
