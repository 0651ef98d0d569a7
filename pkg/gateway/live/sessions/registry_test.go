package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-realtime/pkg/core"
)

func TestMemoryRegistry_Ceiling(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(2)

	require.NoError(t, reg.Acquire(ctx, "a"))
	require.NoError(t, reg.Acquire(ctx, "b"))
	require.NoError(t, reg.Acquire(ctx, "a"), "re-acquire of a held id is idempotent")

	err := reg.Acquire(ctx, "c")
	require.Error(t, err)
	assert.True(t, errors.Is(err, &core.Error{Type: core.ErrOverloaded}))

	require.NoError(t, reg.Release(ctx, "a"))
	require.NoError(t, reg.Acquire(ctx, "c"))

	n, err := reg.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryRegistry_Unlimited(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(0)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, reg.Acquire(ctx, id))
	}
	n, _ := reg.Count(ctx)
	assert.Equal(t, 4, n)
}

type registryClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *registryClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *registryClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMiniRedisRegistry(t *testing.T, maxSessions int) (*miniredis.Miniredis, *RedisRegistry, *registryClock) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &registryClock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
	reg, err := NewRedisRegistry(client, RedisRegistryConfig{
		Key:         "test:realtime:sessions",
		MaxSessions: maxSessions,
		Staleness:   30 * time.Second,
		Now:         clock.Now,
	})
	require.NoError(t, err)
	return server, reg, clock
}

func TestRedisRegistry_CeilingAndRelease(t *testing.T) {
	server, reg, _ := newMiniRedisRegistry(t, 2)
	ctx := context.Background()

	require.NoError(t, reg.Acquire(ctx, "a"))
	require.NoError(t, reg.Acquire(ctx, "b"))

	err := reg.Acquire(ctx, "c")
	require.Error(t, err)
	assert.Equal(t, core.ErrOverloaded, core.TypeOf(err))

	members, err := server.ZMembers("test:realtime:sessions")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members, "refused member must be rolled back")

	require.NoError(t, reg.Release(ctx, "a"))
	require.NoError(t, reg.Acquire(ctx, "c"))

	n, err := reg.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRedisRegistry_StaleMembersAgeOut(t *testing.T) {
	_, reg, clock := newMiniRedisRegistry(t, 1)
	ctx := context.Background()

	require.NoError(t, reg.Acquire(ctx, "crashed"))
	require.Error(t, reg.Acquire(ctx, "next"))

	clock.advance(31 * time.Second)
	require.NoError(t, reg.Acquire(ctx, "next"))

	n, err := reg.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisRegistry_HeartbeatKeepsMemberAlive(t *testing.T) {
	_, reg, clock := newMiniRedisRegistry(t, 0)
	ctx := context.Background()

	require.NoError(t, reg.Acquire(ctx, "live"))
	require.NoError(t, reg.Acquire(ctx, "quiet"))

	clock.advance(20 * time.Second)
	require.NoError(t, reg.Heartbeat(ctx, "live"))
	clock.advance(20 * time.Second)

	n, err := reg.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisRegistry_HeartbeatDoesNotResurrect(t *testing.T) {
	server, reg, _ := newMiniRedisRegistry(t, 0)
	ctx := context.Background()

	require.NoError(t, reg.Acquire(ctx, "a"))
	require.NoError(t, reg.Release(ctx, "a"))
	require.NoError(t, reg.Heartbeat(ctx, "a"))

	assert.False(t, server.Exists("test:realtime:sessions"))
}

func TestNewRedisRegistry_RequiresClient(t *testing.T) {
	_, err := NewRedisRegistry(nil, RedisRegistryConfig{})
	assert.Error(t, err)
}

func TestDialRedis_PingFailure(t *testing.T) {
	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := DialRedis(ctx, RedisOptions{Addr: addr})
	assert.Error(t, err)
}

type countingRegistry struct {
	*MemoryRegistry
	mu    sync.Mutex
	beats int
}

func (c *countingRegistry) Heartbeat(context.Context, string) error {
	c.mu.Lock()
	c.beats++
	c.mu.Unlock()
	return nil
}

func (c *countingRegistry) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beats
}

func TestKeepAlive_TicksUntilCanceled(t *testing.T) {
	reg := &countingRegistry{MemoryRegistry: NewMemoryRegistry(0)}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		KeepAlive(ctx, reg, "a", 5*time.Millisecond, nil)
	}()

	require.Eventually(t, func() bool { return reg.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("KeepAlive did not return after cancel")
	}
}
