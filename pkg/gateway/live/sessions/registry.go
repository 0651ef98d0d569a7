package sessions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vango-go/vai-realtime/pkg/core"
)

// Registry admits relay sessions against a concurrency ceiling. A max of 0
// disables the ceiling but sessions are still counted.
type Registry interface {
	Acquire(ctx context.Context, sessionID string) error
	Heartbeat(ctx context.Context, sessionID string) error
	Release(ctx context.Context, sessionID string) error
	Count(ctx context.Context) (int, error)
	Close() error
}

const errAtCapacity = "session limit reached"

// MemoryRegistry counts sessions for a single gateway process.
type MemoryRegistry struct {
	max int

	mu  sync.Mutex
	ids map[string]struct{}
}

func NewMemoryRegistry(maxSessions int) *MemoryRegistry {
	if maxSessions < 0 {
		maxSessions = 0
	}
	return &MemoryRegistry{max: maxSessions, ids: make(map[string]struct{})}
}

func (r *MemoryRegistry) Acquire(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[sessionID]; ok {
		return nil
	}
	if r.max > 0 && len(r.ids) >= r.max {
		return core.NewOverloadedError(errAtCapacity)
	}
	r.ids[sessionID] = struct{}{}
	return nil
}

func (r *MemoryRegistry) Heartbeat(context.Context, string) error { return nil }

func (r *MemoryRegistry) Release(_ context.Context, sessionID string) error {
	r.mu.Lock()
	delete(r.ids, sessionID)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Count(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids), nil
}

func (r *MemoryRegistry) Close() error { return nil }

const (
	DefaultRedisKey       = "vai-realtime:sessions"
	DefaultRedisStaleness = 45 * time.Second
)

type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// DialRedis connects and pings so misconfiguration fails at startup.
func DialRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

type RedisRegistryConfig struct {
	Key         string
	MaxSessions int
	// Staleness is how long a member survives without a heartbeat. Members
	// left behind by a crashed gateway age out after this window.
	Staleness time.Duration
	Now       func() time.Time
}

// RedisRegistry shares the session ceiling across gateway instances using a
// sorted set of session ids scored by last heartbeat.
type RedisRegistry struct {
	client    *redis.Client
	key       string
	max       int
	staleness time.Duration
	now       func() time.Time
}

func NewRedisRegistry(client *redis.Client, cfg RedisRegistryConfig) (*RedisRegistry, error) {
	if client == nil {
		return nil, errors.New("redis registry: nil client")
	}
	if cfg.Key == "" {
		cfg.Key = DefaultRedisKey
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = DefaultRedisStaleness
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxSessions < 0 {
		cfg.MaxSessions = 0
	}
	return &RedisRegistry{
		client:    client,
		key:       cfg.Key,
		max:       cfg.MaxSessions,
		staleness: cfg.Staleness,
		now:       cfg.Now,
	}, nil
}

func (r *RedisRegistry) score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (r *RedisRegistry) staleBound() string {
	return "(" + strconv.FormatInt(r.now().Add(-r.staleness).UnixMilli(), 10)
}

// Acquire adds the session then checks the set size, backing the member out
// when the ceiling is exceeded. Concurrent acquires may both be refused near
// the ceiling but never both admitted past it.
func (r *RedisRegistry) Acquire(ctx context.Context, sessionID string) error {
	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, r.key, "-inf", r.staleBound())
		pipe.ZAdd(ctx, r.key, redis.Z{Score: r.score(r.now()), Member: sessionID})
		card = pipe.ZCard(ctx, r.key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis registry acquire: %w", err)
	}
	if r.max > 0 && card.Val() > int64(r.max) {
		if err := r.client.ZRem(ctx, r.key, sessionID).Err(); err != nil {
			return fmt.Errorf("redis registry rollback: %w", err)
		}
		return core.NewOverloadedError(errAtCapacity)
	}
	return nil
}

// Heartbeat refreshes the member score. XX keeps a released session from
// being resurrected by a late tick.
func (r *RedisRegistry) Heartbeat(ctx context.Context, sessionID string) error {
	if err := r.client.ZAddXX(ctx, r.key, redis.Z{Score: r.score(r.now()), Member: sessionID}).Err(); err != nil {
		return fmt.Errorf("redis registry heartbeat: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Release(ctx context.Context, sessionID string) error {
	if err := r.client.ZRem(ctx, r.key, sessionID).Err(); err != nil {
		return fmt.Errorf("redis registry release: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Count(ctx context.Context) (int, error) {
	if err := r.client.ZRemRangeByScore(ctx, r.key, "-inf", r.staleBound()).Err(); err != nil {
		return 0, fmt.Errorf("redis registry prune: %w", err)
	}
	n, err := r.client.ZCard(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis registry count: %w", err)
	}
	return int(n), nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

// KeepAlive heartbeats sessionID every interval until ctx ends. Errors are
// passed to onErr and do not stop the loop.
func KeepAlive(ctx context.Context, reg Registry, sessionID string, interval time.Duration, onErr func(error)) {
	if reg == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := reg.Heartbeat(ctx, sessionID); err != nil && onErr != nil && ctx.Err() == nil {
				onErr(err)
			}
		}
	}
}
