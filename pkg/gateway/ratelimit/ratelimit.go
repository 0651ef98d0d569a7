package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

// Config bounds what a single client address may do. Zero values disable
// the corresponding limit.
type Config struct {
	UpgradeRPS   float64
	UpgradeBurst int

	MaxSessionsPerClient int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*clientLimiter
}

type clientLimiter struct {
	mu sync.Mutex

	tb tokenBucket

	sessionSem chan struct{}

	lastSeen time.Time
}

type tokenBucket struct {
	rps      float64
	capacity float64

	tokens float64
	last   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*clientLimiter),
	}
}

// Enabled reports whether any limit is configured.
func (l *Limiter) Enabled() bool {
	if l == nil {
		return false
	}
	return (l.cfg.UpgradeRPS > 0 && l.cfg.UpgradeBurst > 0) || l.cfg.MaxSessionsPerClient > 0
}

// ClientKeyFromIP hashes an address so raw IPs are not held as map keys.
func ClientKeyFromIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return "ip_" + hex.EncodeToString(sum[:16])
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// AcquireUpgrade spends one token from the client's upgrade bucket.
func (l *Limiter) AcquireUpgrade(client string, now time.Time) Decision {
	if l == nil || l.cfg.UpgradeRPS <= 0 || l.cfg.UpgradeBurst <= 0 {
		return Decision{Allowed: true}
	}
	if client == "" {
		client = "anonymous"
	}

	cl := l.getOrCreate(client, now)
	cl.touch(now)

	ok, retryAfter := cl.allowToken(now, l.cfg.UpgradeRPS, l.cfg.UpgradeBurst)
	if !ok {
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}
	return Decision{Allowed: true}
}

// AcquireSession holds one of the client's concurrent session slots until
// the returned permit is released.
func (l *Limiter) AcquireSession(client string, now time.Time) Decision {
	if l == nil || l.cfg.MaxSessionsPerClient <= 0 {
		return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
	}
	if client == "" {
		client = "anonymous"
	}

	cl := l.getOrCreate(client, now)
	cl.touch(now)

	select {
	case cl.sessionSem <- struct{}{}:
		return Decision{
			Allowed: true,
			Permit:  &Permit{release: func() { <-cl.sessionSem }},
		}
	default:
		return Decision{Allowed: false, RetryAfter: 1}
	}
}

func (l *Limiter) getOrCreate(client string, now time.Time) *clientLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// Still too big: drop one idle entry. Entries holding session slots
		// are kept so their permits stay meaningful.
		if len(l.m) >= l.cfg.MaxEntries {
			for k, v := range l.m {
				if len(v.sessionSem) == 0 {
					delete(l.m, k)
					break
				}
			}
		}
	}

	if cl, ok := l.m[client]; ok {
		return cl
	}
	cl := &clientLimiter{
		sessionSem: make(chan struct{}, max(1, l.cfg.MaxSessionsPerClient)),
		lastSeen:   now,
	}
	l.m[client] = cl
	return cl
}

func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		if now.Sub(v.seen()) > ttl && len(v.sessionSem) == 0 {
			delete(l.m, k)
		}
	}
}

func (cl *clientLimiter) touch(now time.Time) {
	cl.mu.Lock()
	cl.lastSeen = now
	cl.mu.Unlock()
}

func (cl *clientLimiter) seen() time.Time {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.lastSeen
}

func (cl *clientLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	capacity := float64(burst)
	if cl.tb.capacity == 0 {
		cl.tb = tokenBucket{
			rps:      rps,
			capacity: capacity,
			tokens:   capacity,
			last:     now,
		}
	}

	elapsed := now.Sub(cl.tb.last).Seconds()
	if elapsed > 0 {
		cl.tb.tokens = math.Min(cl.tb.capacity, cl.tb.tokens+(elapsed*cl.tb.rps))
		cl.tb.last = now
	}

	if cl.tb.tokens >= 1.0 {
		cl.tb.tokens -= 1.0
		return true, 0
	}

	needed := 1.0 - cl.tb.tokens
	retryAfter := int(math.Ceil(needed / cl.tb.rps))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
