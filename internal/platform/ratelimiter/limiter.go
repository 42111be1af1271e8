package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultIdleTTL = 10 * time.Minute
	sweepEvery     = 512
)

type Config struct {
	Enabled bool
	RPS     float64
	Burst   int
	IdleTTL time.Duration
}

// PerMinute builds a config allowing n events per minute with burst n.
func PerMinute(n int) Config {
	return Config{Enabled: n > 0, RPS: float64(n) / 60, Burst: n}
}

// KeyLimiter applies a token bucket per string key and periodically evicts idle entries.
type KeyLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byKey map[string]*entry
	hits  uint64
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New returns nil when the config is disabled or invalid; a nil limiter allows everything.
func New(cfg Config) *KeyLimiter {
	if !cfg.Enabled || cfg.RPS <= 0 || cfg.Burst <= 0 {
		return nil
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	return &KeyLimiter{
		limit:   rate.Limit(cfg.RPS),
		burst:   cfg.Burst,
		idleTTL: cfg.IdleTTL,
		byKey:   make(map[string]*entry),
	}
}

// Allow reports whether one token can be consumed for key at now.
func (l *KeyLimiter) Allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%sweepEvery == 0 {
		l.evictIdleLocked(now)
	}
	return allowed
}

// Forget drops the bucket for key, e.g. once a challenge session is closed.
func (l *KeyLimiter) Forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byKey, strings.TrimSpace(key))
}

func (l *KeyLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}

func (l *KeyLimiter) evictIdleLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for k, v := range l.byKey {
		if v.lastSeen.Before(cutoff) {
			delete(l.byKey, k)
		}
	}
}
