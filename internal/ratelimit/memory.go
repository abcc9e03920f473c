package ratelimit

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
)

const (
	staleThreshold  = 10 * time.Minute
	cleanupInterval = time.Minute
)

type bucket struct {
	rule       Rule
	tokens     float64
	lastAccess time.Time
}

// refill credits tokens earned since the last access, capped at the burst.
func (b *bucket) refill(now time.Time) {
	b.tokens = math.Min(float64(b.rule.Burst), b.tokens+now.Sub(b.lastAccess).Seconds()*b.rule.Rate)
	b.lastAccess = now
}

// MemoryLimiter is a token bucket per key, held in process. The rule for a
// key is chosen by its class prefix, falling back to the default rule.
// Buckets idle for ten minutes are evicted.
type MemoryLimiter struct {
	def   Rule
	rules map[string]Rule // class prefix (e.g. "crew:") -> rule

	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) { m.now = now }
}

// WithClassRule gives keys starting with prefix their own rule.
func WithClassRule(prefix string, r Rule) MemoryOption {
	return func(m *MemoryLimiter) { m.rules[prefix] = r }
}

// NewMemoryLimiter starts a limiter whose keys default to def. Call Close to
// stop the eviction goroutine.
func NewMemoryLimiter(def Rule, opts ...MemoryOption) *MemoryLimiter {
	m := &MemoryLimiter{
		def:     def,
		rules:   make(map[string]Rule),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.cleanup()
	return m
}

func (m *MemoryLimiter) ruleFor(key string) Rule {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		if r, ok := m.rules[key[:i+1]]; ok {
			return r
		}
	}
	return m.def
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Allow consumes one token from key's bucket. A new key starts full.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		rule := m.ruleFor(key)
		b = &bucket{rule: rule, tokens: float64(rule.Burst), lastAccess: now}
		m.buckets[key] = b
	}
	b.refill(now)
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// RetryAfter returns how long until key has a whole token again. It is zero
// for unknown keys and keys with tokens left, and a minute for keys whose
// rule never refills.
func (m *MemoryLimiter) RetryAfter(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok {
		return 0
	}
	b.refill(m.now())
	if b.tokens >= 1 {
		return 0
	}
	if b.rule.Rate <= 0 {
		return time.Minute
	}
	return time.Duration((1 - b.tokens) / b.rule.Rate * float64(time.Second))
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
