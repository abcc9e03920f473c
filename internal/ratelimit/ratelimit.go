// Package ratelimit throttles API callers. Keys carry a class prefix
// ("owner:", "crew:", "ip:") so operators, reporting crews, and anonymous
// callers draw from separately sized budgets.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow consumes one unit of key's budget. An error signals a limiter
	// malfunction and callers fail open.
	Allow(ctx context.Context, key string) (bool, error)

	Close() error
}

// RetryAfterer is implemented by limiters that know when a denied key
// will next be allowed.
type RetryAfterer interface {
	RetryAfter(key string) time.Duration
}

// Rule is a sustained rate in requests per second and a burst capacity.
type Rule struct {
	Rate  float64
	Burst int
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
