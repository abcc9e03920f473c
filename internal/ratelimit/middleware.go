package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/rex/internal/auth"
	"github.com/ashita-ai/rex/internal/ctxutil"
	"github.com/ashita-ai/rex/internal/model"
)

// KeyFunc extracts the rate limit key from a request.
// Returns empty string to skip rate limiting for this request.
type KeyFunc func(r *http.Request) string

// Middleware returns HTTP middleware that enforces limiter per key. Limiter
// errors fail open and are logged.
func Middleware(limiter Limiter, keyFunc KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if limiter != nil {
				key = keyFunc(r)
			}
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := limiter.Allow(r.Context(), key)
			switch {
			case err != nil:
				logger.Warn("ratelimit: limiter error, allowing request", "error", err, "key", key)
			case !ok:
				w.Header().Set("Retry-After", retryAfterHeader(limiter, key))
				writeRateLimitError(w, ctxutil.RequestIDFromContext(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterHeader rounds the limiter's wait up to whole seconds, minimum one.
func retryAfterHeader(limiter Limiter, key string) string {
	secs := 1
	if ra, ok := limiter.(RetryAfterer); ok {
		if d := ra.RetryAfter(key); d > time.Second {
			secs = int(math.Ceil(d.Seconds()))
		}
	}
	return strconv.Itoa(secs)
}

func writeRateLimitError(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// CallerKeyFunc keys agent tokens by the crew they report for, so every
// agent of a crew shares one budget, and other tokens by subject.
// Anonymous requests fall back to the client IP.
func CallerKeyFunc(r *http.Request) string {
	if c := ctxutil.ClaimsFromContext(r.Context()); c != nil {
		if c.Role == auth.RoleAgent && c.Crew != "" {
			return "crew:" + c.Crew
		}
		if owner := c.Owner(); owner != "" {
			return "owner:" + owner
		}
	}
	return "ip:" + IPKeyFunc(r)
}

// IPKeyFunc extracts the client IP from RemoteAddr. X-Forwarded-For is not
// trusted since any client can set it.
func IPKeyFunc(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
