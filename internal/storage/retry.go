package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/rex/internal/telemetry"
)

// transientCodes are SQLSTATEs worth retrying: concurrent journal flushes
// from several nodes can collide on the same mission or domain row.
var transientCodes = map[string]string{
	"40001": "serialization_failure",
	"40P01": "deadlock_detected",
	"55P03": "lock_not_available",
}

var retryCounter, _ = telemetry.Meter("rex/storage").Int64Counter("rex.storage.retries",
	metric.WithDescription("Transactions retried after a transient Postgres error, by SQLSTATE name"))

func transientCode(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	name, ok := transientCodes[pgErr.Code]
	return name, ok
}

// WithRetry runs fn, retrying up to maxRetries times on transient errors
// with jittered exponential backoff from baseDelay.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		code, transient := transientCode(err)
		if err == nil || !transient || attempt == maxRetries {
			return err
		}
		retryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))

		wait := baseDelay + time.Duration(rand.Int64N(int64(baseDelay)+1)) //nolint:gosec // jitter only
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		baseDelay *= 2
	}
}
