// Package storage provides the PostgreSQL storage layer for Rex.
//
// It manages connection pooling (via pgxpool, optionally through PgBouncer),
// a dedicated connection for LISTEN/NOTIFY (direct to Postgres), batched
// journal writes, and query methods for missions, tasks, domains, audit
// logs, and analytics snapshots.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgxpool.Pool for normal queries and a dedicated pgx.Conn for
// LISTEN/NOTIFY.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	notifyDSN  string
	notifyMu   sync.Mutex
	notifyConn *pgx.Conn
	channels   []string
}

// New creates a new DB with a connection pool.
// poolDSN may point to PgBouncer (or directly to Postgres in dev).
// notifyDSN must point directly to Postgres for LISTEN/NOTIFY support;
// an empty notifyDSN disables the cross-node message bridge.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	return &DB{
		pool:       pool,
		logger:     logger,
		notifyDSN:  notifyDSN,
		notifyConn: notifyConn,
	}, nil
}

// HasNotify reports whether a LISTEN/NOTIFY connection is configured.
func (db *DB) HasNotify() bool {
	return db.notifyDSN != ""
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}
