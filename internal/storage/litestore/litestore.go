// Package litestore is a single-node SQLite implementation of the Rex journal
// store. It backs deployments that set DATABASE_URL=sqlite://path and keeps
// each record as a JSON document next to the columns queries filter on.
//
// Errors wrap the sentinels from package storage so callers handle both
// backends alike.
package litestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Store holds the SQLite handle. A single connection serialises writers.
type Store struct {
	Path   string
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to the SQLite file at path, applies pragmas, and runs
// migrations. path may be ":memory:" for tests.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("litestore: path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("litestore: create dir: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("litestore: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("litestore: apply pragma %q: %w", pragma, err)
		}
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("litestore: ping %s: %w", path, err)
	}
	s := &Store{Path: path, db: conn, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// PathFromURL extracts the file path from a sqlite:// database URL.
func PathFromURL(u string) (string, bool) {
	if !strings.HasPrefix(u, "sqlite://") {
		return "", false
	}
	return strings.TrimPrefix(u, "sqlite://"), true
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close(_ context.Context) {
	if s == nil || s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn("litestore: close", "error", err)
	}
}

type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "init",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS missions (
				id TEXT PRIMARY KEY,
				owner TEXT NOT NULL,
				state TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				doc TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_missions_state ON missions (state)`,
			`CREATE INDEX IF NOT EXISTS idx_missions_created ON missions (created_at)`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				mission_id TEXT NOT NULL REFERENCES missions (id),
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				doc TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_mission ON tasks (mission_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS domains (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				status TEXT NOT NULL,
				verification_token TEXT NOT NULL DEFAULT '',
				updated_at INTEGER NOT NULL,
				doc TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS rex_logs (
				id TEXT PRIMARY KEY,
				mission_id TEXT,
				created_at INTEGER NOT NULL,
				doc TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_rex_logs_mission ON rex_logs (mission_id, created_at)`,
			`CREATE TRIGGER IF NOT EXISTS trg_rex_logs_no_update BEFORE UPDATE ON rex_logs
				BEGIN SELECT RAISE(ABORT, 'rex_logs is append-only'); END`,
			`CREATE TRIGGER IF NOT EXISTS trg_rex_logs_no_delete BEFORE DELETE ON rex_logs
				BEGIN SELECT RAISE(ABORT, 'rex_logs is append-only'); END`,
			`CREATE TABLE IF NOT EXISTS analytics_snapshots (
				id TEXT PRIMARY KEY,
				taken_at INTEGER NOT NULL,
				doc TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_snapshots_taken ON analytics_snapshots (taken_at)`,
		},
	},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("litestore: create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("litestore: check migration %d: %w", m.version, err)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("litestore: begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("litestore: migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("litestore: record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("litestore: commit migration %d: %w", m.version, err)
		}
		s.logger.Info("litestore: applied migration", "version", m.version, "name", m.name)
	}
	return nil
}
