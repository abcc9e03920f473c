package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/rex/internal/model"
)

// InsertSnapshot stores an analytics snapshot.
func (db *DB) InsertSnapshot(ctx context.Context, s model.AnalyticsSnapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("storage: marshal snapshot: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO analytics_snapshots (id, taken_at, data) VALUES ($1, $2, $3::jsonb)
		 ON CONFLICT (id) DO NOTHING`,
		s.ID, s.TakenAt, data)
	if err != nil {
		return fmt.Errorf("storage: insert snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns snapshots taken at or after since, oldest first.
func (db *DB) ListSnapshots(ctx context.Context, since time.Time, limit int) ([]model.AnalyticsSnapshot, error) {
	if limit <= 0 {
		limit = 24
	}
	rows, err := db.pool.Query(ctx, `SELECT data FROM (
			SELECT data, taken_at FROM analytics_snapshots
			WHERE taken_at >= $1
			ORDER BY taken_at DESC
			LIMIT $2
		) recent ORDER BY taken_at ASC`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []model.AnalyticsSnapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("storage: scan snapshot: %w", err)
		}
		var s model.AnalyticsSnapshot
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("storage: decode snapshot: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate snapshots: %w", err)
	}
	return out, nil
}
