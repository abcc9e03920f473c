package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/rex/internal/model"
)

// queueLogInsert appends an audit record. Re-inserting the same ID is a
// no-op so a retried flush cannot duplicate or rewrite history.
func queueLogInsert(b *pgx.Batch, l model.RexLog) error {
	details := l.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("storage: marshal log details: %w", err)
	}
	b.Queue(`INSERT INTO rex_logs (id, level, message, source, mission_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		ON CONFLICT (id) DO NOTHING`,
		l.ID, string(l.Level), l.Message, l.Source, l.MissionID, detailsJSON, l.CreatedAt,
	)
	return nil
}

// ListLogs returns the most recent audit records for a mission, oldest first.
// A nil missionID lists system-wide records.
func (db *DB) ListLogs(ctx context.Context, missionID *uuid.UUID, limit int) ([]model.RexLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := db.pool.Query(ctx, `SELECT id, level, message, source, mission_id, details, created_at FROM (
			SELECT * FROM rex_logs
			WHERE ($1::uuid IS NULL OR mission_id = $1)
			ORDER BY created_at DESC
			LIMIT $2
		) recent ORDER BY created_at ASC`, missionID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list logs: %w", err)
	}
	defer rows.Close()

	var out []model.RexLog
	for rows.Next() {
		var (
			l       model.RexLog
			level   string
			details []byte
		)
		if err := rows.Scan(&l.ID, &level, &l.Message, &l.Source, &l.MissionID, &details, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan log: %w", err)
		}
		l.Level = model.LogLevel(level)
		if err := unmarshalNullable(details, &l.Details); err != nil {
			return nil, fmt.Errorf("storage: decode log details: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate logs: %w", err)
	}
	return out, nil
}
