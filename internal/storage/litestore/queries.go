package litestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/rex/internal/model"
	"github.com/ashita-ai/rex/internal/storage"
)

// WriteBatch persists a journal batch in one transaction. Older upserts
// never overwrite newer rows; logs are insert-once.
func (s *Store) WriteBatch(ctx context.Context, b storage.Batch) (int, error) {
	if b.Len() == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("litestore: begin batch: %w", err)
	}
	if err := writeBatch(ctx, tx, b); err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("litestore: commit batch: %w", err)
	}
	return b.Len(), nil
}

func writeBatch(ctx context.Context, tx *sql.Tx, b storage.Batch) error {
	for _, m := range b.Missions {
		doc, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("litestore: marshal mission: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO missions (id, owner, state, created_at, updated_at, doc)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at, doc = excluded.doc
			WHERE missions.updated_at <= excluded.updated_at`,
			m.ID.String(), m.Owner, string(m.State), m.CreatedAt.UnixNano(), m.UpdatedAt.UnixNano(), string(doc)); err != nil {
			return fmt.Errorf("litestore: upsert mission: %w", err)
		}
	}
	for _, t := range b.Tasks {
		doc, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("litestore: marshal task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO tasks (id, mission_id, created_at, updated_at, doc)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET updated_at = excluded.updated_at, doc = excluded.doc
			WHERE tasks.updated_at <= excluded.updated_at`,
			t.ID.String(), t.MissionID.String(), t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(), string(doc)); err != nil {
			return fmt.Errorf("litestore: upsert task: %w", err)
		}
	}
	for _, d := range b.Domains {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM domains WHERE id = ?`, d.ID.String()).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("litestore: read domain status: %w", err)
		}
		if model.DomainStatus(current) == model.DomainRotated && d.Status != model.DomainRotated {
			return fmt.Errorf("litestore: domain %s is rotated: %w", d.Name, storage.ErrImmutable)
		}
		doc, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("litestore: marshal domain: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO domains (id, name, status, verification_token, updated_at, doc)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at, doc = excluded.doc
			WHERE domains.updated_at <= excluded.updated_at`,
			d.ID.String(), d.Name, string(d.Status), d.VerificationToken, d.UpdatedAt.UnixNano(), string(doc)); err != nil {
			return fmt.Errorf("litestore: upsert domain: %w", err)
		}
	}
	for _, l := range b.Logs {
		doc, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("litestore: marshal log: %w", err)
		}
		var missionID any
		if l.MissionID != nil {
			missionID = l.MissionID.String()
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO rex_logs (id, mission_id, created_at, doc)
			VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
			l.ID.String(), missionID, l.CreatedAt.UnixNano(), string(doc)); err != nil {
			return fmt.Errorf("litestore: insert log: %w", err)
		}
	}
	return nil
}

// GetMission returns one mission by ID.
func (s *Store) GetMission(ctx context.Context, id uuid.UUID) (model.Mission, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM missions WHERE id = ?`, id.String()).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Mission{}, fmt.Errorf("litestore: mission %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return model.Mission{}, fmt.Errorf("litestore: get mission: %w", err)
	}
	var m model.Mission
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return model.Mission{}, fmt.Errorf("litestore: decode mission: %w", err)
	}
	return m, nil
}

// ListMissions returns missions newest first.
func (s *Store) ListMissions(ctx context.Context, f model.MissionFilter) ([]model.Mission, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var state any
	if f.State != nil {
		state = string(*f.State)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM missions
		WHERE (?1 IS NULL OR state = ?1) AND (?2 = '' OR owner = ?2)
		ORDER BY created_at DESC LIMIT ?3`, state, f.Owner, limit)
	if err != nil {
		return nil, fmt.Errorf("litestore: list missions: %w", err)
	}
	return collect[model.Mission](rows, "mission")
}

// ListActiveMissions returns every non-terminal mission, oldest first.
func (s *Store) ListActiveMissions(ctx context.Context) ([]model.Mission, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM missions
		WHERE state NOT IN ('completed', 'failed', 'escalated')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("litestore: list active missions: %w", err)
	}
	return collect[model.Mission](rows, "mission")
}

// CountMissionsByState returns mission counts grouped by state.
func (s *Store) CountMissionsByState(ctx context.Context) (map[model.MissionState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, count(*) FROM missions GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("litestore: count missions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[model.MissionState]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("litestore: scan mission count: %w", err)
		}
		out[model.MissionState(state)] = n
	}
	return out, rows.Err()
}

// ListTasks returns a mission's tasks in creation order.
func (s *Store) ListTasks(ctx context.Context, missionID uuid.UUID) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM tasks WHERE mission_id = ? ORDER BY created_at, id`, missionID.String())
	if err != nil {
		return nil, fmt.Errorf("litestore: list tasks: %w", err)
	}
	return collect[model.Task](rows, "task")
}

// ListDomains returns every domain ordered by name.
func (s *Store) ListDomains(ctx context.Context) ([]model.Domain, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc, verification_token FROM domains ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("litestore: list domains: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []model.Domain
	for rows.Next() {
		var doc, token string
		if err := rows.Scan(&doc, &token); err != nil {
			return nil, fmt.Errorf("litestore: scan domain: %w", err)
		}
		var d model.Domain
		if err := json.Unmarshal([]byte(doc), &d); err != nil {
			return nil, fmt.Errorf("litestore: decode domain: %w", err)
		}
		d.VerificationToken = token
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListLogs returns the most recent audit records, oldest first. A nil
// missionID lists every record.
func (s *Store) ListLogs(ctx context.Context, missionID *uuid.UUID, limit int) ([]model.RexLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var mid any
	if missionID != nil {
		mid = missionID.String()
	}
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM (
			SELECT doc, created_at FROM rex_logs
			WHERE (?1 IS NULL OR mission_id = ?1)
			ORDER BY created_at DESC LIMIT ?2
		) ORDER BY created_at ASC`, mid, limit)
	if err != nil {
		return nil, fmt.Errorf("litestore: list logs: %w", err)
	}
	return collect[model.RexLog](rows, "log")
}

// InsertSnapshot stores an analytics snapshot.
func (s *Store) InsertSnapshot(ctx context.Context, snap model.AnalyticsSnapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("litestore: marshal snapshot: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO analytics_snapshots (id, taken_at, doc)
		VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		snap.ID.String(), snap.TakenAt.UnixNano(), string(doc)); err != nil {
		return fmt.Errorf("litestore: insert snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns snapshots taken at or after since, oldest first.
func (s *Store) ListSnapshots(ctx context.Context, since time.Time, limit int) ([]model.AnalyticsSnapshot, error) {
	if limit <= 0 {
		limit = 24
	}
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM (
			SELECT doc, taken_at FROM analytics_snapshots
			WHERE taken_at >= ? ORDER BY taken_at DESC LIMIT ?
		) ORDER BY taken_at ASC`, since.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("litestore: list snapshots: %w", err)
	}
	return collect[model.AnalyticsSnapshot](rows, "snapshot")
}

func collect[T any](rows *sql.Rows, what string) ([]T, error) {
	defer func() { _ = rows.Close() }()
	var out []T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("litestore: scan %s: %w", what, err)
		}
		var v T
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return nil, fmt.Errorf("litestore: decode %s: %w", what, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("litestore: iterate %ss: %w", what, err)
	}
	return out, nil
}
