package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/rex/internal/model"
)

const missionColumns = `id, owner, type, state, priority, context, assigned_crew, assigned_agents,
	allocated_resources, outcome, metrics, error, created_at, assigned_at, started_at,
	completed_at, updated_at, last_progress_at`

func queueMissionUpsert(b *pgx.Batch, m model.Mission) error {
	ctxJSON, err := jsonOrNil(m.Context)
	if err != nil {
		return fmt.Errorf("storage: marshal mission context: %w", err)
	}
	allocJSON, err := jsonOrNil(m.AllocatedResources)
	if err != nil {
		return fmt.Errorf("storage: marshal allocation: %w", err)
	}
	outcomeJSON, err := jsonOrNil(m.Outcome)
	if err != nil {
		return fmt.Errorf("storage: marshal outcome: %w", err)
	}
	metricsJSON, err := jsonOrNil(m.Metrics)
	if err != nil {
		return fmt.Errorf("storage: marshal metrics: %w", err)
	}
	errJSON, err := jsonOrNil(m.Error)
	if err != nil {
		return fmt.Errorf("storage: marshal mission error: %w", err)
	}
	agents := m.AssignedAgents
	if agents == nil {
		agents = []string{}
	}
	b.Queue(`INSERT INTO missions (`+missionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9::jsonb, $10::jsonb, $11::jsonb, $12::jsonb,
		        $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			priority = EXCLUDED.priority,
			assigned_crew = EXCLUDED.assigned_crew,
			assigned_agents = EXCLUDED.assigned_agents,
			allocated_resources = EXCLUDED.allocated_resources,
			outcome = EXCLUDED.outcome,
			metrics = EXCLUDED.metrics,
			error = EXCLUDED.error,
			assigned_at = EXCLUDED.assigned_at,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at,
			last_progress_at = EXCLUDED.last_progress_at
		WHERE missions.updated_at <= EXCLUDED.updated_at`,
		m.ID, m.Owner, string(m.Type), string(m.State), m.Priority, ctxJSON, m.AssignedCrew, agents,
		allocJSON, outcomeJSON, metricsJSON, errJSON, m.CreatedAt, m.AssignedAt, m.StartedAt,
		m.CompletedAt, m.UpdatedAt, m.LastProgressAt,
	)
	return nil
}

func scanMission(row pgx.Row) (model.Mission, error) {
	var (
		m                                             model.Mission
		typ, state                                    string
		ctxJSON, allocJSON, outJSON, metJSON, errJSON []byte
	)
	err := row.Scan(&m.ID, &m.Owner, &typ, &state, &m.Priority, &ctxJSON, &m.AssignedCrew, &m.AssignedAgents,
		&allocJSON, &outJSON, &metJSON, &errJSON, &m.CreatedAt, &m.AssignedAt, &m.StartedAt,
		&m.CompletedAt, &m.UpdatedAt, &m.LastProgressAt)
	if err != nil {
		return model.Mission{}, err
	}
	m.Type = model.MissionType(typ)
	m.State = model.MissionState(state)
	if err := unmarshalNullable(ctxJSON, &m.Context); err != nil {
		return model.Mission{}, fmt.Errorf("decode context: %w", err)
	}
	if len(allocJSON) > 0 {
		m.AllocatedResources = &model.ResourceAllocation{}
		if err := unmarshalNullable(allocJSON, m.AllocatedResources); err != nil {
			return model.Mission{}, fmt.Errorf("decode allocation: %w", err)
		}
	}
	if len(outJSON) > 0 {
		m.Outcome = &model.MissionOutcome{}
		if err := unmarshalNullable(outJSON, m.Outcome); err != nil {
			return model.Mission{}, fmt.Errorf("decode outcome: %w", err)
		}
	}
	if err := unmarshalNullable(metJSON, &m.Metrics); err != nil {
		return model.Mission{}, fmt.Errorf("decode metrics: %w", err)
	}
	if len(errJSON) > 0 {
		m.Error = &model.MissionError{}
		if err := unmarshalNullable(errJSON, m.Error); err != nil {
			return model.Mission{}, fmt.Errorf("decode error: %w", err)
		}
	}
	return m, nil
}

// GetMission returns one mission by ID.
func (db *DB) GetMission(ctx context.Context, id uuid.UUID) (model.Mission, error) {
	m, err := scanMission(db.pool.QueryRow(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Mission{}, fmt.Errorf("storage: mission %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Mission{}, fmt.Errorf("storage: get mission: %w", err)
	}
	return m, nil
}

// ListMissions returns missions newest first.
func (db *DB) ListMissions(ctx context.Context, f model.MissionFilter) ([]model.Mission, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var state *string
	if f.State != nil {
		s := string(*f.State)
		state = &s
	}
	rows, err := db.pool.Query(ctx, `SELECT `+missionColumns+` FROM missions
		WHERE ($1::text IS NULL OR state = $1)
		  AND ($2 = '' OR owner = $2)
		ORDER BY created_at DESC
		LIMIT $3`, state, f.Owner, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list missions: %w", err)
	}
	return collectMissions(rows)
}

// ListActiveMissions returns every non-terminal mission, oldest first.
func (db *DB) ListActiveMissions(ctx context.Context) ([]model.Mission, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+missionColumns+` FROM missions
		WHERE state NOT IN ('completed', 'failed', 'escalated')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list active missions: %w", err)
	}
	return collectMissions(rows)
}

func collectMissions(rows pgx.Rows) ([]model.Mission, error) {
	defer rows.Close()
	var out []model.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan mission: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate missions: %w", err)
	}
	return out, nil
}

// CountMissionsByState returns mission counts grouped by state.
func (db *DB) CountMissionsByState(ctx context.Context) (map[model.MissionState]int, error) {
	rows, err := db.pool.Query(ctx, `SELECT state, count(*) FROM missions GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("storage: count missions: %w", err)
	}
	defer rows.Close()
	out := make(map[model.MissionState]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("storage: scan mission count: %w", err)
		}
		out[model.MissionState(state)] = n
	}
	return out, rows.Err()
}
