package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/rex/internal/model"
)

const taskColumns = `id, mission_id, agent_name, state, input, output, error, retry_count,
	next_attempt_at, duration_ms, tokens_used, cost_usd, created_at, started_at, completed_at, updated_at`

func queueTaskUpsert(b *pgx.Batch, t model.Task) error {
	errJSON, err := jsonOrNil(t.Error)
	if err != nil {
		return fmt.Errorf("storage: marshal task error: %w", err)
	}
	input, _ := jsonOrNil(t.Input)
	output, _ := jsonOrNil(t.Output)
	b.Queue(`INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			output = EXCLUDED.output,
			error = EXCLUDED.error,
			retry_count = EXCLUDED.retry_count,
			next_attempt_at = EXCLUDED.next_attempt_at,
			duration_ms = EXCLUDED.duration_ms,
			tokens_used = EXCLUDED.tokens_used,
			cost_usd = EXCLUDED.cost_usd,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at
		WHERE tasks.updated_at <= EXCLUDED.updated_at`,
		t.ID, t.MissionID, t.AgentName, string(t.State), input, output, errJSON, t.RetryCount,
		t.NextAttemptAt, t.DurationMs, t.TokensUsed, t.CostUSD, t.CreatedAt, t.StartedAt, t.CompletedAt, t.UpdatedAt,
	)
	return nil
}

// ListTasks returns a mission's tasks in creation order.
func (db *DB) ListTasks(ctx context.Context, missionID uuid.UUID) ([]model.Task, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE mission_id = $1 ORDER BY created_at, id`, missionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list tasks: %w", err)
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		var (
			t                   model.Task
			state               string
			in, outJSON, errRaw []byte
		)
		if err := rows.Scan(&t.ID, &t.MissionID, &t.AgentName, &state, &in, &outJSON, &errRaw, &t.RetryCount,
			&t.NextAttemptAt, &t.DurationMs, &t.TokensUsed, &t.CostUSD, &t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan task: %w", err)
		}
		t.State = model.TaskState(state)
		t.Input = in
		t.Output = outJSON
		if len(errRaw) > 0 {
			t.Error = &model.MissionError{}
			if err := unmarshalNullable(errRaw, t.Error); err != nil {
				return nil, fmt.Errorf("storage: decode task error: %w", err)
			}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate tasks: %w", err)
	}
	return out, nil
}
