package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of a single agent's work item.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskExecuting TaskState = "executing"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// Terminal reports whether the task can no longer change.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is one agent's unit of execution within a mission. Owned by its mission.
type Task struct {
	ID            uuid.UUID       `json:"id"`
	MissionID     uuid.UUID       `json:"mission_id"`
	AgentName     string          `json:"agent_name"`
	State         TaskState       `json:"state"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         *MissionError   `json:"error,omitempty"`
	RetryCount    int             `json:"retry_count"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	DurationMs    int64           `json:"duration_ms"`
	TokensUsed    int64           `json:"tokens_used"`
	CostUSD       float64         `json:"cost_usd"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// HasOutput reports whether the task produced a non-empty result.
func (t Task) HasOutput() bool {
	return t.State == TaskCompleted && len(t.Output) > 0 && string(t.Output) != "null"
}
