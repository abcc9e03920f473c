package model

import (
	"time"

	"github.com/google/uuid"
)

// ResourceAllocation is a point-in-time grant held by exactly one mission.
type ResourceAllocation struct {
	ID        uuid.UUID      `json:"id"`
	MissionID uuid.UUID      `json:"mission_id"`
	Crew      string         `json:"crew"`
	Agents    []string       `json:"agents"`
	Domains   []DomainGrant  `json:"domains,omitempty"`
	Quota     map[string]int `json:"quota,omitempty"`
	GrantedAt time.Time      `json:"granted_at"`
}

// DomainGrant names a sending domain reserved by an allocation.
type DomainGrant struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// ResourcePool is a read-only snapshot of the shared pool counters.
type ResourcePool struct {
	Crews     map[string]CrewCapacity  `json:"crews"`
	Domains   map[DomainStatus]int     `json:"domains"`
	Providers map[string]ProviderQuota `json:"providers"`
	TakenAt   time.Time                `json:"taken_at"`
}

// CrewCapacity holds agent counts for one crew. Available + Executing +
// Failed always equals Total.
type CrewCapacity struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Executing int `json:"executing"`
	Failed    int `json:"failed"`
}

// ProviderQuota is a per-provider API call budget.
type ProviderQuota struct {
	Used    int       `json:"used"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

// Remaining returns the unconsumed quota.
func (q ProviderQuota) Remaining() int {
	if q.Used >= q.Limit {
		return 0
	}
	return q.Limit - q.Used
}

// AgentState is the pool-level status of a single agent.
type AgentState string

const (
	AgentIdle      AgentState = "idle"
	AgentExecuting AgentState = "executing"
	AgentFailed    AgentState = "failed"
)

// AgentStatus is the externally visible snapshot of one agent.
type AgentStatus struct {
	Crew             string     `json:"crew"`
	Name             string     `json:"name"`
	Status           AgentState `json:"status"`
	CurrentMissionID *uuid.UUID `json:"current_mission_id,omitempty"`
	CurrentTaskID    *uuid.UUID `json:"current_task_id,omitempty"`
	LastExecutionAt  *time.Time `json:"last_execution_at,omitempty"`
	TasksCompleted   int        `json:"tasks_completed"`
	TasksFailed      int        `json:"tasks_failed"`
	SuccessRate      float64    `json:"success_rate"`
	AvgDurationMs    int64      `json:"avg_duration_ms"`
	Load             int        `json:"load"`
}
