// Package model defines the core domain types for Rex.
//
// Types correspond to database tables and bus payloads. They use strong
// typing (UUIDs, time.Time, enums) and avoid interface{} for anything that
// crosses the orchestrator/agent boundary.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MissionType is the class of work a mission performs.
type MissionType string

const (
	MissionLeadReactivation        MissionType = "lead_reactivation"
	MissionCampaignExecution       MissionType = "campaign_execution"
	MissionICPExtraction           MissionType = "icp_extraction"
	MissionDomainRotation          MissionType = "domain_rotation"
	MissionPerformanceOptimization MissionType = "performance_optimization"
	MissionErrorRecovery           MissionType = "error_recovery"
)

// MissionTypes lists every mission type in declaration order.
var MissionTypes = []MissionType{
	MissionLeadReactivation,
	MissionCampaignExecution,
	MissionICPExtraction,
	MissionDomainRotation,
	MissionPerformanceOptimization,
	MissionErrorRecovery,
}

// Valid reports whether t is a known mission type.
func (t MissionType) Valid() bool {
	for _, known := range MissionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Stages returns the ordered working stages a mission of this type moves
// through after assignment. Every list starts with executing.
func (t MissionType) Stages() []MissionState {
	switch t {
	case MissionDomainRotation:
		return []MissionState{StateExecuting, StateCollecting}
	case MissionICPExtraction:
		return []MissionState{StateExecuting, StateCollecting, StateAnalyzing}
	case MissionErrorRecovery:
		return []MissionState{StateExecuting, StateAnalyzing, StateOptimizing}
	default:
		return []MissionState{StateExecuting, StateCollecting, StateAnalyzing, StateOptimizing}
	}
}

// MissionState is a node in the mission lifecycle.
type MissionState string

const (
	StateQueued     MissionState = "queued"
	StateAssigned   MissionState = "assigned"
	StateExecuting  MissionState = "executing"
	StateCollecting MissionState = "collecting"
	StateAnalyzing  MissionState = "analyzing"
	StateOptimizing MissionState = "optimizing"
	StateCompleted  MissionState = "completed"
	StateFailed     MissionState = "failed"
	StateEscalated  MissionState = "escalated"
)

// MissionStates lists every state in lifecycle order.
var MissionStates = []MissionState{
	StateQueued, StateAssigned, StateExecuting, StateCollecting,
	StateAnalyzing, StateOptimizing, StateCompleted, StateFailed, StateEscalated,
}

// Terminal reports whether no further transitions are possible.
func (s MissionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateEscalated
}

// HoldsResources reports whether a mission in this state owns an allocation.
func (s MissionState) HoldsResources() bool {
	switch s {
	case StateAssigned, StateExecuting, StateCollecting, StateAnalyzing, StateOptimizing:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s MissionState) Valid() bool {
	for _, known := range MissionStates {
		if s == known {
			return true
		}
	}
	return false
}

const (
	MinPriority     = 0
	MaxPriority     = 100
	DefaultPriority = 50
)

// MissionContext carries the campaign/lead scope a mission works on.
type MissionContext struct {
	CampaignID *uuid.UUID        `json:"campaign_id,omitempty"`
	LeadIDs    []uuid.UUID       `json:"lead_ids,omitempty"`
	Target     string            `json:"target,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Mission is the top-level unit of orchestrated work. Missions are created
// at the API boundary, mutated only by the scheduler, and never deleted.
type Mission struct {
	ID                 uuid.UUID           `json:"id"`
	Owner              string              `json:"owner"`
	Type               MissionType         `json:"type"`
	State              MissionState        `json:"state"`
	Priority           int                 `json:"priority"`
	Context            MissionContext      `json:"context"`
	AssignedCrew       string              `json:"assigned_crew,omitempty"`
	AssignedAgents     []string            `json:"assigned_agents,omitempty"`
	AllocatedResources *ResourceAllocation `json:"allocated_resources,omitempty"`
	Outcome            *MissionOutcome     `json:"outcome,omitempty"`
	Metrics            MissionMetrics      `json:"metrics"`
	Error              *MissionError       `json:"error,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	AssignedAt         *time.Time          `json:"assigned_at,omitempty"`
	StartedAt          *time.Time          `json:"started_at,omitempty"`
	CompletedAt        *time.Time          `json:"completed_at,omitempty"`
	UpdatedAt          time.Time           `json:"updated_at"`
	LastProgressAt     *time.Time          `json:"last_progress_at,omitempty"`
}

// MissionOutcome is finalized once when the mission reaches a terminal state.
type MissionOutcome struct {
	Summary        string                     `json:"summary"`
	TasksCompleted int                        `json:"tasks_completed"`
	TasksFailed    int                        `json:"tasks_failed"`
	Outputs        map[string]json.RawMessage `json:"outputs,omitempty"`
}

// MissionMetrics aggregates task-level measurements.
type MissionMetrics struct {
	DurationMs int64   `json:"duration_ms"`
	TokensUsed int64   `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`
	Retries    int     `json:"retries"`
}

// MissionError is the user-visible failure description. It never carries
// internal error text.
type MissionError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	RetryCount  int    `json:"retry_count"`
}

func (e *MissionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Mission error codes.
const (
	ErrCodeInsufficientResources  = "INSUFFICIENT_RESOURCES"
	ErrCodeRecoverableTask        = "RECOVERABLE_TASK_ERROR"
	ErrCodeUnrecoverableTask      = "UNRECOVERABLE_TASK_ERROR"
	ErrCodeDomainDegraded         = "DOMAIN_DEGRADED"
	ErrCodeVerificationFailed     = "VERIFICATION_FAILED"
	ErrCodeConnectionLost         = "CONNECTION_LOST"
	ErrCodeCancelled              = "CANCELLED"
	ErrCodeStalled                = "STALLED"
	ErrCodeNoOutput               = "NO_OUTPUT"
	ErrCodeEscalated              = "ESCALATED"
	ErrCodeOrchestratorRestarted  = "ORCHESTRATOR_RESTARTED"
	ErrCodeRetryBudgetExhausted   = "RETRY_BUDGET_EXHAUSTED"
	ErrCodeDomainRotatedMidflight = "DOMAIN_ROTATED"
)

// MissionFilter narrows mission listings.
type MissionFilter struct {
	State *MissionState
	Owner string
	Limit int
}
