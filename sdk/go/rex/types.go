package rex

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Mission mirrors the server's model.Mission for API consumers.
type Mission struct {
	ID             uuid.UUID       `json:"id"`
	Owner          string          `json:"owner"`
	Type           string          `json:"type"`
	State          string          `json:"state"`
	Priority       int             `json:"priority"`
	Context        MissionContext  `json:"context"`
	AssignedCrew   string          `json:"assigned_crew,omitempty"`
	AssignedAgents []string        `json:"assigned_agents,omitempty"`
	Outcome        *MissionOutcome `json:"outcome,omitempty"`
	Metrics        MissionMetrics  `json:"metrics"`
	Error          *MissionError   `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	AssignedAt     *time.Time      `json:"assigned_at,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Terminal reports whether the mission can no longer change state.
func (m Mission) Terminal() bool {
	return m.State == "completed" || m.State == "failed" || m.State == "escalated"
}

// MissionContext carries the campaign/lead scope a mission works on.
type MissionContext struct {
	CampaignID *uuid.UUID        `json:"campaign_id,omitempty"`
	LeadIDs    []uuid.UUID       `json:"lead_ids,omitempty"`
	Target     string            `json:"target,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// MissionOutcome is set once a mission reaches a terminal state.
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

// MissionError is the user-visible failure description.
type MissionError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	RetryCount  int    `json:"retry_count"`
}

// Task is one agent's unit of work within a mission.
type Task struct {
	ID         uuid.UUID       `json:"id"`
	MissionID  uuid.UUID       `json:"mission_id"`
	AgentName  string          `json:"agent_name"`
	State      string          `json:"state"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *MissionError   `json:"error,omitempty"`
	RetryCount int             `json:"retry_count"`
	DurationMs int64           `json:"duration_ms"`
	CreatedAt  time.Time       `json:"created_at"`
}

// LogEntry is one audit record attached to a mission.
type LogEntry struct {
	ID        uuid.UUID      `json:"id"`
	Level     string         `json:"level"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	MissionID *uuid.UUID     `json:"mission_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// MissionDetail is returned by GetMission.
type MissionDetail struct {
	Mission  Mission    `json:"mission"`
	Tasks    []Task     `json:"tasks"`
	Progress float64    `json:"progress"`
	Logs     []LogEntry `json:"logs"`
}

// CreateMissionRequest is the input to CreateMission.
type CreateMissionRequest struct {
	Type     string         `json:"type"`
	Priority *int           `json:"priority,omitempty"`
	Context  MissionContext `json:"context"`
}

// CreateMissionResponse is returned by CreateMission.
type CreateMissionResponse struct {
	MissionID                uuid.UUID `json:"mission_id"`
	Crew                     string    `json:"crew"`
	EstimatedDurationSeconds int       `json:"estimated_duration_seconds"`
}

// CancelMissionResponse is returned by CancelMission.
type CancelMissionResponse struct {
	Cancelled bool   `json:"cancelled"`
	State     string `json:"state"`
}

// MissionFilter narrows ListMissions.
type MissionFilter struct {
	State string
	Owner string
	Limit int
}

// Domain is a sending identity with its health.
type Domain struct {
	ID                  uuid.UUID  `json:"id"`
	Owner               string     `json:"owner"`
	Name                string     `json:"domain"`
	Type                string     `json:"type"`
	Status              string     `json:"status"`
	ReputationScore     float64    `json:"reputation_score"`
	DailySent           int        `json:"daily_sent"`
	DailyLimit          int        `json:"daily_limit"`
	TotalSent           int64      `json:"total_sent"`
	BounceRate          float64    `json:"bounce_rate"`
	SpamComplaintRate   float64    `json:"spam_complaint_rate"`
	OpenRate            float64    `json:"open_rate"`
	WarmupProgress      float64    `json:"warmup_progress"`
	RotatedAt           *time.Time `json:"rotated_at,omitempty"`
	RotationReason      string     `json:"rotation_reason,omitempty"`
	ReplacementDomainID *uuid.UUID `json:"replacement_domain_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// AddDomainRequest is the input to AddDomain.
type AddDomainRequest struct {
	Domain string `json:"domain"`
	Type   string `json:"type"`
	Verify bool   `json:"verify"`
}

// DNSRecord is a record the caller must publish to verify a domain.
type DNSRecord struct {
	Type  string `json:"type"`
	Host  string `json:"host"`
	Value string `json:"value"`
}

// AddDomainResponse is returned by AddDomain.
type AddDomainResponse struct {
	Added              bool        `json:"added"`
	DomainID           uuid.UUID   `json:"domain_id"`
	VerificationStatus string      `json:"verification_status"`
	DNSRecords         []DNSRecord `json:"dns_records,omitempty"`
}

// RotateDomainResponse is returned by RotateDomain.
type RotateDomainResponse struct {
	Rotated             bool       `json:"rotated"`
	ReplacementDomainID *uuid.UUID `json:"replacement_domain_id,omitempty"`
	WarmupETAHours      float64    `json:"warmup_eta_hours"`
}

// SendOutcome is a batch of delivery signals for one domain.
type SendOutcome struct {
	Sent       int `json:"sent"`
	Bounced    int `json:"bounced"`
	Complaints int `json:"complaints"`
	Opens      int `json:"opens"`
}

// AgentStatus is the read-only snapshot of one agent.
type AgentStatus struct {
	Crew             string     `json:"crew"`
	Name             string     `json:"name"`
	Status           string     `json:"status"`
	CurrentMissionID *uuid.UUID `json:"current_mission_id,omitempty"`
	CurrentTaskID    *uuid.UUID `json:"current_task_id,omitempty"`
	LastExecutionAt  *time.Time `json:"last_execution_at,omitempty"`
	TasksCompleted   int        `json:"tasks_completed"`
	TasksFailed      int        `json:"tasks_failed"`
	SuccessRate      float64    `json:"success_rate"`
	AvgDurationMs    int64      `json:"avg_duration_ms"`
	Load             int        `json:"load"`
}

// CrewCapacity holds agent counts for one crew.
type CrewCapacity struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Executing int `json:"executing"`
	Failed    int `json:"failed"`
}

// ResourcePool summarizes capacity across crews and domains.
type ResourcePool struct {
	Crews   map[string]CrewCapacity `json:"crews"`
	Domains map[string]int          `json:"domains"`
	TakenAt time.Time               `json:"taken_at"`
}

// StatusResponse is returned by Status.
type StatusResponse struct {
	Health          string         `json:"health"`
	UptimeSeconds   int64          `json:"uptime_seconds"`
	MissionsByState map[string]int `json:"missions_by_state"`
	ResourcePool    ResourcePool   `json:"resource_pool"`
}

// HealthResponse is returned by Health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}

// Activity is one entry in the live activity view. ID is the task ID.
type Activity struct {
	ID           uuid.UUID `json:"id"`
	MissionID    uuid.UUID `json:"mission_id"`
	Crew         string    `json:"crew"`
	Agent        string    `json:"agent"`
	Action       string    `json:"action"`
	Status       string    `json:"status"`
	MissionState string    `json:"mission_state"`
	Progress     float64   `json:"progress"`
	Timestamp    time.Time `json:"timestamp"`
}

// frame is one message on the event stream in either direction.
type frame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type agentStatusUpdate struct {
	ID        uuid.UUID `json:"id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type workflowUpdate struct {
	MissionID uuid.UUID `json:"mission_id"`
	State     string    `json:"state"`
	Progress  float64   `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
}
