package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data  any          `json:"data"`
	Total int          `json:"total"`
	Limit int          `json:"limit"`
	Meta  ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// CreateMissionRequest is the request body for POST /v1/missions.
type CreateMissionRequest struct {
	Owner    string         `json:"-"` // Set from JWT claims, not from request body.
	Type     MissionType    `json:"type"`
	Priority *int           `json:"priority,omitempty"`
	Context  MissionContext `json:"context"`
}

// Validate checks type and priority bounds.
func (r CreateMissionRequest) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("type %q is not a known mission type", r.Type)
	}
	if r.Priority != nil && (*r.Priority < MinPriority || *r.Priority > MaxPriority) {
		return fmt.Errorf("priority must be between %d and %d", MinPriority, MaxPriority)
	}
	return nil
}

// CreateMissionResponse is returned by POST /v1/missions.
type CreateMissionResponse struct {
	MissionID                uuid.UUID `json:"mission_id"`
	Crew                     string    `json:"crew"`
	EstimatedDurationSeconds int       `json:"estimated_duration_seconds"`
}

// MissionDetail is returned by GET /v1/missions/{id}.
type MissionDetail struct {
	Mission  Mission  `json:"mission"`
	Tasks    []Task   `json:"tasks"`
	Progress float64  `json:"progress"`
	Logs     []RexLog `json:"logs"`
}

// CancelMissionRequest is the optional body for POST /v1/missions/{id}/cancel.
type CancelMissionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelMissionResponse reports the outcome of a cancel request.
type CancelMissionResponse struct {
	Cancelled bool         `json:"cancelled"`
	State     MissionState `json:"state"`
}

// RestartAgentResponse reports the outcome of an agent restart.
type RestartAgentResponse struct {
	Restarted bool       `json:"restarted"`
	Status    AgentState `json:"status"`
}

// AddDomainRequest is the request body for POST /v1/domains.
type AddDomainRequest struct {
	Owner  string     `json:"-"`
	Domain string     `json:"domain"`
	Type   DomainType `json:"type"`
	Verify bool       `json:"verify"`
}

var domainNameRe = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)

// Validate checks the domain name and type.
func (r AddDomainRequest) Validate() error {
	if !domainNameRe.MatchString(strings.TrimSpace(r.Domain)) {
		return fmt.Errorf("domain %q is not a valid hostname", r.Domain)
	}
	if r.Type != DomainCustom && r.Type != DomainPrewarmed {
		return fmt.Errorf("type must be %q or %q", DomainCustom, DomainPrewarmed)
	}
	return nil
}

// AddDomainResponse is returned by POST /v1/domains.
type AddDomainResponse struct {
	Added              bool         `json:"added"`
	DomainID           uuid.UUID    `json:"domain_id"`
	VerificationStatus DomainStatus `json:"verification_status"`
	DNSRecords         []DNSRecord  `json:"dns_records,omitempty"`
}

// RotateDomainRequest is the request body for POST /v1/domains/{id}/rotate.
type RotateDomainRequest struct {
	Reason    string `json:"reason"`
	Immediate bool   `json:"immediate"`
}

// RotateDomainResponse reports the outcome of a rotation.
type RotateDomainResponse struct {
	Rotated             bool       `json:"rotated"`
	ReplacementDomainID *uuid.UUID `json:"replacement_domain_id,omitempty"`
	WarmupETAHours      float64    `json:"warmup_eta_hours"`
}

// RecordSendRequest is the request body for POST /v1/domains/{id}/sends.
type RecordSendRequest struct {
	Count int `json:"count"`
}

// SystemHealth is the overall status reported by GET /v1/status.
type SystemHealth string

const (
	HealthOperational SystemHealth = "operational"
	HealthDegraded    SystemHealth = "degraded"
	HealthError       SystemHealth = "error"
)

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	Health          SystemHealth         `json:"health"`
	UptimeSeconds   int64                `json:"uptime_seconds"`
	MissionsByState map[MissionState]int `json:"missions_by_state"`
	ResourcePool    ResourcePool         `json:"resource_pool"`
	Analytics       *AnalyticsSnapshot   `json:"analytics,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}
