package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActivityChannel is the only subscribable channel on the event stream.
const ActivityChannel = "activity"

// Event stream frame kinds.
const (
	FrameSubscribe      = "subscribe"
	FrameSubscribed     = "subscribed"
	FrameAgentActivity  = "agent_activity"
	FrameWorkflowUpdate = "workflow_update"
	FrameAgentStatus    = "agent_status"
)

// Frame is one message on the event stream in either direction.
type Frame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// AgentActivity is a new entry in an observer's activity view. ID is the
// task ID and is the identity later status frames patch against.
type AgentActivity struct {
	ID        uuid.UUID    `json:"id"`
	MissionID uuid.UUID    `json:"mission_id"`
	Crew      string       `json:"crew"`
	Agent     string       `json:"agent"`
	Action    string       `json:"action"`
	Status    TaskState    `json:"status"`
	Mission   MissionState `json:"mission_state"`
	Timestamp time.Time    `json:"timestamp"`
}

// AgentStatusUpdate patches the status of the activity entry with ID.
type AgentStatusUpdate struct {
	ID        uuid.UUID `json:"id"`
	Status    TaskState `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkflowUpdate patches every activity entry belonging to MissionID.
type WorkflowUpdate struct {
	MissionID uuid.UUID    `json:"mission_id"`
	State     MissionState `json:"state"`
	Progress  float64      `json:"progress"`
	Timestamp time.Time    `json:"timestamp"`
}
