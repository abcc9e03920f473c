package model

import (
	"time"

	"github.com/google/uuid"
)

// LogLevel is the severity of a RexLog record.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// RexLog is an append-only audit record. Never mutated after creation.
type RexLog struct {
	ID        uuid.UUID      `json:"id"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Source    string         `json:"source"`
	MissionID *uuid.UUID     `json:"mission_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewLog builds a RexLog stamped with a fresh ID and the current time.
func NewLog(level LogLevel, source, message string, missionID *uuid.UUID, details map[string]any) RexLog {
	return RexLog{
		ID:        uuid.New(),
		Level:     level,
		Message:   message,
		Source:    source,
		MissionID: missionID,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
}
