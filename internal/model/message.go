package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Address identifies a bus participant: the orchestrator, a crew, an
// individual agent, or every subscriber.
type Address string

const (
	AddrOrchestrator Address = "orchestrator"
	AddrBroadcast    Address = "*"
)

// CrewAddress returns the address of a named crew.
func CrewAddress(crew string) Address { return Address("crew:" + crew) }

// AgentAddress returns the address of a named agent within a crew.
func AgentAddress(crew, agent string) Address { return Address("agent:" + crew + "/" + agent) }

// Crew returns the crew component of a crew or agent address, or "".
func (a Address) Crew() string {
	s := string(a)
	switch {
	case strings.HasPrefix(s, "crew:"):
		return strings.TrimPrefix(s, "crew:")
	case strings.HasPrefix(s, "agent:"):
		crew, _, _ := strings.Cut(strings.TrimPrefix(s, "agent:"), "/")
		return crew
	}
	return ""
}

// Agent returns the agent component of an agent address, or "".
func (a Address) Agent() string {
	rest, ok := strings.CutPrefix(string(a), "agent:")
	if !ok {
		return ""
	}
	_, agent, _ := strings.Cut(rest, "/")
	return agent
}

// MessageType enumerates every bus message kind.
type MessageType string

const (
	// Orchestrator to agent.
	MsgMissionAssigned   MessageType = "mission.assigned"
	MsgMissionCancelled  MessageType = "mission.cancelled"
	MsgResourceAllocated MessageType = "resource.allocated"

	// Agent to orchestrator.
	MsgMissionStarted   MessageType = "mission.started"
	MsgMissionProgress  MessageType = "mission.progress"
	MsgMissionCompleted MessageType = "mission.completed"
	MsgMissionFailed    MessageType = "mission.failed"

	// System-wide alerts.
	MsgResourceExhausted    MessageType = "resource.exhausted"
	MsgErrorEscalation      MessageType = "error.escalation"
	MsgDomainRotationNeeded MessageType = "domain.rotation_needed"
)

// FromAgent reports whether agents are the expected sender of this type.
func (t MessageType) FromAgent() bool {
	switch t {
	case MsgMissionStarted, MsgMissionProgress, MsgMissionCompleted, MsgMissionFailed, MsgErrorEscalation:
		return true
	}
	return false
}

// Payload is the typed body of a RexMessage. Each message type has exactly
// one payload struct; the set is closed to this package.
type Payload interface {
	MessageType() MessageType
	payload()
}

// MissionAssigned hands a mission (or a retried subset of its tasks) to a crew.
type MissionAssigned struct {
	MissionType MissionType      `json:"mission_type"`
	Priority    int              `json:"priority"`
	Context     MissionContext   `json:"context"`
	Tasks       []TaskAssignment `json:"tasks"`
	Domains     []DomainGrant    `json:"domains,omitempty"`
	Attempt     int              `json:"attempt"`
}

// TaskAssignment binds a task to the agent that must execute it.
type TaskAssignment struct {
	TaskID uuid.UUID       `json:"task_id"`
	Agent  string          `json:"agent"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// MissionCancelled tells a crew to stop work on the listed tasks.
type MissionCancelled struct {
	Reason  string      `json:"reason"`
	TaskIDs []uuid.UUID `json:"task_ids"`
}

// ResourceAllocated records the grant made for a mission.
type ResourceAllocated struct {
	Allocation ResourceAllocation `json:"allocation"`
}

// MissionStarted acknowledges that an agent began a task.
type MissionStarted struct {
	TaskID uuid.UUID `json:"task_id"`
	Agent  string    `json:"agent"`
}

// MissionProgress reports a stage marker for a mission.
type MissionProgress struct {
	TaskID *uuid.UUID   `json:"task_id,omitempty"`
	Stage  MissionState `json:"stage"`
	Note   string       `json:"note,omitempty"`
}

// MissionCompleted carries a task's result.
type MissionCompleted struct {
	TaskID     uuid.UUID       `json:"task_id"`
	Output     json.RawMessage `json:"output,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	TokensUsed int64           `json:"tokens_used"`
	CostUSD    float64         `json:"cost_usd"`
}

// MissionFailed reports a task error.
type MissionFailed struct {
	TaskID uuid.UUID    `json:"task_id"`
	Error  MissionError `json:"error"`
	// AgentDown marks the reporting agent itself unhealthy. It stays out of
	// service until restarted through the agent API.
	AgentDown bool `json:"agent_down,omitempty"`
}

// ResourceExhausted announces that a queued mission could not be resourced.
type ResourceExhausted struct {
	Class  string `json:"class"`
	Detail string `json:"detail"`
}

// ErrorEscalation asks for human attention on a mission.
type ErrorEscalation struct {
	Reason string        `json:"reason"`
	Error  *MissionError `json:"error,omitempty"`
}

// DomainRotationNeeded tells a domain holder to stop sending and re-request
// allocation.
type DomainRotationNeeded struct {
	DomainID            uuid.UUID  `json:"domain_id"`
	Domain              string     `json:"domain"`
	Reason              string     `json:"reason"`
	ReplacementDomainID *uuid.UUID `json:"replacement_domain_id,omitempty"`
	WarmupETAHours      float64    `json:"warmup_eta_hours"`
}

func (MissionAssigned) MessageType() MessageType      { return MsgMissionAssigned }
func (MissionCancelled) MessageType() MessageType     { return MsgMissionCancelled }
func (ResourceAllocated) MessageType() MessageType    { return MsgResourceAllocated }
func (MissionStarted) MessageType() MessageType       { return MsgMissionStarted }
func (MissionProgress) MessageType() MessageType      { return MsgMissionProgress }
func (MissionCompleted) MessageType() MessageType     { return MsgMissionCompleted }
func (MissionFailed) MessageType() MessageType        { return MsgMissionFailed }
func (ResourceExhausted) MessageType() MessageType    { return MsgResourceExhausted }
func (ErrorEscalation) MessageType() MessageType      { return MsgErrorEscalation }
func (DomainRotationNeeded) MessageType() MessageType { return MsgDomainRotationNeeded }

func (MissionAssigned) payload()      {}
func (MissionCancelled) payload()     {}
func (ResourceAllocated) payload()    {}
func (MissionStarted) payload()       {}
func (MissionProgress) payload()      {}
func (MissionCompleted) payload()     {}
func (MissionFailed) payload()        {}
func (ResourceExhausted) payload()    {}
func (ErrorEscalation) payload()      {}
func (DomainRotationNeeded) payload() {}

// ErrUnknownMessageType is returned when decoding a message whose type has
// no payload shape.
var ErrUnknownMessageType = errors.New("unknown message type")

// RexMessage is an addressed, typed envelope exchanged on the bus.
type RexMessage struct {
	ID            uuid.UUID
	Sender        Address
	Recipient     Address
	MissionID     *uuid.UUID
	CorrelationID *uuid.UUID
	ReplyTo       *uuid.UUID
	Timestamp     time.Time
	Payload       Payload
}

// Type returns the message type implied by the payload.
func (m RexMessage) Type() MessageType {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.MessageType()
}

// Reply builds a response addressed back to m's sender, linked via ReplyTo
// and sharing m's correlation ID.
func (m RexMessage) Reply(from Address, p Payload) RexMessage {
	id := m.ID
	corr := m.CorrelationID
	if corr == nil {
		corr = &id
	}
	return RexMessage{
		Sender:        from,
		Recipient:     m.Sender,
		MissionID:     m.MissionID,
		CorrelationID: corr,
		ReplyTo:       &id,
		Payload:       p,
	}
}

type wireMessage struct {
	ID            uuid.UUID       `json:"id"`
	Type          MessageType     `json:"type"`
	Sender        Address         `json:"sender"`
	Recipient     Address         `json:"recipient"`
	MissionID     *uuid.UUID      `json:"mission_id,omitempty"`
	CorrelationID *uuid.UUID      `json:"correlation_id,omitempty"`
	ReplyTo       *uuid.UUID      `json:"reply_to,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// MarshalJSON encodes the message as {"type": ..., "data": {...}, ...}.
func (m RexMessage) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("model: message %s has no payload", m.ID)
	}
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("model: marshal %s payload: %w", m.Type(), err)
	}
	return json.Marshal(wireMessage{
		ID:            m.ID,
		Type:          m.Type(),
		Sender:        m.Sender,
		Recipient:     m.Recipient,
		MissionID:     m.MissionID,
		CorrelationID: m.CorrelationID,
		ReplyTo:       m.ReplyTo,
		Timestamp:     m.Timestamp,
		Data:          data,
	})
}

// UnmarshalJSON decodes the envelope and selects the payload struct by type.
func (m *RexMessage) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	p, err := decodePayload(w.Type, w.Data)
	if err != nil {
		return err
	}
	*m = RexMessage{
		ID:            w.ID,
		Sender:        w.Sender,
		Recipient:     w.Recipient,
		MissionID:     w.MissionID,
		CorrelationID: w.CorrelationID,
		ReplyTo:       w.ReplyTo,
		Timestamp:     w.Timestamp,
		Payload:       p,
	}
	return nil
}

func decodePayload(t MessageType, data json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case MsgMissionAssigned:
		p = &MissionAssigned{}
	case MsgMissionCancelled:
		p = &MissionCancelled{}
	case MsgResourceAllocated:
		p = &ResourceAllocated{}
	case MsgMissionStarted:
		p = &MissionStarted{}
	case MsgMissionProgress:
		p = &MissionProgress{}
	case MsgMissionCompleted:
		p = &MissionCompleted{}
	case MsgMissionFailed:
		p = &MissionFailed{}
	case MsgResourceExhausted:
		p = &ResourceExhausted{}
	case MsgErrorEscalation:
		p = &ErrorEscalation{}
	case MsgDomainRotationNeeded:
		p = &DomainRotationNeeded{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, t)
	}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("model: decode %s payload: %w", t, err)
		}
	}
	return deref(p), nil
}

// deref stores payloads by value so type switches match on the struct type.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *MissionAssigned:
		return *v
	case *MissionCancelled:
		return *v
	case *ResourceAllocated:
		return *v
	case *MissionStarted:
		return *v
	case *MissionProgress:
		return *v
	case *MissionCompleted:
		return *v
	case *MissionFailed:
		return *v
	case *ResourceExhausted:
		return *v
	case *ErrorEscalation:
		return *v
	case *DomainRotationNeeded:
		return *v
	}
	return p
}
