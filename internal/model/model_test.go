package model_test

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/rex/internal/model"
)

func ptr[T any](v T) *T { return &v }

func TestRexMessage_DecodeSelectsPayloadByType(t *testing.T) {
	taskID := uuid.New()
	missionID := uuid.New()
	msg := model.RexMessage{
		ID:        uuid.New(),
		Sender:    model.AgentAddress("outreach", "writer-1"),
		Recipient: model.AddrOrchestrator,
		MissionID: &missionID,
		Payload: model.MissionFailed{
			TaskID: taskID,
			Error:  model.MissionError{Code: model.ErrCodeRecoverableTask, Message: "smtp timeout", Recoverable: true},
		},
	}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"mission.failed"`)

	var decoded model.RexMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	failed, ok := decoded.Payload.(model.MissionFailed)
	require.True(t, ok, "payload should decode to MissionFailed, got %T", decoded.Payload)
	assert.Equal(t, taskID, failed.TaskID)
	assert.True(t, failed.Error.Recoverable)
	assert.Equal(t, model.MsgMissionFailed, decoded.Type())
	assert.Equal(t, "outreach", decoded.Sender.Crew())
}

func TestRexMessage_UnknownTypeRejected(t *testing.T) {
	raw := []byte(`{"id":"` + uuid.NewString() + `","type":"mission.teleported","data":{}}`)
	var m model.RexMessage
	err := json.Unmarshal(raw, &m)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUnknownMessageType)
}

func TestRexMessage_MarshalWithoutPayloadFails(t *testing.T) {
	_, err := json.Marshal(model.RexMessage{ID: uuid.New()})
	assert.Error(t, err)
}

func TestRexMessage_ReplyLinksOriginal(t *testing.T) {
	orig := model.RexMessage{
		ID:        uuid.New(),
		Sender:    model.AddrOrchestrator,
		Recipient: model.CrewAddress("outreach"),
		Payload:   model.MissionAssigned{MissionType: model.MissionLeadReactivation},
	}
	reply := orig.Reply(model.AgentAddress("outreach", "a1"), model.MissionStarted{TaskID: uuid.New(), Agent: "a1"})
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, orig.ID, *reply.ReplyTo)
	assert.Equal(t, orig.ID, *reply.CorrelationID)
	assert.Equal(t, model.AddrOrchestrator, reply.Recipient)
}

func TestMissionType_Stages(t *testing.T) {
	assert.NotContains(t, model.MissionDomainRotation.Stages(), model.StateAnalyzing)
	assert.Equal(t, model.StateExecuting, model.MissionCampaignExecution.Stages()[0])
	for _, mt := range model.MissionTypes {
		assert.Equal(t, model.StateExecuting, mt.Stages()[0], "type %s", mt)
	}
}

func TestMissionState_HoldsResources(t *testing.T) {
	assert.False(t, model.StateQueued.HoldsResources())
	assert.True(t, model.StateAssigned.HoldsResources())
	assert.True(t, model.StateOptimizing.HoldsResources())
	for _, s := range []model.MissionState{model.StateCompleted, model.StateFailed, model.StateEscalated} {
		assert.True(t, s.Terminal())
		assert.False(t, s.HoldsResources())
	}
}

func TestCreateMissionRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     model.CreateMissionRequest
		wantErr bool
	}{
		{"valid default priority", model.CreateMissionRequest{Type: model.MissionICPExtraction}, false},
		{"valid bounds", model.CreateMissionRequest{Type: model.MissionErrorRecovery, Priority: ptr(100)}, false},
		{"unknown type", model.CreateMissionRequest{Type: "world_domination"}, true},
		{"priority too high", model.CreateMissionRequest{Type: model.MissionErrorRecovery, Priority: ptr(101)}, true},
		{"priority negative", model.CreateMissionRequest{Type: model.MissionErrorRecovery, Priority: ptr(-1)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAddDomainRequest_Validate(t *testing.T) {
	assert.NoError(t, model.AddDomainRequest{Domain: "mail.example.com", Type: model.DomainCustom}.Validate())
	assert.Error(t, model.AddDomainRequest{Domain: "not a domain", Type: model.DomainCustom}.Validate())
	assert.Error(t, model.AddDomainRequest{Domain: "example.com", Type: "borrowed"}.Validate())
}

func TestTask_HasOutput(t *testing.T) {
	assert.False(t, model.Task{State: model.TaskCompleted}.HasOutput())
	assert.False(t, model.Task{State: model.TaskCompleted, Output: json.RawMessage("null")}.HasOutput())
	assert.False(t, model.Task{State: model.TaskFailed, Output: json.RawMessage(`{"a":1}`)}.HasOutput())
	assert.True(t, model.Task{State: model.TaskCompleted, Output: json.RawMessage(`{"a":1}`)}.HasOutput())
}

func TestAddress_CrewAndAgent(t *testing.T) {
	tests := []struct {
		addr        model.Address
		crew, agent string
	}{
		{model.AgentAddress("outreach", "writer-1"), "outreach", "writer-1"},
		{model.CrewAddress("outreach"), "outreach", ""},
		{model.AddrOrchestrator, "", ""},
		{model.AddrBroadcast, "", ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.addr), func(t *testing.T) {
			assert.Equal(t, tt.crew, tt.addr.Crew())
			assert.Equal(t, tt.agent, tt.addr.Agent())
		})
	}
}
