package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/rex/internal/auth"
	"github.com/ashita-ai/rex/internal/ctxutil"
	"github.com/ashita-ai/rex/internal/model"
	"github.com/ashita-ai/rex/internal/service/scheduler"
	"github.com/ashita-ai/rex/internal/testutil"
)

type fakeMissions struct {
	created   []model.CreateMissionRequest
	missions  map[uuid.UUID]model.MissionDetail
	createErr error
	countsErr error
}

func newFakeMissions() *fakeMissions {
	return &fakeMissions{missions: make(map[uuid.UUID]model.MissionDetail)}
}

func (f *fakeMissions) Create(_ context.Context, req model.CreateMissionRequest) (model.CreateMissionResponse, error) {
	if f.createErr != nil {
		return model.CreateMissionResponse{}, f.createErr
	}
	f.created = append(f.created, req)
	id := uuid.New()
	f.missions[id] = model.MissionDetail{Mission: model.Mission{
		ID: id, Owner: req.Owner, Type: req.Type, State: model.StateAssigned,
		Priority: *req.Priority, AssignedCrew: "outreach", CreatedAt: time.Now(),
	}}
	return model.CreateMissionResponse{MissionID: id, Crew: "outreach", EstimatedDurationSeconds: 120}, nil
}

func (f *fakeMissions) Get(_ context.Context, id uuid.UUID) (model.MissionDetail, error) {
	d, ok := f.missions[id]
	if !ok {
		return model.MissionDetail{}, scheduler.ErrUnknownMission
	}
	return d, nil
}

func (f *fakeMissions) List(_ context.Context, filter model.MissionFilter) ([]model.Mission, error) {
	out := make([]model.Mission, 0, len(f.missions))
	for _, d := range f.missions {
		out = append(out, d.Mission)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeMissions) Cancel(_ context.Context, id uuid.UUID, _ string) (model.CancelMissionResponse, error) {
	d, ok := f.missions[id]
	if !ok {
		return model.CancelMissionResponse{}, scheduler.ErrUnknownMission
	}
	if d.Mission.State.Terminal() {
		return model.CancelMissionResponse{State: d.Mission.State}, nil
	}
	d.Mission.State = model.StateFailed
	f.missions[id] = d
	return model.CancelMissionResponse{Cancelled: true, State: model.StateFailed}, nil
}

func (f *fakeMissions) CountsByState(context.Context) (map[model.MissionState]int, error) {
	if f.countsErr != nil {
		return nil, f.countsErr
	}
	counts := make(map[model.MissionState]int)
	for _, d := range f.missions {
		counts[d.Mission.State]++
	}
	return counts, nil
}

type fakePool struct {
	domains []model.Domain
	pool    model.ResourcePool
}

func (p fakePool) Domains() []model.Domain      { return p.domains }
func (p fakePool) Snapshot() model.ResourcePool { return p.pool }

func newTestServer(t *testing.T) (*Server, *fakeMissions) {
	t.Helper()
	missions := newFakeMissions()
	pool := fakePool{
		domains: []model.Domain{
			{ID: uuid.New(), Name: "mail.acme.io", Status: model.DomainActive, ReputationScore: 0.91, DailyLimit: 500, DailySent: 120},
			{ID: uuid.New(), Name: "send.acme.io", Status: model.DomainWarming, WarmupProgress: 0.25, DailyLimit: 100},
			{ID: uuid.New(), Name: "old.acme.io", Status: model.DomainRotated, RotationReason: "reputation_below_threshold"},
		},
		pool: model.ResourcePool{
			Crews:   map[string]model.CrewCapacity{"outreach": {Total: 3, Available: 2, Executing: 1}},
			Domains: map[model.DomainStatus]int{model.DomainActive: 1, model.DomainWarming: 1, model.DomainRotated: 1},
		},
	}
	return New(missions, pool, testutil.TestLogger(), "test"), missions
}

func ctxWithRole(role auth.Role) context.Context {
	claims := &auth.Claims{Role: role}
	claims.Subject = "growth-team"
	return ctxutil.WithClaims(context.Background(), claims)
}

func callTool(args map[string]any) mcplib.CallToolRequest {
	var req mcplib.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcplib.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

func TestHandleCreateMission(t *testing.T) {
	s, missions := newTestServer(t)

	res, err := s.handleCreateMission(ctxWithRole(auth.RoleOperator), callTool(map[string]any{
		"type":     "lead_reactivation",
		"priority": float64(80),
		"target":   "  dormant-q3  ",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var resp model.CreateMissionResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &resp))
	assert.Equal(t, "outreach", resp.Crew)

	require.Len(t, missions.created, 1)
	got := missions.created[0]
	assert.Equal(t, "growth-team", got.Owner)
	assert.Equal(t, 80, *got.Priority)
	assert.Equal(t, "dormant-q3", got.Context.Target)
}

func TestHandleCreateMissionValidation(t *testing.T) {
	s, missions := newTestServer(t)
	ctx := ctxWithRole(auth.RoleOperator)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"unknown type", map[string]any{"type": "world_domination"}, "not a known mission type"},
		{"priority out of range", map[string]any{"type": "icp_extraction", "priority": float64(101)}, "priority must be between"},
		{"bad campaign id", map[string]any{"type": "campaign_execution", "campaign_id": "nope"}, "invalid campaign_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.handleCreateMission(ctx, callTool(tt.args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
			assert.Contains(t, resultText(t, res), tt.want)
		})
	}
	assert.Empty(t, missions.created)
}

func TestHandleCreateMissionRequiresOperator(t *testing.T) {
	s, missions := newTestServer(t)
	for _, ctx := range []context.Context{context.Background(), ctxWithRole(auth.RoleObserver), ctxWithRole(auth.RoleAgent)} {
		res, err := s.handleCreateMission(ctx, callTool(map[string]any{"type": "lead_reactivation"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, resultText(t, res), "operator")
	}
	assert.Empty(t, missions.created)
}

func TestHandleCreateMissionNoCrew(t *testing.T) {
	s, missions := newTestServer(t)
	missions.createErr = scheduler.ErrNoCapableCrew

	res, err := s.handleCreateMission(ctxWithRole(auth.RoleOperator), callTool(map[string]any{"type": "icp_extraction"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), model.ErrCodeInsufficientResources)
}

func TestHandleCreateMissionHidesInternalErrors(t *testing.T) {
	s, missions := newTestServer(t)
	missions.createErr = errors.New("pq: connection refused on 10.0.0.4")

	res, err := s.handleCreateMission(ctxWithRole(auth.RoleOperator), callTool(map[string]any{"type": "icp_extraction"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "failed to create mission", resultText(t, res))
}

func TestHandleGetAndCancelMission(t *testing.T) {
	s, _ := newTestServer(t)
	op := ctxWithRole(auth.RoleOperator)

	res, err := s.handleCreateMission(op, callTool(map[string]any{"type": "campaign_execution"}))
	require.NoError(t, err)
	var created model.CreateMissionResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &created))
	id := created.MissionID.String()

	res, err = s.handleGetMission(ctxWithRole(auth.RoleObserver), callTool(map[string]any{"mission_id": id}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	var detail map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &detail))
	assert.Equal(t, "assigned", detail["state"])
	assert.Equal(t, "outreach", detail["crew"])

	// Observers cannot cancel.
	res, err = s.handleCancelMission(ctxWithRole(auth.RoleObserver), callTool(map[string]any{"mission_id": id}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleCancelMission(op, callTool(map[string]any{"mission_id": id, "reason": "wrong segment"}))
	require.NoError(t, err)
	var cancelled model.CancelMissionResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &cancelled))
	assert.True(t, cancelled.Cancelled)
	assert.Equal(t, model.StateFailed, cancelled.State)

	res, err = s.handleCancelMission(op, callTool(map[string]any{"mission_id": id}))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &cancelled))
	assert.False(t, cancelled.Cancelled, "cancelling a finished mission is a no-op")
}

func TestHandleGetMissionErrors(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := ctxWithRole(auth.RoleObserver)

	res, err := s.handleGetMission(ctx, callTool(map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, "mission_id is required", resultText(t, res))

	res, err = s.handleGetMission(ctx, callTool(map[string]any{"mission_id": "not-a-uuid"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "invalid mission_id")

	res, err = s.handleGetMission(ctx, callTool(map[string]any{"mission_id": uuid.NewString()}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "mission not found", resultText(t, res))
}

func TestHandleStatus(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.handleCreateMission(ctxWithRole(auth.RoleOperator), callTool(map[string]any{"type": "lead_reactivation"}))
	require.NoError(t, err)

	res, err := s.handleStatus(ctxWithRole(auth.RoleObserver), callTool(nil))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var summary struct {
		Missions struct {
			Active   int `json:"active"`
			Finished int `json:"finished"`
		} `json:"missions"`
		FreeAgents int  `json:"free_agents"`
		CanSend    bool `json:"can_send"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &summary))
	assert.Equal(t, 1, summary.Missions.Active)
	assert.Zero(t, summary.Missions.Finished)
	assert.Equal(t, 2, summary.FreeAgents)
	assert.True(t, summary.CanSend)
}

func TestHandleStatusStoreFailure(t *testing.T) {
	s, missions := newTestServer(t)
	missions.countsErr = errors.New("store down")

	res, err := s.handleStatus(context.Background(), callTool(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.NotContains(t, resultText(t, res), "store down")
}

func TestHandleListDomains(t *testing.T) {
	s, _ := newTestServer(t)

	res, err := s.handleListDomains(context.Background(), callTool(nil))
	require.NoError(t, err)
	var all struct {
		Domains []map[string]any `json:"domains"`
		Total   int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &all))
	assert.Equal(t, 3, all.Total)

	res, err = s.handleListDomains(context.Background(), callTool(map[string]any{"status": "warming"}))
	require.NoError(t, err)
	var warming struct {
		Domains []map[string]any `json:"domains"`
		Total   int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &warming))
	require.Equal(t, 1, warming.Total)
	assert.Equal(t, "send.acme.io", warming.Domains[0]["domain"])
	assert.InDelta(t, 0.25, warming.Domains[0]["warmup_progress"], 1e-9)
}
