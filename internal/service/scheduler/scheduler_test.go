package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/rex/internal/model"
	"github.com/ashita-ai/rex/internal/resource"
	"github.com/ashita-ai/rex/internal/storage"
	"github.com/ashita-ai/rex/internal/testutil"
	"github.com/ashita-ai/rex/internal/topology"
)

type fakeBus struct {
	mu   sync.Mutex
	msgs []model.RexMessage
}

func (b *fakeBus) Publish(m model.RexMessage) error {
	b.mu.Lock()
	b.msgs = append(b.msgs, m)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) ofType(t model.MessageType) []model.RexMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.RexMessage
	for _, m := range b.msgs {
		if m.Type() == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeRecorder struct {
	mu       sync.Mutex
	missions map[uuid.UUID]model.Mission
	tasks    map[uuid.UUID]model.Task
	logs     []model.RexLog
}

func newRecorder() *fakeRecorder {
	return &fakeRecorder{missions: make(map[uuid.UUID]model.Mission), tasks: make(map[uuid.UUID]model.Task)}
}

func (r *fakeRecorder) RecordMission(m model.Mission) {
	r.mu.Lock()
	r.missions[m.ID] = m
	r.mu.Unlock()
}

func (r *fakeRecorder) RecordTask(t model.Task) {
	r.mu.Lock()
	r.tasks[t.ID] = t
	r.mu.Unlock()
}

func (r *fakeRecorder) Log(l model.RexLog) {
	r.mu.Lock()
	r.logs = append(r.logs, l)
	r.mu.Unlock()
}

func (r *fakeRecorder) Sync(context.Context) error { return nil }

type sink struct {
	mu       sync.Mutex
	activity []model.AgentActivity
	status   []model.AgentStatusUpdate
	workflow []model.WorkflowUpdate
}

func (s *sink) AgentActivity(a model.AgentActivity) {
	s.mu.Lock()
	s.activity = append(s.activity, a)
	s.mu.Unlock()
}

func (s *sink) AgentStatus(u model.AgentStatusUpdate) {
	s.mu.Lock()
	s.status = append(s.status, u)
	s.mu.Unlock()
}

func (s *sink) WorkflowUpdate(u model.WorkflowUpdate) {
	s.mu.Lock()
	s.workflow = append(s.workflow, u)
	s.mu.Unlock()
}

type harness struct {
	s    *Scheduler
	pool *resource.Pool
	bus  *fakeBus
	rec  *fakeRecorder
	sink *sink
	now  time.Time
}

func newHarness(t *testing.T, agents, perMission int, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		bus:  &fakeBus{},
		rec:  newRecorder(),
		sink: &sink{},
		now:  time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	names := make([]string, agents)
	for i := range names {
		names[i] = "agent-" + string(rune('a'+i))
	}
	top := topology.Topology{
		Crews: []topology.Crew{{
			Name:         "outreach",
			Agents:       names,
			Capabilities: []model.MissionType{model.MissionLeadReactivation, model.MissionDomainRotation},
		}},
		Profiles: map[model.MissionType]topology.Profile{
			model.MissionLeadReactivation: {Agents: perMission, EstimatedDuration: 10 * time.Minute},
			model.MissionDomainRotation:   {Agents: 1, EstimatedDuration: 5 * time.Minute},
		},
	}
	clock := func() time.Time { return h.now }
	h.pool = resource.New(top, resource.WithClock(clock))
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Second
	opts = append([]Option{WithClock(clock), WithActivitySink(h.sink)}, opts...)
	h.s = New(cfg, h.pool, top, h.bus, h.rec, testutil.TestLogger(), opts...)
	return h
}

func (h *harness) create(t *testing.T, priority int) uuid.UUID {
	t.Helper()
	resp, err := h.s.Create(context.Background(), model.CreateMissionRequest{
		Owner:    "alice",
		Type:     model.MissionLeadReactivation,
		Priority: &priority,
	})
	require.NoError(t, err)
	return resp.MissionID
}

func (h *harness) get(t *testing.T, id uuid.UUID) model.MissionDetail {
	t.Helper()
	d, err := h.s.Get(context.Background(), id)
	require.NoError(t, err)
	return d
}

// send delivers p as a report from the agent running the task it names, or
// from the crew when it names no task.
func (h *harness) send(t *testing.T, mid uuid.UUID, p model.Payload) {
	t.Helper()
	require.NoError(t, h.s.HandleMessage(context.Background(), h.report(mid, p)))
}

func (h *harness) report(mid uuid.UUID, p model.Payload) model.RexMessage {
	sender := model.CrewAddress("outreach")
	if taskID := reportTask(p); taskID != uuid.Nil {
		d, _ := h.s.Get(context.Background(), mid)
		for _, task := range d.Tasks {
			if task.ID == taskID {
				sender = model.AgentAddress("outreach", task.AgentName)
			}
		}
	}
	return model.RexMessage{
		ID:        uuid.New(),
		Sender:    sender,
		Recipient: model.AddrOrchestrator,
		MissionID: &mid,
		Payload:   p,
	}
}

func (h *harness) available() int {
	return h.pool.Snapshot().Crews["outreach"].Available
}

func output() json.RawMessage { return json.RawMessage(`{"contacted":12}`) }

func TestCreateValidatesAndDefaults(t *testing.T) {
	h := newHarness(t, 2, 1)
	resp, err := h.s.Create(context.Background(), model.CreateMissionRequest{Type: model.MissionLeadReactivation})
	require.NoError(t, err)
	assert.Equal(t, "outreach", resp.Crew)
	assert.Equal(t, 600, resp.EstimatedDurationSeconds)

	d := h.get(t, resp.MissionID)
	assert.Equal(t, model.DefaultPriority, d.Mission.Priority)
	assert.Equal(t, model.StateQueued, d.Mission.State)

	bad := 101
	_, err = h.s.Create(context.Background(), model.CreateMissionRequest{Type: model.MissionLeadReactivation, Priority: &bad})
	assert.ErrorIs(t, err, ErrInvalidMission)
	_, err = h.s.Create(context.Background(), model.CreateMissionRequest{Type: "nope"})
	assert.ErrorIs(t, err, ErrInvalidMission)
	_, err = h.s.Create(context.Background(), model.CreateMissionRequest{Type: model.MissionICPExtraction})
	assert.ErrorIs(t, err, ErrNoCapableCrew)
}

func TestHigherPriorityAssignedFirst(t *testing.T) {
	h := newHarness(t, 1, 1)
	low := h.create(t, 10)
	h.now = h.now.Add(time.Second)
	high := h.create(t, 90)

	h.s.Tick(context.Background())

	assert.Equal(t, model.StateAssigned, h.get(t, high).Mission.State)
	assert.Equal(t, model.StateQueued, h.get(t, low).Mission.State)
	assert.Equal(t, 10, h.get(t, low).Mission.Priority, "priority unchanged while queued")

	assigned := h.bus.ofType(model.MsgMissionAssigned)
	require.Len(t, assigned, 1)
	assert.Equal(t, model.CrewAddress("outreach"), assigned[0].Recipient)
	assert.Equal(t, high, *assigned[0].MissionID)
	require.Len(t, h.bus.ofType(model.MsgResourceAllocated), 1)
}

// fakeStore serves whatever the recorder has journaled.
type fakeStore struct{ rec *fakeRecorder }

func (f fakeStore) GetMission(_ context.Context, id uuid.UUID) (model.Mission, error) {
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	m, ok := f.rec.missions[id]
	if !ok {
		return model.Mission{}, storage.ErrNotFound
	}
	return m, nil
}

func (f fakeStore) ListMissions(_ context.Context, filter model.MissionFilter) ([]model.Mission, error) {
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	var out []model.Mission
	for _, m := range f.rec.missions {
		if matches(m, filter) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f fakeStore) ListActiveMissions(_ context.Context) ([]model.Mission, error) {
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	var out []model.Mission
	for _, m := range f.rec.missions {
		if !m.State.Terminal() {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f fakeStore) CountMissionsByState(_ context.Context) (map[model.MissionState]int, error) {
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	out := make(map[model.MissionState]int)
	for _, m := range f.rec.missions {
		out[m.State]++
	}
	return out, nil
}

func (f fakeStore) ListTasks(_ context.Context, missionID uuid.UUID) ([]model.Task, error) {
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	var out []model.Task
	for _, t := range f.rec.tasks {
		if t.MissionID == missionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f fakeStore) ListLogs(_ context.Context, missionID *uuid.UUID, _ int) ([]model.RexLog, error) {
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	var out []model.RexLog
	for _, l := range f.rec.logs {
		if missionID == nil || (l.MissionID != nil && *l.MissionID == *missionID) {
			out = append(out, l)
		}
	}
	return out, nil
}

func TestStarvedMissionJumpsAheadAndAnnouncesOnce(t *testing.T) {
	h := newHarness(t, 2, 2)
	old := h.create(t, 10)
	h.now = h.now.Add(11 * time.Minute)
	fresh := h.create(t, 90)

	// One agent is busy elsewhere, so neither mission fits.
	blocker, err := h.pool.Allocate(resource.Request{MissionID: uuid.New(), Crew: "outreach", Agents: 1})
	require.NoError(t, err)
	h.s.Tick(context.Background())
	h.s.Tick(context.Background())

	exhausted := h.bus.ofType(model.MsgResourceExhausted)
	require.Len(t, exhausted, 1, "announced once per mission")
	assert.Equal(t, old, *exhausted[0].MissionID)
	assert.Equal(t, model.AddrBroadcast, exhausted[0].Recipient)
	assert.Equal(t, "agents", exhausted[0].Payload.(model.ResourceExhausted).Class)

	require.True(t, h.pool.Release(blocker.ID))
	h.s.Tick(context.Background())
	assert.Equal(t, model.StateAssigned, h.get(t, old).Mission.State, "starved mission goes first")
	assert.Equal(t, model.StateQueued, h.get(t, fresh).Mission.State)
}

func TestEqualPriorityIsFIFO(t *testing.T) {
	h := newHarness(t, 1, 1)
	first := h.create(t, 50)
	h.now = h.now.Add(time.Millisecond)
	second := h.create(t, 50)

	h.s.Tick(context.Background())
	assert.Equal(t, model.StateAssigned, h.get(t, first).Mission.State)
	assert.Equal(t, model.StateQueued, h.get(t, second).Mission.State)
}

func TestThreeRecoverableErrorsEscalate(t *testing.T) {
	h := newHarness(t, 1, 1)
	mid := h.create(t, 50)
	h.s.Tick(context.Background())
	task := h.get(t, mid).Tasks[0]

	fail := model.MissionFailed{TaskID: task.ID, Error: model.MissionError{Code: "SMTP_TIMEOUT", Message: "timeout", Recoverable: true}}
	for attempt := 1; attempt <= 2; attempt++ {
		h.send(t, mid, model.MissionStarted{TaskID: task.ID, Agent: task.AgentName})
		h.send(t, mid, fail)

		cur := h.get(t, mid)
		require.Equal(t, model.StateExecuting, cur.Mission.State)
		require.Equal(t, model.TaskPending, cur.Tasks[0].State)
		require.Equal(t, attempt, cur.Tasks[0].RetryCount)
		require.NotNil(t, cur.Tasks[0].NextAttemptAt)
		assert.Equal(t, h.now.Add(time.Duration(1<<(attempt-1))*time.Second), *cur.Tasks[0].NextAttemptAt)

		h.s.Tick(context.Background())
		assert.Len(t, h.bus.ofType(model.MsgMissionAssigned), attempt, "retry waits for its backoff")
		h.now = h.now.Add(time.Duration(1<<(attempt-1)) * time.Second)
		h.s.Tick(context.Background())
		retries := h.bus.ofType(model.MsgMissionAssigned)
		require.Len(t, retries, attempt+1)
		assert.Equal(t, attempt+1, retries[attempt].Payload.(model.MissionAssigned).Attempt)
	}

	h.send(t, mid, fail)
	d := h.get(t, mid)
	assert.Equal(t, model.StateEscalated, d.Mission.State)
	require.NotNil(t, d.Mission.Error)
	assert.Equal(t, model.ErrCodeRetryBudgetExhausted, d.Mission.Error.Code)
	assert.Equal(t, 3, d.Mission.Error.RetryCount)
	assert.Nil(t, d.Mission.AllocatedResources)
	assert.Equal(t, 1, h.available())
	assert.Len(t, h.bus.ofType(model.MsgErrorEscalation), 1)
	assert.Equal(t, 3, d.Mission.Metrics.Retries)
}

func TestCompletionRequiresTerminalTasksAndReleasesOnce(t *testing.T) {
	h := newHarness(t, 2, 2)
	mid := h.create(t, 50)
	h.s.Tick(context.Background())
	d := h.get(t, mid)
	require.Len(t, d.Tasks, 2)
	allocID := d.Mission.AllocatedResources.ID
	assert.Equal(t, 0, h.available())

	h.send(t, mid, model.MissionStarted{TaskID: d.Tasks[0].ID})
	h.send(t, mid, model.MissionCompleted{TaskID: d.Tasks[0].ID, Output: output(), DurationMs: 1200, TokensUsed: 300})
	cur := h.get(t, mid)
	assert.Equal(t, model.StateExecuting, cur.Mission.State, "one task still outstanding")
	assert.NotNil(t, cur.Mission.AllocatedResources)
	assert.Equal(t, 0, h.available())

	h.send(t, mid, model.MissionCompleted{TaskID: d.Tasks[1].ID})
	cur = h.get(t, mid)
	assert.Equal(t, model.StateCompleted, cur.Mission.State)
	assert.Nil(t, cur.Mission.AllocatedResources)
	assert.Equal(t, 1.0, cur.Progress)
	require.NotNil(t, cur.Mission.Outcome)
	assert.Equal(t, 2, cur.Mission.Outcome.TasksCompleted)
	assert.Len(t, cur.Mission.Outcome.Outputs, 1)
	assert.Equal(t, int64(300), cur.Mission.Metrics.TokensUsed)
	assert.Equal(t, 2, h.available())

	// Redelivery is harmless and the allocation is already gone.
	h.send(t, mid, model.MissionCompleted{TaskID: d.Tasks[1].ID, Output: output()})
	assert.False(t, h.pool.Release(allocID))
	assert.Equal(t, model.StateCompleted, h.get(t, mid).Mission.State)
}

func TestAllTasksWithoutOutputFails(t *testing.T) {
	h := newHarness(t, 1, 1)
	mid := h.create(t, 50)
	h.s.Tick(context.Background())
	task := h.get(t, mid).Tasks[0]

	h.send(t, mid, model.MissionCompleted{TaskID: task.ID, Output: json.RawMessage("null")})
	d := h.get(t, mid)
	assert.Equal(t, model.StateFailed, d.Mission.State)
	assert.Equal(t, model.ErrCodeNoOutput, d.Mission.Error.Code)
}

func TestUnrecoverableErrorFailsMissionAndStopsCrew(t *testing.T) {
	h := newHarness(t, 2, 2)
	mid := h.create(t, 50)
	h.s.Tick(context.Background())
	tasks := h.get(t, mid).Tasks

	h.send(t, mid, model.MissionFailed{TaskID: tasks[0].ID, Error: model.MissionError{Code: "BAD_LIST", Message: "lead list empty"}})
	d := h.get(t, mid)
	assert.Equal(t, model.StateFailed, d.Mission.State)
	assert.Equal(t, "BAD_LIST", d.Mission.Error.Code)
	assert.False(t, d.Mission.Error.Recoverable)
	for _, task := range d.Tasks {
		assert.Equal(t, model.TaskFailed, task.State)
	}

	stops := h.bus.ofType(model.MsgMissionCancelled)
	require.Len(t, stops, 1)
	assert.Equal(t, []uuid.UUID{tasks[1].ID}, stops[0].Payload.(model.MissionCancelled).TaskIDs)
	assert.Empty(t, h.bus.ofType(model.MsgErrorEscalation))
	assert.Equal(t, 2, h.available())
}

func TestAgentDownStaysOutOfServiceUntilRestart(t *testing.T) {
	h := newHarness(t, 2, 1)
	mid := h.create(t, 50)
	h.s.Tick(context.Background())
	task := h.get(t, mid).Tasks[0]

	h.send(t, mid, model.MissionFailed{
		TaskID:    task.ID,
		Error:     model.MissionError{Code: "SMTP_AUTH", Message: "credentials revoked"},
		AgentDown: true,
	})
	assert.Equal(t, model.StateFailed, h.get(t, mid).Mission.State)
	assert.Equal(t, 1, h.available(), "failed agent is not returned to idle")

	state, restarted, err := h.pool.RestartAgent("outreach", task.AgentName)
	require.NoError(t, err)
	assert.True(t, restarted)
	assert.Equal(t, model.AgentIdle, state)
	assert.Equal(t, 2, h.available())
}

func TestProgressFollowsTypeStages(t *testing.T) {
	h := newHarness(t, 1, 1)
	resp, err := h.s.Create(context.Background(), model.CreateMissionRequest{Type: model.MissionDomainRotation})
	require.NoError(t, err)
	mid := resp.MissionID
	h.s.Tick(context.Background())
	task := h.get(t, mid).Tasks[0]

	err = h.s.HandleMessage(context.Background(), h.report(mid, model.MissionProgress{Stage: model.StateCollecting}))
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Equal(t, model.StateAssigned, h.get(t, mid).Mission.State, "stages wait for a task to start")

	h.send(t, mid, model.MissionStarted{TaskID: task.ID})
	h.send(t, mid, model.MissionProgress{Stage: model.StateCollecting})
	assert.Equal(t, model.StateCollecting, h.get(t, mid).Mission.State)

	h.send(t, mid, model.MissionProgress{Stage: model.StateAnalyzing})
	assert.Equal(t, model.StateCollecting, h.get(t, mid).Mission.State, "analyzing is not a domain_rotation stage")

	h.send(t, mid, model.MissionProgress{Stage: model.StateExecuting})
	assert.Equal(t, model.StateCollecting, h.get(t, mid).Mission.State, "stages never move backwards")
}

func TestProgressIgnoredWhileQueued(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.create(t, 90)
	h.s.Tick(context.Background())
	queued := h.create(t, 10)
	h.s.Tick(context.Background())
	require.Equal(t, model.StateQueued, h.get(t, queued).Mission.State)

	msg := h.report(queued, model.MissionProgress{Stage: model.StateExecuting})
	assert.Error(t, h.s.HandleMessage(context.Background(), msg))

	d := h.get(t, queued)
	assert.Equal(t, model.StateQueued, d.Mission.State)
	assert.Nil(t, d.Mission.AllocatedResources)
	assert.Empty(t, d.Tasks)
}

func TestReportsFromOtherCrewsRejected(t *testing.T) {
	h := newHarness(t, 2, 2)
	mid := h.create(t, 50)
	h.s.Tick(context.Background())
	tasks := h.get(t, mid).Tasks
	require.Len(t, tasks, 2)

	foreign := h.report(mid, model.MissionFailed{TaskID: tasks[0].ID, Error: model.MissionError{Code: "BAD_LIST"}})
	foreign.Sender = model.AgentAddress("other-crew", "mallory")
	assert.ErrorIs(t, h.s.HandleMessage(context.Background(), foreign), ErrForeignSender)

	escalate := h.report(mid, model.ErrorEscalation{Reason: "not yours"})
	escalate.Sender = model.CrewAddress("other-crew")
	assert.ErrorIs(t, h.s.HandleMessage(context.Background(), escalate), ErrForeignSender)

	// Same crew, but not the agent running the task.
	sibling := h.report(mid, model.MissionCompleted{TaskID: tasks[0].ID, Output: output()})
	sibling.Sender = model.AgentAddress("outreach", tasks[1].AgentName)
	assert.ErrorIs(t, h.s.HandleMessage(context.Background(), sibling), ErrForeignSender)

	d := h.get(t, mid)
	assert.Equal(t, model.StateAssigned, d.Mission.State)
	for _, task := range d.Tasks {
		assert.Equal(t, model.TaskPending, task.State)
	}

	// Crew-level reports from the holding crew are accepted.
	started := h.report(mid, model.MissionStarted{TaskID: tasks[0].ID})
	started.Sender = model.CrewAddress("outreach")
	require.NoError(t, h.s.HandleMessage(context.Background(), started))
	assert.Equal(t, model.StateExecuting, h.get(t, mid).Mission.State)
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t, 1, 1)
	mid := h.create(t, 50)
	h.s.Tick(context.Background())

	resp, err := h.s.Cancel(context.Background(), mid, "operator")
	require.NoError(t, err)
	assert.True(t, resp.Cancelled)
	assert.Equal(t, model.StateFailed, resp.State)
	assert.Equal(t, 1, h.available())

	d := h.get(t, mid)
	assert.Equal(t, model.ErrCodeCancelled, d.Mission.Error.Code)
	require.Len(t, h.bus.ofType(model.MsgMissionCancelled), 1)

	resp, err = h.s.Cancel(context.Background(), mid, "again")
	require.NoError(t, err)
	assert.False(t, resp.Cancelled)
	assert.Equal(t, model.StateFailed, resp.State)
	assert.Len(t, h.bus.ofType(model.MsgMissionCancelled), 1)

	_, err = h.s.Cancel(context.Background(), uuid.New(), "")
	assert.ErrorIs(t, err, ErrUnknownMission)
}

func TestCancelQueuedMission(t *testing.T) {
	h := newHarness(t, 1, 1)
	busy := h.create(t, 90)
	h.s.Tick(context.Background())
	queued := h.create(t, 10)

	resp, err := h.s.Cancel(context.Background(), queued, "")
	require.NoError(t, err)
	assert.True(t, resp.Cancelled)
	assert.Empty(t, h.bus.ofType(model.MsgMissionCancelled), "no crew to notify")
	assert.Equal(t, model.StateAssigned, h.get(t, busy).Mission.State)
}

func TestStalledTaskIsRetried(t *testing.T) {
	h := newHarness(t, 1, 1)
	mid := h.create(t, 50)
	h.s.Tick(context.Background())
	task := h.get(t, mid).Tasks[0]
	h.send(t, mid, model.MissionStarted{TaskID: task.ID})

	h.now = h.now.Add(16 * time.Minute)
	h.s.Tick(context.Background())

	cur := h.get(t, mid).Tasks[0]
	assert.Equal(t, model.TaskPending, cur.State)
	require.NotNil(t, cur.Error)
	assert.Equal(t, model.ErrCodeStalled, cur.Error.Code)
	assert.Equal(t, 1, cur.RetryCount)
	assert.Equal(t, model.StateExecuting, h.get(t, mid).Mission.State)
}

func TestEscalationMessageEscalates(t *testing.T) {
	h := newHarness(t, 1, 1)
	mid := h.create(t, 50)
	h.s.Tick(context.Background())

	h.send(t, mid, model.ErrorEscalation{Reason: "customer complaint"})
	d := h.get(t, mid)
	assert.Equal(t, model.StateEscalated, d.Mission.State)
	assert.Equal(t, model.ErrCodeEscalated, d.Mission.Error.Code)
	assert.Empty(t, h.bus.ofType(model.MsgErrorEscalation), "agent escalations are not echoed")
}

func TestUnknownMissionRejected(t *testing.T) {
	h := newHarness(t, 1, 1)
	err := h.s.HandleMessage(context.Background(), model.RexMessage{
		Sender:    model.AgentAddress("outreach", "agent-a"),
		Recipient: model.AddrOrchestrator,
		Payload:   model.MissionStarted{TaskID: uuid.New()},
	})
	assert.ErrorIs(t, err, ErrUnknownMission)

	// Orchestrator-originated types are ignored outright.
	assert.NoError(t, h.s.HandleMessage(context.Background(), model.RexMessage{
		Recipient: model.AddrOrchestrator,
		Payload:   model.ResourceAllocated{},
	}))
}

func TestActivityFeed(t *testing.T) {
	h := newHarness(t, 1, 1)
	mid := h.create(t, 50)
	h.s.Tick(context.Background())
	task := h.get(t, mid).Tasks[0]
	h.send(t, mid, model.MissionStarted{TaskID: task.ID})

	require.Len(t, h.sink.activity, 1)
	assert.Equal(t, task.ID, h.sink.activity[0].ID)
	assert.Equal(t, "outreach", h.sink.activity[0].Crew)
	require.NotEmpty(t, h.sink.status)
	assert.Equal(t, model.TaskExecuting, h.sink.status[len(h.sink.status)-1].Status)
	require.NotEmpty(t, h.sink.workflow)
	assert.Equal(t, model.StateExecuting, h.sink.workflow[len(h.sink.workflow)-1].State)
}

func TestListAndCountsWithoutStore(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.create(t, 50)
	h.now = h.now.Add(time.Second)
	second := h.create(t, 40)
	h.s.Tick(context.Background())

	counts, err := h.s.CountsByState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.StateQueued])
	assert.Equal(t, 1, counts[model.StateAssigned])
	assert.Zero(t, counts[model.StateCompleted])

	queued := model.StateQueued
	list, err := h.s.List(context.Background(), model.MissionFilter{State: &queued})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, second, list[0].ID)

	all, err := h.s.List(context.Background(), model.MissionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second, all[0].ID, "newest first")
}

func TestTerminalMissionsEvictedAndServedFromStore(t *testing.T) {
	rec := newRecorder()
	h := newHarness(t, 1, 1, WithStore(fakeStore{rec: rec}))
	h.s.rec = rec
	mid := h.create(t, 50)
	h.s.Tick(context.Background())
	_, err := h.s.Cancel(context.Background(), mid, "")
	require.NoError(t, err)

	h.now = h.now.Add(25 * time.Hour)
	h.s.Tick(context.Background())
	missions, _ := h.s.Snapshot()
	assert.Empty(t, missions)

	d := h.get(t, mid)
	assert.Equal(t, model.StateFailed, d.Mission.State)
	assert.Len(t, d.Tasks, 1)
	assert.NotEmpty(t, d.Logs)

	counts, err := h.s.CountsByState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.StateFailed])

	resp, err := h.s.Cancel(context.Background(), mid, "")
	require.NoError(t, err)
	assert.False(t, resp.Cancelled)
}

func TestRecoverRequeuesAndEscalates(t *testing.T) {
	rec := newRecorder()
	created := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	queued := model.Mission{ID: uuid.New(), Type: model.MissionLeadReactivation, State: model.StateQueued, Priority: 50, CreatedAt: created}
	running := model.Mission{
		ID: uuid.New(), Type: model.MissionLeadReactivation, State: model.StateExecuting, Priority: 50,
		AssignedCrew: "outreach", CreatedAt: created,
		AllocatedResources: &model.ResourceAllocation{ID: uuid.New(), Crew: "outreach", Agents: []string{"agent-a"}},
	}
	task := model.Task{ID: uuid.New(), MissionID: running.ID, AgentName: "agent-a", State: model.TaskExecuting}
	rec.RecordMission(queued)
	rec.RecordMission(running)
	rec.RecordTask(task)

	h := newHarness(t, 1, 1, WithStore(fakeStore{rec: rec}))
	h.s.rec = rec
	requeued, escalated, err := h.s.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 1, escalated)

	d := h.get(t, running.ID)
	assert.Equal(t, model.StateEscalated, d.Mission.State)
	assert.Equal(t, model.ErrCodeOrchestratorRestarted, d.Mission.Error.Code)
	assert.Nil(t, d.Mission.AllocatedResources)
	assert.Equal(t, model.TaskFailed, d.Tasks[0].State)

	h.s.Tick(context.Background())
	assert.Equal(t, model.StateAssigned, h.get(t, queued.ID).Mission.State)
	assert.Equal(t, model.StateEscalated, rec.missions[running.ID].State)
}

func TestDomainRotatedSwapsGrant(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.s.SetTopology(topology.Topology{
		Crews: []topology.Crew{{Name: "outreach", Agents: []string{"agent-a"}, Capabilities: []model.MissionType{model.MissionLeadReactivation}}},
		Profiles: map[model.MissionType]topology.Profile{
			model.MissionLeadReactivation: {Agents: 1, Domains: 1},
		},
	})
	for _, name := range []string{"a.example.com", "b.example.com"} {
		h.pool.UpsertDomain(model.Domain{ID: uuid.New(), Name: name, Status: model.DomainActive, DailyLimit: 100, ReputationScore: 0.8})
	}
	mid := h.create(t, 50)
	h.s.Tick(context.Background())
	alloc := h.get(t, mid).Mission.AllocatedResources
	require.NotNil(t, alloc)
	require.Len(t, alloc.Domains, 1)
	held := alloc.Domains[0]

	rot, err := h.pool.RotateDomain(held.ID, "complaints", false)
	require.NoError(t, err)
	h.s.DomainRotated(context.Background(), rot)

	cur := h.get(t, mid).Mission.AllocatedResources
	require.Len(t, cur.Domains, 1)
	assert.NotEqual(t, held.ID, cur.Domains[0].ID)

	notices := h.bus.ofType(model.MsgResourceAllocated)
	last := notices[len(notices)-1]
	assert.Equal(t, model.CrewAddress("outreach"), last.Recipient)
	assert.Equal(t, cur.Domains, last.Payload.(model.ResourceAllocated).Allocation.Domains)
}

func TestRetryDelayCapped(t *testing.T) {
	cfg := Config{RetryBaseDelay: time.Second, RetryMaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, cfg.retryDelay(1))
	assert.Equal(t, 2*time.Second, cfg.retryDelay(2))
	assert.Equal(t, 4*time.Second, cfg.retryDelay(3))
	assert.Equal(t, 5*time.Second, cfg.retryDelay(4))
	assert.Equal(t, 5*time.Second, cfg.retryDelay(10))
}
