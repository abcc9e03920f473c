package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/rex/internal/auth"
	"github.com/ashita-ai/rex/internal/bus"
	"github.com/ashita-ai/rex/internal/model"
	"github.com/ashita-ai/rex/internal/resource"
	"github.com/ashita-ai/rex/internal/server"
	"github.com/ashita-ai/rex/internal/service/domainhealth"
	"github.com/ashita-ai/rex/internal/service/journal"
	"github.com/ashita-ai/rex/internal/service/scheduler"
	"github.com/ashita-ai/rex/internal/testutil"
	"github.com/ashita-ai/rex/internal/topology"
)

type stubVerifier struct {
	mu  sync.Mutex
	err error
}

func (v *stubVerifier) Verify(context.Context, string, string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

func (v *stubVerifier) set(err error) {
	v.mu.Lock()
	v.err = err
	v.mu.Unlock()
}

type env struct {
	srv      *httptest.Server
	jwt      *auth.JWTManager
	broker   *server.Broker
	bus      *bus.Bus
	verifier *stubVerifier
	operator string
	observer string
	agent    string
}

func newEnv(t *testing.T, devTokens bool) *env {
	t.Helper()
	logger := testutil.TestLogger()

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	top := topology.Default()
	pool := resource.New(top)
	b := bus.New(logger)
	t.Cleanup(b.Close)
	jr := journal.New(nil, logger, 1000, time.Second)
	broker := server.NewBroker(logger)
	sched := scheduler.New(scheduler.DefaultConfig(), pool, top, b, jr, logger, scheduler.WithActivitySink(broker))
	verifier := &stubVerifier{}
	engine := domainhealth.New(domainhealth.DefaultConfig(), pool, b, jr, logger,
		domainhealth.WithVerifier(verifier),
		domainhealth.WithRotationHook(sched.DomainRotated))

	srv := server.New(server.ServerConfig{
		Missions:            sched,
		Domains:             engine,
		Pool:                pool,
		Bus:                 b,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Broker:              broker,
		Audit:               jr,
		Backlog:             jr,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		DevTokens:           devTokens,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	issue := func(subject string, role auth.Role, crew string) string {
		tok, _, err := jwtMgr.IssueToken(subject, role, crew)
		require.NoError(t, err)
		return tok
	}
	return &env{
		srv:      ts,
		jwt:      jwtMgr,
		broker:   broker,
		bus:      b,
		verifier: verifier,
		operator: issue("growth-team", auth.RoleOperator, ""),
		observer: issue("dashboard", auth.RoleObserver, ""),
		agent:    issue("outreach-runner", auth.RoleAgent, "outreach"),
	}
}

type envelope struct {
	Data  json.RawMessage   `json:"data"`
	Total int               `json:"total"`
	Error model.ErrorDetail `json:"error"`
	Meta  model.ResponseMeta
}

func (e *env) do(t *testing.T, method, path, token string, body any, headers ...string) (int, envelope, http.Header) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		switch v := body.(type) {
		case string:
			rdr = strings.NewReader(v)
		default:
			b, err := json.Marshal(v)
			require.NoError(t, err)
			rdr = bytes.NewReader(b)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp.StatusCode, env, resp.Header
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func TestHealthIsPublic(t *testing.T) {
	e := newEnv(t, false)
	code, env, hdr := e.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, code)
	health := decode[model.HealthResponse](t, env.Data)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.NotEmpty(t, hdr.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", hdr.Get("X-Content-Type-Options"))
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t, false)

	code, env, _ := e.do(t, http.MethodGet, "/v1/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, model.ErrCodeUnauthorized, env.Error.Code)

	code, _, _ = e.do(t, http.MethodGet, "/v1/status", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, env, _ = e.do(t, http.MethodPost, "/v1/missions", e.observer,
		model.CreateMissionRequest{Type: model.MissionICPExtraction})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, model.ErrCodeForbidden, env.Error.Code)
}

func TestRequestIDEchoed(t *testing.T) {
	e := newEnv(t, false)
	code, env, hdr := e.do(t, http.MethodGet, "/v1/status", e.observer, nil, "X-Request-ID", "req-42")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "req-42", hdr.Get("X-Request-ID"))
	assert.Equal(t, "req-42", env.Meta.RequestID)
}

func TestMissionLifecycle(t *testing.T) {
	e := newEnv(t, false)
	prio := 90

	code, env, _ := e.do(t, http.MethodPost, "/v1/missions", e.operator, model.CreateMissionRequest{
		Type:     model.MissionDomainRotation,
		Priority: &prio,
		Context:  model.MissionContext{Target: "retire burnt domains"},
	})
	require.Equal(t, http.StatusCreated, code, env.Error.Message)
	created := decode[model.CreateMissionResponse](t, env.Data)
	assert.Equal(t, "ops", created.Crew)
	assert.Positive(t, created.EstimatedDurationSeconds)

	code, env, _ = e.do(t, http.MethodGet, "/v1/missions/"+created.MissionID.String(), e.observer, nil)
	require.Equal(t, http.StatusOK, code)
	detail := decode[model.MissionDetail](t, env.Data)
	assert.Equal(t, model.StateQueued, detail.Mission.State)
	assert.Equal(t, "growth-team", detail.Mission.Owner)
	assert.Equal(t, 90, detail.Mission.Priority)

	code, env, _ = e.do(t, http.MethodGet, "/v1/missions?state=queued&owner=growth-team", e.observer, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, env.Total)

	code, env, _ = e.do(t, http.MethodPost, "/v1/missions/"+created.MissionID.String()+"/cancel", e.operator,
		model.CancelMissionRequest{Reason: "superseded"})
	require.Equal(t, http.StatusOK, code)
	cancelled := decode[model.CancelMissionResponse](t, env.Data)
	assert.True(t, cancelled.Cancelled)
	assert.Equal(t, model.StateFailed, cancelled.State)

	// Cancel is idempotent and works without a body.
	code, env, _ = e.do(t, http.MethodPost, "/v1/missions/"+created.MissionID.String()+"/cancel", e.operator, nil)
	require.Equal(t, http.StatusOK, code)
	again := decode[model.CancelMissionResponse](t, env.Data)
	assert.False(t, again.Cancelled)
	assert.Equal(t, model.StateFailed, again.State)

	code, env, _ = e.do(t, http.MethodGet, "/v1/missions/"+created.MissionID.String(), e.observer, nil)
	require.Equal(t, http.StatusOK, code)
	detail = decode[model.MissionDetail](t, env.Data)
	require.NotNil(t, detail.Mission.Error)
	assert.Equal(t, model.ErrCodeCancelled, detail.Mission.Error.Code)
}

func TestMissionErrors(t *testing.T) {
	e := newEnv(t, false)

	code, env, _ := e.do(t, http.MethodGet, "/v1/missions/"+uuid.NewString(), e.observer, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)

	code, _, _ = e.do(t, http.MethodGet, "/v1/missions/not-a-uuid", e.observer, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env, _ = e.do(t, http.MethodPost, "/v1/missions", e.operator, `{"type":"world_domination"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)

	code, _, _ = e.do(t, http.MethodPost, "/v1/missions", e.operator, `{"type":"icp_extraction","surprise":1}`)
	assert.Equal(t, http.StatusBadRequest, code, "unknown fields rejected")

	code, _, _ = e.do(t, http.MethodPost, "/v1/missions", e.operator, `{"type":`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _, _ = e.do(t, http.MethodGet, "/v1/missions?state=sleeping", e.observer, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCreateMissionIdempotency(t *testing.T) {
	e := newEnv(t, false)
	req := model.CreateMissionRequest{Type: model.MissionICPExtraction}

	code, first, _ := e.do(t, http.MethodPost, "/v1/missions", e.operator, req, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, code)
	code, second, hdr := e.do(t, http.MethodPost, "/v1/missions", e.operator, req, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "true", hdr.Get("Idempotent-Replayed"))
	assert.Equal(t,
		decode[model.CreateMissionResponse](t, first.Data).MissionID,
		decode[model.CreateMissionResponse](t, second.Data).MissionID)

	code, env, _ := e.do(t, http.MethodPost, "/v1/missions", e.operator,
		model.CreateMissionRequest{Type: model.MissionErrorRecovery}, "Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, model.ErrCodeConflict, env.Error.Code)

	code, env, _ = e.do(t, http.MethodGet, "/v1/missions", e.observer, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, env.Total)
}

func TestAgents(t *testing.T) {
	e := newEnv(t, false)

	code, env, _ := e.do(t, http.MethodGet, "/v1/agents?crew=research", e.observer, nil)
	require.Equal(t, http.StatusOK, code)
	agents := decode[[]model.AgentStatus](t, env.Data)
	require.Len(t, agents, 2)
	for _, a := range agents {
		assert.Equal(t, "research", a.Crew)
		assert.Equal(t, model.AgentIdle, a.Status)
	}

	code, env, _ = e.do(t, http.MethodPost, "/v1/agents/research/researcher-1/restart", e.operator, nil)
	require.Equal(t, http.StatusOK, code)
	restart := decode[model.RestartAgentResponse](t, env.Data)
	assert.False(t, restart.Restarted, "idle agents are not restarted")
	assert.Equal(t, model.AgentIdle, restart.Status)

	code, _, _ = e.do(t, http.MethodPost, "/v1/agents/research/nobody/restart", e.operator, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _, _ = e.do(t, http.MethodPost, "/v1/agents/research/researcher-1/restart", e.observer, nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestDomainLifecycle(t *testing.T) {
	e := newEnv(t, false)

	code, env, _ := e.do(t, http.MethodPost, "/v1/domains", e.operator,
		model.AddDomainRequest{Domain: "mail.acme.io", Type: model.DomainCustom, Verify: true})
	require.Equal(t, http.StatusCreated, code, env.Error.Message)
	added := decode[model.AddDomainResponse](t, env.Data)
	assert.True(t, added.Added)
	assert.Equal(t, model.DomainActive, added.VerificationStatus)
	assert.NotEmpty(t, added.DNSRecords)

	code, env, _ = e.do(t, http.MethodPost, "/v1/domains", e.operator,
		model.AddDomainRequest{Domain: "mail.acme.io", Type: model.DomainCustom})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, model.ErrCodeConflict, env.Error.Code)

	code, env, _ = e.do(t, http.MethodPost, "/v1/domains", e.operator,
		model.AddDomainRequest{Domain: "not a host", Type: model.DomainCustom})
	assert.Equal(t, http.StatusBadRequest, code)

	id := added.DomainID.String()
	code, env, _ = e.do(t, http.MethodPost, "/v1/domains/"+id+"/sends", e.agent, model.RecordSendRequest{Count: 10})
	require.Equal(t, http.StatusOK, code, env.Error.Message)
	assert.Equal(t, 10, decode[model.Domain](t, env.Data).DailySent)

	code, env, _ = e.do(t, http.MethodPost, "/v1/domains/"+id+"/outcomes", e.agent,
		model.SendOutcome{Sent: 10, Opens: 4})
	require.Equal(t, http.StatusOK, code, env.Error.Message)
	assert.Equal(t, int64(10), decode[model.Domain](t, env.Data).TotalSent)

	code, env, _ = e.do(t, http.MethodPost, "/v1/domains/"+id+"/outcomes", e.agent, model.SendOutcome{Sent: -1})
	assert.Equal(t, http.StatusBadRequest, code)

	// No other domain can replace it, so only an immediate rotation succeeds.
	code, env, _ = e.do(t, http.MethodPost, "/v1/domains/"+id+"/rotate", e.operator,
		model.RotateDomainRequest{Reason: "manual"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, model.ErrCodeDomainDegraded, env.Error.Code)

	code, env, _ = e.do(t, http.MethodPost, "/v1/domains/"+id+"/rotate", e.operator,
		model.RotateDomainRequest{Reason: "manual", Immediate: true})
	require.Equal(t, http.StatusOK, code, env.Error.Message)
	assert.True(t, decode[model.RotateDomainResponse](t, env.Data).Rotated)

	code, env, _ = e.do(t, http.MethodPost, "/v1/domains/"+id+"/sends", e.agent, model.RecordSendRequest{Count: 1})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, model.ErrCodeDomainDegraded, env.Error.Code)

	code, env, _ = e.do(t, http.MethodGet, "/v1/domains?status=rotated", e.observer, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, env.Total)

	code, _, _ = e.do(t, http.MethodGet, "/v1/domains/"+uuid.NewString(), e.observer, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAddDomainVerificationFailure(t *testing.T) {
	e := newEnv(t, false)
	e.verifier.set(errors.New("no TXT record"))

	code, env, _ := e.do(t, http.MethodPost, "/v1/domains", e.operator,
		model.AddDomainRequest{Domain: "send.acme.io", Type: model.DomainCustom, Verify: true})
	require.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, model.ErrCodeVerificationFailed, env.Error.Code)
	assert.NotNil(t, env.Error.Details, "details carry the DNS records to publish")

	// The domain is kept pending and can be verified once DNS is fixed.
	code, env, _ = e.do(t, http.MethodGet, "/v1/domains", e.observer, nil)
	require.Equal(t, http.StatusOK, code)
	domains := decode[[]model.Domain](t, env.Data)
	require.Len(t, domains, 1)
	assert.Equal(t, model.DomainPendingVerification, domains[0].Status)

	e.verifier.set(nil)
	code, env, _ = e.do(t, http.MethodPost, "/v1/domains/"+domains[0].ID.String()+"/verify", e.operator, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.DomainActive, decode[model.Domain](t, env.Data).Status)
}

func TestPublishMessage(t *testing.T) {
	e := newEnv(t, false)
	sub, err := e.bus.Subscribe(model.AddrOrchestrator)
	require.NoError(t, err)
	defer sub.Close()

	mid := uuid.New()
	started := model.RexMessage{
		Sender:    model.AgentAddress("outreach", "writer-1"),
		MissionID: &mid,
		Payload:   model.MissionStarted{},
	}

	code, env, _ := e.do(t, http.MethodPost, "/v1/messages", e.agent, started)
	require.Equal(t, http.StatusAccepted, code, env.Error.Message)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.MsgMissionStarted, got.Type())
	assert.Equal(t, model.AddrOrchestrator, got.Recipient)

	t.Run("other crew forbidden", func(t *testing.T) {
		msg := started
		msg.Sender = model.AgentAddress("research", "researcher-1")
		code, _, _ := e.do(t, http.MethodPost, "/v1/messages", e.agent, msg)
		assert.Equal(t, http.StatusForbidden, code)
	})

	t.Run("operator may speak for any crew", func(t *testing.T) {
		msg := started
		msg.Sender = model.CrewAddress("research")
		code, _, _ := e.do(t, http.MethodPost, "/v1/messages", e.operator, msg)
		assert.Equal(t, http.StatusAccepted, code)
	})

	t.Run("orchestrator types rejected", func(t *testing.T) {
		msg := started
		msg.Payload = model.MissionCancelled{Reason: "nope"}
		code, _, _ := e.do(t, http.MethodPost, "/v1/messages", e.agent, msg)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("unknown type rejected", func(t *testing.T) {
		code, env, _ := e.do(t, http.MethodPost, "/v1/messages", e.agent,
			`{"type":"mission.exploded","sender":"crew:outreach","recipient":"orchestrator","data":{}}`)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Contains(t, env.Error.Message, "unknown message type")
	})

	t.Run("observers cannot publish", func(t *testing.T) {
		code, _, _ := e.do(t, http.MethodPost, "/v1/messages", e.observer, started)
		assert.Equal(t, http.StatusForbidden, code)
	})
}

func TestStatus(t *testing.T) {
	e := newEnv(t, false)
	code, _, _ := e.do(t, http.MethodPost, "/v1/missions", e.operator, model.CreateMissionRequest{Type: model.MissionICPExtraction})
	require.Equal(t, http.StatusCreated, code)

	code, env, _ := e.do(t, http.MethodGet, "/v1/status", e.observer, nil)
	require.Equal(t, http.StatusOK, code)
	status := decode[model.StatusResponse](t, env.Data)
	assert.Equal(t, model.HealthOperational, status.Health)
	assert.Equal(t, 1, status.MissionsByState[model.StateQueued])
	assert.Equal(t, 3, status.ResourcePool.Crews["outreach"].Total)
	assert.Nil(t, status.Analytics)
}

func TestStatusDegradedWithoutActiveDomain(t *testing.T) {
	e := newEnv(t, false)
	code, _, _ := e.do(t, http.MethodPost, "/v1/domains", e.operator,
		model.AddDomainRequest{Domain: "warm.acme.io", Type: model.DomainPrewarmed})
	require.Equal(t, http.StatusCreated, code)

	code, env, _ := e.do(t, http.MethodGet, "/v1/status", e.observer, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.HealthDegraded, decode[model.StatusResponse](t, env.Data).Health)
}

func TestAnalyticsDisabled(t *testing.T) {
	e := newEnv(t, false)
	code, env, _ := e.do(t, http.MethodGet, "/v1/analytics", e.observer, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)
}

func TestDevTokens(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		e := newEnv(t, false)
		code, _, _ := e.do(t, http.MethodPost, "/auth/token", "", map[string]string{"subject": "x", "role": "operator"})
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("enabled", func(t *testing.T) {
		e := newEnv(t, true)
		code, env, _ := e.do(t, http.MethodPost, "/auth/token", "", map[string]string{"subject": "ci", "role": "observer"})
		require.Equal(t, http.StatusOK, code)
		var tok struct {
			Token string `json:"token"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &tok))

		code, _, _ = e.do(t, http.MethodGet, "/v1/status", tok.Token, nil)
		assert.Equal(t, http.StatusOK, code)

		code, _, _ = e.do(t, http.MethodPost, "/auth/token", "", map[string]string{"subject": "ci", "role": "root"})
		assert.Equal(t, http.StatusBadRequest, code)
		code, _, _ = e.do(t, http.MethodPost, "/auth/token", "", map[string]string{"subject": "ci", "role": "agent"})
		assert.Equal(t, http.StatusBadRequest, code, "agent tokens need a crew")
	})
}

func dialEvents(t *testing.T, e *env, token string, viaQuery bool) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/events"
	opts := &websocket.DialOptions{}
	if viaQuery {
		url += "?token=" + token
	} else {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestEventStream(t *testing.T) {
	e := newEnv(t, false)
	conn := dialEvents(t, e, e.observer, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Unknown frames before the subscribe are ignored.
	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "hello"}))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))
	require.NoError(t, wsjson.Write(ctx, conn, model.Frame{Type: model.FrameSubscribe, Channel: model.ActivityChannel}))

	var ack model.Frame
	require.NoError(t, wsjson.Read(ctx, conn, &ack))
	assert.Equal(t, model.FrameSubscribed, ack.Type)

	mid := uuid.New()
	e.broker.WorkflowUpdate(model.WorkflowUpdate{MissionID: mid, State: model.StateExecuting, Progress: 0.5})
	e.broker.AgentStatus(model.AgentStatusUpdate{ID: mid, Status: model.TaskCompleted})

	var f model.Frame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	assert.Equal(t, model.FrameWorkflowUpdate, f.Type)
	upd := decode[model.WorkflowUpdate](t, f.Data)
	assert.Equal(t, mid, upd.MissionID)
	assert.InDelta(t, 0.5, upd.Progress, 1e-9)

	require.NoError(t, wsjson.Read(ctx, conn, &f))
	assert.Equal(t, model.FrameAgentStatus, f.Type)

	// Frames sent after subscribing do not end the stream.
	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "ping"}))
	e.broker.AgentActivity(model.AgentActivity{ID: uuid.New(), MissionID: mid, Crew: "outreach", Agent: "writer-1"})
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	assert.Equal(t, model.FrameAgentActivity, f.Type)
}

func TestEventStreamReplaysOnSubscribe(t *testing.T) {
	e := newEnv(t, false)
	mid, tid := uuid.New(), uuid.New()
	e.broker.AgentActivity(model.AgentActivity{ID: tid, MissionID: mid, Crew: "outreach", Agent: "writer-1", Status: model.TaskExecuting, Mission: model.StateExecuting})
	e.broker.AgentStatus(model.AgentStatusUpdate{ID: tid, Status: model.TaskCompleted})
	e.broker.WorkflowUpdate(model.WorkflowUpdate{MissionID: mid, State: model.StateCollecting, Progress: 0.5})

	conn := dialEvents(t, e, e.observer, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, model.Frame{Type: model.FrameSubscribe, Channel: model.ActivityChannel}))

	var f model.Frame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	require.Equal(t, model.FrameSubscribed, f.Type)

	require.NoError(t, wsjson.Read(ctx, conn, &f))
	require.Equal(t, model.FrameAgentActivity, f.Type)
	a := decode[model.AgentActivity](t, f.Data)
	assert.Equal(t, tid, a.ID)
	assert.Equal(t, model.TaskCompleted, a.Status)
	assert.Equal(t, model.StateCollecting, a.Mission)

	require.NoError(t, wsjson.Read(ctx, conn, &f))
	require.Equal(t, model.FrameWorkflowUpdate, f.Type)
	assert.InDelta(t, 0.5, decode[model.WorkflowUpdate](t, f.Data).Progress, 1e-9)
}

func TestEventStreamQueryToken(t *testing.T) {
	e := newEnv(t, false)
	conn := dialEvents(t, e, e.observer, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, wsjson.Write(ctx, conn, model.Frame{Type: model.FrameSubscribe, Channel: model.ActivityChannel}))
	var ack model.Frame
	require.NoError(t, wsjson.Read(ctx, conn, &ack))
	assert.Equal(t, model.FrameSubscribed, ack.Type)
	assert.Eventually(t, func() bool { return e.broker.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
}

func TestEventStreamRequiresAuth(t *testing.T) {
	e := newEnv(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(e.srv.URL, "http")+"/v1/events", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
