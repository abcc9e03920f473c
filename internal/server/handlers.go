package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/rex/internal/auth"
	"github.com/ashita-ai/rex/internal/ctxutil"
	"github.com/ashita-ai/rex/internal/model"
)

// MissionService creates, reads, and cancels missions.
type MissionService interface {
	Create(ctx context.Context, req model.CreateMissionRequest) (model.CreateMissionResponse, error)
	Get(ctx context.Context, id uuid.UUID) (model.MissionDetail, error)
	List(ctx context.Context, f model.MissionFilter) ([]model.Mission, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (model.CancelMissionResponse, error)
	CountsByState(ctx context.Context) (map[model.MissionState]int, error)
}

// DomainService runs the domain lifecycle.
type DomainService interface {
	AddDomain(ctx context.Context, req model.AddDomainRequest) (model.AddDomainResponse, error)
	Rotate(ctx context.Context, id uuid.UUID, reason string, immediate bool) (model.RotateDomainResponse, error)
	Verify(ctx context.Context, id uuid.UUID) (model.Domain, error)
	ReportOutcome(ctx context.Context, id uuid.UUID, out model.SendOutcome) (model.Domain, error)
	RecordSend(ctx context.Context, id uuid.UUID, n int) (model.Domain, error)
}

// PoolService exposes the resource pool's read side and agent restarts.
type PoolService interface {
	Agents() []model.AgentStatus
	RestartAgent(crew, agent string) (model.AgentState, bool, error)
	Domains() []model.Domain
	Domain(id uuid.UUID) (model.Domain, bool)
	Snapshot() model.ResourcePool
}

// MessagePublisher accepts agent messages onto the bus.
type MessagePublisher interface {
	Publish(model.RexMessage) error
}

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// AnalyticsService serves rollups.
type AnalyticsService interface {
	Latest() (model.AnalyticsSnapshot, bool)
	History(ctx context.Context) ([]model.AnalyticsSnapshot, error)
	Trends(ctx context.Context) (model.Trends, error)
}

// AuditLogger records mutations to the RexLog trail.
type AuditLogger interface {
	Log(model.RexLog)
}

// Backlog reports the depth of the write-behind journal.
type Backlog interface {
	Len() int
	Capacity() int
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	missions            MissionService
	domains             DomainService
	pool                PoolService
	bus                 MessagePublisher
	store               HealthChecker
	analytics           AnalyticsService
	broker              *Broker
	audit               AuditLogger
	backlog             Backlog
	jwtMgr              *auth.JWTManager
	idempotency         *idempotencyStore
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	devTokens           bool
	wsOrigins           []string
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Store, Analytics, Broker, Audit, Backlog.
type HandlersDeps struct {
	Missions            MissionService
	Domains             DomainService
	Pool                PoolService
	Bus                 MessagePublisher
	Store               HealthChecker
	Analytics           AnalyticsService
	Broker              *Broker
	Audit               AuditLogger
	Backlog             Backlog
	JWTMgr              *auth.JWTManager
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	DevTokens           bool
	WebSocketOrigins    []string
	IdempotencyTTL      time.Duration
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		missions:            d.Missions,
		domains:             d.Domains,
		pool:                d.Pool,
		bus:                 d.Bus,
		store:               d.Store,
		analytics:           d.Analytics,
		broker:              d.Broker,
		audit:               d.Audit,
		backlog:             d.Backlog,
		jwtMgr:              d.JWTMgr,
		idempotency:         newIdempotencyStore(d.IdempotencyTTL),
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
		devTokens:           d.DevTokens,
		wsOrigins:           d.WebSocketOrigins,
	}
}

type authTokenRequest struct {
	Subject string    `json:"subject"`
	Role    auth.Role `json:"role"`
	Crew    string    `json:"crew,omitempty"`
}

type authTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleAuthToken handles POST /auth/token. Tokens are minted for any
// subject, so the endpoint exists only when dev tokens are enabled.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if !h.devTokens {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "token issuance is disabled")
		return
	}
	var req authTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, false); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Subject) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "subject is required")
		return
	}
	if !req.Role.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("role must be one of %q, %q, %q", auth.RoleObserver, auth.RoleAgent, auth.RoleOperator))
		return
	}
	if req.Role == auth.RoleAgent && strings.TrimSpace(req.Crew) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent tokens require a crew")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.Subject, req.Role, req.Crew)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("dev token issued",
		"subject", req.Subject,
		"role", req.Role,
		"crew", req.Crew,
		"request_id", ctxutil.RequestIDFromContext(r.Context()),
	)
	writeJSON(w, r, http.StatusOK, authTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if h.store == nil {
		storeStatus = "memory"
	} else if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: storeStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleStatus handles GET /v1/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.missions.CountsByState(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to count missions", err)
		return
	}
	pool := h.pool.Snapshot()
	resp := model.StatusResponse{
		Health:          h.systemHealth(r.Context(), pool),
		UptimeSeconds:   int64(time.Since(h.startedAt).Seconds()),
		MissionsByState: counts,
		ResourcePool:    pool,
	}
	if h.analytics != nil {
		if snap, ok := h.analytics.Latest(); ok {
			resp.Analytics = &snap
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// systemHealth is error when the store is unreachable and degraded when a
// crew has failed agents, no domain can send, or the journal is past 75%
// of capacity.
func (h *Handlers) systemHealth(ctx context.Context, pool model.ResourcePool) model.SystemHealth {
	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			h.logger.Warn("status: store ping failed", "error", err)
			return model.HealthError
		}
	}
	for _, c := range pool.Crews {
		if c.Failed > 0 {
			return model.HealthDegraded
		}
	}
	total := 0
	for _, n := range pool.Domains {
		total += n
	}
	if total > 0 && pool.Domains[model.DomainActive] == 0 {
		return model.HealthDegraded
	}
	if h.backlog != nil {
		if capacity := h.backlog.Capacity(); capacity > 0 && h.backlog.Len() > capacity*3/4 {
			return model.HealthDegraded
		}
	}
	return model.HealthOperational
}

// writeInternalError logs the full error and returns a generic 500. The
// underlying error never reaches the caller.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	reqID := ctxutil.RequestIDFromContext(r.Context())
	h.logger.Error(msg,
		"error", err,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", reqID,
	)
	if h.audit != nil {
		h.audit.Log(model.NewLog(model.LogError, "api", msg, nil, map[string]any{
			"error":      err.Error(),
			"request_id": reqID,
			"endpoint":   r.Pattern,
		}))
	}
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
}

func parseID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

// queryInt returns an integer query parameter, or defaultVal when absent or
// malformed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a limit clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit <= 0 {
		return defaultVal
	}
	return min(limit, maxQueryLimit)
}
