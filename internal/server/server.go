package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/rex/internal/auth"
	"github.com/ashita-ai/rex/internal/ratelimit"
)

// Server is the Rex HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Store, Analytics, Broker, Limiter, Audit,
// Backlog, MCPServer, MetricsHandler.
type ServerConfig struct {
	// Required dependencies.
	Missions MissionService
	Domains  DomainService
	Pool     PoolService
	Bus      MessagePublisher
	JWTMgr   *auth.JWTManager
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Store          HealthChecker
	Analytics      AnalyticsService
	Broker         *Broker
	Limiter        ratelimit.Limiter
	Audit          AuditLogger
	Backlog        Backlog
	MCPServer      *mcpserver.MCPServer
	MetricsHandler http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	DevTokens           bool
	WebSocketOrigins    []string
	IdempotencyTTL      time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Missions:            cfg.Missions,
		Domains:             cfg.Domains,
		Pool:                cfg.Pool,
		Bus:                 cfg.Bus,
		Store:               cfg.Store,
		Analytics:           cfg.Analytics,
		Broker:              cfg.Broker,
		Audit:               cfg.Audit,
		Backlog:             cfg.Backlog,
		JWTMgr:              cfg.JWTMgr,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		DevTokens:           cfg.DevTokens,
		WebSocketOrigins:    cfg.WebSocketOrigins,
		IdempotencyTTL:      cfg.IdempotencyTTL,
	})

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	apiRL := ratelimit.Middleware(limiter, ratelimit.CallerKeyFunc, cfg.Logger)
	authRL := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, cfg.Logger)

	readRole := requireRole(auth.RoleObserver)
	agentRole := requireRole(auth.RoleAgent)
	operatorRole := requireRole(auth.RoleOperator)

	mux := http.NewServeMux()

	// Token issuance (no auth, rate limited by IP, dev mode only).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Missions.
	mux.Handle("POST /v1/missions", apiRL(operatorRole(http.HandlerFunc(h.HandleCreateMission))))
	mux.Handle("GET /v1/missions", apiRL(readRole(http.HandlerFunc(h.HandleListMissions))))
	mux.Handle("GET /v1/missions/{id}", apiRL(readRole(http.HandlerFunc(h.HandleGetMission))))
	mux.Handle("POST /v1/missions/{id}/cancel", apiRL(operatorRole(http.HandlerFunc(h.HandleCancelMission))))

	// Agents.
	mux.Handle("GET /v1/agents", apiRL(readRole(http.HandlerFunc(h.HandleListAgents))))
	mux.Handle("POST /v1/agents/{crew}/{agent}/restart", apiRL(operatorRole(http.HandlerFunc(h.HandleRestartAgent))))

	// Domains. Agents report delivery signals for the domains they send from.
	mux.Handle("GET /v1/domains", apiRL(readRole(http.HandlerFunc(h.HandleListDomains))))
	mux.Handle("POST /v1/domains", apiRL(operatorRole(http.HandlerFunc(h.HandleAddDomain))))
	mux.Handle("GET /v1/domains/{id}", apiRL(readRole(http.HandlerFunc(h.HandleGetDomain))))
	mux.Handle("POST /v1/domains/{id}/rotate", apiRL(operatorRole(http.HandlerFunc(h.HandleRotateDomain))))
	mux.Handle("POST /v1/domains/{id}/verify", apiRL(operatorRole(http.HandlerFunc(h.HandleVerifyDomain))))
	mux.Handle("POST /v1/domains/{id}/sends", apiRL(agentRole(http.HandlerFunc(h.HandleRecordSend))))
	mux.Handle("POST /v1/domains/{id}/outcomes", apiRL(agentRole(http.HandlerFunc(h.HandleReportOutcome))))

	// Bus ingress for agents running outside this process.
	mux.Handle("POST /v1/messages", apiRL(agentRole(http.HandlerFunc(h.HandlePublishMessage))))

	// Status and analytics.
	mux.Handle("GET /v1/status", apiRL(readRole(http.HandlerFunc(h.HandleStatus))))
	mux.Handle("GET /v1/analytics", apiRL(readRole(http.HandlerFunc(h.HandleAnalytics))))
	mux.Handle("GET /v1/analytics/history", apiRL(readRole(http.HandlerFunc(h.HandleAnalyticsHistory))))
	mux.Handle("GET /v1/analytics/trends", apiRL(readRole(http.HandlerFunc(h.HandleAnalyticsTrends))))

	// Activity stream (observer+, no rate limit; long-lived connection).
	mux.Handle("GET /v1/events", readRole(http.HandlerFunc(h.HandleEvents)))

	// MCP StreamableHTTP transport (auth required, observer+; tools check
	// their own roles).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", readRole(mcpHTTP))
	}

	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
