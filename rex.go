// Package rex is the public API for embedding the Rex mission orchestrator.
//
// The cmd/rex binary is a thin wrapper around this package:
//
//	app, err := rex.New(ctx,
//	    rex.WithVersion(version),
//	    rex.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// internal/* never imports this package.
package rex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/rex/internal/auth"
	"github.com/ashita-ai/rex/internal/bus"
	"github.com/ashita-ai/rex/internal/config"
	"github.com/ashita-ai/rex/internal/mcp"
	"github.com/ashita-ai/rex/internal/model"
	"github.com/ashita-ai/rex/internal/ratelimit"
	"github.com/ashita-ai/rex/internal/resource"
	"github.com/ashita-ai/rex/internal/server"
	"github.com/ashita-ai/rex/internal/service/analytics"
	"github.com/ashita-ai/rex/internal/service/domainhealth"
	"github.com/ashita-ai/rex/internal/service/journal"
	"github.com/ashita-ai/rex/internal/service/scheduler"
	"github.com/ashita-ai/rex/internal/storage"
	"github.com/ashita-ai/rex/internal/storage/litestore"
	"github.com/ashita-ai/rex/internal/telemetry"
	"github.com/ashita-ai/rex/internal/topology"
	"github.com/ashita-ai/rex/migrations"
)

// store is what both backends provide: batched journal writes, read-through
// queries for the scheduler and analytics, and startup domain loading.
type store interface {
	journal.Writer
	scheduler.Store
	analytics.Store
	ListDomains(ctx context.Context) ([]model.Domain, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context)
}

// App is the Rex server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        store
	bus          *bus.Bus
	orchestrator *bus.Subscription
	bridge       *bus.PGBridge // nil without NOTIFY_URL
	journal      *journal.Journal
	pool         *resource.Pool
	scheduler    *scheduler.Scheduler
	domains      *domainhealth.Engine
	analytics    *analytics.Service
	limiter      ratelimit.Limiter
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New loads configuration, opens the store, recovers in-flight missions, and
// wires every subsystem. It does not start any goroutines or accept HTTP
// connections; call Run.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.topologyFile != "" {
		cfg.TopologyFile = o.topologyFile
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("rex starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		SampleRatio: cfg.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{cfg: cfg, otelShutdown: otelShutdown, logger: logger, version: version}
	if err := a.wire(ctx); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	st, db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a.store = st

	top := topology.Default()
	if cfg.TopologyFile != "" {
		if top, err = topology.Load(cfg.TopologyFile); err != nil {
			return fmt.Errorf("topology: %w", err)
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	a.journal = journal.New(st, logger, cfg.EventBufferSize, cfg.EventFlushInterval)

	a.bus = bus.New(logger)
	a.bus.OnPublish(bus.AuditHook(a.journal))
	if db != nil && db.HasNotify() {
		a.bridge = bus.NewPGBridge(a.bus, db, logger, cfg.BridgeBacklogWarn)
		logger.Info("bus bridge: enabled", "node", a.bridge.Node())
	} else {
		logger.Info("bus bridge: disabled (no NOTIFY_URL)")
	}
	a.orchestrator, err = a.bus.Subscribe(model.AddrOrchestrator)
	if err != nil {
		return fmt.Errorf("bus: subscribe orchestrator: %w", err)
	}

	metrics := resource.NewMetrics()
	a.pool = resource.New(top, resource.WithMetrics(metrics))
	domains, err := st.ListDomains(ctx)
	if err != nil {
		return fmt.Errorf("load domains: %w", err)
	}
	for _, d := range domains {
		a.pool.UpsertDomain(d)
	}

	broker := server.NewBroker(logger)

	a.scheduler = scheduler.New(scheduler.Config{
		TickInterval:   cfg.TickInterval,
		FairnessCap:    cfg.FairnessCap,
		StallWindow:    cfg.StallWindow,
		RetryBudget:    cfg.RetryBudget,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		Retention:      cfg.Retention,
	}, a.pool, top, a.bus, a.journal, logger,
		scheduler.WithStore(st),
		scheduler.WithActivitySink(broker),
	)
	requeued, escalated, err := a.scheduler.Recover(ctx)
	if err != nil {
		return err
	}
	logger.Info("missions recovered", "domains", len(domains), "requeued", requeued, "escalated", escalated)

	dcfg := domainhealth.DefaultConfig()
	dcfg.Interval = cfg.DomainHealthInterval
	dcfg.RotationThreshold = cfg.RotationThreshold
	dcfg.ComplaintCeiling = cfg.ComplaintCeiling
	dcfg.MinSampleSize = int64(cfg.MinSampleSize)
	dcfg.WarmupDuration = cfg.WarmupDuration
	dcfg.MailHost = cfg.MailHost
	a.domains = domainhealth.New(dcfg, a.pool, a.bus, a.journal, logger,
		domainhealth.WithRotationHook(a.scheduler.DomainRotated))

	a.analytics = analytics.New(analytics.Config{
		Interval: cfg.AnalyticsInterval,
		History:  cfg.AnalyticsHistory,
	}, a.pool, a.scheduler, logger, analytics.WithStore(st))
	if err := a.analytics.Load(ctx); err != nil {
		logger.Warn("analytics: history load failed", "error", err)
	}

	if cfg.RateLimitRPS > 0 {
		a.limiter = ratelimit.NewMemoryLimiter(
			ratelimit.Rule{Rate: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst},
			ratelimit.WithClassRule("crew:", ratelimit.Rule{Rate: cfg.CrewRateLimitRPS, Burst: cfg.CrewRateLimitBurst}),
		)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst,
			"crew_rps", cfg.CrewRateLimitRPS, "crew_burst", cfg.CrewRateLimitBurst)
	} else {
		a.limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(a.scheduler, a.pool, logger, a.version)

	a.srv = server.New(server.ServerConfig{
		Missions:            a.scheduler,
		Domains:             a.domains,
		Pool:                a.pool,
		Bus:                 a.bus,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Store:               st,
		Analytics:           a.analytics,
		Broker:              broker,
		Limiter:             a.limiter,
		Audit:               a.journal,
		Backlog:             a.journal,
		MCPServer:           mcpSrv.MCPServer(),
		MetricsHandler:      metrics.Handler(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		IdempotencyTTL:      cfg.IdempotencyTTL,
		DevTokens:           cfg.DevTokens,
		WebSocketOrigins:    cfg.WebSocketOriginHosts,
	})
	if cfg.DevTokens {
		logger.Warn("dev tokens enabled: POST /auth/token mints tokens without credentials")
	}
	return nil
}

// openStore picks the backend from DATABASE_URL. The Postgres handle is also
// returned so the bus bridge can use its NOTIFY connection.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store, *storage.DB, error) {
	if path, ok := litestore.PathFromURL(cfg.DatabaseURL); ok {
		st, err := litestore.Open(ctx, path, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		logger.Info("storage: sqlite", "path", path)
		return st, nil, nil
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	logger.Info("storage: postgres", "notify", db.HasNotify())
	return db, db, nil
}

// Run starts the background loops and the HTTP server, then blocks until ctx
// is cancelled or a component fails. Shutdown runs on the way out either way.
func (a *App) Run(ctx context.Context) error {
	a.journal.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.scheduler.Consume(gctx, a.orchestrator) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return a.domains.Run(gctx) })
	g.Go(func() error { return a.analytics.Run(gctx) })
	if a.bridge != nil {
		g.Go(func() error { return a.bridge.Run(gctx) })
	}
	if a.cfg.TopologyFile != "" {
		g.Go(func() error {
			return topology.Watch(gctx, a.cfg.TopologyFile, a.logger, a.applyTopology)
		})
	}
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// applyTopology swaps crew definitions on a live orchestrator. Allocations in
// flight keep the agents they were granted.
func (a *App) applyTopology(top topology.Topology) {
	a.pool.ApplyTopology(top)
	a.scheduler.SetTopology(top)
	a.journal.Log(model.NewLog(model.LogInfo, "topology", "topology reloaded", nil,
		map[string]any{"crews": len(top.Crews)}))
}

// Shutdown stops accepting HTTP requests, then drains the journal so every
// recorded mission and log reaches the store, then closes the bus and store.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("rex shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	a.journal.Drain(drainCtx)
	drainCancel()
	if n := a.journal.Len(); n > 0 {
		a.logger.Error("journal drain incomplete, unflushed records lost", "remaining", n)
	}

	a.closeResources()
	a.logger.Info("rex stopped")
	return nil
}

func (a *App) closeResources() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.store != nil {
		a.store.Close(context.Background())
	}
	if a.otelShutdown != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShutdown(flushCtx)
		cancel()
	}
}
