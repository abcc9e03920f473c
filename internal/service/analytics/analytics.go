// Package analytics rolls mission, agent, domain, and quota state up into
// hourly snapshots and derives trend series from them.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/rex/internal/model"
	"github.com/ashita-ai/rex/internal/resource"
	"github.com/ashita-ai/rex/internal/telemetry"
)

// Config controls the rollup cadence and how much history is kept.
type Config struct {
	Interval time.Duration
	History  int
}

// DefaultConfig rolls up hourly and keeps a day of history.
func DefaultConfig() Config {
	return Config{Interval: time.Hour, History: 24}
}

// MissionSource exposes live mission state.
type MissionSource interface {
	Snapshot() ([]model.Mission, map[uuid.UUID][]model.Task)
	CountsByState(ctx context.Context) (map[model.MissionState]int, error)
}

// Store persists snapshots.
type Store interface {
	InsertSnapshot(ctx context.Context, s model.AnalyticsSnapshot) error
	ListSnapshots(ctx context.Context, since time.Time, limit int) ([]model.AnalyticsSnapshot, error)
}

// Service owns the rollup loop. It is the only writer of snapshots.
type Service struct {
	cfg      Config
	pool     *resource.Pool
	missions MissionSource
	store    Store
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	history []model.AnalyticsSnapshot // oldest first
}

// Option configures a Service.
type Option func(*Service)

// WithStore persists snapshots and serves history from the store.
func WithStore(st Store) Option { return func(s *Service) { s.store = st } }

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New creates the analytics service.
func New(cfg Config, pool *resource.Pool, missions MissionSource, logger *slog.Logger, opts ...Option) *Service {
	if cfg.History <= 0 {
		cfg.History = 24
	}
	s := &Service{
		cfg:      cfg,
		pool:     pool,
		missions: missions,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	s.registerMetrics()
	return s
}

// Load restores recent history from the store.
func (s *Service) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	snaps, err := s.store.ListSnapshots(ctx, s.window(), s.cfg.History)
	if err != nil {
		return fmt.Errorf("analytics: load history: %w", err)
	}
	s.mu.Lock()
	s.history = snaps
	s.mu.Unlock()
	return nil
}

func (s *Service) window() time.Time {
	return s.now().Add(-time.Duration(s.cfg.History) * s.cfg.Interval)
}

// Run takes a snapshot immediately and then once per interval until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	if _, err := s.Rollup(ctx); err != nil {
		s.logger.Error("analytics: rollup failed", "error", err)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.Rollup(ctx); err != nil {
				s.logger.Error("analytics: rollup failed", "error", err)
			}
		}
	}
}

// Rollup computes a snapshot, appends it to history, and persists it. A
// store failure is returned but the snapshot is still kept in memory.
func (s *Service) Rollup(ctx context.Context) (model.AnalyticsSnapshot, error) {
	counts, err := s.missions.CountsByState(ctx)
	if err != nil {
		return model.AnalyticsSnapshot{}, fmt.Errorf("analytics: count missions: %w", err)
	}
	missions, _ := s.missions.Snapshot()
	snap := Compute(s.now(), missions, counts, s.pool.Snapshot(), s.pool.Domains())

	s.mu.Lock()
	s.history = append(s.history, snap)
	if over := len(s.history) - s.cfg.History; over > 0 {
		s.history = slices.Delete(s.history, 0, over)
	}
	s.mu.Unlock()

	s.logger.Debug("analytics: snapshot taken",
		"created_last_hour", snap.Missions.CreatedLastHour,
		"success_rate", snap.Missions.SuccessRate)
	if s.store != nil {
		if err := s.store.InsertSnapshot(ctx, snap); err != nil {
			return snap, fmt.Errorf("analytics: persist snapshot: %w", err)
		}
	}
	return snap, nil
}

// Compute derives a snapshot from point-in-time state. Hourly figures cover
// the hour ending at now.
func Compute(now time.Time, missions []model.Mission, counts map[model.MissionState]int, pool model.ResourcePool, domains []model.Domain) model.AnalyticsSnapshot {
	snap := model.AnalyticsSnapshot{
		ID:      uuid.New(),
		TakenAt: now,
		Missions: model.MissionStats{
			ByState: counts,
		},
		Domains: model.DomainStats{ByStatus: pool.Domains},
		Quota:   pool.Providers,
	}

	hourAgo := now.Add(-time.Hour)
	within := func(t *time.Time) bool { return t != nil && t.After(hourAgo) && !t.After(now) }
	campaigns := make(map[uuid.UUID]bool)
	var durationMs int64
	for _, m := range missions {
		if within(&m.CreatedAt) {
			snap.Missions.CreatedLastHour++
		}
		if !m.State.Terminal() {
			if m.Context.CampaignID != nil {
				campaigns[*m.Context.CampaignID] = true
			}
			continue
		}
		if !within(m.CompletedAt) {
			continue
		}
		if m.State == model.StateCompleted {
			snap.Missions.CompletedLastHour++
			durationMs += m.Metrics.DurationMs
		} else {
			snap.Missions.FailedLastHour++
		}
	}
	if done := snap.Missions.CompletedLastHour + snap.Missions.FailedLastHour; done > 0 {
		snap.Missions.SuccessRate = float64(snap.Missions.CompletedLastHour) / float64(done)
	}
	if snap.Missions.CompletedLastHour > 0 {
		snap.Missions.AvgDurationSeconds = float64(durationMs) / 1000 / float64(snap.Missions.CompletedLastHour)
	}
	snap.Campaigns.Active = len(campaigns)

	for _, c := range pool.Crews {
		snap.Agents.Total += c.Total
		snap.Agents.Available += c.Available
		snap.Agents.Executing += c.Executing
		snap.Agents.Failed += c.Failed
	}

	var rep float64
	var scored int
	for _, d := range domains {
		if d.Status == model.DomainRotated || d.Status == model.DomainPendingVerification {
			continue
		}
		rep += d.ReputationScore
		scored++
	}
	if scored > 0 {
		snap.Domains.AvgReputation = rep / float64(scored)
	}
	return snap
}

// Latest returns the most recent snapshot.
func (s *Service) Latest() (model.AnalyticsSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) == 0 {
		return model.AnalyticsSnapshot{}, false
	}
	return s.history[len(s.history)-1], true
}

// History returns up to the configured number of snapshots, oldest first.
func (s *Service) History(ctx context.Context) ([]model.AnalyticsSnapshot, error) {
	if s.store != nil {
		snaps, err := s.store.ListSnapshots(ctx, s.window(), s.cfg.History)
		if err == nil {
			return snaps, nil
		}
		s.logger.Warn("analytics: history from store failed, serving memory", "error", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history), nil
}

// Trends derives per-snapshot series from History.
func (s *Service) Trends(ctx context.Context) (model.Trends, error) {
	snaps, err := s.History(ctx)
	if err != nil {
		return model.Trends{}, err
	}
	return TrendsOf(snaps), nil
}

// TrendsOf builds the trend series for a snapshot history.
func TrendsOf(snaps []model.AnalyticsSnapshot) model.Trends {
	tr := model.Trends{
		MissionsPerHour:    make([]model.TrendPoint, 0, len(snaps)),
		SuccessRate:        make([]model.TrendPoint, 0, len(snaps)),
		AvgDurationSeconds: make([]model.TrendPoint, 0, len(snaps)),
	}
	for _, sn := range snaps {
		tr.MissionsPerHour = append(tr.MissionsPerHour, model.TrendPoint{At: sn.TakenAt, Value: float64(sn.Missions.CreatedLastHour)})
		tr.SuccessRate = append(tr.SuccessRate, model.TrendPoint{At: sn.TakenAt, Value: sn.Missions.SuccessRate})
		tr.AvgDurationSeconds = append(tr.AvgDurationSeconds, model.TrendPoint{At: sn.TakenAt, Value: sn.Missions.AvgDurationSeconds})
	}
	return tr
}

func (s *Service) registerMetrics() {
	meter := telemetry.Meter("rex/analytics")
	_, _ = meter.Float64ObservableGauge("rex.analytics.success_rate",
		metric.WithDescription("Mission success rate over the last rollup hour"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			if snap, ok := s.Latest(); ok {
				o.Observe(snap.Missions.SuccessRate)
			}
			return nil
		}),
	)
	_, _ = meter.Float64ObservableGauge("rex.analytics.domain_reputation",
		metric.WithDescription("Average reputation of scored sending domains"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			if snap, ok := s.Latest(); ok {
				o.Observe(snap.Domains.AvgReputation)
			}
			return nil
		}),
	)
}
