package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/rex/internal/model"
	"github.com/ashita-ai/rex/internal/telemetry"
)

type metrics struct {
	transitions metric.Int64Counter
	duration    metric.Float64Histogram
}

func newMetrics(s *Scheduler) *metrics {
	meter := telemetry.Meter("rex/scheduler")
	m := &metrics{}
	m.transitions, _ = meter.Int64Counter("rex.missions.transitions",
		metric.WithDescription("Mission state transitions"))
	m.duration, _ = meter.Float64Histogram("rex.missions.duration",
		metric.WithDescription("Wall time from start to terminal state"),
		metric.WithUnit("s"))
	_, _ = meter.Int64ObservableGauge("rex.missions.queued",
		metric.WithDescription("Missions waiting for resources"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			s.mu.Lock()
			n := 0
			for _, e := range s.missions {
				if e.mission.State == model.StateQueued {
					n++
				}
			}
			s.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)
	return m
}

func (m *metrics) transition(ctx context.Context, from, to model.MissionState) {
	if m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func (m *metrics) finished(ctx context.Context, ms model.Mission, now time.Time) {
	if m.duration == nil {
		return
	}
	start := ms.CreatedAt
	if ms.StartedAt != nil {
		start = *ms.StartedAt
	}
	m.duration.Record(ctx, now.Sub(start).Seconds(), metric.WithAttributes(
		attribute.String("type", string(ms.Type)),
		attribute.String("state", string(ms.State)),
	))
}
