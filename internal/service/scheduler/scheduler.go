// Package scheduler owns the mission lifecycle: it queues missions, allocates
// resources for them in priority order, dispatches work to crews over the
// bus, folds agent reports into mission state, and releases resources
// exactly once when a mission ends.
package scheduler

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/rex/internal/model"
	"github.com/ashita-ai/rex/internal/resource"
	"github.com/ashita-ai/rex/internal/topology"
)

var (
	ErrUnknownMission = errors.New("scheduler: unknown mission")
	ErrInvalidMission = errors.New("scheduler: invalid mission")
	ErrNoCapableCrew  = errors.New("scheduler: no crew can run this mission type")
	ErrForeignSender  = errors.New("scheduler: sender does not hold this work")
	ErrNotStarted     = errors.New("scheduler: mission has no started task")
)

// Config holds scheduling timings and budgets.
type Config struct {
	TickInterval time.Duration
	// FairnessCap is how long a mission may wait before it is treated as
	// starved and scheduled ahead of higher priorities.
	FairnessCap    time.Duration
	StallWindow    time.Duration
	RetryBudget    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// Retention is how long terminal missions stay in memory when a store
	// can serve them afterwards.
	Retention time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:   time.Second,
		FairnessCap:    10 * time.Minute,
		StallWindow:    15 * time.Minute,
		RetryBudget:    3,
		RetryBaseDelay: 5 * time.Second,
		RetryMaxDelay:  5 * time.Minute,
		Retention:      24 * time.Hour,
	}
}

func (c Config) retryDelay(attempt int) time.Duration {
	d := c.RetryBaseDelay
	for i := 1; i < attempt && d < c.RetryMaxDelay; i++ {
		d *= 2
	}
	return min(d, c.RetryMaxDelay)
}

// Publisher sends bus messages.
type Publisher interface {
	Publish(model.RexMessage) error
}

// Recorder persists mission state asynchronously.
type Recorder interface {
	RecordMission(model.Mission)
	RecordTask(model.Task)
	Log(model.RexLog)
	Sync(ctx context.Context) error
}

// Store serves missions no longer held in memory.
type Store interface {
	GetMission(ctx context.Context, id uuid.UUID) (model.Mission, error)
	ListMissions(ctx context.Context, f model.MissionFilter) ([]model.Mission, error)
	ListActiveMissions(ctx context.Context) ([]model.Mission, error)
	CountMissionsByState(ctx context.Context) (map[model.MissionState]int, error)
	ListTasks(ctx context.Context, missionID uuid.UUID) ([]model.Task, error)
	ListLogs(ctx context.Context, missionID *uuid.UUID, limit int) ([]model.RexLog, error)
}

// ActivitySink receives observer-facing activity as missions move.
type ActivitySink interface {
	AgentActivity(model.AgentActivity)
	AgentStatus(model.AgentStatusUpdate)
	WorkflowUpdate(model.WorkflowUpdate)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithStore enables read-through for missions evicted from memory.
func WithStore(st Store) Option { return func(s *Scheduler) { s.store = st } }

// WithActivitySink wires the observer feed.
func WithActivitySink(a ActivitySink) Option { return func(s *Scheduler) { s.activity = a } }

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

type entry struct {
	mission  model.Mission
	tasks    []*model.Task
	released bool
	// exhausted is set once resource.exhausted has been announced.
	exhausted bool
}

func (e *entry) task(id uuid.UUID) *model.Task {
	for _, t := range e.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (e *entry) taskCopies() []model.Task {
	out := make([]model.Task, len(e.tasks))
	for i, t := range e.tasks {
		out[i] = *t
	}
	return out
}

// Scheduler is the mission state machine. All state changes happen under
// one mutex; bus publishes and activity callbacks run after it is released.
type Scheduler struct {
	cfg      Config
	pool     *resource.Pool
	bus      Publisher
	rec      Recorder
	store    Store
	activity ActivitySink
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	top      topology.Topology
	missions map[uuid.UUID]*entry
	kick     chan struct{}

	metrics *metrics
}

// New creates a scheduler.
func New(cfg Config, pool *resource.Pool, top topology.Topology, bus Publisher, rec Recorder, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		pool:     pool,
		bus:      bus,
		rec:      rec,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		top:      top,
		missions: make(map[uuid.UUID]*entry),
		kick:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.metrics = newMetrics(s)
	return s
}

// SetTopology swaps the mission profiles used for new allocations.
func (s *Scheduler) SetTopology(top topology.Topology) {
	s.mu.Lock()
	s.top = top
	s.mu.Unlock()
	s.Kick()
}

// Kick requests a scheduling pass without waiting for the next tick.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	s.logger.Info("scheduler: started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-s.kick:
		}
		s.Tick(ctx)
	}
}

// effects are side effects collected under the lock and applied after it.
type effects struct {
	msgs     []model.RexMessage
	activity []func(ActivitySink)
}

func (fx *effects) publish(m model.RexMessage) { fx.msgs = append(fx.msgs, m) }

func (fx *effects) emit(fn func(ActivitySink)) { fx.activity = append(fx.activity, fn) }

func (s *Scheduler) apply(fx *effects) {
	for _, m := range fx.msgs {
		if err := s.bus.Publish(m); err != nil {
			s.logger.Error("scheduler: publish failed", "error", err, "type", m.Type(), "recipient", m.Recipient)
		}
	}
	if s.activity == nil {
		return
	}
	for _, fn := range fx.activity {
		fn(s.activity)
	}
}

// Create validates and queues a new mission. The returned crew is the
// least-loaded capable crew at creation time; the final crew is chosen when
// resources are allocated.
func (s *Scheduler) Create(ctx context.Context, req model.CreateMissionRequest) (model.CreateMissionResponse, error) {
	if err := req.Validate(); err != nil {
		return model.CreateMissionResponse{}, fmt.Errorf("%w: %v", ErrInvalidMission, err)
	}
	crews := s.pool.CapableCrews(req.Type)
	if len(crews) == 0 {
		return model.CreateMissionResponse{}, fmt.Errorf("%w: %s", ErrNoCapableCrew, req.Type)
	}
	priority := model.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	now := s.now()
	m := model.Mission{
		ID:        uuid.New(),
		Owner:     req.Owner,
		Type:      req.Type,
		State:     model.StateQueued,
		Priority:  priority,
		Context:   req.Context,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.missions[m.ID] = &entry{mission: m}
	est := s.estimateLocked(req.Type, crews[0])
	s.mu.Unlock()

	s.rec.RecordMission(m)
	s.rec.Log(model.NewLog(model.LogInfo, "scheduler", "mission created", &m.ID,
		map[string]any{"type": string(m.Type), "priority": m.Priority, "owner": m.Owner}))
	s.logger.Info("scheduler: mission created", "mission_id", m.ID, "type", m.Type, "priority", m.Priority)
	s.metrics.transition(ctx, "", model.StateQueued)
	s.Kick()

	return model.CreateMissionResponse{
		MissionID:                m.ID,
		Crew:                     crews[0],
		EstimatedDurationSeconds: int(est.Seconds()),
	}, nil
}

// estimateLocked scales the profile duration by the crew's queued backlog.
func (s *Scheduler) estimateLocked(t model.MissionType, crewName string) time.Duration {
	base := s.top.Profile(t).EstimatedDuration
	var crew topology.Crew
	for _, c := range s.top.Crews {
		if c.Name == crewName {
			crew = c
		}
	}
	backlog := 0
	for _, e := range s.missions {
		if e.mission.State == model.StateQueued && crew.Capable(e.mission.Type) {
			backlog++
		}
	}
	total := max(s.pool.Snapshot().Crews[crewName].Total, 1)
	factor := 1 + float64(max(backlog-1, 0))/float64(total)
	return time.Duration(float64(base) * factor)
}

// Tick runs one scheduling pass: evicts expired terminal missions, assigns
// queued missions, dispatches due retries, and fails stalled tasks.
func (s *Scheduler) Tick(ctx context.Context) {
	fx := &effects{}
	s.mu.Lock()
	now := s.now()
	s.evictLocked(now)
	s.assignQueuedLocked(ctx, now, fx)
	s.dispatchRetriesLocked(now, fx)
	s.detectStallsLocked(ctx, now, fx)
	s.mu.Unlock()
	s.apply(fx)
}

func (s *Scheduler) evictLocked(now time.Time) {
	if s.store == nil || s.cfg.Retention <= 0 {
		return
	}
	for id, e := range s.missions {
		if e.mission.State.Terminal() && e.mission.CompletedAt != nil && now.Sub(*e.mission.CompletedAt) > s.cfg.Retention {
			delete(s.missions, id)
		}
	}
}

func (s *Scheduler) starved(e *entry, now time.Time) bool {
	return s.cfg.FairnessCap > 0 && now.Sub(e.mission.CreatedAt) >= s.cfg.FairnessCap
}

// queueLocked returns queued missions in scheduling order: starved first,
// then priority descending, then oldest, then ID.
func (s *Scheduler) queueLocked(now time.Time) []*entry {
	var q []*entry
	for _, e := range s.missions {
		if e.mission.State == model.StateQueued {
			q = append(q, e)
		}
	}
	slices.SortFunc(q, func(a, b *entry) int {
		sa, sb := s.starved(a, now), s.starved(b, now)
		if sa != sb {
			if sa {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(b.mission.Priority, a.mission.Priority); c != 0 {
			return c
		}
		if c := a.mission.CreatedAt.Compare(b.mission.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.mission.ID.String(), b.mission.ID.String())
	})
	return q
}

func (s *Scheduler) assignQueuedLocked(ctx context.Context, now time.Time, fx *effects) {
	// Crews reserved for a starved mission that could not be resourced;
	// later, non-starved missions may not take capacity from them.
	reserved := make(map[string]bool)
	for _, e := range s.queueLocked(now) {
		starved := s.starved(e, now)
		profile := s.top.Profile(e.mission.Type)
		var shortfall *resource.ShortfallError
		assigned := false
		crews := s.pool.CapableCrews(e.mission.Type)
		for _, crewName := range crews {
			if !starved && reserved[crewName] {
				continue
			}
			alloc, err := s.pool.Allocate(resource.Request{
				MissionID: e.mission.ID,
				Crew:      crewName,
				Agents:    profile.Agents,
				Domains:   profile.Domains,
				Quota:     profile.Quota,
			})
			if err != nil {
				errors.As(err, &shortfall)
				continue
			}
			s.assignLocked(ctx, e, alloc, now, fx)
			assigned = true
			break
		}
		if assigned || !starved {
			continue
		}
		for _, c := range crews {
			reserved[c] = true
		}
		if e.exhausted {
			continue
		}
		e.exhausted = true
		class, detail := "crews", "no capable crew"
		if shortfall != nil {
			class, detail = shortfall.Class, shortfall.Error()
		}
		mid := e.mission.ID
		s.logger.Warn("scheduler: mission starved", "mission_id", mid, "class", class)
		s.rec.Log(model.NewLog(model.LogWarn, "scheduler", "mission starved for resources", &mid,
			map[string]any{"class": class, "detail": detail, "waited_seconds": int(now.Sub(e.mission.CreatedAt).Seconds())}))
		fx.publish(model.RexMessage{
			Sender:    model.AddrOrchestrator,
			Recipient: model.AddrBroadcast,
			MissionID: &mid,
			Payload:   model.ResourceExhausted{Class: class, Detail: detail},
		})
	}
}

func (s *Scheduler) assignLocked(ctx context.Context, e *entry, alloc model.ResourceAllocation, now time.Time, fx *effects) {
	m := &e.mission
	m.State = model.StateAssigned
	m.AssignedCrew = alloc.Crew
	m.AssignedAgents = alloc.Agents
	m.AllocatedResources = &alloc
	m.AssignedAt = &now
	m.LastProgressAt = &now
	m.UpdatedAt = now

	input, _ := json.Marshal(m.Context)
	assignments := make([]model.TaskAssignment, 0, len(alloc.Agents))
	for _, agent := range alloc.Agents {
		t := &model.Task{
			ID:        uuid.New(),
			MissionID: m.ID,
			AgentName: agent,
			State:     model.TaskPending,
			Input:     input,
			CreatedAt: now,
			UpdatedAt: now,
		}
		e.tasks = append(e.tasks, t)
		s.rec.RecordTask(*t)
		assignments = append(assignments, model.TaskAssignment{TaskID: t.ID, Agent: agent, Input: input})
		act := model.AgentActivity{
			ID: t.ID, MissionID: m.ID, Crew: alloc.Crew, Agent: agent,
			Action: string(m.Type), Status: t.State, Mission: m.State, Timestamp: now,
		}
		fx.emit(func(a ActivitySink) { a.AgentActivity(act) })
	}
	s.rec.RecordMission(*m)
	s.rec.Log(model.NewLog(model.LogInfo, "scheduler", "mission assigned", &m.ID,
		map[string]any{"crew": alloc.Crew, "agents": alloc.Agents, "allocation_id": alloc.ID.String()}))
	s.logger.Info("scheduler: mission assigned", "mission_id", m.ID, "crew", alloc.Crew, "agents", len(alloc.Agents))
	s.metrics.transition(ctx, model.StateQueued, model.StateAssigned)

	mid := m.ID
	fx.publish(model.RexMessage{
		Sender:    model.AddrOrchestrator,
		Recipient: model.CrewAddress(alloc.Crew),
		MissionID: &mid,
		Payload: model.MissionAssigned{
			MissionType: m.Type,
			Priority:    m.Priority,
			Context:     m.Context,
			Tasks:       assignments,
			Domains:     alloc.Domains,
			Attempt:     1,
		},
	})
	fx.publish(model.RexMessage{
		Sender:    model.AddrOrchestrator,
		Recipient: model.AddrOrchestrator,
		MissionID: &mid,
		Payload:   model.ResourceAllocated{Allocation: alloc},
	})
	s.emitWorkflowLocked(e, now, fx)
}

func (s *Scheduler) dispatchRetriesLocked(now time.Time, fx *effects) {
	for _, e := range s.missions {
		m := &e.mission
		if !m.State.HoldsResources() {
			continue
		}
		var due []model.TaskAssignment
		attempt := 0
		for _, t := range e.tasks {
			if t.State != model.TaskPending || t.NextAttemptAt == nil || now.Before(*t.NextAttemptAt) {
				continue
			}
			t.NextAttemptAt = nil
			t.UpdatedAt = now
			s.rec.RecordTask(*t)
			due = append(due, model.TaskAssignment{TaskID: t.ID, Agent: t.AgentName, Input: t.Input})
			attempt = max(attempt, t.RetryCount+1)
		}
		if len(due) == 0 {
			continue
		}
		// The retry restarts the stall clock.
		m.LastProgressAt = &now
		mid := m.ID
		s.logger.Info("scheduler: retrying tasks", "mission_id", mid, "tasks", len(due), "attempt", attempt)
		fx.publish(model.RexMessage{
			Sender:    model.AddrOrchestrator,
			Recipient: model.CrewAddress(m.AssignedCrew),
			MissionID: &mid,
			Payload: model.MissionAssigned{
				MissionType: m.Type,
				Priority:    m.Priority,
				Context:     m.Context,
				Tasks:       due,
				Domains:     m.AllocatedResources.Domains,
				Attempt:     attempt,
			},
		})
	}
}

func (s *Scheduler) detectStallsLocked(ctx context.Context, now time.Time, fx *effects) {
	if s.cfg.StallWindow <= 0 {
		return
	}
	for _, e := range s.missions {
		m := &e.mission
		if !m.State.HoldsResources() || m.LastProgressAt == nil || now.Sub(*m.LastProgressAt) < s.cfg.StallWindow {
			continue
		}
		s.logger.Warn("scheduler: mission stalled", "mission_id", m.ID, "since", *m.LastProgressAt)
		m.LastProgressAt = &now
		for _, t := range e.tasks {
			if t.State.Terminal() || t.NextAttemptAt != nil {
				continue
			}
			s.failTaskLocked(ctx, e, t, model.MissionError{
				Code:        model.ErrCodeStalled,
				Message:     "no progress within stall window",
				Recoverable: true,
			}, now, fx)
			if m.State.Terminal() {
				break
			}
		}
	}
}
