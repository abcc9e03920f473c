// Package resource owns the shared pool of crew agents, sending domains, and
// provider API quota. Every mutation happens under one mutex as a
// check-then-commit step, so two callers never observe the same free
// capacity.
package resource

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/rex/internal/model"
	"github.com/ashita-ai/rex/internal/topology"
)

var (
	// ErrInsufficientResources is returned when any requested class is short.
	ErrInsufficientResources = errors.New("resource: insufficient resources")
	ErrUnknownCrew           = errors.New("resource: unknown crew")
	ErrUnknownAgent          = errors.New("resource: unknown agent")
	ErrUnknownDomain         = errors.New("resource: unknown domain")
	// ErrDomainRotated rejects any use of a domain after rotation.
	ErrDomainRotated     = errors.New("resource: domain rotated")
	ErrDomainUnavailable = errors.New("resource: domain unavailable")
	ErrNoReplacement     = errors.New("resource: no replacement domain available")
)

// ShortfallError names the resource class that blocked an allocation.
type ShortfallError struct {
	Class string
	Need  int
	Have  int
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("resource: insufficient %s: need %d, have %d", e.Class, e.Need, e.Have)
}

func (e *ShortfallError) Unwrap() error { return ErrInsufficientResources }

// Request asks for capacity on behalf of one mission.
type Request struct {
	MissionID uuid.UUID
	Crew      string
	Agents    int
	Domains   int
	Quota     map[string]int
}

type agent struct {
	name       string
	state      model.AgentState
	load       int
	allocation uuid.UUID
	mission    uuid.UUID
	retired    bool
	lastExec   *time.Time
	completed  int
	failed     int
	durationMs int64
}

type crew struct {
	name         string
	capabilities []model.MissionType
	agents       map[string]*agent
	removed      bool
}

func (c *crew) capacity() model.CrewCapacity {
	var cc model.CrewCapacity
	for _, a := range c.agents {
		cc.Total++
		switch a.state {
		case model.AgentIdle:
			cc.Available++
		case model.AgentExecuting:
			cc.Executing++
		case model.AgentFailed:
			cc.Failed++
		}
	}
	return cc
}

type quota struct {
	used    int
	limit   int
	window  time.Duration
	resetAt time.Time
}

func (q *quota) roll(now time.Time) {
	if q.window <= 0 {
		return
	}
	for !now.Before(q.resetAt) {
		q.used = 0
		q.resetAt = q.resetAt.Add(q.window)
	}
}

// Pool is the process-wide resource pool. Construct with New and pass by
// reference; the zero value is not usable.
type Pool struct {
	mu          sync.Mutex
	crews       map[string]*crew
	domains     map[uuid.UUID]*model.Domain
	holders     map[uuid.UUID]uuid.UUID // domain ID -> allocation ID
	providers   map[string]*quota
	allocations map[uuid.UUID]*model.ResourceAllocation // live only
	metrics     *Metrics
	now         func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithMetrics wires Prometheus metrics.
func WithMetrics(m *Metrics) Option { return func(p *Pool) { p.metrics = m } }

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option { return func(p *Pool) { p.now = now } }

// New builds a pool from a topology.
func New(top topology.Topology, opts ...Option) *Pool {
	p := &Pool{
		crews:       make(map[string]*crew),
		domains:     make(map[uuid.UUID]*model.Domain),
		holders:     make(map[uuid.UUID]uuid.UUID),
		providers:   make(map[string]*quota),
		allocations: make(map[uuid.UUID]*model.ResourceAllocation),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(p)
	}
	p.ApplyTopology(top)
	return p
}

// Allocate reserves agents, domains, and quota atomically. Either every
// class is granted or nothing changes.
func (p *Pool) Allocate(req Request) (model.ResourceAllocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()

	c, ok := p.crews[req.Crew]
	if !ok {
		p.metrics.incAllocation("unknown_crew")
		return model.ResourceAllocation{}, fmt.Errorf("%w: %s", ErrUnknownCrew, req.Crew)
	}

	// Check phase: nothing below mutates pool state.
	var idle []*agent
	for _, a := range c.agents {
		if a.state == model.AgentIdle && !a.retired {
			idle = append(idle, a)
		}
	}
	if len(idle) < req.Agents {
		p.metrics.incAllocation("insufficient")
		return model.ResourceAllocation{}, &ShortfallError{Class: "agents", Need: req.Agents, Have: len(idle)}
	}
	slices.SortFunc(idle, func(a, b *agent) int {
		if a.load != b.load {
			return a.load - b.load
		}
		return strings.Compare(a.name, b.name)
	})
	idle = idle[:req.Agents]

	var doms []*model.Domain
	if req.Domains > 0 {
		doms = p.selectableDomains()
		if len(doms) < req.Domains {
			p.metrics.incAllocation("insufficient")
			return model.ResourceAllocation{}, &ShortfallError{Class: "domains", Need: req.Domains, Have: len(doms)}
		}
		doms = doms[:req.Domains]
	}

	for name, n := range req.Quota {
		q, ok := p.providers[name]
		if !ok {
			p.metrics.incAllocation("insufficient")
			return model.ResourceAllocation{}, &ShortfallError{Class: "quota:" + name, Need: n}
		}
		q.roll(now)
		if remaining := q.limit - q.used; n > remaining {
			p.metrics.incAllocation("insufficient")
			return model.ResourceAllocation{}, &ShortfallError{Class: "quota:" + name, Need: n, Have: max(remaining, 0)}
		}
	}

	// Commit phase.
	alloc := model.ResourceAllocation{
		ID:        uuid.New(),
		MissionID: req.MissionID,
		Crew:      c.name,
		GrantedAt: now,
	}
	for _, a := range idle {
		a.state = model.AgentExecuting
		a.load++
		a.allocation = alloc.ID
		a.mission = req.MissionID
		alloc.Agents = append(alloc.Agents, a.name)
	}
	for _, d := range doms {
		p.holders[d.ID] = alloc.ID
		alloc.Domains = append(alloc.Domains, model.DomainGrant{ID: d.ID, Name: d.Name})
	}
	if len(req.Quota) > 0 {
		alloc.Quota = make(map[string]int, len(req.Quota))
		for name, n := range req.Quota {
			p.providers[name].used += n
			alloc.Quota[name] = n
		}
	}
	stored := alloc
	p.allocations[alloc.ID] = &stored
	p.metrics.incAllocation("granted")
	p.metrics.observe(p.snapshotLocked())
	return alloc, nil
}

// selectableDomains returns unheld active domains with daily headroom,
// highest reputation first. Caller holds p.mu.
func (p *Pool) selectableDomains() []*model.Domain {
	var out []*model.Domain
	for _, d := range p.domains {
		if !d.Selectable() {
			continue
		}
		if _, held := p.holders[d.ID]; held {
			continue
		}
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b *model.Domain) int {
		if a.ReputationScore != b.ReputationScore {
			if a.ReputationScore > b.ReputationScore {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Release returns an allocation's agents and domains to the pool. It is
// idempotent: only the first call for an allocation has any effect and
// returns true. Consumed quota is not refunded.
func (p *Pool) Release(allocationID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.allocations[allocationID]
	if !ok {
		return false
	}
	delete(p.allocations, allocationID)

	if c, ok := p.crews[a.Crew]; ok {
		for _, name := range a.Agents {
			ag, ok := c.agents[name]
			if !ok || ag.allocation != allocationID {
				continue
			}
			ag.allocation = uuid.Nil
			ag.mission = uuid.Nil
			if ag.state == model.AgentExecuting {
				ag.state = model.AgentIdle
			}
			if ag.retired && ag.state != model.AgentFailed {
				delete(c.agents, name)
			}
		}
		p.pruneCrew(c)
	}
	for _, g := range a.Domains {
		if p.holders[g.ID] == allocationID {
			delete(p.holders, g.ID)
		}
	}
	p.metrics.incRelease()
	p.metrics.observe(p.snapshotLocked())
	return true
}

// Allocation returns a live allocation by ID.
func (p *Pool) Allocation(id uuid.UUID) (model.ResourceAllocation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.allocations[id]
	if !ok {
		return model.ResourceAllocation{}, false
	}
	return cloneAllocation(*a), true
}

func cloneAllocation(a model.ResourceAllocation) model.ResourceAllocation {
	a.Agents = slices.Clone(a.Agents)
	a.Domains = slices.Clone(a.Domains)
	a.Quota = maps.Clone(a.Quota)
	return a
}

// CapableCrews returns crews able to run t, least loaded first. Load is the
// share of a crew's agents currently executing.
func (p *Pool) CapableCrews(t model.MissionType) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	type ranked struct {
		name string
		cap  model.CrewCapacity
	}
	var out []ranked
	for _, c := range p.crews {
		if !slices.Contains(c.capabilities, t) {
			continue
		}
		out = append(out, ranked{c.name, c.capacity()})
	}
	slices.SortFunc(out, func(a, b ranked) int {
		// Compare executing/total without floating point.
		la, lb := a.cap.Executing*max(b.cap.Total, 1), b.cap.Executing*max(a.cap.Total, 1)
		if la != lb {
			return la - lb
		}
		if a.cap.Available != b.cap.Available {
			return b.cap.Available - a.cap.Available
		}
		return strings.Compare(a.name, b.name)
	})
	names := make([]string, len(out))
	for i, r := range out {
		names[i] = r.name
	}
	return names
}

// MarkAgentFailed takes an agent out of service. A failed agent keeps its
// place in any live allocation but is not returned to idle on release.
func (p *Pool) MarkAgentFailed(crewName, agentName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.agentLocked(crewName, agentName)
	if err != nil {
		return err
	}
	a.state = model.AgentFailed
	p.metrics.observe(p.snapshotLocked())
	return nil
}

// RestartAgent returns a failed agent to service. The returned bool is false
// when the agent was not failed.
func (p *Pool) RestartAgent(crewName, agentName string) (model.AgentState, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.agentLocked(crewName, agentName)
	if err != nil {
		return "", false, err
	}
	if a.state != model.AgentFailed {
		return a.state, false, nil
	}
	if _, ok := p.allocations[a.allocation]; ok {
		a.state = model.AgentExecuting
	} else {
		a.allocation = uuid.Nil
		a.mission = uuid.Nil
		a.state = model.AgentIdle
		if a.retired {
			c := p.crews[crewName]
			delete(c.agents, agentName)
			p.pruneCrew(c)
		}
	}
	p.metrics.observe(p.snapshotLocked())
	return a.state, true, nil
}

// RecordTaskResult updates an agent's execution statistics.
func (p *Pool) RecordTaskResult(crewName, agentName string, ok bool, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, err := p.agentLocked(crewName, agentName)
	if err != nil {
		return
	}
	now := p.now()
	a.lastExec = &now
	if ok {
		a.completed++
	} else {
		a.failed++
	}
	a.durationMs += d.Milliseconds()
}

func (p *Pool) agentLocked(crewName, agentName string) (*agent, error) {
	c, ok := p.crews[crewName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCrew, crewName)
	}
	a, ok := c.agents[agentName]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownAgent, crewName, agentName)
	}
	return a, nil
}

// Agents returns a status snapshot of every agent, sorted by crew and name.
func (p *Pool) Agents() []model.AgentStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.AgentStatus
	for _, c := range p.crews {
		for _, a := range c.agents {
			st := model.AgentStatus{
				Crew:            c.name,
				Name:            a.name,
				Status:          a.state,
				LastExecutionAt: a.lastExec,
				TasksCompleted:  a.completed,
				TasksFailed:     a.failed,
				Load:            a.load,
			}
			if a.mission != uuid.Nil {
				m := a.mission
				st.CurrentMissionID = &m
			}
			if n := a.completed + a.failed; n > 0 {
				st.SuccessRate = float64(a.completed) / float64(n)
				st.AvgDurationMs = a.durationMs / int64(n)
			}
			out = append(out, st)
		}
	}
	slices.SortFunc(out, func(a, b model.AgentStatus) int {
		if c := strings.Compare(a.Crew, b.Crew); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Snapshot returns the current pool counters.
func (p *Pool) Snapshot() model.ResourcePool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Pool) snapshotLocked() model.ResourcePool {
	now := p.now()
	snap := model.ResourcePool{
		Crews:     make(map[string]model.CrewCapacity, len(p.crews)),
		Domains:   make(map[model.DomainStatus]int),
		Providers: make(map[string]model.ProviderQuota, len(p.providers)),
		TakenAt:   now,
	}
	for name, c := range p.crews {
		snap.Crews[name] = c.capacity()
	}
	for _, d := range p.domains {
		snap.Domains[d.Status]++
	}
	for name, q := range p.providers {
		q.roll(now)
		snap.Providers[name] = model.ProviderQuota{Used: q.used, Limit: q.limit, ResetAt: q.resetAt}
	}
	return snap
}

// ApplyTopology reconciles crews and providers with a new topology. New
// crews and agents become available at once. Agents that disappear are
// retired: idle ones leave immediately, busy ones when released.
func (p *Pool) ApplyTopology(top topology.Topology) {
	p.mu.Lock()
	defer p.mu.Unlock()

	wanted := make(map[string]topology.Crew, len(top.Crews))
	for _, tc := range top.Crews {
		wanted[tc.Name] = tc
		c, ok := p.crews[tc.Name]
		if !ok {
			c = &crew{name: tc.Name, agents: make(map[string]*agent)}
			p.crews[tc.Name] = c
		}
		c.capabilities = slices.Clone(tc.Capabilities)
		c.removed = false
		keep := make(map[string]bool, len(tc.Agents))
		for _, name := range tc.Agents {
			keep[name] = true
			if a, ok := c.agents[name]; ok {
				a.retired = false
				continue
			}
			c.agents[name] = &agent{name: name, state: model.AgentIdle}
		}
		for name, a := range c.agents {
			if !keep[name] {
				p.retireLocked(c, a)
			}
		}
	}
	for name, c := range p.crews {
		if _, ok := wanted[name]; ok {
			continue
		}
		c.capabilities = nil
		c.removed = true
		for _, a := range c.agents {
			p.retireLocked(c, a)
		}
		p.pruneCrew(c)
	}

	now := p.now()
	seen := make(map[string]bool, len(top.Providers))
	for _, pv := range top.Providers {
		seen[pv.Name] = true
		q, ok := p.providers[pv.Name]
		if !ok {
			p.providers[pv.Name] = &quota{limit: pv.Limit, window: pv.Window, resetAt: now.Add(pv.Window)}
			continue
		}
		q.limit = pv.Limit
		if q.window != pv.Window {
			q.window = pv.Window
			q.resetAt = now.Add(pv.Window)
		}
	}
	for name := range p.providers {
		if !seen[name] {
			delete(p.providers, name)
		}
	}
	p.metrics.observe(p.snapshotLocked())
}

func (p *Pool) retireLocked(c *crew, a *agent) {
	_, ok := p.allocations[a.allocation]
	if a.state == model.AgentIdle || !ok {
		delete(c.agents, a.name)
		return
	}
	a.retired = true
}

// pruneCrew drops a crew removed from the topology once its last agent is gone.
func (p *Pool) pruneCrew(c *crew) {
	if c.removed && len(c.agents) == 0 {
		delete(p.crews, c.name)
	}
}
