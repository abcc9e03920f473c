package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/ashita-ai/rex/internal/model"
	"github.com/ashita-ai/rex/internal/storage"
)

const detailLogLimit = 100

// Progress estimates how far a mission has come, in [0, 1]. It averages the
// position along the type's stage list with the share of terminal tasks.
func Progress(m model.Mission, tasks []model.Task) float64 {
	switch {
	case m.State == model.StateCompleted:
		return 1
	case m.State == model.StateQueued:
		return 0
	}
	stages := m.Type.Stages()
	stage := 0.0
	if i := slices.Index(stages, m.State); i >= 0 {
		stage = float64(i+1) / float64(len(stages))
	}
	work := 0.0
	if len(tasks) > 0 {
		done := 0
		for _, t := range tasks {
			if t.State.Terminal() {
				done++
			}
		}
		work = float64(done) / float64(len(tasks))
	}
	return (stage + work) / 2
}

// Get returns a mission with its tasks, progress, and recent logs.
func (s *Scheduler) Get(ctx context.Context, id uuid.UUID) (model.MissionDetail, error) {
	var detail model.MissionDetail
	s.mu.Lock()
	e, ok := s.missions[id]
	if ok {
		detail.Mission = e.mission
		detail.Tasks = e.taskCopies()
	}
	s.mu.Unlock()

	if !ok {
		m, err := s.fromStore(ctx, id)
		if err != nil {
			return model.MissionDetail{}, err
		}
		tasks, err := s.store.ListTasks(ctx, id)
		if err != nil {
			return model.MissionDetail{}, fmt.Errorf("scheduler: get %s tasks: %w", id, err)
		}
		detail.Mission, detail.Tasks = m, tasks
	}
	detail.Progress = Progress(detail.Mission, detail.Tasks)

	if s.store != nil {
		if err := s.rec.Sync(ctx); err != nil {
			s.logger.Warn("scheduler: journal sync before log read failed", "error", err)
		}
		logs, err := s.store.ListLogs(ctx, &id, detailLogLimit)
		if err != nil {
			return model.MissionDetail{}, fmt.Errorf("scheduler: get %s logs: %w", id, err)
		}
		detail.Logs = logs
	}
	if detail.Tasks == nil {
		detail.Tasks = []model.Task{}
	}
	if detail.Logs == nil {
		detail.Logs = []model.RexLog{}
	}
	return detail, nil
}

func (s *Scheduler) fromStore(ctx context.Context, id uuid.UUID) (model.Mission, error) {
	if s.store == nil {
		return model.Mission{}, fmt.Errorf("%w: %s", ErrUnknownMission, id)
	}
	m, err := s.store.GetMission(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Mission{}, fmt.Errorf("%w: %s", ErrUnknownMission, id)
	}
	if err != nil {
		return model.Mission{}, fmt.Errorf("scheduler: get %s: %w", id, err)
	}
	return m, nil
}

// List returns missions newest first. In-memory state wins over the store
// for missions present in both.
func (s *Scheduler) List(ctx context.Context, f model.MissionFilter) ([]model.Mission, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	byID := make(map[uuid.UUID]model.Mission)
	live := make(map[uuid.UUID]bool)
	s.mu.Lock()
	for id, e := range s.missions {
		live[id] = true
		if matches(e.mission, f) {
			byID[id] = e.mission
		}
	}
	s.mu.Unlock()

	if s.store != nil {
		if err := s.rec.Sync(ctx); err != nil {
			s.logger.Warn("scheduler: journal sync before list failed", "error", err)
		}
		stored, err := s.store.ListMissions(ctx, model.MissionFilter{State: f.State, Owner: f.Owner, Limit: limit})
		if err != nil {
			return nil, fmt.Errorf("scheduler: list: %w", err)
		}
		for _, m := range stored {
			if !live[m.ID] {
				byID[m.ID] = m
			}
		}
	}

	out := make([]model.Mission, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b model.Mission) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return slices.Compare(b.ID[:], a.ID[:])
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(m model.Mission, f model.MissionFilter) bool {
	if f.State != nil && m.State != *f.State {
		return false
	}
	return f.Owner == "" || m.Owner == f.Owner
}

// CountsByState counts missions per state. Non-terminal counts come from
// memory, which holds every live mission; terminal counts come from the
// store when one is configured.
func (s *Scheduler) CountsByState(ctx context.Context) (map[model.MissionState]int, error) {
	counts := make(map[model.MissionState]int, len(model.MissionStates))
	for _, st := range model.MissionStates {
		counts[st] = 0
	}
	s.mu.Lock()
	for _, e := range s.missions {
		if s.store == nil || !e.mission.State.Terminal() {
			counts[e.mission.State]++
		}
	}
	s.mu.Unlock()
	if s.store == nil {
		return counts, nil
	}

	if err := s.rec.Sync(ctx); err != nil {
		s.logger.Warn("scheduler: journal sync before count failed", "error", err)
	}
	stored, err := s.store.CountMissionsByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: count by state: %w", err)
	}
	for st, n := range stored {
		if st.Terminal() {
			counts[st] = n
		}
	}
	return counts, nil
}

// Snapshot returns in-memory missions and their tasks for analytics.
func (s *Scheduler) Snapshot() ([]model.Mission, map[uuid.UUID][]model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	missions := make([]model.Mission, 0, len(s.missions))
	tasks := make(map[uuid.UUID][]model.Task, len(s.missions))
	for id, e := range s.missions {
		missions = append(missions, e.mission)
		tasks[id] = e.taskCopies()
	}
	return missions, tasks
}
