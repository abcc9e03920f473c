package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashita-ai/rex/internal/model"
	"github.com/ashita-ai/rex/internal/resource"
)

// Recover reloads non-terminal missions after a restart. Queued missions
// re-enter the queue. Missions that held resources are escalated with
// ORCHESTRATOR_RESTARTED because their allocation did not survive.
func (s *Scheduler) Recover(ctx context.Context) (requeued, escalated int, err error) {
	if s.store == nil {
		return 0, 0, nil
	}
	active, err := s.store.ListActiveMissions(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("scheduler: recover: %w", err)
	}

	fx := &effects{}
	s.mu.Lock()
	now := s.now()
	for _, m := range active {
		if _, ok := s.missions[m.ID]; ok {
			continue
		}
		tasks, err := s.store.ListTasks(ctx, m.ID)
		if err != nil {
			s.mu.Unlock()
			return requeued, escalated, fmt.Errorf("scheduler: recover %s tasks: %w", m.ID, err)
		}
		e := &entry{mission: m}
		for i := range tasks {
			e.tasks = append(e.tasks, &tasks[i])
		}
		s.missions[m.ID] = e
		if m.State == model.StateQueued {
			requeued++
			continue
		}
		// The pool starts empty, so there is nothing to release.
		e.released = true
		e.mission.AllocatedResources = nil
		s.finishLocked(ctx, e, model.StateEscalated, &model.MissionError{
			Code:        model.ErrCodeOrchestratorRestarted,
			Message:     "orchestrator restarted while the mission held resources",
			Recoverable: true,
		}, now, fx, true)
		escalated++
	}
	s.mu.Unlock()
	s.apply(fx)

	if requeued+escalated > 0 {
		s.logger.Info("scheduler: recovered missions", "requeued", requeued, "escalated", escalated)
		s.rec.Log(model.NewLog(model.LogInfo, "scheduler", "missions recovered", nil,
			map[string]any{"requeued": requeued, "escalated": escalated}))
		s.Kick()
	}
	return requeued, escalated, nil
}

// DomainRotated swaps a rotated domain out of the holding mission's live
// allocation and tells the crew about the new grant. When no domain can
// replace it the mission keeps running without it; sends on the rotated
// domain fail the send gate from now on.
func (s *Scheduler) DomainRotated(ctx context.Context, rot resource.Rotation) {
	if rot.HolderMissionID == nil {
		return
	}
	fx := &effects{}
	s.mu.Lock()
	e, ok := s.missions[*rot.HolderMissionID]
	if !ok || !e.mission.State.HoldsResources() || e.mission.AllocatedResources == nil {
		s.mu.Unlock()
		return
	}
	m := &e.mission
	now := s.now()
	details := map[string]any{
		"code":      model.ErrCodeDomainRotatedMidflight,
		"domain_id": rot.Domain.ID.String(),
		"domain":    rot.Domain.Name,
		"reason":    rot.Domain.RotationReason,
	}
	grant, err := s.pool.SwapDomain(m.AllocatedResources.ID, rot.Domain.ID)
	if alloc, live := s.pool.Allocation(m.AllocatedResources.ID); live {
		m.AllocatedResources = &alloc
	}
	switch {
	case err == nil:
		details["replacement"] = grant.Name
		mid := m.ID
		fx.publish(model.RexMessage{
			Sender:    model.AddrOrchestrator,
			Recipient: model.CrewAddress(m.AssignedCrew),
			MissionID: &mid,
			Payload:   model.ResourceAllocated{Allocation: *m.AllocatedResources},
		})
	case errors.Is(err, resource.ErrInsufficientResources):
		details["replacement"] = nil
	default:
		s.logger.Warn("scheduler: domain swap failed", "error", err, "mission_id", m.ID)
	}
	s.touchLocked(e, now)
	s.rec.Log(model.NewLog(model.LogWarn, "scheduler", "domain rotated mid-flight", &m.ID, details))
	s.mu.Unlock()
	s.apply(fx)
}
