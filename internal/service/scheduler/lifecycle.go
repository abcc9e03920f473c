package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/rex/internal/model"
)

// Source yields bus messages addressed to the orchestrator.
type Source interface {
	Next(ctx context.Context) (model.RexMessage, error)
}

// Consume feeds messages from src into HandleMessage until ctx ends or src
// closes.
func (s *Scheduler) Consume(ctx context.Context, src Source) error {
	for {
		msg, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("scheduler: consume: %w", err)
		}
		if err := s.HandleMessage(ctx, msg); err != nil {
			s.logger.Warn("scheduler: message rejected", "error", err, "type", msg.Type(), "sender", msg.Sender)
		}
	}
}

// HandleMessage applies an agent report to its mission. Reports for
// terminal missions and terminal tasks are ignored, so redelivered messages
// are harmless.
func (s *Scheduler) HandleMessage(ctx context.Context, msg model.RexMessage) error {
	fx := &effects{}
	err := s.handle(ctx, msg, fx)
	s.apply(fx)
	return err
}

func (s *Scheduler) handle(ctx context.Context, msg model.RexMessage, fx *effects) error {
	if !msg.Type().FromAgent() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	e, err := s.lookupLocked(msg)
	if err != nil {
		return err
	}
	m := &e.mission
	if m.State.Terminal() {
		return nil
	}
	if err := checkSender(msg.Sender, e, reportTask(msg.Payload)); err != nil {
		return err
	}

	switch p := msg.Payload.(type) {
	case model.MissionStarted:
		t := e.task(p.TaskID)
		if t == nil {
			return fmt.Errorf("%w: task %s not in mission %s", ErrUnknownMission, p.TaskID, m.ID)
		}
		if t.State.Terminal() || t.State == model.TaskExecuting {
			return nil
		}
		t.State = model.TaskExecuting
		t.StartedAt = &now
		t.NextAttemptAt = nil
		t.UpdatedAt = now
		s.saveTaskLocked(t, fx)
		m.LastProgressAt = &now
		if m.State == model.StateAssigned {
			s.moveLocked(ctx, e, model.StateExecuting, now, fx)
			m.StartedAt = &now
		}
		s.touchLocked(e, now)

	case model.MissionProgress:
		if p.TaskID != nil && e.task(*p.TaskID) == nil {
			return fmt.Errorf("%w: task %s not in mission %s", ErrUnknownMission, *p.TaskID, m.ID)
		}
		// Stages advance only after a task has acknowledged the assignment.
		if m.State == model.StateQueued || m.State == model.StateAssigned {
			return fmt.Errorf("%w: mission %s is %s", ErrNotStarted, m.ID, m.State)
		}
		m.LastProgressAt = &now
		stages := m.Type.Stages()
		next := slices.Index(stages, p.Stage)
		if next >= 0 && next > slices.Index(stages, m.State) {
			if m.StartedAt == nil {
				m.StartedAt = &now
			}
			s.moveLocked(ctx, e, p.Stage, now, fx)
		}
		s.touchLocked(e, now)

	case model.MissionCompleted:
		t := e.task(p.TaskID)
		if t == nil {
			return fmt.Errorf("%w: task %s not in mission %s", ErrUnknownMission, p.TaskID, m.ID)
		}
		if t.State.Terminal() {
			return nil
		}
		t.State = model.TaskCompleted
		t.Output = p.Output
		t.Error = nil
		t.NextAttemptAt = nil
		t.DurationMs = p.DurationMs
		t.TokensUsed += p.TokensUsed
		t.CostUSD += p.CostUSD
		t.CompletedAt = &now
		t.UpdatedAt = now
		s.saveTaskLocked(t, fx)
		m.Metrics.TokensUsed += p.TokensUsed
		m.Metrics.CostUSD += p.CostUSD
		m.LastProgressAt = &now
		s.pool.RecordTaskResult(m.AssignedCrew, t.AgentName, true, time.Duration(p.DurationMs)*time.Millisecond)
		s.touchLocked(e, now)
		s.maybeFinishLocked(ctx, e, now, fx)

	case model.MissionFailed:
		t := e.task(p.TaskID)
		if t == nil {
			return fmt.Errorf("%w: task %s not in mission %s", ErrUnknownMission, p.TaskID, m.ID)
		}
		if t.State.Terminal() {
			return nil
		}
		m.LastProgressAt = &now
		if p.AgentDown {
			if err := s.pool.MarkAgentFailed(m.AssignedCrew, t.AgentName); err != nil {
				s.logger.Warn("scheduler: mark agent failed", "error", err, "crew", m.AssignedCrew, "agent", t.AgentName)
			} else {
				s.rec.Log(model.NewLog(model.LogError, "scheduler", "agent out of service", &m.ID,
					map[string]any{"crew": m.AssignedCrew, "agent": t.AgentName, "task_id": t.ID.String()}))
			}
		}
		s.failTaskLocked(ctx, e, t, p.Error, now, fx)

	case model.ErrorEscalation:
		merr := model.MissionError{Code: model.ErrCodeEscalated, Message: p.Reason}
		if p.Error != nil {
			merr = *p.Error
		}
		s.finishLocked(ctx, e, model.StateEscalated, &merr, now, fx, false)
	}
	return nil
}

func (s *Scheduler) lookupLocked(msg model.RexMessage) (*entry, error) {
	if msg.MissionID != nil {
		if e, ok := s.missions[*msg.MissionID]; ok {
			return e, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownMission, *msg.MissionID)
	}
	if taskID := reportTask(msg.Payload); taskID != uuid.Nil {
		for _, e := range s.missions {
			if e.task(taskID) != nil {
				return e, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: message %s names no known mission", ErrUnknownMission, msg.ID)
}

// reportTask returns the task an agent report is about, or uuid.Nil.
func reportTask(p model.Payload) uuid.UUID {
	switch p := p.(type) {
	case model.MissionStarted:
		return p.TaskID
	case model.MissionCompleted:
		return p.TaskID
	case model.MissionFailed:
		return p.TaskID
	case model.MissionProgress:
		if p.TaskID != nil {
			return *p.TaskID
		}
	}
	return uuid.Nil
}

// checkSender accepts reports only from the crew holding the mission. A
// report about one task sent from an agent address must come from the agent
// running that task.
func checkSender(sender model.Address, e *entry, taskID uuid.UUID) error {
	m := &e.mission
	if m.AssignedCrew == "" || sender.Crew() != m.AssignedCrew {
		return fmt.Errorf("%w: %s reported on mission %s", ErrForeignSender, sender, m.ID)
	}
	if taskID == uuid.Nil {
		return nil
	}
	agent := sender.Agent()
	if t := e.task(taskID); t != nil && agent != "" && agent != t.AgentName {
		return fmt.Errorf("%w: %s reported on task %s of %s", ErrForeignSender, sender, taskID, t.AgentName)
	}
	return nil
}

// failTaskLocked applies a task error. Unrecoverable errors fail the
// mission; recoverable ones schedule a retry with exponential backoff until
// the retry budget is spent, then escalate.
func (s *Scheduler) failTaskLocked(ctx context.Context, e *entry, t *model.Task, merr model.MissionError, now time.Time, fx *effects) {
	m := &e.mission
	s.pool.RecordTaskResult(m.AssignedCrew, t.AgentName, false, 0)
	if merr.Code == "" {
		merr.Code = model.ErrCodeUnrecoverableTask
		if merr.Recoverable {
			merr.Code = model.ErrCodeRecoverableTask
		}
	}

	if !merr.Recoverable {
		merr.RetryCount = t.RetryCount
		t.State = model.TaskFailed
		t.Error = &merr
		t.CompletedAt = &now
		t.UpdatedAt = now
		s.saveTaskLocked(t, fx)
		s.finishLocked(ctx, e, model.StateFailed, &merr, now, fx, true)
		return
	}

	t.RetryCount++
	m.Metrics.Retries++
	merr.RetryCount = t.RetryCount
	t.Error = &merr
	t.UpdatedAt = now
	if t.RetryCount >= s.cfg.RetryBudget {
		t.State = model.TaskFailed
		t.CompletedAt = &now
		s.saveTaskLocked(t, fx)
		escalation := model.MissionError{
			Code:        model.ErrCodeRetryBudgetExhausted,
			Message:     fmt.Sprintf("task %s failed %d times: %s", t.AgentName, t.RetryCount, merr.Message),
			Recoverable: true,
			RetryCount:  t.RetryCount,
		}
		s.finishLocked(ctx, e, model.StateEscalated, &escalation, now, fx, true)
		return
	}
	next := now.Add(s.cfg.retryDelay(t.RetryCount))
	t.State = model.TaskPending
	t.StartedAt = nil
	t.NextAttemptAt = &next
	s.saveTaskLocked(t, fx)
	s.rec.Log(model.NewLog(model.LogWarn, "scheduler", "task retry scheduled", &m.ID,
		map[string]any{"task_id": t.ID.String(), "agent": t.AgentName, "code": merr.Code, "retry_count": t.RetryCount, "next_attempt_at": next}))
	s.touchLocked(e, now)
}

// maybeFinishLocked completes the mission once every task is terminal:
// completed when at least one task produced output, otherwise failed.
func (s *Scheduler) maybeFinishLocked(ctx context.Context, e *entry, now time.Time, fx *effects) {
	if len(e.tasks) == 0 {
		return
	}
	withOutput := false
	for _, t := range e.tasks {
		if !t.State.Terminal() {
			return
		}
		if t.HasOutput() {
			withOutput = true
		}
	}
	if withOutput {
		s.finishLocked(ctx, e, model.StateCompleted, nil, now, fx, false)
		return
	}
	s.finishLocked(ctx, e, model.StateFailed, &model.MissionError{
		Code:    model.ErrCodeNoOutput,
		Message: "every task finished without output",
	}, now, fx, false)
}

// finishLocked moves a mission to a terminal state. Outstanding tasks are
// failed first, the crew is told to stop them, and the allocation is
// released once. With alert set, escalations are announced on the bus.
func (s *Scheduler) finishLocked(ctx context.Context, e *entry, state model.MissionState, merr *model.MissionError, now time.Time, fx *effects, alert bool) {
	m := &e.mission
	if m.State.Terminal() {
		return
	}
	taskErr := merr
	if taskErr == nil {
		taskErr = &model.MissionError{Code: model.ErrCodeCancelled, Message: "mission ended"}
	}
	var stopped []uuid.UUID
	for _, t := range e.tasks {
		if t.State.Terminal() {
			continue
		}
		te := *taskErr
		te.RetryCount = t.RetryCount
		t.State = model.TaskFailed
		t.Error = &te
		t.NextAttemptAt = nil
		t.CompletedAt = &now
		t.UpdatedAt = now
		s.saveTaskLocked(t, fx)
		stopped = append(stopped, t.ID)
	}

	crew := m.AssignedCrew
	s.moveLocked(ctx, e, state, now, fx)
	m.Error = merr
	m.CompletedAt = &now
	s.finalizeLocked(e, now)
	s.releaseOnceLocked(e)
	s.touchLocked(e, now)

	level := model.LogInfo
	details := map[string]any{"state": string(state)}
	if merr != nil {
		level = model.LogWarn
		details["code"] = merr.Code
		details["message"] = merr.Message
	}
	s.rec.Log(model.NewLog(level, "scheduler", "mission "+string(state), &m.ID, details))
	s.logger.Info("scheduler: mission finished", "mission_id", m.ID, "state", state)

	mid := m.ID
	if len(stopped) > 0 && crew != "" {
		reason := string(state)
		if merr != nil {
			reason = merr.Code
		}
		fx.publish(model.RexMessage{
			Sender:    model.AddrOrchestrator,
			Recipient: model.CrewAddress(crew),
			MissionID: &mid,
			Payload:   model.MissionCancelled{Reason: reason, TaskIDs: stopped},
		})
	}
	if alert && state == model.StateEscalated {
		fx.publish(model.RexMessage{
			Sender:    model.AddrOrchestrator,
			Recipient: model.AddrBroadcast,
			MissionID: &mid,
			Payload:   model.ErrorEscalation{Reason: merr.Message, Error: merr},
		})
	}
}

// releaseOnceLocked returns the mission's allocation to the pool. Later
// calls do nothing.
func (s *Scheduler) releaseOnceLocked(e *entry) {
	m := &e.mission
	if e.released || m.AllocatedResources == nil {
		m.AllocatedResources = nil
		return
	}
	e.released = true
	if !s.pool.Release(m.AllocatedResources.ID) {
		s.logger.Warn("scheduler: allocation already released", "mission_id", m.ID, "allocation_id", m.AllocatedResources.ID)
	}
	m.AllocatedResources = nil
}

func (s *Scheduler) finalizeLocked(e *entry, now time.Time) {
	m := &e.mission
	out := &model.MissionOutcome{}
	for _, t := range e.tasks {
		switch t.State {
		case model.TaskCompleted:
			out.TasksCompleted++
			if t.HasOutput() {
				if out.Outputs == nil {
					out.Outputs = make(map[string]json.RawMessage)
				}
				out.Outputs[t.AgentName] = t.Output
			}
		case model.TaskFailed:
			out.TasksFailed++
		}
	}
	out.Summary = fmt.Sprintf("%s: %d of %d tasks completed", m.State, out.TasksCompleted, len(e.tasks))
	m.Outcome = out

	start := m.CreatedAt
	if m.StartedAt != nil {
		start = *m.StartedAt
	} else if m.AssignedAt != nil {
		start = *m.AssignedAt
	}
	m.Metrics.DurationMs = now.Sub(start).Milliseconds()
}

func (s *Scheduler) moveLocked(ctx context.Context, e *entry, to model.MissionState, now time.Time, fx *effects) {
	from := e.mission.State
	if from == to {
		return
	}
	e.mission.State = to
	s.metrics.transition(ctx, from, to)
	if to.Terminal() {
		s.metrics.finished(ctx, e.mission, now)
	}
	s.emitWorkflowLocked(e, now, fx)
}

func (s *Scheduler) touchLocked(e *entry, now time.Time) {
	e.mission.UpdatedAt = now
	s.rec.RecordMission(e.mission)
}

func (s *Scheduler) saveTaskLocked(t *model.Task, fx *effects) {
	s.rec.RecordTask(*t)
	upd := model.AgentStatusUpdate{ID: t.ID, Status: t.State, Timestamp: t.UpdatedAt}
	fx.emit(func(a ActivitySink) { a.AgentStatus(upd) })
}

func (s *Scheduler) emitWorkflowLocked(e *entry, now time.Time, fx *effects) {
	upd := model.WorkflowUpdate{
		MissionID: e.mission.ID,
		State:     e.mission.State,
		Progress:  Progress(e.mission, e.taskCopies()),
		Timestamp: now,
	}
	fx.emit(func(a ActivitySink) { a.WorkflowUpdate(upd) })
}

// Cancel fails a non-terminal mission with code CANCELLED and releases its
// resources. Cancelling a terminal mission changes nothing and reports
// cancelled=false.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID, reason string) (model.CancelMissionResponse, error) {
	fx := &effects{}
	s.mu.Lock()
	e, ok := s.missions[id]
	if !ok {
		s.mu.Unlock()
		m, err := s.fromStore(ctx, id)
		if err != nil {
			return model.CancelMissionResponse{}, err
		}
		return model.CancelMissionResponse{Cancelled: false, State: m.State}, nil
	}
	if e.mission.State.Terminal() {
		state := e.mission.State
		s.mu.Unlock()
		return model.CancelMissionResponse{Cancelled: false, State: state}, nil
	}
	if reason == "" {
		reason = "cancelled by request"
	}
	s.finishLocked(ctx, e, model.StateFailed, &model.MissionError{
		Code:    model.ErrCodeCancelled,
		Message: reason,
	}, s.now(), fx, false)
	state := e.mission.State
	s.mu.Unlock()
	s.apply(fx)
	return model.CancelMissionResponse{Cancelled: true, State: state}, nil
}
