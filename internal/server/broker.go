package server

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ashita-ai/rex/internal/model"
)

const (
	// replayLimit is how many recent activity entries a new subscriber is
	// sent. It matches the client view size.
	replayLimit = 50

	// subscriberBuffer is the per-connection queue depth. It holds a full
	// replay (one activity and one workflow frame per entry) plus headroom.
	subscriberBuffer = 2*replayLimit + 64
)

// Broker fans out scheduler activity to event stream subscribers. It
// implements scheduler.ActivitySink; each event is encoded once as a Frame
// and handed to every subscriber channel without blocking.
//
// The broker also keeps the most recent activity entries with every patch
// applied, and replays them to each new subscriber so a client that
// reconnects converges on current state. A subscriber whose buffer fills is
// disconnected rather than silently skipped; it catches up through the
// replay when it reconnects.
type Broker struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[chan []byte]struct{}
	recent      []model.AgentActivity // oldest first
	workflows   map[uuid.UUID]model.WorkflowUpdate

	evicted atomic.Int64
}

// NewBroker creates an activity broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
		workflows:   make(map[uuid.UUID]model.WorkflowUpdate),
	}
}

// AgentActivity broadcasts a new activity entry.
func (b *Broker) AgentActivity(a model.AgentActivity) {
	frame, ok := b.encode(model.FrameAgentActivity, a)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recent = slices.DeleteFunc(b.recent, func(r model.AgentActivity) bool { return r.ID == a.ID })
	b.recent = append(b.recent, a)
	if n := len(b.recent) - replayLimit; n > 0 {
		clear(b.recent[:n])
		b.recent = b.recent[n:]
		b.pruneWorkflowsLocked()
	}
	b.broadcastLocked(frame)
}

// AgentStatus broadcasts a status patch for one activity entry.
func (b *Broker) AgentStatus(u model.AgentStatusUpdate) {
	frame, ok := b.encode(model.FrameAgentStatus, u)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.recent {
		if b.recent[i].ID == u.ID {
			b.recent[i].Status = u.Status
			b.recent[i].Timestamp = u.Timestamp
		}
	}
	b.broadcastLocked(frame)
}

// WorkflowUpdate broadcasts a mission-level patch.
func (b *Broker) WorkflowUpdate(u model.WorkflowUpdate) {
	frame, ok := b.encode(model.FrameWorkflowUpdate, u)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	matched := false
	for i := range b.recent {
		if b.recent[i].MissionID == u.MissionID {
			b.recent[i].Mission = u.State
			matched = true
		}
	}
	if matched {
		b.workflows[u.MissionID] = u
	}
	b.broadcastLocked(frame)
}

func (b *Broker) encode(kind string, v any) ([]byte, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("broker: encode event", "type", kind, "error", err)
		return nil, false
	}
	frame, err := json.Marshal(model.Frame{Type: kind, Channel: model.ActivityChannel, Data: data})
	if err != nil {
		b.logger.Error("broker: encode frame", "type", kind, "error", err)
		return nil, false
	}
	return frame, true
}

func (b *Broker) pruneWorkflowsLocked() {
	for mid := range b.workflows {
		if !slices.ContainsFunc(b.recent, func(r model.AgentActivity) bool { return r.MissionID == mid }) {
			delete(b.workflows, mid)
		}
	}
}

// Subscribe returns a channel that receives encoded frames, preloaded with
// the replay of recent activity: every retained entry oldest first, then
// the latest workflow state of each mission they belong to. Nothing
// published after the snapshot is missed. The caller must call Unsubscribe
// when done. The channel is closed early if the subscriber falls behind.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range b.recent {
		if frame, ok := b.encode(model.FrameAgentActivity, a); ok {
			ch <- frame
		}
	}
	for _, mid := range b.replayMissionsLocked() {
		if frame, ok := b.encode(model.FrameWorkflowUpdate, b.workflows[mid]); ok {
			ch <- frame
		}
	}
	b.subscribers[ch] = struct{}{}
	return ch
}

// replayMissionsLocked lists missions with known workflow state in the
// order they first appear in recent.
func (b *Broker) replayMissionsLocked() []uuid.UUID {
	var out []uuid.UUID
	for _, a := range b.recent {
		if _, ok := b.workflows[a.MissionID]; ok && !slices.Contains(out, a.MissionID) {
			out = append(out, a.MissionID)
		}
	}
	return out
}

// Unsubscribe removes a subscriber channel and closes it. It is a no-op for
// a subscriber already disconnected for falling behind.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Subscribers returns the number of live subscribers.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Evicted returns how many subscribers were disconnected for falling behind.
func (b *Broker) Evicted() int64 { return b.evicted.Load() }

// broadcastLocked sends a frame to all subscribers. A subscriber with a full
// buffer is removed and its channel closed so one slow client cannot block
// the others or silently miss state.
func (b *Broker) broadcastLocked(frame []byte) {
	for ch := range b.subscribers {
		select {
		case ch <- frame:
		default:
			delete(b.subscribers, ch)
			close(ch)
			b.evicted.Add(1)
			b.logger.Warn("broker: subscriber fell behind, disconnecting", "buffer", subscriberBuffer)
		}
	}
}
