package rex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock records scheduled retries; tests fire them by hand.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[len(c.timers)-1]
}

func (c *fakeClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.timers))
	for i, t := range c.timers {
		out[i] = t.d
	}
	return out
}

// fakeConn acknowledges the subscribe frame and then serves whatever the
// test pushes.
type fakeConn struct {
	in      chan []byte
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 128), done: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	c.written = append(c.written, data)
	c.mu.Unlock()
	var f frame
	if json.Unmarshal(data, &f) == nil && f.Type == "subscribe" {
		c.in <- []byte(`{"type":"subscribed","channel":"activity"}`)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) push(t *testing.T, typ string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	msg, err := json.Marshal(frame{Type: typ, Data: raw})
	require.NoError(t, err)
	c.in <- msg
}

// fakeDialer fails while refuse is set, otherwise hands out fresh conns.
type fakeDialer struct {
	refuse atomic.Bool
	calls  atomic.Int32
	mu     sync.Mutex
	conns  []*fakeConn
	header http.Header
}

func (d *fakeDialer) Dial(_ context.Context, _ string, header http.Header) (Conn, error) {
	d.calls.Add(1)
	if d.refuse.Load() {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.header = header
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func newTestEventClient(t *testing.T, d *fakeDialer, clock *fakeClock) *EventClient {
	t.Helper()
	c, err := NewEventClient(EventConfig{
		URL:       "ws://rex.test/v1/events",
		Token:     "tok",
		Dialer:    d.Dial,
		AfterFunc: clock.AfterFunc,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitState(t *testing.T, c *EventClient, want ConnState) ClientStatus {
	t.Helper()
	require.Eventually(t, func() bool { return c.State().State == want },
		2*time.Second, 5*time.Millisecond, "never reached %s (at %s)", want, c.State().State)
	return c.State()
}

func activity(i int, missionID uuid.UUID) Activity {
	return Activity{
		ID:        uuid.New(),
		MissionID: missionID,
		Crew:      "outreach",
		Agent:     fmt.Sprintf("agent-%d", i),
		Action:    "task.started",
		Status:    "executing",
		Timestamp: time.Now().UTC(),
	}
}

func TestBackoffDelay(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, BackoffDelay(i+1, time.Second, 30*time.Second), "attempt %d", i+1)
	}
	assert.Equal(t, time.Second, BackoffDelay(0, time.Second, 30*time.Second))
}

func TestEventClientSubscribes(t *testing.T) {
	d, clock := &fakeDialer{}, &fakeClock{}
	c := newTestEventClient(t, d, clock)

	require.NoError(t, c.Connect())
	st := waitState(t, c, StateSubscribed)
	assert.Zero(t, st.Attempt)
	assert.False(t, st.GaveUp)
	assert.Equal(t, "Bearer tok", d.header.Get("Authorization"))

	conn := d.conn(0)
	conn.mu.Lock()
	first := conn.written[0]
	conn.mu.Unlock()
	assert.JSONEq(t, `{"type":"subscribe","channel":"activity"}`, string(first))

	// Connecting while live does nothing.
	require.NoError(t, c.Connect())
	assert.EqualValues(t, 1, d.calls.Load())
}

func TestEventClientGivesUpAfterFiveAttempts(t *testing.T) {
	d, clock := &fakeDialer{}, &fakeClock{}
	d.refuse.Store(true)
	c := newTestEventClient(t, d, clock)

	var mu sync.Mutex
	var seen []ConnState
	c.Subscribe(func(st ClientStatus) {
		mu.Lock()
		seen = append(seen, st.State)
		mu.Unlock()
	})

	require.NoError(t, c.Connect())
	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		st := waitState(t, c, StateBackoffWait)
		require.Equal(t, attempt, st.Attempt)
		require.Equal(t, BackoffDelay(attempt, time.Second, 30*time.Second), st.RetryIn)
		require.Equal(t, attempt, clock.count())
		clock.last().f()
		if attempt < DefaultMaxAttempts {
			require.Eventually(t, func() bool { return clock.count() == attempt+1 }, 2*time.Second, 5*time.Millisecond)
		}
	}

	st := waitState(t, c, StateDisconnected)
	assert.True(t, st.GaveUp)
	assert.Error(t, st.Err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, clock.delays())
	assert.EqualValues(t, DefaultMaxAttempts+1, d.calls.Load())

	// No further retry is scheduled once the client gives up.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, DefaultMaxAttempts, clock.count())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, StateBackoffWait)
}

func TestEventClientReconnectResetsAttempts(t *testing.T) {
	d, clock := &fakeDialer{}, &fakeClock{}
	d.refuse.Store(true)
	c := newTestEventClient(t, d, clock)

	require.NoError(t, c.Connect())
	waitState(t, c, StateBackoffWait)
	clock.last().f()
	require.Eventually(t, func() bool { return c.State().Attempt == 2 }, 2*time.Second, 5*time.Millisecond)
	pending := clock.last()

	d.refuse.Store(false)
	require.NoError(t, c.Reconnect())
	st := waitState(t, c, StateSubscribed)
	assert.Zero(t, st.Attempt)
	assert.NoError(t, st.Err)
	assert.True(t, pending.stopped.Load(), "reconnect cancels the pending retry")

	// Firing the stale retry must not open a second connection.
	calls := d.calls.Load()
	pending.f()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, d.calls.Load())
	assert.Equal(t, StateSubscribed, c.State().State)
}

func TestEventClientCloseCancelsRetry(t *testing.T) {
	d, clock := &fakeDialer{}, &fakeClock{}
	d.refuse.Store(true)
	c := newTestEventClient(t, d, clock)

	require.NoError(t, c.Connect())
	waitState(t, c, StateBackoffWait)
	pending := clock.last()

	require.NoError(t, c.Close())
	assert.True(t, pending.stopped.Load())

	pending.f()
	time.Sleep(20 * time.Millisecond)
	st := c.State()
	assert.Equal(t, StateDisconnected, st.State)
	assert.False(t, st.GaveUp)
	assert.EqualValues(t, 1, d.calls.Load())

	assert.ErrorIs(t, c.Connect(), ErrClientClosed)
	assert.ErrorIs(t, c.Reconnect(), ErrClientClosed)
	assert.NoError(t, c.Close())
}

func TestEventClientRetriesAfterDrop(t *testing.T) {
	d, clock := &fakeDialer{}, &fakeClock{}
	c := newTestEventClient(t, d, clock)
	missionID := uuid.New()

	require.NoError(t, c.Connect())
	waitState(t, c, StateSubscribed)
	d.conn(0).push(t, "agent_activity", activity(0, missionID))
	require.Eventually(t, func() bool { return len(c.Activities()) == 1 }, 2*time.Second, 5*time.Millisecond)

	_ = d.conn(0).Close()
	st := waitState(t, c, StateBackoffWait)
	assert.Equal(t, 1, st.Attempt)
	assert.Equal(t, time.Second, st.RetryIn)

	clock.last().f()
	waitState(t, c, StateSubscribed)
	assert.Len(t, c.Activities(), 1, "the view survives a reconnect")
	assert.EqualValues(t, 2, d.calls.Load())
}

func TestEventClientReconcilesReplayAfterReconnect(t *testing.T) {
	d, clock := &fakeDialer{}, &fakeClock{}
	c := newTestEventClient(t, d, clock)
	mission := uuid.New()
	a := activity(0, mission)

	require.NoError(t, c.Connect())
	waitState(t, c, StateSubscribed)
	d.conn(0).push(t, "agent_activity", a)
	require.Eventually(t, func() bool { return len(c.Activities()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// Updates published while disconnected arrive as the server's replay.
	_ = d.conn(0).Close()
	waitState(t, c, StateBackoffWait)
	clock.last().f()
	waitState(t, c, StateSubscribed)

	conn := d.conn(1)
	caughtUp := a
	caughtUp.Status = "completed"
	caughtUp.MissionState = "collecting"
	b := activity(1, mission)
	conn.push(t, "agent_activity", caughtUp)
	conn.push(t, "agent_activity", b)
	conn.push(t, "workflow_update", workflowUpdate{MissionID: mission, State: "collecting", Progress: 0.5})

	require.Eventually(t, func() bool {
		view := c.Activities()
		return len(view) == 2 && view[1].Progress == 0.5
	}, 2*time.Second, 5*time.Millisecond)
	view := c.Activities()
	assert.Equal(t, b.ID, view[0].ID, "replay order is preserved, newest first")
	assert.Equal(t, a.ID, view[1].ID)
	assert.Equal(t, "completed", view[1].Status)
	assert.Equal(t, "collecting", view[1].MissionState)
}

func TestEventClientViewCappedMostRecentFirst(t *testing.T) {
	d, clock := &fakeDialer{}, &fakeClock{}
	c := newTestEventClient(t, d, clock)
	require.NoError(t, c.Connect())
	waitState(t, c, StateSubscribed)

	var last Activity
	for i := range 60 {
		last = activity(i, uuid.New())
		d.conn(0).push(t, "agent_activity", last)
	}
	require.Eventually(t, func() bool {
		view := c.Activities()
		return len(view) > 0 && view[0].ID == last.ID
	}, 2*time.Second, 5*time.Millisecond)

	view := c.Activities()
	assert.Len(t, view, DefaultMaxActivities)
	assert.Equal(t, "agent-59", view[0].Agent)
	assert.Equal(t, "agent-10", view[len(view)-1].Agent)
}

func TestEventClientMergesUpdates(t *testing.T) {
	d, clock := &fakeDialer{}, &fakeClock{}
	c := newTestEventClient(t, d, clock)
	require.NoError(t, c.Connect())
	waitState(t, c, StateSubscribed)
	conn := d.conn(0)

	mission := uuid.New()
	a, b := activity(0, mission), activity(1, mission)
	other := activity(2, uuid.New())
	conn.push(t, "agent_activity", a)
	conn.push(t, "agent_activity", b)
	conn.push(t, "agent_activity", other)
	require.Eventually(t, func() bool { return len(c.Activities()) == 3 }, 2*time.Second, 5*time.Millisecond)

	conn.push(t, "agent_status", agentStatusUpdate{ID: a.ID, Status: "completed", Timestamp: time.Now().UTC()})
	conn.push(t, "workflow_update", workflowUpdate{MissionID: mission, State: "collecting", Progress: 0.5})
	conn.push(t, "heartbeat", map[string]any{"at": "now"})
	conn.in <- []byte("not json")

	// A replayed activity replaces its earlier entry instead of duplicating it.
	replay := b
	replay.Action = "task.retried"
	conn.push(t, "agent_activity", replay)

	require.Eventually(t, func() bool {
		view := c.Activities()
		return len(view) == 3 && view[0].Action == "task.retried"
	}, 2*time.Second, 5*time.Millisecond)

	byID := map[uuid.UUID]Activity{}
	for _, act := range c.Activities() {
		byID[act.ID] = act
	}
	assert.Equal(t, "completed", byID[a.ID].Status)
	assert.Equal(t, "collecting", byID[a.ID].MissionState)
	assert.Equal(t, 0.5, byID[a.ID].Progress)
	assert.Equal(t, "executing", byID[other.ID].Status)
	assert.Empty(t, byID[other.ID].MissionState)
	assert.Equal(t, StateSubscribed, c.State().State, "unknown frames do not drop the connection")
}

func TestSubscribeUnregister(t *testing.T) {
	d, clock := &fakeDialer{}, &fakeClock{}
	c := newTestEventClient(t, d, clock)

	var n atomic.Int32
	stop := c.Subscribe(func(ClientStatus) { n.Add(1) })
	stop()
	require.NoError(t, c.Connect())
	waitState(t, c, StateSubscribed)
	assert.Zero(t, n.Load())
}

func TestNewEventClientRequiresURL(t *testing.T) {
	_, err := NewEventClient(EventConfig{})
	assert.Error(t, err)
}
