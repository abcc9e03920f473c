package rex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ConnState is a node in the event client's connection state machine.
//
//	disconnected -> connecting -> subscribed
//	connecting | subscribed -> backoff_wait -> connecting
//	backoff_wait -> disconnected (attempts exhausted, or Close)
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateSubscribed   ConnState = "subscribed"
	StateBackoffWait  ConnState = "backoff_wait"
)

// Defaults for EventConfig.
const (
	DefaultMaxActivities    = 50
	DefaultMaxAttempts      = 5
	DefaultBaseDelay        = time.Second
	DefaultMaxDelay         = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// ErrClientClosed is returned by Connect and Reconnect after Close.
var ErrClientClosed = errors.New("rex: event client closed")

// ClientStatus is what observers see of the connection.
type ClientStatus struct {
	State ConnState
	// Attempt is the reconnect attempt pending or in flight; 0 while
	// subscribed or before the first failure.
	Attempt int
	// RetryIn is the delay before the pending attempt while backing off.
	RetryIn time.Duration
	// GaveUp is set once every attempt failed. The client stays
	// disconnected until Reconnect.
	GaveUp bool
	// Err is the most recent connection failure (CONNECTION_LOST).
	Err error
}

// Conn is one event stream connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Conn to url.
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, error)

// Timer is a pending callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run once after d.
type AfterFunc func(d time.Duration, f func()) Timer

// EventConfig configures an EventClient.
type EventConfig struct {
	// URL is the event stream endpoint, e.g. "ws://localhost:8080/v1/events".
	URL string
	// Token is sent as a bearer token on the upgrade request.
	Token string

	// Dialer and AfterFunc default to a WebSocket dial and time.AfterFunc.
	Dialer    Dialer
	AfterFunc AfterFunc

	MaxActivities    int
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	HandshakeTimeout time.Duration
}

// EventClient holds one logical subscription to the activity stream and
// merges what it receives into a bounded, most-recent-first view. It
// reconnects with exponential backoff after an unexpected disconnect.
// All methods are safe for concurrent use.
type EventClient struct {
	cfg EventConfig

	mu         sync.Mutex
	state      ConnState
	attempt    int
	retryIn    time.Duration
	gaveUp     bool
	lastErr    error
	closed     bool
	gen        uint64
	conn       Conn
	cancel     context.CancelFunc
	timer      Timer
	activities []Activity

	emitMu    sync.Mutex
	listenMu  sync.Mutex
	listeners map[int]func(ClientStatus)
	nextID    int
}

// NewEventClient creates a client in the disconnected state. Call Connect
// to start the subscription.
func NewEventClient(cfg EventConfig) (*EventClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rex: URL is required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocketDialer
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if cfg.MaxActivities <= 0 {
		cfg.MaxActivities = DefaultMaxActivities
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &EventClient{
		cfg:       cfg,
		state:     StateDisconnected,
		listeners: make(map[int]func(ClientStatus)),
	}, nil
}

// BackoffDelay returns the wait before reconnect attempt n (1-based):
// base doubled per attempt, capped at max.
func BackoffDelay(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return min(d, max)
}

// Connect starts the subscription with a fresh attempt budget. It is a
// no-op unless the client is disconnected.
func (c *EventClient) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.attempt, c.gaveUp = 0, false
	c.startLocked()
	c.mu.Unlock()
	c.emit()
	return nil
}

// Reconnect drops any current connection or pending retry, resets the
// attempt counter, and connects immediately.
func (c *EventClient) Reconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	old := c.teardownLocked()
	c.attempt, c.gaveUp, c.lastErr = 0, false, nil
	c.startLocked()
	c.mu.Unlock()
	closeConn(old)
	c.emit()
	return nil
}

// Close tears down the connection and cancels any pending reconnect. The
// activity view stays readable. Close is idempotent.
func (c *EventClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	old := c.teardownLocked()
	c.state = StateDisconnected
	c.attempt, c.retryIn = 0, 0
	c.mu.Unlock()
	closeConn(old)
	c.emit()
	return nil
}

// State returns the current connection status.
func (c *EventClient) State() ClientStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Activities returns a copy of the view, most recent first.
func (c *EventClient) Activities() []Activity {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Activity, len(c.activities))
	copy(out, c.activities)
	return out
}

// Subscribe registers fn to receive every status change. The returned
// function removes it.
func (c *EventClient) Subscribe(fn func(ClientStatus)) func() {
	c.listenMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenMu.Unlock()
	return func() {
		c.listenMu.Lock()
		delete(c.listeners, id)
		c.listenMu.Unlock()
	}
}

// emit publishes the current status. Emissions are serialized and each reads
// the state when it runs, so the last status an observer sees is current.
func (c *EventClient) emit() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	st := c.State()
	c.listenMu.Lock()
	fns := make([]func(ClientStatus), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (c *EventClient) statusLocked() ClientStatus {
	st := ClientStatus{State: c.state, Attempt: c.attempt, GaveUp: c.gaveUp, Err: c.lastErr}
	if c.state == StateBackoffWait {
		st.RetryIn = c.retryIn
	}
	return st
}

// startLocked begins a new connection generation. Goroutines from older
// generations find their generation stale and exit without touching state.
func (c *EventClient) startLocked() {
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = StateConnecting
	c.retryIn = 0
	go c.run(ctx, c.gen)
}

// teardownLocked invalidates the current generation and returns the open
// connection, which the caller closes after releasing the lock.
func (c *EventClient) teardownLocked() Conn {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	old := c.conn
	c.conn = nil
	return old
}

func closeConn(conn Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *EventClient) run(ctx context.Context, gen uint64) {
	conn, err := c.open(ctx)
	if err != nil {
		c.fail(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		closeConn(conn)
		return
	}
	c.conn = conn
	c.state = StateSubscribed
	c.attempt, c.gaveUp, c.lastErr = 0, false, nil
	c.mu.Unlock()
	c.emit()

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.fail(gen, err)
			return
		}
		c.apply(gen, data)
	}
}

// open dials and completes the subscribe handshake. The client is not live
// until the server acknowledges the subscription.
func (c *EventClient) open(ctx context.Context) (Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, err := c.cfg.Dialer(hctx, c.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("rex: dial events: %w", err)
	}

	sub, _ := json.Marshal(frame{Type: "subscribe", Channel: "activity"})
	if err := conn.Write(hctx, sub); err != nil {
		closeConn(conn)
		return nil, fmt.Errorf("rex: send subscribe: %w", err)
	}
	for {
		data, err := conn.Read(hctx)
		if err != nil {
			closeConn(conn)
			return nil, fmt.Errorf("rex: await subscribed: %w", err)
		}
		var f frame
		if json.Unmarshal(data, &f) == nil && f.Type == "subscribed" {
			return conn, nil
		}
	}
}

// fail records a lost or refused connection and schedules the next attempt,
// or gives up once every attempt is spent.
func (c *EventClient) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	old := c.conn
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.lastErr = err

	if c.attempt >= c.cfg.MaxAttempts {
		c.state = StateDisconnected
		c.gaveUp = true
	} else {
		c.attempt++
		c.retryIn = BackoffDelay(c.attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
		c.state = StateBackoffWait
		c.timer = c.cfg.AfterFunc(c.retryIn, func() { c.retry(gen) })
	}
	c.mu.Unlock()
	closeConn(old)
	c.emit()
}

func (c *EventClient) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.closed || c.state != StateBackoffWait {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.startLocked()
	c.mu.Unlock()
	c.emit()
}

// apply merges one server frame into the view. Unknown kinds and malformed
// frames are ignored.
func (c *EventClient) apply(gen uint64, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}

	switch f.Type {
	case "agent_activity":
		var a Activity
		if json.Unmarshal(f.Data, &a) != nil {
			return
		}
		c.mergeLocked(a)
	case "agent_status":
		var u agentStatusUpdate
		if json.Unmarshal(f.Data, &u) != nil {
			return
		}
		for i := range c.activities {
			if c.activities[i].ID == u.ID {
				c.activities[i].Status = u.Status
				c.activities[i].Timestamp = u.Timestamp
			}
		}
	case "workflow_update":
		var u workflowUpdate
		if json.Unmarshal(f.Data, &u) != nil {
			return
		}
		for i := range c.activities {
			if c.activities[i].MissionID == u.MissionID {
				c.activities[i].MissionState = u.State
				c.activities[i].Progress = u.Progress
			}
		}
	}
}

// mergeLocked puts a at the front of the view. An entry with the same ID
// (replayed after a reconnect) is replaced rather than duplicated.
func (c *EventClient) mergeLocked(a Activity) {
	view := make([]Activity, 0, min(len(c.activities)+1, c.cfg.MaxActivities))
	view = append(view, a)
	for _, existing := range c.activities {
		if existing.ID == a.ID {
			continue
		}
		if len(view) == c.cfg.MaxActivities {
			break
		}
		view = append(view, existing)
	}
	c.activities = view
}

type wsConn struct {
	c *websocket.Conn
}

func websocketDialer(ctx context.Context, url string, header http.Header) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	return wsConn{c: c}, nil
}

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
