// Package bus is the in-process message bus between the orchestrator and
// agent crews. Every subscription owns an unbounded FIFO queue, so Publish
// never blocks and messages between one sender and one recipient arrive in
// send order. Delivery is at-least-once; consumers deduplicate by
// correlation ID when they need to.
package bus

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/rex/internal/model"
	"github.com/ashita-ai/rex/internal/telemetry"
)

var (
	// ErrClosed is returned by Next once a subscription or the bus is closed
	// and its queue is drained.
	ErrClosed = errors.New("bus: closed")

	// ErrInvalidMessage is returned by Publish for messages without a payload
	// or recipient.
	ErrInvalidMessage = errors.New("bus: invalid message")
)

// Hook observes every message after it is enqueued. origin is empty for
// messages published in this process and the sending node ID for messages
// injected by a bridge. Hooks run on the publisher's goroutine and must not
// block.
type Hook func(msg model.RexMessage, origin string)

// Bus routes messages to subscriptions by recipient address.
type Bus struct {
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	hooks  []Hook
	closed bool

	published metric.Int64Counter
}

// New creates a bus.
func New(logger *slog.Logger) *Bus {
	b := &Bus{
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		subs:   make(map[*Subscription]struct{}),
	}
	b.published, _ = telemetry.Meter("rex/bus").Int64Counter("rex.bus.published",
		metric.WithDescription("Messages enqueued on the bus, by type"))
	return b
}

// OnPublish registers a hook. Hooks cannot be removed.
func (b *Bus) OnPublish(h Hook) {
	b.mu.Lock()
	b.hooks = append(b.hooks, h)
	b.mu.Unlock()
}

// Publish stamps msg with an ID and timestamp when missing and enqueues it
// for every matching subscription.
func (b *Bus) Publish(msg model.RexMessage) error {
	return b.deliver(msg, "")
}

// Inject enqueues a message received from another node. It reaches local
// subscriptions and hooks but carries origin so bridges do not echo it.
func (b *Bus) Inject(msg model.RexMessage, origin string) error {
	if origin == "" {
		return fmt.Errorf("%w: injected message needs an origin", ErrInvalidMessage)
	}
	return b.deliver(msg, origin)
}

func (b *Bus) deliver(msg model.RexMessage, origin string) error {
	if msg.Payload == nil {
		return fmt.Errorf("%w: no payload", ErrInvalidMessage)
	}
	if msg.Recipient == "" {
		return fmt.Errorf("%w: %s has no recipient", ErrInvalidMessage, msg.Type())
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	delivered := 0
	for s := range b.subs {
		if s.matches(msg.Recipient) && s.push(msg) {
			delivered++
		}
	}
	hooks := b.hooks
	b.mu.RUnlock()

	if b.published != nil {
		b.published.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", string(msg.Type()))))
	}
	if delivered == 0 {
		b.logger.Debug("bus: no subscriber for message", "type", msg.Type(), "recipient", msg.Recipient)
	}
	for _, h := range hooks {
		h(msg, origin)
	}
	return nil
}

// Subscribe returns a subscription for an exact address or a path.Match
// glob such as "crew:*". Broadcast messages reach every subscription, and a
// subscription to model.AddrBroadcast receives every message.
func (b *Bus) Subscribe(pattern model.Address) (*Subscription, error) {
	if _, err := path.Match(string(pattern), ""); err != nil {
		return nil, fmt.Errorf("bus: bad pattern %q: %w", pattern, err)
	}
	s := &Subscription{
		bus:     b,
		pattern: pattern,
		notify:  make(chan struct{}, 1),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		return s, nil
	}
	b.subs[s] = struct{}{}
	return s, nil
}

// Close closes every subscription. Queued messages stay readable.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()
	for s := range subs {
		s.shut()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one consumer's queue.
type Subscription struct {
	bus     *Bus
	pattern model.Address
	notify  chan struct{}

	mu     sync.Mutex
	queue  []model.RexMessage
	closed bool
}

// Pattern returns the address pattern the subscription was created with.
func (s *Subscription) Pattern() model.Address { return s.pattern }

func (s *Subscription) matches(recipient model.Address) bool {
	if recipient == model.AddrBroadcast || s.pattern == model.AddrBroadcast || s.pattern == recipient {
		return true
	}
	ok, _ := path.Match(string(s.pattern), string(recipient))
	return ok
}

func (s *Subscription) push(msg model.RexMessage) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of queued messages.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Next blocks until a message is queued, ctx ends, or the subscription is
// closed and drained.
func (s *Subscription) Next(ctx context.Context) (model.RexMessage, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue[0] = model.RexMessage{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return model.RexMessage{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return model.RexMessage{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// All yields messages until ctx ends or the subscription closes.
func (s *Subscription) All(ctx context.Context) iter.Seq[model.RexMessage] {
	return func(yield func(model.RexMessage) bool) {
		for {
			msg, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// Close detaches the subscription. Already queued messages can still be read.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.shut()
}

func (s *Subscription) shut() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
