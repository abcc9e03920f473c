package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/rex/internal/model"
	"github.com/ashita-ai/rex/internal/storage"
	"github.com/ashita-ai/rex/internal/telemetry"
)

var bridgeTracer = telemetry.Tracer("rex/bus")

const maxBridgeBackoff = 30 * time.Second

// Notifier is the LISTEN/NOTIFY surface of storage.DB.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
	Notify(ctx context.Context, channel, payload string) error
}

// envelope is the NOTIFY payload: the message, the node that sent it, and
// the W3C trace headers of the relay span.
type envelope struct {
	Node    string            `json:"node"`
	Message model.RexMessage  `json:"message"`
	Trace   map[string]string `json:"trace,omitempty"`
}

func messageAttrs(msg model.RexMessage) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("rex.message.type", string(msg.Type())),
		attribute.String("rex.message.id", msg.ID.String()),
		attribute.String("rex.message.recipient", string(msg.Recipient)),
	)
}

// errUndeliverable marks relays that no retry can send.
var errUndeliverable = errors.New("bus: undeliverable relay")

// PGBridge relays messages between orchestrator nodes and remotely hosted
// crews over Postgres NOTIFY. Messages published here for anyone other than
// the orchestrator go out; messages from other nodes come back in via Inject.
//
// Outbound messages wait in an ordered backlog until NOTIFY accepts them, so
// a slow or unreachable database delays relays but never loses them.
type PGBridge struct {
	bus    *Bus
	db     Notifier
	node   string
	logger *slog.Logger
	warnAt int

	mu      sync.Mutex
	backlog []model.RexMessage
	warned  bool
	wake    chan struct{}

	undeliverable atomic.Int64
}

// NewPGBridge creates a bridge for this node and hooks it onto the bus. A
// warning is logged once the backlog reaches warnAt messages.
func NewPGBridge(b *Bus, db Notifier, logger *slog.Logger, warnAt int) *PGBridge {
	if warnAt <= 0 {
		warnAt = 1024
	}
	br := &PGBridge{
		bus:    b,
		db:     db,
		node:   uuid.NewString(),
		logger: logger,
		warnAt: warnAt,
		wake:   make(chan struct{}, 1),
	}
	b.OnPublish(br.relay)
	return br
}

// Node returns this bridge's node ID.
func (br *PGBridge) Node() string { return br.node }

// Backlog returns how many messages are waiting to be relayed.
func (br *PGBridge) Backlog() int {
	br.mu.Lock()
	defer br.mu.Unlock()
	return len(br.backlog)
}

// Undeliverable returns how many relays were discarded because they could
// never be sent, such as payloads over the NOTIFY size limit.
func (br *PGBridge) Undeliverable() int64 { return br.undeliverable.Load() }

func (br *PGBridge) relay(msg model.RexMessage, origin string) {
	if origin != "" || msg.Recipient == model.AddrOrchestrator {
		return
	}
	br.mu.Lock()
	br.backlog = append(br.backlog, msg)
	n := len(br.backlog)
	warn := n >= br.warnAt && !br.warned
	if warn {
		br.warned = true
	}
	br.mu.Unlock()
	if warn {
		br.logger.Warn("bus: bridge backlog growing", "pending", n, "type", msg.Type(), "recipient", msg.Recipient)
	}
	select {
	case br.wake <- struct{}{}:
	default:
	}
}

func (br *PGBridge) head() (model.RexMessage, bool) {
	br.mu.Lock()
	defer br.mu.Unlock()
	if len(br.backlog) == 0 {
		return model.RexMessage{}, false
	}
	return br.backlog[0], true
}

func (br *PGBridge) pop() {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.backlog[0] = model.RexMessage{}
	br.backlog = br.backlog[1:]
	if len(br.backlog) == 0 {
		br.backlog = nil
		br.warned = false
	}
}

// Run listens for remote messages and sends queued local ones. It blocks
// until ctx is cancelled.
func (br *PGBridge) Run(ctx context.Context) error {
	if err := br.db.Listen(ctx, storage.ChannelMessages); err != nil {
		return err
	}
	br.logger.Info("bus: bridge listening", "channel", storage.ChannelMessages, "node", br.node)

	go br.sendLoop(ctx)

	delay := time.Duration(0)
	for {
		_, payload, err := br.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay = min(max(2*delay, 100*time.Millisecond), maxBridgeBackoff)
			br.logger.Warn("bus: bridge notification error, retrying", "error", err, "backoff", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		var env envelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			br.logger.Warn("bus: bridge dropped undecodable message", "error", err)
			continue
		}
		if env.Node == br.node {
			continue
		}
		if env.Node == "" {
			env.Node = "remote"
		}
		_, span := bridgeTracer.Start(telemetry.Extract(ctx, env.Trace), "bus.receive",
			trace.WithSpanKind(trace.SpanKindConsumer), messageAttrs(env.Message),
			trace.WithAttributes(attribute.String("rex.node.origin", env.Node)))
		if err := br.bus.Inject(env.Message, env.Node); err != nil {
			span.RecordError(err)
			br.logger.Warn("bus: bridge inject failed", "error", err, "type", env.Message.Type())
		}
		span.End()
	}
}

// sendLoop relays the backlog in order. A failed NOTIFY is retried with
// exponential backoff and the message stays at the head until it succeeds.
func (br *PGBridge) sendLoop(ctx context.Context) {
	delay := time.Duration(0)
	for {
		msg, ok := br.head()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-br.wake:
			}
			continue
		}
		err := br.send(ctx, msg)
		switch {
		case err == nil:
			br.pop()
			delay = 0
		case errors.Is(err, errUndeliverable):
			br.pop()
			br.undeliverable.Add(1)
			br.logger.Error("bus: bridge discarded undeliverable relay", "error", err, "type", msg.Type(), "message_id", msg.ID)
		default:
			if ctx.Err() != nil {
				return
			}
			delay = min(max(2*delay, 100*time.Millisecond), maxBridgeBackoff)
			br.logger.Warn("bus: bridge notify failed, retrying", "error", err, "type", msg.Type(),
				"message_id", msg.ID, "backoff", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

func (br *PGBridge) send(ctx context.Context, msg model.RexMessage) error {
	sctx, span := bridgeTracer.Start(ctx, "bus.relay",
		trace.WithSpanKind(trace.SpanKindProducer), messageAttrs(msg))
	defer span.End()

	data, err := json.Marshal(envelope{Node: br.node, Message: msg, Trace: telemetry.Inject(sctx)})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: marshal: %v", errUndeliverable, err)
	}
	if err := br.db.Notify(ctx, storage.ChannelMessages, string(data)); err != nil {
		span.RecordError(err)
		if errors.Is(err, storage.ErrPayloadTooLarge) {
			return fmt.Errorf("%w: %v", errUndeliverable, err)
		}
		return err
	}
	return nil
}
