package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashita-ai/rex/internal/ctxutil"
	"github.com/ashita-ai/rex/internal/model"
)

const (
	subscribeTimeout  = 30 * time.Second
	eventWriteTimeout = 10 * time.Second
	eventPingInterval = 30 * time.Second
)

// HandleEvents handles GET /v1/events. The client must send a subscribe
// frame for the activity channel before any activity is delivered. After
// the acknowledgement the server replays recent activity, then streams live
// frames. Frames it does not recognize are ignored.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event stream not available")
		return
	}

	// The server's write timeout would otherwise cut the stream.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.wsOrigins})
	if err != nil {
		h.logger.Warn("events: upgrade failed", "error", err,
			"request_id", ctxutil.RequestIDFromContext(r.Context()))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	if err := awaitSubscribe(ctx, conn); err != nil {
		if !errors.Is(err, context.Canceled) {
			_ = conn.Close(websocket.StatusPolicyViolation, "subscribe to the activity channel first")
		}
		return
	}

	// Subscribe before acknowledging so nothing published after the ack is
	// missed. The channel starts with the replay of recent activity.
	events := h.broker.Subscribe()
	defer h.broker.Unsubscribe(events)

	if err := writeFrame(ctx, conn, model.Frame{Type: model.FrameSubscribed, Channel: model.ActivityChannel}); err != nil {
		return
	}
	owner := ctxutil.OwnerFromContext(ctx)
	h.logger.Info("events: subscriber connected", "owner", owner, "subscribers", h.broker.Subscribers())

	// Client frames after the handshake carry nothing we act on. CloseRead
	// discards them and cancels readCtx when the peer goes away.
	readCtx := conn.CloseRead(ctx)
	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-readCtx.Done():
			h.logger.Info("events: subscriber disconnected", "owner", owner)
			return
		case frame, ok := <-events:
			if !ok {
				h.logger.Info("events: subscriber fell behind", "owner", owner)
				_ = conn.Close(websocket.StatusTryAgainLater, "fell behind; reconnect to resync")
				return
			}
			wctx, cancel := context.WithTimeout(readCtx, eventWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				h.logger.Debug("events: write failed", "owner", owner, "error", err)
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(readCtx, eventWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// awaitSubscribe reads frames until the client subscribes to the activity
// channel. Malformed and unrecognized frames are skipped.
func awaitSubscribe(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var f model.Frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		if f.Type == model.FrameSubscribe && f.Channel == model.ActivityChannel {
			return nil
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f model.Frame) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}
