package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/rex/internal/auth"
	"github.com/ashita-ai/rex/internal/bus"
	"github.com/ashita-ai/rex/internal/ctxutil"
	"github.com/ashita-ai/rex/internal/model"
)

type publishMessageResponse struct {
	ID   uuid.UUID         `json:"id"`
	Type model.MessageType `json:"type"`
}

// HandlePublishMessage handles POST /v1/messages. Agents outside this
// process report mission progress here. Only agent-originated types are
// accepted, and an agent token may speak only for its own crew.
func (h *Handlers) HandlePublishMessage(w http.ResponseWriter, r *http.Request) {
	var msg model.RexMessage
	if err := decodeJSON(w, r, &msg, h.maxRequestBodyBytes, false); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !msg.Type().FromAgent() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("message type %q is not accepted from agents", msg.Type()))
		return
	}
	crew := msg.Sender.Crew()
	if crew == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "sender must be a crew or agent address")
		return
	}
	if claims := ctxutil.ClaimsFromContext(r.Context()); claims != nil && claims.Role == auth.RoleAgent && claims.Crew != crew {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "token may not send on behalf of crew "+crew)
		return
	}
	if msg.Recipient == "" {
		msg.Recipient = model.AddrOrchestrator
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	if err := h.bus.Publish(msg); err != nil {
		switch {
		case errors.Is(err, bus.ErrInvalidMessage):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		case errors.Is(err, bus.ErrClosed):
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "message bus is shutting down")
		default:
			h.writeInternalError(w, r, "failed to publish message", err)
		}
		return
	}
	writeJSON(w, r, http.StatusAccepted, publishMessageResponse{ID: msg.ID, Type: msg.Type()})
}
