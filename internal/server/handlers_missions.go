package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/rex/internal/ctxutil"
	"github.com/ashita-ai/rex/internal/model"
	"github.com/ashita-ai/rex/internal/service/scheduler"
)

const createMissionEndpoint = "POST:/v1/missions"

// HandleCreateMission handles POST /v1/missions.
func (h *Handlers) HandleCreateMission(w http.ResponseWriter, r *http.Request) {
	var req model.CreateMissionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, false); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	req.Owner = ctxutil.OwnerFromContext(r.Context())

	idem, proceed := h.beginIdempotentWrite(w, r, req.Owner, createMissionEndpoint, req)
	if !proceed {
		return
	}

	resp, err := h.missions.Create(r.Context(), req)
	if err != nil {
		h.clearIdempotentWrite(idem)
		h.writeMissionError(w, r, "failed to create mission", err)
		return
	}
	h.completeIdempotentWrite(idem, http.StatusCreated, resp)
	h.recordMutation(r, "mission created", map[string]any{
		"mission_id": resp.MissionID.String(),
		"type":       string(req.Type),
		"crew":       resp.Crew,
	})
	writeJSON(w, r, http.StatusCreated, resp)
}

// HandleGetMission handles GET /v1/missions/{id}.
func (h *Handlers) HandleGetMission(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	detail, err := h.missions.Get(r.Context(), id)
	if err != nil {
		h.writeMissionError(w, r, "failed to get mission", err)
		return
	}
	writeJSON(w, r, http.StatusOK, detail)
}

// HandleListMissions handles GET /v1/missions?state=&owner=&limit=.
func (h *Handlers) HandleListMissions(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100)
	f := model.MissionFilter{Owner: r.URL.Query().Get("owner"), Limit: limit}
	if raw := r.URL.Query().Get("state"); raw != "" {
		state := model.MissionState(raw)
		if !state.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown mission state: "+raw)
			return
		}
		f.State = &state
	}
	missions, err := h.missions.List(r.Context(), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to list missions", err)
		return
	}
	if missions == nil {
		missions = []model.Mission{}
	}
	writeListJSON(w, r, missions, len(missions), limit)
}

// HandleCancelMission handles POST /v1/missions/{id}/cancel. The body is
// optional. Cancelling a finished mission returns cancelled=false with its
// final state.
func (h *Handlers) HandleCancelMission(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.CancelMissionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, true); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	resp, err := h.missions.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		h.writeMissionError(w, r, "failed to cancel mission", err)
		return
	}
	if resp.Cancelled {
		h.recordMutation(r, "mission cancelled", map[string]any{
			"mission_id": id.String(),
			"reason":     req.Reason,
		})
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (h *Handlers) writeMissionError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, scheduler.ErrUnknownMission):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "mission not found")
	case errors.Is(err, scheduler.ErrInvalidMission):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, scheduler.ErrNoCapableCrew):
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInsufficientResources, "no crew can run this mission type")
	default:
		h.writeInternalError(w, r, msg, err)
	}
}
