package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/rex/internal/model"
	"github.com/ashita-ai/rex/internal/resource"
)

// HandleListAgents handles GET /v1/agents?crew=.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	crew := r.URL.Query().Get("crew")
	agents := make([]model.AgentStatus, 0)
	for _, a := range h.pool.Agents() {
		if crew == "" || a.Crew == crew {
			agents = append(agents, a)
		}
	}
	writeListJSON(w, r, agents, len(agents), len(agents))
}

// HandleRestartAgent handles POST /v1/agents/{crew}/{agent}/restart. Only a
// failed agent is restarted; any other agent reports restarted=false with
// its current status.
func (h *Handlers) HandleRestartAgent(w http.ResponseWriter, r *http.Request) {
	crew, agent := r.PathValue("crew"), r.PathValue("agent")
	status, restarted, err := h.pool.RestartAgent(crew, agent)
	switch {
	case errors.Is(err, resource.ErrUnknownCrew), errors.Is(err, resource.ErrUnknownAgent):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		return
	case err != nil:
		h.writeInternalError(w, r, "failed to restart agent", err)
		return
	}
	if restarted {
		h.recordMutation(r, "agent restarted", map[string]any{"crew": crew, "agent": agent})
	}
	writeJSON(w, r, http.StatusOK, model.RestartAgentResponse{Restarted: restarted, Status: status})
}
