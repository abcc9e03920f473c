package server

import (
	"net/http"

	"github.com/ashita-ai/rex/internal/model"
)

// HandleAnalytics handles GET /v1/analytics.
func (h *Handlers) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	if h.analytics == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "analytics are disabled")
		return
	}
	snap, ok := h.analytics.Latest()
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no analytics snapshot yet")
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleAnalyticsHistory handles GET /v1/analytics/history.
func (h *Handlers) HandleAnalyticsHistory(w http.ResponseWriter, r *http.Request) {
	if h.analytics == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "analytics are disabled")
		return
	}
	snaps, err := h.analytics.History(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to load analytics history", err)
		return
	}
	if snaps == nil {
		snaps = []model.AnalyticsSnapshot{}
	}
	writeListJSON(w, r, snaps, len(snaps), len(snaps))
}

// HandleAnalyticsTrends handles GET /v1/analytics/trends.
func (h *Handlers) HandleAnalyticsTrends(w http.ResponseWriter, r *http.Request) {
	if h.analytics == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "analytics are disabled")
		return
	}
	trends, err := h.analytics.Trends(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to compute analytics trends", err)
		return
	}
	writeJSON(w, r, http.StatusOK, trends)
}
