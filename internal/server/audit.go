package server

import (
	"net/http"

	"github.com/ashita-ai/rex/internal/ctxutil"
)

// buildAuditMeta describes the caller behind the current request.
func buildAuditMeta(r *http.Request) ctxutil.AuditMeta {
	meta := ctxutil.AuditMeta{
		RequestID: ctxutil.RequestIDFromContext(r.Context()),
		Owner:     "unknown",
		Role:      "unknown",
		Method:    r.Method,
		Endpoint:  r.Pattern,
	}
	if claims := ctxutil.ClaimsFromContext(r.Context()); claims != nil {
		meta.Owner = claims.Owner()
		meta.Role = string(claims.Role)
	}
	if meta.Endpoint == "" {
		meta.Endpoint = r.URL.Path
	}
	return meta
}

// recordMutation appends an audit record for a successful mutation. The
// journal write is asynchronous, so this never fails the response.
func (h *Handlers) recordMutation(r *http.Request, message string, details map[string]any) {
	if h.audit == nil {
		return
	}
	h.audit.Log(buildAuditMeta(r).Entry(message, details))
}
