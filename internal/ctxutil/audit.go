package ctxutil

import "github.com/ashita-ai/rex/internal/model"

// AuditMeta describes the caller behind a mutating API or MCP call. Both
// surfaces attach it to the RexLog entry they write for the mutation.
type AuditMeta struct {
	RequestID string
	Owner     string
	Role      string
	Method    string // HTTP method or "mcp".
	Endpoint  string // Route pattern or tool name.
}

// Details renders the metadata as RexLog details.
func (m AuditMeta) Details(extra map[string]any) map[string]any {
	d := map[string]any{
		"request_id": m.RequestID,
		"owner":      m.Owner,
		"role":       m.Role,
		"method":     m.Method,
		"endpoint":   m.Endpoint,
	}
	for k, v := range extra {
		d[k] = v
	}
	return d
}

// Entry builds the audit log record for a mutation.
func (m AuditMeta) Entry(message string, extra map[string]any) model.RexLog {
	return model.NewLog(model.LogInfo, "api", message, nil, m.Details(extra))
}
