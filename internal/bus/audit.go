package bus

import (
	"github.com/ashita-ai/rex/internal/model"
)

// LogSink receives audit records.
type LogSink interface {
	Log(model.RexLog)
}

// AuditHook returns a hook that records every message as a debug RexLog.
func AuditHook(sink LogSink) Hook {
	return func(msg model.RexMessage, origin string) {
		details := map[string]any{
			"message_id": msg.ID.String(),
			"type":       string(msg.Type()),
			"sender":     string(msg.Sender),
			"recipient":  string(msg.Recipient),
		}
		if msg.CorrelationID != nil {
			details["correlation_id"] = msg.CorrelationID.String()
		}
		if msg.ReplyTo != nil {
			details["reply_to"] = msg.ReplyTo.String()
		}
		if origin != "" {
			details["origin"] = origin
		}
		sink.Log(model.NewLog(model.LogDebug, "bus", "message "+string(msg.Type()), msg.MissionID, details))
	}
}
