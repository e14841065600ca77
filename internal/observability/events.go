package observability

import "time"

type EventEnvelope struct {
	EventType string            `json:"event_type"`
	EventName string            `json:"event_name"`
	Payload   interface{}       `json:"payload"`
	Headers   map[string]string `json:"-"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// SessionIdentity describes who holds a websocket session.
type SessionIdentity struct {
	UserID   string
	DeviceID string
	IP       string
}

// SessionEvent builds a ws_events envelope for a session lifecycle transition.
func SessionEvent(event, sessionID string, who SessionIdentity, connectedAt time.Time, reason string, headers map[string]string) EventEnvelope {
	duration := int64(0)
	if !connectedAt.IsZero() {
		duration = time.Since(connectedAt).Milliseconds()
	}
	return EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        "session",
				"event":       event,
				"conn_id":     sessionID,
				"duration_ms": duration,
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   who.UserID,
				"device_id": who.DeviceID,
				"ip":        who.IP,
			},
		},
		Headers: headers,
	}
}
