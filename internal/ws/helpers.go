package ws

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"teamchat/internal/protocol"
	"teamchat/internal/store"
)

var (
	errInvalidFrame   = &store.Error{Kind: store.KindValidation, Code: "invalid_frame", Message: "malformed frame"}
	errInvalidPayload = &store.Error{Kind: store.KindValidation, Code: "invalid_payload", Message: "invalid payload"}
	errUnknownEvent   = &store.Error{Kind: store.KindValidation, Code: "unknown_event", Message: "unknown event"}
	errRateLimited    = &store.Error{Kind: store.KindValidation, Code: "rate_limited", Message: "too many events"}
	errSenderMismatch = &store.Error{Kind: store.KindAuthorization, Code: "sender_mismatch", Message: "sender does not match the session user"}
)

func decodePayload[T any](v *validator.Validate, env protocol.Envelope) (T, error) {
	var payload T
	if len(env.Data) == 0 {
		return payload, errInvalidPayload
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return payload, errInvalidPayload
	}
	if err := v.Struct(payload); err != nil {
		return payload, &store.Error{Kind: store.KindValidation, Code: errInvalidPayload.Code, Message: errInvalidPayload.Message, Err: err}
	}
	return payload, nil
}

func rejection(requestID, op string, err error) ([]byte, error) {
	return protocol.Encode(protocol.EventRequestRejected, protocol.RequestRejected{
		RequestID: requestID,
		Op:        op,
		Code:      store.CodeOf(err),
		Error:     store.PublicMessage(err),
	})
}

var inboundEvents = map[string]struct{}{
	protocol.EventJoinRoom:      {},
	protocol.EventLeaveRoom:     {},
	protocol.EventSendMessage:   {},
	protocol.EventEditMessage:   {},
	protocol.EventDeleteMessage: {},
	protocol.EventReact:         {},
	protocol.EventTyping:        {},
	protocol.EventMarkRead:      {},
	protocol.EventSync:          {},
}

// inboundLabel keeps the metric label set bounded.
func inboundLabel(event string) string {
	if _, ok := inboundEvents[event]; ok {
		return event
	}
	return "unknown"
}

// requestIDOf recovers the correlation id from a payload that failed validation.
func requestIDOf(env protocol.Envelope) string {
	var ids struct {
		RequestID string `json:"requestId"`
		ClientID  string `json:"clientId"`
	}
	if err := json.Unmarshal(env.Data, &ids); err != nil {
		return ""
	}
	if ids.ClientID != "" {
		return ids.ClientID
	}
	return ids.RequestID
}
