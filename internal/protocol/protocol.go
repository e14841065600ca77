// Package protocol defines the websocket wire format shared by the server and
// the client: a JSON envelope {"event": name, "data": payload}.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"teamchat/internal/models"
)

// Client to server events.
const (
	EventJoinRoom      = "join_room"
	EventLeaveRoom     = "leave_room"
	EventSendMessage   = "send_message"
	EventEditMessage   = "edit_message"
	EventDeleteMessage = "delete_message"
	EventReact         = "react"
	EventTyping        = "typing"
	EventMarkRead      = "mark_read"
	EventSync          = "sync"
)

// Server to client events.
const (
	EventReceiveMessage   = "receive_message"
	EventMessageEdited    = "message_edited"
	EventMessageDeleted   = "message_deleted"
	EventReactionChanged  = "reaction_changed"
	EventTypingChanged    = "typing_changed"
	EventReadStateChanged = "read_state_changed"
	EventHistory          = "history"
	EventRequestRejected  = "request_rejected"
)

// Envelope wraps every frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRoom accepts either a bare channel id string or an object.
type JoinRoom struct {
	ChannelID string `json:"channelId" validate:"required,max=64"`
	Focus     bool   `json:"focus,omitempty"`
}

func (j *JoinRoom) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		j.ChannelID = id
		return nil
	}
	type plain JoinRoom
	return json.Unmarshal(data, (*plain)(j))
}

type LeaveRoom struct {
	ChannelID string `json:"channelId" validate:"required,max=64"`
}

// SendMessage is an optimistic send. ClientID is the sender's temporary id and
// comes back on the matching receive_message or request_rejected. Senders that
// omit it still get their message appended and broadcast.
type SendMessage struct {
	SenderID    string              `json:"senderId,omitempty"`
	ChannelID   string              `json:"channelId" validate:"required,max=64"`
	Content     string              `json:"content"`
	Timestamp   time.Time           `json:"timestamp"`
	ReplyTo     string              `json:"replyTo,omitempty"`
	ClientID    string              `json:"clientId,omitempty" validate:"omitempty,max=128"`
	Kind        models.MessageKind  `json:"type,omitempty" validate:"omitempty,oneof=text image file"`
	Attachments []models.Attachment `json:"attachments,omitempty" validate:"max=10"`
}

type EditMessage struct {
	MessageID string `json:"messageId" validate:"required"`
	Content   string `json:"content"`
	RequestID string `json:"requestId" validate:"required,max=128"`
}

type DeleteMessage struct {
	MessageID string `json:"messageId" validate:"required"`
	RequestID string `json:"requestId" validate:"required,max=128"`
}

type React struct {
	MessageID string `json:"messageId" validate:"required"`
	Emoji     string `json:"emoji" validate:"required"`
	RequestID string `json:"requestId" validate:"required,max=128"`
}

type Typing struct {
	ChannelID string `json:"channelId" validate:"required,max=64"`
	Typing    bool   `json:"typing"`
}

type MarkRead struct {
	ChannelID string `json:"channelId" validate:"required,max=64"`
	MessageID string `json:"messageId,omitempty"`
}

// Sync asks for the messages after Since. With Latest set it asks for the
// channel's newest Limit messages instead and Since is ignored.
type Sync struct {
	ChannelID string `json:"channelId" validate:"required,max=64"`
	Since     string `json:"since,omitempty"`
	Latest    bool   `json:"latest,omitempty"`
	Limit     int    `json:"limit,omitempty" validate:"gte=0,lte=1000"`
}

type ReceiveMessage struct {
	models.Message
	ClientID string `json:"clientId,omitempty"`
	Seq      uint64 `json:"seq,omitempty"`
}

type MessageEdited struct {
	models.Message
	RequestID string `json:"requestId,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
}

type MessageDeleted struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
	RequestID string `json:"requestId,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
}

type ReactionChanged struct {
	models.ReactionDelta
	RequestID string `json:"requestId,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
}

type TypingChanged struct {
	models.TypingState
	Seq uint64 `json:"seq,omitempty"`
}

type ReadStateChanged struct {
	models.ReadState
}

// History answers sync. An empty Since marks a snapshot from the start of the channel.
type History struct {
	ChannelID string           `json:"channelId"`
	Since     string           `json:"since,omitempty"`
	Latest    bool             `json:"latest,omitempty"`
	Messages  []models.Message `json:"messages"`
}

// RequestRejected reports a failed intent. Op names the client event.
type RequestRejected struct {
	RequestID string `json:"requestId,omitempty"`
	Op        string `json:"op"`
	Code      string `json:"code"`
	Error     string `json:"error"`
}

// Encode marshals payload inside an envelope.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Decode parses an envelope without touching its payload.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event name")
	}
	return env, nil
}

// EncodeEvent renders an authoritative event as its server to client frame.
func EncodeEvent(ev models.Event) ([]byte, error) {
	switch ev.Type {
	case models.EventMessageCreated:
		if ev.Message == nil {
			return nil, fmt.Errorf("encode %s: missing message", ev.Type)
		}
		return Encode(EventReceiveMessage, ReceiveMessage{Message: *ev.Message, ClientID: ev.RequestID, Seq: ev.Seq})
	case models.EventMessageEdited:
		if ev.Message == nil {
			return nil, fmt.Errorf("encode %s: missing message", ev.Type)
		}
		return Encode(EventMessageEdited, MessageEdited{Message: *ev.Message, RequestID: ev.RequestID, Seq: ev.Seq})
	case models.EventMessageDeleted:
		return Encode(EventMessageDeleted, MessageDeleted{ID: ev.MessageID, ChannelID: ev.ChannelID, RequestID: ev.RequestID, Seq: ev.Seq})
	case models.EventReactionChanged:
		if ev.Reaction == nil {
			return nil, fmt.Errorf("encode %s: missing reaction", ev.Type)
		}
		return Encode(EventReactionChanged, ReactionChanged{ReactionDelta: *ev.Reaction, RequestID: ev.RequestID, Seq: ev.Seq})
	case models.EventTypingChanged:
		if ev.Typing == nil {
			return nil, fmt.Errorf("encode %s: missing typing state", ev.Type)
		}
		return Encode(EventTypingChanged, TypingChanged{TypingState: *ev.Typing, Seq: ev.Seq})
	case models.EventReadStateChanged:
		if ev.ReadState == nil {
			return nil, fmt.Errorf("encode %s: missing read state", ev.Type)
		}
		return Encode(EventReadStateChanged, ReadStateChanged{ReadState: *ev.ReadState})
	}
	return nil, fmt.Errorf("encode: unknown event type %q", ev.Type)
}

// DecodeEvent is the inverse of EncodeEvent for the channel-scoped events.
// It reports false for envelopes that are not authoritative events.
func DecodeEvent(env Envelope) (models.Event, bool, error) {
	switch env.Event {
	case EventReceiveMessage:
		var p ReceiveMessage
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return models.Event{}, true, err
		}
		msg := p.Message
		return models.Event{Type: models.EventMessageCreated, ChannelID: msg.ChannelID, Seq: p.Seq, RequestID: p.ClientID, Message: &msg, MessageID: msg.ID}, true, nil
	case EventMessageEdited:
		var p MessageEdited
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return models.Event{}, true, err
		}
		msg := p.Message
		return models.Event{Type: models.EventMessageEdited, ChannelID: msg.ChannelID, Seq: p.Seq, RequestID: p.RequestID, Message: &msg, MessageID: msg.ID}, true, nil
	case EventMessageDeleted:
		var p MessageDeleted
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return models.Event{}, true, err
		}
		return models.Event{Type: models.EventMessageDeleted, ChannelID: p.ChannelID, Seq: p.Seq, RequestID: p.RequestID, MessageID: p.ID}, true, nil
	case EventReactionChanged:
		var p ReactionChanged
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return models.Event{}, true, err
		}
		delta := p.ReactionDelta
		return models.Event{Type: models.EventReactionChanged, ChannelID: delta.ChannelID, Seq: p.Seq, RequestID: p.RequestID, MessageID: delta.MessageID, Reaction: &delta}, true, nil
	case EventTypingChanged:
		var p TypingChanged
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return models.Event{}, true, err
		}
		typing := p.TypingState
		return models.Event{Type: models.EventTypingChanged, ChannelID: typing.ChannelID, Seq: p.Seq, Typing: &typing}, true, nil
	case EventReadStateChanged:
		var p ReadStateChanged
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return models.Event{}, true, err
		}
		rs := p.ReadState
		return models.Event{Type: models.EventReadStateChanged, ChannelID: rs.ChannelID, OnlyUser: rs.UserID, ReadState: &rs}, true, nil
	}
	return models.Event{}, false, nil
}
