package models

// EventType names a channel-scoped authoritative event.
type EventType string

const (
	EventMessageCreated   EventType = "message.created"
	EventMessageEdited    EventType = "message.edited"
	EventMessageDeleted   EventType = "message.deleted"
	EventReactionChanged  EventType = "reaction.changed"
	EventTypingChanged    EventType = "typing.changed"
	EventReadStateChanged EventType = "channel.read-state.changed"
)

// TypingState is the payload of a typing.changed event.
type TypingState struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Typing    bool   `json:"typing"`
}

// Event is a committed mutation on its way to the broadcast router.
type Event struct {
	Type      EventType
	ChannelID string
	Seq       uint64

	// RequestID correlates the event with the intent that caused it.
	// For message.created it carries the client temp id.
	RequestID string

	// OnlyUser restricts delivery to the sessions of one user.
	OnlyUser string

	Message   *Message
	MessageID string
	Reaction  *ReactionDelta
	Typing    *TypingState
	ReadState *ReadState
}
