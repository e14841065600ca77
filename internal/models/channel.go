package models

import "time"

// ChannelKind scopes who may read and post in a channel.
type ChannelKind string

const (
	ChannelPublic  ChannelKind = "public"
	ChannelPrivate ChannelKind = "private"
	ChannelDirect  ChannelKind = "direct"
)

// Valid reports whether k is a known channel kind.
func (k ChannelKind) Valid() bool {
	switch k {
	case ChannelPublic, ChannelPrivate, ChannelDirect:
		return true
	}
	return false
}

// Channel is a named scope holding an ordered message history.
type Channel struct {
	ID            string      `db:"id" json:"id"`
	Kind          ChannelKind `db:"kind" json:"type"`
	Name          string      `db:"name" json:"name"`
	Description   string      `db:"description" json:"description,omitempty"`
	Members       []string    `db:"-" json:"members"`
	CreatedAt     time.Time   `db:"created_at" json:"createdAt"`
	LastMessageID string      `db:"last_message_id" json:"lastMessageId,omitempty"`
}

// HasMember reports whether userID is listed as a member.
func (c Channel) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// CanAccess reports whether userID may read, post and react in the channel.
// Public channels are open to every user.
func (c Channel) CanAccess(userID string) bool {
	if c.Kind == ChannelPublic {
		return true
	}
	return c.HasMember(userID)
}

// ChannelSummary is a per-viewer listing entry.
type ChannelSummary struct {
	Channel
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount"`
}

// ReadState tracks the last message a user has seen in a channel.
type ReadState struct {
	ChannelID  string    `db:"channel_id" json:"channelId"`
	UserID     string    `db:"user_id" json:"userId"`
	LastReadID string    `db:"last_read_id" json:"lastReadId"`
	Unread     int       `db:"-" json:"unread"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}
