package models

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// MessageKind describes the payload of a message.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindFile   MessageKind = "file"
	KindSystem MessageKind = "system"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile, KindSystem:
		return true
	}
	return false
}

// Attachment is an opaque reference issued by the attachment store.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// Reaction is a single (emoji, user) record on a message.
type Reaction struct {
	Emoji  string `db:"emoji" json:"emoji"`
	UserID string `db:"user_id" json:"userId"`
}

// Message is a chat message. ID and ChannelID never change once assigned.
type Message struct {
	ID          string       `db:"id" json:"id"`
	ChannelID   string       `db:"channel_id" json:"channelId"`
	SenderID    string       `db:"sender_id" json:"senderId"`
	Content     string       `db:"body" json:"content"`
	Kind        MessageKind  `db:"kind" json:"type"`
	ReplyTo     string       `db:"reply_to" json:"replyTo,omitempty"`
	Reactions   []Reaction   `db:"-" json:"reactions"`
	Attachments []Attachment `db:"-" json:"attachments,omitempty"`
	Edited      bool         `db:"edited" json:"edited,omitempty"`
	EditedAt    *time.Time   `db:"edited_at" json:"editedAt,omitempty"`
	Timestamp   time.Time    `db:"created_at" json:"timestamp"`
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (m Message) Clone() Message {
	out := m
	if m.Reactions != nil {
		out.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.EditedAt != nil {
		at := *m.EditedAt
		out.EditedAt = &at
	}
	return out
}

// HasReaction reports whether userID holds emoji on the message.
func (m Message) HasReaction(emoji, userID string) bool {
	for _, r := range m.Reactions {
		if r.Emoji == emoji && r.UserID == userID {
			return true
		}
	}
	return false
}

// SetReaction adds or removes a reaction record. Applying the same delta twice is a no-op.
func (m *Message) SetReaction(emoji, userID string, present bool) {
	has := m.HasReaction(emoji, userID)
	switch {
	case present && !has:
		m.Reactions = append(m.Reactions, Reaction{Emoji: emoji, UserID: userID})
	case !present && has:
		kept := m.Reactions[:0:0]
		for _, r := range m.Reactions {
			if r.Emoji == emoji && r.UserID == userID {
				continue
			}
			kept = append(kept, r)
		}
		m.Reactions = kept
	}
}

// ReactionCount returns how many users hold emoji on the message.
func (m Message) ReactionCount(emoji string) int {
	n := 0
	for _, r := range m.Reactions {
		if r.Emoji == emoji {
			n++
		}
	}
	return n
}

// ReactionDelta is the result of a reaction toggle.
type ReactionDelta struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
	Added     bool   `json:"added"`
}

// SortMessages orders messages by their assigned id, ascending.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
}

// FormatMessageID renders a nanosecond ordering value as a message id.
// Ids are zero-padded to 19 digits so lexical order equals numeric order.
func FormatMessageID(n int64) string {
	return fmt.Sprintf("%019d", n)
}

// ParseMessageID returns the ordering value of a server-assigned id.
func ParseMessageID(id string) (int64, bool) {
	if len(id) != 19 {
		return 0, false
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
