package repositories

import (
	"context"
	"errors"
	"sort"
	"time"

	"teamchat/internal/models"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrChannelExists   = errors.New("channel already exists")
	ErrMessageNotFound = errors.New("message not found")
)

// ChannelRepository abstracts channel, membership and read-state persistence.
type ChannelRepository interface {
	CreateChannel(ctx context.Context, ch models.Channel) (models.Channel, error)
	GetChannel(ctx context.Context, channelID string) (models.Channel, error)
	ListChannelsForUser(ctx context.Context, userID string) ([]models.Channel, error)
	AddMember(ctx context.Context, channelID string, userID string) error
	SetLastMessage(ctx context.Context, channelID string, messageID string) error
	GetReadState(ctx context.Context, channelID string, userID string) (models.ReadState, error)
	SetReadState(ctx context.Context, rs models.ReadState) error
}

// MessageRepository abstracts the per-channel message log.
// Messages are keyed by channel and range-scannable by id.
type MessageRepository interface {
	InsertMessage(ctx context.Context, msg models.Message) error
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	UpdateMessageBody(ctx context.Context, messageID string, body string, editedAt time.Time) (models.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	ToggleReaction(ctx context.Context, messageID string, emoji string, userID string) (bool, error)
	ListSince(ctx context.Context, channelID string, cursor string, limit int) ([]models.Message, error)
	ListLatest(ctx context.Context, channelID string, limit int) ([]models.Message, error)
	MaxMessageID(ctx context.Context) (string, error)
	LatestMessage(ctx context.Context, channelID string) (models.Message, error)
	CountAfter(ctx context.Context, channelID string, cursor string, excludeSender string) (int, error)
	Search(ctx context.Context, channelIDs []string, query string, limit int) ([]models.Message, error)
}

func sortChannels(chs []models.Channel) {
	sort.SliceStable(chs, func(i, j int) bool {
		if chs[i].CreatedAt.Equal(chs[j].CreatedAt) {
			return chs[i].ID < chs[j].ID
		}
		return chs[i].CreatedAt.Before(chs[j].CreatedAt)
	})
}
