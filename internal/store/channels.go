package store

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"teamchat/internal/models"
	"teamchat/internal/repositories"
)

const maxChannelIDLen = 64

// CreateChannelRequest describes a new channel. The creator is always a member.
type CreateChannelRequest struct {
	ID          string
	Kind        models.ChannelKind
	Name        string
	Description string
	CreatorID   string
	Members     []string
}

// CreateChannel validates membership rules and persists the channel.
func (s *Store) CreateChannel(ctx context.Context, req CreateChannelRequest) (ch models.Channel, err error) {
	ctx, _, done := s.begin(ctx, "create_channel")
	defer func() { done(err) }()

	if !req.Kind.Valid() {
		return models.Channel{}, ErrInvalidChannel
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	if !validChannelID(id) {
		return models.Channel{}, ErrInvalidChannel
	}

	members := lo.Uniq(lo.Filter(append([]string{req.CreatorID}, req.Members...), func(m string, _ int) bool {
		return strings.TrimSpace(m) != ""
	}))
	if req.Kind == models.ChannelDirect && len(members) != 2 {
		return models.Channel{}, ErrDirectMembership
	}
	if len(members) == 0 {
		return models.Channel{}, ErrInvalidChannel
	}

	ch, err = s.channels.CreateChannel(ctx, models.Channel{
		ID:          id,
		Kind:        req.Kind,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Members:     members,
		CreatedAt:   s.now(),
	})
	if errors.Is(err, repositories.ErrChannelExists) {
		return models.Channel{}, ErrChannelExists
	}
	if err != nil {
		return models.Channel{}, internalError(err)
	}
	return ch, nil
}

// GetChannel returns a channel the viewer may access.
func (s *Store) GetChannel(ctx context.Context, channelID, viewerID string) (models.Channel, error) {
	return s.accessibleChannel(ctx, channelID, viewerID)
}

// AddMember adds userID to a public or private channel. Direct channels are fixed.
func (s *Store) AddMember(ctx context.Context, channelID, requesterID, userID string) (err error) {
	ctx, _, done := s.begin(ctx, "add_member", attribute.String("channel.id", channelID))
	defer func() { done(err) }()

	ch, err := s.channels.GetChannel(ctx, channelID)
	if errors.Is(err, repositories.ErrChannelNotFound) {
		return ErrUnknownChannel
	}
	if err != nil {
		return internalError(err)
	}
	if ch.Kind == models.ChannelDirect {
		return ErrDirectMembership
	}
	if ch.Kind == models.ChannelPrivate && !ch.HasMember(requesterID) {
		return ErrNotMember
	}
	if ch.Kind == models.ChannelPublic && requesterID != userID && !ch.HasMember(requesterID) {
		return ErrNotMember
	}
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidChannel
	}
	if err := s.channels.AddMember(ctx, channelID, userID); err != nil {
		if errors.Is(err, repositories.ErrChannelNotFound) {
			return ErrUnknownChannel
		}
		return internalError(err)
	}
	return nil
}

// ListChannels returns every channel visible to userID with its last message
// and the viewer's unread count.
func (s *Store) ListChannels(ctx context.Context, userID string) (out []models.ChannelSummary, err error) {
	ctx, _, done := s.begin(ctx, "list_channels")
	defer func() { done(err) }()

	chs, err := s.channels.ListChannelsForUser(ctx, userID)
	if err != nil {
		return nil, internalError(err)
	}
	out = make([]models.ChannelSummary, 0, len(chs))
	for _, ch := range chs {
		summary := models.ChannelSummary{Channel: ch}
		if ch.LastMessageID != "" {
			last, err := s.messages.GetMessage(ctx, ch.LastMessageID)
			switch {
			case err == nil:
				summary.LastMessage = &last
			case errors.Is(err, repositories.ErrMessageNotFound):
				// stale cache; the pointer is repaired on the next append or delete
			default:
				return nil, internalError(err)
			}
		}
		unread, err := s.unreadCount(ctx, ch.ID, userID)
		if err != nil {
			return nil, err
		}
		summary.UnreadCount = unread
		out = append(out, summary)
	}
	return out, nil
}

// MarkRead moves the viewer's read pointer to messageID (or the newest message
// when empty) and notifies the viewer's own sessions.
func (s *Store) MarkRead(ctx context.Context, channelID, userID, messageID string) (rs models.ReadState, err error) {
	ctx, _, done := s.begin(ctx, "mark_read", attribute.String("channel.id", channelID))
	defer func() { done(err) }()

	if _, err := s.accessibleChannel(ctx, channelID, userID); err != nil {
		return models.ReadState{}, err
	}

	if messageID == "" {
		latest, err := s.messages.LatestMessage(ctx, channelID)
		switch {
		case err == nil:
			messageID = latest.ID
		case errors.Is(err, repositories.ErrMessageNotFound):
		default:
			return models.ReadState{}, internalError(err)
		}
	} else {
		msg, err := s.messages.GetMessage(ctx, messageID)
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return models.ReadState{}, ErrNotFound
		}
		if err != nil {
			return models.ReadState{}, internalError(err)
		}
		if msg.ChannelID != channelID {
			return models.ReadState{}, ErrNotFound
		}
	}

	if err := s.channels.SetReadState(ctx, models.ReadState{
		ChannelID:  channelID,
		UserID:     userID,
		LastReadID: messageID,
		UpdatedAt:  s.now(),
	}); err != nil {
		return models.ReadState{}, internalError(err)
	}
	rs, err = s.channels.GetReadState(ctx, channelID, userID)
	if err != nil {
		return models.ReadState{}, internalError(err)
	}
	rs.Unread, err = s.unreadCount(ctx, channelID, userID)
	if err != nil {
		return models.ReadState{}, err
	}

	published := rs
	s.sink.Publish(ctx, models.Event{
		Type:      models.EventReadStateChanged,
		ChannelID: channelID,
		OnlyUser:  userID,
		ReadState: &published,
	})
	return rs, nil
}

// Search finds messages containing query across the channels userID can access.
func (s *Store) Search(ctx context.Context, userID, query string, limit int) (msgs []models.Message, err error) {
	ctx, _, done := s.begin(ctx, "search")
	defer func() { done(err) }()

	query = strings.TrimSpace(query)
	if query == "" {
		return []models.Message{}, nil
	}
	chs, err := s.channels.ListChannelsForUser(ctx, userID)
	if err != nil {
		return nil, internalError(err)
	}
	ids := lo.Map(chs, func(ch models.Channel, _ int) string { return ch.ID })
	msgs, err = s.messages.Search(ctx, ids, query, clampLimit(limit))
	if err != nil {
		return nil, internalError(err)
	}
	return msgs, nil
}

func (s *Store) unreadCount(ctx context.Context, channelID, userID string) (int, error) {
	rs, err := s.channels.GetReadState(ctx, channelID, userID)
	if err != nil {
		return 0, internalError(err)
	}
	n, err := s.messages.CountAfter(ctx, channelID, rs.LastReadID, userID)
	if err != nil {
		s.log.Warn("count unread", zap.String("channel_id", channelID), zap.Error(err))
		return 0, internalError(err)
	}
	return n, nil
}

func validChannelID(id string) bool {
	if id == "" || len(id) > maxChannelIDLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
