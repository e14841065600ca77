// Package store is the authoritative message log. It validates intents,
// persists them through the repositories, assigns identity and order, and hands
// every committed mutation to an EventSink while the affected slot is still held,
// so the sink observes mutations in commit order.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"teamchat/internal/models"
	"teamchat/internal/observability"
	"teamchat/internal/repositories"
)

const (
	DefaultMaxBodyRunes = 4000
	DefaultListLimit    = 200
	MaxListLimit        = 1000
)

// EventSink receives committed mutations. Publish must not block on network I/O.
type EventSink interface {
	Publish(ctx context.Context, ev models.Event)
}

// Options tunes a Store. Zero values fall back to defaults.
type Options struct {
	MaxBodyRunes int
	Now          func() time.Time
}

// Store serializes mutations per message and appends per channel.
type Store struct {
	channels repositories.ChannelRepository
	messages repositories.MessageRepository
	sink     EventSink
	log      *zap.Logger
	tracer   trace.Tracer

	ids          *IDGenerator
	now          func() time.Time
	maxBodyRunes int

	messageLocks *keyedMutex
	channelLocks *keyedMutex
}

// New constructs a Store.
func New(channels repositories.ChannelRepository, messages repositories.MessageRepository, sink EventSink, log *zap.Logger, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.MaxBodyRunes <= 0 {
		opts.MaxBodyRunes = DefaultMaxBodyRunes
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		channels:     channels,
		messages:     messages,
		sink:         sink,
		log:          log,
		tracer:       otel.Tracer("teamchat/store"),
		ids:          &IDGenerator{},
		now:          opts.Now,
		maxBodyRunes: opts.MaxBodyRunes,
		messageLocks: newKeyedMutex(),
		channelLocks: newKeyedMutex(),
	}
}

// AppendRequest is a validated-on-arrival send intent.
type AppendRequest struct {
	ChannelID   string
	SenderID    string
	Body        string
	ReplyTo     string
	Kind        models.MessageKind
	Attachments []models.Attachment
	// RequestID is the client's temporary id; it is echoed on message.created.
	RequestID string
}

// Append validates and persists a new message, assigning its id and timestamp.
func (s *Store) Append(ctx context.Context, req AppendRequest) (msg models.Message, err error) {
	ctx, span, done := s.begin(ctx, "append", attribute.String("channel.id", req.ChannelID))
	defer func() { done(err) }()

	if err := s.validateBody(req.Body); err != nil {
		return models.Message{}, err
	}
	kind := req.Kind
	if kind == "" {
		kind = models.KindText
	}
	if !kind.Valid() || kind == models.KindSystem {
		return models.Message{}, ErrInvalidKind
	}

	ch, err := s.accessibleChannel(ctx, req.ChannelID, req.SenderID)
	if err != nil {
		return models.Message{}, err
	}

	release, err := s.channelLocks.Lock(ctx, ch.ID)
	if err != nil {
		return models.Message{}, lockTimeout(err)
	}
	defer release()

	if req.ReplyTo != "" {
		releaseReply, err := s.messageLocks.Lock(ctx, req.ReplyTo)
		if err != nil {
			return models.Message{}, lockTimeout(err)
		}
		defer releaseReply()
		target, err := s.messages.GetMessage(ctx, req.ReplyTo)
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return models.Message{}, ErrInvalidReply
		}
		if err != nil {
			return models.Message{}, internalError(err)
		}
		if target.ChannelID != ch.ID {
			return models.Message{}, ErrInvalidReply
		}
	}

	id, ts := s.ids.Next(s.now())
	msg = models.Message{
		ID:          id,
		ChannelID:   ch.ID,
		SenderID:    req.SenderID,
		Content:     req.Body,
		Kind:        kind,
		ReplyTo:     req.ReplyTo,
		Reactions:   []models.Reaction{},
		Attachments: req.Attachments,
		Timestamp:   ts,
	}
	span.SetAttributes(attribute.String("message.id", id))

	if err := s.messages.InsertMessage(ctx, msg); err != nil {
		return models.Message{}, internalError(err)
	}
	if err := s.channels.SetLastMessage(ctx, ch.ID, id); err != nil {
		s.log.Warn("update last message pointer", zap.String("channel_id", ch.ID), zap.Error(err))
	}

	created := msg.Clone()
	s.sink.Publish(ctx, models.Event{
		Type:      models.EventMessageCreated,
		ChannelID: ch.ID,
		RequestID: req.RequestID,
		Message:   &created,
		MessageID: id,
	})
	return msg, nil
}

// Edit overwrites a message body. Only the sender may edit; the last committed
// edit wins without merging.
func (s *Store) Edit(ctx context.Context, messageID, requesterID, newBody, requestID string) (msg models.Message, err error) {
	ctx, _, done := s.begin(ctx, "edit", attribute.String("message.id", messageID))
	defer func() { done(err) }()

	if err := s.validateBody(newBody); err != nil {
		return models.Message{}, err
	}

	release, err := s.messageLocks.Lock(ctx, messageID)
	if err != nil {
		return models.Message{}, lockTimeout(err)
	}
	defer release()

	current, err := s.ownedMessage(ctx, messageID, requesterID)
	if err != nil {
		return models.Message{}, err
	}

	msg, err = s.messages.UpdateMessageBody(ctx, messageID, newBody, s.now())
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, internalError(err)
	}

	edited := msg.Clone()
	s.sink.Publish(ctx, models.Event{
		Type:      models.EventMessageEdited,
		ChannelID: current.ChannelID,
		RequestID: requestID,
		Message:   &edited,
		MessageID: messageID,
	})
	return msg, nil
}

// Delete hard-deletes a message owned by requesterID.
func (s *Store) Delete(ctx context.Context, messageID, requesterID, requestID string) (err error) {
	ctx, _, done := s.begin(ctx, "delete", attribute.String("message.id", messageID))
	defer func() { done(err) }()

	channelID, err := s.deleteLocked(ctx, messageID, requesterID, requestID)
	if err != nil {
		return err
	}

	// The pointer is repaired under the channel slot so it cannot race an append.
	release, err := s.channelLocks.Lock(ctx, channelID)
	if err != nil {
		s.log.Warn("repair last message pointer", zap.String("channel_id", channelID), zap.Error(err))
		return nil
	}
	defer release()
	ch, err := s.channels.GetChannel(ctx, channelID)
	if err != nil {
		s.log.Warn("reload channel after delete", zap.String("channel_id", channelID), zap.Error(err))
		return nil
	}
	if ch.LastMessageID != messageID {
		return nil
	}
	latest := ""
	if m, err := s.messages.LatestMessage(ctx, channelID); err == nil {
		latest = m.ID
	} else if !errors.Is(err, repositories.ErrMessageNotFound) {
		s.log.Warn("load latest message", zap.String("channel_id", channelID), zap.Error(err))
		return nil
	}
	if err := s.channels.SetLastMessage(ctx, channelID, latest); err != nil {
		s.log.Warn("update last message pointer", zap.String("channel_id", channelID), zap.Error(err))
	}
	return nil
}

func (s *Store) deleteLocked(ctx context.Context, messageID, requesterID, requestID string) (string, error) {
	release, err := s.messageLocks.Lock(ctx, messageID)
	if err != nil {
		return "", lockTimeout(err)
	}
	defer release()

	current, err := s.ownedMessage(ctx, messageID, requesterID)
	if err != nil {
		return "", err
	}
	if err := s.messages.DeleteMessage(ctx, messageID); err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return "", ErrNotFound
		}
		return "", internalError(err)
	}

	s.sink.Publish(ctx, models.Event{
		Type:      models.EventMessageDeleted,
		ChannelID: current.ChannelID,
		RequestID: requestID,
		MessageID: messageID,
	})
	return current.ChannelID, nil
}

// React toggles the (emoji, user) reaction on a message and returns the delta.
func (s *Store) React(ctx context.Context, messageID, userID, emoji, requestID string) (delta models.ReactionDelta, err error) {
	ctx, _, done := s.begin(ctx, "react", attribute.String("message.id", messageID))
	defer func() { done(err) }()

	key, err := CanonicalEmoji(emoji)
	if err != nil {
		return models.ReactionDelta{}, err
	}

	release, err := s.messageLocks.Lock(ctx, messageID)
	if err != nil {
		return models.ReactionDelta{}, lockTimeout(err)
	}
	defer release()

	msg, err := s.messages.GetMessage(ctx, messageID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.ReactionDelta{}, ErrNotFound
	}
	if err != nil {
		return models.ReactionDelta{}, internalError(err)
	}
	if _, err := s.accessibleChannel(ctx, msg.ChannelID, userID); err != nil {
		return models.ReactionDelta{}, err
	}

	added, err := s.messages.ToggleReaction(ctx, messageID, key, userID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.ReactionDelta{}, ErrNotFound
	}
	if err != nil {
		return models.ReactionDelta{}, internalError(err)
	}

	delta = models.ReactionDelta{
		MessageID: messageID,
		ChannelID: msg.ChannelID,
		Emoji:     key,
		UserID:    userID,
		Added:     added,
	}
	published := delta
	s.sink.Publish(ctx, models.Event{
		Type:      models.EventReactionChanged,
		ChannelID: msg.ChannelID,
		RequestID: requestID,
		MessageID: messageID,
		Reaction:  &published,
	})
	return delta, nil
}

// ListSince returns messages strictly after cursor in id order, bounded by limit.
func (s *Store) ListSince(ctx context.Context, channelID, viewerID, cursor string, limit int) (msgs []models.Message, err error) {
	ctx, _, done := s.begin(ctx, "list_since", attribute.String("channel.id", channelID))
	defer func() { done(err) }()

	if _, err := s.accessibleChannel(ctx, channelID, viewerID); err != nil {
		return nil, err
	}
	msgs, err = s.messages.ListSince(ctx, channelID, cursor, clampLimit(limit))
	if err != nil {
		return nil, internalError(err)
	}
	models.SortMessages(msgs)
	return msgs, nil
}

// ListLatest returns the newest messages of a channel in id order, bounded by limit.
func (s *Store) ListLatest(ctx context.Context, channelID, viewerID string, limit int) (msgs []models.Message, err error) {
	ctx, _, done := s.begin(ctx, "list_latest", attribute.String("channel.id", channelID))
	defer func() { done(err) }()

	if _, err := s.accessibleChannel(ctx, channelID, viewerID); err != nil {
		return nil, err
	}
	msgs, err = s.messages.ListLatest(ctx, channelID, clampLimit(limit))
	if err != nil {
		return nil, internalError(err)
	}
	models.SortMessages(msgs)
	return msgs, nil
}

// SeedIDs raises the id floor to the newest persisted message so ids issued
// after a restart sort above everything already stored.
func (s *Store) SeedIDs(ctx context.Context) error {
	id, err := s.messages.MaxMessageID(ctx)
	if err != nil {
		return internalError(err)
	}
	s.ids.Seed(id)
	return nil
}

func (s *Store) validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > s.maxBodyRunes {
		return ErrBodyTooLong
	}
	return nil
}

func (s *Store) accessibleChannel(ctx context.Context, channelID, userID string) (models.Channel, error) {
	ch, err := s.channels.GetChannel(ctx, channelID)
	if errors.Is(err, repositories.ErrChannelNotFound) {
		return models.Channel{}, ErrUnknownChannel
	}
	if err != nil {
		return models.Channel{}, internalError(err)
	}
	if !ch.CanAccess(userID) {
		return models.Channel{}, ErrNotMember
	}
	return ch, nil
}

func (s *Store) ownedMessage(ctx context.Context, messageID, requesterID string) (models.Message, error) {
	msg, err := s.messages.GetMessage(ctx, messageID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, internalError(err)
	}
	if msg.SenderID != requesterID {
		return models.Message{}, ErrNotOwner
	}
	return msg, nil
}

// begin opens a span and returns a finisher that records metrics and logs
// internal failures. Expected outcomes (validation, auth, not found) are not logged.
func (s *Store) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "store."+op, trace.WithAttributes(attrs...))
	return ctx, span, func(err error) {
		result := "ok"
		if err != nil {
			kind := KindOf(err)
			result = string(kind)
			span.RecordError(err)
			if kind == KindInternal {
				span.SetStatus(codes.Error, err.Error())
				s.log.Error("store operation failed", zap.String("op", op), zap.Error(err))
			}
		}
		observability.ObserveStoreOp(op, result, time.Since(start))
		span.End()
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
