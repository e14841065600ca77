package ws

import (
	"context"

	"go.uber.org/zap"

	"teamchat/internal/observability"
	"teamchat/internal/protocol"
	"teamchat/internal/router"
	"teamchat/internal/store"
)

// dispatch handles one inbound frame. It blocks only on this session's store calls.
func (h *Handler) dispatch(s *Session, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		h.reject(s, "", "unknown", errInvalidFrame)
		return
	}
	if !s.limiter.Allow() {
		h.reject(s, "", env.Event, errRateLimited)
		return
	}
	observability.IncWSEvent("in", inboundLabel(env.Event))

	ctx, cancel := context.WithTimeout(s.Context(), h.opts.StoreTimeout)
	defer cancel()

	switch env.Event {
	case protocol.EventJoinRoom:
		h.joinRoom(ctx, s, env)
	case protocol.EventLeaveRoom:
		p, err := decodePayload[protocol.LeaveRoom](h.validate, env)
		if err != nil {
			h.reject(s, "", env.Event, err)
			return
		}
		h.registry.Unsubscribe(s.ID(), p.ChannelID)
	case protocol.EventSendMessage:
		h.sendMessage(ctx, s, env)
	case protocol.EventEditMessage:
		p, err := decodePayload[protocol.EditMessage](h.validate, env)
		if err != nil {
			h.reject(s, requestIDOf(env), env.Event, err)
			return
		}
		if _, err := h.store.Edit(ctx, p.MessageID, s.UserID(), p.Content, p.RequestID); err != nil {
			h.reject(s, p.RequestID, env.Event, err)
		}
	case protocol.EventDeleteMessage:
		p, err := decodePayload[protocol.DeleteMessage](h.validate, env)
		if err != nil {
			h.reject(s, requestIDOf(env), env.Event, err)
			return
		}
		if err := h.store.Delete(ctx, p.MessageID, s.UserID(), p.RequestID); err != nil {
			h.reject(s, p.RequestID, env.Event, err)
		}
	case protocol.EventReact:
		p, err := decodePayload[protocol.React](h.validate, env)
		if err != nil {
			h.reject(s, requestIDOf(env), env.Event, err)
			return
		}
		if _, err := h.store.React(ctx, p.MessageID, s.UserID(), p.Emoji, p.RequestID); err != nil {
			h.reject(s, p.RequestID, env.Event, err)
		}
	case protocol.EventTyping:
		p, err := decodePayload[protocol.Typing](h.validate, env)
		if err != nil {
			h.reject(s, "", env.Event, err)
			return
		}
		if _, err := h.store.GetChannel(ctx, p.ChannelID, s.UserID()); err != nil {
			h.reject(s, "", env.Event, err)
			return
		}
		h.router.SetTyping(ctx, p.ChannelID, s.UserID(), p.Typing)
	case protocol.EventMarkRead:
		p, err := decodePayload[protocol.MarkRead](h.validate, env)
		if err != nil {
			h.reject(s, "", env.Event, err)
			return
		}
		if _, err := h.store.MarkRead(ctx, p.ChannelID, s.UserID(), p.MessageID); err != nil {
			h.reject(s, "", env.Event, err)
		}
	case protocol.EventSync:
		h.sync(ctx, s, env)
	default:
		h.reject(s, "", env.Event, errUnknownEvent)
	}
}

func (h *Handler) joinRoom(ctx context.Context, s *Session, env protocol.Envelope) {
	p, err := decodePayload[protocol.JoinRoom](h.validate, env)
	if err != nil {
		h.reject(s, "", env.Event, err)
		return
	}
	if _, err := h.store.GetChannel(ctx, p.ChannelID, s.UserID()); err != nil {
		h.reject(s, "", env.Event, err)
		return
	}
	h.registry.Subscribe(s.ID(), p.ChannelID)
	if p.Focus {
		h.registry.Focus(s.ID(), p.ChannelID)
	}
}

func (h *Handler) sendMessage(ctx context.Context, s *Session, env protocol.Envelope) {
	p, err := decodePayload[protocol.SendMessage](h.validate, env)
	if err != nil {
		h.reject(s, requestIDOf(env), env.Event, err)
		return
	}
	if p.SenderID != "" && p.SenderID != s.UserID() {
		h.reject(s, p.ClientID, env.Event, errSenderMismatch)
		return
	}
	// Subscribe before appending so the sender's own session receives the confirmation.
	if _, err := h.store.GetChannel(ctx, p.ChannelID, s.UserID()); err != nil {
		h.reject(s, p.ClientID, env.Event, err)
		return
	}
	h.registry.Subscribe(s.ID(), p.ChannelID)

	_, err = h.store.Append(ctx, store.AppendRequest{
		ChannelID:   p.ChannelID,
		SenderID:    s.UserID(),
		Body:        p.Content,
		ReplyTo:     p.ReplyTo,
		Kind:        p.Kind,
		Attachments: p.Attachments,
		RequestID:   p.ClientID,
	})
	if err != nil {
		h.reject(s, p.ClientID, env.Event, err)
		return
	}
	h.router.SetTyping(ctx, p.ChannelID, s.UserID(), false)
}

func (h *Handler) sync(ctx context.Context, s *Session, env protocol.Envelope) {
	p, err := decodePayload[protocol.Sync](h.validate, env)
	if err != nil {
		h.reject(s, "", env.Event, err)
		return
	}
	if _, err := h.store.GetChannel(ctx, p.ChannelID, s.UserID()); err != nil {
		h.reject(s, "", env.Event, err)
		return
	}
	// Subscribing first means nothing committed during the read is missed;
	// the client drops duplicates by id.
	h.registry.Subscribe(s.ID(), p.ChannelID)
	reply := protocol.History{ChannelID: p.ChannelID, Since: p.Since, Latest: p.Latest}
	if p.Latest {
		reply.Since = ""
		reply.Messages, err = h.store.ListLatest(ctx, p.ChannelID, s.UserID(), p.Limit)
	} else {
		reply.Messages, err = h.store.ListSince(ctx, p.ChannelID, s.UserID(), p.Since, p.Limit)
	}
	if err != nil {
		h.reject(s, "", env.Event, err)
		return
	}
	frame, err := protocol.Encode(protocol.EventHistory, reply)
	if err != nil {
		s.log.Error("encode history", zap.Error(err))
		return
	}
	h.enqueue(s, frame)
}

func (h *Handler) reject(s *Session, requestID, op string, err error) {
	if store.KindOf(err) == store.KindInternal {
		s.log.Warn("request failed", zap.String("op", op), zap.Error(err))
	}
	observability.IncWSEvent("out", protocol.EventRequestRejected)
	frame, encErr := rejection(requestID, op, err)
	if encErr != nil {
		s.log.Error("encode rejection", zap.Error(encErr))
		return
	}
	h.enqueue(s, frame)
}

func (h *Handler) enqueue(s *Session, frame []byte) {
	if !s.Enqueue(frame) {
		h.router.Detach(s.ID())
		observability.IncDroppedSession(router.ReasonSlowConsumer)
		s.Close(router.ReasonSlowConsumer)
	}
}
