package client

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"teamchat/internal/models"
	"teamchat/internal/protocol"
)

// Input is anything the reducer consumes: local actions, server frames and clock ticks.
type Input interface{ isInput() }

// Send composes a new message. TempID must be unique per client.
type Send struct {
	ChannelID string
	Content   string
	ReplyTo   string
	TempID    string
	At        time.Time
}

type Edit struct {
	MessageID string
	Content   string
	RequestID string
	At        time.Time
}

type Delete struct {
	MessageID string
	RequestID string
	At        time.Time
}

// React toggles the local user's emoji on a message.
type React struct {
	MessageID string
	Emoji     string
	RequestID string
	At        time.Time
}

// Join subscribes to a channel and catches up from the newest message already
// known, or requests the channel's tail when nothing is known yet.
type Join struct{ ChannelID string }

// Focus makes a channel the visible one and marks it read.
type Focus struct{ ChannelID string }

// Resync requests a fresh snapshot of the newest messages of a channel.
type Resync struct{ ChannelID string }

type SetTyping struct {
	ChannelID string
	Typing    bool
}

// ServerEvent is an authoritative channel event.
type ServerEvent struct{ Event models.Event }

// History is a snapshot (Since empty) or catch-up page from the server.
// Latest marks a snapshot of the channel's newest messages.
type History struct {
	ChannelID string
	Since     string
	Latest    bool
	Messages  []models.Message
}

// Rejected is the server refusing an intent.
type Rejected struct {
	RequestID string
	Op        string
	Code      string
	Error     string
}

// Tick advances the clock; expired requests are rolled back.
type Tick struct{ Now time.Time }

func (Send) isInput()        {}
func (Edit) isInput()        {}
func (Delete) isInput()      {}
func (React) isInput()       {}
func (Join) isInput()        {}
func (Focus) isInput()       {}
func (Resync) isInput()      {}
func (SetTyping) isInput()   {}
func (ServerEvent) isInput() {}
func (History) isInput()     {}
func (Rejected) isInput()    {}
func (Tick) isInput()        {}

const (
	opEdit   = protocol.EventEditMessage
	opDelete = protocol.EventDeleteMessage
	opReact  = protocol.EventReact

	codeTimeout  = "timeout"
	codeNotFound = "not_found"
	snapshotMax  = 1000
)

type localAction struct {
	op        string
	messageID string
	requestID string
	content   string
	emoji     string
	at        time.Time
}

// Reduce applies one input and returns the next state. It is deterministic and
// leaves s untouched; outbound commands and notices accumulate on the result.
func Reduce(s State, in Input) State {
	s = s.clone()
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = DefaultRequestTimeout
	}
	switch in := in.(type) {
	case Send:
		s.advance(in.At)
		s.send(in)
	case Edit:
		s.advance(in.At)
		s.local(localAction{op: opEdit, messageID: in.MessageID, requestID: in.RequestID, content: in.Content, at: in.At})
	case Delete:
		s.advance(in.At)
		s.local(localAction{op: opDelete, messageID: in.MessageID, requestID: in.RequestID, at: in.At})
	case React:
		s.advance(in.At)
		s.local(localAction{op: opReact, messageID: in.MessageID, requestID: in.RequestID, emoji: in.Emoji, at: in.At})
	case Join:
		v := s.channel(in.ChannelID)
		s.emit(protocol.EventJoinRoom, protocol.JoinRoom{ChannelID: in.ChannelID})
		if cursor := v.newestConfirmed(); cursor != "" {
			s.emit(protocol.EventSync, protocol.Sync{ChannelID: in.ChannelID, Since: cursor, Limit: snapshotMax})
		} else {
			s.emit(protocol.EventSync, protocol.Sync{ChannelID: in.ChannelID, Latest: true, Limit: snapshotMax})
		}
	case Focus:
		s.focus(in.ChannelID)
	case Resync:
		s.channel(in.ChannelID)
		s.emit(protocol.EventSync, protocol.Sync{ChannelID: in.ChannelID, Latest: true, Limit: snapshotMax})
	case SetTyping:
		s.emit(protocol.EventTyping, protocol.Typing{ChannelID: in.ChannelID, Typing: in.Typing})
	case ServerEvent:
		s.apply(in.Event)
	case History:
		s.history(in)
	case Rejected:
		s.rejected(in)
	case Tick:
		s.advance(in.Now)
		s.expire(in.Now)
	}
	return s
}

// advance moves the reducer clock forward; it never goes back.
func (s *State) advance(now time.Time) {
	if now.After(s.clock) {
		s.clock = now
	}
}

func (s *State) send(in Send) {
	if strings.TrimSpace(in.Content) == "" {
		s.notify(Notice{RequestID: in.TempID, ChannelID: in.ChannelID, Op: protocol.EventSendMessage, Code: "empty_body", Text: "message body is empty"})
		return
	}
	v := s.channel(in.ChannelID)
	e := Entry{
		Status: StatusPending,
		TempID: in.TempID,
		Message: models.Message{
			ID:        in.TempID,
			ChannelID: in.ChannelID,
			SenderID:  s.UserID,
			Content:   in.Content,
			Kind:      models.KindText,
			ReplyTo:   in.ReplyTo,
			Timestamp: in.At,
		},
	}
	v.insert(e)
	v.sends[in.TempID] = &pendingSend{deadline: in.At.Add(s.RequestTimeout), message: e.Message.Clone()}
	s.emit(protocol.EventSendMessage, protocol.SendMessage{
		SenderID:  s.UserID,
		ChannelID: in.ChannelID,
		Content:   in.Content,
		Timestamp: in.At,
		ReplyTo:   in.ReplyTo,
		ClientID:  in.TempID,
	})
}

// local applies an edit, delete or react. Intents against a pending message
// are applied optimistically and held until the send is confirmed.
func (s *State) local(a localAction) {
	v, i := s.locate(a.messageID)
	if v == nil {
		s.notify(Notice{RequestID: a.requestID, MessageID: a.messageID, Op: a.op, Code: "not_found", Text: "message not found"})
		return
	}
	e := v.Entries[i]
	if a.op != opReact && e.Message.SenderID != s.UserID {
		s.notify(Notice{RequestID: a.requestID, ChannelID: v.ID, MessageID: a.messageID, Op: a.op, Code: "not_owner", Text: "only the sender may change this message"})
		return
	}
	if e.Status == StatusPending {
		s.applyLocal(v, i, a)
		send := v.sends[e.TempID]
		send.queued = append(send.queued, a)
		return
	}
	s.issue(v, i, a)
}

// issue applies a against a confirmed entry and sends it.
func (s *State) issue(v *ChannelView, i int, a localAction) {
	f := s.applyLocal(v, i, a)
	v.inflight[a.requestID] = f
	switch a.op {
	case opEdit:
		s.emit(opEdit, protocol.EditMessage{MessageID: f.messageID, Content: a.content, RequestID: a.requestID})
	case opDelete:
		s.emit(opDelete, protocol.DeleteMessage{MessageID: f.messageID, RequestID: a.requestID})
	case opReact:
		s.emit(opReact, protocol.React{MessageID: f.messageID, Emoji: a.emoji, RequestID: a.requestID})
	}
}

func (s *State) applyLocal(v *ChannelView, i int, a localAction) *inflight {
	e := &v.Entries[i]
	f := &inflight{op: a.op, messageID: e.Message.ID, deadline: a.at.Add(s.RequestTimeout), before: e.Message.Clone()}
	switch a.op {
	case opEdit:
		at := a.at
		e.Message.Content = a.content
		e.Message.Edited = true
		e.Message.EditedAt = &at
	case opDelete:
		v.Entries = append(v.Entries[:i], v.Entries[i+1:]...)
	case opReact:
		present := !e.Message.HasReaction(a.emoji, s.UserID)
		e.Message.SetReaction(a.emoji, s.UserID, present)
		f.emoji, f.added = a.emoji, present
	}
	return f
}

func (s *State) focus(channelID string) {
	s.Focused = channelID
	v := s.channel(channelID)
	v.Unread = 0
	s.emit(protocol.EventJoinRoom, protocol.JoinRoom{ChannelID: channelID, Focus: true})
	s.emit(protocol.EventMarkRead, protocol.MarkRead{ChannelID: channelID})
}

func (s *State) apply(ev models.Event) {
	switch ev.Type {
	case models.EventMessageCreated:
		if ev.Message != nil {
			s.created(ev.Message.Clone(), ev.RequestID)
		}
	case models.EventMessageEdited:
		s.edited(ev)
	case models.EventMessageDeleted:
		s.deleted(ev)
	case models.EventReactionChanged:
		s.reacted(ev)
	case models.EventTypingChanged:
		if ev.Typing == nil || ev.Typing.UserID == s.UserID {
			return
		}
		v := s.channel(ev.ChannelID)
		if ev.Typing.Typing {
			v.Typing[ev.Typing.UserID] = true
		} else {
			delete(v.Typing, ev.Typing.UserID)
		}
	case models.EventReadStateChanged:
		if ev.ReadState == nil || ev.ReadState.UserID != s.UserID {
			return
		}
		v := s.channel(ev.ChannelID)
		v.LastReadID = ev.ReadState.LastReadID
		v.Unread = ev.ReadState.Unread
	}
}

func (s *State) created(msg models.Message, clientID string) {
	v := s.channel(msg.ChannelID)
	if clientID != "" {
		if send, ok := v.sends[clientID]; ok {
			s.confirm(v, clientID, send, msg)
			return
		}
	} else if tempID, send, ok := s.matchPending(v, msg); ok {
		s.confirm(v, tempID, send, msg)
		return
	}
	isNew := v.upsert(Entry{Message: msg, Status: StatusConfirmed})
	if isNew && msg.SenderID != s.UserID && msg.ChannelID != s.Focused {
		v.Unread++
	}
	delete(v.Typing, msg.SenderID)
	s.replayParked(v, msg.ID)
}

// confirm swaps a pending entry for its server copy and sends the intents
// queued against it. Their deadlines start when they are sent.
func (s *State) confirm(v *ChannelView, tempID string, send *pendingSend, msg models.Message) {
	delete(v.sends, tempID)
	v.remove(tempID)
	v.upsert(Entry{Message: msg, Status: StatusConfirmed, TempID: tempID})
	s.replayParked(v, msg.ID)
	issuedAt := s.clock
	if msg.Timestamp.After(issuedAt) {
		issuedAt = msg.Timestamp
	}
	for _, a := range send.queued {
		a.messageID = msg.ID
		if issuedAt.After(a.at) {
			a.at = issuedAt
		}
		i := v.indexOf(msg.ID)
		if i < 0 {
			break
		}
		s.issue(v, i, a)
	}
}

// settle clears the in-flight record a server event answers.
func (s *State) settle(v *ChannelView, requestID string) *inflight {
	if requestID == "" {
		return nil
	}
	f, ok := v.inflight[requestID]
	if !ok {
		return nil
	}
	delete(v.inflight, requestID)
	return f
}

func (s *State) edited(ev models.Event) {
	v := s.channel(ev.ChannelID)
	s.settle(v, ev.RequestID)
	i := v.indexOf(ev.MessageID)
	if i < 0 || ev.Message == nil {
		s.park(v, ev)
		return
	}
	e := &v.Entries[i]
	e.Message.Content = ev.Message.Content
	e.Message.Edited = ev.Message.Edited
	e.Message.EditedAt = ev.Message.Clone().EditedAt
}

func (s *State) deleted(ev models.Event) {
	v := s.channel(ev.ChannelID)
	f := s.settle(v, ev.RequestID)
	if _, ok := v.remove(ev.MessageID); !ok && f == nil {
		s.park(v, ev)
	}
}

func (s *State) reacted(ev models.Event) {
	if ev.Reaction == nil {
		return
	}
	v := s.channel(ev.ChannelID)
	f := s.settle(v, ev.RequestID)
	i := v.indexOf(ev.MessageID)
	if i < 0 {
		s.park(v, ev)
		return
	}
	e := &v.Entries[i]
	// The server canonicalizes emoji, so the optimistic record may differ.
	if f != nil && f.emoji != ev.Reaction.Emoji {
		e.Message.SetReaction(f.emoji, s.UserID, false)
	}
	e.Message.SetReaction(ev.Reaction.Emoji, ev.Reaction.UserID, ev.Reaction.Added)
}

func (s *State) park(v *ChannelView, ev models.Event) {
	v.parked[ev.MessageID] = append(v.parked[ev.MessageID], ev)
}

func (s *State) replayParked(v *ChannelView, messageID string) {
	evs, ok := v.parked[messageID]
	if !ok {
		return
	}
	delete(v.parked, messageID)
	for _, ev := range evs {
		s.apply(ev)
	}
}

func (s *State) history(in History) {
	v := s.channel(in.ChannelID)
	if in.Since == "" {
		v.Entries = lo.Filter(v.Entries, func(e Entry, _ int) bool {
			return e.Status == StatusPending || !snapshotCovers(in, e.Message.ID)
		})
	}
	for _, m := range in.Messages {
		msg := m.Clone()
		if tempID, send, ok := s.matchPending(v, msg); ok {
			s.confirm(v, tempID, send, msg)
			continue
		}
		v.upsert(Entry{Message: msg, Status: StatusConfirmed})
	}
	for _, id := range sortedKeys(v.parked) {
		if v.indexOf(id) >= 0 {
			s.replayParked(v, id)
		}
	}
	// A full catch-up page means more messages follow.
	if in.Since != "" && len(in.Messages) >= snapshotMax {
		s.emit(protocol.EventSync, protocol.Sync{ChannelID: in.ChannelID, Since: in.Messages[len(in.Messages)-1].ID, Limit: snapshotMax})
		return
	}
	v.parked = make(map[string][]models.Event)
}

// snapshotCovers reports whether a snapshot reply is authoritative for id. A
// short reply holds the whole channel. A full tail reply covers its oldest
// id onwards and a full head reply covers up to its newest id.
func snapshotCovers(in History, id string) bool {
	n := len(in.Messages)
	switch {
	case n < snapshotMax:
		return true
	case in.Latest:
		return id >= in.Messages[0].ID
	default:
		return id <= in.Messages[n-1].ID
	}
}

// matchPending pairs a snapshot message with a pending send whose confirmation
// was lost: same sender and body, committed within one request timeout.
func (s *State) matchPending(v *ChannelView, msg models.Message) (string, *pendingSend, bool) {
	if msg.SenderID != s.UserID || v.indexOf(msg.ID) >= 0 {
		return "", nil, false
	}
	for _, e := range v.Entries {
		if e.Status != StatusPending || e.Message.Content != msg.Content {
			continue
		}
		skew := msg.Timestamp.Sub(e.Message.Timestamp)
		if skew < 0 {
			skew = -skew
		}
		if skew <= s.RequestTimeout {
			return e.TempID, v.sends[e.TempID], true
		}
	}
	return "", nil, false
}

func (s *State) rejected(in Rejected) {
	for _, id := range sortedKeys(s.Channels) {
		v := s.Channels[id]
		if _, ok := v.sends[in.RequestID]; ok {
			s.dropSend(v, in.RequestID, in.Code, in.Error)
			return
		}
		if f, ok := v.inflight[in.RequestID]; ok {
			delete(v.inflight, in.RequestID)
			if f.op == opDelete && in.Code == codeNotFound {
				// Someone else deleted it first; the local removal already matches.
				delete(v.parked, f.messageID)
				return
			}
			s.rollback(v, f)
			s.notify(Notice{RequestID: in.RequestID, ChannelID: v.ID, MessageID: f.messageID, Op: f.op, Code: in.Code, Text: in.Error})
			return
		}
	}
	s.notify(Notice{RequestID: in.RequestID, Op: in.Op, Code: in.Code, Text: in.Error})
}

// dropSend removes a pending entry and every intent queued on it.
func (s *State) dropSend(v *ChannelView, tempID, code, text string) {
	send := v.sends[tempID]
	delete(v.sends, tempID)
	e, ok := v.remove(tempID)
	if !ok {
		e = Entry{Message: send.message, TempID: tempID}
	}
	e.Status = StatusRejected
	s.notify(Notice{RequestID: tempID, ChannelID: v.ID, MessageID: tempID, Op: protocol.EventSendMessage, Code: code, Text: text, Rejected: &e})
	for _, a := range send.queued {
		s.notify(Notice{RequestID: a.requestID, ChannelID: v.ID, MessageID: tempID, Op: a.op, Code: code, Text: "dropped with unsent message"})
	}
}

func (s *State) rollback(v *ChannelView, f *inflight) {
	i := v.indexOf(f.messageID)
	switch f.op {
	case opEdit:
		if i >= 0 {
			e := &v.Entries[i]
			e.Message.Content = f.before.Content
			e.Message.Edited = f.before.Edited
			e.Message.EditedAt = f.before.EditedAt
		}
	case opDelete:
		if i < 0 {
			v.insert(Entry{Message: f.before, Status: StatusConfirmed})
			s.replayParked(v, f.messageID)
		}
	case opReact:
		if i >= 0 {
			v.Entries[i].Message.SetReaction(f.emoji, s.UserID, !f.added)
		}
	}
}

func (s *State) expire(now time.Time) {
	for _, id := range sortedKeys(s.Channels) {
		v := s.Channels[id]
		for _, tempID := range sortedKeys(v.sends) {
			if !now.Before(v.sends[tempID].deadline) {
				s.dropSend(v, tempID, codeTimeout, "message not sent")
			}
		}
		for _, requestID := range sortedKeys(v.inflight) {
			f := v.inflight[requestID]
			if now.Before(f.deadline) {
				continue
			}
			delete(v.inflight, requestID)
			s.rollback(v, f)
			s.notify(Notice{RequestID: requestID, ChannelID: v.ID, MessageID: f.messageID, Op: f.op, Code: codeTimeout, Text: "request timed out"})
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

// FromEnvelope turns a server frame into a reducer input. It reports false for
// frames the reducer does not consume.
func FromEnvelope(env protocol.Envelope) (Input, bool, error) {
	switch env.Event {
	case protocol.EventHistory:
		var p protocol.History
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, true, err
		}
		return History{ChannelID: p.ChannelID, Since: p.Since, Latest: p.Latest, Messages: p.Messages}, true, nil
	case protocol.EventRequestRejected:
		var p protocol.RequestRejected
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, true, err
		}
		return Rejected{RequestID: p.RequestID, Op: p.Op, Code: p.Code, Error: p.Error}, true, nil
	}
	ev, ok, err := protocol.DecodeEvent(env)
	if !ok || err != nil {
		return nil, ok, err
	}
	return ServerEvent{Event: ev}, true, nil
}
