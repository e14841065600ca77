// Package client keeps one user's optimistic view of their channels and merges
// it with the authoritative events the server broadcasts.
package client

import (
	"sort"
	"time"

	"teamchat/internal/models"
)

// DefaultRequestTimeout bounds how long an intent may wait for the server.
const DefaultRequestTimeout = 10 * time.Second

// Status is the lifecycle of a locally displayed message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

// Entry is one message in a channel view. While pending, Message.ID holds the
// client temp id and Message.Timestamp the client send time.
type Entry struct {
	Message models.Message
	Status  Status
	TempID  string
}

// orderKey places pending entries by client time and confirmed entries by the
// nanosecond value their server id encodes.
func orderKey(e Entry) int64 {
	if e.Status == StatusConfirmed {
		if n, ok := models.ParseMessageID(e.Message.ID); ok {
			return n
		}
	}
	return e.Message.Timestamp.UnixNano()
}

// entryLess is the only ordering used for channel views.
func entryLess(a, b Entry) bool {
	ka, kb := orderKey(a), orderKey(b)
	if ka != kb {
		return ka < kb
	}
	if a.Status != b.Status {
		return a.Status == StatusConfirmed
	}
	return a.Message.ID < b.Message.ID
}

// Command is an outbound intent for the transport.
type Command struct {
	Event   string
	Payload any
}

// Notice is a user-visible outcome, usually a failure.
type Notice struct {
	RequestID string
	ChannelID string
	MessageID string
	Op        string
	Code      string
	Text      string

	// Rejected is the removed entry when a send failed.
	Rejected *Entry
}

// pendingSend tracks a send awaiting confirmation and the local intents
// issued against it in the meantime.
type pendingSend struct {
	deadline time.Time
	message  models.Message
	queued   []localAction
}

// inflight is an optimistic mutation of a confirmed message awaiting the server.
type inflight struct {
	op        string
	messageID string
	deadline  time.Time

	// rollback data
	before models.Message
	emoji  string
	added  bool
}

// ChannelView is the local state of one channel.
type ChannelView struct {
	ID         string
	Entries    []Entry
	Unread     int
	LastReadID string
	Typing     map[string]bool

	sends    map[string]*pendingSend
	inflight map[string]*inflight
	parked   map[string][]models.Event
}

func newChannelView(id string) *ChannelView {
	return &ChannelView{
		ID:       id,
		Typing:   make(map[string]bool),
		sends:    make(map[string]*pendingSend),
		inflight: make(map[string]*inflight),
		parked:   make(map[string][]models.Event),
	}
}

func (v *ChannelView) clone() *ChannelView {
	out := &ChannelView{
		ID:         v.ID,
		Entries:    make([]Entry, len(v.Entries)),
		Unread:     v.Unread,
		LastReadID: v.LastReadID,
		Typing:     make(map[string]bool, len(v.Typing)),
		sends:      make(map[string]*pendingSend, len(v.sends)),
		inflight:   make(map[string]*inflight, len(v.inflight)),
		parked:     make(map[string][]models.Event, len(v.parked)),
	}
	for i, e := range v.Entries {
		e.Message = e.Message.Clone()
		out.Entries[i] = e
	}
	for k, t := range v.Typing {
		out.Typing[k] = t
	}
	for k, s := range v.sends {
		cp := *s
		cp.message = s.message.Clone()
		cp.queued = append([]localAction(nil), s.queued...)
		out.sends[k] = &cp
	}
	for k, f := range v.inflight {
		cp := *f
		cp.before = f.before.Clone()
		out.inflight[k] = &cp
	}
	for k, evs := range v.parked {
		out.parked[k] = append([]models.Event(nil), evs...)
	}
	return out
}

func (v *ChannelView) indexOf(id string) int {
	for i, e := range v.Entries {
		if e.Message.ID == id {
			return i
		}
	}
	return -1
}

// Find returns the entry with the given server or temp id.
func (v *ChannelView) Find(id string) (Entry, bool) {
	if i := v.indexOf(id); i >= 0 {
		return v.Entries[i], true
	}
	return Entry{}, false
}

func (v *ChannelView) insert(e Entry) {
	i := sort.Search(len(v.Entries), func(i int) bool { return entryLess(e, v.Entries[i]) })
	v.Entries = append(v.Entries, Entry{})
	copy(v.Entries[i+1:], v.Entries[i:])
	v.Entries[i] = e
}

func (v *ChannelView) remove(id string) (Entry, bool) {
	i := v.indexOf(id)
	if i < 0 {
		return Entry{}, false
	}
	e := v.Entries[i]
	v.Entries = append(v.Entries[:i], v.Entries[i+1:]...)
	return e, true
}

// newestConfirmed returns the highest server id in the view, or "".
func (v *ChannelView) newestConfirmed() string {
	newest := ""
	for _, e := range v.Entries {
		if e.Status == StatusConfirmed && e.Message.ID > newest {
			newest = e.Message.ID
		}
	}
	return newest
}

// upsert replaces an entry in place or inserts it; it reports whether it was new.
func (v *ChannelView) upsert(e Entry) bool {
	if i := v.indexOf(e.Message.ID); i >= 0 {
		v.Entries[i] = e
		return false
	}
	v.insert(e)
	return true
}

// State is everything a client knows. Reduce never mutates its input.
type State struct {
	UserID         string
	Focused        string
	RequestTimeout time.Duration
	Channels       map[string]*ChannelView

	// clock is the latest time seen on an action or tick.
	clock time.Time

	// Notices and Outbox accumulate until the runtime drains them.
	Notices []Notice
	Outbox  []Command
}

// NewState returns an empty state for userID.
func NewState(userID string) State {
	return State{
		UserID:         userID,
		RequestTimeout: DefaultRequestTimeout,
		Channels:       make(map[string]*ChannelView),
	}
}

func (s State) clone() State {
	out := s
	out.Channels = make(map[string]*ChannelView, len(s.Channels))
	for id, v := range s.Channels {
		out.Channels[id] = v.clone()
	}
	out.Notices = append([]Notice(nil), s.Notices...)
	out.Outbox = append([]Command(nil), s.Outbox...)
	return out
}

// Channel returns the view for id, if any.
func (s State) Channel(id string) (*ChannelView, bool) {
	v, ok := s.Channels[id]
	return v, ok
}

func (s *State) channel(id string) *ChannelView {
	v, ok := s.Channels[id]
	if !ok {
		v = newChannelView(id)
		s.Channels[id] = v
	}
	return v
}

// locate finds the channel holding a message by server or temp id.
func (s *State) locate(messageID string) (*ChannelView, int) {
	for _, v := range s.Channels {
		if i := v.indexOf(messageID); i >= 0 {
			return v, i
		}
	}
	return nil, -1
}

func (s *State) notify(n Notice) { s.Notices = append(s.Notices, n) }

func (s *State) emit(event string, payload any) {
	s.Outbox = append(s.Outbox, Command{Event: event, Payload: payload})
}

// Drain returns the state without its pending notices and commands, plus those
// notices and commands.
func (s State) Drain() (State, []Notice, []Command) {
	notices, cmds := s.Notices, s.Outbox
	s.Notices, s.Outbox = nil, nil
	return s, notices, cmds
}
