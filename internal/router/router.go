// Package router fans committed channel events out to subscribed sessions.
package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"teamchat/internal/models"
	"teamchat/internal/observability"
	"teamchat/internal/protocol"
)

const (
	DefaultTypingTTL     = 5 * time.Second
	defaultSweepInterval = time.Second

	ReasonSlowConsumer = "slow_consumer"
)

// Session is a connected client as seen by the router.
type Session interface {
	ID() string
	UserID() string
	// Enqueue hands a frame to the session's outbound queue without blocking.
	// It reports false when the queue is full or closed.
	Enqueue(frame []byte) bool
	// Close tears the session down asynchronously.
	Close(reason string)
}

// Membership is the subset of the registry the router needs.
type Membership interface {
	SessionsFor(channelID string) []string
	DropSession(sessionID string)
}

// Options tunes a Router. Zero values fall back to defaults.
type Options struct {
	TypingTTL     time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

// Router owns the session directory, per-channel ordering and typing state.
type Router struct {
	members Membership
	log     *zap.Logger

	typingTTL     time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu       sync.RWMutex
	sessions map[string]Session
	byUser   map[string]map[string]Session

	channelsMu sync.Mutex
	channels   map[string]*channelState

	typingMu sync.Mutex
	typing   map[typingKey]time.Time
}

type channelState struct {
	mu  sync.Mutex
	seq uint64
}

type typingKey struct {
	channelID string
	userID    string
}

// New constructs a Router over the given membership registry.
func New(members Membership, log *zap.Logger, opts Options) *Router {
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		members:       members,
		log:           log,
		typingTTL:     opts.TypingTTL,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		sessions:      make(map[string]Session),
		byUser:        make(map[string]map[string]Session),
		channels:      make(map[string]*channelState),
		typing:        make(map[typingKey]time.Time),
	}
}

// Attach adds a session to the directory.
func (r *Router) Attach(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
	userSessions, ok := r.byUser[s.UserID()]
	if !ok {
		userSessions = make(map[string]Session)
		r.byUser[s.UserID()] = userSessions
	}
	userSessions[s.ID()] = s
}

// Detach removes a session and all of its subscriptions. It is idempotent.
func (r *Router) Detach(sessionID string) {
	r.mu.Lock()
	if s, ok := r.sessions[sessionID]; ok {
		delete(r.sessions, sessionID)
		if userSessions := r.byUser[s.UserID()]; userSessions != nil {
			delete(userSessions, sessionID)
			if len(userSessions) == 0 {
				delete(r.byUser, s.UserID())
			}
		}
	}
	r.mu.Unlock()
	r.members.DropSession(sessionID)
}

// Session looks up an attached session.
func (r *Router) Session(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// SessionCount reports the number of attached sessions.
func (r *Router) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every attached session with reason. Sessions detach
// themselves as their read loops exit.
func (r *Router) CloseAll(reason string) {
	r.mu.RLock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		s.Close(reason)
	}
}

func (r *Router) channel(channelID string) *channelState {
	r.channelsMu.Lock()
	defer r.channelsMu.Unlock()
	cs, ok := r.channels[channelID]
	if !ok {
		cs = &channelState{}
		r.channels[channelID] = cs
	}
	return cs
}

// Publish stamps ev with the next channel sequence number, encodes it once and
// enqueues it to its audience. Events of one channel are delivered in the order
// Publish is called.
func (r *Router) Publish(ctx context.Context, ev models.Event) {
	cs := r.channel(ev.ChannelID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.seq++
	ev.Seq = cs.seq

	frame, err := protocol.EncodeEvent(ev)
	if err != nil {
		r.log.Error("encode event", zap.String("channel_id", ev.ChannelID), zap.String("event", string(ev.Type)), zap.Error(err))
		return
	}

	var slow []Session
	delivered := 0
	for _, s := range r.audience(ev) {
		if s.Enqueue(frame) {
			delivered++
			continue
		}
		slow = append(slow, s)
	}
	observability.IncBroadcastEvent(string(ev.Type))
	observability.AddBroadcastDeliveries(delivered)

	for _, s := range slow {
		r.log.Warn("dropping slow session",
			zap.String("session_id", s.ID()),
			zap.String("user_id", s.UserID()),
			zap.String("channel_id", ev.ChannelID))
		observability.IncDroppedSession(ReasonSlowConsumer)
		r.Detach(s.ID())
		s.Close(ReasonSlowConsumer)
	}
}

func (r *Router) audience(ev models.Event) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ev.OnlyUser != "" {
		out := make([]Session, 0, len(r.byUser[ev.OnlyUser]))
		for _, s := range r.byUser[ev.OnlyUser] {
			out = append(out, s)
		}
		return out
	}
	ids := r.members.SessionsFor(ev.ChannelID)
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// SetTyping records or clears a typing indicator and publishes typing.changed
// when the visible state changes. Refreshing an active indicator extends it silently.
func (r *Router) SetTyping(ctx context.Context, channelID, userID string, typing bool) {
	key := typingKey{channelID: channelID, userID: userID}

	// events are emitted under typingMu in the order the map changes
	r.typingMu.Lock()
	defer r.typingMu.Unlock()
	_, active := r.typing[key]
	if typing {
		r.typing[key] = r.now().Add(r.typingTTL)
	} else {
		delete(r.typing, key)
	}
	if typing != active {
		r.publishTyping(ctx, channelID, userID, typing)
	}
}

// IsTyping reports whether userID has an unexpired indicator in channelID.
func (r *Router) IsTyping(channelID, userID string) bool {
	r.typingMu.Lock()
	defer r.typingMu.Unlock()
	expiry, ok := r.typing[typingKey{channelID: channelID, userID: userID}]
	return ok && r.now().Before(expiry)
}

// ClearTyping drops every indicator held by userID, e.g. on disconnect.
func (r *Router) ClearTyping(ctx context.Context, userID string) {
	r.typingMu.Lock()
	defer r.typingMu.Unlock()
	for key := range r.typing {
		if key.userID == userID {
			delete(r.typing, key)
			r.publishTyping(ctx, key.channelID, key.userID, false)
		}
	}
}

// Run sweeps expired typing indicators until ctx is done.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepTyping(ctx)
		}
	}
}

// SweepTyping expires lapsed indicators and emits typing=false for each.
func (r *Router) SweepTyping(ctx context.Context) {
	now := r.now()
	r.typingMu.Lock()
	defer r.typingMu.Unlock()
	for key, expiry := range r.typing {
		if !now.Before(expiry) {
			delete(r.typing, key)
			r.publishTyping(ctx, key.channelID, key.userID, false)
		}
	}
}

func (r *Router) publishTyping(ctx context.Context, channelID, userID string, typing bool) {
	r.Publish(ctx, models.Event{
		Type:      models.EventTypingChanged,
		ChannelID: channelID,
		Typing:    &models.TypingState{ChannelID: channelID, UserID: userID, Typing: typing},
	})
}
