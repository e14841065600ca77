// Package registry tracks which sessions are subscribed to which channels.
package registry

import "sync"

// Registry maps channels to subscribed sessions. Each channel's member set has
// its own lock; the channel index and the per-session reverse index have their own.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*room

	sessionsMu sync.Mutex
	sessions   map[string]*sessionState
}

type room struct {
	mu      sync.RWMutex
	members map[string]struct{}
	// dead is set once the room is unlinked from the index.
	dead bool
}

type sessionState struct {
	channels map[string]struct{}
	focused  string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		channels: make(map[string]*room),
		sessions: make(map[string]*sessionState),
	}
}

func (r *Registry) room(channelID string, create bool) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.channels[channelID]
	if !ok && create {
		rm = &room{members: make(map[string]struct{})}
		r.channels[channelID] = rm
	}
	return rm
}

// Subscribe adds sessionID to channelID. Repeated calls are no-ops.
func (r *Registry) Subscribe(sessionID, channelID string) {
	for {
		rm := r.room(channelID, true)
		rm.mu.Lock()
		if rm.dead {
			rm.mu.Unlock()
			continue
		}
		rm.members[sessionID] = struct{}{}
		rm.mu.Unlock()
		break
	}

	r.sessionsMu.Lock()
	st, ok := r.sessions[sessionID]
	if !ok {
		st = &sessionState{channels: make(map[string]struct{})}
		r.sessions[sessionID] = st
	}
	st.channels[channelID] = struct{}{}
	r.sessionsMu.Unlock()
}

// Unsubscribe removes sessionID from channelID. Unknown pairs are ignored.
func (r *Registry) Unsubscribe(sessionID, channelID string) {
	r.removeMember(sessionID, channelID)

	r.sessionsMu.Lock()
	if st, ok := r.sessions[sessionID]; ok {
		delete(st.channels, channelID)
		if st.focused == channelID {
			st.focused = ""
		}
		if len(st.channels) == 0 && st.focused == "" {
			delete(r.sessions, sessionID)
		}
	}
	r.sessionsMu.Unlock()
}

func (r *Registry) removeMember(sessionID, channelID string) {
	rm := r.room(channelID, false)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	delete(rm.members, sessionID)
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		r.mu.Lock()
		// re-check under the index lock; a concurrent Subscribe may have refilled it
		rm.mu.Lock()
		if len(rm.members) == 0 && r.channels[channelID] == rm {
			rm.dead = true
			delete(r.channels, channelID)
		}
		rm.mu.Unlock()
		r.mu.Unlock()
	}
}

// SessionsFor returns a snapshot of the sessions subscribed to channelID.
func (r *Registry) SessionsFor(channelID string) []string {
	rm := r.room(channelID, false)
	if rm == nil {
		return nil
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make([]string, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	return out
}

// IsSubscribed reports whether sessionID currently receives channelID events.
func (r *Registry) IsSubscribed(sessionID, channelID string) bool {
	rm := r.room(channelID, false)
	if rm == nil {
		return false
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	_, ok := rm.members[sessionID]
	return ok
}

// ChannelsFor returns the channels sessionID is subscribed to.
func (r *Registry) ChannelsFor(sessionID string) []string {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(st.channels))
	for id := range st.channels {
		out = append(out, id)
	}
	return out
}

// Focus records the channel the session is viewing. An empty id clears it.
func (r *Registry) Focus(sessionID, channelID string) {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		if channelID == "" {
			return
		}
		st = &sessionState{channels: make(map[string]struct{})}
		r.sessions[sessionID] = st
	}
	st.focused = channelID
}

// Focused returns the session's focused channel, if any.
func (r *Registry) Focused(sessionID string) (string, bool) {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	st, ok := r.sessions[sessionID]
	if !ok || st.focused == "" {
		return "", false
	}
	return st.focused, true
}

// DropSession removes sessionID from every channel it joined.
func (r *Registry) DropSession(sessionID string) {
	r.sessionsMu.Lock()
	st, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.sessionsMu.Unlock()
	if !ok {
		return
	}
	for channelID := range st.channels {
		r.removeMember(sessionID, channelID)
	}
}

// ChannelCount reports how many channels have at least one subscriber.
func (r *Registry) ChannelCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}
