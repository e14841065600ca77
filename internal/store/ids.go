package store

import (
	"sync"
	"time"

	"teamchat/internal/models"
)

// IDGenerator hands out strictly increasing nanosecond ids across the process.
type IDGenerator struct {
	mu   sync.Mutex
	last int64
}

// Seed raises the floor to a previously issued id so ids stay above it even
// when the clock is behind. Unparseable or lower ids are ignored.
func (g *IDGenerator) Seed(id string) {
	n, ok := models.ParseMessageID(id)
	if !ok {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if n > g.last {
		g.last = n
	}
}

// Next returns a fresh id and the server timestamp it encodes.
func (g *IDGenerator) Next(now time.Time) (string, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := now.UnixNano()
	if n <= g.last {
		n = g.last + 1
	}
	g.last = n
	return models.FormatMessageID(n), time.Unix(0, n).UTC()
}
