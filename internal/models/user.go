package models

import "time"

// PresenceStatus is supplied by the presence service; the core only reads it.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// User is a read-only view of an account.
type User struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"name"`
	Avatar      string         `json:"avatar,omitempty"`
	Status      PresenceStatus `json:"status"`
	LastSeen    *time.Time     `json:"lastSeen,omitempty"`
}
