package ws

import (
	"time"

	"teamchat/internal/observability"
)

// ConnInfo identifies a websocket session for lifecycle events and logs.
type ConnInfo struct {
	ConnID      string
	UserID      string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func (i ConnInfo) identity() observability.SessionIdentity {
	return observability.SessionIdentity{UserID: i.UserID, DeviceID: i.DeviceID, IP: i.IP}
}

func (i ConnInfo) headers() map[string]string {
	return observability.BuildHeaders(i.RequestID, i.TraceID)
}
