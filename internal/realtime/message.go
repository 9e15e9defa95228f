// Package realtime implements the in-process notification delivery core:
// a registry of live WebSocket connections indexed by user, tenant and
// channel, a bounded per-user offline backlog, and a dispatcher that fans
// published events out to the right connections. Producers (billing,
// approvals, audit) publish through the Dispatcher; they never touch
// connections directly.
//
// Channel naming convention (producer-side, not enforced here):
//
//	system        — operational announcements, always subscribed
//	budget_alerts — budget threshold and overspend events
//	approvals     — approval workflow transitions
//	audit         — audit trail notices
package realtime

import "time"

// Channel is a named broadcast topic that connections opt into via
// subscribe/unsubscribe. The registry treats channel names as opaque
// strings; the constants below are the convention shared with producers.
type Channel string

const (
	// ChannelSystem is the default channel. Every connection is subscribed
	// to it for its whole lifetime — unsubscribe requests for it are ignored
	// so a connection can never end up with an empty subscription set.
	ChannelSystem Channel = "system"

	// ChannelBudgetAlerts carries budget threshold and overspend events.
	ChannelBudgetAlerts Channel = "budget_alerts"

	// ChannelApprovals carries approval workflow transitions.
	ChannelApprovals Channel = "approvals"

	// ChannelAudit carries audit trail notices.
	ChannelAudit Channel = "audit"
)

// Reserved outbound event names emitted by the session layer itself.
// Producer event names share the same namespace and must not collide.
const (
	// EventConnected confirms a successful handshake. Data carries the
	// connection id and the resolved channel set.
	EventConnected = "connected"

	// EventSubscribed acknowledges a subscribe control message with the
	// connection's full channel set after the change.
	EventSubscribed = "subscribed"

	// EventUnsubscribed acknowledges an unsubscribe control message.
	EventUnsubscribed = "unsubscribed"

	// EventPong answers an explicit ping control message. Transport-level
	// ping frames are answered by gorilla/websocket's pong frames instead.
	EventPong = "pong"

	// EventError reports a malformed or rejected control message back to
	// the offending connection. Data carries a human-readable message.
	EventError = "error"
)

// Inbound control event names accepted from clients.
const (
	controlSubscribe   = "subscribe"
	controlUnsubscribe = "unsubscribe"
	controlPing        = "ping"
)

// Frame is the envelope for every WebSocket frame sent to clients.
//
// JSON example:
//
//	{"event":"budget_alert","data":{"budget":"Q3 travel"},"timestamp":"2026-08-26T10:15:04Z"}
type Frame struct {
	// Event identifies the kind of event so the client can route it.
	Event string `json:"event"`

	// Data carries the event-specific payload. Must be JSON-serializable.
	Data any `json:"data"`

	// Timestamp is when the frame was constructed, UTC, RFC 3339.
	Timestamp time.Time `json:"timestamp"`
}

// NewFrame builds a Frame stamped with the current UTC time.
func NewFrame(event string, data any) Frame {
	return Frame{Event: event, Data: data, Timestamp: time.Now().UTC()}
}
