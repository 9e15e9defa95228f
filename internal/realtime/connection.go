package realtime

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Identity is the already-resolved owner of a connection. Authentication
// happens outside this package — by the time a connection reaches the
// registry, the token has been validated and reduced to this triple.
type Identity struct {
	// UserID is the id of the user who opened the connection.
	UserID string

	// TenantID is the tenant the user was acting in at connect time.
	TenantID string

	// EntityID optionally scopes the session to one business entity
	// (a user may manage several). Empty when not applicable.
	EntityID string
}

// Sender is the transport half of a connection as seen by the registry and
// dispatcher. Enqueue hands a frame to the connection's outbound buffer and
// must never block: it returns false when the buffer is full or the
// connection is already closed, which callers treat as a dead peer.
//
// Close releases the transport. It must be idempotent — the registry calls
// it exactly once per removal, but a racing transport error may have closed
// the connection already.
type Sender interface {
	Enqueue(Frame) bool
	Close()
}

// Connection is one logical client session. The exported fields are fixed
// at connect time; the unexported mutable state (subscription set, last
// heartbeat) is owned by the Registry and only touched under its lock.
// A connection never migrates to another user or tenant.
type Connection struct {
	// ID is the opaque connection id generated at accept time.
	ID uuid.UUID

	// Identity is the resolved owner triple.
	Identity Identity

	// ConnectedAt is when the connection entered the registry.
	ConnectedAt time.Time

	sender        Sender
	channels      map[Channel]struct{}
	lastHeartbeat time.Time
}

// subscribedTo reports channel membership. Caller must hold the registry lock.
func (c *Connection) subscribedTo(ch Channel) bool {
	_, ok := c.channels[ch]
	return ok
}

// channelList returns a sorted copy of the subscription set. Sorted so that
// acknowledgement events are stable regardless of map iteration order.
// Caller must hold the registry lock.
func (c *Connection) channelList() []Channel {
	out := make([]Channel, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
