package realtime

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/numera-io/numera/internal/metrics"
)

// Dispatcher is the publish-side API used by every event producer (billing
// alerts, approval workflow transitions, audit notices). It resolves targets
// through the Registry and hands frames to each recipient's sender without
// ever blocking on transport I/O: a recipient whose outbound buffer is full
// is treated as dead and disconnected, so one slow client cannot stall the
// fan-out to the others.
//
// Delivery is at-least-once per channel subscription. Recipients of a
// single publish call receive the message in resolution order; no ordering
// is guaranteed across distinct publish calls — producers needing causal
// order must serialize their own calls.
//
// The zero value is not usable — create instances with NewDispatcher.
type Dispatcher struct {
	registry *Registry
	queue    *OfflineQueue

	// queueTTL, when positive, stamps queued messages with an expiry so a
	// user who never reconnects does not hold stale backlog forever.
	queueTTL time.Duration

	logger *zap.Logger
}

// NewDispatcher creates a Dispatcher publishing through registry, deferring
// to queue for offline users. queueTTL <= 0 disables backlog expiry.
func NewDispatcher(registry *Registry, queue *OfflineQueue, queueTTL time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		queue:    queue,
		queueTTL: queueTTL,
		logger:   logger.Named("dispatcher"),
	}
}

// SendToConnection transmits one event to exactly one connection and
// reports success. On failure the connection is disconnected — its
// transport is assumed broken, not transiently slow.
func (d *Dispatcher) SendToConnection(id uuid.UUID, event string, payload any) bool {
	conn, ok := d.registry.connByID(id)
	if !ok {
		return false
	}
	return d.deliver([]*Connection{conn}, NewFrame(event, payload)) == 1
}

// SendToUser delivers an event to every live connection of user, optionally
// filtered to connections subscribed to channel (empty channel means no
// filter). When the user has no matching live connection and queueIfOffline
// is set, the message is appended to the user's offline backlog instead of
// being dropped. Returns the number of live deliveries.
func (d *Dispatcher) SendToUser(userID, event string, payload any, channel Channel, queueIfOffline bool) int {
	conns := d.registry.connsByUser(userID, channel)
	if len(conns) > 0 {
		return d.deliver(conns, NewFrame(event, payload))
	}
	if !queueIfOffline {
		return 0
	}

	d.enqueueOffline(userID, channel, event, payload)

	// A connection may have registered — and drained — between the lookup
	// and the enqueue. Re-check and deliver the backlog immediately so the
	// message cannot sit queued while the user is live. If both the
	// connect-side drain and this one picked it up, the client sees it
	// twice: within the at-least-once contract.
	if conns = d.registry.connsByUser(userID, channel); len(conns) > 0 {
		delivered := 0
		for _, msg := range d.queue.Drain(userID) {
			delivered += d.deliver(conns, NewFrame(msg.Event, msg.Payload))
		}
		return delivered
	}
	return 0
}

// SendToTenant fans an event out to every live connection of a tenant,
// channel-filtered. There is no offline fallback: tenant broadcasts are not
// owed to absent users individually. Returns the number of deliveries.
func (d *Dispatcher) SendToTenant(tenantID, event string, payload any, channel Channel) int {
	return d.deliver(d.registry.connsByTenant(tenantID, channel), NewFrame(event, payload))
}

// BroadcastToChannel fans an event out to every connection subscribed to
// channel, regardless of tenant. excludeUserID, when non-empty, skips all
// connections of that user so an originator does not echo to itself.
func (d *Dispatcher) BroadcastToChannel(channel Channel, event string, payload any, excludeUserID string) int {
	return d.deliver(d.registry.connsByChannel(channel, excludeUserID), NewFrame(event, payload))
}

// BroadcastAll fans an event out to every live connection. Reserved for
// system-wide announcements.
func (d *Dispatcher) BroadcastAll(event string, payload any) int {
	return d.deliver(d.registry.allConns(), NewFrame(event, payload))
}

// deliver hands frame to each connection's outbound buffer. A refused
// enqueue (buffer full or sender closed) disconnects that one connection
// and never affects the rest of the fan-out; the bounded write deadline in
// the session layer covers wire-level stalls.
func (d *Dispatcher) deliver(conns []*Connection, frame Frame) int {
	delivered := 0
	for _, conn := range conns {
		if conn.sender.Enqueue(frame) {
			delivered++
			continue
		}
		metrics.DeliveryFailures.Inc()
		d.logger.Warn("send buffer refused frame, disconnecting slow peer",
			zap.String("connection_id", conn.ID.String()),
			zap.String("user_id", conn.Identity.UserID),
			zap.String("event", frame.Event),
		)
		d.registry.Disconnect(conn.ID)
	}
	metrics.EventsDelivered.Add(float64(delivered))
	return delivered
}

// enqueueOffline appends one message to the user's backlog, stamping the
// configured TTL.
func (d *Dispatcher) enqueueOffline(userID string, channel Channel, event string, payload any) {
	now := time.Now().UTC()
	msg := QueuedMessage{
		UserID:    userID,
		Channel:   channel,
		Event:     event,
		Payload:   payload,
		CreatedAt: now,
	}
	if d.queueTTL > 0 {
		msg.ExpiresAt = now.Add(d.queueTTL)
	}
	d.queue.Enqueue(userID, msg)
	metrics.EventsQueued.Inc()
	d.logger.Debug("user offline, message queued",
		zap.String("user_id", userID),
		zap.String("event", event),
	)
}
