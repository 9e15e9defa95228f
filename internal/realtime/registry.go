package realtime

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/numera-io/numera/internal/metrics"
)

// Registry is the sole authority over which connections exist. It keeps the
// primary map and three secondary indices (by user, by tenant, by channel)
// in lockstep: every mutation covers all four structures inside one critical
// section, so no reader can observe a connection present in one index and
// absent from another.
//
// Operations on unknown connection ids are silent no-ops. A connection
// racing to disconnect during a broadcast is a normal, frequent event here,
// not an exceptional one — best-effort delivery beats strict error
// propagation for this subsystem.
//
// The zero value is not usable — create instances with NewRegistry.
type Registry struct {
	mu        sync.RWMutex
	conns     map[uuid.UUID]*Connection
	byUser    map[string]map[uuid.UUID]*Connection
	byTenant  map[string]map[uuid.UUID]*Connection
	byChannel map[Channel]map[uuid.UUID]*Connection
	logger    *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		conns:     make(map[uuid.UUID]*Connection),
		byUser:    make(map[string]map[uuid.UUID]*Connection),
		byTenant:  make(map[string]map[uuid.UUID]*Connection),
		byChannel: make(map[Channel]map[uuid.UUID]*Connection),
		logger:    logger.Named("registry"),
	}
}

// Connect registers a new connection for sender, owned by identity, and
// returns the generated connection id together with the resolved channel
// set. The transport handshake must already have succeeded.
//
// Channel names are trimmed and deduplicated; empty names are dropped.
// ChannelSystem is always added, so the resolved set is never empty.
func (r *Registry) Connect(sender Sender, identity Identity, channels []Channel) (uuid.UUID, []Channel) {
	now := time.Now().UTC()
	conn := &Connection{
		ID:            uuid.New(),
		Identity:      identity,
		ConnectedAt:   now,
		sender:        sender,
		channels:      normalizeChannels(channels),
		lastHeartbeat: now,
	}

	r.mu.Lock()
	r.conns[conn.ID] = conn
	addIndex(r.byUser, identity.UserID, conn)
	addIndex(r.byTenant, identity.TenantID, conn)
	for ch := range conn.channels {
		addIndex(r.byChannel, ch, conn)
		metrics.ChannelSubscribers.WithLabelValues(string(ch)).Inc()
	}
	resolved := conn.channelList()
	total := len(r.conns)
	r.mu.Unlock()

	metrics.ConnectionsLive.Inc()
	r.logger.Info("connection registered",
		zap.String("connection_id", conn.ID.String()),
		zap.String("user_id", identity.UserID),
		zap.String("tenant_id", identity.TenantID),
		zap.Int("total_connections", total),
	)
	return conn.ID, resolved
}

// Disconnect removes a connection from all four indices and closes its
// sender. It is idempotent: a second call, or a call racing with another
// disconnect of the same id, is a no-op. Used for graceful client close,
// transmit-failure teardown, and the heartbeat sweep alike.
func (r *Registry) Disconnect(id uuid.UUID) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	dropIndex(r.byUser, conn.Identity.UserID, id)
	dropIndex(r.byTenant, conn.Identity.TenantID, id)
	for ch := range conn.channels {
		dropIndex(r.byChannel, ch, id)
		metrics.ChannelSubscribers.WithLabelValues(string(ch)).Dec()
	}
	total := len(r.conns)
	r.mu.Unlock()

	// Closing outside the lock: Close signals the write pump, which may
	// only finish after taking transport-level locks of its own.
	conn.sender.Close()

	metrics.ConnectionsLive.Dec()
	r.logger.Info("connection removed",
		zap.String("connection_id", id.String()),
		zap.String("user_id", conn.Identity.UserID),
		zap.Duration("session_duration", time.Since(conn.ConnectedAt)),
		zap.Int("total_connections", total),
	)
}

// Subscribe adds the connection to the given channels and returns the full
// subscription set after the change. Returns nil for an unknown id — the
// connection disconnected while the control message was in flight, which is
// expected under races and must not raise.
func (r *Registry) Subscribe(id uuid.UUID, channels []Channel) []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return nil
	}
	for ch := range normalizeChannels(channels) {
		if conn.subscribedTo(ch) {
			continue
		}
		conn.channels[ch] = struct{}{}
		addIndex(r.byChannel, ch, conn)
		metrics.ChannelSubscribers.WithLabelValues(string(ch)).Inc()
	}
	return conn.channelList()
}

// Unsubscribe removes the connection from the given channels and returns
// the remaining subscription set, or nil for an unknown id. ChannelSystem
// is silently retained so the subscription set never becomes empty.
func (r *Registry) Unsubscribe(id uuid.UUID, channels []Channel) []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return nil
	}
	for _, raw := range channels {
		ch := Channel(strings.TrimSpace(string(raw)))
		if ch == "" || ch == ChannelSystem || !conn.subscribedTo(ch) {
			continue
		}
		delete(conn.channels, ch)
		dropIndex(r.byChannel, ch, id)
		metrics.ChannelSubscribers.WithLabelValues(string(ch)).Dec()
	}
	return conn.channelList()
}

// Touch records a heartbeat for the connection. No-op on unknown ids.
func (r *Registry) Touch(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[id]; ok {
		conn.lastHeartbeat = time.Now().UTC()
	}
}

// Stale returns the ids of connections whose last heartbeat is older than
// timeout. The heartbeat sweep disconnects them with the same semantics as
// a transmit failure.
func (r *Registry) Stale(timeout time.Duration) []uuid.UUID {
	cutoff := time.Now().UTC().Add(-timeout)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []uuid.UUID
	for id, conn := range r.conns {
		if conn.lastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

// LookupByUser returns a point-in-time snapshot of the connection ids owned
// by user. The slice is a copy — mutating it does not affect the registry.
func (r *Registry) LookupByUser(userID string) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return idsOf(r.byUser[userID])
}

// LookupByTenant returns a snapshot of the connection ids owned by tenant.
func (r *Registry) LookupByTenant(tenantID string) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return idsOf(r.byTenant[tenantID])
}

// LookupByChannel returns a snapshot of the connection ids subscribed to
// channel. A channel nobody subscribes to yields an empty result — channels
// have no creation lifecycle of their own.
func (r *Registry) LookupByChannel(ch Channel) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return idsOf(r.byChannel[ch])
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll disconnects every live connection. Called on server shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]uuid.UUID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Disconnect(id)
	}
	r.logger.Info("closed all connections", zap.Int("count", len(ids)))
}

// connByID returns the live connection for id, if any.
func (r *Registry) connByID(id uuid.UUID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// connsByUser snapshots the user's live connections, optionally filtered to
// those subscribed to channel (empty channel means no filter). The returned
// pointers are safe to use outside the lock: ID, Identity and sender are
// immutable after Connect.
func (r *Registry) connsByUser(userID string, ch Channel) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return filterByChannel(r.byUser[userID], ch)
}

// connsByTenant snapshots the tenant's live connections, channel-filtered.
func (r *Registry) connsByTenant(tenantID string, ch Channel) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return filterByChannel(r.byTenant[tenantID], ch)
}

// connsByChannel snapshots the channel's subscribers, optionally excluding
// every connection owned by excludeUser (the event's originator).
func (r *Registry) connsByChannel(ch Channel, excludeUser string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byChannel[ch]
	out := make([]*Connection, 0, len(set))
	for _, conn := range set {
		if excludeUser != "" && conn.Identity.UserID == excludeUser {
			continue
		}
		out = append(out, conn)
	}
	return out
}

// allConns snapshots every live connection.
func (r *Registry) allConns() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

// Stats is the observability snapshot exposed to operational tooling.
type Stats struct {
	Connections        int             `json:"connections"`
	Users              int             `json:"users"`
	Tenants            int             `json:"tenants"`
	ChannelSubscribers map[Channel]int `json:"channel_subscribers"`
	QueuedMessages     int             `json:"queued_messages"`
}

// Stats returns a consistent snapshot of the registry counters. The queued
// message count is filled in by the Hub, which also owns the OfflineQueue.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make(map[Channel]int, len(r.byChannel))
	for ch, set := range r.byChannel {
		subs[ch] = len(set)
	}
	return Stats{
		Connections:        len(r.conns),
		Users:              len(r.byUser),
		Tenants:            len(r.byTenant),
		ChannelSubscribers: subs,
	}
}

// normalizeChannels trims, deduplicates, drops empties, and guarantees
// ChannelSystem membership.
func normalizeChannels(channels []Channel) map[Channel]struct{} {
	set := map[Channel]struct{}{ChannelSystem: {}}
	for _, raw := range channels {
		ch := Channel(strings.TrimSpace(string(raw)))
		if ch == "" {
			continue
		}
		set[ch] = struct{}{}
	}
	return set
}

func addIndex[K comparable](index map[K]map[uuid.UUID]*Connection, key K, conn *Connection) {
	set, ok := index[key]
	if !ok {
		set = make(map[uuid.UUID]*Connection)
		index[key] = set
	}
	set[conn.ID] = conn
}

func dropIndex[K comparable](index map[K]map[uuid.UUID]*Connection, key K, id uuid.UUID) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}

func idsOf(set map[uuid.UUID]*Connection) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func filterByChannel(set map[uuid.UUID]*Connection, ch Channel) []*Connection {
	out := make([]*Connection, 0, len(set))
	for _, conn := range set {
		if ch != "" && !conn.subscribedTo(ch) {
			continue
		}
		out = append(out, conn)
	}
	return out
}
