package realtime

import (
	"time"

	"go.uber.org/zap"
)

// Config holds the tunables for a Hub. Zero values fall back to the
// defaults noted on each field.
type Config struct {
	// QueueCap bounds each user's offline backlog (default DefaultQueueCap).
	QueueCap int

	// SendBuffer is the outbound frame buffer capacity each connection
	// gets (default defaultSendBuffer). Raised automatically when QueueCap
	// is larger, so a full connect-time backlog drain always fits.
	SendBuffer int

	// QueueTTL, when positive, expires backlog entries that waited longer
	// than this for a reconnect. Zero keeps them until eviction.
	QueueTTL time.Duration

	// HeartbeatTimeout is how long a connection may go without a heartbeat
	// before the background sweep disconnects it (default 90s).
	HeartbeatTimeout time.Duration
}

const defaultHeartbeatTimeout = 90 * time.Second

// Hub bundles the Registry, OfflineQueue and Dispatcher into the one
// process-wide service object. It is constructed once at startup, injected
// into the connection-accept path and into every producer, and torn down on
// shutdown by closing all live connections — there is no hidden global.
type Hub struct {
	registry   *Registry
	queue      *OfflineQueue
	dispatcher *Dispatcher
	logger     *zap.Logger

	heartbeatTimeout time.Duration
	sendBuffer       int
}

// NewHub constructs the connection manager and its publish API.
func NewHub(cfg Config, logger *zap.Logger) *Hub {
	registry := NewRegistry(logger)

	queueCap := cfg.QueueCap
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	queue := NewOfflineQueue(queueCap, logger)

	timeout := cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = defaultHeartbeatTimeout
	}

	// The send buffer must exceed the backlog cap: register enqueues the
	// connected frame plus the whole drained backlog before the write pump
	// starts moving frames.
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	if sendBuffer <= queueCap {
		sendBuffer = queueCap * 2
	}

	return &Hub{
		registry:         registry,
		queue:            queue,
		dispatcher:       NewDispatcher(registry, queue, cfg.QueueTTL, logger),
		logger:           logger.Named("hub"),
		heartbeatTimeout: timeout,
		sendBuffer:       sendBuffer,
	}
}

// Registry exposes the connection registry (accept path, tests).
func (h *Hub) Registry() *Registry { return h.registry }

// Queue exposes the offline backlog (accept path drains it on connect).
func (h *Hub) Queue() *OfflineQueue { return h.queue }

// Dispatcher exposes the publish API consumed by producers.
func (h *Hub) Dispatcher() *Dispatcher { return h.dispatcher }

// HeartbeatTimeout is the configured staleness bound for the sweep.
func (h *Hub) HeartbeatTimeout() time.Duration { return h.heartbeatTimeout }

// SendBuffer is the outbound buffer capacity each new connection gets.
func (h *Hub) SendBuffer() int { return h.sendBuffer }

// Stats returns the observability snapshot: live connection counts from the
// registry plus the total queued-but-undelivered message count.
func (h *Hub) Stats() Stats {
	stats := h.registry.Stats()
	stats.QueuedMessages = h.queue.TotalLen()
	return stats
}

// Shutdown closes every live connection. Messages still queued for offline
// users are deliberately dropped with the process — persistence beyond the
// in-memory backlog is out of scope.
func (h *Hub) Shutdown() {
	h.logger.Info("hub shutting down", zap.Int("connections", h.registry.Count()))
	h.registry.CloseAll()
}
