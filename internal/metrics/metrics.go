// Package metrics exposes the Prometheus instrumentation for the realtime
// delivery subsystem. Collectors are registered on the default registry via
// promauto and served by the /metrics endpoint wired in the API router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsLive is the number of currently registered connections.
	ConnectionsLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections_live",
			Help: "Current number of live WebSocket connections",
		},
	)

	// ChannelSubscribers tracks subscriber counts per channel.
	ChannelSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_channel_subscribers",
			Help: "Current number of connections subscribed, per channel",
		},
		[]string{"channel"},
	)

	// EventsDelivered counts frames handed to a live connection's buffer.
	EventsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_events_delivered_total",
			Help: "Total events delivered to live connections",
		},
	)

	// EventsQueued counts messages deferred to the offline backlog.
	EventsQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_events_queued_total",
			Help: "Total events queued for offline users",
		},
	)

	// DeliveryFailures counts sends refused by a full or closed buffer.
	// Each failure also disconnects the slow peer.
	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_delivery_failures_total",
			Help: "Total sends refused by a slow or dead connection",
		},
	)

	// QueuedMessages is the current queued-but-undelivered message count.
	QueuedMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_queued_messages",
			Help: "Current number of messages in offline backlogs",
		},
	)

	// QueueEvictions counts backlog entries lost to the per-user cap or to
	// expiry — dropped by design, not errors.
	QueueEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_queue_evictions_total",
			Help: "Total backlog entries evicted by cap or expiry",
		},
	)
)
