package realtime

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/numera-io/numera/internal/metrics"
)

// DefaultQueueCap is the per-user backlog bound used when no explicit cap
// is configured. The bound exists so an inactive user cannot cause
// unbounded memory growth; beyond it the oldest entry is evicted first —
// a newly observable event is worth more than stale history.
const DefaultQueueCap = 100

// QueuedMessage is one backlog entry for a user with no live connection.
// It is owned exclusively by the per-user queue and never referenced by a
// live connection.
type QueuedMessage struct {
	// UserID is the target user the message is owed to.
	UserID string

	// Channel is the channel the message was published on.
	Channel Channel

	// Event is the producer-supplied event tag.
	Event string

	// Payload is the producer-supplied, JSON-serializable payload.
	Payload any

	// CreatedAt is when the dispatcher queued the message.
	CreatedAt time.Time

	// ExpiresAt, when non-zero, marks the message stale after this instant.
	// Expired entries are dropped lazily at drain time so the enqueue path
	// stays O(1).
	ExpiresAt time.Time
}

// expired reports whether the message is past its expiry at now.
func (m QueuedMessage) expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && m.ExpiresAt.Before(now)
}

// OfflineQueue holds a bounded FIFO backlog per user. Losing a message to
// cap-driven eviction is not an error — this is a best-effort channel, and
// the drop is by design.
//
// The zero value is not usable — create instances with NewOfflineQueue.
type OfflineQueue struct {
	mu      sync.Mutex
	cap     int
	perUser map[string]*ring
	logger  *zap.Logger
}

// NewOfflineQueue creates an OfflineQueue with the given per-user cap.
// A cap of zero or less falls back to DefaultQueueCap.
func NewOfflineQueue(capPerUser int, logger *zap.Logger) *OfflineQueue {
	if capPerUser <= 0 {
		capPerUser = DefaultQueueCap
	}
	return &OfflineQueue{
		cap:     capPerUser,
		perUser: make(map[string]*ring),
		logger:  logger.Named("offline_queue"),
	}
}

// Enqueue appends msg to the user's backlog, evicting the single oldest
// entry first when the backlog is at capacity.
func (q *OfflineQueue) Enqueue(userID string, msg QueuedMessage) {
	q.mu.Lock()
	r, ok := q.perUser[userID]
	if !ok {
		r = newRing(q.cap)
		q.perUser[userID] = r
	}
	evicted := r.push(msg)
	q.mu.Unlock()

	if !evicted {
		metrics.QueuedMessages.Inc()
	} else {
		metrics.QueueEvictions.Inc()
		q.logger.Debug("backlog full, evicted oldest message",
			zap.String("user_id", userID),
			zap.String("event", msg.Event),
		)
	}
}

// Drain atomically removes and returns the user's entire backlog in FIFO
// order, dropping expired entries. Called once per successful reconnect,
// before the new connection sees further publish traffic.
func (q *OfflineQueue) Drain(userID string) []QueuedMessage {
	q.mu.Lock()
	r, ok := q.perUser[userID]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	all := r.drain()
	delete(q.perUser, userID)
	q.mu.Unlock()

	metrics.QueuedMessages.Sub(float64(len(all)))

	now := time.Now().UTC()
	out := all[:0]
	for _, msg := range all {
		if msg.expired(now) {
			metrics.QueueEvictions.Inc()
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Len returns the backlog depth for one user.
func (q *OfflineQueue) Len(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if r, ok := q.perUser[userID]; ok {
		return r.n
	}
	return 0
}

// TotalLen returns the total number of queued-but-undelivered messages
// across all users. Exposed via the stats endpoint.
func (q *OfflineQueue) TotalLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, r := range q.perUser {
		total += r.n
	}
	return total
}

// PurgeExpired drops every expired entry across all backlogs and returns
// the number dropped. Expiry is normally lazy at drain time; this is the
// background pass that reclaims memory for users who never reconnect.
func (q *OfflineQueue) PurgeExpired() int {
	now := time.Now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	for userID, r := range q.perUser {
		dropped += r.dropExpired(now)
		if r.n == 0 {
			delete(q.perUser, userID)
		}
	}
	if dropped > 0 {
		metrics.QueuedMessages.Sub(float64(dropped))
		metrics.QueueEvictions.Add(float64(dropped))
		q.logger.Debug("purged expired backlog entries", zap.Int("dropped", dropped))
	}
	return dropped
}

// ring is a fixed-capacity FIFO over a circular buffer. Drop-oldest on
// overflow is O(1) — the original used a list with an O(n) head pop.
// The buffer grows geometrically up to cap so a one-message backlog does
// not allocate cap slots up front.
type ring struct {
	buf  []QueuedMessage
	head int
	n    int
	cap  int
}

func newRing(capacity int) *ring {
	return &ring{cap: capacity}
}

// push appends msg, evicting the oldest entry first when full.
// Reports whether an eviction happened.
func (r *ring) push(msg QueuedMessage) (evicted bool) {
	if r.n == len(r.buf) && len(r.buf) < r.cap {
		r.grow()
	}
	if r.n == r.cap {
		// Full: overwrite the oldest slot and advance the head.
		r.buf[r.head] = msg
		r.head = (r.head + 1) % r.cap
		return true
	}
	r.buf[(r.head+r.n)%len(r.buf)] = msg
	r.n++
	return false
}

// grow doubles the buffer (bounded by cap) and re-linearizes it.
func (r *ring) grow() {
	newLen := len(r.buf) * 2
	if newLen == 0 {
		newLen = 8
	}
	if newLen > r.cap {
		newLen = r.cap
	}
	next := make([]QueuedMessage, newLen)
	for i := 0; i < r.n; i++ {
		next[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.buf = next
	r.head = 0
}

// drain returns all entries in FIFO order and empties the ring.
func (r *ring) drain() []QueuedMessage {
	out := make([]QueuedMessage, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	r.buf = nil
	r.head = 0
	r.n = 0
	return out
}

// dropExpired removes expired entries in place, preserving FIFO order of
// the survivors, and returns the number removed.
func (r *ring) dropExpired(now time.Time) int {
	if r.n == 0 {
		return 0
	}
	kept := make([]QueuedMessage, 0, r.n)
	for i := 0; i < r.n; i++ {
		if msg := r.buf[(r.head+i)%len(r.buf)]; !msg.expired(now) {
			kept = append(kept, msg)
		}
	}
	dropped := r.n - len(kept)
	if dropped > 0 {
		copy(r.buf, kept)
		for i := len(kept); i < len(r.buf); i++ {
			r.buf[i] = QueuedMessage{}
		}
		r.head = 0
		r.n = len(kept)
	}
	return dropped
}
