package realtime

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func queuedMsg(user string, seq int) QueuedMessage {
	return QueuedMessage{
		UserID:    user,
		Channel:   ChannelBudgetAlerts,
		Event:     "budget_alert",
		Payload:   map[string]any{"seq": seq},
		CreatedAt: time.Now().UTC(),
	}
}

func TestQueue_DrainReturnsFIFO(t *testing.T) {
	q := NewOfflineQueue(10, zap.NewNop())
	for i := 0; i < 3; i++ {
		q.Enqueue("u1", queuedMsg("u1", i))
	}

	drained := q.Drain("u1")

	require.Len(t, drained, 3)
	for i, msg := range drained {
		assert.Equal(t, map[string]any{"seq": i}, msg.Payload)
	}
}

func TestQueue_DropOldestBeyondCap(t *testing.T) {
	q := NewOfflineQueue(100, zap.NewNop())
	for i := 0; i < 105; i++ {
		q.Enqueue("u1", queuedMsg("u1", i))
	}

	require.Equal(t, 100, q.Len("u1"))
	drained := q.Drain("u1")
	require.Len(t, drained, 100)

	// The first 5 were evicted; the survivors are 5..104, oldest first.
	assert.Equal(t, map[string]any{"seq": 5}, drained[0].Payload)
	assert.Equal(t, map[string]any{"seq": 104}, drained[99].Payload)
}

func TestQueue_DrainEmptiesBacklog(t *testing.T) {
	q := NewOfflineQueue(10, zap.NewNop())
	q.Enqueue("u1", queuedMsg("u1", 0))

	require.Len(t, q.Drain("u1"), 1)
	assert.Nil(t, q.Drain("u1"))
	assert.Zero(t, q.Len("u1"))
}

func TestQueue_DrainIsPerUser(t *testing.T) {
	q := NewOfflineQueue(10, zap.NewNop())
	q.Enqueue("u1", queuedMsg("u1", 0))
	q.Enqueue("u2", queuedMsg("u2", 0))

	require.Len(t, q.Drain("u1"), 1)
	assert.Equal(t, 1, q.Len("u2"))
}

func TestQueue_ExpiredEntriesDroppedAtDrain(t *testing.T) {
	q := NewOfflineQueue(10, zap.NewNop())

	stale := queuedMsg("u1", 0)
	stale.ExpiresAt = time.Now().UTC().Add(-time.Second)
	fresh := queuedMsg("u1", 1)
	fresh.ExpiresAt = time.Now().UTC().Add(time.Minute)
	forever := queuedMsg("u1", 2) // zero ExpiresAt never expires

	q.Enqueue("u1", stale)
	q.Enqueue("u1", fresh)
	q.Enqueue("u1", forever)

	drained := q.Drain("u1")
	require.Len(t, drained, 2)
	assert.Equal(t, map[string]any{"seq": 1}, drained[0].Payload)
	assert.Equal(t, map[string]any{"seq": 2}, drained[1].Payload)
}

func TestQueue_PurgeExpired(t *testing.T) {
	q := NewOfflineQueue(10, zap.NewNop())

	for i := 0; i < 3; i++ {
		msg := queuedMsg("u1", i)
		if i < 2 {
			msg.ExpiresAt = time.Now().UTC().Add(-time.Second)
		}
		q.Enqueue("u1", msg)
	}
	expiredOnly := queuedMsg("u2", 0)
	expiredOnly.ExpiresAt = time.Now().UTC().Add(-time.Second)
	q.Enqueue("u2", expiredOnly)

	dropped := q.PurgeExpired()

	assert.Equal(t, 3, dropped)
	assert.Equal(t, 1, q.Len("u1"))
	// u2's backlog became empty and its entry was reclaimed.
	assert.Zero(t, q.Len("u2"))
	assert.Equal(t, 1, q.TotalLen())

	drained := q.Drain("u1")
	require.Len(t, drained, 1)
	assert.Equal(t, map[string]any{"seq": 2}, drained[0].Payload)
}

func TestQueue_TotalLenSpansUsers(t *testing.T) {
	q := NewOfflineQueue(10, zap.NewNop())
	for u := 0; u < 3; u++ {
		for i := 0; i < 4; i++ {
			q.Enqueue(fmt.Sprintf("u%d", u), queuedMsg(fmt.Sprintf("u%d", u), i))
		}
	}

	assert.Equal(t, 12, q.TotalLen())
}

func TestQueue_RingSurvivesGrowthAndWrap(t *testing.T) {
	// Cap larger than the initial ring allocation forces growth while the
	// head has wrapped; order must be preserved throughout.
	q := NewOfflineQueue(20, zap.NewNop())
	for i := 0; i < 30; i++ {
		q.Enqueue("u1", queuedMsg("u1", i))
	}

	drained := q.Drain("u1")
	require.Len(t, drained, 20)
	for i, msg := range drained {
		assert.Equal(t, map[string]any{"seq": i + 10}, msg.Payload)
	}
}
