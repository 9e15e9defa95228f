package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// wireFrame is the envelope as the peer sees it after JSON round-trip.
type wireFrame struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// startWSServer serves the hub over a test HTTP server. Identity comes from
// query params so these tests exercise the session protocol without the
// token layer on top.
func startWSServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := Identity{
			UserID:   r.URL.Query().Get("user"),
			TenantID: r.URL.Query().Get("tenant"),
		}
		var channels []Channel
		if raw := r.URL.Query().Get("channels"); raw != "" {
			for _, name := range strings.Split(raw, ",") {
				channels = append(channels, Channel(name))
			}
		}
		client, err := NewClient(hub, w, r, identity, channels, zap.NewNop())
		if err != nil {
			return
		}
		client.Run()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame wireFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func writeControl(t *testing.T, conn *websocket.Conn, event string, channels []string) {
	t.Helper()
	msg := map[string]any{"event": event}
	if channels != nil {
		msg["data"] = map[string]any{"channels": channels}
	}
	require.NoError(t, conn.WriteJSON(msg))
}

func waitForConnections(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.Registry().Count() == n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClient_ConnectedEvent(t *testing.T) {
	hub := newTestHub(t, Config{})
	srv := startWSServer(t, hub)

	conn := dialWS(t, srv, "user=u1&tenant=t1&channels=budget_alerts")

	frame := readFrame(t, conn)
	assert.Equal(t, EventConnected, frame.Event)
	assert.NotEmpty(t, frame.Data["connection_id"])
	assert.Equal(t, []any{"budget_alerts", "system"}, frame.Data["channels"])
	assert.False(t, frame.Timestamp.IsZero())
}

func TestClient_BacklogDrainsBeforeLiveTraffic(t *testing.T) {
	hub := newTestHub(t, Config{})
	srv := startWSServer(t, hub)

	// Publish to the offline user first so a backlog exists.
	for i := 0; i < 3; i++ {
		hub.Dispatcher().SendToUser("u1", "budget_alert", map[string]any{"seq": float64(i)}, ChannelBudgetAlerts, true)
	}

	conn := dialWS(t, srv, "user=u1&tenant=t1&channels=budget_alerts")
	waitForConnections(t, hub, 1)
	hub.Dispatcher().SendToUser("u1", "approval_requested", map[string]any{"request_id": "r1"}, "", false)

	frame := readFrame(t, conn)
	require.Equal(t, EventConnected, frame.Event)
	for i := 0; i < 3; i++ {
		frame = readFrame(t, conn)
		assert.Equal(t, "budget_alert", frame.Event)
		assert.Equal(t, map[string]any{"seq": float64(i)}, frame.Data)
	}
	frame = readFrame(t, conn)
	assert.Equal(t, "approval_requested", frame.Event)

	assert.Zero(t, hub.Queue().Len("u1"))
}

func TestClient_DrainSurvivesBacklogLargerThanDefaultBuffer(t *testing.T) {
	// An operator-raised backlog cap must not lose drained entries: the
	// outbound buffer is sized with the cap, and every queued message
	// reaches the reconnecting client in FIFO order.
	hub := newTestHub(t, Config{QueueCap: 300})
	srv := startWSServer(t, hub)

	for i := 0; i < 300; i++ {
		hub.Dispatcher().SendToUser("u1", "budget_alert", map[string]any{"seq": float64(i)}, ChannelBudgetAlerts, true)
	}
	require.Equal(t, 300, hub.Queue().Len("u1"))

	conn := dialWS(t, srv, "user=u1&tenant=t1&channels=budget_alerts")

	require.Equal(t, EventConnected, readFrame(t, conn).Event)
	for i := 0; i < 300; i++ {
		frame := readFrame(t, conn)
		require.Equal(t, "budget_alert", frame.Event)
		require.Equal(t, map[string]any{"seq": float64(i)}, frame.Data)
	}
	assert.Zero(t, hub.Queue().Len("u1"))
}

func TestClient_SubscribeAck(t *testing.T) {
	hub := newTestHub(t, Config{})
	srv := startWSServer(t, hub)

	conn := dialWS(t, srv, "user=u1&tenant=t1")
	require.Equal(t, EventConnected, readFrame(t, conn).Event)

	writeControl(t, conn, "subscribe", []string{"approvals", "budget_alerts"})

	frame := readFrame(t, conn)
	require.Equal(t, EventSubscribed, frame.Event)
	assert.Equal(t, []any{"approvals", "budget_alerts", "system"}, frame.Data["channels"])
}

func TestClient_UnsubscribeKeepsDefaultChannel(t *testing.T) {
	hub := newTestHub(t, Config{})
	srv := startWSServer(t, hub)

	conn := dialWS(t, srv, "user=u1&tenant=t1&channels=approvals")
	require.Equal(t, EventConnected, readFrame(t, conn).Event)

	writeControl(t, conn, "unsubscribe", []string{"approvals", "system"})

	frame := readFrame(t, conn)
	require.Equal(t, EventUnsubscribed, frame.Event)
	assert.Equal(t, []any{"system"}, frame.Data["channels"])
}

func TestClient_PingGetsPong(t *testing.T) {
	hub := newTestHub(t, Config{})
	srv := startWSServer(t, hub)

	conn := dialWS(t, srv, "user=u1&tenant=t1")
	require.Equal(t, EventConnected, readFrame(t, conn).Event)

	writeControl(t, conn, "ping", nil)

	assert.Equal(t, EventPong, readFrame(t, conn).Event)
}

func TestClient_PingRefreshesLiveness(t *testing.T) {
	hub := newTestHub(t, Config{HeartbeatTimeout: 30 * time.Second})
	srv := startWSServer(t, hub)

	conn := dialWS(t, srv, "user=u1&tenant=t1")
	require.Equal(t, EventConnected, readFrame(t, conn).Event)
	waitForConnections(t, hub, 1)

	backdateHeartbeats(t, hub.Registry(), time.Minute)
	require.Len(t, hub.Registry().Stale(30*time.Second), 1)

	// An application-level ping is a heartbeat for client stacks that never
	// surface transport ping frames: it must clear the stale state (and the
	// read loop refreshes the transport deadline on every inbound frame).
	writeControl(t, conn, "ping", nil)
	require.Equal(t, EventPong, readFrame(t, conn).Event)

	assert.Empty(t, hub.Registry().Stale(30*time.Second))
}

// backdateHeartbeats ages every live connection's last heartbeat.
func backdateHeartbeats(t *testing.T, r *Registry, by time.Duration) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.conns {
		conn.lastHeartbeat = time.Now().Add(-by)
	}
}

func TestClient_MalformedControlGetsError(t *testing.T) {
	hub := newTestHub(t, Config{})
	srv := startWSServer(t, hub)

	conn := dialWS(t, srv, "user=u1&tenant=t1")
	require.Equal(t, EventConnected, readFrame(t, conn).Event)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	frame := readFrame(t, conn)
	assert.Equal(t, EventError, frame.Event)
	assert.Contains(t, frame.Data["message"], "malformed control message")

	// The session survives the bad frame.
	writeControl(t, conn, "ping", nil)
	assert.Equal(t, EventPong, readFrame(t, conn).Event)
}

func TestClient_UnknownEventGetsError(t *testing.T) {
	hub := newTestHub(t, Config{})
	srv := startWSServer(t, hub)

	conn := dialWS(t, srv, "user=u1&tenant=t1")
	require.Equal(t, EventConnected, readFrame(t, conn).Event)

	writeControl(t, conn, "shout", nil)

	frame := readFrame(t, conn)
	assert.Equal(t, EventError, frame.Event)
	assert.Contains(t, frame.Data["message"], "unknown event")
}

func TestClient_SubscribeRejectsEmptyChannels(t *testing.T) {
	hub := newTestHub(t, Config{})
	srv := startWSServer(t, hub)

	conn := dialWS(t, srv, "user=u1&tenant=t1")
	require.Equal(t, EventConnected, readFrame(t, conn).Event)

	writeControl(t, conn, "subscribe", []string{})

	frame := readFrame(t, conn)
	assert.Equal(t, EventError, frame.Event)
	assert.Contains(t, frame.Data["message"], "non-empty")
}

func TestClient_DisconnectRemovesFromRegistry(t *testing.T) {
	hub := newTestHub(t, Config{})
	srv := startWSServer(t, hub)

	conn := dialWS(t, srv, "user=u1&tenant=t1")
	require.Equal(t, EventConnected, readFrame(t, conn).Event)
	waitForConnections(t, hub, 1)

	require.NoError(t, conn.Close())

	waitForConnections(t, hub, 0)
	assertIndexesConsistent(t, hub.Registry())
}

func TestClient_ChannelBroadcastReachesOnlySubscribers(t *testing.T) {
	hub := newTestHub(t, Config{})
	srv := startWSServer(t, hub)

	subscriber := dialWS(t, srv, "user=u1&tenant=t1&channels=approvals")
	bystander := dialWS(t, srv, "user=u2&tenant=t1")
	require.Equal(t, EventConnected, readFrame(t, subscriber).Event)
	require.Equal(t, EventConnected, readFrame(t, bystander).Event)
	waitForConnections(t, hub, 2)

	n := hub.Dispatcher().BroadcastToChannel(ChannelApprovals, "approval_requested", map[string]any{"request_id": "r1"}, "")
	require.Equal(t, 1, n)

	frame := readFrame(t, subscriber)
	assert.Equal(t, "approval_requested", frame.Event)

	// The bystander sees nothing; a short deadline turns silence into the
	// expected timeout error.
	require.NoError(t, bystander.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var stray wireFrame
	assert.Error(t, bystander.ReadJSON(&stray))
}
