package hub_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fazt-sh/fazt/internal/config"
	"github.com/fazt-sh/fazt/internal/hub"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHubConfig() config.Hub {
	return config.Hub{
		PingPeriod:     config.Duration{Duration: 200 * time.Millisecond},
		PongWait:       config.Duration{Duration: 2 * time.Second},
		WriteWait:      config.Duration{Duration: time.Second},
		SendQueueSize:  8,
		MaxMessageSize: 1024,
	}
}

func newTestServer(t *testing.T, h *hub.Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.Upgrade(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHub_BroadcastToChannel(t *testing.T) {
	h := hub.New("site1", testHubConfig(), slog.Default())
	t.Cleanup(h.Stop)
	srv := newTestServer(t, h)

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(hub.InboundMessage{Type: "subscribe", Channel: "news"}))

	var subscribedAck hub.OutboundMessage
	require.NoError(t, conn.ReadJSON(&subscribedAck))
	assert.Equal(t, "subscribed", subscribedAck.Type)

	// Give the hub loop a moment to register before broadcasting.
	time.Sleep(50 * time.Millisecond)
	h.BroadcastToChannel("news", json.RawMessage(`{"headline":"hi"}`))

	var msg hub.OutboundMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "message", msg.Type)
	assert.Equal(t, "news", msg.Channel)
	assert.JSONEq(t, `{"headline":"hi"}`, string(msg.Data))
}

func TestHub_ChannelCleanupOnUnsubscribe(t *testing.T) {
	h := hub.New("site1", testHubConfig(), slog.Default())
	t.Cleanup(h.Stop)
	srv := newTestServer(t, h)

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(hub.InboundMessage{Type: "subscribe", Channel: "news"}))
	var ack hub.OutboundMessage
	require.NoError(t, conn.ReadJSON(&ack))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.ChannelCount("news"))

	require.NoError(t, conn.WriteJSON(hub.InboundMessage{Type: "unsubscribe", Channel: "news"}))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "unsubscribed", ack.Type)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.ChannelCount("news"), "channel key must be dropped once its last subscriber leaves")
}

func TestHub_ChannelCleanupOnDisconnect(t *testing.T) {
	h := hub.New("site1", testHubConfig(), slog.Default())
	t.Cleanup(h.Stop)
	srv := newTestServer(t, h)

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(hub.InboundMessage{Type: "subscribe", Channel: "news"}))
	var ack hub.OutboundMessage
	require.NoError(t, conn.ReadJSON(&ack))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return h.ChannelCount("news") == 0 && h.ClientCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHub_BroadcastAll(t *testing.T) {
	h := hub.New("site1", testHubConfig(), slog.Default())
	t.Cleanup(h.Stop)
	srv := newTestServer(t, h)

	conn1 := dial(t, srv)
	conn2 := dial(t, srv)

	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	h.BroadcastAllJSON(json.RawMessage(`{"x":1}`))

	var m1, m2 hub.OutboundMessage
	require.NoError(t, conn1.ReadJSON(&m1))
	require.NoError(t, conn2.ReadJSON(&m2))
	assert.Equal(t, "message", m1.Type)
	assert.Equal(t, "message", m2.Type)
}

func TestHub_HubIsolationAcrossSites(t *testing.T) {
	hA := hub.New("siteA", testHubConfig(), slog.Default())
	hB := hub.New("siteB", testHubConfig(), slog.Default())
	t.Cleanup(hA.Stop)
	t.Cleanup(hB.Stop)

	srvA := newTestServer(t, hA)
	srvB := newTestServer(t, hB)

	connA := dial(t, srvA)
	connB := dial(t, srvB)

	require.Eventually(t, func() bool { return hA.ClientCount() == 1 && hB.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hA.BroadcastAllJSON(json.RawMessage(`{"only":"A"}`))

	var m hub.OutboundMessage
	require.NoError(t, connA.ReadJSON(&m))
	assert.JSONEq(t, `{"only":"A"}`, string(m.Data))

	// siteB's client must not see siteA's broadcast; anything it reads
	// before the deadline can only be a keepalive ping.
	_ = connB.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		var mb hub.OutboundMessage
		if err := connB.ReadJSON(&mb); err != nil {
			break
		}
		assert.NotEqual(t, "message", mb.Type, "siteB client received siteA's broadcast")
	}
}

func TestHubManager_GetHubCreatesLazily(t *testing.T) {
	m := hub.NewManager(testHubConfig(), slog.Default())
	assert.Equal(t, 0, m.SiteCount())

	h1 := m.GetHub("site1")
	require.NotNil(t, h1)
	assert.Equal(t, 1, m.SiteCount())

	h2 := m.GetHub("site1")
	assert.Same(t, h1, h2, "GetHub must return the existing hub for an already-created site")

	m.RemoveHub("site1")
	assert.Equal(t, 0, m.SiteCount())
}
