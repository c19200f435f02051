package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
)

// stubVerifier accepts the single token "good".
type stubVerifier struct{}

func (stubVerifier) VerifyToken(_ context.Context, token string) (string, models.Role, error) {
	if token == "good" {
		return "tester", models.RoleAdmin, nil
	}
	return "", "", errors.New("bad token")
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(stubVerifier{}, metrics.New())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func TestHub_ConnectSendsClientID(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv)

	msg := readMessage(t, conn)
	assert.Equal(t, "connected", msg.Event)
	data := msg.Data.(map[string]any)
	assert.NotEmpty(t, data["clientId"])
}

func TestHub_SubscribeRequiresAuth(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv)
	readMessage(t, conn) // connected

	writeJSON(t, conn, map[string]any{"event": "subscribe", "channels": []string{"logs"}})
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg.Event)
}

func authSubscribe(t *testing.T, conn *websocket.Conn, channels ...string) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"event": "authenticate", "token": "good"})
	require.Equal(t, "authenticated", readMessage(t, conn).Event)
	writeJSON(t, conn, map[string]any{"event": "subscribe", "channels": channels})
	require.Equal(t, "subscribed", readMessage(t, conn).Event)
}

func TestHub_PublishReachesSubscribersOnly(t *testing.T) {
	hub, srv := newTestHub(t)

	subscriber := dial(t, srv)
	readMessage(t, subscriber) // connected
	authSubscribe(t, subscriber, "logs")

	bystander := dial(t, srv)
	readMessage(t, bystander) // connected
	authSubscribe(t, bystander, "alerts")

	// Wait for both registrations before publishing.
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 10*time.Millisecond)
	hub.Publish("logs", "logs", map[string]any{"message": "hello"})

	msg := readMessage(t, subscriber)
	assert.Equal(t, "logs", msg.Event)
	assert.Equal(t, "logs", msg.Channel)

	// The bystander must not receive the logs event.
	_ = bystander.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := bystander.ReadMessage()
	assert.Error(t, err, "expected read timeout for non-subscribed channel")
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv)
	readMessage(t, conn) // connected
	authSubscribe(t, conn, "logs")

	writeJSON(t, conn, map[string]any{"event": "unsubscribe", "channels": []string{"logs"}})
	require.Equal(t, "unsubscribed", readMessage(t, conn).Event)

	hub.Publish("logs", "logs", map[string]any{"message": "gone"})
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHub_ApplicationPing(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv)
	readMessage(t, conn) // connected

	writeJSON(t, conn, map[string]any{"event": "ping"})
	assert.Equal(t, "pong", readMessage(t, conn).Event)
}

func TestHub_ShutdownNotifiesClients(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv)
	readMessage(t, conn) // connected

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	hub.Shutdown()

	msg := readMessage(t, conn)
	assert.Equal(t, "server_shutdown", msg.Event)
	assert.Zero(t, hub.ClientCount())
}

func TestHub_PublishLogsDeliversEachEvent(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv)
	readMessage(t, conn) // connected
	authSubscribe(t, conn, "logs")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.PublishLogs([]*models.LogEvent{
		{ID: 1, Message: "a"},
		{ID: 2, Message: "b"},
	})

	first := readMessage(t, conn)
	second := readMessage(t, conn)
	assert.Equal(t, "logs", first.Event)
	assert.Equal(t, "logs", second.Event)
}
