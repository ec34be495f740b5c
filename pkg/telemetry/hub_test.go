package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) (*Hub, func()) {
	t.Helper()
	hub := NewHub(nil)
	stop := make(chan struct{})
	go hub.Run(stop)
	return hub, func() { close(stop) }
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestHubPublishReachesConnectedClient(t *testing.T) {
	hub, stop := newTestHub(t)
	defer stop()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, hub.Upgrade(w, r))
	}))
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond) // allow the register message to land before publishing
	hub.Publish(EventAttempt, "req-1", map[string]any{"status": 503})

	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventAttempt, msg.Type)
	assert.Equal(t, "req-1", msg.RequestID)
}

func TestHubPublishDoesNotBlockWithNoClients(t *testing.T) {
	hub, stop := newTestHub(t)
	defer stop()

	assert.NotPanics(t, func() {
		hub.Publish(EventResult, "req-2", nil)
	})
}

func TestHubDisconnectRemovesClient(t *testing.T) {
	hub, stop := newTestHub(t)
	defer stop()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, hub.Upgrade(w, r))
	}))
	defer srv.Close()

	conn := dial(t, srv)
	time.Sleep(20 * time.Millisecond)
	conn.Close()
	time.Sleep(20 * time.Millisecond)

	hub.mu.RLock()
	count := len(hub.clients)
	hub.mu.RUnlock()
	assert.Equal(t, 0, count)
}
