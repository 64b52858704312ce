package auditlog

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/reconquest-labs/escrowcore/ltvmonitor"
)

func TestHubBroadcastsToSubscriber(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.subscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(7, ltvmonitor.Liquidate, 40000, 95.5, time.Unix(1000, 0).UTC())

	var msg ltvEventMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, int64(7), msg.LoanID)
	require.Equal(t, "liquidate", msg.Severity)
	require.Equal(t, 95.5, msg.LtvPct)
}

// TestHubDropsSubscriberWithFullBuffer exercises Broadcast's drop path
// directly against a white-box subscriber channel, since a real
// websocket connection's drain goroutine makes the buffer-full race
// non-deterministic to trigger from outside.
func TestHubDropsSubscriberWithFullBuffer(t *testing.T) {
	t.Parallel()

	// A real client connection stands in as the map key here so
	// Broadcast's drop path can call a genuine Close() on it; only the
	// channel (pre-filled, unbuffered room left) is white-box rigged to
	// force the drop deterministically, since a live ServeWS drain
	// goroutine would otherwise race the buffer-full condition.
	hub := NewHub()
	otherSrv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer otherSrv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(otherSrv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	full := make(chan ltvEventMessage, 1)
	full <- ltvEventMessage{} // pre-fill so the next send has no room
	hub.mu.Lock()
	hub.subscribers[conn] = full
	hub.mu.Unlock()

	hub.Broadcast(1, ltvmonitor.Warn1, 1, 1, time.Unix(0, 0))

	hub.mu.Lock()
	_, stillPresent := hub.subscribers[conn]
	hub.mu.Unlock()
	require.False(t, stillPresent)
}

func TestHubBroadcastWithNoSubscribersIsANoOp(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	require.NotPanics(t, func() {
		hub.Broadcast(1, ltvmonitor.Warn2, 1, 1, time.Unix(0, 0))
	})
}
