package realtime

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/transfer-portal/internal/events"
	"github.com/jwalitptl/transfer-portal/pkg/logger"
	"github.com/jwalitptl/transfer-portal/pkg/metrics"
)

// hubServer speaks just enough of the hub protocol to hand out one event.
func hubServer(t *testing.T, authHeader chan<- string) *httptest.Server {
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader <- r.Header.Get("Authorization")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil || !bytes.Equal(msg, handshakeRequest) {
			t.Errorf("unexpected handshake %q: %v", msg, err)
			return
		}

		// Handshake response and the first invocation share one frame.
		frame := append([]byte("{}\x1e"), []byte(rideCompletedInvocation)...)
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestWebsocketDialerEndToEnd(t *testing.T) {
	auth := make(chan string, 1)
	srv := hubServer(t, auth)
	defer srv.Close()

	m := metrics.New("test", nil)
	reg := events.NewRegistry(logger.Nop(), m)
	cfg := testConfig()
	cfg.HubURL = srv.URL + "/hubs/notifications"

	mgr, err := NewManager(cfg, NewWebsocketDialer(time.Second), StaticToken("kiosk-token"), reg, logger.Nop(), m)
	require.NoError(t, err)
	defer mgr.Disconnect()

	got := make(chan events.Event, 1)
	_, err = mgr.On(events.TagRideCompleted, func(ev events.Event) { got <- ev })
	require.NoError(t, err)

	require.NoError(t, waitResult(t, mgr.Connect()))
	assert.Equal(t, "Bearer kiosk-token", <-auth)

	select {
	case ev := <-got:
		assert.Equal(t, events.TagRideCompleted, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSplitRecords(t *testing.T) {
	records := splitRecords([]byte("{\"type\":6}\x1e{\"type\":1,\"arguments\":[]}\x1e\n"))
	require.Len(t, records, 2)

	msg, err := parseMessage(records[0])
	require.NoError(t, err)
	assert.Equal(t, pingMessage, msg.Type)

	assert.Empty(t, splitRecords([]byte("\x1e\x1e")))
}

func TestParseHandshake(t *testing.T) {
	assert.NoError(t, parseHandshake([]byte("{}")))
	assert.ErrorIs(t, parseHandshake([]byte(`{"error":"unsupported"}`)), errHandshake)
	assert.ErrorIs(t, parseHandshake([]byte(`<html>`)), errHandshake)
}
