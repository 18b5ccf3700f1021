package notification

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/transfer-portal/internal/backend"
	"github.com/jwalitptl/transfer-portal/internal/events"
	"github.com/jwalitptl/transfer-portal/internal/middleware"
	"github.com/jwalitptl/transfer-portal/internal/model"
	"github.com/jwalitptl/transfer-portal/internal/realtime"
	"github.com/jwalitptl/transfer-portal/internal/realtime/realtimetest"
	"github.com/jwalitptl/transfer-portal/internal/session"
	"github.com/jwalitptl/transfer-portal/pkg/logger"
	"github.com/jwalitptl/transfer-portal/pkg/metrics"
)

type fakeBackend struct {
	mu       sync.Mutex
	failRead bool
	readIDs  []string
	readAll  []string
	deleted  []string
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/notifications", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(model.NotificationPage{
			Items: []model.Notification{
				{ID: "n-1", Type: model.NotificationTypeRideRequested, Title: "New ride", Priority: model.PriorityHigh, CreatedAt: time.Now().UTC()},
				{ID: "n-2", Type: model.NotificationTypePayment, Title: "Paid", Priority: model.PriorityMedium, IsRead: true, CreatedAt: time.Now().UTC()},
			},
			Total:            2,
			UnreadCount:      1,
			UnreadByPriority: map[model.Priority]int{model.PriorityHigh: 1},
		})
	})
	mux.HandleFunc("PATCH /api/notifications/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.failRead {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		b.readIDs = append(b.readIDs, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/notifications/read-all", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.readAll = append(b.readAll, body["priority"])
		b.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /api/notifications/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.deleted = append(b.deleted, r.PathValue("id"))
		b.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (b *fakeBackend) recorded() (readIDs, readAll, deleted []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.readIDs...), append([]string(nil), b.readAll...), append([]string(nil), b.deleted...)
}

type env struct {
	backend  *fakeBackend
	sessions *session.Sessions
	server   *httptest.Server
}

func setup(t *testing.T, dialer realtime.Dialer, autoConnect bool) *env {
	t.Helper()
	return setupWith(t, dialer, session.Config{AutoConnect: autoConnect}, Config{Heartbeat: time.Hour})
}

func setupWith(t *testing.T, dialer realtime.Dialer, sessCfg session.Config, cfg Config) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fb := &fakeBackend{}
	upstream := httptest.NewServer(fb.handler())
	t.Cleanup(upstream.Close)

	m := metrics.New("test", nil)
	client := backend.NewClient(backend.Config{BaseURL: upstream.URL}, logger.Nop(), m)
	sessCfg.Realtime = realtime.Config{
		HubURL:          upstream.URL + "/hubs/notifications",
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxRetries:      1,
	}
	sessions := session.NewSessions(sessCfg, client, dialer, logger.Nop(), m)
	t.Cleanup(sessions.Shutdown)

	r := gin.New()
	r.Use(middleware.ErrorHandler(logger.Nop()))
	api := r.Group("/api", middleware.RequireSession(sessions, "auth_token"))
	NewHandler(cfg, logger.Nop()).RegisterRoutes(api)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &env{backend: fb, sessions: sessions, server: srv}
}

func (e *env) do(t *testing.T, method, path string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: "driver-token"})

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func data(body map[string]interface{}) map[string]interface{} {
	d, _ := body["data"].(map[string]interface{})
	return d
}

func TestListLoadsFirstPage(t *testing.T) {
	e := setup(t, realtimetest.NewDialer(), false)

	status, body := e.do(t, http.MethodGet, "/api/notifications")
	require.Equal(t, http.StatusOK, status)

	snap := data(body)
	assert.Equal(t, 1.0, snap["unreadCount"])
	assert.Len(t, snap["notifications"], 2)
}

func TestRequiresCookie(t *testing.T) {
	e := setup(t, realtimetest.NewDialer(), false)

	resp, err := http.Get(e.server.URL + "/api/notifications")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMarkAsRead(t *testing.T) {
	e := setup(t, realtimetest.NewDialer(), false)
	e.do(t, http.MethodGet, "/api/notifications")

	status, body := e.do(t, http.MethodPatch, "/api/notifications/n-1/read")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0.0, data(body)["unreadCount"])
	readIDs, _, _ := e.backend.recorded()
	assert.Equal(t, []string{"n-1"}, readIDs)
}

func TestMarkAsReadFailureRollsBack(t *testing.T) {
	e := setup(t, realtimetest.NewDialer(), false)
	e.do(t, http.MethodGet, "/api/notifications")
	e.backend.mu.Lock()
	e.backend.failRead = true
	e.backend.mu.Unlock()

	status, _ := e.do(t, http.MethodPatch, "/api/notifications/n-1/read")
	assert.Equal(t, http.StatusBadGateway, status)

	_, body := e.do(t, http.MethodGet, "/api/notifications")
	assert.Equal(t, 1.0, data(body)["unreadCount"])
}

func TestMarkAllAsRead(t *testing.T) {
	e := setup(t, realtimetest.NewDialer(), false)
	e.do(t, http.MethodGet, "/api/notifications")

	status, _ := e.do(t, http.MethodPost, "/api/notifications/read-all?priority=bogus")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = e.do(t, http.MethodPost, "/api/notifications/read-all?priority=high")
	require.Equal(t, http.StatusOK, status)

	status, body := e.do(t, http.MethodPost, "/api/notifications/read-all")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0.0, data(body)["unreadCount"])
	_, readAll, _ := e.backend.recorded()
	assert.Equal(t, []string{"high", ""}, readAll)
}

func TestDelete(t *testing.T) {
	e := setup(t, realtimetest.NewDialer(), false)
	e.do(t, http.MethodGet, "/api/notifications")

	status, body := e.do(t, http.MethodDelete, "/api/notifications/n-2")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, data(body)["notifications"], 1)
	_, _, deleted := e.backend.recorded()
	assert.Equal(t, []string{"n-2"}, deleted)
}

func TestStreamForwardsPushEvents(t *testing.T) {
	conn := realtimetest.NewConn()
	e := setup(t, realtimetest.NewDialer(conn), true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.server.URL+"/api/notifications/stream", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: "driver-token"})

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sess, ok := e.sessions.Lookup("driver-token")
	require.True(t, ok)
	require.Eventually(t, func() bool { return sess.Manager.Status().Connected }, 2*time.Second, 5*time.Millisecond)

	conn.Push(`{"id":"push-1","type":"ride_requested","title":"New ride","payload":{"rideId":"r-1","pickup":{"lat":43.2,"lng":76.9}}}`)

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	deadline := time.After(2 * time.Second)
	var sawEvent bool
	for !sawEvent {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed early")
			if strings.HasPrefix(line, "data:") && strings.Contains(line, "push-1") {
				sawEvent = true
			}
		case <-deadline:
			t.Fatal("push event not streamed")
		}
	}

	assert.Equal(t, 2, sess.Manager.Subscribers(events.TagRideRequested))

	cancel()
	// only the store's own subscription remains
	require.Eventually(t, func() bool {
		return sess.Manager.Subscribers(events.TagRideRequested) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func openStream(t *testing.T, e *env) (<-chan string, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.server.URL+"/api/notifications/stream", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: "driver-token"})

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lines := make(chan string, 64)
	go func() {
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	return lines, cancel
}

func TestStreamKeepsSessionAlive(t *testing.T) {
	e := setupWith(t, realtimetest.NewDialer(),
		session.Config{IdleTTL: 80 * time.Millisecond},
		Config{Heartbeat: 10 * time.Millisecond})

	_, cancel := openStream(t, e)
	defer cancel()

	sess, ok := e.sessions.Lookup("driver-token")
	require.True(t, ok)

	time.Sleep(250 * time.Millisecond)

	got, ok := e.sessions.Lookup("driver-token")
	require.True(t, ok, "session expired while the stream was open")
	assert.Same(t, sess, got)
	select {
	case <-sess.Done():
		t.Fatal("session closed while the stream was open")
	default:
	}
}

func TestStreamEndsWhenSessionCloses(t *testing.T) {
	e := setup(t, realtimetest.NewDialer(), false)

	lines, cancel := openStream(t, e)
	defer cancel()

	// drain the initial status event
	require.Eventually(t, func() bool {
		select {
		case line := <-lines:
			return strings.HasPrefix(line, "event:")
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	e.sessions.Close("driver-token")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-lines:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream still open after its session closed")
		}
	}
}
