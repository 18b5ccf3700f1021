package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/transfer-portal/internal/backend"
	"github.com/jwalitptl/transfer-portal/internal/middleware"
	"github.com/jwalitptl/transfer-portal/internal/realtime"
	"github.com/jwalitptl/transfer-portal/internal/realtime/realtimetest"
	"github.com/jwalitptl/transfer-portal/internal/session"
	"github.com/jwalitptl/transfer-portal/pkg/logger"
	"github.com/jwalitptl/transfer-portal/pkg/metrics"
)

func setup(t *testing.T, dialer realtime.Dialer) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m := metrics.New("test", nil)
	client := backend.NewClient(backend.Config{BaseURL: "http://backend.invalid"}, logger.Nop(), m)
	sessions := session.NewSessions(session.Config{
		Realtime: realtime.Config{
			HubURL:          "http://backend.invalid/hubs/notifications",
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
			MaxRetries:      2,
		},
	}, client, dialer, logger.Nop(), m)
	t.Cleanup(sessions.Shutdown)

	r := gin.New()
	r.Use(middleware.ErrorHandler(logger.Nop()))
	NewHandler(2*time.Second).RegisterRoutes(r.Group("/api", middleware.RequireSession(sessions, "auth_token")))
	return r
}

func call(t *testing.T, r *gin.Engine, method, path string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: "driver-1"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func state(body map[string]interface{}) interface{} {
	data, _ := body["data"].(map[string]interface{})
	return data["state"]
}

func TestConnectAndDisconnect(t *testing.T) {
	r := setup(t, realtimetest.NewDialer(realtimetest.NewConn()))

	status, body := call(t, r, http.MethodGet, "/api/realtime/status")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "disconnected", state(body))

	status, body = call(t, r, http.MethodPost, "/api/realtime/connect")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "connected", state(body))

	status, body = call(t, r, http.MethodPost, "/api/realtime/disconnect")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "disconnected", state(body))
}

func TestConnectFailure(t *testing.T) {
	dialer := realtimetest.NewDialer()
	r := setup(t, dialer)

	status, body := call(t, r, http.MethodPost, "/api/realtime/connect")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, 3, dialer.Dials())
}
