package geocoding

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/transfer-portal/internal/backend"
	"github.com/jwalitptl/transfer-portal/pkg/errors"
	"github.com/jwalitptl/transfer-portal/pkg/logger"
	"github.com/jwalitptl/transfer-portal/pkg/metrics"
)

func TestSearchRestrictsCountryAndCaches(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "kz", r.URL.Query().Get("countrycodes"))
		assert.Equal(t, "Abay 10", r.URL.Query().Get("q"))
		assert.Equal(t, "transfer-portal/test", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`[
			{"display_name":"Abay Avenue 10, Almaty","lat":"43.2406","lon":"76.9286","type":"house"},
			{"display_name":"broken","lat":"","lon":""}
		]`))
	}))
	defer srv.Close()

	client := backend.NewClient(backend.Config{BaseURL: srv.URL, UserAgent: "transfer-portal/test", Name: "geocoder"},
		logger.Nop(), metrics.New("test", nil))
	svc := NewService(client, Config{RequestsPerSecond: 100}, logger.Nop())
	ctx := context.Background()

	places, err := svc.Search(ctx, "Abay 10")
	require.NoError(t, err)
	require.Len(t, places, 1)
	assert.Equal(t, "Abay Avenue 10, Almaty", places[0].DisplayName)
	assert.InDelta(t, 43.2406, places[0].Lat, 1e-9)

	again, err := svc.Search(ctx, "  abay 10 ")
	require.NoError(t, err)
	assert.Equal(t, places, again)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSearchRequiresQuery(t *testing.T) {
	client := backend.NewClient(backend.Config{BaseURL: "http://127.0.0.1:1"}, logger.Nop(), metrics.New("test", nil))
	svc := NewService(client, Config{}, logger.Nop())

	_, err := svc.Search(context.Background(), "   ")

	assert.True(t, errors.HasCode(err, errors.ErrBadRequest))
}

func TestSearchHonoursContextWhileRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := backend.NewClient(backend.Config{BaseURL: srv.URL}, logger.Nop(), metrics.New("test", nil))
	svc := NewService(client, Config{RequestsPerSecond: 0.001}, logger.Nop())

	_, err := svc.Search(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.Search(ctx, "second")
	assert.Error(t, err)
}
