package geocoding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/transfer-portal/internal/middleware"
	"github.com/jwalitptl/transfer-portal/internal/service/geocoding"
	"github.com/jwalitptl/transfer-portal/pkg/errors"
	"github.com/jwalitptl/transfer-portal/pkg/logger"
)

type fakeService struct {
	places []geocoding.Place
	err    error
	calls  []string
}

func (f *fakeService) Search(_ context.Context, q string) ([]geocoding.Place, error) {
	f.calls = append(f.calls, q)
	return f.places, f.err
}

func setup(svc geocoding.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.ErrorHandler(logger.Nop()))
	NewHandler(svc).RegisterRoutes(r.Group("/api"))
	return r
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestSearch(t *testing.T) {
	svc := &fakeService{places: []geocoding.Place{{DisplayName: "Almaty, Kazakhstan", Lat: 43.24, Lng: 76.89, Type: "city"}}}
	r := setup(svc)

	w := get(r, "/api/geocoding/search?q=Almaty")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data []geocoding.Place `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, svc.places, body.Data)
	assert.Equal(t, []string{"Almaty"}, svc.calls)
}

func TestSearchRequiresQuery(t *testing.T) {
	svc := &fakeService{}
	w := get(setup(svc), "/api/geocoding/search?q=%20")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, svc.calls)
}

func TestSearchUpstreamFailure(t *testing.T) {
	w := get(setup(&fakeService{err: errors.Unavailable(nil)}), "/api/geocoding/search?q=Astana")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSearchEmptyResultIsArray(t *testing.T) {
	w := get(setup(&fakeService{}), "/api/geocoding/search?q=nowhere")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success","data":[]}`, w.Body.String())
}
