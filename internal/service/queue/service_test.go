package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/transfer-portal/internal/backend"
	"github.com/jwalitptl/transfer-portal/internal/model"
	"github.com/jwalitptl/transfer-portal/pkg/errors"
	"github.com/jwalitptl/transfer-portal/pkg/logger"
	"github.com/jwalitptl/transfer-portal/pkg/metrics"
)

// fakeQueue keeps one membership per bearer token, like the backend does.
type fakeQueue struct {
	mu      sync.Mutex
	members map[string]model.QueueMembership
	fail    bool
}

func (f *fakeQueue) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	driver := r.Header.Get("Authorization")
	m, queued := f.members[driver]
	switch r.Method {
	case http.MethodGet:
		if !queued {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(m)
	case http.MethodPost:
		pos := len(f.members) + 1
		m = model.QueueMembership{DriverID: "drv-1", JoinedAt: time.Now().UTC(), Position: &pos}
		f.members[driver] = m
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(m)
	case http.MethodDelete:
		if !queued {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.members, driver)
		w.WriteHeader(http.StatusNoContent)
	}
}

func newTestService(t *testing.T) (Service, *fakeQueue) {
	t.Helper()
	fq := &fakeQueue{members: make(map[string]model.QueueMembership)}
	srv := httptest.NewServer(fq)
	t.Cleanup(srv.Close)

	client := backend.NewClient(backend.Config{BaseURL: srv.URL}, logger.Nop(), metrics.New("test", nil))
	return NewService(client.WithToken("driver-token"), ""), fq
}

func TestStatusWhenNotQueued(t *testing.T) {
	svc, _ := newTestService(t)

	m, err := svc.GetQueueStatus(context.Background())

	assert.NoError(t, err)
	assert.Nil(t, m)
}

func TestStatusServerErrorIsNotNull(t *testing.T) {
	svc, fq := newTestService(t)
	fq.fail = true

	m, err := svc.GetQueueStatus(context.Background())

	require.Error(t, err)
	assert.Nil(t, m)
	assert.True(t, errors.HasCode(err, errors.ErrUpstream))
}

func TestStatusTransportErrorIsNotNull(t *testing.T) {
	client := backend.NewClient(backend.Config{BaseURL: "http://127.0.0.1:1"}, logger.Nop(), metrics.New("test", nil))
	svc := NewService(client, "")

	m, err := svc.GetQueueStatus(context.Background())

	require.Error(t, err)
	assert.Nil(t, m)
	assert.True(t, errors.IsUnavailable(err))
}

func TestJoinThenLeave(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	joined, err := svc.JoinQueue(ctx)
	require.NoError(t, err)
	require.NotNil(t, joined)
	assert.Equal(t, "drv-1", joined.DriverID)

	status, err := svc.GetQueueStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, status)
	require.NotNil(t, status.Position)
	assert.Equal(t, 1, *status.Position)

	require.NoError(t, svc.LeaveQueue(ctx))

	status, err = svc.GetQueueStatus(ctx)
	require.NoError(t, err)
	assert.Nil(t, status)

	assert.NoError(t, svc.LeaveQueue(ctx), "leaving twice is not an error")
}
