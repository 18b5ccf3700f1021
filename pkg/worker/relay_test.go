package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/transfer-portal/internal/events"
	"github.com/jwalitptl/transfer-portal/pkg/logger"
	"github.com/jwalitptl/transfer-portal/pkg/metrics"
)

type registrySource struct {
	*events.Registry
}

func (s registrySource) On(tag events.Tag, h events.Handler) (events.SubscriptionID, error) {
	return s.Subscribe(tag, h)
}

func (s registrySource) Off(tag events.Tag, id events.SubscriptionID) bool {
	return s.Unsubscribe(tag, id)
}

type fakeBroker struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	published []published
}

type published struct {
	channel string
	data    []byte
}

func (b *fakeBroker) Publish(_ context.Context, channel string, message interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls <= b.failFirst {
		return errors.New("connection reset")
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	b.published = append(b.published, published{channel: channel, data: data})
	return nil
}

func (b *fakeBroker) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) snapshot() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.published...)
}

func startRelay(t *testing.T, broker *fakeBroker, cfg RelayConfig) (*events.Registry, *metrics.Metrics, func()) {
	t.Helper()
	m := metrics.New("test", nil)
	registry := events.NewRegistry(logger.Nop(), m)
	relay := NewRelay(registrySource{registry}, broker, cfg, logger.Nop(), m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Start(ctx) }()

	require.Eventually(t, func() bool {
		return registry.Subscribers(events.TagRideRequested) == 1
	}, time.Second, 5*time.Millisecond)

	stop := func() {
		cancel()
		require.NoError(t, <-done)
	}
	return registry, m, stop
}

const rideRequested = `{"id":"evt-1","type":"ride_requested","title":"New ride","createdAt":"2024-05-01T10:00:00Z",` +
	`"payload":{"rideId":"r-1","pickup":{"lat":43.2,"lng":76.9}}}`

func TestRelayPublishesEveryTag(t *testing.T) {
	broker := &fakeBroker{}
	registry, m, stop := startRelay(t, broker, RelayConfig{Channel: "push"})

	for _, tag := range events.Tags() {
		assert.Equal(t, 1, registry.Subscribers(tag), tag)
	}

	assert.Equal(t, 1, registry.Dispatch([]byte(rideRequested)))
	require.Eventually(t, func() bool { return len(broker.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	got := broker.snapshot()[0]
	assert.Equal(t, "push", got.channel)
	assert.JSONEq(t, rideRequested, string(got.data))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelayPublished.WithLabelValues("ride_requested")))

	stop()
	for _, tag := range events.Tags() {
		assert.Equal(t, 0, registry.Subscribers(tag), tag)
	}
}

func TestRelayRetriesPublish(t *testing.T) {
	broker := &fakeBroker{failFirst: 2}
	registry, m, stop := startRelay(t, broker, RelayConfig{RetryAttempts: 3, RetryDelay: time.Millisecond})
	defer stop()

	registry.Dispatch([]byte(rideRequested))
	require.Eventually(t, func() bool { return len(broker.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RelayFailed.WithLabelValues("ride_requested")))
}

func TestRelayCountsExhaustedRetries(t *testing.T) {
	broker := &fakeBroker{failFirst: 100}
	registry, m, stop := startRelay(t, broker, RelayConfig{RetryAttempts: 2, RetryDelay: time.Millisecond})
	defer stop()

	registry.Dispatch([]byte(rideRequested))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.RelayFailed.WithLabelValues("ride_requested")) == 1
	}, time.Second, 5*time.Millisecond)

	broker.mu.Lock()
	assert.Equal(t, 2, broker.calls)
	broker.mu.Unlock()
	assert.Empty(t, broker.snapshot())
}
