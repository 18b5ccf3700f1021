package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jwalitptl/transfer-portal/internal/events"
	"github.com/jwalitptl/transfer-portal/pkg/logger"
	"github.com/jwalitptl/transfer-portal/pkg/messaging"
	"github.com/jwalitptl/transfer-portal/pkg/metrics"
)

type RelayConfig struct {
	Channel       string
	RetryAttempts int
	RetryDelay    time.Duration
	// QueueSize bounds events waiting to be published. Events arriving
	// while the queue is full are dropped and counted as failed.
	QueueSize int
}

// Source is where the relay receives push events from.
type Source interface {
	On(tag events.Tag, h events.Handler) (events.SubscriptionID, error)
	Off(tag events.Tag, id events.SubscriptionID) bool
}

// Relay republishes every push event from a Source onto a broker channel.
type Relay struct {
	source  Source
	broker  messaging.Broker
	config  RelayConfig
	logger  *logger.Logger
	metrics *metrics.Metrics

	queue chan events.Event
}

func NewRelay(source Source, broker messaging.Broker, config RelayConfig, log *logger.Logger, m *metrics.Metrics) *Relay {
	if config.Channel == "" {
		config.Channel = "transfer.events"
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 500 * time.Millisecond
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}

	return &Relay{
		source:  source,
		broker:  broker,
		config:  config,
		logger:  log.WithComponent("relay"),
		metrics: m,
		queue:   make(chan events.Event, config.QueueSize),
	}
}

// Start subscribes to every tag and publishes until ctx is done. It blocks
// and unsubscribes before returning.
func (r *Relay) Start(ctx context.Context) error {
	type sub struct {
		tag events.Tag
		id  events.SubscriptionID
	}
	var subs []sub
	defer func() {
		for _, s := range subs {
			r.source.Off(s.tag, s.id)
		}
	}()

	for _, tag := range events.Tags() {
		id, err := r.source.On(tag, r.enqueue)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", tag, err)
		}
		subs = append(subs, sub{tag: tag, id: id})
	}

	r.logger.Info("Starting relay", "channel", r.config.Channel, "tags", len(subs))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Shutting down relay")
			return nil
		case ev := <-r.queue:
			if err := r.publish(ctx, ev); err != nil {
				r.logger.Error(err, "Failed to publish event",
					"event_id", ev.ID,
					"event_type", string(ev.Type))
			}
		}
	}
}

func (r *Relay) enqueue(ev events.Event) {
	select {
	case r.queue <- ev:
	default:
		r.metrics.RelayFailed.WithLabelValues(string(ev.Type)).Inc()
		r.logger.Warn("relay queue full, dropping event", "event_id", ev.ID, "event_type", string(ev.Type))
	}
}

func (r *Relay) publish(ctx context.Context, ev events.Event) error {
	err := retry(ctx, r.config.RetryAttempts, r.config.RetryDelay, func() error {
		return r.broker.Publish(ctx, r.config.Channel, ev)
	})
	if err != nil {
		r.metrics.RelayFailed.WithLabelValues(string(ev.Type)).Inc()
		return err
	}
	r.metrics.RelayPublished.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)),
		ctx,
	)
	return backoff.Retry(fn, b)
}
