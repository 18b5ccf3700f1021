package events

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jwalitptl/transfer-portal/pkg/logger"
	"github.com/jwalitptl/transfer-portal/pkg/metrics"
	"github.com/jwalitptl/transfer-portal/pkg/validator"
)

// Handler receives a decoded event.
type Handler func(Event)

// SubscriptionID identifies one registration so it can be removed again.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Registry routes decoded push events to the handlers registered for their tag.
type Registry struct {
	mu        sync.RWMutex
	subs      map[Tag][]subscription
	nextID    SubscriptionID
	validator validator.Validator
	logger    *logger.Logger
	metrics   *metrics.Metrics
}

func NewRegistry(log *logger.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		subs:      make(map[Tag][]subscription),
		validator: validator.New(),
		logger:    log.WithComponent("event_registry"),
		metrics:   m,
	}
}

// Subscribe appends h to the handlers for tag. Handlers run in registration order.
func (r *Registry) Subscribe(tag Tag, h Handler) (SubscriptionID, error) {
	if !Known(tag) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	if h == nil {
		return 0, errors.New("handler is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.subs[tag] = append(r.subs[tag], subscription{id: r.nextID, handler: h})
	return r.nextID, nil
}

// Unsubscribe removes a registration. It reports whether one was found.
func (r *Registry) Unsubscribe(tag Tag, id SubscriptionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subs[tag]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		next := make([]subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(r.subs, tag)
		} else {
			r.subs[tag] = next
		}
		return true
	}
	return false
}

// Subscribers returns the number of handlers registered for tag.
func (r *Registry) Subscribers(tag Tag) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[tag])
}

// Dispatch decodes raw and delivers it to every handler for its tag, returning
// how many handlers ran to completion. Malformed, invalid and unknown messages
// are dropped; a panicking handler does not stop the others.
func (r *Registry) Dispatch(raw []byte) int {
	ev, err := decode(raw, r.validator)
	if err != nil {
		reason := "malformed"
		switch {
		case errors.Is(err, ErrUnknownTag):
			reason = "unknown_tag"
		case errors.Is(err, ErrInvalidEvent):
			reason = "invalid"
		}
		r.metrics.EventsDropped.WithLabelValues(reason).Inc()
		r.logger.Debug("dropping push event", "reason", reason, "error", err.Error())
		return 0
	}

	return r.Deliver(ev)
}

// Deliver hands an already decoded event to its subscribers.
func (r *Registry) Deliver(ev Event) int {
	r.mu.RLock()
	subs := r.subs[ev.Type]
	r.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		if r.invoke(s, ev) {
			delivered++
		}
	}
	if delivered > 0 {
		r.metrics.EventsDispatched.WithLabelValues(string(ev.Type)).Add(float64(delivered))
	}
	return delivered
}

func (r *Registry) invoke(s subscription, ev Event) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.EventsDropped.WithLabelValues("handler_panic").Inc()
			r.logger.Warn("push event handler panicked",
				"tag", string(ev.Type),
				"subscription", uint64(s.id),
				"panic", fmt.Sprint(rec))
			ok = false
		}
	}()
	s.handler(ev)
	return true
}

// Typed adapts a handler interested in a single payload type.
func Typed[P Payload](fn func(Event, P)) Handler {
	return func(ev Event) {
		if p, ok := ev.Payload.(P); ok {
			fn(ev, p)
		}
	}
}
