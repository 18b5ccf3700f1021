package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errTransport = errors.New("connection refused")

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:                "backend",
		ConsecutiveFailures: 2,
		Timeout:             time.Minute,
	})

	assert.ErrorIs(t, cb.Execute(func() error { return errTransport }), errTransport)
	assert.ErrorIs(t, cb.Execute(func() error { return errTransport }), errTransport)

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.Equal(t, "open", cb.State())
}

func TestBreakerIgnoresNonFailures(t *testing.T) {
	errNotFound := errors.New("not found")
	cb := NewCircuitBreaker(Settings{
		Name:                "backend",
		ConsecutiveFailures: 1,
		Timeout:             time.Minute,
		IsFailure: func(err error) bool {
			return !errors.Is(err, errNotFound)
		},
	})

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errNotFound }), errNotFound)
	}
	assert.Equal(t, "closed", cb.State())
}

func TestBreakerReportsStateChanges(t *testing.T) {
	var states []string
	cb := NewCircuitBreaker(Settings{
		Name:                "backend",
		ConsecutiveFailures: 1,
		Timeout:             time.Minute,
		OnStateChange: func(_, state string) {
			states = append(states, state)
		},
	})

	_ = cb.Execute(func() error { return errTransport })
	assert.Equal(t, []string{"open"}, states)
}
