package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jwalitptl/transfer-portal/internal/events"
	"github.com/jwalitptl/transfer-portal/internal/model"
	"github.com/jwalitptl/transfer-portal/pkg/logger"
	"github.com/jwalitptl/transfer-portal/pkg/metrics"
)

var (
	// ErrDisconnected resolves pending Connect calls when Disconnect wins the race.
	ErrDisconnected = errors.New("realtime connection closed by client")
	// ErrRetriesExhausted is returned once the backoff policy gives up.
	ErrRetriesExhausted = errors.New("realtime connection retries exhausted")
)

type Config struct {
	HubURL            string
	HandshakeTimeout  time.Duration
	IdleTimeout       time.Duration
	KeepAliveInterval time.Duration
	InitialInterval   time.Duration
	MaxInterval       time.Duration
	Multiplier        float64
	MaxRetries        int
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 15 * time.Second
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = backoff.DefaultMultiplier
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
}

// TokenSource supplies the bearer credential for each connect attempt.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken always returns the same credential.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// Manager owns one realtime connection to the hub and its status.
type Manager struct {
	cfg      Config
	hubURL   string
	dialer   Dialer
	tokens   TokenSource
	registry *events.Registry
	logger   *logger.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	status    model.ConnectionStatus
	gen       uint64
	cancel    context.CancelFunc
	waiters   []chan error
	observers map[int]func(model.ConnectionStatus)
	nextObs   int
	// pending holds status snapshots in transition order until one
	// goroutine delivers them.
	pending    []model.ConnectionStatus
	delivering bool
}

func NewManager(cfg Config, dialer Dialer, tokens TokenSource, registry *events.Registry, log *logger.Logger, m *metrics.Metrics) (*Manager, error) {
	switch {
	case dialer == nil:
		return nil, errors.New("realtime: dialer is required")
	case tokens == nil:
		return nil, errors.New("realtime: token source is required")
	case registry == nil:
		return nil, errors.New("realtime: event registry is required")
	case log == nil:
		return nil, errors.New("realtime: logger is required")
	case m == nil:
		return nil, errors.New("realtime: metrics are required")
	}

	hubURL, err := websocketURL(cfg.HubURL)
	if err != nil {
		return nil, err
	}
	cfg.setDefaults()

	m.ConnectionState.WithLabelValues(string(model.ConnectionStateDisconnected)).Inc()

	return &Manager{
		cfg:       cfg,
		hubURL:    hubURL,
		dialer:    dialer,
		tokens:    tokens,
		registry:  registry,
		logger:    log.WithComponent("realtime"),
		metrics:   m,
		status:    model.ConnectionStatus{State: model.ConnectionStateDisconnected},
		observers: make(map[int]func(model.ConnectionStatus)),
	}, nil
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("realtime: invalid hub url %q", raw)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("realtime: unsupported hub url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Connect starts connecting in the background and returns a channel that
// receives exactly one value: nil once connected, or the terminal error.
// Calling it while a connection is live or in progress does not start a
// second one.
func (m *Manager) Connect() <-chan error {
	done := make(chan error, 1)

	m.mu.Lock()
	switch m.status.State {
	case model.ConnectionStateConnected:
		m.mu.Unlock()
		done <- nil
		return done
	case model.ConnectionStateConnecting:
		m.waiters = append(m.waiters, done)
		m.mu.Unlock()
		return done
	}

	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.waiters = append(m.waiters, done)
	m.setStateLocked(model.ConnectionStateConnecting)
	m.status.Attempt = 0
	m.enqueueStatusLocked()
	m.mu.Unlock()

	m.flushStatus()
	m.logger.Info("connecting to realtime hub", "url", m.hubURL)

	go m.run(ctx, gen)
	return done
}

// Disconnect tears down the transport and stops event delivery. Handler
// registrations are kept.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.status.State == model.ConnectionStateDisconnected {
		m.mu.Unlock()
		return
	}
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	waiters := m.waiters
	m.waiters = nil
	m.setStateLocked(model.ConnectionStateDisconnected)
	m.status.ConnectedAt = nil
	m.status.Attempt = 0
	m.enqueueStatusLocked()
	m.mu.Unlock()

	for _, w := range waiters {
		w <- ErrDisconnected
	}
	m.flushStatus()
	m.logger.Info("disconnected from realtime hub")
}

// On registers h for tag. Registration is allowed before Connect.
func (m *Manager) On(tag events.Tag, h events.Handler) (events.SubscriptionID, error) {
	return m.registry.Subscribe(tag, h)
}

func (m *Manager) Off(tag events.Tag, id events.SubscriptionID) bool {
	return m.registry.Unsubscribe(tag, id)
}

// Subscribers reports how many handlers are registered for tag.
func (m *Manager) Subscribers(tag events.Tag) int {
	return m.registry.Subscribers(tag)
}

// Status returns a copy of the current connection status.
func (m *Manager) Status() model.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// OnStatusChange registers fn to be called after every status transition.
// The returned function removes it.
func (m *Manager) OnStatusChange(fn func(model.ConnectionStatus)) func() {
	m.mu.Lock()
	m.nextObs++
	id := m.nextObs
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = m.cfg.InitialInterval
	exp.MaxInterval = m.cfg.MaxInterval
	exp.Multiplier = m.cfg.Multiplier
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(m.cfg.MaxRetries))
}

func (m *Manager) run(ctx context.Context, gen uint64) {
	policy := m.newBackOff()

	for {
		if !m.beginAttempt(gen) {
			return
		}

		conn, pending, err := m.dial(ctx)
		if err == nil {
			policy.Reset()
			if !m.connected(gen) {
				conn.Close()
				return
			}
			err = m.serve(ctx, gen, conn, pending)
			conn.Close()
			m.metrics.ActiveConnections.Dec()

			if ctx.Err() != nil {
				return
			}

			var closeErr *CloseError
			if errors.As(err, &closeErr) && !closeErr.AllowReconnect {
				m.fail(gen, err)
				return
			}
			m.logger.Warn("realtime connection dropped", "error", err.Error())
			if !m.dropped(gen, err) {
				return
			}
		} else {
			if ctx.Err() != nil {
				return
			}
			m.metrics.ConnectAttempts.WithLabelValues("failure").Inc()
			m.logger.Warn("realtime connect attempt failed", "error", err.Error())
			m.recordError(gen, err)
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			m.fail(gen, fmt.Errorf("%w: %v", ErrRetriesExhausted, err))
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) dial(ctx context.Context) (Conn, [][]byte, error) {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get access token: %w", err)
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(dialCtx, m.hubURL, header)
	if err != nil {
		return nil, nil, err
	}

	pending, err := m.handshake(conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, pending, nil
}

// handshake negotiates the JSON hub protocol and returns any records that
// arrived in the same frame as the handshake response.
func (m *Manager) handshake(conn Conn) ([][]byte, error) {
	if err := conn.WriteMessage(handshakeRequest); err != nil {
		return nil, fmt.Errorf("failed to send handshake: %w", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout)); err != nil {
		return nil, err
	}
	frame, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read handshake: %w", err)
	}
	records := splitRecords(frame)
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty response", errHandshake)
	}
	if err := parseHandshake(records[0]); err != nil {
		return nil, err
	}
	return records[1:], nil
}

// serve reads frames until the connection drops or ctx is cancelled.
func (m *Manager) serve(ctx context.Context, gen uint64, conn Conn, pending [][]byte) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(m.cfg.KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteMessage(pingRecord); err != nil {
					m.logger.Debug("failed to send keep-alive", "error", err.Error())
				}
			}
		}
	}()

	for _, rec := range pending {
		if err := m.handleRecord(gen, rec); err != nil {
			return err
		}
	}

	for {
		if err := conn.SetReadDeadline(time.Now().Add(m.cfg.IdleTimeout)); err != nil {
			return err
		}
		frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		for _, rec := range splitRecords(frame) {
			if err := m.handleRecord(gen, rec); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) handleRecord(gen uint64, rec []byte) error {
	msg, err := parseMessage(rec)
	if err != nil {
		m.logger.Debug("skipping hub record", "error", err.Error())
		return nil
	}

	switch msg.Type {
	case invocationMessage:
		if len(msg.Arguments) == 0 {
			m.logger.Debug("skipping invocation without arguments", "target", msg.Target)
			return nil
		}
		if !m.current(gen) {
			return nil
		}
		m.registry.Dispatch(msg.Arguments[0])
	case pingMessage:
	case closeMessage:
		return &CloseError{Message: msg.Error, AllowReconnect: msg.AllowReconnect}
	case streamItemMessage, completionMessage:
		m.logger.Debug("ignoring hub stream message", "type", msg.Type)
	default:
		m.logger.Debug("ignoring hub message", "type", msg.Type)
	}
	return nil
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *Manager) beginAttempt(gen uint64) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.status.Attempt++
	m.enqueueStatusLocked()
	m.mu.Unlock()

	m.flushStatus()
	return true
}

func (m *Manager) connected(gen uint64) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	now := time.Now()
	m.setStateLocked(model.ConnectionStateConnected)
	m.status.LastError = nil
	m.status.Attempt = 0
	m.status.ConnectedAt = &now
	waiters := m.waiters
	m.waiters = nil
	m.enqueueStatusLocked()
	m.mu.Unlock()

	m.metrics.ConnectAttempts.WithLabelValues("success").Inc()
	m.metrics.ActiveConnections.Inc()
	for _, w := range waiters {
		w <- nil
	}
	m.flushStatus()
	m.logger.Info("connected to realtime hub")
	return true
}

func (m *Manager) dropped(gen uint64, err error) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.setStateLocked(model.ConnectionStateConnecting)
	m.setErrorLocked(err)
	m.status.ConnectedAt = nil
	m.enqueueStatusLocked()
	m.mu.Unlock()

	m.flushStatus()
	return true
}

func (m *Manager) recordError(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.setErrorLocked(err)
	m.enqueueStatusLocked()
	m.mu.Unlock()

	m.flushStatus()
}

func (m *Manager) fail(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.setStateLocked(model.ConnectionStateError)
	m.setErrorLocked(err)
	m.status.ConnectedAt = nil
	waiters := m.waiters
	m.waiters = nil
	m.enqueueStatusLocked()
	m.mu.Unlock()

	for _, w := range waiters {
		w <- err
	}
	m.flushStatus()
	m.logger.Error(err, "realtime connection failed")
}

func (m *Manager) setStateLocked(state model.ConnectionState) {
	prev := m.status.State
	if prev == state {
		return
	}
	m.metrics.ConnectionState.WithLabelValues(string(prev)).Dec()
	m.metrics.ConnectionState.WithLabelValues(string(state)).Inc()

	m.status.State = state
	m.status.Connected = state == model.ConnectionStateConnected
	m.status.Connecting = state == model.ConnectionStateConnecting
}

func (m *Manager) setErrorLocked(err error) {
	if err == nil {
		m.status.LastError = nil
		return
	}
	msg := err.Error()
	m.status.LastError = &msg
}

func (m *Manager) snapshotLocked() model.ConnectionStatus {
	s := m.status
	if s.LastError != nil {
		msg := *s.LastError
		s.LastError = &msg
	}
	if s.ConnectedAt != nil {
		at := *s.ConnectedAt
		s.ConnectedAt = &at
	}
	return s
}

// enqueueStatusLocked records the current status for observers. It must be
// called in the same critical section as the transition.
func (m *Manager) enqueueStatusLocked() {
	m.pending = append(m.pending, m.snapshotLocked())
}

// flushStatus delivers queued snapshots in order. Only one goroutine drains
// the queue at a time; others return and leave their snapshots to it.
func (m *Manager) flushStatus() {
	m.mu.Lock()
	if m.delivering {
		m.mu.Unlock()
		return
	}
	m.delivering = true
	for len(m.pending) > 0 {
		status := m.pending[0]
		m.pending = m.pending[1:]
		observers := make([]func(model.ConnectionStatus), 0, len(m.observers))
		for _, fn := range m.observers {
			observers = append(observers, fn)
		}
		m.mu.Unlock()

		for _, fn := range observers {
			fn(status)
		}

		m.mu.Lock()
	}
	m.delivering = false
	m.mu.Unlock()
}
