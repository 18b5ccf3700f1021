package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/transfer-portal/internal/backend"
	"github.com/jwalitptl/transfer-portal/internal/events"
	"github.com/jwalitptl/transfer-portal/internal/model"
	"github.com/jwalitptl/transfer-portal/internal/realtime"
	"github.com/jwalitptl/transfer-portal/internal/service/notification"
	"github.com/jwalitptl/transfer-portal/internal/service/queue"
	"github.com/jwalitptl/transfer-portal/pkg/logger"
	"github.com/jwalitptl/transfer-portal/pkg/metrics"
)

// ErrNoToken is returned for requests without an auth credential.
var ErrNoToken = errors.New("session: missing auth token")

type Config struct {
	IdleTTL time.Duration
	// AutoConnect opens the realtime connection when a session is created.
	AutoConnect    bool
	RefreshTimeout time.Duration
	Realtime       realtime.Config
	Store          notification.Config
	QueuePath      string
}

// Session is the per-credential root scope: one realtime connection, one
// notification store and one queue client.
type Session struct {
	Manager *realtime.Manager
	Store   *notification.Store
	Queue   queue.Service

	cfg        Config
	logger     *logger.Logger
	subs       []subscription
	stopStatus func()
	key        string
	owner      *Sessions
	done       chan struct{}

	mu            sync.Mutex
	everConnected bool
	closeOnce     sync.Once
}

type subscription struct {
	tag events.Tag
	id  events.SubscriptionID
}

func newSession(token string, cfg Config, client *backend.Client, dialer realtime.Dialer, log *logger.Logger, m *metrics.Metrics) (*Session, error) {
	authed := client.WithToken(token)
	registry := events.NewRegistry(log, m)

	mgr, err := realtime.NewManager(cfg.Realtime, dialer, realtime.StaticToken(token), registry, log, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create realtime manager: %w", err)
	}

	s := &Session{
		Manager: mgr,
		Store:   notification.NewStore(notification.NewAPI(authed), cfg.Store, log, m),
		Queue:   queue.NewService(authed, cfg.QueuePath),
		cfg:     cfg,
		logger:  log,
		done:    make(chan struct{}),
	}

	for _, tag := range events.Tags() {
		id, err := mgr.On(tag, s.Store.HandleEvent)
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe store to %s: %w", tag, err)
		}
		s.subs = append(s.subs, subscription{tag: tag, id: id})
	}
	s.stopStatus = mgr.OnStatusChange(s.onStatus)

	return s, nil
}

// onStatus refreshes the store after every reconnect so that events missed
// while offline show up.
func (s *Session) onStatus(status model.ConnectionStatus) {
	if status.State != model.ConnectionStateConnected {
		return
	}

	s.mu.Lock()
	reconnect := s.everConnected
	s.everConnected = true
	s.mu.Unlock()

	if !reconnect {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RefreshTimeout)
		defer cancel()
		if _, err := s.Store.Refresh(ctx); err != nil {
			s.logger.Warn("failed to refresh notifications after reconnect", "error", err.Error())
		}
	}()
}

// Close disconnects, unsubscribes and cancels in-flight fetches.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.stopStatus()
		for _, sub := range s.subs {
			s.Manager.Off(sub.tag, sub.id)
		}
		s.Manager.Disconnect()
		s.Store.Close()
		close(s.done)
	})
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Touch extends the idle deadline, for callers that keep using a session
// without going through Sessions.Get.
func (s *Session) Touch() {
	if s.owner != nil {
		s.owner.touch(s.key, s)
	}
}

// Sessions holds live sessions keyed by credential and closes them after
// IdleTTL without use.
type Sessions struct {
	cfg     Config
	client  *backend.Client
	dialer  realtime.Dialer
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	cache *cache.Cache
}

func NewSessions(cfg Config, client *backend.Client, dialer realtime.Dialer, log *logger.Logger, m *metrics.Metrics) *Sessions {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 15 * time.Second
	}

	s := &Sessions{
		cfg:     cfg,
		client:  client,
		dialer:  dialer,
		logger:  log.WithComponent("sessions"),
		metrics: m,
		cache:   cache.New(cfg.IdleTTL, cfg.IdleTTL/2),
	}
	s.cache.OnEvicted(func(_ string, v interface{}) {
		if sess, ok := v.(*Session); ok {
			sess.Close()
			s.metrics.ActiveSessions.Dec()
		}
	})
	return s
}

func key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Get returns the session for token, creating it on first use. Every call
// extends the idle deadline.
func (s *Sessions) Get(token string) (*Session, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	k := key(token)

	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.cache.Get(k); ok {
		sess := v.(*Session)
		s.cache.Set(k, sess, cache.DefaultExpiration)
		return sess, nil
	}

	// An expired entry the janitor has not reached yet must be closed
	// before it is replaced.
	s.cache.DeleteExpired()

	sess, err := newSession(token, s.cfg, s.client, s.dialer, s.logger, s.metrics)
	if err != nil {
		return nil, err
	}
	sess.key = k
	sess.owner = s
	s.cache.Set(k, sess, cache.DefaultExpiration)
	s.metrics.ActiveSessions.Inc()
	s.logger.Debug("session created", "active", s.cache.ItemCount())

	if s.cfg.AutoConnect {
		sess.Manager.Connect()
	}
	return sess, nil
}

func (s *Sessions) touch(k string, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.cache.Get(k); ok && v.(*Session) == sess {
		s.cache.Set(k, sess, cache.DefaultExpiration)
	}
}

// Lookup returns an existing session without creating one.
func (s *Sessions) Lookup(token string) (*Session, bool) {
	if token == "" {
		return nil, false
	}
	v, ok := s.cache.Get(key(token))
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Close ends the session for token, if any.
func (s *Sessions) Close(token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(key(token))
}

// Shutdown closes every session.
func (s *Sessions) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.cache.Items() {
		s.cache.Delete(k)
	}
	s.cache.DeleteExpired()
}

func (s *Sessions) Count() int {
	return s.cache.ItemCount()
}
