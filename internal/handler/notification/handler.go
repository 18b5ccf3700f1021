package notification

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/transfer-portal/internal/events"
	"github.com/jwalitptl/transfer-portal/internal/handler"
	"github.com/jwalitptl/transfer-portal/internal/middleware"
	"github.com/jwalitptl/transfer-portal/internal/model"
	"github.com/jwalitptl/transfer-portal/internal/service/notification"
	"github.com/jwalitptl/transfer-portal/pkg/errors"
	"github.com/jwalitptl/transfer-portal/pkg/logger"
)

type Config struct {
	// Heartbeat is the interval of keep-alive comments on the event stream.
	Heartbeat time.Duration
	// StreamBuffer bounds events queued for a slow stream client.
	StreamBuffer int
}

type Handler struct {
	cfg    Config
	logger *logger.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

func NewHandler(cfg Config, log *logger.Logger) *Handler {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 25 * time.Second
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 32
	}
	return &Handler{
		cfg:     cfg,
		logger:  log.WithComponent("notification-handler"),
		closing: make(chan struct{}),
	}
}

// Close ends every open event stream.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	n := r.Group("/notifications")
	{
		n.GET("", h.List)
		n.POST("/load-more", h.LoadMore)
		n.POST("/refresh", h.Refresh)
		n.POST("/read-all", h.MarkAllAsRead)
		n.PATCH("/:id/read", h.MarkAsRead)
		n.DELETE("/:id", h.Delete)
		n.GET("/stream", h.Stream)
	}
}

func store(c *gin.Context) (*notification.Store, bool) {
	sess := middleware.SessionFrom(c)
	if sess == nil || sess.Store == nil {
		_ = c.Error(errors.Unauthorized(nil))
		return nil, false
	}
	return sess.Store, true
}

// List returns the current state, loading the first page on first use.
func (h *Handler) List(c *gin.Context) {
	s, ok := store(c)
	if !ok {
		return
	}
	if !s.Loaded() {
		if _, err := s.LoadMore(c.Request.Context()); err != nil {
			_ = c.Error(err)
			return
		}
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(s.Snapshot()))
}

func (h *Handler) LoadMore(c *gin.Context) {
	s, ok := store(c)
	if !ok {
		return
	}
	snap, err := s.LoadMore(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(snap))
}

func (h *Handler) Refresh(c *gin.Context) {
	s, ok := store(c)
	if !ok {
		return
	}
	snap, err := s.Refresh(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(snap))
}

func (h *Handler) MarkAsRead(c *gin.Context) {
	s, ok := store(c)
	if !ok {
		return
	}
	if err := s.MarkAsRead(c.Request.Context(), c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(s.Snapshot()))
}

func (h *Handler) MarkAllAsRead(c *gin.Context) {
	s, ok := store(c)
	if !ok {
		return
	}

	var err error
	if p := c.Query("priority"); p != "" {
		err = s.MarkAllAsReadByPriority(c.Request.Context(), model.Priority(p))
	} else {
		err = s.MarkAllAsRead(c.Request.Context())
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(s.Snapshot()))
}

func (h *Handler) Delete(c *gin.Context) {
	s, ok := store(c)
	if !ok {
		return
	}
	if err := s.DeleteNotification(c.Request.Context(), c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(s.Snapshot()))
}

type streamItem struct {
	name string
	data interface{}
}

// Stream forwards push events and connection status changes as server-sent
// events until the client goes away.
func (h *Handler) Stream(c *gin.Context) {
	sess := middleware.SessionFrom(c)
	if sess == nil || sess.Manager == nil {
		_ = c.Error(errors.Unauthorized(nil))
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		_ = c.Error(errors.Internal(nil))
		return
	}

	items := make(chan streamItem, h.cfg.StreamBuffer)
	offer := func(it streamItem) {
		select {
		case items <- it:
		default:
			h.logger.Warn("stream client too slow, dropping item", "event", it.name)
		}
	}

	type sub struct {
		tag events.Tag
		id  events.SubscriptionID
	}
	var subs []sub
	defer func() {
		for _, s := range subs {
			sess.Manager.Off(s.tag, s.id)
		}
	}()
	for _, tag := range events.Tags() {
		id, err := sess.Manager.On(tag, func(ev events.Event) {
			offer(streamItem{name: "notification", data: ev})
		})
		if err != nil {
			_ = c.Error(err)
			return
		}
		subs = append(subs, sub{tag: tag, id: id})
	}
	stopStatus := sess.Manager.OnStatusChange(func(st model.ConnectionStatus) {
		offer(streamItem{name: "status", data: st})
	})
	defer stopStatus()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent("status", sess.Manager.Status())
	flusher.Flush()

	heartbeat := time.NewTicker(h.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			h.logger.Debug("stream client disconnected")
			return
		case <-h.closing:
			return
		case <-sess.Done():
			// evicted or logged out; the client reconnects and gets a new session
			return
		case it := <-items:
			c.SSEvent(it.name, it.data)
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := c.Writer.WriteString(": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
			sess.Touch()
		}
	}
}
