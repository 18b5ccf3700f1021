package queue

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/transfer-portal/internal/handler"
	"github.com/jwalitptl/transfer-portal/internal/middleware"
	"github.com/jwalitptl/transfer-portal/internal/service/queue"
	"github.com/jwalitptl/transfer-portal/pkg/errors"
)

type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	q := r.Group("/driver/queue")
	{
		q.GET("", h.Status)
		q.POST("", h.Join)
		q.DELETE("", h.Leave)
	}
}

func service(c *gin.Context) (queue.Service, bool) {
	sess := middleware.SessionFrom(c)
	if sess == nil || sess.Queue == nil {
		_ = c.Error(errors.Unauthorized(nil))
		return nil, false
	}
	return sess.Queue, true
}

// Status answers with null data when the driver is not queued.
func (h *Handler) Status(c *gin.Context) {
	svc, ok := service(c)
	if !ok {
		return
	}
	membership, err := svc.GetQueueStatus(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewOptionalResponse(membership))
}

func (h *Handler) Join(c *gin.Context) {
	svc, ok := service(c)
	if !ok {
		return
	}
	membership, err := svc.JoinQueue(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(membership))
}

func (h *Handler) Leave(c *gin.Context) {
	svc, ok := service(c)
	if !ok {
		return
	}
	if err := svc.LeaveQueue(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewMessageResponse("left queue"))
}
