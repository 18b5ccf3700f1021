package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/transfer-portal/internal/handler"
	"github.com/jwalitptl/transfer-portal/internal/middleware"
	"github.com/jwalitptl/transfer-portal/internal/realtime"
	"github.com/jwalitptl/transfer-portal/pkg/errors"
)

type Handler struct {
	connectTimeout time.Duration
}

func NewHandler(connectTimeout time.Duration) *Handler {
	if connectTimeout <= 0 {
		connectTimeout = 15 * time.Second
	}
	return &Handler{connectTimeout: connectTimeout}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	rt := r.Group("/realtime")
	{
		rt.GET("/status", h.Status)
		rt.POST("/connect", h.Connect)
		rt.POST("/disconnect", h.Disconnect)
	}
}

func manager(c *gin.Context) (*realtime.Manager, bool) {
	sess := middleware.SessionFrom(c)
	if sess == nil || sess.Manager == nil {
		_ = c.Error(errors.Unauthorized(nil))
		return nil, false
	}
	return sess.Manager, true
}

func (h *Handler) Status(c *gin.Context) {
	m, ok := manager(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(m.Status()))
}

// Connect waits for the connection attempt to settle, up to the connect
// timeout. A timeout still reports the current status; the attempt goes on.
func (h *Handler) Connect(c *gin.Context) {
	m, ok := manager(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.connectTimeout)
	defer cancel()

	select {
	case err := <-m.Connect():
		if err != nil {
			_ = c.Error(errors.Unavailable(err))
			return
		}
	case <-ctx.Done():
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(m.Status()))
}

func (h *Handler) Disconnect(c *gin.Context) {
	m, ok := manager(c)
	if !ok {
		return
	}
	m.Disconnect()
	c.JSON(http.StatusOK, handler.NewSuccessResponse(m.Status()))
}
