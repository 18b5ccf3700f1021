package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/transfer-portal/internal/handler"
	"github.com/jwalitptl/transfer-portal/internal/middleware"
	"github.com/jwalitptl/transfer-portal/pkg/logger"
)

// SessionCloser ends the session bound to a credential.
type SessionCloser interface {
	Close(token string)
}

type Config struct {
	CookieName    string
	SecureCookies bool
}

type Handler struct {
	sessions SessionCloser
	cfg      Config
	logger   *logger.Logger
}

func NewHandler(sessions SessionCloser, cfg Config, log *logger.Logger) *Handler {
	return &Handler{sessions: sessions, cfg: cfg, logger: log}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	auth := r.Group("/auth")
	{
		auth.POST("/logout", h.Logout)
	}
}

// Logout closes the realtime session and clears the auth cookie. It succeeds
// without a cookie too.
func (h *Handler) Logout(c *gin.Context) {
	if token := middleware.Token(c, h.cfg.CookieName); token != "" {
		h.sessions.Close(token)
		h.logger.Debug("session closed on logout")
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cfg.CookieName, "", -1, "/", "", h.cfg.SecureCookies, true)
	c.JSON(http.StatusOK, handler.NewMessageResponse("logged out successfully"))
}
