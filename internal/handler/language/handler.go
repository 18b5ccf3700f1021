package language

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/transfer-portal/internal/handler"
)

type Config struct {
	CookieName    string
	Supported     []string
	Default       string
	MaxAge        time.Duration
	SecureCookies bool
}

type Handler struct {
	cfg Config
}

func NewHandler(cfg Config) *Handler {
	if cfg.CookieName == "" {
		cfg.CookieName = "NEXT_LOCALE"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 365 * 24 * time.Hour
	}
	return &Handler{cfg: cfg}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/language", h.Get)
	r.POST("/language", h.Set)
}

type setLanguageRequest struct {
	Language string `json:"language" binding:"required"`
}

type languageResponse struct {
	Language  string   `json:"language"`
	Supported []string `json:"supported"`
}

func (h *Handler) Get(c *gin.Context) {
	lang := h.cfg.Default
	if v, err := c.Cookie(h.cfg.CookieName); err == nil && h.supported(v) {
		lang = v
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(languageResponse{Language: lang, Supported: h.cfg.Supported}))
}

func (h *Handler) Set(c *gin.Context) {
	var req setLanguageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("language is required"))
		return
	}

	lang := strings.ToLower(strings.TrimSpace(req.Language))
	if !h.supported(lang) {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("unsupported language: "+req.Language))
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	// Readable by the front-end, so not HttpOnly.
	c.SetCookie(h.cfg.CookieName, lang, int(h.cfg.MaxAge.Seconds()), "/", "", h.cfg.SecureCookies, false)
	c.JSON(http.StatusOK, handler.NewSuccessResponse(languageResponse{Language: lang, Supported: h.cfg.Supported}))
}

func (h *Handler) supported(lang string) bool {
	for _, s := range h.cfg.Supported {
		if s == lang {
			return true
		}
	}
	return false
}
