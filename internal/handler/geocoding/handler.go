package geocoding

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/transfer-portal/internal/handler"
	"github.com/jwalitptl/transfer-portal/internal/service/geocoding"
)

type Handler struct {
	svc geocoding.Service
}

func NewHandler(svc geocoding.Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/geocoding/search", h.Search)
}

func (h *Handler) Search(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("query parameter q is required"))
		return
	}

	places, err := h.svc.Search(c.Request.Context(), q)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if places == nil {
		places = []geocoding.Place{}
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(places))
}
