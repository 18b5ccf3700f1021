package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/transfer-portal/pkg/logger"
)

const (
	HeaderXRequestID = "X-Request-ID"
	ContextRequestID = "request_id"
	ContextLogger    = "request_logger"

	maxRequestIDLen = 64
)

// RequestID assigns every request an id, echoes it in the response header
// and attaches a logger carrying it for the rest of the chain.
func RequestID(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderXRequestID)
		if !validRequestID(rid) {
			rid = uuid.NewString()
		}

		c.Set(ContextRequestID, rid)
		c.Set(ContextLogger, log.WithFields(map[string]interface{}{"request_id": rid}))
		c.Header(HeaderXRequestID, rid)
		c.Next()
	}
}

// validRequestID accepts up to 64 printable ASCII characters.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// LoggerFrom returns the request-scoped logger, or fallback outside a
// RequestID chain.
func LoggerFrom(c *gin.Context, fallback *logger.Logger) *logger.Logger {
	if v, ok := c.Get(ContextLogger); ok {
		if l, ok := v.(*logger.Logger); ok {
			return l
		}
	}
	return fallback
}
