package middleware

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/transfer-portal/pkg/errors"
	"github.com/jwalitptl/transfer-portal/pkg/logger"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// ErrorHandler renders the last error a handler attached with c.Error.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		traceID := c.GetString(ContextRequestID)
		lastErr := c.Errors.Last().Err
		status, message := Describe(lastErr)

		if status >= http.StatusInternalServerError {
			LoggerFrom(c, log).Error(lastErr, "Request error",
				"path", c.Request.URL.Path,
				"method", c.Request.Method)
		}

		c.JSON(status, ErrorResponse{
			Status:  "error",
			Code:    status,
			Message: message,
			TraceID: traceID,
		})
	}
}

// Describe returns the HTTP status and client-safe message for err.
func Describe(err error) (int, string) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		status := appErr.StatusCode()
		if status == http.StatusInternalServerError {
			return status, "Internal server error"
		}
		return status, appErr.Message
	}
	return http.StatusInternalServerError, "Internal server error"
}
