package middleware

import (
	"amora-realtime/internal/transport/httpdto"
	"amora-realtime/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandler renders the last error a handler attached with c.Error.
func ErrorHandler(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		status, code := httpdto.StatusFor(err)
		if l != nil {
			l.WithContext(c.Request.Context()).Warn("request error",
				zap.String("path", c.Request.URL.Path),
				zap.Int("status", status),
				zap.Error(err))
		}
		c.JSON(status, httpdto.NewErrorResponse(err.Error(), code))
	}
}
