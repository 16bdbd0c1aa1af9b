package middleware

import (
	"context"
	"net/http"
	"strings"

	"amora-realtime/internal/transport/httpdto"
	"amora-realtime/pkg/logger"

	"github.com/gin-gonic/gin"
)

// IdentityMiddleware trusts the user id set by the fronting gateway. Browsers
// cannot set headers on a websocket upgrade, so the query string is accepted
// as a fallback.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if userID == "" {
			userID = strings.TrimSpace(c.Query("user_id"))
		}
		if userID == "" {
			c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
			c.Abort()
			return
		}

		ctx := context.WithValue(c.Request.Context(), logger.UserIdKey, userID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// UserIDFromContext returns the caller set by IdentityMiddleware.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(logger.UserIdKey).(string)
	return userID, ok && userID != ""
}
