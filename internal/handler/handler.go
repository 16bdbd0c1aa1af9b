// Package handler exposes a user's realtime session over HTTP.
package handler

import (
	"amora-realtime/internal/middleware"
	"amora-realtime/internal/session"
	amora_errors "amora-realtime/pkg/errors"

	"github.com/gin-gonic/gin"
)

// sessionFor resolves the caller's session. On failure the error is attached
// for ErrorHandler and the request is aborted.
func sessionFor(c *gin.Context, sessions *session.Registry) (*session.Session, bool) {
	userID, ok := middleware.UserIDFromContext(c.Request.Context())
	if !ok {
		abort(c, amora_errors.ErrUnauthorized)
		return nil, false
	}
	s, err := sessions.Get(c.Request.Context(), userID)
	if err != nil {
		abort(c, err)
		return nil, false
	}
	return s, true
}

func abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}
