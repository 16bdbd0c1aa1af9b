package handler

import (
	"fmt"
	"net/http"

	"amora-realtime/internal/mediatoken"
	"amora-realtime/internal/session"
	"amora-realtime/internal/transport/httpdto"
	amora_errors "amora-realtime/pkg/errors"

	"github.com/gin-gonic/gin"
)

type MediaHandler struct {
	sessions *session.Registry
	issuer   *mediatoken.Issuer
}

func NewMediaHandler(sessions *session.Registry, issuer *mediatoken.Issuer) *MediaHandler {
	return &MediaHandler{sessions: sessions, issuer: issuer}
}

// Token issues a media credential for the room of the caller's current call.
func (h *MediaHandler) Token(c *gin.Context) {
	s, ok := sessionFor(c, h.sessions)
	if !ok {
		return
	}
	cs, live := s.Calls.Current()
	if !live || cs.Room == "" {
		abort(c, fmt.Errorf("no call in progress: %w", amora_errors.ErrInvalidTransition))
		return
	}
	token, err := h.issuer.Token(c.Request.Context(), cs.Room, s.UserID)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.MediaTokenResponse{
		Token:     token,
		Room:      cs.Room,
		Identity:  s.UserID,
		ExpiresIn: int64(h.issuer.TTL().Seconds()),
	}))
}
