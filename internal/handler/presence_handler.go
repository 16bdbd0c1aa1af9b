package handler

import (
	"net/http"

	"amora-realtime/internal/presence"
	"amora-realtime/internal/session"
	"amora-realtime/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

type PresenceHandler struct {
	sessions *session.Registry
}

func NewPresenceHandler(sessions *session.Registry) *PresenceHandler {
	return &PresenceHandler{sessions: sessions}
}

func (h *PresenceHandler) Join(c *gin.Context) {
	var req httpdto.JoinRoomRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
			return
		}
	}
	s, ok := sessionFor(c, h.sessions)
	if !ok {
		return
	}
	room := c.Param("room")
	if err := presence.Authorize(s.UserID, room); err != nil {
		abort(c, err)
		return
	}

	status := req.Status
	if status == "" {
		status = "online"
	}
	self := presence.Record{UserID: s.UserID, DisplayName: req.DisplayName, Status: status}
	if err := s.Presence.Join(c.Request.Context(), room, self); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"room": room, "online": s.Presence.Online(room)}))
}

func (h *PresenceHandler) Leave(c *gin.Context) {
	s, ok := sessionFor(c, h.sessions)
	if !ok {
		return
	}
	if err := s.Presence.Leave(c.Request.Context(), c.Param("room")); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *PresenceHandler) Online(c *gin.Context) {
	s, ok := sessionFor(c, h.sessions)
	if !ok {
		return
	}
	room := c.Param("room")
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"room": room, "online": s.Presence.Online(room)}))
}
