package handler

import (
	"net/http"

	"amora-realtime/internal/domain/notification"
	"amora-realtime/internal/middleware"
	feed "amora-realtime/internal/notification"
	"amora-realtime/internal/session"
	"amora-realtime/internal/transport/httpdto"
	amora_errors "amora-realtime/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type NotificationHandler struct {
	sessions *session.Registry
	service  *feed.Service
}

func NewNotificationHandler(sessions *session.Registry, service *feed.Service) *NotificationHandler {
	return &NotificationHandler{sessions: sessions, service: service}
}

// List returns the feed. refresh=true refetches before answering.
func (h *NotificationHandler) List(c *gin.Context) {
	s, ok := sessionFor(c, h.sessions)
	if !ok {
		return
	}
	items := s.Feed.Items()
	if c.Query("refresh") == "true" {
		var err error
		if items, err = s.Feed.Fetch(c.Request.Context()); err != nil {
			abort(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{
		"notifications": items,
		"mode":          s.Feed.Mode().String(),
	}))
}

func (h *NotificationHandler) Dismiss(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid notification id", "INVALID_REQUEST"))
		return
	}
	s, ok := sessionFor(c, h.sessions)
	if !ok {
		return
	}
	if err := s.Feed.Dismiss(c.Request.Context(), id); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Resume switches a polling feed back to live delivery.
func (h *NotificationHandler) Resume(c *gin.Context) {
	s, ok := sessionFor(c, h.sessions)
	if !ok {
		return
	}
	if err := s.Feed.ResumeLive(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"mode": s.Feed.Mode().String()}))
}

// Create records a notification from the caller to another user.
func (h *NotificationHandler) Create(c *gin.Context) {
	var req httpdto.NotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}
	actorID, ok := middleware.UserIDFromContext(c.Request.Context())
	if !ok {
		abort(c, amora_errors.ErrUnauthorized)
		return
	}
	e, err := h.service.Notify(c.Request.Context(), req.RecipientID, actorID, notification.Type(req.Type), req.TargetID)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, httpdto.NewSuccessResponse(e))
}
