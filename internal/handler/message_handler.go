package handler

import (
	"fmt"
	"net/http"

	"amora-realtime/internal/domain/message"
	"amora-realtime/internal/session"
	"amora-realtime/internal/transport/httpdto"
	amora_errors "amora-realtime/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type MessageHandler struct {
	sessions *session.Registry
}

func NewMessageHandler(sessions *session.Registry) *MessageHandler {
	return &MessageHandler{sessions: sessions}
}

// Send returns 201 once the message is stored. A persistence failure leaves
// the entry pending in the session; the client retries or rolls it back.
func (h *MessageHandler) Send(c *gin.Context) {
	var req httpdto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}
	s, ok := sessionFor(c, h.sessions)
	if !ok {
		return
	}
	m, err := s.Chat.Send(c.Request.Context(), req.RecipientID, req.Content)
	if err != nil {
		status, code := httpdto.StatusFor(err)
		c.JSON(status, httpdto.Response[message.Message]{Data: m, Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusCreated, httpdto.NewSuccessResponse(m))
}

func (h *MessageHandler) Retry(c *gin.Context) {
	id, ok := messageID(c)
	if !ok {
		return
	}
	s, ok := sessionFor(c, h.sessions)
	if !ok {
		return
	}
	if err := s.Chat.Retry(c.Request.Context(), id); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"id": id}))
}

func (h *MessageHandler) Rollback(c *gin.Context) {
	id, ok := messageID(c)
	if !ok {
		return
	}
	s, ok := sessionFor(c, h.sessions)
	if !ok {
		return
	}
	if !s.Chat.Rollback(id) {
		abort(c, fmt.Errorf("pending message %s: %w", id, amora_errors.ErrNotFound))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MessageHandler) MarkRead(c *gin.Context) {
	id, ok := messageID(c)
	if !ok {
		return
	}
	s, ok := sessionFor(c, h.sessions)
	if !ok {
		return
	}
	if err := s.Chat.MarkRead(c.Request.Context(), id); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"id": id, "read": true}))
}

func (h *MessageHandler) Conversations(c *gin.Context) {
	s, ok := sessionFor(c, h.sessions)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"conversations": s.Chat.Conversations()}))
}

func (h *MessageHandler) History(c *gin.Context) {
	peer := c.Param("peer")
	s, ok := sessionFor(c, h.sessions)
	if !ok {
		return
	}
	if err := s.Chat.LoadHistory(c.Request.Context(), peer); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"peer": peer, "messages": s.Chat.Messages(peer)}))
}

func (h *MessageHandler) Typing(c *gin.Context) {
	var req httpdto.TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}
	s, ok := sessionFor(c, h.sessions)
	if !ok {
		return
	}
	sent := s.Chat.SetTyping(c.Request.Context(), c.Param("peer"), req.Typing)
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"sent": sent}))
}

func messageID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid message id", "INVALID_REQUEST"))
		return uuid.Nil, false
	}
	return id, true
}
