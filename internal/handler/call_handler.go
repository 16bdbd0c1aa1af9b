package handler

import (
	"errors"
	"fmt"
	"net/http"

	"amora-realtime/internal/call"
	domaincall "amora-realtime/internal/domain/call"
	"amora-realtime/internal/session"
	"amora-realtime/internal/transport/httpdto"
	amora_errors "amora-realtime/pkg/errors"

	"github.com/gin-gonic/gin"
)

type CallHandler struct {
	sessions *session.Registry
	// peers is nil when the media stack reports through another channel.
	peers *call.ExternalTransport
}

func NewCallHandler(sessions *session.Registry, peers *call.ExternalTransport) *CallHandler {
	return &CallHandler{sessions: sessions, peers: peers}
}

func (h *CallHandler) Initiate(c *gin.Context) {
	var req httpdto.InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}
	kind := domaincall.Kind(req.Kind)
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid kind", "INVALID_REQUEST"))
		return
	}
	s, ok := sessionFor(c, h.sessions)
	if !ok {
		return
	}
	cs, err := s.Calls.Initiate(c.Request.Context(), req.RemoteID, kind)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, httpdto.NewSuccessResponse(httpdto.FromCallSession(cs)))
}

func (h *CallHandler) Accept(c *gin.Context) {
	s, ok := sessionFor(c, h.sessions)
	if !ok {
		return
	}
	cs, err := s.Calls.Accept(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromCallSession(cs)))
}

func (h *CallHandler) Reject(c *gin.Context) {
	s, ok := sessionFor(c, h.sessions)
	if !ok {
		return
	}
	if err := s.Calls.Reject(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	h.respondOutcome(c, s)
}

func (h *CallHandler) End(c *gin.Context) {
	s, ok := sessionFor(c, h.sessions)
	if !ok {
		return
	}
	if err := s.Calls.End(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	h.respondOutcome(c, s)
}

// Connected relays the client media stack's verdict on the peer connection.
func (h *CallHandler) Connected(c *gin.Context) {
	var req httpdto.PeerStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}
	s, ok := sessionFor(c, h.sessions)
	if !ok {
		return
	}
	cs, live := s.Calls.Current()
	if !live {
		abort(c, fmt.Errorf("no call in progress: %w", amora_errors.ErrInvalidTransition))
		return
	}

	var conn *call.ExternalConnection
	if h.peers != nil {
		conn, _ = h.peers.Lookup(s.UserID, cs.Room)
	}
	switch {
	case conn != nil && req.Connected:
		conn.Connect()
	case conn != nil:
		reason := req.Error
		if reason == "" {
			reason = "peer connection failed"
		}
		conn.Fail(errors.New(reason))
	case req.Connected:
		if err := s.Calls.OnPeerConnected(c.Request.Context()); err != nil {
			abort(c, err)
			return
		}
	default:
		abort(c, fmt.Errorf("no negotiation for room %s: %w", cs.Room, amora_errors.ErrNotFound))
		return
	}
	c.JSON(http.StatusAccepted, httpdto.NewSuccessResponse(gin.H{"call_id": cs.CallID}))
}

func (h *CallHandler) Current(c *gin.Context) {
	s, ok := sessionFor(c, h.sessions)
	if !ok {
		return
	}
	body := gin.H{"status": s.Calls.Status().String()}
	if cs, live := s.Calls.Current(); live {
		body["call"] = httpdto.FromCallSession(cs)
	}
	if o, ended := s.Calls.LastOutcome(); ended {
		body["last_outcome"] = httpdto.FromOutcome(o)
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(body))
}

func (h *CallHandler) respondOutcome(c *gin.Context, s *session.Session) {
	o, ok := s.Calls.LastOutcome()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromOutcome(o)))
}
