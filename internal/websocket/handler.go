package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"amora-realtime/internal/middleware"
	"amora-realtime/internal/session"
	"amora-realtime/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// inbound is a frame sent by the client over the stream.
type inbound struct {
	Type   string `json:"type"`
	Peer   string `json:"peer"`
	Typing bool   `json:"typing"`
}

// snapshot is the first frame of every stream.
type snapshot struct {
	Kind          string      `json:"kind"`
	Conversations interface{} `json:"conversations"`
	Notifications interface{} `json:"notifications"`
	FeedMode      string      `json:"feed_mode"`
	Call          interface{} `json:"call,omitempty"`
}

type Handler struct {
	sessions *session.Registry
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewHandler(sessions *session.Registry, hub *Hub) *Handler {
	return &Handler{
		sessions: sessions,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Connect upgrades GET /v1/stream and pushes session updates until the
// client goes away.
func (h *Handler) Connect(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
		return
	}
	s, err := h.sessions.Get(c.Request.Context(), userID)
	if err != nil {
		status, code := httpdto.StatusFor(err)
		c.JSON(status, httpdto.NewErrorResponse(err.Error(), code))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.log.Warn("upgrade_failed", userID, "", zap.Error(err))
		return
	}

	client := NewClient(conn, s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if payload, err := json.Marshal(snapshotOf(s)); err == nil {
		client.SendMessage(payload)
	}
	h.hub.Register(client)
	go client.WriteLoop(ctx)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleInbound(ctx, client, s, data)
	}

	h.hub.Unregister(client)
}

func (h *Handler) handleInbound(ctx context.Context, client *Client, s *session.Session, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		h.hub.log.Warn("bad_frame", client.UserID, client.ID, zap.Error(err))
		return
	}
	switch msg.Type {
	case "typing":
		if msg.Peer != "" {
			s.Chat.SetTyping(ctx, msg.Peer, msg.Typing)
		}
	case "ping":
	default:
		h.hub.log.Warn("unknown_frame", client.UserID, client.ID, zap.String("type", msg.Type))
	}
}

func snapshotOf(s *session.Session) snapshot {
	snap := snapshot{
		Kind:          "snapshot",
		Conversations: s.Chat.Conversations(),
		Notifications: s.Feed.Items(),
		FeedMode:      s.Feed.Mode().String(),
	}
	if cs, ok := s.Calls.Current(); ok {
		snap.Call = httpdto.FromCallSession(cs)
	}
	return snap
}
