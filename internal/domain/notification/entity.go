package notification

import (
	"time"

	"github.com/google/uuid"
)

// Type is the source of a notification.
type Type string

const (
	TypeLike    Type = "like"
	TypeMessage Type = "message"
	TypeCall    Type = "call"
	TypeMatch   Type = "match"
)

// Event represents the notifications table.
type Event struct {
	ID          uuid.UUID `json:"id"`
	RecipientID string    `json:"recipient_id"`
	ActorID     string    `json:"actor_id"`
	Type        Type      `json:"type"`
	TargetID    string    `json:"target_id,omitempty"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
}

// Actor is the display metadata of the user who caused an event.
type Actor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Item is a feed entry with its actor resolved.
type Item struct {
	Event
	Actor *Actor `json:"actor,omitempty"`
}
