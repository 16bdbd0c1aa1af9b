package events

import (
	"errors"
	"time"

	"amora-realtime/internal/domain/call"
	"amora-realtime/internal/domain/message"
	"amora-realtime/internal/domain/notification"

	"github.com/google/uuid"
)

// EventType follows the format domain.action
type EventType string

// Message events
const (
	EventMessageInserted EventType = "message.inserted"
	EventMessageRead     EventType = "message.read"
	EventTypingChanged   EventType = "typing.changed"
)

// Call signaling events (real-time only, not persisted)
const (
	EventCallInvite   EventType = "call.invite"
	EventCallAccepted EventType = "call.accepted"
	EventCallDeclined EventType = "call.declined"
	EventCallEnded    EventType = "call.ended"
)

// Presence and notification events
const (
	EventPresenceSync        EventType = "presence.sync"
	EventNotificationCreated EventType = "notification.created"
)

// Event is one of the concrete payload types below.
type Event interface {
	Type() EventType
	Validate() error
}

var errMissingField = errors.New("missing required field")

type MessageInserted struct {
	Message message.Message `json:"message"`
}

func (MessageInserted) Type() EventType { return EventMessageInserted }

func (e MessageInserted) Validate() error {
	if e.Message.ID == uuid.Nil || e.Message.SenderID == "" || e.Message.RecipientID == "" || e.Message.CreatedAt.IsZero() {
		return errMissingField
	}
	return nil
}

type MessageRead struct {
	MessageID uuid.UUID `json:"message_id"`
	SenderID  string    `json:"sender_id"`
	ReaderID  string    `json:"reader_id"`
}

func (MessageRead) Type() EventType { return EventMessageRead }

func (e MessageRead) Validate() error {
	if e.MessageID == uuid.Nil || e.ReaderID == "" {
		return errMissingField
	}
	return nil
}

type TypingChanged struct {
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`
	Typing bool   `json:"typing"`
}

func (TypingChanged) Type() EventType { return EventTypingChanged }

func (e TypingChanged) Validate() error {
	if e.FromID == "" || e.ToID == "" {
		return errMissingField
	}
	return nil
}

// CallInvite announces a new call. CallID is the durable invitation id.
type CallInvite struct {
	CallID    uuid.UUID `json:"call_id"`
	FromID    string    `json:"from_id"`
	ToID      string    `json:"to_id"`
	Kind      call.Kind `json:"kind"`
	Room      string    `json:"room"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (CallInvite) Type() EventType { return EventCallInvite }

func (e CallInvite) Validate() error {
	if e.CallID == uuid.Nil || e.FromID == "" || e.ToID == "" || e.Room == "" {
		return errMissingField
	}
	if !e.Kind.Valid() {
		return errors.New("unknown call kind")
	}
	return nil
}

type CallAccepted struct {
	CallID uuid.UUID `json:"call_id"`
	FromID string    `json:"from_id"`
	ToID   string    `json:"to_id"`
}

func (CallAccepted) Type() EventType { return EventCallAccepted }

func (e CallAccepted) Validate() error {
	if e.CallID == uuid.Nil || e.FromID == "" {
		return errMissingField
	}
	return nil
}

type CallDeclined struct {
	CallID uuid.UUID `json:"call_id"`
	FromID string    `json:"from_id"`
	ToID   string    `json:"to_id"`
	Reason string    `json:"reason,omitempty"`
}

func (CallDeclined) Type() EventType { return EventCallDeclined }

func (e CallDeclined) Validate() error {
	if e.CallID == uuid.Nil || e.FromID == "" {
		return errMissingField
	}
	return nil
}

type CallEnded struct {
	CallID uuid.UUID `json:"call_id"`
	FromID string    `json:"from_id"`
	ToID   string    `json:"to_id"`
	Reason string    `json:"reason,omitempty"`
}

func (CallEnded) Type() EventType { return EventCallEnded }

func (e CallEnded) Validate() error {
	if e.CallID == uuid.Nil || e.FromID == "" {
		return errMissingField
	}
	return nil
}

// PresenceSync tells room members to re-read the room's full state.
type PresenceSync struct {
	Room   string `json:"room"`
	UserID string `json:"user_id"`
}

func (PresenceSync) Type() EventType { return EventPresenceSync }

func (e PresenceSync) Validate() error {
	if e.Room == "" {
		return errMissingField
	}
	return nil
}

type NotificationCreated struct {
	Notification notification.Event `json:"notification"`
}

func (NotificationCreated) Type() EventType { return EventNotificationCreated }

func (e NotificationCreated) Validate() error {
	if e.Notification.ID == uuid.Nil || e.Notification.RecipientID == "" {
		return errMissingField
	}
	return nil
}
