package events

import (
	"encoding/json"
	"fmt"
	"time"
)

type Envelope struct {
	EventType  EventType       `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Encode wraps an event in an envelope ready for the wire.
func Encode(event Event) ([]byte, error) {
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", event.Type(), err)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return json.Marshal(Envelope{
		EventType:  event.Type(),
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	})
}

// Decode parses and validates a wire payload into its concrete event type.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}

	var event Event
	switch env.EventType {
	case EventMessageInserted:
		event = decodeAs[MessageInserted](env.Payload)
	case EventMessageRead:
		event = decodeAs[MessageRead](env.Payload)
	case EventTypingChanged:
		event = decodeAs[TypingChanged](env.Payload)
	case EventCallInvite:
		event = decodeAs[CallInvite](env.Payload)
	case EventCallAccepted:
		event = decodeAs[CallAccepted](env.Payload)
	case EventCallDeclined:
		event = decodeAs[CallDeclined](env.Payload)
	case EventCallEnded:
		event = decodeAs[CallEnded](env.Payload)
	case EventPresenceSync:
		event = decodeAs[PresenceSync](env.Payload)
	case EventNotificationCreated:
		event = decodeAs[NotificationCreated](env.Payload)
	default:
		return nil, fmt.Errorf("unknown event type %q", env.EventType)
	}
	if event == nil {
		return nil, fmt.Errorf("malformed %s payload", env.EventType)
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", env.EventType, err)
	}
	return event, nil
}

func decodeAs[T Event](payload json.RawMessage) Event {
	var e T
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil
	}
	return e
}
