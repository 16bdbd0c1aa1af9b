package call

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the media kind of a call.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func (k Kind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// InvitationStatus is the durable state of a call invitation. Terminal
// outcomes are never stored; the row is deleted instead.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
)

// Invitation represents the call_invitations table.
type Invitation struct {
	ID          uuid.UUID        `json:"id"`
	CallerID    string           `json:"caller_id"`
	RecipientID string           `json:"recipient_id"`
	Kind        Kind             `json:"kind"`
	Status      InvitationStatus `json:"status"`
	Room        string           `json:"room"`
	ExpiresAt   time.Time        `json:"expires_at"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Expired reports whether the invitation can no longer be surfaced.
func (i Invitation) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Pair returns the participant ids in sorted order.
func (i Invitation) Pair() (string, string) {
	return SortedPair(i.CallerID, i.RecipientID)
}

// SortedPair orders two participant ids so {a,b} and {b,a} share a key.
func SortedPair(a, b string) (string, string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// RoomFor returns the transport room shared by a participant pair.
func RoomFor(a, b string) string {
	low, high := SortedPair(a, b)
	return fmt.Sprintf("call:%s:%s", low, high)
}

// Phase is a call log milestone.
type Phase string

const (
	PhaseOngoing Phase = "ongoing"
	PhaseEnded   Phase = "ended"
)

// LogEntry represents call_logs. (CallID, UserID, Phase) is unique.
type LogEntry struct {
	CallID    uuid.UUID     `json:"call_id"`
	UserID    string        `json:"user_id"`
	PeerID    string        `json:"peer_id"`
	Kind      Kind          `json:"kind"`
	Phase     Phase         `json:"phase"`
	Reason    string        `json:"reason,omitempty"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}
