package httpdto

import (
	"time"

	"amora-realtime/internal/call"
)

// InitiateCallRequest is used for POST /v1/calls
type InitiateCallRequest struct {
	RemoteID string `json:"remote_id" binding:"required"`
	Kind     string `json:"kind" binding:"required"` // "audio" or "video"
}

// PeerStatusRequest is reported by the client's media stack for
// POST /v1/calls/connected
type PeerStatusRequest struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

type CallResponse struct {
	CallID    string     `json:"call_id"`
	Status    string     `json:"status"`
	RemoteID  string     `json:"remote_id"`
	Kind      string     `json:"kind"`
	Room      string     `json:"room"`
	Outgoing  bool       `json:"outgoing"`
	ExpiresAt string     `json:"expires_at,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

type OutcomeResponse struct {
	CallID        string `json:"call_id"`
	RemoteID      string `json:"remote_id"`
	Reason        string `json:"reason"`
	ReachedActive bool   `json:"reached_active"`
	DurationSecs  int64  `json:"duration_secs"`
	EndedAt       string `json:"ended_at"`
}

func FromCallSession(s call.Session) CallResponse {
	resp := CallResponse{
		CallID:    s.CallID.String(),
		Status:    s.Status.String(),
		RemoteID:  s.RemoteID,
		Kind:      string(s.Kind),
		Room:      s.Room,
		Outgoing:  s.Outgoing,
		StartedAt: s.StartedAt,
	}
	if !s.ExpiresAt.IsZero() {
		resp.ExpiresAt = s.ExpiresAt.Format(time.RFC3339)
	}
	return resp
}

func FromOutcome(o call.Outcome) OutcomeResponse {
	return OutcomeResponse{
		CallID:        o.CallID.String(),
		RemoteID:      o.RemoteID,
		Reason:        o.Reason,
		ReachedActive: o.ReachedActive,
		DurationSecs:  int64(o.Duration / time.Second),
		EndedAt:       o.EndedAt.Format(time.RFC3339),
	}
}
