package httpdto

// NotifyRequest is used for POST /v1/notifications
type NotifyRequest struct {
	RecipientID string `json:"recipient_id" binding:"required"`
	Type        string `json:"type" binding:"required"`
	TargetID    string `json:"target_id"`
}

type MediaTokenResponse struct {
	Token     string `json:"token"`
	Room      string `json:"room"`
	Identity  string `json:"identity"`
	ExpiresIn int64  `json:"expires_in"`
}
