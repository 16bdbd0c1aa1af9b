package httpdto

// SendMessageRequest is used for POST /v1/messages
type SendMessageRequest struct {
	RecipientID string `json:"recipient_id" binding:"required"`
	Content     string `json:"content" binding:"required"`
}

// TypingRequest is used for POST /v1/conversations/:peer/typing
type TypingRequest struct {
	Typing bool `json:"typing"`
}
