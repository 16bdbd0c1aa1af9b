package httpdto

// JoinRoomRequest is used for POST /v1/presence/:room
type JoinRoomRequest struct {
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
}
