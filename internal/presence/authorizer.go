package presence

import (
	"fmt"
	"strings"

	amora_errors "amora-realtime/pkg/errors"
)

const (
	roomPrefixCall = "call:"
	roomPrefixUser = "user:"
)

// Authorize checks whether userID may join room. Call rooms are limited to
// their two participants and user rooms to their owner. Every other room is
// public.
func Authorize(userID, room string) error {
	if userID == "" || strings.TrimSpace(room) == "" {
		return fmt.Errorf("%w: room and user are required", amora_errors.ErrInvalidInput)
	}

	switch {
	case strings.HasPrefix(room, roomPrefixCall):
		parts := strings.Split(strings.TrimPrefix(room, roomPrefixCall), ":")
		if len(parts) != 2 {
			return fmt.Errorf("%w: malformed call room %q", amora_errors.ErrInvalidInput, room)
		}
		if parts[0] != userID && parts[1] != userID {
			return amora_errors.ErrPermissionDenied
		}
	case strings.HasPrefix(room, roomPrefixUser):
		if strings.TrimPrefix(room, roomPrefixUser) != userID {
			return amora_errors.ErrPermissionDenied
		}
	}
	return nil
}
