package events

// Redis channel prefixes
const (
	ChannelPrefixUser         = "channel:user:"
	ChannelPrefixCall         = "channel:call:"
	ChannelPrefixPresence     = "channel:presence:"
	ChannelPrefixNotification = "channel:notification:"
)

// UserChannel carries a user's inbound chat traffic.
func UserChannel(userID string) string { return ChannelPrefixUser + userID }

// CallChannel carries call signaling addressed to a user.
func CallChannel(userID string) string { return ChannelPrefixCall + userID }

// PresenceChannel carries sync nudges for a room.
func PresenceChannel(room string) string { return ChannelPrefixPresence + room }

// NotificationChannel carries a user's notification fan-out.
func NotificationChannel(userID string) string { return ChannelPrefixNotification + userID }

// ResolveChannel returns the topic an event is addressed to.
func ResolveChannel(event Event) string {
	switch e := event.(type) {
	case MessageInserted:
		return UserChannel(e.Message.RecipientID)
	case MessageRead:
		return UserChannel(e.SenderID)
	case TypingChanged:
		return UserChannel(e.ToID)
	case CallInvite:
		return CallChannel(e.ToID)
	case CallAccepted:
		return CallChannel(e.ToID)
	case CallDeclined:
		return CallChannel(e.ToID)
	case CallEnded:
		return CallChannel(e.ToID)
	case PresenceSync:
		return PresenceChannel(e.Room)
	case NotificationCreated:
		return NotificationChannel(e.Notification.RecipientID)
	}
	return ""
}
