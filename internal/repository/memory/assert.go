package memory

import "amora-realtime/internal/repository"

var (
	_ repository.MessageRepository      = (*MessageRepository)(nil)
	_ repository.InvitationRepository   = (*InvitationRepository)(nil)
	_ repository.CallLogRepository      = (*CallLogRepository)(nil)
	_ repository.NotificationRepository = (*NotificationRepository)(nil)
	_ repository.ProfileRepository      = (*ProfileRepository)(nil)
	_ repository.OutboxRepository       = (*OutboxRepository)(nil)
	_ repository.TxRunner               = TxRunner
)
