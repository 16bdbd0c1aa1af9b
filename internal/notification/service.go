package notification

import (
	"context"
	"fmt"

	"amora-realtime/internal/domain/notification"
	"amora-realtime/internal/events"
	"amora-realtime/internal/outbox"
	"amora-realtime/internal/repository"
	amora_errors "amora-realtime/pkg/errors"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service records notification events on behalf of the application. The row
// and its fan-out are committed together; the outbox processor publishes the
// fan-out afterwards.
type Service struct {
	repo   repository.NotificationRepository
	outbox repository.OutboxRepository
	tx     repository.TxRunner
	clock  clock.Clock
	log    *zap.Logger
}

func NewService(repo repository.NotificationRepository, outboxRepo repository.OutboxRepository, tx repository.TxRunner, clk clock.Clock, log *zap.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, outbox: outboxRepo, tx: tx, clock: clk, log: log.With(zap.String("component", "notification_service"))}
}

// Notify stores a new unread notification for recipientID.
func (s *Service) Notify(ctx context.Context, recipientID, actorID string, typ notification.Type, targetID string) (notification.Event, error) {
	if recipientID == "" || actorID == "" {
		return notification.Event{}, fmt.Errorf("%w: recipient and actor are required", amora_errors.ErrInvalidInput)
	}
	switch typ {
	case notification.TypeLike, notification.TypeMessage, notification.TypeCall, notification.TypeMatch:
	default:
		return notification.Event{}, fmt.Errorf("%w: unknown notification type %q", amora_errors.ErrInvalidInput, typ)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return notification.Event{}, err
	}
	now := s.clock.Now().UTC()
	e := notification.Event{
		ID:          id,
		RecipientID: recipientID,
		ActorID:     actorID,
		Type:        typ,
		TargetID:    targetID,
		CreatedAt:   now,
	}

	out, err := outbox.NewEvent(events.NotificationCreated{Notification: e}, now)
	if err != nil {
		return notification.Event{}, err
	}
	err = s.tx(ctx, func(tx repository.DBTX) error {
		if err := s.repo.Create(ctx, tx, e); err != nil {
			return err
		}
		return s.outbox.Create(ctx, tx, out)
	})
	if err != nil {
		return notification.Event{}, amora_errors.Persistence("create notification", err)
	}

	s.log.Debug("notification queued",
		zap.String("notification_id", e.ID.String()),
		zap.String("recipient_id", recipientID),
		zap.String("type", string(typ)))
	return e, nil
}
