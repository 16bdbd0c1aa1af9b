package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"amora-realtime/internal/domain/call"
	"amora-realtime/internal/domain/message"
	"amora-realtime/internal/domain/notification"
	"amora-realtime/internal/domain/outbox"
)

type MessageRepository interface {
	// Insert fails with ErrConflict when the id already exists.
	Insert(ctx context.Context, m message.Message) error
	GetByID(ctx context.Context, id uuid.UUID) (message.Message, error)
	// ListByPair returns the latest limit messages between a and b, oldest first.
	ListByPair(ctx context.Context, a, b string, limit int) ([]message.Message, error)
	// ListRecent returns the latest limit messages userID took part in, oldest first.
	ListRecent(ctx context.Context, userID string, limit int) ([]message.Message, error)
	// MarkRead flips the read flag if readerID is the recipient and the
	// message is unread. It reports whether a row changed.
	MarkRead(ctx context.Context, id uuid.UUID, readerID string) (bool, error)
}

type InvitationRepository interface {
	// Upsert writes inv unless the pair already has a live row owned by the
	// other party, in which case it fails with ErrCallBusy.
	Upsert(ctx context.Context, inv call.Invitation, now time.Time) (call.Invitation, error)
	GetByID(ctx context.Context, id uuid.UUID) (call.Invitation, error)
	// Accept moves a live pending row to accepted and extends its expiry.
	Accept(ctx context.Context, id uuid.UUID, now, expiresAt time.Time) (call.Invitation, error)
	// Delete removes a pending or accepted row. It reports whether a row existed.
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	PendingFor(ctx context.Context, recipientID string, now time.Time) ([]call.Invitation, error)
}

type CallLogRepository interface {
	// Record writes e once per (call, user, phase). It reports whether the
	// entry was new.
	Record(ctx context.Context, e call.LogEntry) (bool, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]call.LogEntry, error)
}

type NotificationRepository interface {
	Create(ctx context.Context, tx DBTX, e notification.Event) error
	// ListUnread returns unread notifications newest first.
	ListUnread(ctx context.Context, recipientID string, limit int) ([]notification.Event, error)
	MarkRead(ctx context.Context, id uuid.UUID, recipientID string) (bool, error)
}

type ProfileRepository interface {
	Upsert(ctx context.Context, a notification.Actor) error
	// Lookup resolves every known id in one query.
	Lookup(ctx context.Context, ids []string) (map[string]notification.Actor, error)
}

type OutboxRepository interface {
	Create(ctx context.Context, tx DBTX, event *outbox.OutboxEvent) error
	GetPending(ctx context.Context, limit, maxRetries int) ([]outbox.OutboxEvent, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string, maxRetries int) error
}

// TxRunner runs fn in a unit of work. Memory stores pass a nil DBTX.
type TxRunner func(ctx context.Context, fn func(DBTX) error) error

// SQLTxRunner returns a TxRunner backed by WithTx.
func SQLTxRunner(db DBTX) TxRunner {
	return func(ctx context.Context, fn func(DBTX) error) error {
		return WithTx(ctx, db, fn)
	}
}
