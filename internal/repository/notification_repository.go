package repository

import (
	"context"

	"amora-realtime/internal/domain/notification"

	"github.com/google/uuid"
)

type notificationRepository struct {
	db DBTX
}

func NewNotificationRepository(db DBTX) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Create(ctx context.Context, tx DBTX, e notification.Event) error {
	execDB := tx
	if execDB == nil {
		execDB = r.db
	}
	_, err := execDB.ExecContext(ctx, `
        INSERT INTO notifications (id, recipient_id, actor_id, type, target_id, read, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
    `, e.ID, e.RecipientID, e.ActorID, e.Type, e.TargetID, e.Read, e.CreatedAt)
	return err
}

func (r *notificationRepository) ListUnread(ctx context.Context, recipientID string, limit int) ([]notification.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT id, recipient_id, actor_id, type, target_id, read, created_at
        FROM notifications
        WHERE recipient_id = $1 AND read = FALSE
        ORDER BY created_at DESC, id DESC
        LIMIT $2
    `, recipientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notification.Event
	for rows.Next() {
		var e notification.Event
		if err := rows.Scan(&e.ID, &e.RecipientID, &e.ActorID, &e.Type, &e.TargetID, &e.Read, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *notificationRepository) MarkRead(ctx context.Context, id uuid.UUID, recipientID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
        UPDATE notifications
        SET read = TRUE
        WHERE id = $1 AND recipient_id = $2 AND read = FALSE
    `, id, recipientID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
