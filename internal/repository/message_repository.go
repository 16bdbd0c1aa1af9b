package repository

import (
	"context"
	"database/sql"
	"errors"

	"amora-realtime/internal/domain/message"
	amora_errors "amora-realtime/pkg/errors"

	"github.com/google/uuid"
)

type messageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) MessageRepository {
	return &messageRepository{db: db}
}

const messageColumns = `id, sender_id, recipient_id, content, read, created_at`

func (r *messageRepository) Insert(ctx context.Context, m message.Message) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO messages (`+messageColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6)
    `, m.ID, m.SenderID, m.RecipientID, m.Content, m.Read, m.CreatedAt)
	if isUniqueViolation(err) {
		return amora_errors.ErrConflict
	}
	return err
}

func (r *messageRepository) GetByID(ctx context.Context, id uuid.UUID) (message.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return message.Message{}, amora_errors.ErrNotFound
	}
	return m, err
}

func (r *messageRepository) ListByPair(ctx context.Context, a, b string, limit int) ([]message.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+messageColumns+`
        FROM messages
        WHERE (sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1)
        ORDER BY created_at DESC, id DESC
        LIMIT $3
    `, a, b, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *messageRepository) ListRecent(ctx context.Context, userID string, limit int) ([]message.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+messageColumns+`
        FROM messages
        WHERE sender_id = $1 OR recipient_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2
    `, userID, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *messageRepository) MarkRead(ctx context.Context, id uuid.UUID, readerID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
        UPDATE messages
        SET read = TRUE
        WHERE id = $1 AND recipient_id = $2 AND read = FALSE
    `, id, readerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (message.Message, error) {
	var m message.Message
	err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &m.Read, &m.CreatedAt)
	return m, err
}

// collectMessages reads newest-first rows and returns them oldest first.
func collectMessages(rows *sql.Rows) ([]message.Message, error) {
	defer rows.Close()
	var out []message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
