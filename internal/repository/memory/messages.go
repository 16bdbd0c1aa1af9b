// Package memory holds in-process implementations of the repository
// interfaces. They back APP_STORE=memory and the cross-client tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"amora-realtime/internal/domain/message"
	amora_errors "amora-realtime/pkg/errors"

	"github.com/google/uuid"
)

type MessageRepository struct {
	mu          sync.Mutex
	rows        map[uuid.UUID]message.Message
	failInserts int
}

func NewMessageRepository() *MessageRepository {
	return &MessageRepository{rows: make(map[uuid.UUID]message.Message)}
}

// FailNextInserts makes the next n Insert calls fail.
func (r *MessageRepository) FailNextInserts(n int) {
	r.mu.Lock()
	r.failInserts = n
	r.mu.Unlock()
}

func (r *MessageRepository) Insert(ctx context.Context, m message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failInserts > 0 {
		r.failInserts--
		return errInjected
	}
	if _, ok := r.rows[m.ID]; ok {
		return amora_errors.ErrConflict
	}
	r.rows[m.ID] = m
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id uuid.UUID) (message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[id]
	if !ok {
		return message.Message{}, amora_errors.ErrNotFound
	}
	return m, nil
}

func (r *MessageRepository) ListByPair(ctx context.Context, a, b string, limit int) ([]message.Message, error) {
	return r.list(limit, func(m message.Message) bool {
		return (m.SenderID == a && m.RecipientID == b) || (m.SenderID == b && m.RecipientID == a)
	}), nil
}

func (r *MessageRepository) ListRecent(ctx context.Context, userID string, limit int) ([]message.Message, error) {
	return r.list(limit, func(m message.Message) bool {
		return m.SenderID == userID || m.RecipientID == userID
	}), nil
}

func (r *MessageRepository) MarkRead(ctx context.Context, id uuid.UUID, readerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[id]
	if !ok || m.RecipientID != readerID || m.Read {
		return false, nil
	}
	m.Read = true
	r.rows[id] = m
	return true, nil
}

func (r *MessageRepository) list(limit int, keep func(message.Message) bool) []message.Message {
	r.mu.Lock()
	var out []message.Message
	for _, m := range r.rows {
		if keep(m) {
			out = append(out, m)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
