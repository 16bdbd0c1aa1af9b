package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"amora-realtime/internal/domain/outbox"
	"amora-realtime/internal/repository"

	"github.com/google/uuid"
)

type OutboxRepository struct {
	mu   sync.Mutex
	rows map[uuid.UUID]outbox.OutboxEvent
}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{rows: make(map[uuid.UUID]outbox.OutboxEvent)}
}

func (r *OutboxRepository) Create(ctx context.Context, tx repository.DBTX, event *outbox.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[event.ID] = *event
	return nil
}

func (r *OutboxRepository) GetPending(ctx context.Context, limit, maxRetries int) ([]outbox.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []outbox.OutboxEvent
	for _, e := range r.rows {
		if e.Status == outbox.StatusPending && e.RetryCount < maxRetries {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *OutboxRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok {
		return nil
	}
	now := time.Now()
	e.Status = outbox.StatusCompleted
	e.ProcessedAt = &now
	e.UpdatedAt = now
	r.rows[id] = e
	return nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string, maxRetries int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok {
		return nil
	}
	e.RetryCount++
	if e.RetryCount >= maxRetries {
		e.Status = outbox.StatusFailed
	}
	e.Error = errorMsg
	e.UpdatedAt = time.Now()
	r.rows[id] = e
	return nil
}

// Get returns the stored copy of an event.
func (r *OutboxRepository) Get(id uuid.UUID) (outbox.OutboxEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	return e, ok
}

// TxRunner runs fn directly; memory stores have no transactions.
func TxRunner(ctx context.Context, fn func(repository.DBTX) error) error {
	return fn(nil)
}
