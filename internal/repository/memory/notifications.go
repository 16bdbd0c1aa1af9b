package memory

import (
	"context"
	"sort"
	"sync"

	"amora-realtime/internal/domain/notification"
	"amora-realtime/internal/repository"

	"github.com/google/uuid"
)

type NotificationRepository struct {
	mu   sync.Mutex
	rows map[uuid.UUID]notification.Event
	// lists counts ListUnread calls so tests can observe polling.
	lists int
}

func NewNotificationRepository() *NotificationRepository {
	return &NotificationRepository{rows: make(map[uuid.UUID]notification.Event)}
}

func (r *NotificationRepository) Create(ctx context.Context, tx repository.DBTX, e notification.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[e.ID] = e
	return nil
}

func (r *NotificationRepository) ListUnread(ctx context.Context, recipientID string, limit int) ([]notification.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists++
	var out []notification.Event
	for _, e := range r.rows {
		if e.RecipientID == recipientID && !e.Read {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *NotificationRepository) MarkRead(ctx context.Context, id uuid.UUID, recipientID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok || e.RecipientID != recipientID || e.Read {
		return false, nil
	}
	e.Read = true
	r.rows[id] = e
	return true, nil
}

// Lists returns how many times ListUnread has been called.
func (r *NotificationRepository) Lists() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lists
}

type ProfileRepository struct {
	mu       sync.Mutex
	profiles map[string]notification.Actor
	lookups  int
}

func NewProfileRepository() *ProfileRepository {
	return &ProfileRepository{profiles: make(map[string]notification.Actor)}
}

func (r *ProfileRepository) Upsert(ctx context.Context, a notification.Actor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[a.ID] = a
	return nil
}

func (r *ProfileRepository) Lookup(ctx context.Context, ids []string) (map[string]notification.Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	out := make(map[string]notification.Actor, len(ids))
	for _, id := range ids {
		if a, ok := r.profiles[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

// Lookups returns how many batched lookups were made.
func (r *ProfileRepository) Lookups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups
}
