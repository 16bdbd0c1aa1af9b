package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"amora-realtime/internal/domain/call"
	amora_errors "amora-realtime/pkg/errors"

	"github.com/google/uuid"
)

type pairKey struct{ low, high string }

// InvitationRepository mirrors the pair unique key of call_invitations.
type InvitationRepository struct {
	mu      sync.Mutex
	byPair  map[pairKey]call.Invitation
	upserts int
}

func NewInvitationRepository() *InvitationRepository {
	return &InvitationRepository{byPair: make(map[pairKey]call.Invitation)}
}

func (r *InvitationRepository) Upsert(ctx context.Context, inv call.Invitation, now time.Time) (call.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	low, high := inv.Pair()
	key := pairKey{low, high}
	if cur, ok := r.byPair[key]; ok && !cur.Expired(now) && cur.CallerID != inv.CallerID {
		return call.Invitation{}, amora_errors.ErrCallBusy
	}
	r.byPair[key] = inv
	r.upserts++
	return inv, nil
}

func (r *InvitationRepository) GetByID(ctx context.Context, id uuid.UUID) (call.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, inv, ok := r.find(id); ok {
		return inv, nil
	}
	return call.Invitation{}, amora_errors.ErrNotFound
}

func (r *InvitationRepository) Accept(ctx context.Context, id uuid.UUID, now, expiresAt time.Time) (call.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, inv, ok := r.find(id)
	if !ok || inv.Status != call.InvitationPending || inv.Expired(now) {
		return call.Invitation{}, amora_errors.ErrInvitationGone
	}
	inv.Status = call.InvitationAccepted
	inv.ExpiresAt = expiresAt
	r.byPair[key] = inv
	return inv, nil
}

func (r *InvitationRepository) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, _, ok := r.find(id)
	if !ok {
		return false, nil
	}
	delete(r.byPair, key)
	return true, nil
}

func (r *InvitationRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for key, inv := range r.byPair {
		if inv.Expired(now) {
			delete(r.byPair, key)
			n++
		}
	}
	return n, nil
}

func (r *InvitationRepository) PendingFor(ctx context.Context, recipientID string, now time.Time) ([]call.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []call.Invitation
	for _, inv := range r.byPair {
		if inv.RecipientID == recipientID && inv.Status == call.InvitationPending && !inv.Expired(now) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Len returns the number of stored rows, live or expired.
func (r *InvitationRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPair)
}

// Upserts returns how many writes succeeded.
func (r *InvitationRepository) Upserts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upserts
}

func (r *InvitationRepository) find(id uuid.UUID) (pairKey, call.Invitation, bool) {
	for key, inv := range r.byPair {
		if inv.ID == id {
			return key, inv, true
		}
	}
	return pairKey{}, call.Invitation{}, false
}

type logKey struct {
	callID uuid.UUID
	userID string
	phase  call.Phase
}

// CallLogRepository enforces the (call, user, phase) unique key.
type CallLogRepository struct {
	mu      sync.Mutex
	seen    map[logKey]struct{}
	entries []call.LogEntry
}

func NewCallLogRepository() *CallLogRepository {
	return &CallLogRepository{seen: make(map[logKey]struct{})}
}

func (r *CallLogRepository) Record(ctx context.Context, e call.LogEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := logKey{e.CallID, e.UserID, e.Phase}
	if _, ok := r.seen[key]; ok {
		return false, nil
	}
	r.seen[key] = struct{}{}
	r.entries = append(r.entries, e)
	return true, nil
}

func (r *CallLogRepository) ListForUser(ctx context.Context, userID string, limit int) ([]call.LogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []call.LogEntry
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].UserID == userID {
			out = append(out, r.entries[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Entries returns every recorded entry in insertion order.
func (r *CallLogRepository) Entries() []call.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call.LogEntry(nil), r.entries...)
}
