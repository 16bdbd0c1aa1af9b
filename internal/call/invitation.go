package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"amora-realtime/internal/domain/call"
	"amora-realtime/internal/repository"
	amora_errors "amora-realtime/pkg/errors"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// InvitationRecord is the durable side of a call attempt. There is at most
// one live invitation per unordered participant pair.
type InvitationRecord struct {
	repo      repository.InvitationRepository
	clock     clock.Clock
	ttl       time.Duration
	activeTTL time.Duration
}

func NewInvitationRecord(repo repository.InvitationRepository, clk clock.Clock, ttl, activeTTL time.Duration) *InvitationRecord {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	if activeTTL < ttl {
		activeTTL = 4 * time.Hour
	}
	return &InvitationRecord{repo: repo, clock: clk, ttl: ttl, activeTTL: activeTTL}
}

// Create writes a pending invitation from callerID to recipientID. A live
// invitation for the pair owned by the other party fails with ErrCallBusy.
func (r *InvitationRecord) Create(ctx context.Context, callerID, recipientID string, kind call.Kind) (call.Invitation, error) {
	if callerID == "" || recipientID == "" || callerID == recipientID {
		return call.Invitation{}, fmt.Errorf("%w: caller and recipient must be distinct", amora_errors.ErrInvalidInput)
	}
	if !kind.Valid() {
		return call.Invitation{}, fmt.Errorf("%w: unknown call kind %q", amora_errors.ErrInvalidInput, kind)
	}

	now := r.clock.Now().UTC()
	inv := call.Invitation{
		ID:          uuid.New(),
		CallerID:    callerID,
		RecipientID: recipientID,
		Kind:        kind,
		Status:      call.InvitationPending,
		Room:        call.RoomFor(callerID, recipientID),
		ExpiresAt:   now.Add(r.ttl),
		CreatedAt:   now,
	}
	out, err := r.repo.Upsert(ctx, inv, now)
	if err != nil {
		if errors.Is(err, amora_errors.ErrCallBusy) {
			return call.Invitation{}, err
		}
		return call.Invitation{}, amora_errors.Persistence("upsert invitation", err)
	}
	return out, nil
}

// Accept moves a live pending invitation to accepted. It fails with
// ErrInvitationGone when the row was resolved or expired in the meantime.
func (r *InvitationRecord) Accept(ctx context.Context, id uuid.UUID) (call.Invitation, error) {
	now := r.clock.Now().UTC()
	inv, err := r.repo.Accept(ctx, id, now, now.Add(r.activeTTL))
	if err != nil {
		if errors.Is(err, amora_errors.ErrInvitationGone) {
			return call.Invitation{}, err
		}
		return call.Invitation{}, amora_errors.Persistence("accept invitation", err)
	}
	return inv, nil
}

// Resolve deletes the invitation if it is still pending or accepted. It is
// safe to call from both sides and more than once.
func (r *InvitationRecord) Resolve(ctx context.Context, id uuid.UUID) (bool, error) {
	deleted, err := r.repo.Delete(ctx, id)
	if err != nil {
		return false, amora_errors.Persistence("resolve invitation", err)
	}
	return deleted, nil
}

// Get returns the invitation while it is live. A resolved or expired row is
// ErrInvitationGone.
func (r *InvitationRecord) Get(ctx context.Context, id uuid.UUID) (call.Invitation, error) {
	inv, err := r.repo.GetByID(ctx, id)
	if errors.Is(err, amora_errors.ErrNotFound) {
		return call.Invitation{}, amora_errors.ErrInvitationGone
	}
	if err != nil {
		return call.Invitation{}, amora_errors.Persistence("get invitation", err)
	}
	if inv.Expired(r.clock.Now().UTC()) {
		return call.Invitation{}, amora_errors.ErrInvitationGone
	}
	return inv, nil
}

// PendingFor returns live invitations addressed to userID, newest first.
func (r *InvitationRecord) PendingFor(ctx context.Context, userID string) ([]call.Invitation, error) {
	invs, err := r.repo.PendingFor(ctx, userID, r.clock.Now().UTC())
	if err != nil {
		return nil, amora_errors.Persistence("list pending invitations", err)
	}
	return invs, nil
}

// Sweep deletes every expired invitation and returns how many went.
func (r *InvitationRecord) Sweep(ctx context.Context) (int64, error) {
	n, err := r.repo.DeleteExpired(ctx, r.clock.Now().UTC())
	if err != nil {
		return 0, amora_errors.Persistence("sweep invitations", err)
	}
	return n, nil
}
