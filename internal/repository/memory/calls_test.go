package memory

import (
	"context"
	"testing"
	"time"

	"amora-realtime/internal/domain/call"
	amora_errors "amora-realtime/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func invitation(caller, recipient string, now time.Time) call.Invitation {
	return call.Invitation{
		ID:          uuid.New(),
		CallerID:    caller,
		RecipientID: recipient,
		Kind:        call.KindVideo,
		Status:      call.InvitationPending,
		Room:        call.RoomFor(caller, recipient),
		ExpiresAt:   now.Add(90 * time.Second),
		CreatedAt:   now,
	}
}

func TestInvitationUpsertKeepsOneLiveRowPerPair(t *testing.T) {
	repo := NewInvitationRepository()
	ctx := context.Background()
	now := time.Now()

	first, err := repo.Upsert(ctx, invitation("alice", "bob", now), now)
	require.NoError(t, err)

	_, err = repo.Upsert(ctx, invitation("bob", "alice", now), now)
	assert.ErrorIs(t, err, amora_errors.ErrCallBusy)

	// Same caller replaces its own row.
	second, err := repo.Upsert(ctx, invitation("alice", "bob", now), now)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.Len())
	_, err = repo.GetByID(ctx, first.ID)
	assert.ErrorIs(t, err, amora_errors.ErrNotFound)

	// An expired row no longer blocks the other side.
	later := now.Add(2 * time.Minute)
	_, err = repo.Upsert(ctx, invitation("bob", "alice", later), later)
	require.NoError(t, err)
	_, err = repo.GetByID(ctx, second.ID)
	assert.ErrorIs(t, err, amora_errors.ErrNotFound)
}

func TestInvitationAcceptAndDelete(t *testing.T) {
	repo := NewInvitationRepository()
	ctx := context.Background()
	now := time.Now()

	inv, err := repo.Upsert(ctx, invitation("alice", "bob", now), now)
	require.NoError(t, err)

	accepted, err := repo.Accept(ctx, inv.ID, now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, call.InvitationAccepted, accepted.Status)

	_, err = repo.Accept(ctx, inv.ID, now, now.Add(time.Hour))
	assert.ErrorIs(t, err, amora_errors.ErrInvitationGone)

	deleted, err := repo.Delete(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = repo.Delete(ctx, inv.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestCallLogRecordsOncePerPhase(t *testing.T) {
	repo := NewCallLogRepository()
	ctx := context.Background()
	entry := call.LogEntry{CallID: uuid.New(), UserID: "alice", PeerID: "bob", Phase: call.PhaseOngoing}

	created, err := repo.Record(ctx, entry)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = repo.Record(ctx, entry)
	require.NoError(t, err)
	assert.False(t, created)

	entry.Phase = call.PhaseEnded
	created, err = repo.Record(ctx, entry)
	require.NoError(t, err)
	assert.True(t, created)

	logs, err := repo.ListForUser(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, call.PhaseEnded, logs[0].Phase)
}
