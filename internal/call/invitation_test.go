package call

import (
	"context"
	"testing"
	"time"

	"amora-realtime/internal/domain/call"
	"amora-realtime/internal/repository/memory"
	amora_errors "amora-realtime/pkg/errors"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord() (*InvitationRecord, *memory.InvitationRepository, *clock.Mock) {
	mock := clock.NewMock()
	repo := memory.NewInvitationRepository()
	return NewInvitationRecord(repo, mock, 90*time.Second, 4*time.Hour), repo, mock
}

func TestCreateKeysBySortedPair(t *testing.T) {
	rec, repo, _ := newRecord()
	ctx := context.Background()

	inv, err := rec.Create(ctx, "zoe", "adam", call.KindAudio)
	require.NoError(t, err)
	assert.Equal(t, "call:adam:zoe", inv.Room)
	assert.Equal(t, call.InvitationPending, inv.Status)

	// The other party cannot open a second live row.
	_, err = rec.Create(ctx, "adam", "zoe", call.KindVideo)
	assert.ErrorIs(t, err, amora_errors.ErrCallBusy)

	// The same caller replaces its own row.
	again, err := rec.Create(ctx, "zoe", "adam", call.KindVideo)
	require.NoError(t, err)
	assert.NotEqual(t, inv.ID, again.ID)
	assert.Equal(t, 1, repo.Len())
}

func TestCreateOverwritesExpiredRow(t *testing.T) {
	rec, repo, mock := newRecord()
	ctx := context.Background()

	_, err := rec.Create(ctx, "zoe", "adam", call.KindAudio)
	require.NoError(t, err)
	mock.Add(91 * time.Second)

	inv, err := rec.Create(ctx, "adam", "zoe", call.KindAudio)
	require.NoError(t, err)
	assert.Equal(t, "adam", inv.CallerID)
	assert.Equal(t, 1, repo.Len())
}

func TestCreateRejectsSelfCall(t *testing.T) {
	rec, _, _ := newRecord()
	_, err := rec.Create(context.Background(), "adam", "adam", call.KindAudio)
	assert.ErrorIs(t, err, amora_errors.ErrInvalidInput)
}

func TestAcceptExtendsExpiryAndResolveIsIdempotent(t *testing.T) {
	rec, repo, mock := newRecord()
	ctx := context.Background()

	inv, err := rec.Create(ctx, "zoe", "adam", call.KindAudio)
	require.NoError(t, err)

	accepted, err := rec.Accept(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, call.InvitationAccepted, accepted.Status)
	assert.Equal(t, mock.Now().UTC().Add(4*time.Hour), accepted.ExpiresAt)

	_, err = rec.Accept(ctx, inv.ID)
	assert.ErrorIs(t, err, amora_errors.ErrInvitationGone)

	deleted, err := rec.Resolve(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = rec.Resolve(ctx, inv.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Zero(t, repo.Len())

	_, err = rec.Accept(ctx, inv.ID)
	assert.ErrorIs(t, err, amora_errors.ErrInvitationGone)
}

func TestPendingForSkipsExpired(t *testing.T) {
	rec, _, mock := newRecord()
	ctx := context.Background()

	_, err := rec.Create(ctx, "zoe", "adam", call.KindAudio)
	require.NoError(t, err)
	mock.Add(time.Minute)
	fresh, err := rec.Create(ctx, "eve", "adam", call.KindVideo)
	require.NoError(t, err)

	pending, err := rec.PendingFor(ctx, "adam")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, fresh.ID, pending[0].ID)

	mock.Add(45 * time.Second)
	pending, err = rec.PendingFor(ctx, "adam")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.ID, pending[0].ID)
}

func TestSweeperRemovesExpiredRows(t *testing.T) {
	rec, repo, mock := newRecord()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := rec.Create(ctx, "zoe", "adam", call.KindAudio)
	require.NoError(t, err)

	sweeper := NewSweeper(rec, mock, 30*time.Second, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sweeper.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		mock.Add(30 * time.Second)
		return repo.Len() == 0
	}, waitFor, tick)

	cancel()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("sweeper did not stop")
	}
}
