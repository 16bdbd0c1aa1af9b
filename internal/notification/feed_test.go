package notification

import (
	"context"
	"testing"
	"time"

	"amora-realtime/internal/domain/notification"
	"amora-realtime/internal/events"
	"amora-realtime/internal/outbox"
	"amora-realtime/internal/realtime"
	"amora-realtime/internal/repository/memory"
	amora_errors "amora-realtime/pkg/errors"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	transport *realtime.MemoryTransport
	manager   *realtime.Manager
	repo      *memory.NotificationRepository
	profiles  *memory.ProfileRepository
	outbox    *memory.OutboxRepository
	clock     *clock.Mock
	service   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	transport := realtime.NewMemoryTransport()
	m := realtime.NewManager(transport, realtime.Options{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		MaxAttempts:    2,
	})
	t.Cleanup(m.Close)

	f := &fixture{
		transport: transport,
		manager:   m,
		repo:      memory.NewNotificationRepository(),
		profiles:  memory.NewProfileRepository(),
		outbox:    memory.NewOutboxRepository(),
		clock:     clock.NewMock(),
	}
	f.service = NewService(f.repo, f.outbox, memory.TxRunner, f.clock, nil)

	ctx := context.Background()
	for _, a := range []notification.Actor{
		{ID: "alice", DisplayName: "Alice"},
		{ID: "carol", DisplayName: "Carol"},
	} {
		require.NoError(t, f.profiles.Upsert(ctx, a))
	}
	return f
}

func (f *fixture) feed(t *testing.T) *Feed {
	feed := NewFeed("bob", f.repo, f.profiles, f.manager, Options{PageSize: 10, PollInterval: 30 * time.Second, Clock: f.clock})
	t.Cleanup(feed.Close)
	return feed
}

func (f *fixture) notify(t *testing.T, actor string, typ notification.Type) notification.Event {
	t.Helper()
	f.clock.Add(time.Second)
	e, err := f.service.Notify(context.Background(), "bob", actor, typ, "")
	require.NoError(t, err)
	return e
}

func TestFetchResolvesActorsInOneLookup(t *testing.T) {
	f := newFixture(t)
	first := f.notify(t, "alice", notification.TypeLike)
	f.notify(t, "carol", notification.TypeMatch)
	last := f.notify(t, "alice", notification.TypeMessage)
	feed := f.feed(t)

	items, err := feed.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, last.ID, items[0].ID)
	assert.Equal(t, first.ID, items[2].ID)
	assert.Equal(t, "Alice", items[0].Actor.DisplayName)
	assert.Equal(t, "Carol", items[1].Actor.DisplayName)
	assert.Equal(t, 1, f.profiles.Lookups())
}

func TestFetchRespectsPageSize(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 15; i++ {
		f.notify(t, "alice", notification.TypeLike)
	}
	items, err := f.feed(t).Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 10)
}

func TestLiveDeliveryMergesById(t *testing.T) {
	f := newFixture(t)
	feed := f.feed(t)
	feed.SubscribeLive()
	require.Eventually(t, func() bool {
		return f.transport.Subscribers(events.NotificationChannel("bob")) == 1
	}, waitFor, tick)

	e := f.notify(t, "carol", notification.TypeMatch)
	proc := outbox.NewProcessor(f.outbox, f.transport, 10, time.Second, 3)
	assert.Equal(t, 1, proc.ProcessBatch(context.Background()))

	require.Eventually(t, func() bool { return len(feed.Items()) == 1 }, waitFor, tick)
	assert.Equal(t, e.ID, feed.Items()[0].ID)
	assert.Equal(t, "Carol", feed.Items()[0].Actor.DisplayName)

	// The same row coming back from a fetch is not duplicated.
	items, err := feed.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestDegradeSwitchesToPollingAndBack(t *testing.T) {
	f := newFixture(t)
	f.transport.SetDown(true)
	feed := f.feed(t)
	feed.SubscribeLive()

	require.Eventually(t, func() bool { return feed.Mode() == ModePolling }, waitFor, tick)
	require.Eventually(t, func() bool { return f.repo.Lists() >= 1 }, waitFor, tick)

	e := f.notify(t, "alice", notification.TypeLike)
	lists := f.repo.Lists()
	f.clock.Add(30 * time.Second)
	require.Eventually(t, func() bool { return f.repo.Lists() > lists }, waitFor, tick)
	require.Eventually(t, func() bool { return len(feed.Items()) == 1 }, waitFor, tick)
	assert.Equal(t, e.ID, feed.Items()[0].ID)

	// Live events are ignored while polling.
	stray := notification.Event{ID: uuid.New(), RecipientID: "bob", ActorID: "carol", Type: notification.TypeMatch, CreatedAt: f.clock.Now()}
	feed.onLive(events.NotificationCreated{Notification: stray})
	assert.Len(t, feed.Items(), 1)

	f.transport.SetDown(false)
	require.NoError(t, feed.ResumeLive(context.Background()))
	assert.Equal(t, ModeLive, feed.Mode())
	require.Eventually(t, func() bool {
		return f.transport.Subscribers(events.NotificationChannel("bob")) == 1
	}, waitFor, tick)

	// Polling has stopped for good.
	lists = f.repo.Lists()
	f.clock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, lists, f.repo.Lists())

	next := f.notify(t, "carol", notification.TypeMatch)
	proc := outbox.NewProcessor(f.outbox, f.transport, 10, time.Second, 3)
	proc.ProcessBatch(context.Background())
	require.Eventually(t, func() bool {
		items := feed.Items()
		return len(items) == 2 && items[0].ID == next.ID
	}, waitFor, tick)
}

func TestDismissIsOptimisticAndIdempotent(t *testing.T) {
	f := newFixture(t)
	e := f.notify(t, "alice", notification.TypeLike)
	feed := f.feed(t)
	_, err := feed.Fetch(context.Background())
	require.NoError(t, err)

	require.NoError(t, feed.Dismiss(context.Background(), e.ID))
	assert.Empty(t, feed.Items())
	require.NoError(t, feed.Dismiss(context.Background(), e.ID))

	items, err := feed.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

// gatedNotifications holds ListUnread after it has read the rows, so a
// dismissal can commit while the fetch is still in flight.
type gatedNotifications struct {
	*memory.NotificationRepository
	listed  chan struct{}
	release chan struct{}
}

func (g *gatedNotifications) ListUnread(ctx context.Context, recipientID string, limit int) ([]notification.Event, error) {
	rows, err := g.NotificationRepository.ListUnread(ctx, recipientID, limit)
	if g.listed != nil {
		close(g.listed)
		<-g.release
		g.listed = nil
	}
	return rows, err
}

func TestDismissSurvivesFetchInFlight(t *testing.T) {
	f := newFixture(t)
	e := f.notify(t, "alice", notification.TypeLike)
	repo := &gatedNotifications{NotificationRepository: f.repo}
	feed := NewFeed("bob", repo, f.profiles, f.manager, Options{PageSize: 10, PollInterval: 30 * time.Second, Clock: f.clock})
	t.Cleanup(feed.Close)

	items, err := feed.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)

	repo.listed = make(chan struct{})
	repo.release = make(chan struct{})
	listed := repo.listed
	fetched := make(chan error, 1)
	go func() {
		_, err := feed.Fetch(context.Background())
		fetched <- err
	}()
	<-listed

	require.NoError(t, feed.Dismiss(context.Background(), e.ID))
	assert.Empty(t, feed.Items())

	close(repo.release)
	require.NoError(t, <-fetched)
	assert.Empty(t, feed.Items(), "stale page must not bring the dismissed item back")

	items, err = feed.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
	feed.mu.Lock()
	assert.Empty(t, feed.dismissed)
	feed.mu.Unlock()
}

func TestDismissOutsidePageMarksRead(t *testing.T) {
	f := newFixture(t)
	oldest := f.notify(t, "alice", notification.TypeLike)
	for i := 0; i < 11; i++ {
		f.notify(t, "carol", notification.TypeMatch)
	}
	feed := f.feed(t)
	items, err := feed.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 10)
	for _, it := range items {
		require.NotEqual(t, oldest.ID, it.ID)
	}

	require.NoError(t, feed.Dismiss(context.Background(), oldest.ID))
	assert.Len(t, feed.Items(), 10)

	rows, err := f.repo.ListUnread(context.Background(), "bob", 100)
	require.NoError(t, err)
	assert.Len(t, rows, 11)
	for _, r := range rows {
		assert.NotEqual(t, oldest.ID, r.ID)
	}
}

func TestNotifyRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Notify(context.Background(), "bob", "alice", notification.Type("poke"), "")
	assert.ErrorIs(t, err, amora_errors.ErrInvalidInput)
}
