package chat

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"amora-realtime/internal/domain/message"
	"amora-realtime/internal/events"
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

type client struct {
	store   *Store
	manager *realtime.Manager
}

func newClient(t *testing.T, self string, transport realtime.Transport, repo *memory.MessageRepository, opts Options) *client {
	t.Helper()
	m := realtime.NewManager(transport, realtime.Options{InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond})
	s := NewStore(self, repo, m, Handlers{}, opts)
	t.Cleanup(func() {
		s.Stop()
		m.Close()
	})
	return &client{store: s, manager: m}
}

func (c *client) start(t *testing.T) {
	t.Helper()
	c.store.Start()
	require.Eventually(t, func() bool { return c.store.Handle().State() == realtime.Subscribed }, waitFor, tick)
}

func ids(entries []Entry) []uuid.UUID {
	out := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestConcurrentSendsConverge(t *testing.T) {
	transport := realtime.NewMemoryTransport()
	repo := memory.NewMessageRepository()
	alice := newClient(t, "alice", transport, repo, Options{})
	bob := newClient(t, "bob", transport, repo, Options{})
	alice.start(t)
	bob.start(t)

	ctx := context.Background()
	var wg sync.WaitGroup
	for _, c := range []struct {
		from *client
		to   string
	}{{alice, "bob"}, {bob, "alice"}} {
		wg.Add(1)
		go func(from *client, to string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := from.store.Send(ctx, to, fmt.Sprintf("msg %d", i))
				assert.NoError(t, err)
				time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
			}
		}(c.from, c.to)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(alice.store.Messages("bob")) == 40 && len(bob.store.Messages("alice")) == 40
	}, waitFor, tick)
	assert.Equal(t, ids(alice.store.Messages("bob")), ids(bob.store.Messages("alice")))

	// A history reload lands on the same order.
	require.NoError(t, bob.store.LoadHistory(ctx, "alice"))
	assert.Equal(t, ids(alice.store.Messages("bob")), ids(bob.store.Messages("alice")))
}

func TestOfflineRecipientSeesExactlyOneCopy(t *testing.T) {
	transport := realtime.NewMemoryTransport()
	repo := memory.NewMessageRepository()
	alice := newClient(t, "alice", transport, repo, Options{})
	bob := newClient(t, "bob", transport, repo, Options{})
	ctx := context.Background()

	hi, err := alice.store.Send(ctx, "bob", "hi")
	require.NoError(t, err)

	bob.start(t)
	require.NoError(t, bob.store.LoadHistory(ctx, "alice"))

	// The broadcast arrives late, after history.
	late, err := events.Encode(events.MessageInserted{Message: hi})
	require.NoError(t, err)
	require.NoError(t, transport.Publish(ctx, events.UserChannel("bob"), late))
	assert.False(t, bob.store.AppendStreamed(hi))

	time.Sleep(20 * time.Millisecond)
	got := bob.store.Messages("alice")
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Content)
	assert.False(t, got[0].Pending)
}

func TestAppendStreamedDedupsAndOrders(t *testing.T) {
	s := NewStore("bob", memory.NewMessageRepository(), realtime.NewManager(realtime.NewMemoryTransport(), realtime.Options{}), Handlers{}, Options{})
	t0 := time.Now()

	a, _ := message.New("alice", "bob", "first", t0)
	b, _ := message.New("alice", "bob", "second", t0.Add(time.Second))
	c := b
	c.ID = uuid.Must(uuid.NewV7())
	c.Content = "same instant"

	assert.True(t, s.AppendStreamed(b))
	assert.True(t, s.AppendStreamed(c))
	assert.True(t, s.AppendStreamed(a))
	assert.False(t, s.AppendStreamed(b))

	got := s.Messages("alice")
	require.Len(t, got, 3)
	assert.Equal(t, a.ID, got[0].ID)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].Before(got[i].Message))
	}
}

func TestSendPersistenceFailureKeepsPendingEntry(t *testing.T) {
	transport := realtime.NewMemoryTransport()
	repo := memory.NewMessageRepository()
	alice := newClient(t, "alice", transport, repo, Options{})
	bob := newClient(t, "bob", transport, repo, Options{})
	bob.start(t)
	ctx := context.Background()

	repo.FailNextInserts(1)
	m, err := alice.store.Send(ctx, "bob", "hello?")
	var perr *amora_errors.PersistenceError
	require.ErrorAs(t, err, &perr)
	require.True(t, amora_errors.IsPersistence(err))

	log := alice.store.Messages("bob")
	require.Len(t, log, 1)
	assert.True(t, log[0].Pending)

	// Nothing went out on the wire for an unpersisted message.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, bob.store.Messages("alice"))

	require.NoError(t, alice.store.Retry(ctx, m.ID))
	assert.False(t, alice.store.Messages("bob")[0].Pending)
	require.Eventually(t, func() bool { return len(bob.store.Messages("alice")) == 1 }, waitFor, tick)

	assert.False(t, alice.store.Rollback(m.ID), "confirmed entries cannot be rolled back")
}

func TestRollbackRemovesPendingEntry(t *testing.T) {
	repo := memory.NewMessageRepository()
	alice := newClient(t, "alice", realtime.NewMemoryTransport(), repo, Options{})

	repo.FailNextInserts(1)
	m, err := alice.store.Send(context.Background(), "bob", "oops")
	require.Error(t, err)
	assert.True(t, alice.store.Rollback(m.ID))
	assert.Empty(t, alice.store.Messages("bob"))
	assert.ErrorIs(t, alice.store.Retry(context.Background(), m.ID), amora_errors.ErrNotFound)
}

func TestHistoryReplaceKeepsPendingEntries(t *testing.T) {
	repo := memory.NewMessageRepository()
	alice := newClient(t, "alice", realtime.NewMemoryTransport(), repo, Options{})
	ctx := context.Background()

	old, _ := message.New("bob", "alice", "earlier", time.Now().Add(-time.Minute))
	require.NoError(t, repo.Insert(ctx, old))

	repo.FailNextInserts(1)
	pending, err := alice.store.Send(ctx, "bob", "unsent")
	require.Error(t, err)

	require.NoError(t, alice.store.LoadHistory(ctx, "bob"))
	got := alice.store.Messages("bob")
	require.Len(t, got, 2)
	assert.Equal(t, old.ID, got[0].ID)
	assert.Equal(t, pending.ID, got[1].ID)
	assert.True(t, got[1].Pending)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	transport := realtime.NewMemoryTransport()
	repo := memory.NewMessageRepository()
	alice := newClient(t, "alice", transport, repo, Options{})
	bob := newClient(t, "bob", transport, repo, Options{})
	alice.start(t)
	ctx := context.Background()

	m, err := alice.store.Send(ctx, "bob", "read me")
	require.NoError(t, err)
	require.NoError(t, bob.store.LoadHistory(ctx, "alice"))
	assert.Equal(t, 1, bob.store.Conversations()[0].UnreadCount)

	require.NoError(t, bob.store.MarkRead(ctx, m.ID))
	first := bob.store.Messages("alice")
	require.NoError(t, bob.store.MarkRead(ctx, m.ID))
	assert.Equal(t, first, bob.store.Messages("alice"))
	assert.Equal(t, 0, bob.store.Conversations()[0].UnreadCount)

	stored, err := repo.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, stored.Read)

	// The sender learns about the read receipt.
	require.Eventually(t, func() bool { return alice.store.Messages("bob")[0].Read }, waitFor, tick)

	// Only the recipient may mark a message read.
	assert.ErrorIs(t, alice.store.MarkRead(ctx, m.ID), amora_errors.ErrInvalidInput)
}

func TestConversationsDeriveUnreadCount(t *testing.T) {
	s := NewStore("bob", memory.NewMessageRepository(), realtime.NewManager(realtime.NewMemoryTransport(), realtime.Options{}), Handlers{}, Options{})
	t0 := time.Now()

	m1, _ := message.New("alice", "bob", "1", t0)
	m2, _ := message.New("bob", "alice", "2", t0.Add(time.Second))
	m3, _ := message.New("alice", "bob", "3", t0.Add(2*time.Second))
	m3.Read = true
	m4, _ := message.New("carol", "bob", "hey", t0.Add(3*time.Second))
	for _, m := range []message.Message{m1, m2, m3, m4} {
		s.AppendStreamed(m)
	}

	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "carol", convs[0].PeerID)
	assert.Equal(t, 1, convs[0].UnreadCount)
	assert.Equal(t, "alice", convs[1].PeerID)
	assert.Equal(t, 1, convs[1].UnreadCount)
	assert.Equal(t, m3.ID, convs[1].LastMessage.ID)
}

func TestTypingIsThrottled(t *testing.T) {
	transport := realtime.NewMemoryTransport()
	repo := memory.NewMessageRepository()
	mock := clock.NewMock()
	alice := newClient(t, "alice", transport, repo, Options{TypingInterval: 3 * time.Second, Clock: mock})

	var mu sync.Mutex
	var seen []bool
	bobManager := realtime.NewManager(transport, realtime.Options{})
	defer bobManager.Close()
	bob := NewStore("bob", repo, bobManager, Handlers{OnTyping: func(peer string, typing bool) {
		mu.Lock()
		seen = append(seen, typing)
		mu.Unlock()
	}}, Options{})
	bob.Start()
	defer bob.Stop()
	require.Eventually(t, func() bool { return bob.Handle().State() == realtime.Subscribed }, waitFor, tick)

	ctx := context.Background()
	assert.True(t, alice.store.SetTyping(ctx, "bob", true))
	assert.False(t, alice.store.SetTyping(ctx, "bob", true))
	assert.True(t, alice.store.SetTyping(ctx, "bob", false))
	mock.Add(3 * time.Second)
	assert.True(t, alice.store.SetTyping(ctx, "bob", true))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, []bool{true, false, true}, seen)
	mu.Unlock()
}

func TestDegradedInboxFallsBackToPolling(t *testing.T) {
	transport := realtime.NewMemoryTransport()
	bobNet := realtime.NewMemoryTransport()
	repo := memory.NewMessageRepository()
	mock := clock.NewMock()
	alice := newClient(t, "alice", transport, repo, Options{})
	bob := newClient(t, "bob", bobNet, repo, Options{Clock: mock, PollInterval: 10 * time.Second})
	bob.start(t)

	bobNet.SetDown(true)
	require.Eventually(t, func() bool { return bob.store.Polling() }, waitFor, tick)

	// The broadcast never reaches bob; the next poll picks the message up.
	hi, err := alice.store.Send(context.Background(), "bob", "hi")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, bob.store.Messages("alice"))

	mock.Add(10 * time.Second)
	require.Eventually(t, func() bool { return len(bob.store.Messages("alice")) == 1 }, waitFor, tick)
	assert.Equal(t, hi.ID, bob.store.Messages("alice")[0].ID)

	// Polling ends once the inbox subscribes again, and anything sent in
	// between is caught up.
	bobNet.SetDown(false)
	late, err := alice.store.Send(context.Background(), "bob", "still there?")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mock.Add(10 * time.Second)
		return bob.store.Handle().State() == realtime.Subscribed && !bob.store.Polling()
	}, waitFor, tick)
	require.Eventually(t, func() bool { return len(bob.store.Messages("alice")) == 2 }, waitFor, tick)
	assert.Equal(t, late.ID, bob.store.Messages("alice")[1].ID)

	// Live delivery is back.
	msg, err := alice.store.Send(context.Background(), "bob", "yes")
	require.NoError(t, err)
	payload, err := events.Encode(events.MessageInserted{Message: msg})
	require.NoError(t, err)
	require.NoError(t, bobNet.Publish(context.Background(), events.UserChannel("bob"), payload))
	require.Eventually(t, func() bool { return len(bob.store.Messages("alice")) == 3 }, waitFor, tick)
}
