package presence

import (
	"context"
	"sync"
	"time"

	"amora-realtime/internal/events"
	"amora-realtime/internal/realtime"
	amora_errors "amora-realtime/pkg/errors"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type Options struct {
	HeartbeatInterval time.Duration
	MemberTTL         time.Duration
	SyncTimeout       time.Duration
	Clock             clock.Clock
	Logger            *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.MemberTTL <= o.HeartbeatInterval {
		o.MemberTTL = 3 * o.HeartbeatInterval
	}
	if o.SyncTimeout <= 0 {
		o.SyncTimeout = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Listener receives the full online set of a room after every sync.
type Listener func(room string, online []Record)

type membership struct {
	room   string
	self   Record
	gen    uint64
	handle *realtime.Handle
	stop   chan struct{}

	mu      sync.Mutex
	seq     uint64
	applied uint64
	online  []Record
}

// Tracker keeps one client's room memberships. The online set of a room is
// always replaced wholesale from a backend snapshot.
type Tracker struct {
	manager  *realtime.Manager
	backend  Backend
	opts     Options
	log      *zap.Logger
	listener Listener

	mu    sync.Mutex
	rooms map[string]*membership
	gen   uint64
	wg    sync.WaitGroup
}

func NewTracker(manager *realtime.Manager, backend Backend, listener Listener, opts Options) *Tracker {
	opts = opts.withDefaults()
	return &Tracker{
		manager:  manager,
		backend:  backend,
		opts:     opts,
		log:      opts.Logger.With(zap.String("component", "presence")),
		listener: listener,
		rooms:    make(map[string]*membership),
	}
}

// Join enters room as self. A previous membership of the same room is
// released first.
func (t *Tracker) Join(ctx context.Context, room string, self Record) error {
	if self.OnlineAt.IsZero() {
		self.OnlineAt = t.opts.Clock.Now().UTC()
	}

	t.mu.Lock()
	if prev, ok := t.rooms[room]; ok {
		t.release(prev)
	}
	t.gen++
	m := &membership{room: room, self: self, gen: t.gen, stop: make(chan struct{})}
	t.rooms[room] = m
	t.mu.Unlock()

	handle := t.manager.Subscribe(events.PresenceChannel(room), realtime.Handlers{
		OnEvent: func(e events.Event) {
			if _, ok := e.(events.PresenceSync); ok {
				t.resync(m)
			}
		},
		OnState: func(s realtime.State) {
			if s == realtime.Subscribed {
				t.resync(m)
			}
		},
	})
	t.mu.Lock()
	m.handle = handle
	released := stopped(m)
	t.mu.Unlock()
	if released {
		handle.Unsubscribe()
		return amora_errors.ErrClosed
	}

	if err := t.backend.Track(ctx, room, self, t.opts.MemberTTL); err != nil {
		t.mu.Lock()
		if t.rooms[room] == m {
			delete(t.rooms, room)
		}
		t.release(m)
		t.mu.Unlock()
		return err
	}
	t.nudge(ctx, room, self.UserID)
	t.sync(ctx, m)

	ticker := t.opts.Clock.Ticker(t.opts.HeartbeatInterval)
	t.wg.Add(1)
	go t.heartbeat(m, ticker)
	return nil
}

// Leave stops heartbeats and callbacks for room and removes self from it.
func (t *Tracker) Leave(ctx context.Context, room string) error {
	t.mu.Lock()
	m, ok := t.rooms[room]
	if ok {
		delete(t.rooms, room)
		t.release(m)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}

	if err := t.backend.Untrack(ctx, room, m.self.UserID); err != nil {
		return err
	}
	t.nudge(ctx, room, m.self.UserID)
	return nil
}

// Online returns the last synced online set of room.
func (t *Tracker) Online(room string) []Record {
	t.mu.Lock()
	m, ok := t.rooms[room]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.online...)
}

// Rooms returns the rooms currently joined.
func (t *Tracker) Rooms() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.rooms))
	for room := range t.rooms {
		out = append(out, room)
	}
	return out
}

// Close leaves every room and waits for heartbeats to stop.
func (t *Tracker) Close(ctx context.Context) {
	for _, room := range t.Rooms() {
		if err := t.Leave(ctx, room); err != nil {
			t.log.Warn("leave on close failed", zap.String("room", room), zap.Error(err))
		}
	}
	t.wg.Wait()
}

// release must be called with t.mu held.
func (t *Tracker) release(m *membership) {
	if stopped(m) {
		return
	}
	close(m.stop)
	if m.handle != nil {
		m.handle.Unsubscribe()
	}
}

func stopped(m *membership) bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

func (t *Tracker) current(m *membership) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.rooms[m.room]
	return ok && cur.gen == m.gen
}

func (t *Tracker) heartbeat(m *membership, ticker *clock.Ticker) {
	defer t.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.opts.SyncTimeout)
			if err := t.backend.Track(ctx, m.room, m.self, t.opts.MemberTTL); err != nil {
				t.log.Warn("heartbeat failed", zap.String("room", m.room), zap.Error(err))
			}
			t.sync(ctx, m)
			cancel()
		}
	}
}

func (t *Tracker) resync(m *membership) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.opts.SyncTimeout)
		defer cancel()
		t.sync(ctx, m)
	}()
}

// sync replaces the online set with a fresh snapshot. Snapshots taken for a
// superseded join, or older than one already applied, are dropped.
func (t *Tracker) sync(ctx context.Context, m *membership) {
	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	recs, err := t.backend.Snapshot(ctx, m.room)
	if err != nil {
		t.log.Warn("presence snapshot failed", zap.String("room", m.room), zap.Error(err))
		return
	}
	if !t.current(m) {
		return
	}

	m.mu.Lock()
	if seq <= m.applied {
		m.mu.Unlock()
		return
	}
	m.applied = seq
	m.online = recs
	m.mu.Unlock()

	if t.listener != nil {
		t.listener(m.room, append([]Record(nil), recs...))
	}
}

func (t *Tracker) nudge(ctx context.Context, room, userID string) {
	if err := t.manager.Publish(ctx, events.PresenceSync{Room: room, UserID: userID}); err != nil {
		t.log.Warn("presence nudge failed", zap.String("room", room), zap.Error(err))
	}
}
