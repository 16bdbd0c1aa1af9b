package notification

import (
	"context"
	"sort"
	"sync"
	"time"

	"amora-realtime/internal/domain/notification"
	"amora-realtime/internal/events"
	"amora-realtime/internal/realtime"
	"amora-realtime/internal/repository"
	amora_errors "amora-realtime/pkg/errors"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProfileDirectory resolves actor metadata for many users in one call.
type ProfileDirectory interface {
	Lookup(ctx context.Context, ids []string) (map[string]notification.Actor, error)
}

// Mode is how the feed currently learns about new notifications.
type Mode int

const (
	ModeIdle Mode = iota
	ModeLive
	ModePolling
)

func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModePolling:
		return "polling"
	}
	return "idle"
}

type Options struct {
	PageSize      int
	PollInterval  time.Duration
	LookupTimeout time.Duration
	Clock         clock.Clock
	Logger        *zap.Logger
	// OnChange receives the feed after every change, newest first.
	OnChange func(items []notification.Item)
	// OnMode is told when the feed switches between live and polling.
	OnMode func(Mode)
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 20
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.LookupTimeout <= 0 {
		o.LookupTimeout = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Feed is one user's unread notifications. Live delivery and polling are
// never active at the same time, and items are merged by id whichever path
// produced them.
type Feed struct {
	self     string
	repo     repository.NotificationRepository
	profiles ProfileDirectory
	manager  *realtime.Manager
	opts     Options
	log      *zap.Logger

	mu    sync.Mutex
	items []notification.Item
	// dismissed holds ids removed locally, with the epoch their mark-read
	// committed at (0 while in flight). A fetch that raced the mark-read may
	// still list them, so they are filtered until a fetch begun after the
	// commit no longer does.
	dismissed map[uuid.UUID]uint64
	epoch     uint64
	mode      Mode
	handle    *realtime.Handle
	pollStop  chan struct{}
	pollDone  chan struct{}
}

func NewFeed(self string, repo repository.NotificationRepository, profiles ProfileDirectory, manager *realtime.Manager, opts Options) *Feed {
	opts = opts.withDefaults()
	return &Feed{
		self:      self,
		repo:      repo,
		profiles:  profiles,
		manager:   manager,
		opts:      opts,
		log:       opts.Logger.With(zap.String("component", "notification"), zap.String("user_id", self)),
		dismissed: make(map[uuid.UUID]uint64),
	}
}

// Fetch loads the newest unread page and merges it into the feed.
func (f *Feed) Fetch(ctx context.Context) ([]notification.Item, error) {
	f.mu.Lock()
	began := f.epoch
	f.mu.Unlock()

	rows, err := f.repo.ListUnread(ctx, f.self, f.opts.PageSize)
	if err != nil {
		return nil, amora_errors.Persistence("list notifications", err)
	}
	items, err := f.resolve(ctx, rows)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	var newest time.Time
	if len(items) > 0 {
		newest = items[0].CreatedAt
	}
	fetched := make(map[uuid.UUID]struct{}, len(items))
	kept := items[:0]
	for _, it := range items {
		fetched[it.ID] = struct{}{}
		if _, gone := f.dismissed[it.ID]; !gone {
			kept = append(kept, it)
		}
	}
	items = kept
	for id, at := range f.dismissed {
		if _, listed := fetched[id]; !listed && at != 0 && began >= at {
			delete(f.dismissed, id)
		}
	}
	// Items that arrived live after the query ran are kept.
	for _, it := range f.items {
		if _, ok := fetched[it.ID]; !ok && it.CreatedAt.After(newest) {
			items = append(items, it)
		}
	}
	sortItems(items)
	f.items = items
	out := f.snapshotLocked()
	f.mu.Unlock()

	f.changed(out)
	return out, nil
}

// SubscribeLive attaches to the user's notification topic. When the channel
// degrades the feed switches to polling.
func (f *Feed) SubscribeLive() {
	f.mu.Lock()
	if f.mode != ModeIdle {
		f.mu.Unlock()
		return
	}
	f.mode = ModeLive
	f.mu.Unlock()

	h := f.manager.Subscribe(events.NotificationChannel(f.self), realtime.Handlers{
		OnEvent:   f.onLive,
		OnDegrade: f.onDegrade,
	})

	f.mu.Lock()
	f.handle = h
	f.mu.Unlock()
	f.modeChanged(ModeLive)
}

// ResumeLive stops polling and retries the live channel.
func (f *Feed) ResumeLive(ctx context.Context) error {
	f.mu.Lock()
	if f.mode != ModePolling {
		f.mu.Unlock()
		return nil
	}
	stop, done := f.pollStop, f.pollDone
	f.pollStop, f.pollDone = nil, nil
	f.mu.Unlock()

	close(stop)
	<-done

	f.mu.Lock()
	f.mode = ModeLive
	h := f.handle
	f.mu.Unlock()
	if h != nil {
		h.Reset()
	}
	f.modeChanged(ModeLive)

	_, err := f.Fetch(ctx)
	return err
}

// Dismiss removes id optimistically and marks it read, whether or not it is
// on the current page. Dismissing it again is a no-op.
func (f *Feed) Dismiss(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	if _, ok := f.dismissed[id]; ok {
		f.mu.Unlock()
		return nil
	}
	f.dismissed[id] = 0
	var removed notification.Item
	idx := -1
	for i, it := range f.items {
		if it.ID == id {
			idx = i
			break
		}
	}
	if idx >= 0 {
		removed = f.items[idx]
		f.items = append(f.items[:idx:idx], f.items[idx+1:]...)
	}
	out := f.snapshotLocked()
	f.mu.Unlock()
	if idx >= 0 {
		f.changed(out)
	}

	if _, err := f.repo.MarkRead(ctx, id, f.self); err != nil {
		f.mu.Lock()
		delete(f.dismissed, id)
		restored := idx >= 0 && f.mergeLocked(removed)
		out := f.snapshotLocked()
		f.mu.Unlock()
		if restored {
			f.changed(out)
		}
		return amora_errors.Persistence("mark notification read", err)
	}

	f.mu.Lock()
	if _, ok := f.dismissed[id]; ok {
		f.epoch++
		f.dismissed[id] = f.epoch
	}
	f.mu.Unlock()
	return nil
}

// Close stops live delivery and polling.
func (f *Feed) Close() {
	f.mu.Lock()
	h := f.handle
	f.handle = nil
	stop, done := f.pollStop, f.pollDone
	f.pollStop, f.pollDone = nil, nil
	f.mode = ModeIdle
	f.mu.Unlock()

	if h != nil {
		h.Unsubscribe()
	}
	if stop != nil {
		close(stop)
		<-done
	}
}

func (f *Feed) Items() []notification.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

func (f *Feed) Mode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *Feed) onLive(e events.Event) {
	created, ok := e.(events.NotificationCreated)
	if !ok || created.Notification.RecipientID != f.self || created.Notification.Read {
		return
	}
	if f.Mode() != ModeLive {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.opts.LookupTimeout)
	defer cancel()
	items, err := f.resolve(ctx, []notification.Event{created.Notification})
	if err != nil {
		f.log.Warn("actor lookup failed", zap.Error(err))
		items = []notification.Item{{Event: created.Notification}}
	}

	f.mu.Lock()
	if f.mode != ModeLive {
		f.mu.Unlock()
		return
	}
	added := f.mergeLocked(items[0])
	out := f.snapshotLocked()
	f.mu.Unlock()
	if added {
		f.changed(out)
	}
}

func (f *Feed) onDegrade() {
	f.mu.Lock()
	if f.mode != ModeLive {
		f.mu.Unlock()
		return
	}
	f.mode = ModePolling
	f.pollStop = make(chan struct{})
	f.pollDone = make(chan struct{})
	ticker := f.opts.Clock.Ticker(f.opts.PollInterval)
	go f.poll(ticker, f.pollStop, f.pollDone)
	f.mu.Unlock()

	f.log.Warn("live notifications degraded, polling", zap.Duration("interval", f.opts.PollInterval))
	f.modeChanged(ModePolling)
}

func (f *Feed) poll(ticker *clock.Ticker, stop, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	f.pollOnce(stop)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			f.pollOnce(stop)
		}
	}
}

func (f *Feed) pollOnce(stop chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	if _, err := f.Fetch(ctx); err != nil && ctx.Err() == nil {
		f.log.Warn("notification poll failed", zap.Error(err))
	}
}

// resolve attaches actors with a single batched lookup.
func (f *Feed) resolve(ctx context.Context, rows []notification.Event) ([]notification.Item, error) {
	items := make([]notification.Item, len(rows))
	seen := make(map[string]struct{})
	var ids []string
	for i, e := range rows {
		items[i] = notification.Item{Event: e}
		if _, ok := seen[e.ActorID]; !ok && e.ActorID != "" {
			seen[e.ActorID] = struct{}{}
			ids = append(ids, e.ActorID)
		}
	}
	if len(ids) == 0 {
		return items, nil
	}
	actors, err := f.profiles.Lookup(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if a, ok := actors[items[i].ActorID]; ok {
			actor := a
			items[i].Actor = &actor
		}
	}
	return items, nil
}

func (f *Feed) mergeLocked(item notification.Item) bool {
	if _, gone := f.dismissed[item.ID]; gone {
		return false
	}
	for i := range f.items {
		if f.items[i].ID == item.ID {
			return false
		}
	}
	f.items = append(f.items, item)
	sortItems(f.items)
	return true
}

func (f *Feed) snapshotLocked() []notification.Item {
	return append([]notification.Item(nil), f.items...)
}

func (f *Feed) changed(items []notification.Item) {
	if f.opts.OnChange != nil {
		f.opts.OnChange(items)
	}
}

func (f *Feed) modeChanged(m Mode) {
	if f.opts.OnMode != nil {
		f.opts.OnMode(m)
	}
}

func sortItems(items []notification.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID.String() > items[j].ID.String()
	})
}
