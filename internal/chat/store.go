package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"amora-realtime/internal/domain/message"
	"amora-realtime/internal/events"
	"amora-realtime/internal/metrics"
	"amora-realtime/internal/realtime"
	"amora-realtime/internal/repository"
	amora_errors "amora-realtime/pkg/errors"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Entry is a message in a local log. Pending entries were appended
// optimistically and have not been confirmed by the store yet.
type Entry struct {
	message.Message
	Pending bool `json:"pending"`
}

// Handlers are notified after the store changes. Any of them may be nil.
type Handlers struct {
	OnChange func(peer string)
	OnTyping func(peer string, typing bool)
}

type Options struct {
	HistoryLimit int
	// TypingInterval is the minimum gap between two "typing" signals to the
	// same peer. Stop signals are never throttled.
	TypingInterval time.Duration
	// PollInterval is how often the inbox is re-read while live delivery is
	// degraded.
	PollInterval time.Duration
	PollTimeout  time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 200
	}
	if o.TypingInterval <= 0 {
		o.TypingInterval = 3 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 15 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Store is one user's view of their conversations: a deduplicated log per
// peer ordered by (created_at, id).
type Store struct {
	self     string
	repo     repository.MessageRepository
	manager  *realtime.Manager
	handlers Handlers
	opts     Options
	log      *zap.Logger

	mu       sync.Mutex
	logs     map[string][]Entry
	peerOf   map[uuid.UUID]string
	limiters map[string]*rate.Limiter
	handle   *realtime.Handle
	poller   *realtime.Poller
}

func NewStore(self string, repo repository.MessageRepository, manager *realtime.Manager, handlers Handlers, opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{
		self:     self,
		repo:     repo,
		manager:  manager,
		handlers: handlers,
		opts:     opts,
		log:      opts.Logger.With(zap.String("component", "chat"), zap.String("user_id", self)),
		logs:     make(map[string][]Entry),
		peerOf:   make(map[uuid.UUID]string),
		limiters: make(map[string]*rate.Limiter),
	}
	s.poller = realtime.NewPoller(opts.Clock, opts.PollInterval, s.pollInbox)
	return s
}

// Start subscribes to the user's inbox topic. If the subscription degrades
// the inbox is polled until live delivery is back.
func (s *Store) Start() {
	h := s.manager.Subscribe(events.UserChannel(s.self), realtime.Handlers{
		OnEvent:   s.onEvent,
		OnState:   s.onState,
		OnDegrade: s.onDegrade,
		OnInvalid: func(err error) {
			s.log.Warn("invalid inbox payload", zap.Error(err))
		},
	})
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
}

// Stop unsubscribes from the inbox topic and stops polling.
func (s *Store) Stop() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	if h != nil {
		h.Unsubscribe()
	}
	s.poller.Stop()
}

// Polling reports whether the inbox is being polled instead of streamed.
func (s *Store) Polling() bool {
	return s.poller.Running()
}

// Handle exposes the inbox subscription, nil before Start.
func (s *Store) Handle() *realtime.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// AppendFromHistory replaces the log for peer with ordered. Pending entries,
// and entries newer than the last history item, are kept.
func (s *Store) AppendFromHistory(peer string, ordered []message.Message) {
	s.mu.Lock()
	var last *message.Message
	if len(ordered) > 0 {
		last = &ordered[len(ordered)-1]
	}

	inHistory := make(map[uuid.UUID]struct{}, len(ordered))
	next := make([]Entry, 0, len(ordered))
	for _, m := range ordered {
		if _, dup := inHistory[m.ID]; dup {
			continue
		}
		inHistory[m.ID] = struct{}{}
		next = append(next, Entry{Message: m})
	}
	for _, e := range s.logs[peer] {
		if _, ok := inHistory[e.ID]; ok {
			continue
		}
		if e.Pending || last == nil || last.Before(e.Message) {
			next = append(next, e)
			continue
		}
		delete(s.peerOf, e.ID)
	}
	sortEntries(next)
	s.logs[peer] = next
	for _, e := range next {
		s.peerOf[e.ID] = peer
	}
	s.mu.Unlock()

	s.changed(peer)
}

// AppendStreamed merges a message observed outside of history. It reports
// false when the id is already in the log.
func (s *Store) AppendStreamed(m message.Message) bool {
	peer := m.Peer(s.self)
	s.mu.Lock()
	added := s.insertLocked(peer, Entry{Message: m})
	s.mu.Unlock()
	if added {
		s.changed(peer)
	}
	return added
}

// Send appends optimistically, persists, then broadcasts to the recipient.
// A persistence failure leaves the entry pending and returns a
// *PersistenceError; the caller picks Retry or Rollback.
func (s *Store) Send(ctx context.Context, recipientID, content string) (message.Message, error) {
	content = strings.TrimSpace(content)
	if recipientID == "" || content == "" {
		return message.Message{}, amora_errors.ErrInvalidInput
	}
	m, err := message.New(s.self, recipientID, content, s.opts.Clock.Now())
	if err != nil {
		return message.Message{}, err
	}

	s.mu.Lock()
	s.insertLocked(recipientID, Entry{Message: m, Pending: true})
	s.mu.Unlock()
	s.changed(recipientID)

	return m, s.persist(ctx, m)
}

// Retry persists a pending entry again.
func (s *Store) Retry(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	e, ok := s.entryLocked(id)
	s.mu.Unlock()
	if !ok {
		return amora_errors.ErrNotFound
	}
	if !e.Pending {
		return nil
	}
	return s.persist(ctx, e.Message)
}

// Rollback removes a pending entry. It reports whether one was removed.
func (s *Store) Rollback(id uuid.UUID) bool {
	s.mu.Lock()
	peer, ok := s.peerOf[id]
	removed := false
	if ok {
		log := s.logs[peer]
		for i, e := range log {
			if e.ID == id && e.Pending {
				s.logs[peer] = append(log[:i:i], log[i+1:]...)
				delete(s.peerOf, id)
				removed = true
				break
			}
		}
	}
	s.mu.Unlock()
	if removed {
		s.changed(peer)
	}
	return removed
}

// MarkRead marks an incoming message read. Calling it again is a no-op.
func (s *Store) MarkRead(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	e, ok := s.entryLocked(id)
	s.mu.Unlock()
	if !ok {
		m, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		e = Entry{Message: m}
	}
	if e.RecipientID != s.self {
		return amora_errors.ErrInvalidInput
	}
	if e.Read {
		return nil
	}

	changed, err := s.repo.MarkRead(ctx, id, s.self)
	if err != nil {
		return amora_errors.Persistence("mark message read", err)
	}
	peer := e.Peer(s.self)
	if s.setRead(peer, id) {
		s.changed(peer)
	}
	if changed {
		s.publish(ctx, events.MessageRead{MessageID: id, SenderID: e.SenderID, ReaderID: s.self})
	}
	return nil
}

// LoadHistory fetches the conversation with peer and replaces the local log.
func (s *Store) LoadHistory(ctx context.Context, peer string) error {
	msgs, err := s.repo.ListByPair(ctx, s.self, peer, s.opts.HistoryLimit)
	if err != nil {
		return amora_errors.Persistence("list messages", err)
	}
	s.AppendFromHistory(peer, msgs)
	return nil
}

// LoadRecent merges the latest messages across all conversations, enough to
// build the conversation list.
func (s *Store) LoadRecent(ctx context.Context) error {
	msgs, err := s.repo.ListRecent(ctx, s.self, s.opts.HistoryLimit)
	if err != nil {
		return amora_errors.Persistence("list recent messages", err)
	}
	touched := make(map[string]struct{})
	s.mu.Lock()
	for _, m := range msgs {
		peer := m.Peer(s.self)
		if s.insertLocked(peer, Entry{Message: m}) {
			touched[peer] = struct{}{}
		}
	}
	s.mu.Unlock()
	for peer := range touched {
		s.changed(peer)
	}
	return nil
}

// Messages returns a copy of the log for peer.
func (s *Store) Messages(peer string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.logs[peer]...)
}

// Conversations derives one summary per peer, most recent first.
func (s *Store) Conversations() []message.Conversation {
	s.mu.Lock()
	out := make([]message.Conversation, 0, len(s.logs))
	for peer, log := range s.logs {
		if len(log) == 0 {
			continue
		}
		last := log[len(log)-1].Message
		c := message.Conversation{PeerID: peer, LastMessage: &last}
		for _, e := range log {
			if e.RecipientID == s.self && !e.Read {
				c.UnreadCount++
			}
		}
		out = append(out, c)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[j].LastMessage.Before(*out[i].LastMessage) })
	return out
}

// SetTyping tells peer whether self is typing.
func (s *Store) SetTyping(ctx context.Context, peer string, typing bool) bool {
	if typing {
		s.mu.Lock()
		lim, ok := s.limiters[peer]
		if !ok {
			lim = rate.NewLimiter(rate.Every(s.opts.TypingInterval), 1)
			s.limiters[peer] = lim
		}
		allowed := lim.AllowN(s.opts.Clock.Now(), 1)
		s.mu.Unlock()
		if !allowed {
			return false
		}
	}
	s.publish(ctx, events.TypingChanged{FromID: s.self, ToID: peer, Typing: typing})
	return true
}

func (s *Store) persist(ctx context.Context, m message.Message) error {
	if err := s.repo.Insert(ctx, m); err != nil && !errors.Is(err, amora_errors.ErrConflict) {
		s.log.Warn("message insert failed", zap.String("message_id", m.ID.String()), zap.Error(err))
		return amora_errors.Persistence("insert message", err)
	}
	if s.confirm(m.RecipientID, m.ID) {
		s.changed(m.RecipientID)
	}
	s.opts.Metrics.MessageSent()
	s.publish(ctx, events.MessageInserted{Message: m})
	return nil
}

func (s *Store) publish(ctx context.Context, e events.Event) {
	if err := s.manager.Publish(ctx, e); err != nil {
		s.log.Warn("publish failed", zap.String("event", string(e.Type())), zap.Error(err))
	}
}

func (s *Store) onEvent(e events.Event) {
	switch ev := e.(type) {
	case events.MessageInserted:
		if ev.Message.RecipientID != s.self && ev.Message.SenderID != s.self {
			return
		}
		s.AppendStreamed(ev.Message)
	case events.MessageRead:
		if ev.SenderID != s.self {
			return
		}
		if s.setRead(ev.ReaderID, ev.MessageID) {
			s.changed(ev.ReaderID)
		}
	case events.TypingChanged:
		if ev.ToID == s.self && s.handlers.OnTyping != nil {
			s.handlers.OnTyping(ev.FromID, ev.Typing)
		}
	}
}

func (s *Store) onDegrade() {
	h := s.Handle()
	if h == nil {
		return
	}
	if s.poller.Start(h) {
		s.log.Warn("inbox degraded, polling", zap.Duration("interval", s.opts.PollInterval))
	}
}

// onState stops polling once the inbox is subscribed again and catches up
// on anything sent in between.
func (s *Store) onState(st realtime.State) {
	if st != realtime.Subscribed || !s.poller.Stop() {
		return
	}
	s.log.Info("inbox live again")
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.PollTimeout)
	defer cancel()
	if err := s.LoadRecent(ctx); err != nil {
		s.log.Warn("inbox catch-up failed", zap.Error(err))
	}
}

func (s *Store) pollInbox(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PollTimeout)
	defer cancel()
	if err := s.LoadRecent(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("inbox poll failed", zap.Error(err))
	}
}

func (s *Store) changed(peer string) {
	if s.handlers.OnChange != nil {
		s.handlers.OnChange(peer)
	}
}

// insertLocked adds e unless its id is known. A known pending entry is
// confirmed when the same message is observed from the store or the wire.
func (s *Store) insertLocked(peer string, e Entry) bool {
	if known, ok := s.peerOf[e.ID]; ok {
		if !e.Pending {
			s.confirmLocked(known, e.ID)
		}
		return false
	}
	log := append(s.logs[peer], e)
	sortEntries(log)
	s.logs[peer] = log
	s.peerOf[e.ID] = peer
	return true
}

func (s *Store) entryLocked(id uuid.UUID) (Entry, bool) {
	peer, ok := s.peerOf[id]
	if !ok {
		return Entry{}, false
	}
	for _, e := range s.logs[peer] {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

func (s *Store) confirm(peer string, id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmLocked(peer, id)
}

func (s *Store) confirmLocked(peer string, id uuid.UUID) bool {
	log := s.logs[peer]
	for i := range log {
		if log[i].ID == id && log[i].Pending {
			log[i].Pending = false
			return true
		}
	}
	return false
}

func (s *Store) setRead(peer string, id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[peer]
	for i := range log {
		if log[i].ID == id && !log[i].Read {
			log[i].Read = true
			return true
		}
	}
	return false
}

func sortEntries(log []Entry) {
	sort.SliceStable(log, func(i, j int) bool { return log[i].Before(log[j].Message) })
}
