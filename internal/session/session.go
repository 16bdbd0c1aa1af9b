// Package session composes one user's realtime components and funnels their
// changes onto a single update queue.
package session

import (
	"context"
	"sync"
	"time"

	"amora-realtime/internal/call"
	"amora-realtime/internal/chat"
	"amora-realtime/internal/domain/notification"
	"amora-realtime/internal/metrics"
	feed "amora-realtime/internal/notification"
	"amora-realtime/internal/presence"
	"amora-realtime/internal/realtime"
	"amora-realtime/internal/repository"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type UpdateKind string

const (
	UpdateMessages      UpdateKind = "messages"
	UpdateTyping        UpdateKind = "typing"
	UpdatePresence      UpdateKind = "presence"
	UpdateNotifications UpdateKind = "notifications"
	UpdateFeedMode      UpdateKind = "feed_mode"
	UpdateCall          UpdateKind = "call"
	UpdateCallOutcome   UpdateKind = "call_outcome"
)

// Update is one change the presentation layer should render.
type Update struct {
	Kind          UpdateKind          `json:"kind"`
	Peer          string              `json:"peer,omitempty"`
	Room          string              `json:"room,omitempty"`
	Typing        *bool               `json:"typing,omitempty"`
	Messages      []chat.Entry        `json:"messages,omitempty"`
	Online        []presence.Record   `json:"online,omitempty"`
	Notifications []notification.Item `json:"notifications,omitempty"`
	FeedMode      string              `json:"feed_mode,omitempty"`
	Call          *call.Session       `json:"call,omitempty"`
	Outcome       *call.Outcome       `json:"outcome,omitempty"`
	At            time.Time           `json:"at"`
}

// Deps are the collaborators a session is built from.
type Deps struct {
	Transport     realtime.Transport
	Messages      repository.MessageRepository
	Notifications repository.NotificationRepository
	Profiles      feed.ProfileDirectory
	Presence      presence.Backend
	Invitations   *call.InvitationRecord
	CallLogs      repository.CallLogRepository
	Media         call.MediaDevices
	Tokens        call.TokenSource
	PeerTransport call.PeerTransport
	Clock         clock.Clock
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

type Options struct {
	Realtime     realtime.Options
	Chat         chat.Options
	Presence     presence.Options
	Feed         feed.Options
	Call         call.Options
	UpdateBuffer int
}

// Session is everything one signed-in user needs. It replaces any shared
// transport identity: each session owns its own channel manager.
type Session struct {
	UserID   string
	Manager  *realtime.Manager
	Chat     *chat.Store
	Presence *presence.Tracker
	Feed     *feed.Feed
	Calls    *call.Machine

	clock clock.Clock
	log   *zap.Logger

	mu      sync.Mutex
	updates chan Update
	closed  bool
	dropped int
}

func New(userID string, deps Deps, opts Options) *Session {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.UpdateBuffer <= 0 {
		opts.UpdateBuffer = 128
	}
	log := deps.Logger.With(zap.String("user_id", userID))

	s := &Session{
		UserID:  userID,
		clock:   deps.Clock,
		log:     log.With(zap.String("component", "session")),
		updates: make(chan Update, opts.UpdateBuffer),
	}

	ro := opts.Realtime
	ro.Logger, ro.Metrics = log, deps.Metrics
	s.Manager = realtime.NewManager(deps.Transport, ro)

	co := opts.Chat
	co.Clock, co.Logger, co.Metrics = deps.Clock, log, deps.Metrics
	s.Chat = chat.NewStore(userID, deps.Messages, s.Manager, chat.Handlers{
		OnChange: func(peer string) {
			s.emit(Update{Kind: UpdateMessages, Peer: peer, Messages: s.Chat.Messages(peer)})
		},
		OnTyping: func(peer string, typing bool) {
			s.emit(Update{Kind: UpdateTyping, Peer: peer, Typing: &typing})
		},
	}, co)

	po := opts.Presence
	po.Clock, po.Logger = deps.Clock, log
	s.Presence = presence.NewTracker(s.Manager, deps.Presence, func(room string, online []presence.Record) {
		s.emit(Update{Kind: UpdatePresence, Room: room, Online: online})
	}, po)

	fo := opts.Feed
	fo.Clock, fo.Logger = deps.Clock, log
	fo.OnChange = func(items []notification.Item) {
		s.emit(Update{Kind: UpdateNotifications, Notifications: items})
	}
	fo.OnMode = func(m feed.Mode) {
		s.emit(Update{Kind: UpdateFeedMode, FeedMode: m.String()})
	}
	s.Feed = feed.NewFeed(userID, deps.Notifications, deps.Profiles, s.Manager, fo)

	cao := opts.Call
	cao.Clock, cao.Logger, cao.Metrics = deps.Clock, log, deps.Metrics
	cao.OnChange = func(cs call.Session) {
		s.emit(Update{Kind: UpdateCall, Call: &cs})
	}
	cao.OnOutcome = func(o call.Outcome) {
		s.emit(Update{Kind: UpdateCallOutcome, Outcome: &o})
	}
	s.Calls = call.NewMachine(userID, s.Manager, deps.Invitations, deps.CallLogs, deps.Media, deps.Tokens, deps.PeerTransport, cao)
	return s
}

// Start subscribes every component and loads initial state.
func (s *Session) Start(ctx context.Context) error {
	s.Chat.Start()
	s.Calls.Start()
	s.Feed.SubscribeLive()

	if err := s.Chat.LoadRecent(ctx); err != nil {
		return err
	}
	if _, err := s.Feed.Fetch(ctx); err != nil {
		return err
	}
	if _, err := s.Calls.Recover(ctx); err != nil {
		s.log.Warn("call recovery failed", zap.Error(err))
	}
	return nil
}

// Updates is drained by the presentation layer. It is closed by Close.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// Dropped returns how many updates were discarded because the queue was full.
func (s *Session) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close ends any call, leaves every room and releases the manager.
func (s *Session) Close(ctx context.Context) {
	s.Calls.Close(ctx)
	s.Presence.Close(ctx)
	s.Feed.Close()
	s.Chat.Stop()
	s.Manager.Close()

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.updates)
	}
	s.mu.Unlock()
}

// emit never blocks a component: when the queue is full the oldest update
// is discarded.
func (s *Session) emit(u Update) {
	u.At = s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- u:
		return
	default:
	}
	select {
	case <-s.updates:
		s.dropped++
	default:
	}
	select {
	case s.updates <- u:
	default:
		s.dropped++
	}
}
