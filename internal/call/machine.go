package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"amora-realtime/internal/domain/call"
	"amora-realtime/internal/events"
	"amora-realtime/internal/metrics"
	"amora-realtime/internal/realtime"
	"amora-realtime/internal/repository"
	amora_errors "amora-realtime/pkg/errors"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Status int

const (
	StatusIdle Status = iota
	StatusCalling
	StatusIncomingRinging
	StatusOutboundRinging
	StatusActive
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusCalling:
		return "calling"
	case StatusIncomingRinging:
		return "incoming_ringing"
	case StatusOutboundRinging:
		return "outbound_ringing"
	case StatusActive:
		return "active"
	case StatusEnded:
		return "ended"
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome reasons.
const (
	ReasonNotAnswered    = "not answered"
	ReasonDeclined       = "declined"
	ReasonRemoteEnded    = "remote ended"
	ReasonMissed         = "missed"
	ReasonEnded          = "ended"
	ReasonConnectTimeout = "connect timeout"
	ReasonTransport      = "transport failed"
	ReasonProtocol       = "protocol error"
)

// Session is a snapshot of the current call attempt.
type Session struct {
	CallID    uuid.UUID  `json:"call_id"`
	Status    Status     `json:"status"`
	RemoteID  string     `json:"remote_id"`
	Kind      call.Kind  `json:"kind"`
	Room      string     `json:"room"`
	Outgoing  bool       `json:"outgoing"`
	Accepted  bool       `json:"accepted"`
	ExpiresAt time.Time  `json:"expires_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	// Path lists every status the session went through.
	Path []Status `json:"path"`
}

// Outcome is how the last call attempt finished.
type Outcome struct {
	CallID        uuid.UUID     `json:"call_id"`
	RemoteID      string        `json:"remote_id"`
	Reason        string        `json:"reason"`
	Err           error         `json:"-"`
	ReachedActive bool          `json:"reached_active"`
	Duration      time.Duration `json:"duration"`
	EndedAt       time.Time     `json:"ended_at"`
}

type Options struct {
	NoAnswerTimeout time.Duration
	ConnectTimeout  time.Duration
	TeardownTimeout time.Duration
	// PollInterval is how often the invitation record is checked while the
	// signaling topic is degraded.
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	OnChange     func(Session)
	OnOutcome    func(Outcome)
}

func (o Options) withDefaults() Options {
	if o.NoAnswerTimeout <= 0 {
		o.NoAnswerTimeout = 60 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type session struct {
	id        uuid.UUID
	remote    string
	kind      call.Kind
	room      string
	outgoing  bool
	status    Status
	path      []Status
	expiresAt time.Time
	startedAt time.Time

	// accepting is set while Accept acquires media and writes the record.
	accepting bool
	accepted  bool
	ongoing   bool

	stream    Stream
	conn      PeerConnection
	cancelNeg context.CancelFunc

	noAnswer *clock.Timer
	connect  *clock.Timer
	ring     *clock.Timer
}

func (s *session) snapshot() Session {
	out := Session{
		CallID:    s.id,
		Status:    s.status,
		RemoteID:  s.remote,
		Kind:      s.kind,
		Room:      s.room,
		Outgoing:  s.outgoing,
		Accepted:  s.accepted,
		ExpiresAt: s.expiresAt,
		Path:      append([]Status(nil), s.path...),
	}
	if !s.startedAt.IsZero() {
		started := s.startedAt
		out.StartedAt = &started
	}
	return out
}

func (s *session) connecting() bool {
	return s.status == StatusOutboundRinging || (s.status == StatusIncomingRinging && s.accepted)
}

type notifyKind int

const (
	notifyNone notifyKind = iota
	notifyEnded
	notifyDeclined
)

type ending struct {
	reason string
	err    error
	notify notifyKind
	// guard is checked under the lock; teardown is skipped when it fails.
	guard func(*session) bool
}

// Machine drives one user's calls. It holds at most one session; every
// terminal path releases media, transport, timers and the durable record
// before returning to idle.
type Machine struct {
	self      string
	manager   *realtime.Manager
	record    *InvitationRecord
	logs      repository.CallLogRepository
	media     MediaDevices
	tokens    TokenSource
	transport PeerTransport
	opts      Options
	log       *zap.Logger

	mu     sync.Mutex
	sess   *session
	last   *Outcome
	handle *realtime.Handle
	poller *realtime.Poller
	closed bool
	wg     sync.WaitGroup
}

func NewMachine(self string, manager *realtime.Manager, record *InvitationRecord, logs repository.CallLogRepository, media MediaDevices, tokens TokenSource, transport PeerTransport, opts Options) *Machine {
	opts = opts.withDefaults()
	m := &Machine{
		self:      self,
		manager:   manager,
		record:    record,
		logs:      logs,
		media:     media,
		tokens:    tokens,
		transport: transport,
		opts:      opts,
		log:       opts.Logger.With(zap.String("component", "call"), zap.String("user_id", self)),
	}
	m.poller = realtime.NewPoller(opts.Clock, opts.PollInterval, m.reconcile)
	return m
}

// Start subscribes to the user's signaling topic. While the topic is
// degraded the invitation record is polled instead.
func (m *Machine) Start() {
	h := m.manager.Subscribe(events.CallChannel(m.self), realtime.Handlers{
		OnEvent:   m.route,
		OnState:   m.onState,
		OnDegrade: m.onDegrade,
		OnInvalid: m.onInvalid,
	})
	m.mu.Lock()
	m.handle = h
	m.mu.Unlock()
}

func (m *Machine) Handle() *realtime.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Polling reports whether signaling is currently observed by polling.
func (m *Machine) Polling() bool {
	return m.poller.Running()
}

// Current returns the live session, if any.
func (m *Machine) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Session{Status: StatusIdle}, false
	}
	return m.sess.snapshot(), true
}

func (m *Machine) Status() Status {
	s, _ := m.Current()
	return s.Status
}

// LastOutcome returns how the previous call attempt ended.
func (m *Machine) LastOutcome() (Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Outcome{}, false
	}
	return *m.last, true
}

// Initiate calls remoteID. It is rejected without side effects unless the
// machine is idle.
func (m *Machine) Initiate(ctx context.Context, remoteID string, kind call.Kind) (Session, error) {
	if remoteID == "" || remoteID == m.self {
		return Session{}, fmt.Errorf("%w: invalid remote %q", amora_errors.ErrInvalidInput, remoteID)
	}
	if !kind.Valid() {
		return Session{}, fmt.Errorf("%w: unknown call kind %q", amora_errors.ErrInvalidInput, kind)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Session{}, amora_errors.ErrClosed
	}
	if m.sess != nil {
		m.mu.Unlock()
		return Session{}, amora_errors.ErrCallInProgress
	}
	s := &session{remote: remoteID, kind: kind, outgoing: true, status: StatusIdle}
	m.sess = s
	m.mu.Unlock()

	stream, err := m.media.Acquire(ctx, kind)
	if err != nil {
		m.abandon(s)
		return Session{}, err
	}
	inv, err := m.record.Create(ctx, m.self, remoteID, kind)
	if err != nil {
		stream.Stop()
		m.abandon(s)
		return Session{}, err
	}

	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		stream.Stop()
		if _, err := m.record.Resolve(ctx, inv.ID); err != nil {
			m.log.Warn("resolve after close failed", zap.Error(err))
		}
		return Session{}, amora_errors.ErrClosed
	}
	s.id = inv.ID
	s.room = inv.Room
	s.expiresAt = inv.ExpiresAt
	s.stream = stream
	enter(s, StatusCalling)
	s.noAnswer = m.opts.Clock.AfterFunc(m.opts.NoAnswerTimeout, func() {
		m.expire(s, ending{
			reason: ReasonNotAnswered,
			err:    amora_errors.ErrTimeout,
			notify: notifyEnded,
			guard:  func(s *session) bool { return s.status == StatusCalling },
		})
	})
	snap := s.snapshot()
	m.mu.Unlock()

	err = m.manager.Publish(ctx, events.CallInvite{
		CallID:    inv.ID,
		FromID:    m.self,
		ToID:      remoteID,
		Kind:      kind,
		Room:      inv.Room,
		ExpiresAt: inv.ExpiresAt,
	})
	if err != nil {
		_ = m.teardown(ctx, s, ending{reason: ReasonEnded, err: err})
		return Session{}, err
	}

	m.log.Info("call initiated", zap.String("call_id", inv.ID.String()), zap.String("remote_id", remoteID), zap.String("kind", string(kind)))
	m.changed(snap)
	return snap, nil
}

// OnInviteObserved surfaces an incoming call when idle. Invites for the
// current session or from the current remote are ignored.
func (m *Machine) OnInviteObserved(ev events.CallInvite) bool {
	if ev.ToID != m.self || ev.FromID == m.self {
		return false
	}
	now := m.opts.Clock.Now()
	if !ev.ExpiresAt.IsZero() && !now.Before(ev.ExpiresAt) {
		return false
	}

	m.mu.Lock()
	if m.closed || m.sess != nil {
		busy := m.sess != nil && m.sess.id != ev.CallID && m.sess.remote != ev.FromID
		m.mu.Unlock()
		if busy {
			m.log.Debug("invite ignored while busy", zap.String("call_id", ev.CallID.String()), zap.String("remote_id", ev.FromID))
		}
		return false
	}
	s := &session{
		id:        ev.CallID,
		remote:    ev.FromID,
		kind:      ev.Kind,
		room:      ev.Room,
		expiresAt: ev.ExpiresAt,
	}
	m.sess = s
	enter(s, StatusIncomingRinging)
	ring := m.opts.NoAnswerTimeout
	if !ev.ExpiresAt.IsZero() {
		ring = ev.ExpiresAt.Sub(now)
	}
	s.ring = m.armRing(s, ring)
	snap := s.snapshot()
	m.mu.Unlock()

	m.log.Info("incoming call", zap.String("call_id", ev.CallID.String()), zap.String("remote_id", ev.FromID))
	m.changed(snap)
	return true
}

// Accept answers the ringing call and starts negotiation.
func (m *Machine) Accept(ctx context.Context) (Session, error) {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.status != StatusIncomingRinging || s.accepted || s.accepting {
		m.mu.Unlock()
		return Session{}, amora_errors.ErrInvalidTransition
	}
	s.accepting = true
	m.mu.Unlock()

	stream, err := m.media.Acquire(ctx, s.kind)
	if err != nil {
		m.stillRinging(s)
		return Session{}, err
	}

	inv, err := m.record.Accept(ctx, s.id)
	if err != nil {
		stream.Stop()
		if !errors.Is(err, amora_errors.ErrInvitationGone) {
			m.stillRinging(s)
			return Session{}, err
		}
		m.mu.Lock()
		s.accepting = false
		m.mu.Unlock()
		_ = m.teardown(ctx, s, ending{
			reason: ReasonMissed,
			err:    err,
			guard:  func(s *session) bool { return s.status == StatusIncomingRinging },
		})
		return Session{}, err
	}

	m.mu.Lock()
	if m.sess != s || s.status != StatusIncomingRinging {
		m.mu.Unlock()
		stream.Stop()
		return Session{}, amora_errors.ErrInvitationGone
	}
	stopTimer(s.ring)
	s.accepting = false
	s.accepted = true
	s.stream = stream
	s.expiresAt = inv.ExpiresAt
	s.connect = m.armConnect(s)
	snap := s.snapshot()
	m.mu.Unlock()

	if err := m.manager.Publish(ctx, events.CallAccepted{CallID: s.id, FromID: m.self, ToID: s.remote}); err != nil {
		m.log.Warn("accept publish failed", zap.String("call_id", s.id.String()), zap.Error(err))
	}
	m.negotiate(s)
	m.changed(snap)
	return snap, nil
}

// OnAcceptObserved moves the outgoing call to ringing-out and starts
// negotiation with the remote.
func (m *Machine) OnAcceptObserved(ev events.CallAccepted) bool {
	if ev.ToID != "" && ev.ToID != m.self {
		return false
	}
	m.mu.Lock()
	s := m.sess
	if s == nil || s.id != ev.CallID || s.status != StatusCalling {
		m.mu.Unlock()
		return false
	}
	stopTimer(s.noAnswer)
	enter(s, StatusOutboundRinging)
	s.connect = m.armConnect(s)
	snap := s.snapshot()
	m.mu.Unlock()

	m.negotiate(s)
	m.changed(snap)
	return true
}

// Reject declines the ringing call and deletes its invitation.
func (m *Machine) Reject(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	ringing := s != nil && s.status == StatusIncomingRinging
	m.mu.Unlock()
	if !ringing {
		return amora_errors.ErrInvalidTransition
	}
	return m.teardown(ctx, s, ending{
		reason: ReasonDeclined,
		notify: notifyDeclined,
		guard:  func(s *session) bool { return s.status == StatusIncomingRinging },
	})
}

func (m *Machine) Decline(ctx context.Context) error { return m.Reject(ctx) }

// OnPeerConnected marks the negotiated call as active.
func (m *Machine) OnPeerConnected(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return amora_errors.ErrInvalidTransition
	}
	return m.peerConnected(ctx, s)
}

// End hangs up whatever call is in progress. Ending while idle is a no-op.
func (m *Machine) End(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return m.teardown(ctx, s, ending{
		reason: ReasonEnded,
		notify: notifyEnded,
		guard:  func(s *session) bool { return s.status != StatusIdle },
	})
}

func (m *Machine) Hangup(ctx context.Context) error { return m.End(ctx) }

// Recover surfaces a still-live incoming invitation, for example after a
// restart.
func (m *Machine) Recover(ctx context.Context) (bool, error) {
	invs, err := m.record.PendingFor(ctx, m.self)
	if err != nil {
		return false, err
	}
	for _, inv := range invs {
		if m.OnInviteObserved(events.CallInvite{
			CallID:    inv.ID,
			FromID:    inv.CallerID,
			ToID:      inv.RecipientID,
			Kind:      inv.Kind,
			Room:      inv.Room,
			ExpiresAt: inv.ExpiresAt,
		}) {
			return true, nil
		}
	}
	return false, nil
}

// Close ends any call and stops signaling.
func (m *Machine) Close(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.poller.Stop()

	m.mu.Lock()
	s := m.sess
	reserving := s != nil && s.status == StatusIdle
	if reserving {
		m.sess = nil
	}
	h := m.handle
	m.handle = nil
	m.mu.Unlock()

	if s != nil && !reserving {
		if err := m.teardown(ctx, s, ending{reason: ReasonEnded, notify: notifyEnded}); err != nil {
			m.log.Warn("teardown on close failed", zap.Error(err))
		}
	}
	if h != nil {
		h.Unsubscribe()
	}
	m.wg.Wait()
}

func (m *Machine) route(e events.Event) {
	switch ev := e.(type) {
	case events.CallInvite:
		m.OnInviteObserved(ev)
	case events.CallAccepted:
		m.OnAcceptObserved(ev)
	case events.CallDeclined:
		m.onRemote(ev.CallID, ev.FromID, func(*session) string { return ReasonDeclined })
	case events.CallEnded:
		m.onRemote(ev.CallID, ev.FromID, func(s *session) string {
			if s.status == StatusIncomingRinging && !s.accepted {
				return ReasonMissed
			}
			return ReasonRemoteEnded
		})
	}
}

func (m *Machine) onRemote(callID uuid.UUID, from string, reason func(*session) string) {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.id != callID || s.remote != from {
		m.mu.Unlock()
		return
	}
	r := reason(s)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.TeardownTimeout)
	defer cancel()
	if err := m.teardown(ctx, s, ending{reason: r}); err != nil {
		m.log.Warn("teardown after remote signal failed", zap.Error(err))
	}
}

func (m *Machine) onInvalid(err error) {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.TeardownTimeout)
	defer cancel()
	if terr := m.teardown(ctx, s, ending{
		reason: ReasonProtocol,
		err:    err,
		notify: notifyEnded,
		guard:  func(s *session) bool { return s.status != StatusIdle },
	}); terr != nil {
		m.log.Warn("teardown after protocol error failed", zap.Error(terr))
	}
}

func (m *Machine) armRing(s *session, d time.Duration) *clock.Timer {
	return m.opts.Clock.AfterFunc(d, func() {
		m.expire(s, ringExpired)
	})
}

var ringExpired = ending{
	reason: ReasonMissed,
	err:    amora_errors.ErrTimeout,
	guard:  func(s *session) bool { return s.status == StatusIncomingRinging && !s.accepted && !s.accepting },
}

// stillRinging returns s to ringing after a failed accept. The ring timer may
// have fired and been skipped while accepting, so it is armed again for
// whatever is left until the invitation expires.
func (m *Machine) stillRinging(s *session) {
	m.mu.Lock()
	s.accepting = false
	if m.sess != s || s.status != StatusIncomingRinging {
		m.mu.Unlock()
		return
	}
	stopTimer(s.ring)
	s.ring = nil
	left := m.opts.NoAnswerTimeout
	if !s.expiresAt.IsZero() {
		left = s.expiresAt.Sub(m.opts.Clock.Now())
	}
	if left > 0 {
		s.ring = m.armRing(s, left)
	}
	m.mu.Unlock()

	if left <= 0 {
		m.expire(s, ringExpired)
	}
}

func (m *Machine) onDegrade() {
	h := m.Handle()
	if h == nil {
		return
	}
	if m.poller.Start(h) {
		m.log.Warn("signaling degraded, polling invitations", zap.Duration("interval", m.opts.PollInterval))
	}
}

// onState stops polling once signaling is live again and reconciles what
// was missed in between.
func (m *Machine) onState(st realtime.State) {
	if st != realtime.Subscribed || !m.poller.Stop() {
		return
	}
	m.log.Info("signaling live again")
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.TeardownTimeout)
	defer cancel()
	m.reconcile(ctx)
}

// reconcile brings the machine in line with the invitation record: an idle
// machine surfaces a live incoming invitation, a caller observes an accept,
// and a session whose invitation is gone ends the way the remote signal
// would have ended it.
func (m *Machine) reconcile(ctx context.Context) {
	m.mu.Lock()
	s := m.sess
	var (
		id       uuid.UUID
		status   Status
		busy     bool
		accepted bool
	)
	if s != nil {
		id, status, busy, accepted = s.id, s.status, s.accepting, s.accepted
	}
	m.mu.Unlock()

	if s == nil {
		if _, err := m.Recover(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("polling invitations failed", zap.Error(err))
		}
		return
	}
	if id == uuid.Nil || busy || status == StatusEnded {
		return
	}

	inv, err := m.record.Get(ctx, id)
	switch {
	case errors.Is(err, amora_errors.ErrInvitationGone):
		reason := ReasonRemoteEnded
		switch {
		case status == StatusCalling:
			reason = ReasonDeclined
		case status == StatusIncomingRinging && !accepted:
			reason = ReasonMissed
		}
		tctx, cancel := context.WithTimeout(context.Background(), m.opts.TeardownTimeout)
		defer cancel()
		if err := m.teardown(tctx, s, ending{
			reason: reason,
			guard:  func(cur *session) bool { return cur.status == status && !cur.accepting },
		}); err != nil {
			m.log.Warn("teardown after invitation vanished failed", zap.Error(err))
		}
	case err != nil:
		if ctx.Err() == nil {
			m.log.Warn("polling invitation failed", zap.String("call_id", id.String()), zap.Error(err))
		}
	case inv.Status == call.InvitationAccepted && status == StatusCalling:
		m.OnAcceptObserved(events.CallAccepted{CallID: id, FromID: s.remote, ToID: m.self})
	}
}

func (m *Machine) armConnect(s *session) *clock.Timer {
	return m.opts.Clock.AfterFunc(m.opts.ConnectTimeout, func() {
		m.expire(s, ending{
			reason: ReasonConnectTimeout,
			err:    amora_errors.ErrTimeout,
			notify: notifyEnded,
			guard:  (*session).connecting,
		})
	})
}

func (m *Machine) negotiate(s *session) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.sess != s || s.status == StatusEnded {
		m.mu.Unlock()
		cancel()
		return
	}
	s.cancelNeg = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer cancel()

		token, err := m.tokens.Token(ctx, s.room, m.self)
		if err != nil {
			m.fail(ctx, s, err)
			return
		}
		conn, err := m.transport.Negotiate(ctx, NegotiateParams{
			Room:     s.room,
			Identity: m.self,
			Remote:   s.remote,
			Token:    token,
			Kind:     s.kind,
		})
		if err != nil {
			m.fail(ctx, s, err)
			return
		}

		m.mu.Lock()
		if m.sess != s || s.status == StatusEnded || s.conn != nil {
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		m.mu.Unlock()

		connected := conn.Connected()
		for {
			select {
			case <-ctx.Done():
				return
			case <-connected:
				connected = nil
				if err := m.peerConnected(ctx, s); err != nil && !errors.Is(err, amora_errors.ErrInvalidTransition) {
					m.log.Warn("recording connected call failed", zap.Error(err))
				}
			case err := <-conn.Failed():
				m.fail(ctx, s, err)
				return
			}
		}
	}()
}

func (m *Machine) fail(ctx context.Context, s *session, err error) {
	if ctx.Err() != nil {
		return
	}
	tctx, cancel := context.WithTimeout(context.Background(), m.opts.TeardownTimeout)
	defer cancel()
	terr := &amora_errors.TransportError{Remote: s.remote, Err: err}
	m.log.Warn("peer transport failed", zap.String("call_id", s.id.String()), zap.Error(err))
	if e := m.teardown(tctx, s, ending{reason: ReasonTransport, err: terr, notify: notifyEnded}); e != nil {
		m.log.Warn("teardown after transport failure failed", zap.Error(e))
	}
}

func (m *Machine) peerConnected(ctx context.Context, s *session) error {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return amora_errors.ErrInvalidTransition
	}
	if s.status == StatusActive {
		m.mu.Unlock()
		return nil
	}
	if !s.connecting() {
		m.mu.Unlock()
		return amora_errors.ErrInvalidTransition
	}
	stopTimer(s.connect)
	enter(s, StatusActive)
	s.startedAt = m.opts.Clock.Now().UTC()
	first := !s.ongoing
	s.ongoing = true
	snap := s.snapshot()
	entry := call.LogEntry{
		CallID:    s.id,
		UserID:    m.self,
		PeerID:    s.remote,
		Kind:      s.kind,
		Phase:     call.PhaseOngoing,
		CreatedAt: s.startedAt,
	}
	m.mu.Unlock()

	m.log.Info("call active", zap.String("call_id", s.id.String()), zap.String("remote_id", s.remote))
	m.changed(snap)
	if !first {
		return nil
	}
	if _, err := m.logs.Record(ctx, entry); err != nil {
		return amora_errors.Persistence("record call log", err)
	}
	return nil
}

func (m *Machine) expire(s *session, e ending) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.TeardownTimeout)
	defer cancel()
	if err := m.teardown(ctx, s, e); err != nil {
		m.log.Warn("teardown after timeout failed", zap.String("reason", e.reason), zap.Error(err))
	}
}

// teardown runs the terminal path: timers, media, transport, record, log,
// remote notice, then idle. Only the first caller for a session does any
// work.
func (m *Machine) teardown(ctx context.Context, s *session, e ending) error {
	m.mu.Lock()
	if m.sess != s || s.status == StatusEnded || (e.guard != nil && !e.guard(s)) {
		m.mu.Unlock()
		return nil
	}
	reachedActive := s.status == StatusActive
	enter(s, StatusEnded)
	stopTimer(s.noAnswer)
	stopTimer(s.connect)
	stopTimer(s.ring)
	if s.cancelNeg != nil {
		s.cancelNeg()
	}
	stream, conn := s.stream, s.conn
	s.stream, s.conn = nil, nil
	startedAt := s.startedAt
	endedAt := m.opts.Clock.Now().UTC()
	snap := s.snapshot()
	m.mu.Unlock()
	m.changed(snap)

	if stream != nil {
		stream.Stop()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.Warn("closing peer transport failed", zap.Error(err))
		}
	}

	var result error
	if s.id != uuid.Nil {
		if _, err := m.record.Resolve(ctx, s.id); err != nil {
			m.log.Warn("resolving invitation failed", zap.String("call_id", s.id.String()), zap.Error(err))
			result = err
		}
	}

	var duration time.Duration
	if reachedActive {
		duration = endedAt.Sub(startedAt)
		_, err := m.logs.Record(ctx, call.LogEntry{
			CallID:    s.id,
			UserID:    m.self,
			PeerID:    s.remote,
			Kind:      s.kind,
			Phase:     call.PhaseEnded,
			Reason:    e.reason,
			Duration:  duration,
			CreatedAt: endedAt,
		})
		if err != nil && result == nil {
			result = amora_errors.Persistence("record call log", err)
		}
	}

	switch e.notify {
	case notifyEnded:
		m.publish(ctx, events.CallEnded{CallID: s.id, FromID: m.self, ToID: s.remote, Reason: e.reason})
	case notifyDeclined:
		m.publish(ctx, events.CallDeclined{CallID: s.id, FromID: m.self, ToID: s.remote, Reason: e.reason})
	}
	m.opts.Metrics.CallEnded(e.reason)

	out := Outcome{
		CallID:        s.id,
		RemoteID:      s.remote,
		Reason:        e.reason,
		Err:           e.err,
		ReachedActive: reachedActive,
		Duration:      duration,
		EndedAt:       endedAt,
	}
	m.mu.Lock()
	m.last = &out
	if m.sess == s {
		m.sess = nil
	}
	m.mu.Unlock()

	m.log.Info("call ended",
		zap.String("call_id", s.id.String()),
		zap.String("reason", e.reason),
		zap.Duration("duration", duration))
	if m.opts.OnOutcome != nil {
		m.opts.OnOutcome(out)
	}
	m.changed(Session{Status: StatusIdle})
	return result
}

func (m *Machine) publish(ctx context.Context, e events.Event) {
	if err := m.manager.Publish(ctx, e); err != nil {
		m.log.Warn("signaling publish failed", zap.String("event", string(e.Type())), zap.Error(err))
	}
}

func (m *Machine) abandon(s *session) {
	m.mu.Lock()
	if m.sess == s {
		m.sess = nil
	}
	m.mu.Unlock()
}

func (m *Machine) changed(s Session) {
	if m.opts.OnChange != nil {
		m.opts.OnChange(s)
	}
}

func enter(s *session, st Status) {
	s.status = st
	s.path = append(s.path, st)
}

func stopTimer(t *clock.Timer) {
	if t != nil {
		t.Stop()
	}
}
