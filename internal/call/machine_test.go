package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"amora-realtime/internal/domain/call"
	"amora-realtime/internal/events"
	"amora-realtime/internal/mediatoken"
	"amora-realtime/internal/realtime"
	"amora-realtime/internal/repository/memory"
	amora_errors "amora-realtime/pkg/errors"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeMedia struct {
	mu       sync.Mutex
	acquired int
	stopped  int
	err      error
	// gate, when set, holds Acquire until it is closed.
	gate    chan struct{}
	waiting int
}

func (f *fakeMedia) Acquire(ctx context.Context, kind call.Kind) (Stream, error) {
	f.mu.Lock()
	gate := f.gate
	if gate != nil {
		f.waiting++
	}
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.acquired++
	return &fakeStream{media: f}, nil
}

func (f *fakeMedia) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired, f.stopped
}

type fakeStream struct {
	media *fakeMedia
	once  sync.Once
}

func (s *fakeStream) Stop() {
	s.once.Do(func() {
		s.media.mu.Lock()
		s.media.stopped++
		s.media.mu.Unlock()
	})
}

type fakeConn struct {
	connected chan struct{}
	failed    chan error
	mu        sync.Mutex
	closed    bool
}

func (c *fakeConn) Connected() <-chan struct{} { return c.connected }
func (c *fakeConn) Failed() <-chan error       { return c.failed }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeTransport struct {
	mu    sync.Mutex
	auto  bool
	fail  error
	conns []*fakeConn
}

func (t *fakeTransport) Negotiate(ctx context.Context, p NegotiateParams) (PeerConnection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.Token == "" {
		return nil, errors.New("missing token")
	}
	if t.fail != nil {
		return nil, t.fail
	}
	c := &fakeConn{connected: make(chan struct{}), failed: make(chan error, 1)}
	if t.auto {
		close(c.connected)
	}
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

type world struct {
	transport   *realtime.MemoryTransport
	invitations *memory.InvitationRepository
	logs        *memory.CallLogRepository
	record      *InvitationRecord
	clock       *clock.Mock
	issuer      *mediatoken.Issuer
}

type peer struct {
	id        string
	machine   *Machine
	media     *fakeMedia
	transport *fakeTransport
}

func newWorld() *world {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC))
	invitations := memory.NewInvitationRepository()
	return &world{
		transport:   realtime.NewMemoryTransport(),
		invitations: invitations,
		logs:        memory.NewCallLogRepository(),
		record:      NewInvitationRecord(invitations, mock, 90*time.Second, 4*time.Hour),
		clock:       mock,
		issuer:      mediatoken.NewIssuer("test-secret", "amora", 10*time.Minute, mock),
	}
}

func (w *world) peer(t *testing.T, id string, auto bool) *peer {
	t.Helper()
	return w.peerOn(t, id, auto, w.transport)
}

// peerOn attaches a peer to its own signaling network, so that network can
// fail without affecting the others.
func (w *world) peerOn(t *testing.T, id string, auto bool, net realtime.Transport) *peer {
	t.Helper()
	mgr := realtime.NewManager(net, realtime.Options{InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond, MaxAttempts: 3})
	p := &peer{id: id, media: &fakeMedia{}, transport: &fakeTransport{auto: auto}}
	p.machine = NewMachine(id, mgr, w.record, w.logs, p.media, w.issuer, p.transport, Options{Clock: w.clock, PollInterval: 5 * time.Second})
	p.machine.Start()
	t.Cleanup(func() {
		p.machine.Close(context.Background())
		mgr.Close()
	})
	require.Eventually(t, func() bool { return p.machine.Handle().State() == realtime.Subscribed }, waitFor, tick)
	return p
}

func (p *peer) status() Status { return p.machine.Status() }

func (p *peer) outcome() string {
	o, ok := p.machine.LastOutcome()
	if !ok {
		return ""
	}
	return o.Reason
}

func (w *world) ongoingLogs(userID string) int {
	n := 0
	for _, e := range w.logs.Entries() {
		if e.UserID == userID && e.Phase == call.PhaseOngoing {
			n++
		}
	}
	return n
}

func ring(t *testing.T, w *world, caller, callee *peer, kind call.Kind) Session {
	t.Helper()
	s, err := caller.machine.Initiate(context.Background(), callee.id, kind)
	require.NoError(t, err)
	assert.Equal(t, StatusCalling, s.Status)
	require.Eventually(t, func() bool { return callee.status() == StatusIncomingRinging }, waitFor, tick)
	return s
}

func TestUnansweredCallEndsAfterNoAnswerTimeout(t *testing.T) {
	w := newWorld()
	alice, bob := w.peer(t, "alice", true), w.peer(t, "bob", true)
	ring(t, w, alice, bob, call.KindVideo)

	w.clock.Add(60 * time.Second)

	require.Eventually(t, func() bool { return alice.outcome() == ReasonNotAnswered }, waitFor, tick)
	assert.Equal(t, StatusIdle, alice.status())
	o, _ := alice.machine.LastOutcome()
	assert.ErrorIs(t, o.Err, amora_errors.ErrTimeout)
	assert.False(t, o.ReachedActive)

	assert.Zero(t, w.invitations.Len(), "invitation must be gone")
	acquired, stopped := alice.media.counts()
	assert.Equal(t, acquired, stopped)

	// The callee stops ringing as a missed call.
	require.Eventually(t, func() bool { return bob.outcome() == ReasonMissed }, waitFor, tick)
	assert.Equal(t, StatusIdle, bob.status())
}

func TestAcceptJustBeforeTimeoutWins(t *testing.T) {
	w := newWorld()
	alice, bob := w.peer(t, "alice", false), w.peer(t, "bob", false)
	ring(t, w, alice, bob, call.KindAudio)

	w.clock.Add(60*time.Second - time.Millisecond)
	_, err := bob.machine.Accept(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return alice.status() == StatusOutboundRinging }, waitFor, tick)

	w.clock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusOutboundRinging, alice.status())
	_, ended := alice.machine.LastOutcome()
	assert.False(t, ended, "no-answer timeout fired after accept")
}

func TestAcceptedCallReachesActiveOnBothSides(t *testing.T) {
	w := newWorld()
	alice, bob := w.peer(t, "alice", true), w.peer(t, "bob", true)
	ring(t, w, alice, bob, call.KindVideo)

	_, err := bob.machine.Accept(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return alice.status() == StatusActive && bob.status() == StatusActive
	}, waitFor, tick)

	a, _ := alice.machine.Current()
	b, _ := bob.machine.Current()
	assert.Equal(t, []Status{StatusCalling, StatusOutboundRinging, StatusActive}, a.Path)
	assert.Equal(t, []Status{StatusIncomingRinging, StatusActive}, b.Path)
	assert.Equal(t, a.Room, b.Room)

	require.Eventually(t, func() bool {
		return w.ongoingLogs("alice") == 1 && w.ongoingLogs("bob") == 1
	}, waitFor, tick)

	// Reporting the connection again does not log twice.
	require.NoError(t, alice.machine.OnPeerConnected(context.Background()))
	assert.Equal(t, 1, w.ongoingLogs("alice"))

	w.clock.Add(5 * time.Second)
	require.NoError(t, alice.machine.End(context.Background()))
	assert.Equal(t, StatusIdle, alice.status())

	o, _ := alice.machine.LastOutcome()
	assert.Equal(t, ReasonEnded, o.Reason)
	assert.True(t, o.ReachedActive)
	assert.Equal(t, 5*time.Second, o.Duration)
	assert.True(t, alice.transport.last().isClosed())

	require.Eventually(t, func() bool { return bob.outcome() == ReasonRemoteEnded }, waitFor, tick)
	assert.Zero(t, w.invitations.Len())

	require.Eventually(t, func() bool {
		ended := 0
		for _, e := range w.logs.Entries() {
			if e.Phase == call.PhaseEnded {
				ended++
			}
		}
		return ended == 2
	}, waitFor, tick)
}

func TestDeclineLetsCallerRetryImmediately(t *testing.T) {
	w := newWorld()
	alice, bob := w.peer(t, "alice", true), w.peer(t, "bob", true)
	ring(t, w, alice, bob, call.KindVideo)

	require.NoError(t, bob.machine.Reject(context.Background()))
	assert.Equal(t, ReasonDeclined, bob.outcome())

	require.Eventually(t, func() bool { return alice.outcome() == ReasonDeclined }, waitFor, tick)
	assert.Equal(t, StatusIdle, alice.status())
	assert.Zero(t, w.invitations.Len())

	_, err := alice.machine.Initiate(context.Background(), "bob", call.KindVideo)
	require.NoError(t, err)
	assert.Equal(t, 1, w.invitations.Len())
}

func TestInitiateWhileBusyHasNoSideEffects(t *testing.T) {
	w := newWorld()
	alice, bob := w.peer(t, "alice", true), w.peer(t, "bob", true)
	ring(t, w, alice, bob, call.KindAudio)

	acquired, _ := alice.media.counts()
	upserts := w.invitations.Upserts()

	_, err := alice.machine.Initiate(context.Background(), "bob", call.KindAudio)
	assert.ErrorIs(t, err, amora_errors.ErrCallInProgress)
	_, err = alice.machine.Initiate(context.Background(), "carol", call.KindVideo)
	assert.ErrorIs(t, err, amora_errors.ErrCallInProgress)

	after, _ := alice.media.counts()
	assert.Equal(t, acquired, after)
	assert.Equal(t, upserts, w.invitations.Upserts())
	assert.Equal(t, StatusCalling, alice.status())
}

func TestMediaFailureLeavesMachineIdle(t *testing.T) {
	w := newWorld()
	alice := w.peer(t, "alice", true)
	alice.media.err = fmt.Errorf("camera: %w", amora_errors.ErrPermissionDenied)

	_, err := alice.machine.Initiate(context.Background(), "bob", call.KindVideo)
	assert.ErrorIs(t, err, amora_errors.ErrPermissionDenied)
	assert.Equal(t, StatusIdle, alice.status())
	assert.Zero(t, w.invitations.Upserts())

	alice.media.mu.Lock()
	alice.media.err = nil
	alice.media.mu.Unlock()
	_, err = alice.machine.Initiate(context.Background(), "bob", call.KindVideo)
	require.NoError(t, err)
}

func TestTransportFailureTearsDownBothSides(t *testing.T) {
	w := newWorld()
	alice, bob := w.peer(t, "alice", false), w.peer(t, "bob", false)
	bob.transport.fail = errors.New("ice failed")
	ring(t, w, alice, bob, call.KindVideo)

	_, err := bob.machine.Accept(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return bob.outcome() == ReasonTransport }, waitFor, tick)
	o, _ := bob.machine.LastOutcome()
	var terr *amora_errors.TransportError
	require.ErrorAs(t, o.Err, &terr)
	assert.Equal(t, "alice", terr.Remote)

	require.Eventually(t, func() bool { return alice.outcome() == ReasonRemoteEnded }, waitFor, tick)
	assert.Zero(t, w.invitations.Len())
	for _, p := range []*peer{alice, bob} {
		acquired, stopped := p.media.counts()
		assert.Equal(t, acquired, stopped, p.id)
	}
}

func TestConnectTimeoutEndsCall(t *testing.T) {
	w := newWorld()
	alice, bob := w.peer(t, "alice", false), w.peer(t, "bob", false)
	ring(t, w, alice, bob, call.KindAudio)

	_, err := bob.machine.Accept(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return alice.status() == StatusOutboundRinging && alice.transport.last() != nil && bob.transport.last() != nil
	}, waitFor, tick)

	w.clock.Add(30 * time.Second)

	require.Eventually(t, func() bool {
		return alice.status() == StatusIdle && bob.status() == StatusIdle
	}, waitFor, tick)
	reasons := []string{alice.outcome(), bob.outcome()}
	assert.Contains(t, reasons, ReasonConnectTimeout)
	assert.True(t, alice.transport.last().isClosed())
	assert.True(t, bob.transport.last().isClosed())
	assert.Zero(t, w.invitations.Len())
	assert.Zero(t, w.ongoingLogs("alice"))
}

func TestPeerConnectedBeforeAcceptIsInvalid(t *testing.T) {
	w := newWorld()
	alice, bob := w.peer(t, "alice", false), w.peer(t, "bob", false)
	ring(t, w, alice, bob, call.KindAudio)

	assert.ErrorIs(t, alice.machine.OnPeerConnected(context.Background()), amora_errors.ErrInvalidTransition)
	assert.ErrorIs(t, bob.machine.OnPeerConnected(context.Background()), amora_errors.ErrInvalidTransition)
	assert.ErrorIs(t, alice.machine.Reject(context.Background()), amora_errors.ErrInvalidTransition)
}

func TestDuplicateInviteIsIgnored(t *testing.T) {
	w := newWorld()
	alice, bob := w.peer(t, "alice", true), w.peer(t, "bob", true)
	s := ring(t, w, alice, bob, call.KindVideo)

	dup := events.CallInvite{CallID: s.CallID, FromID: "alice", ToID: "bob", Kind: call.KindVideo, Room: s.Room, ExpiresAt: s.ExpiresAt}
	assert.False(t, bob.machine.OnInviteObserved(dup))
	cur, _ := bob.machine.Current()
	assert.Equal(t, []Status{StatusIncomingRinging}, cur.Path)
}

func TestCallerCancelIsMissedForCallee(t *testing.T) {
	w := newWorld()
	alice, bob := w.peer(t, "alice", true), w.peer(t, "bob", true)
	ring(t, w, alice, bob, call.KindAudio)

	require.NoError(t, alice.machine.Hangup(context.Background()))
	require.Eventually(t, func() bool { return bob.outcome() == ReasonMissed }, waitFor, tick)

	// Accepting after the caller gave up is not possible.
	_, err := bob.machine.Accept(context.Background())
	assert.ErrorIs(t, err, amora_errors.ErrInvalidTransition)
}

func TestRecoverSurfacesLiveInvitation(t *testing.T) {
	w := newWorld()
	inv, err := w.record.Create(context.Background(), "alice", "bob", call.KindVideo)
	require.NoError(t, err)

	bob := w.peer(t, "bob", true)
	ok, err := bob.machine.Recover(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	cur, _ := bob.machine.Current()
	assert.Equal(t, StatusIncomingRinging, cur.Status)
	assert.Equal(t, inv.ID, cur.CallID)

	// The ring stops when the invitation expires.
	w.clock.Add(90 * time.Second)
	require.Eventually(t, func() bool { return bob.outcome() == ReasonMissed }, waitFor, tick)
}

func TestRecoverIgnoresExpiredInvitation(t *testing.T) {
	w := newWorld()
	_, err := w.record.Create(context.Background(), "alice", "bob", call.KindVideo)
	require.NoError(t, err)
	w.clock.Add(2 * time.Minute)

	bob := w.peer(t, "bob", true)
	ok, err := bob.machine.Recover(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMalformedSignalTearsDownSession(t *testing.T) {
	w := newWorld()
	alice, bob := w.peer(t, "alice", true), w.peer(t, "bob", true)
	ring(t, w, alice, bob, call.KindAudio)

	require.NoError(t, w.transport.Publish(context.Background(), events.CallChannel("bob"), []byte(`{"type":"call.accepted","payload":{`)))
	require.Eventually(t, func() bool { return bob.outcome() == ReasonProtocol }, waitFor, tick)
	o, _ := bob.machine.LastOutcome()
	var perr *amora_errors.ProtocolError
	assert.ErrorAs(t, o.Err, &perr)
	require.Eventually(t, func() bool { return alice.status() == StatusIdle }, waitFor, tick)
}

func TestRingExpiryDuringFailedAcceptStillEndsCall(t *testing.T) {
	w := newWorld()
	_, err := w.record.Create(context.Background(), "alice", "bob", call.KindVideo)
	require.NoError(t, err)
	bob := w.peer(t, "bob", true)
	ok, err := bob.machine.Recover(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	gate := make(chan struct{})
	bob.media.mu.Lock()
	bob.media.gate = gate
	bob.media.err = fmt.Errorf("camera: %w", amora_errors.ErrDeviceNotFound)
	bob.media.mu.Unlock()

	accepted := make(chan error, 1)
	go func() {
		_, err := bob.machine.Accept(context.Background())
		accepted <- err
	}()
	require.Eventually(t, func() bool {
		bob.media.mu.Lock()
		defer bob.media.mu.Unlock()
		return bob.media.waiting == 1
	}, waitFor, tick)

	// The ring runs out while the device is being opened.
	w.clock.Add(90 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusIncomingRinging, bob.status())

	close(gate)
	assert.ErrorIs(t, <-accepted, amora_errors.ErrDeviceNotFound)

	require.Eventually(t, func() bool { return bob.outcome() == ReasonMissed }, waitFor, tick)
	assert.Equal(t, StatusIdle, bob.status())
	assert.Zero(t, w.invitations.Len())
}

func TestFailedAcceptKeepsRemainingRingTime(t *testing.T) {
	w := newWorld()
	_, err := w.record.Create(context.Background(), "alice", "bob", call.KindAudio)
	require.NoError(t, err)
	bob := w.peer(t, "bob", true)
	_, err = bob.machine.Recover(context.Background())
	require.NoError(t, err)

	w.clock.Add(30 * time.Second)
	bob.media.mu.Lock()
	bob.media.err = fmt.Errorf("mic: %w", amora_errors.ErrPermissionDenied)
	bob.media.mu.Unlock()
	_, err = bob.machine.Accept(context.Background())
	assert.ErrorIs(t, err, amora_errors.ErrPermissionDenied)
	assert.Equal(t, StatusIncomingRinging, bob.status())

	w.clock.Add(59 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusIncomingRinging, bob.status())

	w.clock.Add(time.Second)
	require.Eventually(t, func() bool { return bob.outcome() == ReasonMissed }, waitFor, tick)
}

func TestDegradedCalleeSeesInviteAndCancelByPolling(t *testing.T) {
	w := newWorld()
	bobNet := realtime.NewMemoryTransport()
	alice := w.peer(t, "alice", true)
	bob := w.peerOn(t, "bob", true, bobNet)

	bobNet.SetDown(true)
	require.Eventually(t, func() bool { return bob.machine.Polling() }, waitFor, tick)

	// The invite never reaches bob over the wire.
	_, err := alice.machine.Initiate(context.Background(), "bob", call.KindAudio)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusIdle, bob.status())

	w.clock.Add(5 * time.Second)
	require.Eventually(t, func() bool { return bob.status() == StatusIncomingRinging }, waitFor, tick)

	// Neither does the cancel; the vanished invitation ends the ring.
	require.NoError(t, alice.machine.End(context.Background()))
	w.clock.Add(5 * time.Second)
	require.Eventually(t, func() bool { return bob.outcome() == ReasonMissed }, waitFor, tick)
	assert.Equal(t, StatusIdle, bob.status())

	bobNet.SetDown(false)
	require.Eventually(t, func() bool {
		w.clock.Add(5 * time.Second)
		return bob.machine.Handle().State() == realtime.Subscribed && !bob.machine.Polling()
	}, waitFor, tick)
}

func TestDegradedCallerSeesAcceptByPolling(t *testing.T) {
	w := newWorld()
	aliceNet := realtime.NewMemoryTransport()
	alice := w.peerOn(t, "alice", true, aliceNet)
	bob := w.peer(t, "bob", true)

	aliceNet.SetDown(true)
	require.Eventually(t, func() bool { return alice.machine.Polling() }, waitFor, tick)

	_, err := alice.machine.Initiate(context.Background(), "bob", call.KindVideo)
	require.NoError(t, err)
	ok, err := bob.machine.Recover(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	_, err = bob.machine.Accept(context.Background())
	require.NoError(t, err)

	w.clock.Add(5 * time.Second)
	require.Eventually(t, func() bool {
		return alice.status() == StatusActive && bob.status() == StatusActive
	}, waitFor, tick)
	a, _ := alice.machine.Current()
	assert.Equal(t, []Status{StatusCalling, StatusOutboundRinging, StatusActive}, a.Path)
}
