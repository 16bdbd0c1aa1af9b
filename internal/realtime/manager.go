package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"amora-realtime/internal/events"
	"amora-realtime/internal/metrics"
	amora_errors "amora-realtime/pkg/errors"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// State is the lifecycle of one subscription.
type State int

const (
	Disconnected State = iota
	Connecting
	Subscribed
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Degraded:
		return "degraded"
	}
	return "unknown"
}

// Handlers are invoked on the manager's dispatcher goroutine, one at a time.
// Any of them may be nil.
type Handlers struct {
	OnEvent   func(events.Event)
	OnState   func(State)
	OnDegrade func()
	OnInvalid func(error)
}

type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter is the backoff randomization factor, 0 disables it.
	Jitter float64
	// MaxAttempts is the number of consecutive failures before a
	// subscription degrades.
	MaxAttempts     int
	PublishAttempts int
	PublishTimeout  time.Duration
	QueueSize       int
	Clock           clock.Clock
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.PublishAttempts <= 0 {
		o.PublishAttempts = 3
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type outbound struct {
	topic     string
	eventType events.EventType
	payload   []byte
}

// Manager owns every realtime subscription of one client. Inbound deliveries
// for all topics are serialized on a single dispatcher goroutine.
type Manager struct {
	transport Transport
	opts      Options
	log       *zap.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool

	inbox  chan func()
	outbox chan outbound

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(transport Transport, opts Options) *Manager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		transport: transport,
		opts:      opts,
		log:       opts.Logger.With(zap.String("component", "realtime")),
		handles:   make(map[string]*Handle),
		inbox:     make(chan func(), opts.QueueSize),
		outbox:    make(chan outbound, opts.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.wg.Add(2)
	go m.dispatch()
	go m.publishLoop()
	return m
}

// Subscribe attaches handlers to topic. An existing subscription on the same
// topic is released first, so a topic never has two delivery paths.
func (m *Manager) Subscribe(topic string, handlers Handlers) *Handle {
	ctx, cancel := context.WithCancel(m.ctx)
	h := &Handle{
		m:        m,
		topic:    topic,
		handlers: handlers,
		ctx:      ctx,
		cancel:   cancel,
		resetCh:  make(chan struct{}, 1),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		h.closed.Store(true)
		cancel()
		return h
	}
	if prev, ok := m.handles[topic]; ok {
		prev.release()
	}
	m.handles[topic] = h
	m.wg.Add(1)
	m.mu.Unlock()

	go h.run()
	return h
}

// Publish sends event to the topic it is addressed to.
func (m *Manager) Publish(ctx context.Context, event events.Event) error {
	return m.PublishTo(ctx, events.ResolveChannel(event), event)
}

// PublishTo is fire-and-forget: the event is encoded and queued, and the
// manager retries transport failures in the background. The returned error
// only reports encoding problems or a closed manager.
func (m *Manager) PublishTo(ctx context.Context, topic string, event events.Event) error {
	if topic == "" {
		return &amora_errors.ProtocolError{Topic: topic, Reason: "event has no destination"}
	}
	payload, err := events.Encode(event)
	if err != nil {
		return &amora_errors.ProtocolError{Topic: topic, Reason: "encode", Err: err}
	}
	if m.ctx.Err() != nil {
		return amora_errors.ErrClosed
	}
	select {
	case m.outbox <- outbound{topic: topic, eventType: event.Type(), payload: payload}:
		return nil
	case <-m.ctx.Done():
		return amora_errors.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases every subscription and stops the manager's goroutines.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for topic, h := range m.handles {
		h.release()
		delete(m.handles, topic)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Manager) dispatch() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case fn := <-m.inbox:
			fn()
		}
	}
}

func (m *Manager) enqueue(ctx context.Context, fn func()) {
	select {
	case m.inbox <- fn:
	case <-ctx.Done():
	}
}

func (m *Manager) publishLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case out := <-m.outbox:
			m.publish(out)
		}
	}
}

func (m *Manager) publish(out outbound) {
	b := m.newBackoff()
	attempt := 0
	op := func() error {
		attempt++
		ctx, cancel := context.WithTimeout(m.ctx, m.opts.PublishTimeout)
		defer cancel()
		return m.transport.Publish(ctx, out.topic, out.payload)
	}
	retries := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.opts.PublishAttempts-1)), m.ctx)
	if err := backoff.Retry(op, retries); err != nil {
		m.opts.Metrics.PublishFailed(string(out.eventType))
		m.log.Warn("publish dropped",
			zap.String("topic", out.topic),
			zap.String("event", string(out.eventType)),
			zap.Int("attempts", attempt),
			zap.Error(err))
	}
}

func (m *Manager) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.InitialBackoff
	b.MaxInterval = m.opts.MaxBackoff
	b.RandomizationFactor = m.opts.Jitter
	b.MaxElapsedTime = 0
	b.Clock = m.opts.Clock
	b.Reset()
	return b
}

func (m *Manager) forget(h *Handle) {
	m.mu.Lock()
	if m.handles[h.topic] == h {
		delete(m.handles, h.topic)
	}
	m.mu.Unlock()
}

// Handle is a caller's view of one subscription.
type Handle struct {
	m        *Manager
	topic    string
	handlers Handlers
	ctx      context.Context
	cancel   context.CancelFunc
	resetCh  chan struct{}
	closed   atomic.Bool

	mu           sync.Mutex
	state        State
	degradeFired bool
}

func (h *Handle) Topic() string { return h.topic }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Unsubscribe is idempotent and does not wait for the dispatcher. No handler
// starts after it returns, but one already running may still finish. Closing
// the transport subscription finishes in the background.
func (h *Handle) Unsubscribe() {
	h.release()
	h.m.forget(h)
}

// Reset takes a degraded subscription back to reconnecting and re-arms the
// one-shot degrade callback. It is a no-op in any other state.
func (h *Handle) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Degraded || h.closed.Load() {
		return
	}
	h.degradeFired = false
	select {
	case h.resetCh <- struct{}{}:
	default:
	}
}

func (h *Handle) release() {
	if h.closed.Swap(true) {
		return
	}
	h.cancel()
	h.mu.Lock()
	h.state = Disconnected
	h.mu.Unlock()
}

func (h *Handle) run() {
	defer h.m.wg.Done()
	log := h.m.log.With(zap.String("topic", h.topic))
	b := h.m.newBackoff()
	failures := 0

	for {
		if h.ctx.Err() != nil {
			return
		}
		h.setState(Connecting)
		sub, err := h.m.transport.Subscribe(h.ctx, h.topic)
		if err == nil {
			failures = 0
			b.Reset()
			h.setState(Subscribed)
			err = h.pump(sub)
		}
		if h.ctx.Err() != nil {
			return
		}

		failures++
		log.Warn("subscription failed", zap.Int("attempt", failures), zap.Error(err))
		if failures >= h.m.opts.MaxAttempts {
			h.degrade()
			select {
			case <-h.ctx.Done():
				return
			case <-h.resetCh:
				log.Info("subscription reset after degrade")
				failures = 0
				b.Reset()
				continue
			}
		}

		h.m.opts.Metrics.Reconnect(h.topic)
		timer := h.m.opts.Clock.Timer(b.NextBackOff())
		select {
		case <-h.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (h *Handle) pump(sub Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-h.ctx.Done():
			return nil
		case <-sub.Done():
			if err := sub.Err(); err != nil {
				return &amora_errors.TransientNetworkError{Topic: h.topic, Err: err}
			}
			return &amora_errors.TransientNetworkError{Topic: h.topic, Err: ErrConnectionLost}
		case data := <-sub.Messages():
			h.deliver(data)
		}
	}
}

func (h *Handle) deliver(data []byte) {
	event, err := events.Decode(data)
	if err != nil {
		perr := &amora_errors.ProtocolError{Topic: h.topic, Reason: "decode", Err: err}
		h.m.log.Warn("dropping malformed payload", zap.String("topic", h.topic), zap.Error(err))
		if h.handlers.OnInvalid != nil {
			h.m.enqueue(h.ctx, func() {
				if !h.closed.Load() {
					h.handlers.OnInvalid(perr)
				}
			})
		}
		return
	}
	if h.handlers.OnEvent == nil {
		return
	}
	h.m.enqueue(h.ctx, func() {
		if !h.closed.Load() {
			h.handlers.OnEvent(event)
		}
	})
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		return
	}
	changed := h.state != s
	h.state = s
	h.mu.Unlock()

	if changed && h.handlers.OnState != nil {
		h.m.enqueue(h.ctx, func() {
			if !h.closed.Load() {
				h.handlers.OnState(s)
			}
		})
	}
}

func (h *Handle) degrade() {
	h.setState(Degraded)

	h.mu.Lock()
	fire := !h.degradeFired
	h.degradeFired = true
	h.mu.Unlock()
	if !fire {
		return
	}

	h.m.opts.Metrics.Degraded(h.topic)
	h.m.log.Warn("subscription degraded", zap.String("topic", h.topic), zap.Int("max_attempts", h.m.opts.MaxAttempts))
	if h.handlers.OnDegrade != nil {
		h.m.enqueue(h.ctx, func() {
			if !h.closed.Load() {
				h.handlers.OnDegrade()
			}
		})
	}
}
