package realtime

import (
	"context"
	"errors"
	"sync"

	amora_errors "amora-realtime/pkg/errors"
)

// ErrConnectionLost is reported by a Subscription that ended without a local
// Close.
var ErrConnectionLost = errors.New("connection lost")

// Transport is a topic addressed pub/sub primitive with no delivery
// guarantee.
type Transport interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscription is one live attachment to a topic.
type Subscription interface {
	Messages() <-chan []byte
	// Done is closed when the subscription ends for any reason.
	Done() <-chan struct{}
	// Err is the reason the subscription ended; nil after a local Close.
	Err() error
	Close() error
}

// MemoryTransport is an in-process Transport. It can be told to refuse
// subscriptions, fail publishes and drop live subscriptions, which is how the
// reconnect and degrade paths are exercised without a broker.
type MemoryTransport struct {
	mu             sync.Mutex
	subs           map[string]map[*memorySubscription]struct{}
	down           bool
	failSubscribes int
	failPublishes  int
	subscribeCalls int
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[string]map[*memorySubscription]struct{})}
}

func (t *MemoryTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribeCalls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.down {
		return nil, &amora_errors.TransientNetworkError{Topic: topic, Err: ErrConnectionLost}
	}
	if t.failSubscribes > 0 {
		t.failSubscribes--
		return nil, &amora_errors.TransientNetworkError{Topic: topic, Err: errors.New("subscribe refused")}
	}
	s := &memorySubscription{
		transport: t,
		topic:     topic,
		messages:  make(chan []byte, 256),
		done:      make(chan struct{}),
	}
	if t.subs[topic] == nil {
		t.subs[topic] = make(map[*memorySubscription]struct{})
	}
	t.subs[topic][s] = struct{}{}
	return s, nil
}

func (t *MemoryTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	t.mu.Lock()
	if t.down {
		t.mu.Unlock()
		return &amora_errors.TransientNetworkError{Topic: topic, Err: ErrConnectionLost}
	}
	if t.failPublishes > 0 {
		t.failPublishes--
		t.mu.Unlock()
		return &amora_errors.TransientNetworkError{Topic: topic, Err: errors.New("publish refused")}
	}
	targets := make([]*memorySubscription, 0, len(t.subs[topic]))
	for s := range t.subs[topic] {
		targets = append(targets, s)
	}
	t.mu.Unlock()

	for _, s := range targets {
		data := append([]byte(nil), payload...)
		select {
		case s.messages <- data:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SetDown makes every subscribe and publish fail until cleared, and drops all
// live subscriptions when set.
func (t *MemoryTransport) SetDown(down bool) {
	t.mu.Lock()
	t.down = down
	t.mu.Unlock()
	if down {
		t.DropAll()
	}
}

// FailNextSubscribes refuses the next n Subscribe calls.
func (t *MemoryTransport) FailNextSubscribes(n int) {
	t.mu.Lock()
	t.failSubscribes = n
	t.mu.Unlock()
}

// FailNextPublishes refuses the next n Publish calls.
func (t *MemoryTransport) FailNextPublishes(n int) {
	t.mu.Lock()
	t.failPublishes = n
	t.mu.Unlock()
}

// DropAll ends every live subscription with ErrConnectionLost.
func (t *MemoryTransport) DropAll() {
	t.mu.Lock()
	var all []*memorySubscription
	for _, set := range t.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	t.mu.Unlock()
	for _, s := range all {
		s.end(ErrConnectionLost)
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (t *MemoryTransport) Subscribers(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[topic])
}

// SubscribeCalls returns how many Subscribe calls have been made.
func (t *MemoryTransport) SubscribeCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribeCalls
}

func (t *MemoryTransport) remove(s *memorySubscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set, ok := t.subs[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(t.subs, s.topic)
		}
	}
}

type memorySubscription struct {
	transport *MemoryTransport
	topic     string
	messages  chan []byte
	done      chan struct{}
	once      sync.Once
	mu        sync.Mutex
	err       error
}

func (s *memorySubscription) Messages() <-chan []byte { return s.messages }

func (s *memorySubscription) Done() <-chan struct{} { return s.done }

func (s *memorySubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memorySubscription) Close() error {
	s.end(nil)
	return nil
}

func (s *memorySubscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.transport.remove(s)
		close(s.done)
	})
}
