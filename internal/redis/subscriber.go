package redis

import (
	"context"
	"sync"

	"amora-realtime/internal/realtime"

	"github.com/redis/go-redis/v9"
)

// Subscribe returns once Redis has confirmed the subscription.
func (b *Broadcast) Subscribe(ctx context.Context, channel string) (realtime.Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	s := &subscription{
		pubsub:   pubsub,
		messages: make(chan []byte, 256),
		done:     make(chan struct{}),
	}
	go s.read(ctx)
	return s, nil
}

type subscription struct {
	pubsub   *redis.PubSub
	messages chan []byte
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	err      error
}

func (s *subscription) read(ctx context.Context) {
	for {
		msg, err := s.pubsub.ReceiveMessage(ctx)
		if err != nil {
			s.end(err)
			return
		}
		select {
		case s.messages <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Messages() <-chan []byte { return s.messages }

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.end(nil)
	return nil
}

func (s *subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		_ = s.pubsub.Close()
	})
}
