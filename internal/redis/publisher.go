package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Broadcast is the realtime.Transport backed by Redis pub/sub.
type Broadcast struct {
	client *redis.Client
}

func NewBroadcast(client *redis.Client) *Broadcast {
	return &Broadcast{client: client}
}

func (b *Broadcast) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}
