package redis

import (
	"context"
	"encoding/json"
	"time"

	"amora-realtime/internal/domain/notification"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache key patterns:
// - profile:{user_id} - actor display metadata

const profileKeyPrefix = "profile:"

// ProfileDirectory resolves actor metadata for a batch of user ids.
type ProfileDirectory interface {
	Lookup(ctx context.Context, ids []string) (map[string]notification.Actor, error)
}

// ProfileCache is a read-through cache in front of a ProfileDirectory. A
// cache failure falls back to the directory rather than failing the lookup.
type ProfileCache struct {
	client *goredis.Client
	next   ProfileDirectory
	ttl    time.Duration
	log    *zap.Logger
}

func NewProfileCache(client *goredis.Client, next ProfileDirectory, ttl time.Duration, log *zap.Logger) *ProfileCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ProfileCache{client: client, next: next, ttl: ttl, log: log}
}

func (c *ProfileCache) Lookup(ctx context.Context, ids []string) (map[string]notification.Actor, error) {
	ids = uniqueIDs(ids)
	result := make(map[string]notification.Actor, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = profileKeyPrefix + id
	}

	var misses []string
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.log.Warn("profile cache read failed", zap.Error(err))
		misses = ids
	} else {
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				misses = append(misses, ids[i])
				continue
			}
			var actor notification.Actor
			if err := json.Unmarshal([]byte(raw), &actor); err != nil {
				misses = append(misses, ids[i])
				continue
			}
			result[ids[i]] = actor
		}
	}
	if len(misses) == 0 {
		return result, nil
	}

	fetched, err := c.next.Lookup(ctx, misses)
	if err != nil {
		return nil, err
	}

	pipe := c.client.Pipeline()
	for id, actor := range fetched {
		result[id] = actor
		data, err := json.Marshal(actor)
		if err != nil {
			continue
		}
		pipe.Set(ctx, profileKeyPrefix+id, data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("profile cache write failed", zap.Error(err))
	}
	return result, nil
}

// Invalidate drops the cached profile of userID.
func (c *ProfileCache) Invalidate(ctx context.Context, userID string) error {
	return c.client.Del(ctx, profileKeyPrefix+userID).Err()
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
