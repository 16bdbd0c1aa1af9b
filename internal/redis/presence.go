package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"amora-realtime/internal/presence"

	"github.com/benbjohnson/clock"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis key prefixes for presence
const (
	presenceRoomPrefix      = "presence:room:"      // Hash of user id to member record
	presenceHeartbeatPrefix = "presence:heartbeat:" // Sorted set of user id scored by expiry
)

// PresenceStore is the presence.Backend kept in Redis. Members are expired
// by the heartbeat sorted set rather than key TTLs so one room can hold
// members with different deadlines.
type PresenceStore struct {
	client *goredis.Client
	clock  clock.Clock
	log    *zap.Logger
}

func NewPresenceStore(client *goredis.Client, clk clock.Clock, log *zap.Logger) *PresenceStore {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PresenceStore{client: client, clock: clk, log: log}
}

func (p *PresenceStore) Track(ctx context.Context, room string, rec presence.Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	expiresAt := p.clock.Now().Add(ttl)

	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, presenceRoomPrefix+room, rec.UserID, data)
	pipe.ZAdd(ctx, presenceHeartbeatPrefix+room, goredis.Z{
		Score:  float64(expiresAt.UnixMilli()),
		Member: rec.UserID,
	})
	// The whole room disappears once nobody has refreshed it for a while.
	pipe.Expire(ctx, presenceRoomPrefix+room, 2*ttl)
	pipe.Expire(ctx, presenceHeartbeatPrefix+room, 2*ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (p *PresenceStore) Untrack(ctx context.Context, room, userID string) error {
	pipe := p.client.TxPipeline()
	pipe.HDel(ctx, presenceRoomPrefix+room, userID)
	pipe.ZRem(ctx, presenceHeartbeatPrefix+room, userID)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *PresenceStore) Snapshot(ctx context.Context, room string) ([]presence.Record, error) {
	if _, err := p.cleanupStale(ctx, room); err != nil {
		return nil, err
	}

	data, err := p.client.HGetAll(ctx, presenceRoomPrefix+room).Result()
	if err != nil {
		return nil, err
	}
	out := make([]presence.Record, 0, len(data))
	for userID, raw := range data {
		var rec presence.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			p.log.Warn("skipping corrupt presence record",
				zap.String("room", room),
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	presence.SortRecords(out)
	return out, nil
}

// cleanupStale removes members whose last heartbeat has expired.
func (p *PresenceStore) cleanupStale(ctx context.Context, room string) (int, error) {
	now := p.clock.Now().UnixMilli()
	stale, err := p.client.ZRangeByScore(ctx, presenceHeartbeatPrefix+room, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(stale))
	for i, id := range stale {
		members[i] = id
	}
	pipe := p.client.TxPipeline()
	pipe.HDel(ctx, presenceRoomPrefix+room, stale...)
	pipe.ZRem(ctx, presenceHeartbeatPrefix+room, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(stale), nil
}
