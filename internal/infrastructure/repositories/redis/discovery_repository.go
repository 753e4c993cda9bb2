package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisDiscoveryRepository stores channels in a hash and indexes their
// last-seen time in a sorted set for pruning.
type RedisDiscoveryRepository struct {
	client  *redis.Client
	dataKey string
	seenKey string
}

func NewRedisDiscoveryRepository(client *redis.Client) ports.DiscoveryRepository {
	return &RedisDiscoveryRepository{
		client:  client,
		dataKey: "sharechannel:discovery:channels",
		seenKey: "sharechannel:discovery:seen",
	}
}

func (r *RedisDiscoveryRepository) Upsert(ctx context.Context, ch domain.DiscoveredChannel) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("failed to marshal channel: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.dataKey, ch.ChannelID, data)
	pipe.ZAdd(ctx, r.seenKey, redis.Z{Score: float64(ch.LastSeenAt.UnixMilli()), Member: ch.ChannelID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store channel in Redis: %w", err)
	}
	return nil
}

func (r *RedisDiscoveryRepository) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := r.client.ZRangeByScore(ctx, r.seenKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list stale channels: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(stale))
	for i, id := range stale {
		members[i] = id
	}
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, r.dataKey, stale...)
	pipe.ZRem(ctx, r.seenKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to prune channels: %w", err)
	}
	return len(stale), nil
}

func (r *RedisDiscoveryRepository) List(ctx context.Context) ([]domain.DiscoveredChannel, error) {
	raw, err := r.client.HGetAll(ctx, r.dataKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	out := make([]domain.DiscoveredChannel, 0, len(raw))
	for _, data := range raw {
		var ch domain.DiscoveredChannel
		if err := json.Unmarshal([]byte(data), &ch); err != nil {
			continue
		}
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	return out, nil
}
