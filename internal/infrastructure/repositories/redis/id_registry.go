package redis

import (
	"context"
	"fmt"
	"time"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisIDRegistry leases peer ids across rendezvous instances. A lease is a
// key holding the owner with a TTL; only the owner can refresh or drop it.
type RedisIDRegistry struct {
	client *redis.Client
	prefix string
}

func NewRedisIDRegistry(client *redis.Client) ports.IDRegistry {
	return &RedisIDRegistry{
		client: client,
		prefix: "sharechannel:id:",
	}
}

func (r *RedisIDRegistry) idKey(id domain.PeerID) string {
	return r.prefix + string(id)
}

func (r *RedisIDRegistry) Claim(ctx context.Context, id domain.PeerID, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.idKey(id), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim id: %w", err)
	}
	return ok, nil
}

func (r *RedisIDRegistry) Refresh(ctx context.Context, id domain.PeerID, owner string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, r.client, []string{r.idKey(id)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh id lease: %w", err)
	}
	if n == 0 {
		return domain.ErrIDTaken
	}
	return nil
}

func (r *RedisIDRegistry) Release(ctx context.Context, id domain.PeerID, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.idKey(id)}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release id: %w", err)
	}
	return nil
}

func (r *RedisIDRegistry) Owner(ctx context.Context, id domain.PeerID) (string, error) {
	owner, err := r.client.Get(ctx, r.idKey(id)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read id owner: %w", err)
	}
	return owner, nil
}
