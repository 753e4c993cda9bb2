package redis

import (
	"context"
	"fmt"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const settingsKey = "sharechannel:settings"

// RedisSettingsStore keeps settings as fields of one hash, so several
// clients sharing a Redis see the same preferences.
type RedisSettingsStore struct {
	client *redis.Client
	key    string
}

func NewRedisSettingsStore(client *redis.Client) ports.SettingsStore {
	return &RedisSettingsStore{client: client, key: settingsKey}
}

func (s *RedisSettingsStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.HGet(ctx, s.key, key).Result()
	if err == redis.Nil {
		return "", domain.ErrSettingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting from Redis: %w", err)
	}
	return v, nil
}

func (s *RedisSettingsStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.HSet(ctx, s.key, key, value).Err(); err != nil {
		return fmt.Errorf("failed to set setting in Redis: %w", err)
	}
	return nil
}
