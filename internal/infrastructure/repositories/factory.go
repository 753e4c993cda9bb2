package repositories

import (
	"context"

	"sharechannel/internal/core/ports"
	"sharechannel/internal/infrastructure/repositories/file"
	"sharechannel/internal/infrastructure/repositories/memory"
	redisrepo "sharechannel/internal/infrastructure/repositories/redis"
	"sharechannel/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates stores for the configured backend, falling back
// to memory when Redis is configured but unreachable.
type RepositoryFactory struct {
	backend     string
	path        string
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		backend:  cfg.Storage.Backend,
		path:     cfg.Storage.Path,
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("Failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
		}
	}

	logger.Infow("Repositories ready", "storage_backend", factory.effectiveBackend(), "redis", factory.useRedis)
	return factory, nil
}

func (f *RepositoryFactory) effectiveBackend() string {
	if f.backend == "redis" && !f.useRedis {
		return "memory"
	}
	return f.backend
}

// CreateSettingsStore returns the store for persisted client settings.
func (f *RepositoryFactory) CreateSettingsStore() ports.SettingsStore {
	switch f.effectiveBackend() {
	case "redis":
		return redisrepo.NewRedisSettingsStore(f.redisClient)
	case "file":
		return file.NewFileSettingsStore(f.path)
	default:
		return memory.NewMemorySettingsStore()
	}
}

// CreateDiscoveryRepository returns the set of discovered channels. It is
// only shared through Redis when settings are.
func (f *RepositoryFactory) CreateDiscoveryRepository() ports.DiscoveryRepository {
	if f.effectiveBackend() == "redis" {
		return redisrepo.NewRedisDiscoveryRepository(f.redisClient)
	}
	return memory.NewMemoryDiscoveryRepository()
}

// CreateIDRegistry returns the rendezvous id lease table. With Redis,
// leases are shared by every rendezvous instance.
func (f *RepositoryFactory) CreateIDRegistry() ports.IDRegistry {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisIDRegistry(f.redisClient)
	}
	return memory.NewMemoryIDRegistry()
}

// RedisClient returns the shared client, or nil when Redis is not in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if !f.useRedis {
		return nil
	}
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
