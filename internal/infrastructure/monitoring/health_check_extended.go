package monitoring

import (
	"context"
	"errors"
	"time"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

var errCheckFailed = errors.New("check failed")

// healthKey is looked up by store checks; it is never written.
const healthKey = "share_channel.health_check"

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRegistryCheck verifies the id registry answers lookups.
func (h *HealthChecker) AddRegistryCheck(registry ports.IDRegistry, interval, timeout time.Duration) {
	h.AddCheck("id_registry", func(ctx context.Context) (bool, error) {
		if _, err := registry.Owner(ctx, domain.PeerID(healthKey)); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// Readiness runs every check and reports whether the service can take
// traffic.
func (h *HealthChecker) Readiness(ctx context.Context) (HealthStatus, bool) {
	status := h.CheckAll(ctx)
	return status, status.Status == "healthy"
}
