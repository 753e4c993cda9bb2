package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"
	"sharechannel/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	instancesKey   = "sharechannel:instances"
	instancePrefix = "sharechannel:instance:"
)

// InstanceRegistry tracks live rendezvous instances and the ids each one
// serves, so leases held by a crashed instance can be released early.
type InstanceRegistry struct {
	client      *redis.Client
	lockManager *distributed.LockManager
	instanceID  string
	ttl         time.Duration
	logger      *zap.SugaredLogger
}

func NewInstanceRegistry(
	client *redis.Client,
	instanceID string,
	ttl time.Duration,
	logger *zap.SugaredLogger,
) *InstanceRegistry {
	return &InstanceRegistry{
		client:      client,
		lockManager: distributed.NewLockManager(client, "sharechannel:lock:"),
		instanceID:  instanceID,
		ttl:         ttl,
		logger:      logger,
	}
}

// Heartbeat marks this instance alive for one ttl.
func (r *InstanceRegistry) Heartbeat(ctx context.Context) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.aliveKey(r.instanceID), time.Now().Unix(), r.ttl)
	pipe.ZAdd(ctx, instancesKey, redis.Z{Score: float64(time.Now().Unix()), Member: r.instanceID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

func (r *InstanceRegistry) AddPeer(ctx context.Context, peerID domain.PeerID) error {
	if err := r.client.SAdd(ctx, r.peersKey(r.instanceID), string(peerID)).Err(); err != nil {
		return fmt.Errorf("failed to add peer to instance set: %w", err)
	}
	return nil
}

func (r *InstanceRegistry) RemovePeer(ctx context.Context, peerID domain.PeerID) error {
	if err := r.client.SRem(ctx, r.peersKey(r.instanceID), string(peerID)).Err(); err != nil {
		return fmt.Errorf("failed to remove peer from instance set: %w", err)
	}
	return nil
}

// Instances returns the ids of instances whose heartbeat has not lapsed.
func (r *InstanceRegistry) Instances(ctx context.Context) ([]string, error) {
	all, err := r.client.ZRange(ctx, instancesKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	live := make([]string, 0, len(all))
	for _, id := range all {
		n, err := r.client.Exists(ctx, r.aliveKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check instance %s: %w", id, err)
		}
		if n > 0 {
			live = append(live, id)
		}
	}
	return live, nil
}

// PeerCount sums registered ids across live instances.
func (r *InstanceRegistry) PeerCount(ctx context.Context) (int, error) {
	live, err := r.Instances(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, id := range live {
		n, err := r.client.SCard(ctx, r.peersKey(id)).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to count peers of %s: %w", id, err)
		}
		total += int(n)
	}
	return total, nil
}

// SweepDead releases the ids of instances whose heartbeat lapsed. Only one
// instance sweeps at a time.
func (r *InstanceRegistry) SweepDead(ctx context.Context, ids ports.IDRegistry) (int, error) {
	lock := r.lockManager.AcquireLock("sweep", r.ttl)
	acquired, err := lock.TryLock(ctx)
	if err != nil {
		return 0, err
	}
	if !acquired {
		return 0, nil
	}
	defer func() {
		if err := lock.Unlock(ctx); err != nil {
			r.logger.Debugw("sweep lock already gone", "error", err)
		}
	}()

	all, err := r.client.ZRange(ctx, instancesKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list instances: %w", err)
	}

	released := 0
	for _, id := range all {
		n, err := r.client.Exists(ctx, r.aliveKey(id)).Result()
		if err != nil {
			return released, err
		}
		if n > 0 {
			continue
		}
		count, err := r.releaseAll(ctx, id, ids)
		released += count
		if err != nil {
			return released, err
		}
		r.logger.Infow("swept dead instance", "instance", id, "released", count)
	}
	return released, nil
}

// Shutdown releases this instance's ids and removes its records.
func (r *InstanceRegistry) Shutdown(ctx context.Context, ids ports.IDRegistry) error {
	_, err := r.releaseAll(ctx, r.instanceID, ids)
	return err
}

// Run heartbeats and sweeps every interval until ctx ends.
func (r *InstanceRegistry) Run(ctx context.Context, interval time.Duration, ids ports.IDRegistry) {
	if err := r.Heartbeat(ctx); err != nil {
		r.logger.Warnw("instance heartbeat failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Heartbeat(ctx); err != nil {
				r.logger.Warnw("instance heartbeat failed", "error", err)
			}
			if _, err := r.SweepDead(ctx, ids); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warnw("instance sweep failed", "error", err)
			}
		}
	}
}

func (r *InstanceRegistry) releaseAll(ctx context.Context, instanceID string, ids ports.IDRegistry) (int, error) {
	members, err := r.client.SMembers(ctx, r.peersKey(instanceID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get instance peers: %w", err)
	}
	for _, peerID := range members {
		if err := ids.Release(ctx, domain.PeerID(peerID), instanceID); err != nil {
			r.logger.Warnw("failed to release peer during cleanup",
				"peer_id", peerID,
				"error", err,
			)
		}
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.peersKey(instanceID), r.aliveKey(instanceID))
	pipe.ZRem(ctx, instancesKey, instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return len(members), fmt.Errorf("failed to remove instance records: %w", err)
	}
	return len(members), nil
}

func (r *InstanceRegistry) aliveKey(instanceID string) string {
	return instancePrefix + instanceID + ":alive"
}

func (r *InstanceRegistry) peersKey(instanceID string) string {
	return instancePrefix + instanceID + ":peers"
}
