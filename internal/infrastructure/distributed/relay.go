// Package distributed connects rendezvous server instances that share one
// Redis deployment.
package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"sharechannel/internal/infrastructure/signal"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const relayPrefix = "sharechannel:relay:"

// Envelope is a relayed signal frame.
type Envelope struct {
	InstanceID string         `json:"instance_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Message    signal.Message `json:"message"`
}

// RedisRelay publishes frames on the channel of the instance owning the
// destination id and receives frames addressed to this instance.
type RedisRelay struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewRedisRelay(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *RedisRelay {
	return &RedisRelay{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

func channelFor(instanceID string) string {
	return relayPrefix + instanceID
}

// Publish sends msg to instanceID.
func (r *RedisRelay) Publish(ctx context.Context, instanceID string, msg signal.Message) error {
	data, err := json.Marshal(Envelope{
		InstanceID: r.instanceID,
		Timestamp:  time.Now(),
		Message:    msg,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	receivers, err := r.client.Publish(ctx, channelFor(instanceID), data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish frame: %w", err)
	}
	if receivers == 0 {
		return fmt.Errorf("instance %s is not listening", instanceID)
	}

	r.logger.Debugw("relayed frame",
		"type", msg.Type,
		"to_peer", msg.Dst,
		"instance", instanceID,
	)
	return nil
}

// Subscribe blocks delivering frames addressed to this instance until ctx
// ends.
func (r *RedisRelay) Subscribe(ctx context.Context, handler func(context.Context, signal.Message)) error {
	r.mu.Lock()
	if r.pubsub != nil {
		r.mu.Unlock()
		return errors.New("already subscribed")
	}
	pubsub := r.client.Subscribe(ctx, channelFor(r.instanceID))
	r.pubsub = pubsub
	r.mu.Unlock()
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warnw("failed to unmarshal envelope",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			handler(ctx, env.Message)
		}
	}
}

func (r *RedisRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return r.pubsub.Close()
	}
	return nil
}
