package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sharechannel/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey = "sharechannel:schema:version"
	migrationLockKey = "sharechannel:lock:migrate"
	migrationLockTTL = 30 * time.Second
)

// migration upgrades the key layout from version-1 to version.
type migration struct {
	version int
	name    string
	up      func(ctx context.Context, client *redis.Client) error
}

var migrations = []migration{
	{version: 1, name: "settings-hash", up: expandSettingsDocument},
}

func latestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// Migrate applies pending migrations. Rendezvous instances share one Redis,
// so the work happens under a lock and the version is re-read once held.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	current, err := schemaVersion(ctx, client)
	if err != nil {
		return err
	}
	if current >= latestSchemaVersion() {
		logger.Debugw("Redis schema is up to date", "version", current)
		return nil
	}

	lock := distributed.NewDistributedLock(client, migrationLockKey, migrationLockTTL)
	if err := lock.Lock(ctx, migrationLockTTL); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, distributed.ErrLockNotHeld) {
			logger.Warnw("Failed to release migration lock", "error", err)
		}
	}()

	if current, err = schemaVersion(ctx, client); err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		logger.Infow("Running Redis migration", "version", m.version, "name", m.name)
		if err := m.up(ctx, client); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.version, 0).Err(); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", m.version, err)
		}
	}
	return nil
}

func schemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	v, err := client.Get(ctx, schemaVersionKey).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// expandSettingsDocument turns the early single-JSON-string settings value
// into the hash the settings store reads field by field.
func expandSettingsDocument(ctx context.Context, client *redis.Client) error {
	typ, err := client.Type(ctx, settingsKey).Result()
	if err != nil {
		return err
	}
	if typ != "string" {
		return nil
	}
	raw, err := client.Get(ctx, settingsKey).Result()
	if err != nil {
		return err
	}
	doc := make(map[string]string)
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("legacy settings document: %w", err)
	}

	pipe := client.TxPipeline()
	pipe.Del(ctx, settingsKey)
	if len(doc) > 0 {
		pipe.HSet(ctx, settingsKey, doc)
	}
	_, err = pipe.Exec(ctx)
	return err
}
