package ports

import (
	"context"
	"time"

	"sharechannel/internal/core/domain"
)

// SettingsStore is durable key-value storage. Get returns
// domain.ErrSettingNotFound for missing keys.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

type DiscoveryRepository interface {
	Upsert(ctx context.Context, ch domain.DiscoveredChannel) error
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	List(ctx context.Context) ([]domain.DiscoveredChannel, error)
}

// IDRegistry leases peer identifiers to rendezvous server instances.
type IDRegistry interface {
	Claim(ctx context.Context, id domain.PeerID, owner string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, id domain.PeerID, owner string, ttl time.Duration) error
	Release(ctx context.Context, id domain.PeerID, owner string) error
	Owner(ctx context.Context, id domain.PeerID) (string, error)
}
