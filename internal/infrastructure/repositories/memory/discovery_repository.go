package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"
)

type MemoryDiscoveryRepository struct {
	channels map[string]domain.DiscoveredChannel
	mu       sync.RWMutex
}

func NewMemoryDiscoveryRepository() ports.DiscoveryRepository {
	return &MemoryDiscoveryRepository{
		channels: make(map[string]domain.DiscoveredChannel),
	}
}

// Upsert stores ch keyed by channel id; the latest write wins.
func (r *MemoryDiscoveryRepository) Upsert(ctx context.Context, ch domain.DiscoveredChannel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.channels[ch.ChannelID] = ch
	return nil
}

func (r *MemoryDiscoveryRepository) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for id, ch := range r.channels {
		if ch.LastSeenAt.Before(cutoff) {
			delete(r.channels, id)
			pruned++
		}
	}
	return pruned, nil
}

// List returns channels, most recently seen first.
func (r *MemoryDiscoveryRepository) List(ctx context.Context) ([]domain.DiscoveredChannel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.DiscoveredChannel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	return out, nil
}
