package memory

import (
	"context"
	"sync"
	"time"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"
	"sharechannel/pkg/utils"
)

type lease struct {
	owner   string
	expires time.Time
}

// MemoryIDRegistry leases peer ids within one rendezvous process.
type MemoryIDRegistry struct {
	leases map[domain.PeerID]lease
	mu     sync.Mutex
}

func NewMemoryIDRegistry() ports.IDRegistry {
	return &MemoryIDRegistry{
		leases: make(map[domain.PeerID]lease),
	}
}

func (r *MemoryIDRegistry) Claim(ctx context.Context, id domain.PeerID, owner string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := utils.Now()
	if l, ok := r.leases[id]; ok && l.expires.After(now) {
		return false, nil
	}
	r.leases[id] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (r *MemoryIDRegistry) Refresh(ctx context.Context, id domain.PeerID, owner string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[id]
	if !ok || l.owner != owner {
		return domain.ErrIDTaken
	}
	l.expires = utils.Now().Add(ttl)
	r.leases[id] = l
	return nil
}

// Release drops the lease only when owner still holds it.
func (r *MemoryIDRegistry) Release(ctx context.Context, id domain.PeerID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.leases[id]; ok && l.owner == owner {
		delete(r.leases, id)
	}
	return nil
}

// Owner returns the current owner, or "" for a free or expired id.
func (r *MemoryIDRegistry) Owner(ctx context.Context, id domain.PeerID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[id]
	if !ok || !l.expires.After(utils.Now()) {
		return "", nil
	}
	return l.owner, nil
}
