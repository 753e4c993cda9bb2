package memory

import (
	"context"
	"sync"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"
)

type MemorySettingsStore struct {
	values map[string]string
	mu     sync.RWMutex
}

func NewMemorySettingsStore() ports.SettingsStore {
	return &MemorySettingsStore{
		values: make(map[string]string),
	}
}

func (s *MemorySettingsStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return "", domain.ErrSettingNotFound
	}
	return v, nil
}

func (s *MemorySettingsStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	return nil
}
