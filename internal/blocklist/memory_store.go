package blocklist

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*BlockedEntity // entityType:value → entry
}

// NewMemoryStore creates an in-memory blocklist store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*BlockedEntity)}
}

var _ Store = (*MemoryStore)(nil)

func entryKey(entityType, value string) string {
	return entityType + ":" + value
}

func (s *MemoryStore) Upsert(ctx context.Context, e *BlockedEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	if e.BlockedUntil != nil {
		until := *e.BlockedUntil
		cp.BlockedUntil = &until
	}
	s.entries[entryKey(e.EntityType, e.Value)] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, entityType, value string) (*BlockedEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[entryKey(entityType, value)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Delete(ctx context.Context, entityType, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey(entityType, value)
	if _, ok := s.entries[key]; !ok {
		return ErrNotFound
	}
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]*BlockedEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*BlockedEntity, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
