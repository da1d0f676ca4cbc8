package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryStore is an in-memory counter store for demo/test use.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewMemoryStore creates an in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// WithClock overrides the store's clock (for tests).
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Take(ctx context.Context, key string, limit int64, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		if limit < 1 {
			return false, nil
		}
		s.windows[key] = &window{count: 1, resetAt: now.Add(ttl)}
		return true, nil
	}
	if w.count >= limit {
		return false, nil
	}
	w.count++
	return true, nil
}

// Count returns the current count for key, or 0 if the window has expired
// or was never started. Used for introspection in tests.
func (s *MemoryStore) Count(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !s.now().Before(w.resetAt) {
		return 0, nil
	}
	return w.count, nil
}
