package fraud

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	attempts []*Attempt
	declines []*Decline
	signals  map[string][]Signal // customerID → signals
	events   []*SecurityEvent
}

// NewMemoryStore creates an in-memory fraud store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals: make(map[string][]Signal),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) RecordAttempt(ctx context.Context, a *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.attempts = append(s.attempts, &cp)
	return nil
}

func (s *MemoryStore) CountAttempts(ctx context.Context, customerID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, a := range s.attempts {
		if a.CustomerID == customerID && !a.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) RecordSignals(ctx context.Context, customerID string, signals []Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.signals[customerID] = append(s.signals[customerID], signals...)
	return nil
}

func (s *MemoryStore) RecordDecline(ctx context.Context, d *Decline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *d
	s.declines = append(s.declines, &cp)
	return nil
}

func (s *MemoryStore) CountDistinctDeclinedFingerprints(ctx context.Context, ipAddress string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, d := range s.declines {
		if d.IPAddress != ipAddress || d.Fingerprint == "" || d.CreatedAt.Before(since) {
			continue
		}
		seen[d.Fingerprint] = struct{}{}
	}
	return len(seen), nil
}

func (s *MemoryStore) RecordEvent(ctx context.Context, e *SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	if e.Data != nil {
		data := make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			data[k] = v
		}
		cp.Data = data
	}
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, limit int) ([]*SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := len(s.events) - limit
	if start < 0 {
		start = 0
	}
	result := make([]*SecurityEvent, 0, len(s.events)-start)
	for i := len(s.events) - 1; i >= start; i-- {
		cp := *s.events[i]
		result = append(result, &cp)
	}
	return result, nil
}
