package dunning

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*FailedPayment // id → record
	byRef    map[string]string         // chargeRef → id
	attempts map[string][]*RetryAttempt
	patterns map[string]*CustomerPaymentPattern
}

// NewMemoryStore creates an in-memory dunning store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*FailedPayment),
		byRef:    make(map[string]string),
		attempts: make(map[string][]*RetryAttempt),
		patterns: make(map[string]*CustomerPaymentPattern),
	}
}

var _ Store = (*MemoryStore)(nil)

func copyPayment(fp *FailedPayment) *FailedPayment {
	cp := *fp
	if fp.NextRetryAt != nil {
		t := *fp.NextRetryAt
		cp.NextRetryAt = &t
	}
	if fp.LastAttemptAt != nil {
		t := *fp.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	if fp.Metadata != nil {
		md := make(map[string]string, len(fp.Metadata))
		for k, v := range fp.Metadata {
			md[k] = v
		}
		cp.Metadata = md
	}
	return &cp
}

func (s *MemoryStore) CreateFailedPayment(ctx context.Context, fp *FailedPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byRef[fp.GatewayChargeRef]; exists {
		return ErrDuplicateRef
	}
	s.payments[fp.ID] = copyPayment(fp)
	s.byRef[fp.GatewayChargeRef] = fp.ID
	return nil
}

func (s *MemoryStore) GetFailedPayment(ctx context.Context, id string) (*FailedPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fp, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPayment(fp), nil
}

func (s *MemoryStore) GetByChargeRef(ctx context.Context, ref string) (*FailedPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byRef[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPayment(s.payments[id]), nil
}

func (s *MemoryStore) UpdateFailedPayment(ctx context.Context, fp *FailedPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[fp.ID]; !ok {
		return ErrNotFound
	}
	s.payments[fp.ID] = copyPayment(fp)
	return nil
}

func (s *MemoryStore) ClaimForRetry(ctx context.Context, id string) (*FailedPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if fp.Status != StatusPendingRetry && fp.Status != StatusFailed {
		return nil, ErrNotClaimable
	}
	fp.Status = StatusRetrying
	fp.UpdatedAt = time.Now().UTC()
	return copyPayment(fp), nil
}

func (s *MemoryStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*FailedPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*FailedPayment
	for _, fp := range s.payments {
		if fp.Status != StatusPendingRetry || fp.NextRetryAt == nil {
			continue
		}
		if fp.NextRetryAt.After(now) || fp.RetryCount >= fp.MaxRetries {
			continue
		}
		due = append(due, copyPayment(fp))
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) CountPendingRetries(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, fp := range s.payments {
		if fp.Status == StatusPendingRetry {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ListFailedPayments(ctx context.Context, status Status, limit int) ([]*FailedPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*FailedPayment
	for _, fp := range s.payments {
		if status != "" && fp.Status != status {
			continue
		}
		result = append(result, copyPayment(fp))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) RecordAttempt(ctx context.Context, a *RetryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	if a.NextRetryAt != nil {
		t := *a.NextRetryAt
		cp.NextRetryAt = &t
	}
	s.attempts[a.FailedPaymentID] = append(s.attempts[a.FailedPaymentID], &cp)
	return nil
}

func (s *MemoryStore) ListAttempts(ctx context.Context, failedPaymentID string) ([]*RetryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.attempts[failedPaymentID]
	result := make([]*RetryAttempt, 0, len(all))
	for _, a := range all {
		cp := *a
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) GetPattern(ctx context.Context, customerEmail string) (*CustomerPaymentPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patterns[customerEmail]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	cp.SuccessfulHours = append([]int(nil), p.SuccessfulHours...)
	return &cp, nil
}

func (s *MemoryStore) UpsertPattern(ctx context.Context, p *CustomerPaymentPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	cp.SuccessfulHours = append([]int(nil), p.SuccessfulHours...)
	s.patterns[p.CustomerEmail] = &cp
	return nil
}
