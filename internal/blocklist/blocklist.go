// Package blocklist maintains blocked entities (IPs, emails, payment-method
// fingerprints). Blocks are permanent unless given a duration; expired
// blocks stop matching but remain on record.
package blocklist

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("blocklist: entity not found")

// Entity types accepted by the blocklist.
const (
	EntityIP          = "ip"
	EntityEmail       = "email"
	EntityFingerprint = "fingerprint"
	EntityCustomer    = "customer"
)

// ValidEntityType reports whether t is a known entity type.
func ValidEntityType(t string) bool {
	switch t {
	case EntityIP, EntityEmail, EntityFingerprint, EntityCustomer:
		return true
	}
	return false
}

// BlockedEntity is one blocklist entry. A nil BlockedUntil with
// IsPermanent set means the block never expires.
type BlockedEntity struct {
	EntityType   string     `json:"entityType"`
	Value        string     `json:"value"`
	Reason       string     `json:"reason"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
	IsPermanent  bool       `json:"isPermanent"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// activeAt reports whether the block still applies at t.
func (e *BlockedEntity) activeAt(t time.Time) bool {
	if e.IsPermanent {
		return true
	}
	return e.BlockedUntil != nil && e.BlockedUntil.After(t)
}

// Store persists blocklist entries. Upsert replaces any existing entry for
// the same (entityType, value).
type Store interface {
	Upsert(ctx context.Context, e *BlockedEntity) error
	Get(ctx context.Context, entityType, value string) (*BlockedEntity, error)
	Delete(ctx context.Context, entityType, value string) error
	List(ctx context.Context, limit int) ([]*BlockedEntity, error)
}

// Service provides blocklist business logic.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a blocklist service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// WithClock overrides the service clock (for tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Block adds or replaces a block. A zero duration makes it permanent.
func (s *Service) Block(ctx context.Context, entityType, value, reason string, duration time.Duration) error {
	entry := &BlockedEntity{
		EntityType:  entityType,
		Value:       value,
		Reason:      reason,
		IsPermanent: duration <= 0,
		CreatedAt:   s.now(),
	}
	if duration > 0 {
		until := s.now().Add(duration)
		entry.BlockedUntil = &until
	}
	return s.store.Upsert(ctx, entry)
}

// Unblock removes a block. Removing a non-existent block is not an error.
func (s *Service) Unblock(ctx context.Context, entityType, value string) error {
	err := s.store.Delete(ctx, entityType, value)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// IsBlocked reports whether the entity is currently blocked. Expired
// blocks do not match.
func (s *Service) IsBlocked(ctx context.Context, entityType, value string) (bool, error) {
	entry, err := s.store.Get(ctx, entityType, value)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return entry.activeAt(s.now()), nil
}

// List returns blocklist entries, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]*BlockedEntity, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.List(ctx, limit)
}
