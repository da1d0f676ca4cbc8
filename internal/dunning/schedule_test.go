package dunning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstill/payshield/internal/policy"
)

// Tuesday 2026-03-10 10:00 UTC.
func tuesday10am() time.Time {
	return time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
}

func TestNextRetryTimeBaseInterval(t *testing.T) {
	s := NewScheduler(NewMemoryStore()).WithClock(tuesday10am)
	pol := policy.ForReason(policy.ReasonProcessingError) // no smart timing

	next := s.NextRetryTime(context.Background(), pol, "c@example.com", 0)
	require.NotNil(t, next)
	assert.Equal(t, tuesday10am().Add(time.Hour), *next)

	next = s.NextRetryTime(context.Background(), pol, "c@example.com", 3)
	require.NotNil(t, next)
	assert.Equal(t, tuesday10am().Add(24*time.Hour), *next)
}

func TestNextRetryTimeExhausted(t *testing.T) {
	s := NewScheduler(NewMemoryStore()).WithClock(tuesday10am)
	pol := policy.ForReason(policy.ReasonNetworkError)

	assert.Nil(t, s.NextRetryTime(context.Background(), pol, "c@example.com", 3))
	assert.Nil(t, s.NextRetryTime(context.Background(), pol, "c@example.com", 99))
}

func TestNextRetryTimeFractionalHours(t *testing.T) {
	s := NewScheduler(NewMemoryStore()).WithClock(tuesday10am)
	pol := policy.ForReason(policy.ReasonNetworkError)

	next := s.NextRetryTime(context.Background(), pol, "c@example.com", 0)
	require.NotNil(t, next)
	assert.Equal(t, tuesday10am().Add(30*time.Minute), *next)
}

func TestNextRetryTimeNoPatternNoAdjustment(t *testing.T) {
	s := NewScheduler(NewMemoryStore()).WithClock(tuesday10am)
	pol := policy.ForReason(policy.ReasonInsufficientFunds) // smart timing on

	next := s.NextRetryTime(context.Background(), pol, "new@example.com", 0)
	require.NotNil(t, next)
	assert.Equal(t, tuesday10am().Add(24*time.Hour), *next)
}

func TestNextRetryTimeAppliesPattern(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.UpsertPattern(context.Background(), &CustomerPaymentPattern{
		CustomerEmail:   "c@example.com",
		SuccessfulHours: []int{15},
	}))
	s := NewScheduler(store).WithClock(tuesday10am)
	pol := policy.ForReason(policy.ReasonInsufficientFunds)

	// Base lands Wednesday 10:00; the hour snaps to 15:00.
	next := s.NextRetryTime(context.Background(), pol, "c@example.com", 0)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC), *next)
}

func TestSmartAdjustmentPreferredDayForwardOnly(t *testing.T) {
	base := time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC) // Wednesday the 11th

	// Preferred day later in the month moves the retry forward.
	adjusted := ComputeSmartAdjustment(base, &CustomerPaymentPattern{PreferredPaymentDay: 20})
	assert.Equal(t, time.Date(2026, 3, 20, 10, 0, 0, 0, time.UTC), adjusted)

	// Preferred day already past must not move the retry backward.
	adjusted = ComputeSmartAdjustment(base, &CustomerPaymentPattern{PreferredPaymentDay: 5})
	assert.Equal(t, base, adjusted)
}

func TestSmartAdjustmentPreferredDayOutOfRangeIgnored(t *testing.T) {
	base := time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, base, ComputeSmartAdjustment(base, &CustomerPaymentPattern{PreferredPaymentDay: 0}))
	assert.Equal(t, base, ComputeSmartAdjustment(base, &CustomerPaymentPattern{PreferredPaymentDay: 29}))
}

func TestSmartAdjustmentClosestHour(t *testing.T) {
	base := time.Date(2026, 3, 11, 10, 30, 0, 0, time.UTC)

	adjusted := ComputeSmartAdjustment(base, &CustomerPaymentPattern{SuccessfulHours: []int{3, 9, 22}})

	// 9 is closer to 10 than 3 or 22; minutes and seconds are zeroed. This
	// is the one rule allowed to move the time earlier, within the day.
	assert.Equal(t, time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC), adjusted)
}

func TestSmartAdjustmentWeekendToMonday(t *testing.T) {
	saturday := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	adjusted := ComputeSmartAdjustment(saturday, &CustomerPaymentPattern{})
	assert.Equal(t, time.Monday, adjusted.Weekday())
	assert.Equal(t, 16, adjusted.Day())

	sunday := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	adjusted = ComputeSmartAdjustment(sunday, &CustomerPaymentPattern{})
	assert.Equal(t, time.Monday, adjusted.Weekday())
	assert.Equal(t, 16, adjusted.Day())
}

func TestSmartAdjustmentCombined(t *testing.T) {
	// Wednesday the 11th, preferred day 14 (a Saturday), successful hour 8:
	// day shift → Sat 14th 10:00, hour snap → Sat 14th 08:00, weekend
	// push → Mon 16th 08:00.
	base := time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)
	adjusted := ComputeSmartAdjustment(base, &CustomerPaymentPattern{
		PreferredPaymentDay: 14,
		SuccessfulHours:     []int{8},
	})
	assert.Equal(t, time.Date(2026, 3, 16, 8, 0, 0, 0, time.UTC), adjusted)
}
