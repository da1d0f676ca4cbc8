package dunning

import (
	"context"
	"time"

	"github.com/mstill/payshield/internal/logging"
	"github.com/mstill/payshield/internal/policy"
)

// Scheduler computes when a failed payment should next be retried.
type Scheduler struct {
	store Store
	now   func() time.Time
}

// NewScheduler creates a retry scheduler over the pattern store.
func NewScheduler(store Store) *Scheduler {
	return &Scheduler{store: store, now: time.Now}
}

// WithClock overrides the scheduler's clock (for tests).
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// NextRetryTime returns the time of attempt retryCount (0-based), or nil
// when the policy's interval schedule is exhausted. Smart-timing policies
// nudge the base time toward the customer's historical payment habits;
// pattern lookup failures simply skip the adjustment.
func (s *Scheduler) NextRetryTime(ctx context.Context, p policy.RetryPolicy, customerEmail string, retryCount int) *time.Time {
	interval, ok := p.Interval(retryCount)
	if !ok {
		return nil
	}
	next := s.now().UTC().Add(interval)

	if p.SmartTiming && customerEmail != "" {
		pattern, err := s.store.GetPattern(ctx, customerEmail)
		if err == nil && pattern != nil {
			next = ComputeSmartAdjustment(next, pattern)
		} else if err != nil && err != ErrNotFound {
			logging.L(ctx).Warn("pattern lookup failed, using base retry time",
				"customer_email", customerEmail, "error", err)
		}
	}

	return &next
}

// ComputeSmartAdjustment nudges base toward the customer's payment habits.
// Three bounded rules, in order:
//
//  1. Shift day-of-month to the preferred payment day (capped at 28), only
//     when that moves the time forward.
//  2. Snap hour-of-day to the closest historically-successful hour. This is
//     the only rule allowed to move the time earlier, and only within the
//     same calendar day.
//  3. Push weekend landings to the following Monday.
//
// Pure function; all pattern reads happen in the caller.
func ComputeSmartAdjustment(base time.Time, pattern *CustomerPaymentPattern) time.Time {
	adjusted := base

	if day := pattern.PreferredPaymentDay; day >= 1 && day <= 28 {
		target := time.Date(adjusted.Year(), adjusted.Month(), day,
			adjusted.Hour(), adjusted.Minute(), adjusted.Second(), 0, adjusted.Location())
		if target.After(adjusted) {
			adjusted = target
		}
	}

	if hours := pattern.SuccessfulHours; len(hours) > 0 {
		closest := closestHour(adjusted.Hour(), hours)
		adjusted = time.Date(adjusted.Year(), adjusted.Month(), adjusted.Day(),
			closest, 0, 0, 0, adjusted.Location())
	}

	switch adjusted.Weekday() {
	case time.Saturday:
		adjusted = adjusted.AddDate(0, 0, 2)
	case time.Sunday:
		adjusted = adjusted.AddDate(0, 0, 1)
	}

	return adjusted
}

func closestHour(current int, hours []int) int {
	closest := hours[0]
	best := abs(closest - current)
	for _, h := range hours[1:] {
		if d := abs(h - current); d < best {
			best = d
			closest = h
		}
	}
	return closest
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
