package dunning

import (
	"context"
	"log/slog"
	"time"
)

// errorBackoff is how long the loop sleeps after a processing panic
// before resuming the regular cadence.
const errorBackoff = time.Minute

// Timer periodically drives pending payment retries.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a retry processing timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the retry loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			if !t.process(ctx) {
				select {
				case <-ctx.Done():
					return
				case <-t.stop:
					return
				case <-time.After(errorBackoff):
				}
			}
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

// process runs one batch. A panic is contained so one poisoned record
// cannot kill the loop; it reports false to trigger the error backoff.
func (t *Timer) process(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("retry processing panicked", "panic", r)
			ok = false
		}
	}()

	t.service.ProcessPendingRetries(ctx)
	return true
}
