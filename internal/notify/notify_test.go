package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	mu        sync.Mutex
	delivered []*Notification
	err       error
}

func (s *captureSender) Deliver(ctx context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, n)
	return s.err
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestDispatcherDelivers(t *testing.T) {
	sender := &captureSender{}
	d := NewDispatcher(sender, testLogger(), 10)

	go d.Start(context.Background())
	defer d.Stop()

	d.Send("c@example.com", "payment_failed", map[string]any{"reason": "card_declined"})

	require.Eventually(t, func() bool { return sender.count() == 1 },
		time.Second, 5*time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, "c@example.com", sender.delivered[0].CustomerEmail)
	assert.Equal(t, "payment_failed", sender.delivered[0].Template)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sender := &captureSender{}
	d := NewDispatcher(sender, testLogger(), 1)
	// Worker not started: the queue fills and overflow is dropped, but
	// Send never blocks.
	d.Send("a@example.com", "payment_failed", nil)
	done := make(chan struct{})
	go func() {
		d.Send("b@example.com", "payment_failed", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full queue")
	}
}

func TestDispatcherSurvivesDeliveryErrors(t *testing.T) {
	sender := &captureSender{err: errors.New("smtp down")}
	d := NewDispatcher(sender, testLogger(), 10)

	go d.Start(context.Background())
	defer d.Stop()

	d.Send("a@example.com", "payment_failed", nil)
	d.Send("b@example.com", "payment_recovered", nil)

	require.Eventually(t, func() bool { return sender.count() == 2 },
		time.Second, 5*time.Millisecond)
}

func TestDispatcherStops(t *testing.T) {
	d := NewDispatcher(&captureSender{}, testLogger(), 10)
	go d.Start(context.Background())

	d.Stop() // must not hang
}

func TestStopDrainsQueuedNotifications(t *testing.T) {
	sender := &captureSender{}
	d := NewDispatcher(sender, testLogger(), 10)

	for i := 0; i < 5; i++ {
		d.Send("c@example.com", "payment_failed", nil)
	}

	// The worker exits immediately on the already-canceled context, before
	// it can deliver anything from its loop.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	go d.Start(ctx)

	d.Stop()
	assert.Equal(t, 5, sender.count())
}
