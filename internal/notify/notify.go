// Package notify dispatches customer notifications asynchronously.
//
// Delivery is decoupled from the retry transaction boundary: callers
// enqueue and move on, a worker drains the queue, and delivery failures
// are logged and counted but never propagated.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	notifyEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payshield",
		Subsystem: "notify",
		Name:      "enqueued_total",
		Help:      "Total notifications enqueued by template.",
	}, []string{"template"})

	notifyDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payshield",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Total notifications dropped because the queue was full.",
	}, []string{"template"})

	notifyDeliveryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payshield",
		Subsystem: "notify",
		Name:      "delivery_errors_total",
		Help:      "Total notification delivery failures by template.",
	}, []string{"template"})
)

func init() {
	prometheus.MustRegister(notifyEnqueuedTotal, notifyDroppedTotal, notifyDeliveryErrors)
}

// Notification is one queued customer message.
type Notification struct {
	CustomerEmail string
	Template      string
	Data          map[string]any
	EnqueuedAt    time.Time
}

// Sender delivers a notification to the outside world (email, SMS, push).
type Sender interface {
	Deliver(ctx context.Context, n *Notification) error
}

// LogSender logs notifications instead of delivering them. Used in
// development and as the default when no delivery channel is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) Deliver(ctx context.Context, n *Notification) error {
	s.Logger.Info("notification",
		"customer_email", n.CustomerEmail,
		"template", n.Template,
		"data", n.Data)
	return nil
}

// Dispatcher queues notifications and delivers them on a background
// worker. Enqueueing never blocks: a full queue drops the notification
// and counts it.
type Dispatcher struct {
	sender  Sender
	logger  *slog.Logger
	queue   chan *Notification
	timeout time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewDispatcher creates a notification dispatcher with the given queue
// capacity. Call Start to begin delivery.
func NewDispatcher(sender Sender, logger *slog.Logger, capacity int) *Dispatcher {
	if capacity <= 0 {
		capacity = 256
	}
	return &Dispatcher{
		sender:  sender,
		logger:  logger,
		queue:   make(chan *Notification, capacity),
		timeout: 30 * time.Second,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Send enqueues a notification. Fire-and-forget.
func (d *Dispatcher) Send(customerEmail, template string, data map[string]any) {
	n := &Notification{
		CustomerEmail: customerEmail,
		Template:      template,
		Data:          data,
		EnqueuedAt:    time.Now(),
	}
	select {
	case d.queue <- n:
		notifyEnqueuedTotal.WithLabelValues(template).Inc()
	default:
		notifyDroppedTotal.WithLabelValues(template).Inc()
		d.logger.Warn("notification queue full, dropping",
			"customer_email", customerEmail, "template", template)
	}
}

// Start begins the delivery worker. Call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case n := <-d.queue:
			d.deliver(n)
		}
	}
}

// Stop signals the worker to stop, waits for it to exit, and delivers
// anything still queued. An accepted notification survives shutdown.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done

	for {
		select {
		case n := <-d.queue:
			d.deliver(n)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(n *Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.sender.Deliver(ctx, n); err != nil {
		notifyDeliveryErrors.WithLabelValues(n.Template).Inc()
		d.logger.Warn("notification delivery failed",
			"customer_email", n.CustomerEmail,
			"template", n.Template,
			"error", err)
	}
}
