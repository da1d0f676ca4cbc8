package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: charges flow through
	StateOpen                  // Tripped: charges are rejected
	StateHalfOpen              // Probing: one charge allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "payshield",
	Subsystem: "gateway",
	Name:      "breaker_transitions_total",
	Help:      "Gateway circuit breaker state transitions by from-state and to-state.",
}, []string{"from_state", "to_state"})

func init() {
	prometheus.MustRegister(breakerTransitions)
}

// Breaker is a circuit breaker over the payment processor. It trips open
// after threshold consecutive failures and stays open for openDuration
// before allowing one probe charge.
type Breaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	lastFailure  time.Time
	threshold    int
	openDuration time.Duration
}

// NewBreaker creates a gateway circuit breaker.
func NewBreaker(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{threshold: threshold, openDuration: openDuration}
}

// Allow reports whether a charge should be attempted. An open circuit
// transitions to half-open once openDuration has elapsed, admitting one
// probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastFailure) >= b.openDuration {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false // probe in flight
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
	b.failures = 0
}

// RecordFailure counts a failure, tripping the circuit at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	if b.state == StateHalfOpen {
		b.transition(StateOpen)
		return
	}
	if b.state == StateClosed && b.failures >= b.threshold {
		b.transition(StateOpen)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition changes state. Caller must hold b.mu.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	breakerTransitions.WithLabelValues(b.state.String(), to.String()).Inc()
	b.state = to
}

// WithBreaker wraps a Gateway with a circuit breaker. While the circuit is
// open, charges fail fast as network_error without touching the processor.
func WithBreaker(g Gateway, b *Breaker) Gateway {
	return &breakerGateway{inner: g, breaker: b}
}

type breakerGateway struct {
	inner   Gateway
	breaker *Breaker
}

func (g *breakerGateway) CreateCharge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	if !g.breaker.Allow() {
		return nil, &Error{Code: CodeNetworkError, Message: "payment processor circuit open"}
	}
	result, err := g.inner.CreateCharge(ctx, req)
	if err != nil {
		if isProcessorFault(err) {
			g.breaker.RecordFailure()
		} else {
			// A decline is the processor answering, not the processor
			// failing: it proves the connection is healthy.
			g.breaker.RecordSuccess()
		}
		return nil, err
	}
	g.breaker.RecordSuccess()
	return result, nil
}

// isProcessorFault reports whether a charge error indicates processor
// trouble (timeouts, network faults, internal errors) as opposed to an
// ordinary card decline. Only faults count toward tripping the circuit.
func isProcessorFault(err error) bool {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Code == CodeProcessingError || gerr.Code == CodeNetworkError
	}
	// Unclassified errors are transport-level faults.
	return true
}
