// Package gateway abstracts the payment processor used for retry attempts.
//
// The dunning retry executor only needs one operation: re-attempt a charge
// and learn, on failure, a classifiable failure code. Implementations wrap
// the real processor (Stripe), a circuit breaker, and a timeout so a
// wedged processor degrades into ordinary processing_error failures.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/mstill/payshield/internal/metrics"
)

// ChargeRequest describes one charge attempt.
type ChargeRequest struct {
	CustomerID      string
	PaymentMethodID string
	AmountCents     int64
	Currency        string
	IdempotencyKey  string
	Description     string
}

// ChargeResult is a successful charge.
type ChargeResult struct {
	GatewayRef string // processor-side charge/intent reference
	Status     string
}

// Error is a classified charge failure. Code feeds the retry policy
// registry; codes it does not recognize fall back to the card_declined
// posture there.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway: charge failed (%s): %s", e.Code, e.Message)
}

// Common failure codes produced by implementations.
const (
	CodeProcessingError = "processing_error"
	CodeNetworkError    = "network_error"
)

// Gateway executes charges against the payment processor.
type Gateway interface {
	CreateCharge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error)
}

// WithTimeout wraps a Gateway so every charge is bounded by d. A timed-out
// attempt surfaces as a processing_error failure and re-enters the normal
// retry machinery.
func WithTimeout(g Gateway, d time.Duration) Gateway {
	return &timeoutGateway{inner: g, timeout: d}
}

type timeoutGateway struct {
	inner   Gateway
	timeout time.Duration
}

func (g *timeoutGateway) CreateCharge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	result, err := g.inner.CreateCharge(ctx, req)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			metrics.GatewayChargeDuration.WithLabelValues("timeout").Observe(elapsed)
			return nil, &Error{Code: CodeProcessingError, Message: "gateway timeout"}
		}
		metrics.GatewayChargeDuration.WithLabelValues("failure").Observe(elapsed)
		return nil, err
	}
	metrics.GatewayChargeDuration.WithLabelValues("success").Observe(elapsed)
	return result, nil
}
