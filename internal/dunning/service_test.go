package dunning

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mstill/payshield/internal/gateway"
	"github.com/mstill/payshield/internal/policy"
)

// scriptedGateway returns queued outcomes in order; nil means success.
type scriptedGateway struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (g *scriptedGateway) CreateCharge(ctx context.Context, req *gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var err error
	if g.calls < len(g.results) {
		err = g.results[g.calls]
	}
	g.calls++
	if err != nil {
		return nil, err
	}
	return &gateway.ChargeResult{GatewayRef: "pi_retry", Status: "succeeded"}, nil
}

// recordingNotifier captures dispatched notifications.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []string // email + ":" + template
}

func (n *recordingNotifier) Send(customerEmail, template string, data map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, customerEmail+":"+template)
}

func (n *recordingNotifier) templates() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

func newTestService(t *testing.T, gw gateway.Gateway) (*Service, *MemoryStore, *recordingNotifier) {
	t.Helper()
	store := NewMemoryStore()
	clock := tuesday10am
	scheduler := NewScheduler(store).WithClock(clock)
	notifier := &recordingNotifier{}
	svc := NewService(store, gw, scheduler, notifier, nil).
		WithClock(clock).
		WithBatch(50, 0)
	return svc, store, notifier
}

func insufficientFundsEvent() *FailureEvent {
	return &FailureEvent{
		Code:          "insufficient_funds",
		Message:       "Your card has insufficient funds.",
		CustomerID:    "cus_1",
		CustomerEmail: "c@example.com",
		AmountCents:   2999,
		Currency:      "usd",
	}
}

func TestHandleFailedChargeSchedulesRetry(t *testing.T) {
	svc, store, notifier := newTestService(t, &scriptedGateway{})
	ctx := context.Background()

	outcome, err := svc.HandleFailedCharge(ctx, "pi_123", insufficientFundsEvent())
	require.NoError(t, err)

	assert.Equal(t, policy.StrategySmartRetry, outcome.Strategy)
	require.NotNil(t, outcome.NextRetryAt)
	assert.Equal(t, tuesday10am().Add(24*time.Hour), *outcome.NextRetryAt)

	fp, err := store.GetFailedPayment(ctx, outcome.FailedPaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingRetry, fp.Status)
	assert.Equal(t, StageGracePeriod, fp.DunningStage)
	assert.Equal(t, 5, fp.MaxRetries)
	assert.Equal(t, 0, fp.RetryCount)

	assert.Contains(t, notifier.templates(), "c@example.com:"+TemplatePaymentFailed)
}

func TestHandleFailedChargeNoRetryReason(t *testing.T) {
	svc, store, notifier := newTestService(t, &scriptedGateway{})
	ctx := context.Background()

	outcome, err := svc.HandleFailedCharge(ctx, "pi_123", &FailureEvent{
		Code:          "expired_card",
		CustomerEmail: "c@example.com",
		AmountCents:   2999,
		Currency:      "usd",
	})
	require.NoError(t, err)

	assert.Equal(t, policy.StrategyNoRetry, outcome.Strategy)
	assert.Nil(t, outcome.NextRetryAt)

	fp, err := store.GetFailedPayment(ctx, outcome.FailedPaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, fp.Status)
	assert.Nil(t, fp.NextRetryAt)

	// Hard declines notify the customer immediately to update their card.
	assert.Contains(t, notifier.templates(), "c@example.com:"+TemplateUpdatePaymentInfo)

	// The record can never enter retrying.
	result, err := svc.RetryFailedPayment(ctx, fp.ID)
	require.NoError(t, err)
	assert.False(t, result.Success)

	fp, err = store.GetFailedPayment(ctx, fp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, fp.Status)
}

func TestHandleFailedChargeIdempotent(t *testing.T) {
	svc, store, _ := newTestService(t, &scriptedGateway{})
	ctx := context.Background()

	first, err := svc.HandleFailedCharge(ctx, "pi_123", insufficientFundsEvent())
	require.NoError(t, err)

	event := insufficientFundsEvent()
	event.Message = "second webhook delivery"
	second, err := svc.HandleFailedCharge(ctx, "pi_123", event)
	require.NoError(t, err)

	assert.Equal(t, first.FailedPaymentID, second.FailedPaymentID)

	all, err := store.ListFailedPayments(ctx, "", 100)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "second webhook delivery", all[0].FailureMessage)
}

func TestHandleFailedChargeUnknownCodeDefaultsToCardDeclined(t *testing.T) {
	svc, _, _ := newTestService(t, &scriptedGateway{})

	outcome, err := svc.HandleFailedCharge(context.Background(), "pi_123", &FailureEvent{
		Code:          "brand_new_gateway_code",
		CustomerEmail: "c@example.com",
		AmountCents:   2999,
		Currency:      "usd",
	})
	require.NoError(t, err)
	assert.Equal(t, policy.StrategySmartRetry, outcome.Strategy)
	require.NotNil(t, outcome.NextRetryAt)
	assert.Equal(t, tuesday10am().Add(6*time.Hour), *outcome.NextRetryAt)
}

func TestRetrySucceeds(t *testing.T) {
	svc, store, notifier := newTestService(t, &scriptedGateway{})
	ctx := context.Background()

	outcome, err := svc.HandleFailedCharge(ctx, "pi_123", insufficientFundsEvent())
	require.NoError(t, err)

	result, err := svc.RetryFailedPayment(ctx, outcome.FailedPaymentID)
	require.NoError(t, err)
	assert.True(t, result.Success)

	fp, err := store.GetFailedPayment(ctx, outcome.FailedPaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, fp.Status)
	assert.Equal(t, StageNone, fp.DunningStage)
	assert.Nil(t, fp.NextRetryAt)
	assert.Equal(t, 1, fp.RetryCount)

	attempts, err := store.ListAttempts(ctx, fp.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "succeeded", attempts[0].Status)
	assert.Equal(t, 1, attempts[0].AttemptNumber)

	// Pattern learning reinforces the successful hour.
	pattern, err := store.GetPattern(ctx, "c@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, pattern.SuccessCount)
	assert.Contains(t, pattern.SuccessfulHours, tuesday10am().Hour())

	assert.Contains(t, notifier.templates(), "c@example.com:"+TemplatePaymentRecovered)
}

func TestRetryFailureReschedules(t *testing.T) {
	gw := &scriptedGateway{results: []error{&gateway.Error{Code: "insufficient_funds", Message: "still broke"}}}
	svc, store, _ := newTestService(t, gw)
	ctx := context.Background()

	outcome, err := svc.HandleFailedCharge(ctx, "pi_123", insufficientFundsEvent())
	require.NoError(t, err)

	result, err := svc.RetryFailedPayment(ctx, outcome.FailedPaymentID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.NotNil(t, result.NextRetryAt)
	assert.Equal(t, tuesday10am().Add(72*time.Hour), *result.NextRetryAt)

	fp, err := store.GetFailedPayment(ctx, outcome.FailedPaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingRetry, fp.Status)
	assert.Equal(t, 1, fp.RetryCount)
	require.NotNil(t, fp.NextRetryAt)

	pattern, err := store.GetPattern(ctx, "c@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, pattern.FailureCount)
}

func TestRetryEscalatesDunningStage(t *testing.T) {
	// card_declined escalates after 2 attempts.
	gw := &scriptedGateway{results: []error{
		&gateway.Error{Code: "card_declined", Message: "declined"},
		&gateway.Error{Code: "card_declined", Message: "declined"},
	}}
	svc, store, notifier := newTestService(t, gw)
	ctx := context.Background()

	outcome, err := svc.HandleFailedCharge(ctx, "pi_123", &FailureEvent{
		Code:          "card_declined",
		CustomerEmail: "c@example.com",
		AmountCents:   2999,
		Currency:      "usd",
	})
	require.NoError(t, err)

	_, err = svc.RetryFailedPayment(ctx, outcome.FailedPaymentID)
	require.NoError(t, err)
	fp, _ := store.GetFailedPayment(ctx, outcome.FailedPaymentID)
	assert.Equal(t, StageGracePeriod, fp.DunningStage, "first failure stays in grace period")

	_, err = svc.RetryFailedPayment(ctx, outcome.FailedPaymentID)
	require.NoError(t, err)
	fp, _ = store.GetFailedPayment(ctx, outcome.FailedPaymentID)
	assert.Equal(t, StageSoftDecline, fp.DunningStage, "second failure escalates")

	assert.Contains(t, notifier.templates(), "c@example.com:"+TemplateDunningEscalation)
}

func TestRetryExhaustionAbandons(t *testing.T) {
	// network_error: 3 attempts, 3 intervals. Fail all three, then the
	// schedule is exhausted and retryCount == maxRetries.
	gw := &scriptedGateway{results: []error{
		&gateway.Error{Code: gateway.CodeNetworkError, Message: "down"},
		&gateway.Error{Code: gateway.CodeNetworkError, Message: "down"},
		&gateway.Error{Code: gateway.CodeNetworkError, Message: "down"},
	}}
	svc, store, _ := newTestService(t, gw)
	ctx := context.Background()

	outcome, err := svc.HandleFailedCharge(ctx, "pi_123", &FailureEvent{
		Code:          "network_error",
		CustomerEmail: "c@example.com",
		AmountCents:   2999,
		Currency:      "usd",
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = svc.RetryFailedPayment(ctx, outcome.FailedPaymentID)
		require.NoError(t, err)
	}

	fp, err := store.GetFailedPayment(ctx, outcome.FailedPaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, fp.Status)
	assert.Equal(t, StageSuspended, fp.DunningStage)
	assert.Nil(t, fp.NextRetryAt)
	assert.Equal(t, 3, fp.RetryCount)
	assert.LessOrEqual(t, fp.RetryCount, fp.MaxRetries)

	// Further retries stay rejected.
	result, err := svc.RetryFailedPayment(ctx, fp.ID)
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestRetryClaimIsExclusive(t *testing.T) {
	svc, store, _ := newTestService(t, &scriptedGateway{})
	ctx := context.Background()

	outcome, err := svc.HandleFailedCharge(ctx, "pi_123", insufficientFundsEvent())
	require.NoError(t, err)

	// Simulate a concurrent claimer holding the record.
	_, err = store.ClaimForRetry(ctx, outcome.FailedPaymentID)
	require.NoError(t, err)

	result, err := svc.RetryFailedPayment(ctx, outcome.FailedPaymentID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "not eligible")
}

func TestProcessPendingRetriesSelectsDueOnly(t *testing.T) {
	svc, store, _ := newTestService(t, &scriptedGateway{})
	ctx := context.Background()

	due, err := svc.HandleFailedCharge(ctx, "pi_due", insufficientFundsEvent())
	require.NoError(t, err)

	notDueEvent := insufficientFundsEvent()
	notDueEvent.CustomerEmail = "other@example.com"
	notDue, err := svc.HandleFailedCharge(ctx, "pi_not_due", notDueEvent)
	require.NoError(t, err)

	// Make the first record due by moving its next retry into the past.
	fp, err := store.GetFailedPayment(ctx, due.FailedPaymentID)
	require.NoError(t, err)
	past := tuesday10am().Add(-time.Minute)
	fp.NextRetryAt = &past
	require.NoError(t, store.UpdateFailedPayment(ctx, fp))

	results := svc.ProcessPendingRetries(ctx)

	require.Len(t, results, 1)
	assert.Equal(t, due.FailedPaymentID, results[0].FailedPaymentID)
	assert.True(t, results[0].Result.Success)

	// The not-yet-due record is untouched.
	fp, err = store.GetFailedPayment(ctx, notDue.FailedPaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingRetry, fp.Status)
	assert.Equal(t, 0, fp.RetryCount)
}

func TestProcessPendingRetriesHonorsBatchSize(t *testing.T) {
	svc, store, _ := newTestService(t, &scriptedGateway{})
	svc.WithBatch(2, 0)
	ctx := context.Background()

	past := tuesday10am().Add(-time.Minute)
	for _, ref := range []string{"pi_1", "pi_2", "pi_3"} {
		event := insufficientFundsEvent()
		outcome, err := svc.HandleFailedCharge(ctx, ref, event)
		require.NoError(t, err)
		fp, err := store.GetFailedPayment(ctx, outcome.FailedPaymentID)
		require.NoError(t, err)
		fp.NextRetryAt = &past
		require.NoError(t, store.UpdateFailedPayment(ctx, fp))
	}

	results := svc.ProcessPendingRetries(ctx)
	assert.Len(t, results, 2)
}

func TestRetryCountNeverExceedsMaxRetries(t *testing.T) {
	failures := make([]error, 10)
	for i := range failures {
		failures[i] = &gateway.Error{Code: "card_declined", Message: "declined"}
	}
	svc, store, _ := newTestService(t, &scriptedGateway{results: failures})
	ctx := context.Background()

	outcome, err := svc.HandleFailedCharge(ctx, "pi_123", &FailureEvent{
		Code:          "card_declined",
		CustomerEmail: "c@example.com",
		AmountCents:   2999,
		Currency:      "usd",
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err = svc.RetryFailedPayment(ctx, outcome.FailedPaymentID)
		require.NoError(t, err)
	}

	fp, err := store.GetFailedPayment(ctx, outcome.FailedPaymentID)
	require.NoError(t, err)
	assert.LessOrEqual(t, fp.RetryCount, fp.MaxRetries)
	assert.Equal(t, StatusAbandoned, fp.Status)
}

func TestServiceOperationsEmitSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	svc, _, _ := newTestService(t, &scriptedGateway{})
	ctx := context.Background()

	outcome, err := svc.HandleFailedCharge(ctx, "pi_123", insufficientFundsEvent())
	require.NoError(t, err)
	_, err = svc.RetryFailedPayment(ctx, outcome.FailedPaymentID)
	require.NoError(t, err)

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	assert.Contains(t, names, "dunning.HandleFailedCharge")
	assert.Contains(t, names, "dunning.RetryFailedPayment")
}

// recordingPublisher captures lifecycle events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(eventType string, data map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func TestLifecycleEventsPublished(t *testing.T) {
	gw := &scriptedGateway{results: []error{
		&gateway.Error{Code: "card_declined", Message: "declined"},
		nil,
	}}
	svc, _, _ := newTestService(t, gw)
	pub := &recordingPublisher{}
	svc.WithEvents(pub)
	ctx := context.Background()

	outcome, err := svc.HandleFailedCharge(ctx, "pi_123", insufficientFundsEvent())
	require.NoError(t, err)
	assert.Equal(t, []string{EventPaymentFailed}, pub.types())

	// First retry fails, second recovers the payment.
	_, err = svc.RetryFailedPayment(ctx, outcome.FailedPaymentID)
	require.NoError(t, err)
	assert.Contains(t, pub.types(), EventRetryFailed)

	_, err = svc.RetryFailedPayment(ctx, outcome.FailedPaymentID)
	require.NoError(t, err)
	assert.Contains(t, pub.types(), EventRetrySucceeded)
}

func TestAbandonmentEventPublished(t *testing.T) {
	gw := &scriptedGateway{results: []error{
		&gateway.Error{Code: "network_error", Message: "timeout"},
		&gateway.Error{Code: "network_error", Message: "timeout"},
		&gateway.Error{Code: "network_error", Message: "timeout"},
	}}
	svc, _, _ := newTestService(t, gw)
	pub := &recordingPublisher{}
	svc.WithEvents(pub)
	ctx := context.Background()

	outcome, err := svc.HandleFailedCharge(ctx, "pi_123", &FailureEvent{
		Code:          "network_error",
		CustomerEmail: "c@example.com",
		AmountCents:   2999,
		Currency:      "usd",
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = svc.RetryFailedPayment(ctx, outcome.FailedPaymentID)
		require.NoError(t, err)
	}

	assert.Contains(t, pub.types(), EventPaymentAbandoned)
	assert.Contains(t, pub.types(), EventDunningAdvanced)
}
