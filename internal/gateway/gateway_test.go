package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway scripts charge outcomes for tests.
type fakeGateway struct {
	results []error // nil = success
	calls   int
	delay   time.Duration
}

func (f *fakeGateway) CreateCharge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	var err error
	if f.calls < len(f.results) {
		err = f.results[f.calls]
	}
	f.calls++
	if err != nil {
		return nil, err
	}
	return &ChargeResult{GatewayRef: "pi_test", Status: "succeeded"}, nil
}

func TestTimeoutGatewaySuccess(t *testing.T) {
	g := WithTimeout(&fakeGateway{}, time.Second)

	result, err := g.CreateCharge(context.Background(), &ChargeRequest{AmountCents: 999, Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, "pi_test", result.GatewayRef)
}

func TestTimeoutGatewayTimesOutAsProcessingError(t *testing.T) {
	g := WithTimeout(&fakeGateway{delay: 200 * time.Millisecond}, 20*time.Millisecond)

	_, err := g.CreateCharge(context.Background(), &ChargeRequest{AmountCents: 999, Currency: "usd"})
	require.Error(t, err)

	var gerr *Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, CodeProcessingError, gerr.Code)
}

func TestTimeoutGatewayPassesThroughFailureCodes(t *testing.T) {
	inner := &fakeGateway{results: []error{&Error{Code: "insufficient_funds", Message: "no funds"}}}
	g := WithTimeout(inner, time.Second)

	_, err := g.CreateCharge(context.Background(), &ChargeRequest{AmountCents: 999, Currency: "usd"})

	var gerr *Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, "insufficient_funds", gerr.Code)
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.False(t, b.Allow())
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)

	b.RecordFailure()
	assert.False(t, b.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.Allow(), "should admit one probe after open duration")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "second request rejected while probing")

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerGatewayFailsFastWhenOpen(t *testing.T) {
	inner := &fakeGateway{results: []error{
		&Error{Code: CodeNetworkError, Message: "down"},
		&Error{Code: CodeNetworkError, Message: "down"},
	}}
	b := NewBreaker(2, time.Minute)
	g := WithBreaker(inner, b)
	ctx := context.Background()

	_, err := g.CreateCharge(ctx, &ChargeRequest{})
	require.Error(t, err)
	_, err = g.CreateCharge(ctx, &ChargeRequest{})
	require.Error(t, err)

	// Circuit open: the inner gateway must not be called again.
	_, err = g.CreateCharge(ctx, &ChargeRequest{})
	require.Error(t, err)
	var gerr *Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, CodeNetworkError, gerr.Code)
	assert.Equal(t, 2, inner.calls)
}

func TestBreakerIgnoresCardDeclines(t *testing.T) {
	declines := make([]error, 10)
	for i := range declines {
		declines[i] = &Error{Code: "card_declined", Message: "declined"}
	}
	inner := &fakeGateway{results: declines}
	b := NewBreaker(3, time.Minute)
	g := WithBreaker(inner, b)
	ctx := context.Background()

	// A burst of ordinary declines is the processor answering, so the
	// circuit stays closed and every call reaches the processor.
	for i := 0; i < 10; i++ {
		_, err := g.CreateCharge(ctx, &ChargeRequest{})
		require.Error(t, err)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 10, inner.calls)
}

func TestBreakerDeclineResetsFailureStreak(t *testing.T) {
	inner := &fakeGateway{results: []error{
		&Error{Code: CodeNetworkError, Message: "down"},
		&Error{Code: CodeNetworkError, Message: "down"},
		&Error{Code: "insufficient_funds", Message: "no funds"},
		&Error{Code: CodeNetworkError, Message: "down"},
	}}
	b := NewBreaker(3, time.Minute)
	g := WithBreaker(inner, b)
	ctx := context.Background()

	// Two faults, then a decline proving the processor is reachable,
	// then one more fault: never three consecutive faults.
	for i := 0; i < 4; i++ {
		_, err := g.CreateCharge(ctx, &ChargeRequest{})
		require.Error(t, err)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 4, inner.calls)
}

func TestErrorString(t *testing.T) {
	err := &Error{Code: "expired_card", Message: "card expired"}
	assert.Contains(t, err.Error(), "expired_card")
}
