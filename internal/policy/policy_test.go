package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForReasonInsufficientFunds(t *testing.T) {
	p := ForReason(ReasonInsufficientFunds)

	assert.Equal(t, StrategySmartRetry, p.Strategy)
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, []float64{24, 72, 168, 336}, p.RetryIntervals)
	assert.True(t, p.SmartTiming)
	assert.True(t, p.NotifyCustomer)
	assert.Equal(t, 3, p.EscalateAfter)
}

func TestForReasonHardDeclinesNeverRetry(t *testing.T) {
	for _, reason := range []FailureReason{ReasonExpiredCard, ReasonIncorrectCVC} {
		p := ForReason(reason)
		assert.Equal(t, StrategyNoRetry, p.Strategy, string(reason))
		assert.False(t, p.Retryable(), string(reason))
		assert.True(t, p.NotifyCustomer, string(reason))
		assert.Equal(t, 1, p.EscalateAfter, string(reason))
	}
}

func TestForReasonTransientErrorsQuietBackoff(t *testing.T) {
	p := ForReason(ReasonProcessingError)
	assert.Equal(t, StrategyExponentialBackoff, p.Strategy)
	assert.False(t, p.NotifyCustomer)

	p = ForReason(ReasonNetworkError)
	assert.Equal(t, StrategyExponentialBackoff, p.Strategy)
	assert.Equal(t, []float64{0.5, 2, 8}, p.RetryIntervals)
	assert.False(t, p.NotifyCustomer)
}

func TestForReasonUnmappedFallsBackToCardDeclined(t *testing.T) {
	for _, reason := range []FailureReason{
		ReasonCardNotSupported,
		ReasonCurrencyNotSupported,
		ReasonDuplicateTransaction,
		ReasonRiskAssessment,
		ReasonVelocityLimit,
	} {
		p := ForReason(reason)
		assert.Equal(t, StrategySmartRetry, p.Strategy, string(reason))
		assert.Equal(t, 3, p.MaxAttempts, string(reason))
	}
}

func TestInterval(t *testing.T) {
	p := ForReason(ReasonNetworkError)

	d, ok := p.Interval(0)
	require.True(t, ok)
	assert.Equal(t, 30*time.Minute, d)

	d, ok = p.Interval(2)
	require.True(t, ok)
	assert.Equal(t, 8*time.Hour, d)

	_, ok = p.Interval(3)
	assert.False(t, ok)

	_, ok = p.Interval(-1)
	assert.False(t, ok)
}

func TestIntervalScheduleShorterThanMaxAttempts(t *testing.T) {
	// insufficient_funds allows 5 attempts but schedules only 4 intervals;
	// the fifth attempt has no slot and must not be scheduled.
	p := ForReason(ReasonInsufficientFunds)
	_, ok := p.Interval(4)
	assert.False(t, ok)
}

func TestMapFailureCode(t *testing.T) {
	assert.Equal(t, ReasonInsufficientFunds, MapFailureCode("insufficient_funds"))
	assert.Equal(t, ReasonIncorrectCVC, MapFailureCode("incorrect_cvc"))
	assert.Equal(t, ReasonAuthenticationRequired, MapFailureCode("authentication_required"))
	assert.Equal(t, ReasonCardDeclined, MapFailureCode("some_new_gateway_code"))
	assert.Equal(t, ReasonCardDeclined, MapFailureCode(""))
}
