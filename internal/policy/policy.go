// Package policy defines the retry policy registry: an immutable in-code
// mapping from payment failure reason to retry strategy, attempt budget,
// interval schedule, and escalation pace.
package policy

import "time"

// FailureReason classifies why a charge failed. It is a closed set: gateway
// failure codes are mapped into it via MapFailureCode.
type FailureReason string

const (
	ReasonInsufficientFunds      FailureReason = "insufficient_funds"
	ReasonCardDeclined           FailureReason = "card_declined"
	ReasonExpiredCard            FailureReason = "expired_card"
	ReasonIncorrectCVC           FailureReason = "incorrect_cvc"
	ReasonProcessingError        FailureReason = "processing_error"
	ReasonNetworkError           FailureReason = "network_error"
	ReasonAuthenticationRequired FailureReason = "authentication_required"
	ReasonCardNotSupported       FailureReason = "card_not_supported"
	ReasonCurrencyNotSupported   FailureReason = "currency_not_supported"
	ReasonDuplicateTransaction   FailureReason = "duplicate_transaction"
	ReasonRiskAssessment         FailureReason = "risk_assessment"
	ReasonVelocityLimit          FailureReason = "velocity_limit"
)

// Strategy selects how retry times are computed.
type Strategy string

const (
	StrategyImmediate          Strategy = "immediate"
	StrategyExponentialBackoff Strategy = "exponential_backoff"
	StrategyScheduled          Strategy = "scheduled"
	StrategySmartRetry         Strategy = "smart_retry"
	StrategyNoRetry            Strategy = "no_retry"
)

// RetryPolicy is the retry posture for one failure reason.
type RetryPolicy struct {
	Reason         FailureReason
	Strategy       Strategy
	MaxAttempts    int
	RetryIntervals []float64 // hours between attempts, indexed by retry count
	SmartTiming    bool
	NotifyCustomer bool
	EscalateAfter  int // attempts before the dunning stage advances
}

// Retryable reports whether the policy permits any retry at all.
func (p RetryPolicy) Retryable() bool {
	return p.Strategy != StrategyNoRetry && p.MaxAttempts > 0
}

// Interval returns the delay before attempt retryCount (0-based), or false
// when the schedule is exhausted.
func (p RetryPolicy) Interval(retryCount int) (time.Duration, bool) {
	if retryCount < 0 || retryCount >= len(p.RetryIntervals) {
		return 0, false
	}
	return time.Duration(p.RetryIntervals[retryCount] * float64(time.Hour)), true
}

// policies is the registry. Hard declines (expired card, bad CVC) never
// retry; soft declines get patient smart-retry schedules; transient
// gateway problems back off quickly and quietly.
var policies = map[FailureReason]RetryPolicy{
	ReasonInsufficientFunds: {
		Reason:         ReasonInsufficientFunds,
		Strategy:       StrategySmartRetry,
		MaxAttempts:    5,
		RetryIntervals: []float64{24, 72, 168, 336}, // 1d, 3d, 1w, 2w
		SmartTiming:    true,
		NotifyCustomer: true,
		EscalateAfter:  3,
	},
	ReasonCardDeclined: {
		Reason:         ReasonCardDeclined,
		Strategy:       StrategySmartRetry,
		MaxAttempts:    3,
		RetryIntervals: []float64{6, 24, 72}, // 6h, 1d, 3d
		SmartTiming:    true,
		NotifyCustomer: true,
		EscalateAfter:  2,
	},
	ReasonExpiredCard: {
		Reason:         ReasonExpiredCard,
		Strategy:       StrategyNoRetry,
		MaxAttempts:    0,
		RetryIntervals: nil,
		NotifyCustomer: true,
		EscalateAfter:  1,
	},
	ReasonIncorrectCVC: {
		Reason:         ReasonIncorrectCVC,
		Strategy:       StrategyNoRetry,
		MaxAttempts:    0,
		RetryIntervals: nil,
		NotifyCustomer: true,
		EscalateAfter:  1,
	},
	ReasonProcessingError: {
		Reason:         ReasonProcessingError,
		Strategy:       StrategyExponentialBackoff,
		MaxAttempts:    4,
		RetryIntervals: []float64{1, 4, 12, 24}, // 1h, 4h, 12h, 1d
		NotifyCustomer: false,
		EscalateAfter:  3,
	},
	ReasonAuthenticationRequired: {
		Reason:         ReasonAuthenticationRequired,
		Strategy:       StrategyScheduled,
		MaxAttempts:    2,
		RetryIntervals: []float64{1, 24}, // 1h, 1d
		NotifyCustomer: true,
		EscalateAfter:  1,
	},
	ReasonNetworkError: {
		Reason:         ReasonNetworkError,
		Strategy:       StrategyExponentialBackoff,
		MaxAttempts:    3,
		RetryIntervals: []float64{0.5, 2, 8}, // 30m, 2h, 8h
		NotifyCustomer: false,
		EscalateAfter:  2,
	},
}

// ForReason returns the policy for a failure reason. Reasons without a
// dedicated policy get the card_declined posture: a conservative retryable
// default for declines we cannot classify more precisely.
func ForReason(reason FailureReason) RetryPolicy {
	if p, ok := policies[reason]; ok {
		return p
	}
	return policies[ReasonCardDeclined]
}

// codeMapping translates gateway failure codes to failure reasons.
var codeMapping = map[string]FailureReason{
	"insufficient_funds":      ReasonInsufficientFunds,
	"card_declined":           ReasonCardDeclined,
	"expired_card":            ReasonExpiredCard,
	"incorrect_cvc":           ReasonIncorrectCVC,
	"processing_error":        ReasonProcessingError,
	"authentication_required": ReasonAuthenticationRequired,
	"card_not_supported":      ReasonCardNotSupported,
	"currency_not_supported":  ReasonCurrencyNotSupported,
	"duplicate_transaction":   ReasonDuplicateTransaction,
}

// MapFailureCode maps a gateway failure code to a FailureReason. Unknown
// codes map to card_declined.
func MapFailureCode(code string) FailureReason {
	if reason, ok := codeMapping[code]; ok {
		return reason
	}
	return ReasonCardDeclined
}
