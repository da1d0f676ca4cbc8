// Package fraud implements multi-signal fraud scoring for payment actions.
//
// Every payment-related request is evaluated against weighted risk signals:
// payment velocity, IP reputation, device fingerprint, and time-of-day
// pattern. Signals above their thresholds feed an aggregate score in
// [0.0, 1.0]; configured security rules turn signals and score into an
// allow / challenge / block recommendation.
package fraud

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEventNotFound = errors.New("fraud: security event not found")
)

// Recommendation is the engine's verdict on a payment action.
type Recommendation string

const (
	RecommendAllow     Recommendation = "allow"
	RecommendChallenge Recommendation = "challenge"
	RecommendBlock     Recommendation = "block"
)

// Action is what a triggered rule asks for.
type Action string

const (
	ActionBlock     Action = "block"
	ActionChallenge Action = "challenge"
	ActionMonitor   Action = "monitor"
)

// ThreatType categorizes what a security rule detects.
type ThreatType string

const (
	ThreatFraud              ThreatType = "fraud"
	ThreatVelocityAbuse      ThreatType = "velocity_abuse"
	ThreatCardTesting        ThreatType = "card_testing"
	ThreatSuspiciousLocation ThreatType = "suspicious_location"
	ThreatBruteForce         ThreatType = "brute_force"
)

// Severity grades rules and security events.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Signal is one measured risk indicator. A signal only contributes to the
// aggregate score when Value exceeds Threshold; Weight is its share of the
// weighted average.
type Signal struct {
	Type        string  `json:"type"`
	Value       float64 `json:"value"`
	Threshold   float64 `json:"threshold"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description,omitempty"`
}

// Signal types produced by the Collector.
const (
	SignalPaymentVelocity = "payment_velocity"
	SignalIPReputation    = "ip_reputation"
	SignalDeviceRisk      = "device_risk"
	SignalTimePattern     = "time_pattern"
)

// Rule is a configured security rule. Rules are static configuration loaded
// once at startup; Threshold is interpreted per threat type (a count for
// velocity and card testing, a score for fraud and location).
type Rule struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	ThreatType ThreatType `json:"threatType"`
	Condition  string     `json:"condition"`
	Threshold  float64    `json:"threshold"`
	Action     Action     `json:"action"`
	Severity   Severity   `json:"severity"`
	Active     bool       `json:"active"`
}

// DefaultRules returns the built-in security rule set.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:         "velocity_check",
			Name:       "Payment Velocity Check",
			ThreatType: ThreatVelocityAbuse,
			Condition:  "payments_per_hour > 5",
			Threshold:  5.0,
			Action:     ActionChallenge,
			Severity:   SeverityMedium,
			Active:     true,
		},
		{
			ID:         "card_testing",
			Name:       "Card Testing Detection",
			ThreatType: ThreatCardTesting,
			Condition:  "distinct_declined_fingerprints_per_ip > 3",
			Threshold:  3.0,
			Action:     ActionBlock,
			Severity:   SeverityHigh,
			Active:     true,
		},
		{
			ID:         "suspicious_location",
			Name:       "Suspicious Location Check",
			ThreatType: ThreatSuspiciousLocation,
			Condition:  "location_risk_score > 0.7",
			Threshold:  0.7,
			Action:     ActionChallenge,
			Severity:   SeverityMedium,
			Active:     true,
		},
		{
			ID:         "fraud_score",
			Name:       "Overall Fraud Score",
			ThreatType: ThreatFraud,
			Condition:  "fraud_score > 0.8",
			Threshold:  0.8,
			Action:     ActionBlock,
			Severity:   SeverityCritical,
			Active:     true,
		},
	}
}

// TriggeredAction records one rule that fired during evaluation. All
// triggered rules are kept for audit even though only the most severe
// action decides the recommendation.
type TriggeredAction struct {
	Rule     string   `json:"rule"`
	Action   Action   `json:"action"`
	Severity Severity `json:"severity"`
}

// ValidationResult is the outcome of validating one payment action.
type ValidationResult struct {
	IsValid          bool              `json:"isValid"`
	FraudScore       float64           `json:"fraudScore"`
	TriggeredActions []TriggeredAction `json:"triggeredActions"`
	Recommendation   Recommendation    `json:"recommendation"`
}

// Request carries the per-call context the collector and rule engine need.
type Request struct {
	CustomerID               string
	CustomerEmail            string
	IPAddress                string
	DeviceFingerprint        string
	PaymentMethodFingerprint string
	AmountCents              int64
	Currency                 string
	ActionType               string // e.g. "payment_validation"
}

// Attempt is a recorded payment attempt, the raw material for velocity
// and card-testing analysis.
type Attempt struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customerId"`
	IPAddress   string    `json:"ipAddress,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Decline is a recorded gateway decline, fed back from failure handling.
type Decline struct {
	ID          string    `json:"id"`
	IPAddress   string    `json:"ipAddress,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SecurityEvent is an audit record of a validation decision or denial.
type SecurityEvent struct {
	ID          string         `json:"id"`
	EventType   string         `json:"eventType"`
	ThreatType  ThreatType     `json:"threatType,omitempty"`
	Severity    Severity       `json:"severity"`
	CustomerID  string         `json:"customerId,omitempty"`
	IPAddress   string         `json:"ipAddress,omitempty"`
	FraudScore  float64        `json:"fraudScore"`
	ActionTaken string         `json:"actionTaken,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Store persists signals, attempts, declines, and security events.
type Store interface {
	RecordAttempt(ctx context.Context, a *Attempt) error
	CountAttempts(ctx context.Context, customerID string, since time.Time) (int, error)
	RecordSignals(ctx context.Context, customerID string, signals []Signal) error
	RecordDecline(ctx context.Context, d *Decline) error
	CountDistinctDeclinedFingerprints(ctx context.Context, ipAddress string, since time.Time) (int, error)
	RecordEvent(ctx context.Context, e *SecurityEvent) error
	ListEvents(ctx context.Context, limit int) ([]*SecurityEvent, error)
}
