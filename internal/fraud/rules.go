package fraud

import (
	"context"
	"time"
)

// DefaultCardTestingWindow is the lookback for the card-testing detector.
const DefaultCardTestingWindow = 30 * time.Minute

// Evaluator applies configured security rules to collected signals.
type Evaluator struct {
	rules             []Rule
	store             Store
	cardTestingWindow time.Duration
	now               func() time.Time
}

// NewEvaluator creates a rule evaluator over the given rule set.
func NewEvaluator(rules []Rule, store Store) *Evaluator {
	return &Evaluator{
		rules:             rules,
		store:             store,
		cardTestingWindow: DefaultCardTestingWindow,
		now:               time.Now,
	}
}

// WithCardTestingWindow overrides the card-testing lookback.
func (e *Evaluator) WithCardTestingWindow(w time.Duration) *Evaluator {
	e.cardTestingWindow = w
	return e
}

// WithClock overrides the evaluator's clock (for tests).
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Evaluate runs every active rule against the signals and aggregate score.
// All triggered rules are recorded for audit; the most severe action wins:
// any block forces a block, otherwise any challenge recommends a challenge.
func (e *Evaluator) Evaluate(ctx context.Context, signals []Signal, score float64, req *Request) *ValidationResult {
	result := &ValidationResult{
		IsValid:          true,
		FraudScore:       score,
		TriggeredActions: []TriggeredAction{},
		Recommendation:   RecommendAllow,
	}

	for _, rule := range e.rules {
		if !rule.Active {
			continue
		}
		if !e.triggered(ctx, rule, signals, score, req) {
			continue
		}

		result.TriggeredActions = append(result.TriggeredActions, TriggeredAction{
			Rule:     rule.Name,
			Action:   rule.Action,
			Severity: rule.Severity,
		})

		switch rule.Action {
		case ActionBlock:
			result.IsValid = false
			result.Recommendation = RecommendBlock
		case ActionChallenge:
			if result.Recommendation != RecommendBlock {
				result.Recommendation = RecommendChallenge
			}
		}
	}

	return result
}

// triggered dispatches to the comparator for the rule's threat type.
func (e *Evaluator) triggered(ctx context.Context, rule Rule, signals []Signal, score float64, req *Request) bool {
	switch rule.ThreatType {
	case ThreatVelocityAbuse:
		s := findSignal(signals, SignalPaymentVelocity)
		return s != nil && s.Value > rule.Threshold
	case ThreatFraud:
		return score > rule.Threshold
	case ThreatSuspiciousLocation:
		s := findSignal(signals, SignalIPReputation)
		return s != nil && s.Value > rule.Threshold
	case ThreatCardTesting:
		return e.cardTestingTriggered(ctx, rule, req)
	default:
		return false
	}
}

// cardTestingTriggered detects card testing: more than rule.Threshold
// distinct payment-method fingerprints declined from a single IP within
// the configured window. Store errors fail closed.
func (e *Evaluator) cardTestingTriggered(ctx context.Context, rule Rule, req *Request) bool {
	if req == nil || req.IPAddress == "" {
		return false
	}
	since := e.now().Add(-e.cardTestingWindow)
	distinct, err := e.store.CountDistinctDeclinedFingerprints(ctx, req.IPAddress, since)
	if err != nil {
		return true // fail closed: treat an unreadable decline index as a hit
	}
	return float64(distinct) > rule.Threshold
}

func findSignal(signals []Signal, signalType string) *Signal {
	for i := range signals {
		if signals[i].Type == signalType {
			return &signals[i]
		}
	}
	return nil
}
