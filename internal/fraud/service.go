package fraud

import (
	"context"
	"time"

	"github.com/mstill/payshield/internal/idgen"
	"github.com/mstill/payshield/internal/logging"
	"github.com/mstill/payshield/internal/metrics"
	"github.com/mstill/payshield/internal/traces"
)

// BlocklistChecker answers whether an entity is currently blocked.
// Implemented by the blocklist service.
type BlocklistChecker interface {
	IsBlocked(ctx context.Context, entityType, value string) (bool, error)
}

// RateLimiter throttles validation calls per customer. Implemented by the
// ratelimit package.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// EventPublisher streams security events to live subscribers. Implemented
// by the realtime hub.
type EventPublisher interface {
	Publish(eventType string, data map[string]interface{})
}

// EventFraudBlocked is published when a validation resolves to a block.
const EventFraudBlocked = "fraud.blocked"

// Service orchestrates payment validation: blocklist, rate limit, signal
// collection, scoring, and rule evaluation. Any internal failure resolves
// to a block, never an allow.
type Service struct {
	store     Store
	collector *Collector
	evaluator *Evaluator
	blocklist BlocklistChecker
	limiter   RateLimiter
	events    EventPublisher
	now       func() time.Time
}

// NewService creates a fraud validation service. blocklist and limiter may
// be nil, in which case those checks are skipped.
func NewService(store Store, collector *Collector, evaluator *Evaluator, blocklist BlocklistChecker, limiter RateLimiter) *Service {
	return &Service{
		store:     store,
		collector: collector,
		evaluator: evaluator,
		blocklist: blocklist,
		limiter:   limiter,
		now:       time.Now,
	}
}

// WithClock overrides the service clock (for tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithEvents wires a security event publisher.
func (s *Service) WithEvents(events EventPublisher) *Service {
	s.events = events
	return s
}

// blockedResult is the fail-closed verdict returned for any internal error,
// blocklist hit, or rate-limit denial.
func blockedResult(rule string, severity Severity) *ValidationResult {
	return &ValidationResult{
		IsValid:    false,
		FraudScore: 1.0,
		TriggeredActions: []TriggeredAction{
			{Rule: rule, Action: ActionBlock, Severity: severity},
		},
		Recommendation: RecommendBlock,
	}
}

// ValidateRequest evaluates one payment action and returns a verdict.
// It never returns an error to the caller: whatever goes wrong inside,
// the caller gets a block verdict.
func (s *Service) ValidateRequest(ctx context.Context, req *Request) (result *ValidationResult) {
	customerID := ""
	if req != nil {
		customerID = req.CustomerID
	}
	ctx, span := traces.StartSpan(ctx, "fraud.ValidateRequest", traces.CustomerID(customerID))
	defer span.End()

	log := logging.L(ctx)

	defer func() {
		if r := recover(); r != nil {
			log.Error("validation panicked, blocking request", "panic", r)
			result = blockedResult("internal_error", SeverityCritical)
		}
		if result != nil {
			metrics.ValidationsTotal.WithLabelValues(string(result.Recommendation)).Inc()
			metrics.FraudScore.Observe(result.FraudScore)
			if result.Recommendation == RecommendBlock {
				s.publishBlocked(req, result)
			}
		}
	}()

	if req == nil || req.CustomerID == "" {
		return blockedResult("invalid_request", SeverityHigh)
	}

	if blocked, rule := s.checkBlocklist(ctx, req); blocked {
		s.recordEvent(ctx, req, 1.0, rule, SeverityHigh)
		return blockedResult(rule, SeverityHigh)
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, req.CustomerID)
		if err != nil {
			log.Error("rate limit check failed, blocking request",
				"customer_id", req.CustomerID, "error", err)
			metrics.RateLimitDeniedTotal.WithLabelValues("error").Inc()
			return blockedResult("rate_limit_error", SeverityHigh)
		}
		if !allowed {
			metrics.RateLimitDeniedTotal.WithLabelValues("denied").Inc()
			s.recordEvent(ctx, req, 0, "rate_limit_exceeded", SeverityMedium)
			return blockedResult("rate_limit_exceeded", SeverityMedium)
		}
	}

	signals := s.collector.Collect(ctx, req)
	score := Score(signals)
	result = s.evaluator.Evaluate(ctx, signals, score, req)

	s.persist(ctx, req, signals, result)

	if result.Recommendation != RecommendAllow {
		log.Warn("payment action flagged",
			"customer_id", req.CustomerID,
			"fraud_score", result.FraudScore,
			"recommendation", result.Recommendation,
			"triggered", len(result.TriggeredActions))
	}
	return result
}

// checkBlocklist checks IP, email, and payment-method fingerprint against
// the blocklist. Lookup errors fail closed.
func (s *Service) checkBlocklist(ctx context.Context, req *Request) (bool, string) {
	if s.blocklist == nil {
		return false, ""
	}
	checks := []struct {
		entityType string
		value      string
	}{
		{"ip", req.IPAddress},
		{"email", req.CustomerEmail},
		{"fingerprint", req.PaymentMethodFingerprint},
	}
	for _, c := range checks {
		if c.value == "" {
			continue
		}
		blocked, err := s.blocklist.IsBlocked(ctx, c.entityType, c.value)
		if err != nil {
			logging.L(ctx).Error("blocklist lookup failed, blocking request",
				"entity_type", c.entityType, "error", err)
			return true, "blocklist_error"
		}
		if blocked {
			return true, "blocked_" + c.entityType
		}
	}
	return false, ""
}

// persist records the attempt, its signals, and (for non-allow verdicts) a
// security event. Failures here are logged, never surfaced: a verdict has
// already been reached.
func (s *Service) persist(ctx context.Context, req *Request, signals []Signal, result *ValidationResult) {
	log := logging.L(ctx)

	attempt := &Attempt{
		ID:          idgen.WithPrefix("att"),
		CustomerID:  req.CustomerID,
		IPAddress:   req.IPAddress,
		Fingerprint: req.PaymentMethodFingerprint,
		CreatedAt:   s.now(),
	}
	if err := s.store.RecordAttempt(ctx, attempt); err != nil {
		log.Error("failed to record payment attempt", "error", err)
	}
	if err := s.store.RecordSignals(ctx, req.CustomerID, signals); err != nil {
		log.Error("failed to record fraud signals", "error", err)
	}

	if result.Recommendation == RecommendAllow {
		return
	}
	action := "challenge"
	if result.Recommendation == RecommendBlock {
		action = "block"
	}
	severity := SeverityMedium
	for _, t := range result.TriggeredActions {
		if t.Severity == SeverityCritical || t.Severity == SeverityHigh {
			severity = t.Severity
			break
		}
	}
	event := &SecurityEvent{
		ID:          idgen.WithPrefix("evt"),
		EventType:   "payment_validation",
		Severity:    severity,
		CustomerID:  req.CustomerID,
		IPAddress:   req.IPAddress,
		FraudScore:  result.FraudScore,
		ActionTaken: action,
		Data:        map[string]any{"triggered": result.TriggeredActions},
		CreatedAt:   s.now(),
	}
	if err := s.store.RecordEvent(ctx, event); err != nil {
		log.Error("failed to record security event", "error", err)
	}
}

// recordEvent writes an audit event for a denial made before scoring.
func (s *Service) recordEvent(ctx context.Context, req *Request, score float64, reason string, severity Severity) {
	event := &SecurityEvent{
		ID:          idgen.WithPrefix("evt"),
		EventType:   reason,
		Severity:    severity,
		CustomerID:  req.CustomerID,
		IPAddress:   req.IPAddress,
		FraudScore:  score,
		ActionTaken: "block",
		CreatedAt:   s.now(),
	}
	if err := s.store.RecordEvent(ctx, event); err != nil {
		logging.L(ctx).Error("failed to record security event", "error", err)
	}
}

// publishBlocked streams a block verdict to live subscribers.
func (s *Service) publishBlocked(req *Request, result *ValidationResult) {
	if s.events == nil {
		return
	}
	data := map[string]interface{}{
		"fraudScore": result.FraudScore,
	}
	if len(result.TriggeredActions) > 0 {
		data["rule"] = result.TriggeredActions[0].Rule
	}
	if req != nil {
		data["customerId"] = req.CustomerID
		data["customerEmail"] = req.CustomerEmail
		data["amountCents"] = req.AmountCents
	}
	s.events.Publish(EventFraudBlocked, data)
}

// RecordDecline feeds a gateway decline back into the card-testing index.
func (s *Service) RecordDecline(ctx context.Context, ipAddress, fingerprint, reason string) error {
	return s.store.RecordDecline(ctx, &Decline{
		ID:          idgen.WithPrefix("dec"),
		IPAddress:   ipAddress,
		Fingerprint: fingerprint,
		Reason:      reason,
		CreatedAt:   s.now(),
	})
}

// ListEvents returns recent security events, newest first.
func (s *Service) ListEvents(ctx context.Context, limit int) ([]*SecurityEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListEvents(ctx, limit)
}
