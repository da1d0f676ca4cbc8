package dunning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mstill/payshield/internal/gateway"
	"github.com/mstill/payshield/internal/idgen"
	"github.com/mstill/payshield/internal/logging"
	"github.com/mstill/payshield/internal/metrics"
	"github.com/mstill/payshield/internal/policy"
	"github.com/mstill/payshield/internal/traces"
)

// Notifier delivers customer notifications. Fire-and-forget: failures are
// the notifier's problem, never this service's.
type Notifier interface {
	Send(customerEmail, template string, data map[string]any)
}

// DeclineRecorder feeds declines back into fraud analysis. Implemented by
// the fraud service.
type DeclineRecorder interface {
	RecordDecline(ctx context.Context, ipAddress, fingerprint, reason string) error
}

// EventPublisher streams payment lifecycle events to live subscribers.
// Implemented by the realtime hub.
type EventPublisher interface {
	Publish(eventType string, data map[string]interface{})
}

// Lifecycle event types published to the realtime stream.
const (
	EventPaymentFailed    = "payment.failed"
	EventRetrySucceeded   = "retry.succeeded"
	EventRetryFailed      = "retry.failed"
	EventPaymentAbandoned = "payment.abandoned"
	EventDunningAdvanced  = "dunning.advanced"
)

// Notification templates emitted by the dunning machinery.
const (
	TemplatePaymentFailed     = "payment_failed"
	TemplatePaymentRecovered  = "payment_recovered"
	TemplateUpdatePaymentInfo = "update_payment_info"
	TemplateDunningEscalation = "dunning_escalation"
)

// FailureEvent is the failure payload delivered by a gateway webhook.
type FailureEvent struct {
	Code                     string
	Message                  string
	CustomerID               string
	CustomerEmail            string
	AmountCents              int64
	Currency                 string
	IPAddress                string
	PaymentMethodFingerprint string
	Metadata                 map[string]string
}

// FailureOutcome is the result of ingesting a failed charge.
type FailureOutcome struct {
	FailedPaymentID string          `json:"failedPaymentId"`
	NextRetryAt     *time.Time      `json:"nextRetryAt,omitempty"`
	Strategy        policy.Strategy `json:"strategy"`
}

// RetryResult is the outcome of one retry attempt.
type RetryResult struct {
	Success     bool       `json:"success"`
	Message     string     `json:"message"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
}

// ProcessResult pairs a failed payment with its batch retry outcome.
type ProcessResult struct {
	FailedPaymentID string       `json:"failedPaymentId"`
	Result          *RetryResult `json:"result"`
}

// Service orchestrates failed-payment ingestion, retries, and escalation.
type Service struct {
	store      Store
	gw         gateway.Gateway
	scheduler  *Scheduler
	notifier   Notifier
	declines   DeclineRecorder
	events     EventPublisher
	batchSize  int
	retryPause time.Duration
	now        func() time.Time
}

// NewService creates a dunning service. notifier and declines may be nil.
func NewService(store Store, gw gateway.Gateway, scheduler *Scheduler, notifier Notifier, declines DeclineRecorder) *Service {
	return &Service{
		store:      store,
		gw:         gw,
		scheduler:  scheduler,
		notifier:   notifier,
		declines:   declines,
		batchSize:  50,
		retryPause: 500 * time.Millisecond,
		now:        time.Now,
	}
}

// WithEvents wires a lifecycle event publisher.
func (s *Service) WithEvents(events EventPublisher) *Service {
	s.events = events
	return s
}

// WithBatch overrides batch size and inter-attempt pause (for tests).
func (s *Service) WithBatch(size int, pause time.Duration) *Service {
	s.batchSize = size
	s.retryPause = pause
	return s
}

// WithClock overrides the service clock (for tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// HandleFailedCharge ingests a failed charge. Idempotent on chargeRef: a
// second event for the same charge updates the existing record instead of
// creating a duplicate.
func (s *Service) HandleFailedCharge(ctx context.Context, chargeRef string, event *FailureEvent) (*FailureOutcome, error) {
	if chargeRef == "" {
		return nil, fmt.Errorf("dunning: charge ref is required")
	}
	ctx, span := traces.StartSpan(ctx, "dunning.HandleFailedCharge", traces.ChargeRef(chargeRef))
	defer span.End()

	log := logging.L(ctx)

	reason := policy.MapFailureCode(event.Code)
	pol := policy.ForReason(reason)
	span.SetAttributes(traces.FailureReason(string(reason)))

	if existing, err := s.store.GetByChargeRef(ctx, chargeRef); err == nil {
		return s.updateExisting(ctx, existing, event)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	fp := &FailedPayment{
		ID:               idgen.WithPrefix("fp"),
		GatewayChargeRef: chargeRef,
		CustomerID:       event.CustomerID,
		CustomerEmail:    event.CustomerEmail,
		AmountCents:      event.AmountCents,
		Currency:         event.Currency,
		FailureReason:    reason,
		FailureCode:      event.Code,
		FailureMessage:   event.Message,
		MaxRetries:       pol.MaxAttempts,
		Status:           StatusFailed,
		DunningStage:     StageGracePeriod,
		Metadata:         event.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if pol.Retryable() {
		next := s.scheduler.NextRetryTime(ctx, pol, event.CustomerEmail, 0)
		if next != nil {
			fp.Status = StatusPendingRetry
			fp.NextRetryAt = next
		}
	}

	if err := s.store.CreateFailedPayment(ctx, fp); err != nil {
		if errors.Is(err, ErrDuplicateRef) {
			// Lost a race with a concurrent webhook for the same charge.
			if existing, gerr := s.store.GetByChargeRef(ctx, chargeRef); gerr == nil {
				return s.updateExisting(ctx, existing, event)
			}
		}
		return nil, err
	}

	metrics.FailedPaymentsTotal.WithLabelValues(string(reason)).Inc()
	s.recordDecline(ctx, event, reason)
	s.publish(EventPaymentFailed, map[string]interface{}{
		"failedPaymentId": fp.ID,
		"customerEmail":   fp.CustomerEmail,
		"failureReason":   string(reason),
		"amountCents":     fp.AmountCents,
		"currency":        fp.Currency,
		"nextRetryAt":     fp.NextRetryAt,
	})

	if !pol.Retryable() {
		// Hard declines skip the retry machinery and go straight to the
		// customer: only new payment details can fix them.
		s.notify(event.CustomerEmail, TemplateUpdatePaymentInfo, map[string]any{
			"reason": string(reason),
		})
	} else if pol.NotifyCustomer {
		s.notify(event.CustomerEmail, TemplatePaymentFailed, map[string]any{
			"reason":        string(reason),
			"next_retry_at": fp.NextRetryAt,
		})
	}

	log.Info("failed payment recorded",
		"failed_payment_id", fp.ID,
		"charge_ref", chargeRef,
		"reason", reason,
		"strategy", pol.Strategy,
		"next_retry_at", fp.NextRetryAt)

	return &FailureOutcome{
		FailedPaymentID: fp.ID,
		NextRetryAt:     fp.NextRetryAt,
		Strategy:        pol.Strategy,
	}, nil
}

// updateExisting refreshes failure details on a record that already tracks
// this charge. Scheduling state is left alone: the retry machinery owns it.
func (s *Service) updateExisting(ctx context.Context, fp *FailedPayment, event *FailureEvent) (*FailureOutcome, error) {
	fp.FailureCode = event.Code
	fp.FailureMessage = event.Message
	fp.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateFailedPayment(ctx, fp); err != nil {
		return nil, err
	}
	return &FailureOutcome{
		FailedPaymentID: fp.ID,
		NextRetryAt:     fp.NextRetryAt,
		Strategy:        policy.ForReason(fp.FailureReason).Strategy,
	}, nil
}

// RetryFailedPayment executes one retry attempt. The claim transition is a
// compare-and-set in the store, so two concurrent calls on the same record
// yield exactly one gateway charge.
func (s *Service) RetryFailedPayment(ctx context.Context, id string) (*RetryResult, error) {
	ctx, span := traces.StartSpan(ctx, "dunning.RetryFailedPayment")
	defer span.End()

	log := logging.L(ctx)

	fp, err := s.store.GetFailedPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		traces.ChargeRef(fp.GatewayChargeRef),
		traces.FailureReason(string(fp.FailureReason)),
		traces.RetryCount(fp.RetryCount),
	)

	if fp.Status != StatusPendingRetry && fp.Status != StatusFailed {
		return &RetryResult{Success: false, Message: "payment not eligible for retry: " + string(fp.Status)}, nil
	}
	if fp.RetryCount >= fp.MaxRetries {
		if err := s.abandon(ctx, fp); err != nil {
			return nil, err
		}
		return &RetryResult{Success: false, Message: "maximum retry attempts reached"}, nil
	}

	fp, err = s.store.ClaimForRetry(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotClaimable) {
			return &RetryResult{Success: false, Message: "payment already being retried"}, nil
		}
		return nil, err
	}

	attemptNumber := fp.RetryCount + 1
	result, chargeErr := s.gw.CreateCharge(ctx, &gateway.ChargeRequest{
		CustomerID:     fp.CustomerID,
		AmountCents:    fp.AmountCents,
		Currency:       fp.Currency,
		IdempotencyKey: fmt.Sprintf("%s-retry-%d", fp.GatewayChargeRef, attemptNumber),
		Description:    "payment retry",
	})

	attempt := &RetryAttempt{
		ID:              idgen.WithPrefix("att"),
		FailedPaymentID: fp.ID,
		AttemptNumber:   attemptNumber,
		AttemptedAt:     s.now().UTC(),
	}

	if chargeErr == nil {
		attempt.Status = "succeeded"
		attempt.GatewayRef = result.GatewayRef
		s.recordAttempt(ctx, attempt)
		metrics.RetryAttemptsTotal.WithLabelValues("succeeded").Inc()

		if err := s.markSucceeded(ctx, fp, attemptNumber); err != nil {
			return nil, err
		}
		log.Info("payment retry succeeded", "failed_payment_id", fp.ID, "attempt", attemptNumber)
		return &RetryResult{Success: true, Message: "payment retry succeeded"}, nil
	}

	code := gateway.CodeProcessingError
	var gerr *gateway.Error
	if errors.As(chargeErr, &gerr) {
		code = gerr.Code
	}
	attempt.Status = "failed"
	attempt.FailureCode = code
	attempt.FailureReason = string(policy.MapFailureCode(code))

	pol := policy.ForReason(fp.FailureReason)
	next := s.scheduler.NextRetryTime(ctx, pol, fp.CustomerEmail, attemptNumber)
	attempt.NextRetryAt = next
	s.recordAttempt(ctx, attempt)
	metrics.RetryAttemptsTotal.WithLabelValues("failed").Inc()

	if err := s.reschedule(ctx, fp, attemptNumber, next, code, pol); err != nil {
		return nil, err
	}
	s.updatePattern(ctx, fp.CustomerEmail, false)

	log.Warn("payment retry failed",
		"failed_payment_id", fp.ID,
		"attempt", attemptNumber,
		"failure_code", code,
		"next_retry_at", next)
	return &RetryResult{Success: false, Message: "payment retry failed", NextRetryAt: next}, nil
}

// markSucceeded finalizes a recovered payment: terminal status, dunning
// reset, pattern reinforcement.
func (s *Service) markSucceeded(ctx context.Context, fp *FailedPayment, attemptNumber int) error {
	now := s.now().UTC()
	fp.Status = StatusSucceeded
	fp.RetryCount = attemptNumber
	fp.NextRetryAt = nil
	fp.DunningStage = StageNone
	fp.LastAttemptAt = &now
	fp.UpdatedAt = now
	if err := s.store.UpdateFailedPayment(ctx, fp); err != nil {
		return err
	}

	metrics.DunningTransitionsTotal.WithLabelValues(string(StageNone)).Inc()
	s.publish(EventRetrySucceeded, map[string]interface{}{
		"failedPaymentId": fp.ID,
		"customerEmail":   fp.CustomerEmail,
		"amountCents":     fp.AmountCents,
		"attempt":         attemptNumber,
	})
	s.updatePattern(ctx, fp.CustomerEmail, true)
	s.notify(fp.CustomerEmail, TemplatePaymentRecovered, map[string]any{
		"amount_cents": fp.AmountCents,
		"currency":     fp.Currency,
	})
	return nil
}

// reschedule plans the next attempt or closes the record out. The dunning
// stage advances when the attempt count reaches the policy's escalation
// threshold.
func (s *Service) reschedule(ctx context.Context, fp *FailedPayment, retryCount int, next *time.Time, code string, pol policy.RetryPolicy) error {
	now := s.now().UTC()
	fp.RetryCount = retryCount
	fp.FailureCode = code
	fp.LastAttemptAt = &now
	fp.UpdatedAt = now

	switch {
	case next != nil:
		fp.Status = StatusPendingRetry
		fp.NextRetryAt = next
	case retryCount >= fp.MaxRetries:
		fp.Status = StatusAbandoned
		fp.NextRetryAt = nil
	default:
		fp.Status = StatusFailed
		fp.NextRetryAt = nil
	}

	if fp.Status == StatusAbandoned {
		s.escalate(fp, StageSuspended)
		s.publish(EventPaymentAbandoned, map[string]interface{}{
			"failedPaymentId": fp.ID,
			"customerEmail":   fp.CustomerEmail,
			"failureReason":   string(fp.FailureReason),
			"amountCents":     fp.AmountCents,
		})
	} else if pol.EscalateAfter > 0 && retryCount >= pol.EscalateAfter {
		s.escalate(fp, nextStage(fp.DunningStage))
	}

	s.publish(EventRetryFailed, map[string]interface{}{
		"failedPaymentId": fp.ID,
		"customerEmail":   fp.CustomerEmail,
		"failureReason":   string(fp.FailureReason),
		"failureCode":     code,
		"amountCents":     fp.AmountCents,
		"retryCount":      retryCount,
		"nextRetryAt":     fp.NextRetryAt,
	})

	return s.store.UpdateFailedPayment(ctx, fp)
}

// abandon closes out a record that has exhausted its retry budget.
func (s *Service) abandon(ctx context.Context, fp *FailedPayment) error {
	fp.Status = StatusAbandoned
	fp.NextRetryAt = nil
	fp.UpdatedAt = s.now().UTC()
	s.escalate(fp, StageSuspended)
	s.publish(EventPaymentAbandoned, map[string]interface{}{
		"failedPaymentId": fp.ID,
		"customerEmail":   fp.CustomerEmail,
		"failureReason":   string(fp.FailureReason),
		"amountCents":     fp.AmountCents,
	})
	return s.store.UpdateFailedPayment(ctx, fp)
}

// escalate advances the dunning stage and tells the customer.
func (s *Service) escalate(fp *FailedPayment, to Stage) {
	if fp.DunningStage == to {
		return
	}
	fp.DunningStage = to
	metrics.DunningTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.publish(EventDunningAdvanced, map[string]interface{}{
		"failedPaymentId": fp.ID,
		"customerEmail":   fp.CustomerEmail,
		"stage":           string(to),
	})
	s.notify(fp.CustomerEmail, TemplateDunningEscalation, map[string]any{
		"stage":  string(to),
		"reason": string(fp.FailureReason),
	})
}

// ProcessPendingRetries retries every due record, oldest first, pausing
// between attempts to respect gateway throughput limits.
func (s *Service) ProcessPendingRetries(ctx context.Context) []ProcessResult {
	log := logging.L(ctx)

	due, err := s.store.ListDueRetries(ctx, s.now().UTC(), s.batchSize)
	if err != nil {
		log.Error("failed to list due retries", "error", err)
		return nil
	}

	results := make([]ProcessResult, 0, len(due))
	for i, fp := range due {
		result, err := s.RetryFailedPayment(ctx, fp.ID)
		if err != nil {
			log.Error("retry attempt errored", "failed_payment_id", fp.ID, "error", err)
			result = &RetryResult{Success: false, Message: err.Error()}
		}
		results = append(results, ProcessResult{FailedPaymentID: fp.ID, Result: result})

		if i < len(due)-1 {
			select {
			case <-ctx.Done():
				return results
			case <-time.After(s.retryPause):
			}
		}
	}

	if pending, err := s.store.CountPendingRetries(ctx); err == nil {
		metrics.PendingRetries.Set(float64(pending))
	}

	if len(results) > 0 {
		log.Info("processed pending retries", "count", len(results))
	}
	return results
}

// GetFailedPayment returns one failed payment with its attempt history.
func (s *Service) GetFailedPayment(ctx context.Context, id string) (*FailedPayment, []*RetryAttempt, error) {
	fp, err := s.store.GetFailedPayment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	attempts, err := s.store.ListAttempts(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return fp, attempts, nil
}

// ListFailedPayments returns failed payments filtered by status.
func (s *Service) ListFailedPayments(ctx context.Context, status Status, limit int) ([]*FailedPayment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListFailedPayments(ctx, status, limit)
}

// GetCustomerPattern returns the learned payment pattern for a customer.
func (s *Service) GetCustomerPattern(ctx context.Context, customerEmail string) (*CustomerPaymentPattern, error) {
	return s.store.GetPattern(ctx, customerEmail)
}

// updatePattern learns from a retry outcome. Best effort.
func (s *Service) updatePattern(ctx context.Context, customerEmail string, success bool) {
	if customerEmail == "" {
		return
	}
	pattern, err := s.store.GetPattern(ctx, customerEmail)
	if errors.Is(err, ErrNotFound) {
		pattern = &CustomerPaymentPattern{CustomerEmail: customerEmail}
	} else if err != nil {
		logging.L(ctx).Warn("pattern read failed", "customer_email", customerEmail, "error", err)
		return
	}

	now := s.now().UTC()
	if success {
		pattern.SuccessCount++
		pattern.SuccessfulHours = appendHour(pattern.SuccessfulHours, now.Hour())
		pattern.PreferredPaymentDay = preferredDay(now.Day())
	} else {
		pattern.FailureCount++
	}
	pattern.UpdatedAt = now

	if err := s.store.UpsertPattern(ctx, pattern); err != nil {
		logging.L(ctx).Warn("pattern update failed", "customer_email", customerEmail, "error", err)
	}
}

// appendHour records an hour of day, deduplicated, capped at 24 entries.
func appendHour(hours []int, hour int) []int {
	for _, h := range hours {
		if h == hour {
			return hours
		}
	}
	return append(hours, hour)
}

// preferredDay clamps a day-of-month into the 1-28 range smart timing uses.
func preferredDay(day int) int {
	if day > 28 {
		return 28
	}
	return day
}

// publish broadcasts a lifecycle event when a publisher is wired.
func (s *Service) publish(eventType string, data map[string]interface{}) {
	if s.events == nil {
		return
	}
	s.events.Publish(eventType, data)
}

// notify dispatches a customer notification when a notifier is wired.
func (s *Service) notify(customerEmail, template string, data map[string]any) {
	if s.notifier == nil || customerEmail == "" {
		return
	}
	s.notifier.Send(customerEmail, template, data)
}

// recordAttempt appends an attempt row. Best effort: the attempt already
// happened, a write failure must not change its outcome.
func (s *Service) recordAttempt(ctx context.Context, a *RetryAttempt) {
	if err := s.store.RecordAttempt(ctx, a); err != nil {
		logging.L(ctx).Error("failed to record retry attempt",
			"failed_payment_id", a.FailedPaymentID, "error", err)
	}
}

// recordDecline feeds the failure into fraud's card-testing index.
func (s *Service) recordDecline(ctx context.Context, event *FailureEvent, reason policy.FailureReason) {
	if s.declines == nil || event.IPAddress == "" {
		return
	}
	if err := s.declines.RecordDecline(ctx, event.IPAddress, event.PaymentMethodFingerprint, string(reason)); err != nil {
		logging.L(ctx).Warn("failed to record decline", "error", err)
	}
}
