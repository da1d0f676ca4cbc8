// Package dunning manages failed payments: classification, retry
// scheduling, retry execution, and staged customer escalation.
//
// A failed charge becomes a FailedPayment record. The retry policy for its
// failure reason decides whether and when the charge is re-attempted; each
// attempt appends a RetryAttempt row. Customer escalation advances through
// dunning stages as attempts accumulate, and successful retries reset it.
package dunning

import (
	"context"
	"errors"
	"time"

	"github.com/mstill/payshield/internal/policy"
)

var (
	ErrNotFound     = errors.New("dunning: failed payment not found")
	ErrNotClaimable = errors.New("dunning: failed payment not claimable for retry")
	ErrDuplicateRef = errors.New("dunning: gateway charge ref already recorded")
)

// Status is the lifecycle state of a failed payment.
type Status string

const (
	StatusPendingRetry Status = "pending_retry"
	StatusRetrying     Status = "retrying"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusAbandoned    Status = "abandoned"
)

// Stage is the customer-communication escalation level.
type Stage string

const (
	StageNone        Stage = "none"
	StageGracePeriod Stage = "grace_period"
	StageSoftDecline Stage = "soft_decline"
	StageHardDecline Stage = "hard_decline"
	StageFinalNotice Stage = "final_notice"
	StageSuspended   Stage = "suspended"
	StageCanceled    Stage = "canceled"
)

// nextStage returns the stage one escalation step forward. Terminal stages
// stay put.
func nextStage(s Stage) Stage {
	switch s {
	case StageNone, StageGracePeriod:
		return StageSoftDecline
	case StageSoftDecline:
		return StageHardDecline
	case StageHardDecline:
		return StageFinalNotice
	case StageFinalNotice:
		return StageSuspended
	default:
		return s
	}
}

// FailedPayment is one failed charge tracked for retry. NextRetryAt is set
// exactly when Status is pending_retry.
type FailedPayment struct {
	ID               string               `json:"id"`
	GatewayChargeRef string               `json:"gatewayChargeRef"`
	CustomerID       string               `json:"customerId"`
	CustomerEmail    string               `json:"customerEmail"`
	AmountCents      int64                `json:"amountCents"`
	Currency         string               `json:"currency"`
	FailureReason    policy.FailureReason `json:"failureReason"`
	FailureCode      string               `json:"failureCode,omitempty"`
	FailureMessage   string               `json:"failureMessage,omitempty"`
	RetryCount       int                  `json:"retryCount"`
	MaxRetries       int                  `json:"maxRetries"`
	NextRetryAt      *time.Time           `json:"nextRetryAt,omitempty"`
	Status           Status               `json:"status"`
	DunningStage     Stage                `json:"dunningStage"`
	LastAttemptAt    *time.Time           `json:"lastAttemptAt,omitempty"`
	Metadata         map[string]string    `json:"metadata,omitempty"`
	CreatedAt        time.Time            `json:"createdAt"`
	UpdatedAt        time.Time            `json:"updatedAt"`
}

// RetryAttempt is one physical charge attempt against a failed payment.
type RetryAttempt struct {
	ID              string     `json:"id"`
	FailedPaymentID string     `json:"failedPaymentId"`
	AttemptNumber   int        `json:"attemptNumber"`
	GatewayRef      string     `json:"gatewayRef,omitempty"`
	Status          string     `json:"status"` // succeeded, failed
	FailureReason   string     `json:"failureReason,omitempty"`
	FailureCode     string     `json:"failureCode,omitempty"`
	NextRetryAt     *time.Time `json:"nextRetryAt,omitempty"`
	AttemptedAt     time.Time  `json:"attemptedAt"`
}

// CustomerPaymentPattern records when a customer's payments historically
// succeed, feeding smart retry timing.
type CustomerPaymentPattern struct {
	CustomerEmail       string    `json:"customerEmail"`
	PreferredPaymentDay int       `json:"preferredPaymentDay"` // 1-28, 0 = unknown
	SuccessfulHours     []int     `json:"successfulHours"`     // UTC hours of past successes
	SuccessCount        int       `json:"successCount"`
	FailureCount        int       `json:"failureCount"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Store persists failed payments, attempts, and payment patterns.
type Store interface {
	CreateFailedPayment(ctx context.Context, fp *FailedPayment) error
	GetFailedPayment(ctx context.Context, id string) (*FailedPayment, error)
	GetByChargeRef(ctx context.Context, ref string) (*FailedPayment, error)
	UpdateFailedPayment(ctx context.Context, fp *FailedPayment) error
	// ClaimForRetry atomically moves a record from pending_retry (or failed,
	// for manual re-drives) to retrying. Returns ErrNotClaimable when the
	// record is in any other status, so concurrent claimers cannot both win.
	ClaimForRetry(ctx context.Context, id string) (*FailedPayment, error)
	// ListDueRetries returns up to limit records in pending_retry whose
	// nextRetryAt has passed and retryCount is below maxRetries, ordered by
	// nextRetryAt ascending.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*FailedPayment, error)
	CountPendingRetries(ctx context.Context) (int, error)
	ListFailedPayments(ctx context.Context, status Status, limit int) ([]*FailedPayment, error)

	RecordAttempt(ctx context.Context, a *RetryAttempt) error
	ListAttempts(ctx context.Context, failedPaymentID string) ([]*RetryAttempt, error)

	GetPattern(ctx context.Context, customerEmail string) (*CustomerPaymentPattern, error)
	UpsertPattern(ctx context.Context, p *CustomerPaymentPattern) error
}
