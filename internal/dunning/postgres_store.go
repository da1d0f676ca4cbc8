package dunning

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mstill/payshield/internal/policy"
)

// PostgresStore persists dunning state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed dunning store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// uniqueViolation is the PostgreSQL error code for unique constraint hits.
const uniqueViolation = "23505"

func (s *PostgresStore) CreateFailedPayment(ctx context.Context, fp *FailedPayment) error {
	metadata, err := json.Marshal(fp.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO failed_payments
			(id, gateway_charge_ref, customer_id, customer_email, amount_cents, currency,
			 failure_reason, failure_code, failure_message, retry_count, max_retries,
			 next_retry_at, status, dunning_stage, last_attempt_at, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		fp.ID,
		fp.GatewayChargeRef,
		fp.CustomerID,
		fp.CustomerEmail,
		fp.AmountCents,
		fp.Currency,
		string(fp.FailureReason),
		fp.FailureCode,
		fp.FailureMessage,
		fp.RetryCount,
		fp.MaxRetries,
		nullTime(fp.NextRetryAt),
		string(fp.Status),
		string(fp.DunningStage),
		nullTime(fp.LastAttemptAt),
		metadata,
		fp.CreatedAt,
		fp.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return ErrDuplicateRef
		}
		return fmt.Errorf("failed to create failed payment: %w", err)
	}
	return nil
}

const failedPaymentColumns = `
	id, gateway_charge_ref, customer_id, customer_email, amount_cents, currency,
	failure_reason, failure_code, failure_message, retry_count, max_retries,
	next_retry_at, status, dunning_stage, last_attempt_at, metadata, created_at, updated_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanFailedPayment(row scannable) (*FailedPayment, error) {
	var fp FailedPayment
	var reason, status, stage string
	var nextRetryAt, lastAttemptAt sql.NullTime
	var metadata []byte

	err := row.Scan(
		&fp.ID, &fp.GatewayChargeRef, &fp.CustomerID, &fp.CustomerEmail,
		&fp.AmountCents, &fp.Currency, &reason, &fp.FailureCode, &fp.FailureMessage,
		&fp.RetryCount, &fp.MaxRetries, &nextRetryAt, &status, &stage,
		&lastAttemptAt, &metadata, &fp.CreatedAt, &fp.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan failed payment: %w", err)
	}

	fp.FailureReason = policy.FailureReason(reason)
	fp.Status = Status(status)
	fp.DunningStage = Stage(stage)
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		fp.NextRetryAt = &t
	}
	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time
		fp.LastAttemptAt = &t
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &fp.Metadata)
	}
	return &fp, nil
}

func (s *PostgresStore) GetFailedPayment(ctx context.Context, id string) (*FailedPayment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+failedPaymentColumns+`
		FROM failed_payments
		WHERE id = $1
	`, id)
	return scanFailedPayment(row)
}

func (s *PostgresStore) GetByChargeRef(ctx context.Context, ref string) (*FailedPayment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+failedPaymentColumns+`
		FROM failed_payments
		WHERE gateway_charge_ref = $1
	`, ref)
	return scanFailedPayment(row)
}

func (s *PostgresStore) UpdateFailedPayment(ctx context.Context, fp *FailedPayment) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE failed_payments SET
			failure_code    = $2,
			failure_message = $3,
			retry_count     = $4,
			next_retry_at   = $5,
			status          = $6,
			dunning_stage   = $7,
			last_attempt_at = $8,
			updated_at      = $9
		WHERE id = $1
	`,
		fp.ID,
		fp.FailureCode,
		fp.FailureMessage,
		fp.RetryCount,
		nullTime(fp.NextRetryAt),
		string(fp.Status),
		string(fp.DunningStage),
		nullTime(fp.LastAttemptAt),
		fp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update failed payment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClaimForRetry(ctx context.Context, id string) (*FailedPayment, error) {
	// Compare-and-set: only one concurrent claimer sees a row transition.
	row := s.db.QueryRowContext(ctx, `
		UPDATE failed_payments
		SET status = 'retrying', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending_retry', 'failed')
		RETURNING `+failedPaymentColumns+`
	`, id)

	fp, err := scanFailedPayment(row)
	if err == ErrNotFound {
		// Distinguish a missing row from a lost claim race.
		if _, gerr := s.GetFailedPayment(ctx, id); gerr == nil {
			return nil, ErrNotClaimable
		}
		return nil, ErrNotFound
	}
	return fp, err
}

func (s *PostgresStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*FailedPayment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+failedPaymentColumns+`
		FROM failed_payments
		WHERE status = 'pending_retry'
			AND next_retry_at <= $1
			AND retry_count < max_retries
		ORDER BY next_retry_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due retries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*FailedPayment
	for rows.Next() {
		fp, err := scanFailedPayment(rows)
		if err != nil {
			continue
		}
		result = append(result, fp)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountPendingRetries(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM failed_payments WHERE status = 'pending_retry'
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending retries: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListFailedPayments(ctx context.Context, status Status, limit int) ([]*FailedPayment, error) {
	query := `
		SELECT ` + failedPaymentColumns + `
		FROM failed_payments`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, string(status), limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed payments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*FailedPayment
	for rows.Next() {
		fp, err := scanFailedPayment(rows)
		if err != nil {
			continue
		}
		result = append(result, fp)
	}
	return result, rows.Err()
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, a *RetryAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retry_attempts
			(id, failed_payment_id, attempt_number, gateway_ref, status,
			 failure_reason, failure_code, next_retry_at, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		a.ID,
		a.FailedPaymentID,
		a.AttemptNumber,
		a.GatewayRef,
		a.Status,
		a.FailureReason,
		a.FailureCode,
		nullTime(a.NextRetryAt),
		a.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record retry attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, failedPaymentID string) ([]*RetryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, failed_payment_id, attempt_number, gateway_ref, status,
		       failure_reason, failure_code, next_retry_at, attempted_at
		FROM retry_attempts
		WHERE failed_payment_id = $1
		ORDER BY attempt_number ASC
	`, failedPaymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*RetryAttempt
	for rows.Next() {
		var a RetryAttempt
		var nextRetryAt sql.NullTime

		if err := rows.Scan(&a.ID, &a.FailedPaymentID, &a.AttemptNumber, &a.GatewayRef,
			&a.Status, &a.FailureReason, &a.FailureCode, &nextRetryAt, &a.AttemptedAt); err != nil {
			continue
		}
		if nextRetryAt.Valid {
			t := nextRetryAt.Time
			a.NextRetryAt = &t
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetPattern(ctx context.Context, customerEmail string) (*CustomerPaymentPattern, error) {
	var p CustomerPaymentPattern
	var hours []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT customer_email, preferred_payment_day, successful_hours,
		       success_count, failure_count, updated_at
		FROM customer_payment_patterns
		WHERE customer_email = $1
	`, customerEmail).Scan(&p.CustomerEmail, &p.PreferredPaymentDay, &hours,
		&p.SuccessCount, &p.FailureCount, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment pattern: %w", err)
	}
	if len(hours) > 0 {
		_ = json.Unmarshal(hours, &p.SuccessfulHours)
	}
	return &p, nil
}

func (s *PostgresStore) UpsertPattern(ctx context.Context, p *CustomerPaymentPattern) error {
	hours, err := json.Marshal(p.SuccessfulHours)
	if err != nil {
		return fmt.Errorf("failed to marshal successful hours: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO customer_payment_patterns
			(customer_email, preferred_payment_day, successful_hours, success_count, failure_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (customer_email) DO UPDATE SET
			preferred_payment_day = EXCLUDED.preferred_payment_day,
			successful_hours      = EXCLUDED.successful_hours,
			success_count         = EXCLUDED.success_count,
			failure_count         = EXCLUDED.failure_count,
			updated_at            = EXCLUDED.updated_at
	`, p.CustomerEmail, p.PreferredPaymentDay, hours, p.SuccessCount, p.FailureCount, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert payment pattern: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
