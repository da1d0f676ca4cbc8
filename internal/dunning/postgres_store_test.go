package dunning

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fpColumns = []string{
	"id", "gateway_charge_ref", "customer_id", "customer_email", "amount_cents", "currency",
	"failure_reason", "failure_code", "failure_message", "retry_count", "max_retries",
	"next_retry_at", "status", "dunning_stage", "last_attempt_at", "metadata", "created_at", "updated_at",
}

func fpRow(mock sqlmock.Sqlmock, id, status string) *sqlmock.Rows {
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(fpColumns).AddRow(
		id, "pi_123", "cus_1", "c@example.com", int64(2999), "usd",
		"insufficient_funds", "insufficient_funds", "no funds", 0, 5,
		nil, status, "grace_period", nil, []byte(`{}`), now, now,
	)
}

func TestPostgresClaimForRetryWins(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store := NewPostgresStore(db)

	mock.ExpectQuery(`UPDATE failed_payments`).
		WithArgs("fp_1").
		WillReturnRows(fpRow(mock, "fp_1", "retrying"))

	fp, err := store.ClaimForRetry(context.Background(), "fp_1")
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, fp.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimForRetryLosesRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store := NewPostgresStore(db)

	// CAS matches no row; the follow-up read finds the record already
	// claimed by someone else.
	mock.ExpectQuery(`UPDATE failed_payments`).
		WithArgs("fp_1").
		WillReturnRows(sqlmock.NewRows(fpColumns))
	mock.ExpectQuery(`SELECT (.+) FROM failed_payments`).
		WithArgs("fp_1").
		WillReturnRows(fpRow(mock, "fp_1", "retrying"))

	_, err = store.ClaimForRetry(context.Background(), "fp_1")
	assert.ErrorIs(t, err, ErrNotClaimable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimForRetryMissingRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store := NewPostgresStore(db)

	mock.ExpectQuery(`UPDATE failed_payments`).
		WithArgs("fp_missing").
		WillReturnRows(sqlmock.NewRows(fpColumns))
	mock.ExpectQuery(`SELECT (.+) FROM failed_payments`).
		WithArgs("fp_missing").
		WillReturnRows(sqlmock.NewRows(fpColumns))

	_, err = store.ClaimForRetry(context.Background(), "fp_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateDuplicateRef(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store := NewPostgresStore(db)

	mock.ExpectExec(`INSERT INTO failed_payments`).
		WillReturnError(&pq.Error{Code: "23505"})

	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	err = store.CreateFailedPayment(context.Background(), &FailedPayment{
		ID:               "fp_1",
		GatewayChargeRef: "pi_123",
		Status:           StatusPendingRetry,
		DunningStage:     StageGracePeriod,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	assert.ErrorIs(t, err, ErrDuplicateRef)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCountPendingRetries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store := NewPostgresStore(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM failed_payments`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	count, err := store.CountPendingRetries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
