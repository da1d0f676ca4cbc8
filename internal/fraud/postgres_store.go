package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists fraud telemetry in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed fraud store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) RecordAttempt(ctx context.Context, a *Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_attempts (id, customer_id, ip_address, fingerprint, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`,
		a.ID,
		a.CustomerID,
		nullString(a.IPAddress),
		nullString(a.Fingerprint),
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record payment attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountAttempts(ctx context.Context, customerID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM payment_attempts
		WHERE customer_id = $1 AND created_at >= $2
	`, customerID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count payment attempts: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) RecordSignals(ctx context.Context, customerID string, signals []Signal) error {
	if len(signals) == 0 {
		return nil
	}
	payload, err := json.Marshal(signals)
	if err != nil {
		return fmt.Errorf("failed to marshal signals: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fraud_signals (customer_id, signals, created_at)
		VALUES ($1, $2, NOW())
	`, customerID, payload)
	if err != nil {
		return fmt.Errorf("failed to record fraud signals: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordDecline(ctx context.Context, d *Decline) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_declines (id, ip_address, fingerprint, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`,
		d.ID,
		nullString(d.IPAddress),
		nullString(d.Fingerprint),
		d.Reason,
		d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record payment decline: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountDistinctDeclinedFingerprints(ctx context.Context, ipAddress string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT fingerprint)
		FROM payment_declines
		WHERE ip_address = $1 AND fingerprint IS NOT NULL AND created_at >= $2
	`, ipAddress, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count declined fingerprints: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) RecordEvent(ctx context.Context, e *SecurityEvent) error {
	dataJSON, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO security_events
			(id, event_type, threat_type, severity, customer_id, ip_address, fraud_score, action_taken, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		e.ID,
		e.EventType,
		nullString(string(e.ThreatType)),
		string(e.Severity),
		nullString(e.CustomerID),
		nullString(e.IPAddress),
		e.FraudScore,
		nullString(e.ActionTaken),
		dataJSON,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record security event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, limit int) ([]*SecurityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, threat_type, severity, customer_id, ip_address, fraud_score, action_taken, data, created_at
		FROM security_events
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*SecurityEvent
	for rows.Next() {
		var e SecurityEvent
		var threatType, customerID, ipAddress, actionTaken sql.NullString
		var dataJSON []byte

		if err := rows.Scan(&e.ID, &e.EventType, &threatType, &e.Severity, &customerID,
			&ipAddress, &e.FraudScore, &actionTaken, &dataJSON, &e.CreatedAt); err != nil {
			continue
		}
		e.ThreatType = ThreatType(threatType.String)
		e.CustomerID = customerID.String
		e.IPAddress = ipAddress.String
		e.ActionTaken = actionTaken.String
		if len(dataJSON) > 0 {
			_ = json.Unmarshal(dataJSON, &e.Data)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
