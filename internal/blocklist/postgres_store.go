package blocklist

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists blocklist entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed blocklist store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Upsert(ctx context.Context, e *BlockedEntity) error {
	var until sql.NullTime
	if e.BlockedUntil != nil {
		until = sql.NullTime{Time: *e.BlockedUntil, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocked_entities (entity_type, entity_value, reason, blocked_until, is_permanent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_type, entity_value) DO UPDATE SET
			reason        = EXCLUDED.reason,
			blocked_until = EXCLUDED.blocked_until,
			is_permanent  = EXCLUDED.is_permanent,
			created_at    = EXCLUDED.created_at
	`,
		e.EntityType,
		e.Value,
		e.Reason,
		until,
		e.IsPermanent,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert blocked entity: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, entityType, value string) (*BlockedEntity, error) {
	var e BlockedEntity
	var until sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_value, reason, blocked_until, is_permanent, created_at
		FROM blocked_entities
		WHERE entity_type = $1 AND entity_value = $2
	`, entityType, value).Scan(&e.EntityType, &e.Value, &e.Reason, &until, &e.IsPermanent, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blocked entity: %w", err)
	}
	if until.Valid {
		t := until.Time
		e.BlockedUntil = &t
	}
	return &e, nil
}

func (s *PostgresStore) Delete(ctx context.Context, entityType, value string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM blocked_entities
		WHERE entity_type = $1 AND entity_value = $2
	`, entityType, value)
	if err != nil {
		return fmt.Errorf("failed to delete blocked entity: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*BlockedEntity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_value, reason, blocked_until, is_permanent, created_at
		FROM blocked_entities
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*BlockedEntity
	for rows.Next() {
		var e BlockedEntity
		var until sql.NullTime
		var createdAt time.Time

		if err := rows.Scan(&e.EntityType, &e.Value, &e.Reason, &until, &e.IsPermanent, &createdAt); err != nil {
			continue
		}
		e.CreatedAt = createdAt
		if until.Valid {
			t := until.Time
			e.BlockedUntil = &t
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}
