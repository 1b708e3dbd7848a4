package lockoutstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vigil/internal/lockout"
	"vigil/pkg/platform/sentinel"
	txcontext "vigil/pkg/platform/tx"
)

// PostgresStore persists lockout records in PostgreSQL. The failure counter
// is advanced with a single upsert so concurrent failed attempts never
// under-count.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const lockoutColumns = `user_id, failed_attempt_count, escalation_level, locked_until,
	lock_reason, locked_by_user_id, last_failed_attempt_at, last_locked_at, updated_at`

type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) executor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Get(ctx context.Context, userID uuid.UUID) (*lockout.AccountLockout, error) {
	query := `SELECT ` + lockoutColumns + ` FROM account_lockouts WHERE user_id = $1`
	record, err := scanLockout(s.execer(ctx).QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account lockout not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("get account lockout: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, userID uuid.UUID, now time.Time) (*lockout.AccountLockout, error) {
	query := `
		INSERT INTO account_lockouts (user_id, failed_attempt_count, escalation_level, last_failed_attempt_at, updated_at)
		VALUES ($1, 1, 0, $2, $2)
		ON CONFLICT (user_id) DO UPDATE SET
			failed_attempt_count = account_lockouts.failed_attempt_count + 1,
			last_failed_attempt_at = $2,
			updated_at = $2
		RETURNING ` + lockoutColumns
	record, err := scanLockout(s.execer(ctx).QueryRowContext(ctx, query, userID, now))
	if err != nil {
		return nil, fmt.Errorf("record lockout failure: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) Update(ctx context.Context, record *lockout.AccountLockout) error {
	result, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE account_lockouts
		SET failed_attempt_count = $2,
		    escalation_level = $3,
		    locked_until = $4,
		    lock_reason = $5,
		    locked_by_user_id = $6,
		    last_failed_attempt_at = $7,
		    last_locked_at = $8,
		    updated_at = $9
		WHERE user_id = $1
	`, record.UserID, record.FailedAttemptCount, record.EscalationLevel, record.LockedUntil,
		string(record.LockReason), record.LockedByUserID, record.LastFailedAttemptAt,
		record.LastLockedAt, record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update account lockout: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update account lockout rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("account lockout not found: %w", sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, record *lockout.AccountLockout) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO account_lockouts (`+lockoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			failed_attempt_count = EXCLUDED.failed_attempt_count,
			escalation_level = EXCLUDED.escalation_level,
			locked_until = EXCLUDED.locked_until,
			lock_reason = EXCLUDED.lock_reason,
			locked_by_user_id = EXCLUDED.locked_by_user_id,
			last_failed_attempt_at = EXCLUDED.last_failed_attempt_at,
			last_locked_at = EXCLUDED.last_locked_at,
			updated_at = EXCLUDED.updated_at
	`, record.UserID, record.FailedAttemptCount, record.EscalationLevel, record.LockedUntil,
		string(record.LockReason), record.LockedByUserID, record.LastFailedAttemptAt,
		record.LastLockedAt, record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert account lockout: %w", err)
	}
	return nil
}

func (s *PostgresStore) UnlockExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE account_lockouts
		SET locked_until = NULL, lock_reason = '', updated_at = $1
		WHERE locked_until IS NOT NULL
		  AND locked_until <= $1
		  AND locked_by_user_id IS NULL
	`, now)
	if err != nil {
		return 0, fmt.Errorf("unlock expired lockouts: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("unlock expired lockouts rows affected: %w", err)
	}
	return int(rows), nil
}

func scanLockout(row *sql.Row) (*lockout.AccountLockout, error) {
	var (
		record        lockout.AccountLockout
		lockedUntil   sql.NullTime
		lockReason    sql.NullString
		lockedBy      uuid.NullUUID
		lastFailedAt  sql.NullTime
		lastLockedAt  sql.NullTime
	)
	err := row.Scan(
		&record.UserID,
		&record.FailedAttemptCount,
		&record.EscalationLevel,
		&lockedUntil,
		&lockReason,
		&lockedBy,
		&lastFailedAt,
		&lastLockedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	record.UpdatedAt = record.UpdatedAt.UTC()
	if lockedUntil.Valid {
		t := lockedUntil.Time.UTC()
		record.LockedUntil = &t
	}
	if lockReason.Valid {
		record.LockReason = lockout.LockReason(lockReason.String)
	}
	if lockedBy.Valid {
		record.LockedByUserID = &lockedBy.UUID
	}
	if lastFailedAt.Valid {
		t := lastFailedAt.Time.UTC()
		record.LastFailedAttemptAt = &t
	}
	if lastLockedAt.Valid {
		t := lastLockedAt.Time.UTC()
		record.LastLockedAt = &t
	}
	return &record, nil
}
