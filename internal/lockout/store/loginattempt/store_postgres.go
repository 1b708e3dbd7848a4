package loginattempt

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vigil/internal/lockout"
	txcontext "vigil/pkg/platform/tx"
)

// PostgresStore persists login attempts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const attemptColumns = `id, user_id, username, ip_address, user_agent, success, failure_reason, attempted_at`

type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) execer(ctx context.Context) executor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Create(ctx context.Context, attempt *lockout.LoginAttempt) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO login_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, attempt.ID, attempt.UserID, attempt.Username, attempt.IPAddress,
		attempt.UserAgent, attempt.Success, attempt.FailureReason, attempt.AttemptedAt)
	if err != nil {
		return fmt.Errorf("insert login attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]lockout.LoginAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM login_attempts
		WHERE user_id = $1
		ORDER BY attempted_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query login attempts: %w", err)
	}
	defer rows.Close()

	var attempts []lockout.LoginAttempt
	for rows.Next() {
		var (
			attempt       lockout.LoginAttempt
			attemptUserID uuid.NullUUID
			failureReason sql.NullString
		)
		err := rows.Scan(
			&attempt.ID,
			&attemptUserID,
			&attempt.Username,
			&attempt.IPAddress,
			&attempt.UserAgent,
			&attempt.Success,
			&failureReason,
			&attempt.AttemptedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan login attempt: %w", err)
		}
		attempt.AttemptedAt = attempt.AttemptedAt.UTC()
		if attemptUserID.Valid {
			id := attemptUserID.UUID
			attempt.UserID = &id
		}
		attempt.FailureReason = failureReason.String
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate login attempts: %w", err)
	}
	return attempts, nil
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.execer(ctx).ExecContext(ctx,
		`DELETE FROM login_attempts WHERE attempted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old login attempts: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old login attempts rows affected: %w", err)
	}
	return int(rows), nil
}
