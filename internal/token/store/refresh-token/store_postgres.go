package refreshtoken

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vigil/internal/token"
	"vigil/pkg/platform/sentinel"
	txcontext "vigil/pkg/platform/tx"
)

// PostgresStore persists refresh tokens in PostgreSQL. Consume is a single
// conditional UPDATE, so the claim race is settled by the database: exactly
// one of two concurrent rotations wins the row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed refresh token store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tokenColumns = `id, user_id, secret, token_family_id, created_at, created_by_ip,
	expires_at, claimed_by, claimed_at, revoked_at`

type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) executor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Create(ctx context.Context, t *token.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (` + tokenColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		t.ID, t.UserID, t.Secret, t.TokenFamilyID, t.CreatedAt, t.CreatedByIP,
		t.ExpiresAt, t.ClaimedBy, t.ClaimedAt, t.RevokedAt,
	)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id uuid.UUID) (*token.RefreshToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM refresh_tokens WHERE id = $1`
	record, err := scanToken(s.execer(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("refresh token not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return record, nil
}

// Consume claims the token with one conditional UPDATE. When the update
// affects no row the token is re-read to distinguish not-found, expired, and
// already-used; the record is returned alongside ErrAlreadyUsed so the caller
// can revoke the family.
func (s *PostgresStore) Consume(ctx context.Context, id uuid.UUID, claimedBy string, now time.Time) (*token.RefreshToken, error) {
	query := `
		UPDATE refresh_tokens
		SET claimed_by = $2, claimed_at = $3
		WHERE id = $1
		  AND claimed_by IS NULL
		  AND revoked_at IS NULL
		  AND expires_at > $3
		RETURNING ` + tokenColumns
	record, err := scanToken(s.execer(ctx).QueryRowContext(ctx, query, id, claimedBy, now))
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("consume refresh token: %w", err)
	}

	record, err = s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if verr := record.ValidateForRotation(now); verr != nil {
		return record, translateRotationError(record, now, verr)
	}
	// The conditional update matched nothing yet the row now looks
	// rotatable. Treat as transient contention rather than claim it here.
	return nil, fmt.Errorf("refresh token claim contention: %w", sentinel.ErrUnavailable)
}

func (s *PostgresStore) RevokeFamily(ctx context.Context, familyID uuid.UUID, now time.Time) (int, error) {
	result, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2
		WHERE token_family_id = $1 AND revoked_at IS NULL
	`, familyID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke token family: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke token family rows affected: %w", err)
	}
	return int(rows), nil
}

func (s *PostgresStore) ListByFamily(ctx context.Context, familyID uuid.UUID) ([]token.RefreshToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM refresh_tokens WHERE token_family_id = $1 ORDER BY created_at`
	rows, err := s.execer(ctx).QueryContext(ctx, query, familyID)
	if err != nil {
		return nil, fmt.Errorf("query token family: %w", err)
	}
	defer rows.Close()

	var tokens []token.RefreshToken
	for rows.Next() {
		record, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token family: %w", err)
	}
	return tokens, nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.execer(ctx).ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens rows affected: %w", err)
	}
	return int(rows), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*token.RefreshToken, error) {
	var (
		record    token.RefreshToken
		claimedBy sql.NullString
		claimedAt sql.NullTime
		revokedAt sql.NullTime
	)
	err := row.Scan(
		&record.ID,
		&record.UserID,
		&record.Secret,
		&record.TokenFamilyID,
		&record.CreatedAt,
		&record.CreatedByIP,
		&record.ExpiresAt,
		&claimedBy,
		&claimedAt,
		&revokedAt,
	)
	if err != nil {
		return nil, err
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.ExpiresAt = record.ExpiresAt.UTC()
	if claimedBy.Valid {
		record.ClaimedBy = &claimedBy.String
	}
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		record.ClaimedAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time.UTC()
		record.RevokedAt = &t
	}
	return &record, nil
}
