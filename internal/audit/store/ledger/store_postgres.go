package ledgerstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"vigil/internal/audit"
	"vigil/pkg/platform/sentinel"
	txcontext "vigil/pkg/platform/tx"
)

// PostgresStore persists ledger entries in PostgreSQL. The primary key on
// sequence_number is the cross-process backstop for the service's
// single-writer mutex: a racing writer loses with a unique violation instead
// of corrupting the chain.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed ledger store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `sequence_number, event_id, occurred_at, hash,
	user_id, username, org_id, ip_address,
	event_type, action, entity_type, entity_id, changes,
	success, failure_reason`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) querier(ctx context.Context) querier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) AppendBatch(ctx context.Context, batch []audit.LedgerEntry) error {
	insert := func(ctx context.Context) error {
		q := s.querier(ctx)
		query := `
			INSERT INTO audit_ledger (` + entryColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`
		for _, entry := range batch {
			_, err := q.ExecContext(ctx, query,
				entry.SequenceNumber,
				entry.EventID,
				entry.OccurredAt,
				entry.Hash,
				entry.UserID,
				entry.Username,
				entry.OrgID,
				entry.IPAddress,
				string(entry.EventType),
				string(entry.Action),
				entry.EntityType,
				entry.EntityID,
				entry.Changes,
				entry.Success,
				entry.FailureReason,
			)
			if err != nil {
				var pqErr *pq.Error
				if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
					return fmt.Errorf("sequence %d already exists: %w", entry.SequenceNumber, sentinel.ErrConflict)
				}
				return fmt.Errorf("insert ledger entry %d: %w", entry.SequenceNumber, err)
			}
		}
		return nil
	}

	// Batches are all-or-nothing; join an ambient transaction when present.
	if _, ok := txcontext.From(ctx); ok {
		return insert(ctx)
	}
	return txcontext.RunInTx(ctx, s.db, insert)
}

func (s *PostgresStore) Last(ctx context.Context) (*audit.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM audit_ledger ORDER BY sequence_number DESC LIMIT 1`
	entry, err := scanEntry(s.querier(ctx).QueryRowContext(ctx, query))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get ledger head: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) GetBySequence(ctx context.Context, seq int64) (*audit.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM audit_ledger WHERE sequence_number = $1`
	entry, err := scanEntry(s.querier(ctx).QueryRowContext(ctx, query, seq))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ledger entry %d not found: %w", seq, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) ListRange(ctx context.Context, fromSeq, toSeq int64) ([]audit.LedgerEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM audit_ledger
		WHERE sequence_number BETWEEN $1 AND $2
		ORDER BY sequence_number
	`
	rows, err := s.querier(ctx).QueryContext(ctx, query, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("query ledger range: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresStore) List(ctx context.Context, filter audit.EntryFilter) ([]audit.LedgerEntry, int64, error) {
	filter.Normalize()
	where, args := buildFilter(filter)

	var total int64
	countQuery := `SELECT COUNT(*) FROM audit_ledger` + where
	if err := s.querier(ctx).QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count ledger entries: %w", err)
	}

	query := fmt.Sprintf(`SELECT `+entryColumns+` FROM audit_ledger%s ORDER BY sequence_number LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)

	rows, err := s.querier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func buildFilter(filter audit.EntryFilter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.UserID != nil {
		add("user_id = $%d", *filter.UserID)
	}
	if filter.EventType != nil {
		add("event_type = $%d", string(*filter.EventType))
	}
	if filter.Action != nil {
		add("action = $%d", string(*filter.Action))
	}
	if filter.EntityType != "" {
		add("entity_type = $%d", filter.EntityType)
	}
	if filter.EntityID != "" {
		add("entity_id = $%d", filter.EntityID)
	}
	if filter.Success != nil {
		add("success = $%d", *filter.Success)
	}
	if filter.From != nil {
		add("occurred_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("occurred_at <= $%d", *filter.To)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.querier(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_ledger`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListByPartition(ctx context.Context, boundary time.Time) ([]audit.LedgerEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM audit_ledger
		WHERE occurred_at >= $1 AND occurred_at < $2
		ORDER BY sequence_number
	`
	rows, err := s.querier(ctx).QueryContext(ctx, query, boundary, boundary.AddDate(0, 1, 0))
	if err != nil {
		return nil, fmt.Errorf("query ledger partition: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresStore) DeleteByPartition(ctx context.Context, boundary time.Time) (int64, error) {
	result, err := s.querier(ctx).ExecContext(ctx,
		`DELETE FROM audit_ledger WHERE occurred_at >= $1 AND occurred_at < $2`,
		boundary, boundary.AddDate(0, 1, 0),
	)
	if err != nil {
		return 0, fmt.Errorf("delete ledger partition: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete ledger partition rows affected: %w", err)
	}
	return deleted, nil
}

func scanEntries(rows *sql.Rows) ([]audit.LedgerEntry, error) {
	var entries []audit.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*audit.LedgerEntry, error) {
	var (
		entry     audit.LedgerEntry
		userID    uuid.NullUUID
		orgID     uuid.NullUUID
		eventType string
		action    string
	)
	err := row.Scan(
		&entry.SequenceNumber,
		&entry.EventID,
		&entry.OccurredAt,
		&entry.Hash,
		&userID,
		&entry.Username,
		&orgID,
		&entry.IPAddress,
		&eventType,
		&action,
		&entry.EntityType,
		&entry.EntityID,
		&entry.Changes,
		&entry.Success,
		&entry.FailureReason,
	)
	if err != nil {
		return nil, err
	}
	entry.OccurredAt = entry.OccurredAt.UTC()
	entry.EventType = audit.EventType(eventType)
	entry.Action = audit.Action(action)
	if userID.Valid {
		entry.UserID = &userID.UUID
	}
	if orgID.Valid {
		entry.OrgID = &orgID.UUID
	}
	return &entry, nil
}
