package partitionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"vigil/internal/archive"
	"vigil/pkg/platform/sentinel"
	txcontext "vigil/pkg/platform/tx"
)

// PostgresStore persists partition lifecycle records in PostgreSQL. State
// transitions use conditional UPDATEs so the expected-state precondition is
// enforced by the database, not by readers.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed partition store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

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

func (s *PostgresStore) Create(ctx context.Context, boundary time.Time) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO audit_partitions (boundary, state)
		VALUES ($1, $2)
		ON CONFLICT (boundary) DO NOTHING
	`, boundary, string(archive.PartitionActive))
	if err != nil {
		return fmt.Errorf("create partition: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, boundary time.Time) (*archive.Partition, error) {
	row := s.execer(ctx).QueryRowContext(ctx, `
		SELECT boundary, state, staged_at, archived_at, purged_at
		FROM audit_partitions
		WHERE boundary = $1
	`, boundary)

	partition, err := scanPartition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("partition %s not found: %w", boundary.Format("2006-01"), sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("get partition: %w", err)
	}
	return partition, nil
}

// Transition conditionally advances a partition's state. Zero rows affected
// means the expected-state precondition failed, reported as ErrInvalidState.
func (s *PostgresStore) Transition(ctx context.Context, boundary time.Time, from, to archive.PartitionState, at time.Time) error {
	var column string
	switch to {
	case archive.PartitionStaged:
		column = "staged_at"
	case archive.PartitionArchived:
		column = "archived_at"
	case archive.PartitionPurged:
		column = "purged_at"
	default:
		return fmt.Errorf("cannot transition to %s: %w", to, sentinel.ErrInvalidState)
	}

	query := fmt.Sprintf(`
		UPDATE audit_partitions
		SET state = $1, %s = $2
		WHERE boundary = $3 AND state = $4
	`, column)
	result, err := s.execer(ctx).ExecContext(ctx, query, string(to), at, boundary, string(from))
	if err != nil {
		return fmt.Errorf("transition partition: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition partition rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("partition %s is not %s: %w", boundary.Format("2006-01"), from, sentinel.ErrInvalidState)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, states ...archive.PartitionState) ([]archive.Partition, error) {
	query := `SELECT boundary, state, staged_at, archived_at, purged_at FROM audit_partitions`
	var args []any
	if len(states) > 0 {
		query += ` WHERE state = ANY($1)`
		names := make([]string, len(states))
		for i, s := range states {
			names[i] = string(s)
		}
		args = append(args, pq.Array(names))
	}
	query += ` ORDER BY boundary`

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query partitions: %w", err)
	}
	defer rows.Close()

	var partitions []archive.Partition
	for rows.Next() {
		partition, err := scanPartition(rows)
		if err != nil {
			return nil, err
		}
		partitions = append(partitions, *partition)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate partitions: %w", err)
	}
	return partitions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPartition(row rowScanner) (*archive.Partition, error) {
	var (
		partition  archive.Partition
		state      string
		stagedAt   sql.NullTime
		archivedAt sql.NullTime
		purgedAt   sql.NullTime
	)
	if err := row.Scan(&partition.Boundary, &state, &stagedAt, &archivedAt, &purgedAt); err != nil {
		return nil, err
	}
	partition.Boundary = partition.Boundary.UTC()
	partition.State = archive.PartitionState(state)
	if stagedAt.Valid {
		t := stagedAt.Time.UTC()
		partition.StagedAt = &t
	}
	if archivedAt.Valid {
		t := archivedAt.Time.UTC()
		partition.ArchivedAt = &t
	}
	if purgedAt.Valid {
		t := purgedAt.Time.UTC()
		partition.PurgedAt = &t
	}
	return &partition, nil
}
