package manifeststore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"vigil/internal/archive"
	"vigil/pkg/platform/sentinel"
	txcontext "vigil/pkg/platform/tx"
)

// PostgresStore persists archive manifests in PostgreSQL. A unique index on
// partition_boundary makes duplicate manifests for one partition impossible
// even across racing archivers.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed manifest store.
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

const manifestColumns = `id, partition_boundary, first_sequence_number, last_sequence_number,
	record_count, first_record_hash, last_record_hash, ledger_digest,
	archive_uri, archive_blob_hash, archive_size_bytes,
	archived_at, archived_by, purged_at, retention_policy`

func (s *PostgresStore) Create(ctx context.Context, manifest *archive.Manifest) error {
	query := `
		INSERT INTO audit_archive_manifests (` + manifestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		manifest.ID,
		manifest.PartitionBoundary,
		manifest.FirstSequenceNumber,
		manifest.LastSequenceNumber,
		manifest.RecordCount,
		manifest.FirstRecordHash,
		manifest.LastRecordHash,
		manifest.LedgerDigest,
		manifest.ArchiveURI,
		manifest.ArchiveBlobHash,
		manifest.ArchiveSizeBytes,
		manifest.ArchivedAt,
		manifest.ArchivedBy,
		manifest.PurgedAt,
		manifest.RetentionPolicy,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("manifest for partition %s already exists: %w",
				manifest.PartitionBoundary.Format("2006-01"), sentinel.ErrConflict)
		}
		return fmt.Errorf("insert archive manifest: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (*archive.Manifest, error) {
	query := `SELECT ` + manifestColumns + ` FROM audit_archive_manifests WHERE id = $1`
	manifest, err := scanManifest(s.execer(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("manifest %s not found: %w", id, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("get archive manifest: %w", err)
	}
	return manifest, nil
}

func (s *PostgresStore) GetByBoundary(ctx context.Context, boundary time.Time) (*archive.Manifest, error) {
	query := `SELECT ` + manifestColumns + ` FROM audit_archive_manifests WHERE partition_boundary = $1`
	manifest, err := scanManifest(s.execer(ctx).QueryRowContext(ctx, query, boundary))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("manifest for partition %s not found: %w",
				boundary.Format("2006-01"), sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("get archive manifest: %w", err)
	}
	return manifest, nil
}

func (s *PostgresStore) SetPurgedAt(ctx context.Context, id uuid.UUID, purgedAt time.Time) error {
	result, err := s.execer(ctx).ExecContext(ctx,
		`UPDATE audit_archive_manifests SET purged_at = $2 WHERE id = $1`,
		id, purgedAt,
	)
	if err != nil {
		return fmt.Errorf("set manifest purged_at: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set manifest purged_at rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("manifest %s not found: %w", id, sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, from, to *time.Time) ([]archive.Manifest, error) {
	query := `SELECT ` + manifestColumns + ` FROM audit_archive_manifests`
	var args []any
	switch {
	case from != nil && to != nil:
		query += ` WHERE partition_boundary BETWEEN $1 AND $2`
		args = append(args, *from, *to)
	case from != nil:
		query += ` WHERE partition_boundary >= $1`
		args = append(args, *from)
	case to != nil:
		query += ` WHERE partition_boundary <= $1`
		args = append(args, *to)
	}
	query += ` ORDER BY partition_boundary`

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query archive manifests: %w", err)
	}
	defer rows.Close()

	var manifests []archive.Manifest
	for rows.Next() {
		manifest, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, *manifest)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archive manifests: %w", err)
	}
	return manifests, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManifest(row rowScanner) (*archive.Manifest, error) {
	var (
		manifest archive.Manifest
		purgedAt sql.NullTime
	)
	err := row.Scan(
		&manifest.ID,
		&manifest.PartitionBoundary,
		&manifest.FirstSequenceNumber,
		&manifest.LastSequenceNumber,
		&manifest.RecordCount,
		&manifest.FirstRecordHash,
		&manifest.LastRecordHash,
		&manifest.LedgerDigest,
		&manifest.ArchiveURI,
		&manifest.ArchiveBlobHash,
		&manifest.ArchiveSizeBytes,
		&manifest.ArchivedAt,
		&manifest.ArchivedBy,
		&purgedAt,
		&manifest.RetentionPolicy,
	)
	if err != nil {
		return nil, err
	}
	manifest.PartitionBoundary = manifest.PartitionBoundary.UTC()
	manifest.ArchivedAt = manifest.ArchivedAt.UTC()
	if purgedAt.Valid {
		t := purgedAt.Time.UTC()
		manifest.PurgedAt = &t
	}
	return &manifest, nil
}
