// Package archive manages the audit ledger's partition lifecycle: a calendar
// month of entries is frozen, exported to immutable blob storage under a
// verifiable manifest, and only purged from the source table after the blob
// has been independently re-verified.
package archive

import (
	"time"

	"github.com/google/uuid"
)

// PartitionState tracks one partition through its lifecycle.
// Transitions are strictly forward: Active -> Staged -> Archived -> Purged.
type PartitionState string

const (
	PartitionActive   PartitionState = "active"
	PartitionStaged   PartitionState = "staged"
	PartitionArchived PartitionState = "archived"
	PartitionPurged   PartitionState = "purged"
)

// Partition is the lifecycle record for one calendar-month slice of the
// ledger, keyed by its boundary (first day of month, UTC).
type Partition struct {
	Boundary   time.Time
	State      PartitionState
	StagedAt   *time.Time
	ArchivedAt *time.Time
	PurgedAt   *time.Time
}

// CanTransitionTo enforces the forward-only state machine.
func (p *Partition) CanTransitionTo(next PartitionState) bool {
	switch p.State {
	case PartitionActive:
		return next == PartitionStaged
	case PartitionStaged:
		return next == PartitionArchived
	case PartitionArchived:
		return next == PartitionPurged
	}
	return false
}

// Manifest identifies one archived partition and carries everything needed to
// verify the export independently of the live ledger. Immutable once written
// except for PurgedAt.
type Manifest struct {
	ID                  uuid.UUID
	PartitionBoundary   time.Time
	FirstSequenceNumber int64
	LastSequenceNumber  int64
	RecordCount         int64
	FirstRecordHash     string
	LastRecordHash      string
	LedgerDigest        string
	ArchiveURI          string
	ArchiveBlobHash     string
	ArchiveSizeBytes    int64
	ArchivedAt          time.Time
	ArchivedBy          string
	PurgedAt            *time.Time
	RetentionPolicy     string
}

// VerificationResult reports an archive verification without mutating state.
type VerificationResult struct {
	ManifestID         uuid.UUID
	BlobIntegrityValid bool
	ChainValid         bool
	RecordCountValid   bool
	Detail             string
}

// Valid reports whether every independent check passed.
func (r *VerificationResult) Valid() bool {
	return r.BlobIntegrityValid && r.ChainValid && r.RecordCountValid
}

// NormalizeBoundary truncates a time to the first day of its month in UTC.
func NormalizeBoundary(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
