package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"vigil/internal/audit"
	"vigil/internal/archive/blob"
	archivemetrics "vigil/internal/archive/metrics"
	"vigil/internal/audit/publisher"
	dErrors "vigil/pkg/domain-errors"
	"vigil/pkg/platform/sentinel"
	"vigil/pkg/requestcontext"
)

// LedgerSource is the slice of the ledger store the archiver reads and purges.
type LedgerSource interface {
	ListByPartition(ctx context.Context, boundary time.Time) ([]audit.LedgerEntry, error)
	DeleteByPartition(ctx context.Context, boundary time.Time) (int64, error)
}

// DigestProvider snapshots the ledger chain state for manifests.
type DigestProvider interface {
	GetLedgerDigest(ctx context.Context) (*audit.LedgerDigest, error)
}

// ManifestStore persists archive manifests.
type ManifestStore interface {
	Create(ctx context.Context, manifest *Manifest) error
	GetByID(ctx context.Context, id uuid.UUID) (*Manifest, error)
	GetByBoundary(ctx context.Context, boundary time.Time) (*Manifest, error)
	SetPurgedAt(ctx context.Context, id uuid.UUID, purgedAt time.Time) error
	List(ctx context.Context, from, to *time.Time) ([]Manifest, error)
}

// PartitionStore tracks partition lifecycle state.
type PartitionStore interface {
	Create(ctx context.Context, boundary time.Time) error
	Get(ctx context.Context, boundary time.Time) (*Partition, error)
	Transition(ctx context.Context, boundary time.Time, from, to PartitionState, at time.Time) error
	List(ctx context.Context, states ...PartitionState) ([]Partition, error)
}

// Service drives the partition lifecycle. Archive and purge of one partition
// are mutually exclusive through a per-partition lock, and every state change
// additionally passes the store's expected-state precondition.
type Service struct {
	ledger     LedgerSource
	digests    DigestProvider
	manifests  ManifestStore
	partitions PartitionStore
	blobs      blob.Store

	logger   *slog.Logger
	metrics  *archivemetrics.Metrics
	security publisher.SecurityPublisher

	mu    sync.Mutex
	locks map[time.Time]*sync.Mutex
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *archivemetrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithSecurityPublisher(p publisher.SecurityPublisher) Option {
	return func(s *Service) { s.security = p }
}

func NewService(ledger LedgerSource, digests DigestProvider, manifests ManifestStore, partitions PartitionStore, blobs blob.Store, opts ...Option) (*Service, error) {
	if ledger == nil || digests == nil || manifests == nil || partitions == nil || blobs == nil {
		return nil, errors.New("archive service requires ledger, digests, manifests, partitions, and blob stores")
	}
	svc := &Service{
		ledger:     ledger,
		digests:    digests,
		manifests:  manifests,
		partitions: partitions,
		blobs:      blobs,
		logger:     slog.Default(),
		security:   publisher.Nop{},
		locks:      make(map[time.Time]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// partitionLock returns the mutex serializing archive/purge for one boundary.
func (s *Service) partitionLock(boundary time.Time) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[boundary]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[boundary] = lock
	}
	return lock
}

// AddPartitionBoundary pre-registers a partition in the Active state.
// Idempotent: re-registering an existing boundary is a no-op.
func (s *Service) AddPartitionBoundary(ctx context.Context, boundary time.Time) error {
	boundary = NormalizeBoundary(boundary)
	if err := s.partitions.Create(ctx, boundary); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to register partition")
	}
	s.logger.InfoContext(ctx, "partition registered", "boundary", boundary.Format("2006-01"))
	return nil
}

// ArchivePartition freezes a partition, exports its entries to blob storage,
// and records a verifiable manifest. Any failure after staging leaves the
// partition in Staged so the operation can be retried; nothing is ever purged
// here.
func (s *Service) ArchivePartition(ctx context.Context, boundary time.Time, archivedBy, retentionPolicy string) (*Manifest, error) {
	if archivedBy == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "archivedBy is required")
	}
	boundary = NormalizeBoundary(boundary)

	lock := s.partitionLock(boundary)
	lock.Lock()
	defer lock.Unlock()

	partition, err := s.partitions.Get(ctx, boundary)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "partition %s is not registered", boundary.Format("2006-01"))
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to load partition")
	}

	now := requestcontext.Now(ctx)
	switch partition.State {
	case PartitionActive:
		if err := s.partitions.Transition(ctx, boundary, PartitionActive, PartitionStaged, now); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "failed to stage partition")
		}
	case PartitionStaged:
		// Retry of a previously failed archive attempt; continue from staging.
	case PartitionArchived, PartitionPurged:
		return nil, dErrors.Newf(dErrors.CodeConflict, "partition %s is already %s",
			boundary.Format("2006-01"), partition.State)
	default:
		return nil, dErrors.Newf(dErrors.CodeConflict, "partition %s in unknown state %s",
			boundary.Format("2006-01"), partition.State)
	}

	entries, err := s.ledger.ListByPartition(ctx, boundary)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to read partition entries")
	}
	if len(entries) == 0 {
		return nil, dErrors.Newf(dErrors.CodeValidation, "partition %s has no entries", boundary.Format("2006-01"))
	}

	payload, err := serializeEntries(entries)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to serialize partition entries")
	}

	upload, err := s.blobs.Upload(ctx, boundary, bytes.NewReader(payload))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to upload archive blob")
	}

	digest, err := s.digests.GetLedgerDigest(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to capture ledger digest")
	}

	manifest := &Manifest{
		ID:                  uuid.New(),
		PartitionBoundary:   boundary,
		FirstSequenceNumber: entries[0].SequenceNumber,
		LastSequenceNumber:  entries[len(entries)-1].SequenceNumber,
		RecordCount:         int64(len(entries)),
		FirstRecordHash:     entries[0].Hash,
		LastRecordHash:      entries[len(entries)-1].Hash,
		LedgerDigest:        digest.Digest,
		ArchiveURI:          upload.URI,
		ArchiveBlobHash:     upload.ContentHash,
		ArchiveSizeBytes:    upload.SizeBytes,
		ArchivedAt:          now,
		ArchivedBy:          archivedBy,
		RetentionPolicy:     retentionPolicy,
	}
	if err := s.manifests.Create(ctx, manifest); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "manifest already exists for partition")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to write archive manifest")
	}

	if err := s.partitions.Transition(ctx, boundary, PartitionStaged, PartitionArchived, now); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to mark partition archived")
	}

	if s.metrics != nil {
		s.metrics.PartitionsArchived.Inc()
		s.metrics.ArchiveBytesWritten.Add(float64(upload.SizeBytes))
	}
	s.logger.InfoContext(ctx, "partition archived",
		"boundary", boundary.Format("2006-01"),
		"records", manifest.RecordCount,
		"uri", manifest.ArchiveURI,
		"size_bytes", manifest.ArchiveSizeBytes,
	)
	return manifest, nil
}

// PurgePartition deletes a partition's source rows, but only after the blob
// has been independently re-hashed against the manifest and the live rows
// still match what the manifest covers. Either mismatch is fatal: it is
// surfaced, published, and nothing is deleted.
func (s *Service) PurgePartition(ctx context.Context, boundary time.Time) error {
	boundary = NormalizeBoundary(boundary)

	lock := s.partitionLock(boundary)
	lock.Lock()
	defer lock.Unlock()

	partition, err := s.partitions.Get(ctx, boundary)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Newf(dErrors.CodeNotFound, "partition %s is not registered", boundary.Format("2006-01"))
		}
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to load partition")
	}
	if partition.State != PartitionArchived {
		return dErrors.Newf(dErrors.CodeConflict, "partition %s is %s, purge requires archived",
			boundary.Format("2006-01"), partition.State)
	}

	manifest, err := s.manifests.GetByBoundary(ctx, boundary)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeNotFound, "failed to load archive manifest")
	}

	blobHash, err := s.blobs.GetBlobHash(ctx, manifest.ArchiveURI)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to re-hash archive blob")
	}
	if blobHash != manifest.ArchiveBlobHash {
		s.reportIntegrityViolation(ctx, manifest, fmt.Sprintf(
			"blob hash %s does not match manifest hash %s", blobHash, manifest.ArchiveBlobHash))
		return dErrors.Newf(dErrors.CodeIntegrityViolation,
			"archive blob for partition %s failed verification, refusing to purge", boundary.Format("2006-01"))
	}

	live, err := s.ledger.ListByPartition(ctx, boundary)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to read partition entries")
	}
	var lastSeq int64
	if len(live) > 0 {
		lastSeq = live[len(live)-1].SequenceNumber
	}
	if int64(len(live)) != manifest.RecordCount || lastSeq != manifest.LastSequenceNumber {
		s.reportIntegrityViolation(ctx, manifest, fmt.Sprintf(
			"partition holds %d live rows through sequence %d, manifest covers %d through %d",
			len(live), lastSeq, manifest.RecordCount, manifest.LastSequenceNumber))
		return dErrors.Newf(dErrors.CodeIntegrityViolation,
			"partition %s has rows the archive does not cover, refusing to purge", boundary.Format("2006-01"))
	}

	now := requestcontext.Now(ctx)
	deleted, err := s.ledger.DeleteByPartition(ctx, boundary)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to delete partition entries")
	}
	if deleted != manifest.RecordCount {
		s.logger.WarnContext(ctx, "purged row count differs from manifest",
			"boundary", boundary.Format("2006-01"),
			"deleted", deleted,
			"manifest_count", manifest.RecordCount,
		)
	}

	if err := s.manifests.SetPurgedAt(ctx, manifest.ID, now); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to record purge time")
	}
	if err := s.partitions.Transition(ctx, boundary, PartitionArchived, PartitionPurged, now); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to mark partition purged")
	}

	if s.metrics != nil {
		s.metrics.PartitionsPurged.Inc()
	}
	s.logger.InfoContext(ctx, "partition purged",
		"boundary", boundary.Format("2006-01"),
		"deleted", deleted,
	)
	return nil
}

// VerifyArchive checks one archived partition without mutating anything:
// blob integrity against the manifest hash, record count, and the internal
// hash chain of the exported entries.
func (s *Service) VerifyArchive(ctx context.Context, manifestID uuid.UUID) (*VerificationResult, error) {
	manifest, err := s.manifests.GetByID(ctx, manifestID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "manifest %s not found", manifestID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to load manifest")
	}

	result := &VerificationResult{ManifestID: manifestID}

	blobHash, err := s.blobs.GetBlobHash(ctx, manifest.ArchiveURI)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to hash archive blob")
	}
	result.BlobIntegrityValid = blobHash == manifest.ArchiveBlobHash

	body, err := s.blobs.Download(ctx, manifest.ArchiveURI)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to download archive blob")
	}
	defer body.Close()

	entries, err := deserializeEntries(body)
	if err != nil {
		result.ChainValid = false
		result.RecordCountValid = false
		result.Detail = fmt.Sprintf("blob is not parseable: %v", err)
	} else {
		result.RecordCountValid = int64(len(entries)) == manifest.RecordCount
		result.ChainValid, result.Detail = verifyExportedChain(entries, manifest)
	}

	if !result.Valid() {
		s.reportIntegrityViolation(ctx, manifest, result.Detail)
	}
	return result, nil
}

func verifyExportedChain(entries []audit.LedgerEntry, manifest *Manifest) (bool, string) {
	if len(entries) == 0 {
		return false, "archive contains no entries"
	}
	first, last := entries[0], entries[len(entries)-1]
	if first.Hash != manifest.FirstRecordHash {
		return false, fmt.Sprintf("first record hash %s does not match manifest %s", first.Hash, manifest.FirstRecordHash)
	}
	if last.Hash != manifest.LastRecordHash {
		return false, fmt.Sprintf("last record hash %s does not match manifest %s", last.Hash, manifest.LastRecordHash)
	}
	// The first entry's predecessor lives in an earlier partition, so its own
	// link is anchored by the manifest hashes above; every later entry must
	// recompute from its neighbor.
	for i := 1; i < len(entries); i++ {
		if entries[i].SequenceNumber != entries[i-1].SequenceNumber+1 {
			return false, fmt.Sprintf("sequence gap between %d and %d",
				entries[i-1].SequenceNumber, entries[i].SequenceNumber)
		}
		if got := entries[i].ComputeHash(entries[i-1].Hash); got != entries[i].Hash {
			return false, fmt.Sprintf("hash mismatch at sequence %d", entries[i].SequenceNumber)
		}
	}
	return true, ""
}

func (s *Service) reportIntegrityViolation(ctx context.Context, manifest *Manifest, detail string) {
	if s.metrics != nil {
		s.metrics.VerificationFailures.Inc()
	}
	s.logger.ErrorContext(ctx, "archive integrity violation",
		"boundary", manifest.PartitionBoundary.Format("2006-01"),
		"manifest_id", manifest.ID,
		"detail", detail,
	)
	s.security.Publish(ctx, publisher.SecurityEvent{
		Subject:  manifest.ArchiveURI,
		Action:   string(audit.ActionIntegrityCheckFailed),
		Reason:   detail,
		Severity: publisher.SeverityCritical,
	})
}

// GetArchiveManifests returns manifests whose partition boundaries fall in
// the optional range.
func (s *Service) GetArchiveManifests(ctx context.Context, from, to *time.Time) ([]Manifest, error) {
	manifests, err := s.manifests.List(ctx, from, to)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to list archive manifests")
	}
	return manifests, nil
}

// GetLedgerDigest exposes the current chain snapshot for operators.
func (s *Service) GetLedgerDigest(ctx context.Context) (*audit.LedgerDigest, error) {
	return s.digests.GetLedgerDigest(ctx)
}

// ListPartitions returns lifecycle records, optionally filtered by state.
func (s *Service) ListPartitions(ctx context.Context, states ...PartitionState) ([]Partition, error) {
	partitions, err := s.partitions.List(ctx, states...)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to list partitions")
	}
	return partitions, nil
}

func serializeEntries(entries []audit.LedgerEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return nil, fmt.Errorf("encode entry %d: %w", entries[i].SequenceNumber, err)
		}
	}
	return buf.Bytes(), nil
}

func deserializeEntries(r io.Reader) ([]audit.LedgerEntry, error) {
	var entries []audit.LedgerEntry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var entry audit.LedgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("decode archive line %d: %w", len(entries)+1, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read archive blob: %w", err)
	}
	return entries, nil
}
