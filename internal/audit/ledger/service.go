// Package ledger appends entries to the tamper-evident audit ledger under a
// strictly increasing sequence number and verifies chain integrity.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"vigil/internal/audit"
	"vigil/internal/audit/hashchain"
	auditmetrics "vigil/internal/audit/metrics"
	dErrors "vigil/pkg/domain-errors"
	"vigil/pkg/requestcontext"
)

// verifyChunkSize bounds memory during integrity walks over large ranges.
const verifyChunkSize = 500

// Store is the persistence contract for ledger entries.
//
// Error Contract:
// - Return sentinel.ErrNotFound (wrapped) when a requested entry does not exist
// - Return sentinel.ErrConflict (wrapped) on duplicate sequence numbers
// - AppendBatch is all-or-nothing: on error no entry of the batch is persisted
type Store interface {
	AppendBatch(ctx context.Context, entries []audit.LedgerEntry) error
	Last(ctx context.Context) (*audit.LedgerEntry, error)
	GetBySequence(ctx context.Context, seq int64) (*audit.LedgerEntry, error)
	ListRange(ctx context.Context, fromSeq, toSeq int64) ([]audit.LedgerEntry, error)
	List(ctx context.Context, filter audit.EntryFilter) ([]audit.LedgerEntry, int64, error)
	Count(ctx context.Context) (int64, error)
}

// Service serializes appends so that no two entries receive the same sequence
// number and no gap is introduced between successful appends. The mutex is the
// single-writer guarantee within a process; the store's unique sequence
// constraint backs it across processes.
type Service struct {
	store   Store
	logger  *slog.Logger
	metrics *auditmetrics.Metrics

	mu sync.Mutex // guards sequence assignment across Record/RecordBatch
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *auditmetrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("ledger store is required")
	}
	svc := &Service{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Record appends a single entry to the ledger.
func (s *Service) Record(ctx context.Context, entry *audit.LedgerEntry) error {
	return s.RecordBatch(ctx, []*audit.LedgerEntry{entry})
}

// RecordBatch appends entries atomically, acquiring the ordering guarantee
// once for the whole batch. A failed append never advances the sequence: the
// next sequence number is always derived from the last persisted entry.
func (s *Service) RecordBatch(ctx context.Context, entries []*audit.LedgerEntry) error {
	if len(entries) == 0 {
		return dErrors.New(dErrors.CodeValidation, "batch must contain at least one entry")
	}
	for _, entry := range entries {
		if entry == nil {
			return dErrors.New(dErrors.CodeValidation, "batch must not contain nil entries")
		}
		if !entry.EventType.IsValid() {
			return dErrors.Newf(dErrors.CodeValidation, "invalid event type %q", entry.EventType)
		}
		if entry.Action == "" {
			return dErrors.New(dErrors.CodeValidation, "action is required")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last, err := s.store.Last(ctx)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to read ledger head")
	}

	previousHash := hashchain.GenesisHash
	nextSeq := int64(1)
	if last != nil {
		previousHash = last.Hash
		nextSeq = last.SequenceNumber + 1
	}

	now := requestcontext.Now(ctx)
	batch := make([]audit.LedgerEntry, len(entries))
	for i, entry := range entries {
		sequenced := *entry
		sequenced.SequenceNumber = nextSeq
		if sequenced.EventID == uuid.Nil {
			sequenced.EventID = uuid.New()
		}
		if sequenced.OccurredAt.IsZero() {
			sequenced.OccurredAt = now
		}
		sequenced.OccurredAt = sequenced.OccurredAt.UTC()
		sequenced.Hash = sequenced.ComputeHash(previousHash)

		batch[i] = sequenced
		previousHash = sequenced.Hash
		nextSeq++
	}

	if err := s.store.AppendBatch(ctx, batch); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to append ledger batch")
	}

	// Reflect assigned fields back so callers see sequence, hash, and times.
	for i := range batch {
		*entries[i] = batch[i]
	}

	if s.metrics != nil {
		s.metrics.EntriesAppended.Add(float64(len(batch)))
	}
	s.logger.DebugContext(ctx, "ledger batch appended",
		"first_sequence", batch[0].SequenceNumber,
		"count", len(batch),
	)
	return nil
}

// Query returns one page of entries matching the filter, newest restriction
// semantics owned by the store. Page size is capped at audit.MaxPageSize.
func (s *Service) Query(ctx context.Context, filter audit.EntryFilter) (*audit.PagedResult, error) {
	filter.Normalize()
	entries, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to query ledger")
	}
	return &audit.PagedResult{
		Entries:    entries,
		TotalCount: total,
		Page:       filter.Page,
		PageSize:   filter.PageSize,
	}, nil
}

// GetEntityHistory returns every entry touching one entity, oldest first.
func (s *Service) GetEntityHistory(ctx context.Context, entityType, entityID string) ([]audit.LedgerEntry, error) {
	if entityType == "" || entityID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "entity type and id are required")
	}
	return s.collect(ctx, audit.EntryFilter{EntityType: entityType, EntityID: entityID})
}

// GetUserActivity returns every entry attributed to one user within the
// optional time range, oldest first.
func (s *Service) GetUserActivity(ctx context.Context, userID uuid.UUID, from, to *time.Time) ([]audit.LedgerEntry, error) {
	return s.collect(ctx, audit.EntryFilter{UserID: &userID, From: from, To: to})
}

func (s *Service) collect(ctx context.Context, filter audit.EntryFilter) ([]audit.LedgerEntry, error) {
	filter.Page = 1
	filter.PageSize = audit.MaxPageSize
	var all []audit.LedgerEntry
	for {
		page, _, err := s.store.List(ctx, filter)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to query ledger")
		}
		all = append(all, page...)
		if len(page) < filter.PageSize {
			return all, nil
		}
		filter.Page++
	}
}

// VerifyIntegrity walks entries in sequence order, recomputing each hash from
// canonical fields plus the previous stored hash. It reports the first
// position where a sequence number is missing or a computed hash disagrees
// with the stored one. When fromSeq is nil the walk anchors on the earliest
// retained entry, so verification stays meaningful after old partitions have
// been purged.
func (s *Service) VerifyIntegrity(ctx context.Context, fromSeq, toSeq *int64) (*audit.VerificationResult, error) {
	last, err := s.store.Last(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to read ledger head")
	}
	if last == nil {
		return &audit.VerificationResult{Valid: true}, nil
	}

	end := last.SequenceNumber
	if toSeq != nil && *toSeq < end {
		end = *toSeq
	}

	var (
		previousHash string
		prevSeq      int64
		anchored     bool
	)
	start := int64(1)
	if fromSeq != nil {
		start = *fromSeq
		if prev, err := s.store.GetBySequence(ctx, start-1); err == nil && prev != nil {
			previousHash = prev.Hash
			prevSeq = prev.SequenceNumber
			anchored = true
		}
	}

	result := &audit.VerificationResult{Valid: true}
	cursor := start
	for cursor <= end {
		chunkEnd := min(cursor+verifyChunkSize-1, end)
		entries, err := s.store.ListRange(ctx, cursor, chunkEnd)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to read ledger range")
		}
		for i := range entries {
			entry := &entries[i]
			if !anchored {
				// First retained entry is the trust anchor after purges; from
				// here on the chain must be contiguous and recomputable.
				if cursor == 1 && entry.SequenceNumber == 1 {
					if got := entry.ComputeHash(hashchain.GenesisHash); got != entry.Hash {
						return s.failVerification(ctx, result, entry.SequenceNumber, audit.FailureHashMismatch,
							fmt.Sprintf("stored hash %s, recomputed %s", entry.Hash, got)), nil
					}
				}
				previousHash = entry.Hash
				prevSeq = entry.SequenceNumber
				anchored = true
				result.EntriesChecked++
				continue
			}
			if entry.SequenceNumber != prevSeq+1 {
				return s.failVerification(ctx, result, prevSeq+1, audit.FailureSequenceGap,
					fmt.Sprintf("expected sequence %d, found %d", prevSeq+1, entry.SequenceNumber)), nil
			}
			if got := entry.ComputeHash(previousHash); got != entry.Hash {
				return s.failVerification(ctx, result, entry.SequenceNumber, audit.FailureHashMismatch,
					fmt.Sprintf("stored hash %s, recomputed %s", entry.Hash, got)), nil
			}
			previousHash = entry.Hash
			prevSeq = entry.SequenceNumber
			result.EntriesChecked++
		}
		if anchored && int64(len(entries)) < chunkEnd-cursor+1 && prevSeq < chunkEnd {
			// Fewer rows than sequence numbers in the chunk: something is
			// missing beyond the last row we saw. Before the anchor is
			// established, empty chunks are just the purged prefix.
			return s.failVerification(ctx, result, prevSeq+1, audit.FailureSequenceGap,
				fmt.Sprintf("no entry at sequence %d", prevSeq+1)), nil
		}
		cursor = chunkEnd + 1
	}
	return result, nil
}

func (s *Service) failVerification(ctx context.Context, result *audit.VerificationResult, seq int64, failure audit.VerificationFailure, detail string) *audit.VerificationResult {
	result.Valid = false
	result.FirstBadSequence = &seq
	result.Failure = failure
	result.Detail = detail
	if s.metrics != nil {
		s.metrics.IntegrityFailures.With(prometheus.Labels{"failure": string(failure)}).Inc()
	}
	s.logger.ErrorContext(ctx, "ledger integrity violation",
		"sequence", seq,
		"failure", string(failure),
		"detail", detail,
	)
	return result
}

// GetLedgerDigest snapshots the chain's current state. The digest covers the
// head sequence, head hash, and entry count, so any later divergence is
// detectable against archived manifests.
func (s *Service) GetLedgerDigest(ctx context.Context) (*audit.LedgerDigest, error) {
	last, err := s.store.Last(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to read ledger head")
	}
	count, err := s.store.Count(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to count ledger entries")
	}

	digest := &audit.LedgerDigest{
		EntryCount: count,
		ComputedAt: requestcontext.Now(ctx),
	}
	if last != nil {
		digest.LastSequenceNumber = last.SequenceNumber
		digest.LastHash = last.Hash
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%d|%s|%d", digest.LastSequenceNumber, digest.LastHash, digest.EntryCount))
	digest.Digest = hex.EncodeToString(sum[:])
	return digest, nil
}
