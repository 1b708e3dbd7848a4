package ledgerstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"vigil/internal/audit"
	"vigil/pkg/platform/sentinel"
)

// InMemoryLedgerStore keeps ledger entries in memory for tests and dev.
// Entries are held ordered by sequence number.
type InMemoryLedgerStore struct {
	mu      sync.RWMutex
	entries []audit.LedgerEntry
	bySeq   map[int64]int
}

// New constructs an empty in-memory ledger store.
func New() *InMemoryLedgerStore {
	return &InMemoryLedgerStore{bySeq: make(map[int64]int)}
}

func (s *InMemoryLedgerStore) AppendBatch(_ context.Context, batch []audit.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// All-or-nothing: reject the whole batch before touching state.
	next := int64(1)
	if len(s.entries) > 0 {
		next = s.entries[len(s.entries)-1].SequenceNumber + 1
	}
	for _, entry := range batch {
		if _, exists := s.bySeq[entry.SequenceNumber]; exists {
			return fmt.Errorf("sequence %d already exists: %w", entry.SequenceNumber, sentinel.ErrConflict)
		}
		if entry.SequenceNumber != next {
			return fmt.Errorf("sequence %d out of order, expected %d: %w", entry.SequenceNumber, next, sentinel.ErrConflict)
		}
		next++
	}

	for _, entry := range batch {
		s.bySeq[entry.SequenceNumber] = len(s.entries)
		s.entries = append(s.entries, entry)
	}
	return nil
}

func (s *InMemoryLedgerStore) Last(_ context.Context) (*audit.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	last := s.entries[len(s.entries)-1]
	return &last, nil
}

func (s *InMemoryLedgerStore) GetBySequence(_ context.Context, seq int64) (*audit.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.bySeq[seq]
	if !ok {
		return nil, fmt.Errorf("ledger entry %d not found: %w", seq, sentinel.ErrNotFound)
	}
	entry := s.entries[idx]
	return &entry, nil
}

func (s *InMemoryLedgerStore) ListRange(_ context.Context, fromSeq, toSeq int64) ([]audit.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.LedgerEntry
	for _, entry := range s.entries {
		if entry.SequenceNumber >= fromSeq && entry.SequenceNumber <= toSeq {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *InMemoryLedgerStore) List(_ context.Context, filter audit.EntryFilter) ([]audit.LedgerEntry, int64, error) {
	filter.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []audit.LedgerEntry
	for _, entry := range s.entries {
		if matches(entry, filter) {
			matched = append(matched, entry)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].SequenceNumber < matched[j].SequenceNumber
	})

	total := int64(len(matched))
	start := (filter.Page - 1) * filter.PageSize
	if start >= len(matched) {
		return nil, total, nil
	}
	end := min(start+filter.PageSize, len(matched))
	page := make([]audit.LedgerEntry, end-start)
	copy(page, matched[start:end])
	return page, total, nil
}

func matches(entry audit.LedgerEntry, filter audit.EntryFilter) bool {
	if filter.UserID != nil && (entry.UserID == nil || *entry.UserID != *filter.UserID) {
		return false
	}
	if filter.EventType != nil && entry.EventType != *filter.EventType {
		return false
	}
	if filter.Action != nil && entry.Action != *filter.Action {
		return false
	}
	if filter.EntityType != "" && entry.EntityType != filter.EntityType {
		return false
	}
	if filter.EntityID != "" && entry.EntityID != filter.EntityID {
		return false
	}
	if filter.Success != nil && entry.Success != *filter.Success {
		return false
	}
	if filter.From != nil && entry.OccurredAt.Before(*filter.From) {
		return false
	}
	if filter.To != nil && entry.OccurredAt.After(*filter.To) {
		return false
	}
	return true
}

func (s *InMemoryLedgerStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

// ListByPartition returns all entries of one calendar-month partition ordered
// by sequence number.
func (s *InMemoryLedgerStore) ListByPartition(_ context.Context, boundary time.Time) ([]audit.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.LedgerEntry
	for _, entry := range s.entries {
		if entry.PartitionBoundary().Equal(boundary) {
			out = append(out, entry)
		}
	}
	return out, nil
}

// DeleteByPartition removes all entries of one partition and returns the
// number deleted. Only the archiver calls this, after blob verification.
func (s *InMemoryLedgerStore) DeleteByPartition(_ context.Context, boundary time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	var deleted int64
	for _, entry := range s.entries {
		if entry.PartitionBoundary().Equal(boundary) {
			deleted++
			continue
		}
		kept = append(kept, entry)
	}
	s.entries = kept
	s.bySeq = make(map[int64]int, len(s.entries))
	for i, entry := range s.entries {
		s.bySeq[entry.SequenceNumber] = i
	}
	return deleted, nil
}
