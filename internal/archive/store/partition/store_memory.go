package partitionstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"vigil/internal/archive"
	"vigil/pkg/platform/sentinel"
)

// InMemoryPartitionStore tracks partition lifecycle records in memory for
// tests/dev.
type InMemoryPartitionStore struct {
	mu         sync.RWMutex
	partitions map[time.Time]*archive.Partition
}

// New constructs an empty in-memory partition store.
func New() *InMemoryPartitionStore {
	return &InMemoryPartitionStore{partitions: make(map[time.Time]*archive.Partition)}
}

// Create registers a partition in the Active state. Idempotent: an existing
// partition is left untouched.
func (s *InMemoryPartitionStore) Create(_ context.Context, boundary time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	boundary = boundary.UTC()
	if _, exists := s.partitions[boundary]; exists {
		return nil
	}
	s.partitions[boundary] = &archive.Partition{
		Boundary: boundary,
		State:    archive.PartitionActive,
	}
	return nil
}

func (s *InMemoryPartitionStore) Get(_ context.Context, boundary time.Time) (*archive.Partition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	partition, ok := s.partitions[boundary.UTC()]
	if !ok {
		return nil, fmt.Errorf("partition %s not found: %w", boundary.Format("2006-01"), sentinel.ErrNotFound)
	}
	copied := *partition
	return &copied, nil
}

// Transition moves a partition from one state to the next. The expected
// current state is a precondition: a mismatch returns ErrInvalidState, which
// is what makes concurrent archive/purge of the same partition safe.
func (s *InMemoryPartitionStore) Transition(_ context.Context, boundary time.Time, from, to archive.PartitionState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	partition, ok := s.partitions[boundary.UTC()]
	if !ok {
		return fmt.Errorf("partition %s not found: %w", boundary.Format("2006-01"), sentinel.ErrNotFound)
	}
	if partition.State != from {
		return fmt.Errorf("partition %s is %s, expected %s: %w",
			boundary.Format("2006-01"), partition.State, from, sentinel.ErrInvalidState)
	}
	if !partition.CanTransitionTo(to) {
		return fmt.Errorf("partition %s cannot move from %s to %s: %w",
			boundary.Format("2006-01"), partition.State, to, sentinel.ErrInvalidState)
	}
	partition.State = to
	at = at.UTC()
	switch to {
	case archive.PartitionStaged:
		partition.StagedAt = &at
	case archive.PartitionArchived:
		partition.ArchivedAt = &at
	case archive.PartitionPurged:
		partition.PurgedAt = &at
	}
	return nil
}

func (s *InMemoryPartitionStore) List(_ context.Context, states ...archive.PartitionState) ([]archive.Partition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []archive.Partition
	for _, partition := range s.partitions {
		if len(states) > 0 && !containsState(states, partition.State) {
			continue
		}
		out = append(out, *partition)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Boundary.Before(out[j].Boundary)
	})
	return out, nil
}

func containsState(states []archive.PartitionState, state archive.PartitionState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}
