package manifeststore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"vigil/internal/archive"
	"vigil/pkg/platform/sentinel"
)

// InMemoryManifestStore keeps archive manifests in memory for tests/dev.
type InMemoryManifestStore struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]*archive.Manifest
	byBoundary map[time.Time]uuid.UUID
}

// New constructs an empty in-memory manifest store.
func New() *InMemoryManifestStore {
	return &InMemoryManifestStore{
		byID:       make(map[uuid.UUID]*archive.Manifest),
		byBoundary: make(map[time.Time]uuid.UUID),
	}
}

func (s *InMemoryManifestStore) Create(_ context.Context, manifest *archive.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	boundary := manifest.PartitionBoundary.UTC()
	if _, exists := s.byBoundary[boundary]; exists {
		return fmt.Errorf("manifest for partition %s already exists: %w",
			boundary.Format("2006-01"), sentinel.ErrConflict)
	}
	stored := *manifest
	s.byID[manifest.ID] = &stored
	s.byBoundary[boundary] = manifest.ID
	return nil
}

func (s *InMemoryManifestStore) GetByID(_ context.Context, id uuid.UUID) (*archive.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	manifest, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("manifest %s not found: %w", id, sentinel.ErrNotFound)
	}
	copied := *manifest
	return &copied, nil
}

func (s *InMemoryManifestStore) GetByBoundary(_ context.Context, boundary time.Time) (*archive.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byBoundary[boundary.UTC()]
	if !ok {
		return nil, fmt.Errorf("manifest for partition %s not found: %w",
			boundary.Format("2006-01"), sentinel.ErrNotFound)
	}
	copied := *s.byID[id]
	return &copied, nil
}

func (s *InMemoryManifestStore) SetPurgedAt(_ context.Context, id uuid.UUID, purgedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	manifest, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("manifest %s not found: %w", id, sentinel.ErrNotFound)
	}
	manifest.PurgedAt = &purgedAt
	return nil
}

func (s *InMemoryManifestStore) List(_ context.Context, from, to *time.Time) ([]archive.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []archive.Manifest
	for _, manifest := range s.byID {
		if from != nil && manifest.PartitionBoundary.Before(*from) {
			continue
		}
		if to != nil && manifest.PartitionBoundary.After(*to) {
			continue
		}
		out = append(out, *manifest)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PartitionBoundary.Before(out[j].PartitionBoundary)
	})
	return out, nil
}
