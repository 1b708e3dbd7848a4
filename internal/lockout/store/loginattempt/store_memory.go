// Package loginattempt persists the append-only login attempt history.
package loginattempt

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"vigil/internal/lockout"
)

// InMemoryAttemptStore is the test and single-node implementation.
type InMemoryAttemptStore struct {
	mu       sync.Mutex
	attempts []*lockout.LoginAttempt
}

func New() *InMemoryAttemptStore {
	return &InMemoryAttemptStore{}
}

func (s *InMemoryAttemptStore) Create(_ context.Context, attempt *lockout.LoginAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *attempt
	s.attempts = append(s.attempts, &copied)
	return nil
}

func (s *InMemoryAttemptStore) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]lockout.LoginAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []lockout.LoginAttempt
	for _, attempt := range s.attempts {
		if attempt.UserID != nil && *attempt.UserID == userID {
			result = append(result, *attempt)
		}
	}
	// newest first
	sort.Slice(result, func(i, j int) bool {
		return result[i].AttemptedAt.After(result[j].AttemptedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *InMemoryAttemptStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.attempts[:0]
	deleted := 0
	for _, attempt := range s.attempts {
		if attempt.AttemptedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, attempt)
	}
	s.attempts = kept
	return deleted, nil
}
